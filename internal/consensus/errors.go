package consensus

import "errors"

var (
	// ErrProposalNotFound is returned when a proposal is not found
	ErrProposalNotFound = errors.New("proposal not found")

	// ErrProposalClosed is returned when voting on or cancelling a resolved proposal
	ErrProposalClosed = errors.New("proposal closed")

	// ErrDuplicateProposal is returned when a proposal ID is already in use
	ErrDuplicateProposal = errors.New("duplicate proposal")
)
