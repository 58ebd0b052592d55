package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
)

// Namespaces used by the coordination engine
const (
	NamespaceAgents    = "agents"
	NamespaceTasks     = "tasks"
	NamespaceProposals = "proposals"
	NamespaceSnapshots = "snapshots"
	NamespaceRollback  = "rollback"
)

var (
	// ErrNotFound is returned when a document does not exist
	ErrNotFound = errors.New("document not found")

	// ErrVersionConflict is returned when a put carries a stale version
	ErrVersionConflict = errors.New("document version conflict")

	// ErrInvalidDocument is returned for documents without namespace or id
	ErrInvalidDocument = errors.New("invalid document")
)

// Document is a versioned JSON entity in a namespace
type Document struct {
	Namespace string          `json:"namespace"`
	ID        string          `json:"id"`
	Version   int64           `json:"version"`
	Data      json.RawMessage `json:"data"`
	Text      string          `json:"text,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Match is a search hit
type Match struct {
	Document *Document `json:"document"`
	Score    float64   `json:"score"`
}

// Store defines the durable store the engine persists its state through.
//
// Put is optimistic: Version must equal the stored version (0 for a new
// document) or ErrVersionConflict is returned. The stored document, with
// its incremented version, is returned on success.
type Store interface {
	// Get retrieves a document
	Get(ctx context.Context, namespace, id string) (*Document, error)

	// Put creates or replaces a document
	Put(ctx context.Context, doc *Document) (*Document, error)

	// Delete removes a document; deleting a missing document is not an error
	Delete(ctx context.Context, namespace, id string) error

	// List returns every document in a namespace ordered by id
	List(ctx context.Context, namespace string) ([]*Document, error)

	// Search returns documents ranked by similarity to the query
	Search(ctx context.Context, namespace, query string, limit int) ([]Match, error)

	// Close releases the backend
	Close() error
}

func validate(doc *Document) error {
	if doc == nil || doc.Namespace == "" || doc.ID == "" {
		return ErrInvalidDocument
	}
	return nil
}

// Save writes v as JSON under namespace/id, re-reading the current version
// and retrying when a concurrent writer wins the race.
func Save(ctx context.Context, s Store, namespace, id string, v any, text string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", namespace, id, err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		var version int64
		current, err := s.Get(ctx, namespace, id)
		switch {
		case err == nil:
			version = current.Version
		case errors.Is(err, ErrNotFound):
		default:
			return err
		}

		_, err = s.Put(ctx, &Document{
			Namespace: namespace,
			ID:        id,
			Version:   version,
			Data:      data,
			Text:      text,
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("failed to save %s/%s: %w", namespace, id, ErrVersionConflict)
}

// Load decodes the document at namespace/id into v
func Load(ctx context.Context, s Store, namespace, id string, v any) error {
	doc, err := s.Get(ctx, namespace, id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(doc.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s/%s: %w", namespace, id, err)
	}
	return nil
}

// tokenize splits text into lowercase alphanumeric tokens
func tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		tokens[f] = struct{}{}
	}
	return tokens
}

// score returns the fraction of query tokens present in the text
func score(query map[string]struct{}, text string) float64 {
	if len(query) == 0 {
		return 0
	}
	doc := tokenize(text)
	hits := 0
	for t := range query {
		if _, ok := doc[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

// rank scores documents against the query and returns the best matches
func rank(docs []*Document, query string, limit int) []Match {
	q := tokenize(query)
	matches := make([]Match, 0, len(docs))
	for _, doc := range docs {
		text := doc.Text
		if text == "" {
			text = string(doc.Data)
		}
		if s := score(q, text); s > 0 {
			matches = append(matches, Match{Document: doc, Score: s})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Document.ID < matches[j].Document.ID
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}
