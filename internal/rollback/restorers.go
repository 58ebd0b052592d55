package rollback

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/adolago/tiara/internal/model"
	"github.com/adolago/tiara/internal/storage"
)

// ConfigApplier re-applies a captured configuration
type ConfigApplier interface {
	Apply(settings map[string]any) error
}

// AgentRoster restores the agent roster in memory
type AgentRoster interface {
	Restore(agents []*model.Agent)
}

// TaskGraph restores the task graph in memory
type TaskGraph interface {
	Restore(tasks []*model.Task) error
}

// ProposalTable restores the proposal table in memory
type ProposalTable interface {
	Restore(proposals []*model.Proposal)
}

// ConfigStep re-applies the snapshot's configuration
func ConfigStep(applier ConfigApplier) Restorer {
	return RestorerFunc(func(_ context.Context, _ *model.Snapshot, state *model.CoordinationState) error {
		if len(state.Config) == 0 {
			return nil
		}
		if err := applier.Apply(state.Config); err != nil {
			return fmt.Errorf("failed to apply config: %w", err)
		}
		return nil
	})
}

// MemoryStep replaces the in-memory roster, task graph and proposal table
func MemoryStep(agents AgentRoster, tasks TaskGraph, proposals ProposalTable) Restorer {
	return RestorerFunc(func(_ context.Context, _ *model.Snapshot, state *model.CoordinationState) error {
		if agents != nil {
			agents.Restore(state.Agents)
		}
		if tasks != nil {
			if err := tasks.Restore(state.Tasks); err != nil {
				return fmt.Errorf("failed to restore task graph: %w", err)
			}
		}
		if proposals != nil {
			proposals.Restore(state.Proposals)
		}
		return nil
	})
}

// FilesystemStep writes the snapshot state and its checksum into dir
func FilesystemStep(dir string) Restorer {
	return RestorerFunc(func(_ context.Context, snap *model.Snapshot, _ *model.CoordinationState) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
		if err := writeFileAtomic(filepath.Join(dir, "state.json"), snap.State); err != nil {
			return err
		}
		sum := snap.Integrity.Checksum + "  " + snap.ID + "\n"
		return writeFileAtomic(filepath.Join(dir, "state.sha256"), []byte(sum))
	})
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

// ExternalStateStep writes every entity of the snapshot back to the durable
// store, at most concurrency writes at a time
func ExternalStateStep(store storage.Store, concurrency int) Restorer {
	if concurrency <= 0 {
		concurrency = 8
	}
	return RestorerFunc(func(ctx context.Context, _ *model.Snapshot, state *model.CoordinationState) error {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)

		for _, a := range state.Agents {
			a := a
			g.Go(func() error {
				text := strings.Join(append([]string{a.Name, a.Type, string(a.Status)}, a.Capabilities.Tags...), " ")
				return storage.Save(gctx, store, storage.NamespaceAgents, a.ID, a, text)
			})
		}
		for _, t := range state.Tasks {
			t := t
			g.Go(func() error {
				text := strings.Join(append([]string{t.Description, string(t.Strategy), string(t.Priority), string(t.Status)},
					t.RequiredCapabilities...), " ")
				return storage.Save(gctx, store, storage.NamespaceTasks, t.ID, t, text)
			})
		}
		for _, p := range state.Proposals {
			p := p
			g.Go(func() error {
				text := string(p.Status) + " " + p.TaskID + " " + string(p.Proposal)
				return storage.Save(gctx, store, storage.NamespaceProposals, p.ID, p, text)
			})
		}

		if err := g.Wait(); err != nil {
			return fmt.Errorf("failed to restore external state: %w", err)
		}
		return nil
	})
}
