package rollback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"go.uber.org/zap"

	"github.com/adolago/tiara/internal/model"
	"github.com/adolago/tiara/internal/storage"
)

// Checksum returns the hex SHA-256 of serialized state
func Checksum(state []byte) string {
	sum := sha256.Sum256(state)
	return hex.EncodeToString(sum[:])
}

// VerifyIntegrity reports whether a snapshot's checksum matches its state
func VerifyIntegrity(s *model.Snapshot) bool {
	if s == nil || s.Integrity.Corrupted || s.Integrity.Algorithm != model.ChecksumAlgorithm {
		return false
	}
	return Checksum(s.State) == s.Integrity.Checksum
}

// DecodeState verifies a snapshot and decodes its coordination state
func DecodeState(s *model.Snapshot) (*model.CoordinationState, error) {
	if !VerifyIntegrity(s) {
		return nil, fmt.Errorf("%w: %s", ErrIntegrityMismatch, s.ID)
	}
	var state model.CoordinationState
	if err := json.Unmarshal(s.State, &state); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", s.ID, err)
	}
	return &state, nil
}

// serialize encodes state canonically so equal states hash equally
func serialize(state *model.CoordinationState) ([]byte, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize state: %w", err)
	}
	return canonical, nil
}

// SnapshotStore creates, verifies and prunes snapshots in the durable store
type SnapshotStore struct {
	logger       *zap.Logger
	store        storage.Store
	maxSnapshots int
	now          func() time.Time

	mu     sync.Mutex
	last   time.Time
	primed bool
}

// NewSnapshotStore creates a snapshot store keeping at most maxSnapshots
func NewSnapshotStore(logger *zap.Logger, store storage.Store, maxSnapshots int, now func() time.Time) *SnapshotStore {
	if now == nil {
		now = time.Now
	}
	return &SnapshotStore{
		logger:       logger.Named("snapshots"),
		store:        store,
		maxSnapshots: maxSnapshots,
		now:          now,
	}
}

// Create serializes state, checksums it and stores the snapshot. Timestamps
// are strictly increasing, including across restarts.
func (s *SnapshotStore) Create(ctx context.Context, state *model.CoordinationState, metadata map[string]string) (*model.Snapshot, error) {
	data, err := serialize(state)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.primed {
		existing, err := s.List(ctx)
		if err != nil {
			return nil, err
		}
		if n := len(existing); n > 0 {
			s.last = existing[n-1].Timestamp
		}
		s.primed = true
	}

	ts := s.now()
	if !ts.After(s.last) {
		ts = s.last.Add(time.Microsecond)
	}

	snap := &model.Snapshot{
		ID:        uuid.New().String(),
		Timestamp: ts,
		State:     data,
		Metadata:  metadata,
		Integrity: model.Integrity{
			Algorithm: model.ChecksumAlgorithm,
			Checksum:  Checksum(data),
		},
	}
	if err := s.save(ctx, snap); err != nil {
		return nil, err
	}
	s.last = ts

	s.logger.Info("Snapshot created",
		zap.String("snapshot_id", snap.ID),
		zap.Int("size", len(data)),
		zap.Int("tasks", len(state.Tasks)),
		zap.Int("agents", len(state.Agents)),
		zap.Int("proposals", len(state.Proposals)))

	if err := s.prune(ctx); err != nil {
		s.logger.Warn("Failed to prune snapshots", zap.Error(err))
	}
	return snap, nil
}

func (s *SnapshotStore) save(ctx context.Context, snap *model.Snapshot) error {
	parts := []string{snap.ID}
	for k, v := range snap.Metadata {
		parts = append(parts, k, v)
	}
	if err := storage.Save(ctx, s.store, storage.NamespaceSnapshots, snap.ID, snap, strings.Join(parts, " ")); err != nil {
		return fmt.Errorf("failed to store snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// Get returns a snapshot by id
func (s *SnapshotStore) Get(ctx context.Context, id string) (*model.Snapshot, error) {
	var snap model.Snapshot
	if err := storage.Load(ctx, s.store, storage.NamespaceSnapshots, id, &snap); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
		}
		return nil, err
	}
	return &snap, nil
}

// List returns every snapshot, oldest first
func (s *SnapshotStore) List(ctx context.Context) ([]*model.Snapshot, error) {
	docs, err := s.store.List(ctx, storage.NamespaceSnapshots)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	out := make([]*model.Snapshot, 0, len(docs))
	for _, doc := range docs {
		var snap model.Snapshot
		if err := json.Unmarshal(doc.Data, &snap); err != nil {
			s.logger.Warn("Skipping undecodable snapshot", zap.String("snapshot_id", doc.ID), zap.Error(err))
			continue
		}
		out = append(out, &snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// Latest returns the newest snapshot that passes verification. Snapshots
// failing verification along the way are marked corrupted.
func (s *SnapshotStore) Latest(ctx context.Context) (*model.Snapshot, error) {
	snaps, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(snaps) - 1; i >= 0; i-- {
		snap := snaps[i]
		if VerifyIntegrity(snap) {
			return snap, nil
		}
		s.markCorrupted(ctx, snap)
	}
	return nil, ErrNoValidSnapshot
}

// Verify loads a snapshot and checks its integrity, marking it corrupted on mismatch
func (s *SnapshotStore) Verify(ctx context.Context, id string) (bool, error) {
	snap, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if VerifyIntegrity(snap) {
		return true, nil
	}
	s.markCorrupted(ctx, snap)
	return false, nil
}

func (s *SnapshotStore) markCorrupted(ctx context.Context, snap *model.Snapshot) {
	if snap.Integrity.Corrupted {
		return
	}
	s.logger.Warn("Snapshot failed integrity check",
		zap.String("snapshot_id", snap.ID),
		zap.String("checksum", snap.Integrity.Checksum))

	snap.Integrity.Corrupted = true
	if err := s.save(ctx, snap); err != nil {
		s.logger.Error("Failed to mark snapshot corrupted", zap.String("snapshot_id", snap.ID), zap.Error(err))
	}
}

// Prune deletes the oldest snapshots beyond the retention limit
func (s *SnapshotStore) Prune(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prune(ctx)
}

func (s *SnapshotStore) prune(ctx context.Context) error {
	if s.maxSnapshots <= 0 {
		return nil
	}
	snaps, err := s.List(ctx)
	if err != nil {
		return err
	}
	excess := len(snaps) - s.maxSnapshots
	for i := 0; i < excess; i++ {
		if err := s.store.Delete(ctx, storage.NamespaceSnapshots, snaps[i].ID); err != nil {
			return fmt.Errorf("failed to delete snapshot %s: %w", snaps[i].ID, err)
		}
		s.logger.Debug("Pruned snapshot", zap.String("snapshot_id", snaps[i].ID))
	}
	return nil
}
