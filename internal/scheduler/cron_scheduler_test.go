package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCronScheduler(t *testing.T) {
	s := NewCronScheduler(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	require.NoError(t, s.AddJob("snapshot", "@every 1s", func(context.Context) {
		runs.Add(1)
	}))

	t.Run("Invalid Spec", func(t *testing.T) {
		err := s.AddJob("broken", "every now and then", func(context.Context) {})
		assert.Error(t, err)
	})

	t.Run("Run Now", func(t *testing.T) {
		require.NoError(t, s.RunNow("snapshot"))
		assert.Equal(t, int32(1), runs.Load())

		jobs := s.List()
		require.Len(t, jobs, 1)
		assert.Equal(t, "snapshot", jobs[0].Name)
		assert.Equal(t, 1, jobs[0].Runs)
		assert.False(t, jobs[0].LastRun.IsZero())

		assert.ErrorIs(t, s.RunNow("missing"), ErrJobNotFound)
	})

	t.Run("Scheduled Runs", func(t *testing.T) {
		require.NoError(t, s.Start(ctx))
		defer s.Stop()

		assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 3*time.Second, 50*time.Millisecond)
		assert.False(t, s.List()[0].NextRun.IsZero())
	})

	t.Run("Remove", func(t *testing.T) {
		require.NoError(t, s.RemoveJob("snapshot"))
		assert.Empty(t, s.List())
		assert.ErrorIs(t, s.RemoveJob("snapshot"), ErrJobNotFound)
	})
}
