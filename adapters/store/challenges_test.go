package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/passkeyd/core"
	"github.com/layer-3/passkeyd/ports"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newChallenge(id string, issued time.Time) *core.Challenge {
	return &core.Challenge{
		ID:        id,
		Nonce:     "nonce-" + id,
		Purpose:   core.PurposeRegister,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(5 * time.Minute),
	}
}

// runChallengeStoreSuite exercises the ports.ChallengeStore contract
func runChallengeStoreSuite(t *testing.T, newStore func(t *testing.T) ports.ChallengeStore) {
	ctx := context.Background()

	t.Run("single use", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, newChallenge("c1", t0)))

		got, err := s.Consume(ctx, "c1", t0.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, "nonce-c1", got.Nonce)

		for i := 0; i < 3; i++ {
			_, err = s.Consume(ctx, "c1", t0.Add(2*time.Second))
			assert.ErrorIs(t, err, core.ErrChallengeAlreadyUsed)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Consume(ctx, "missing", t0)
		assert.ErrorIs(t, err, core.ErrChallengeNotFound)
	})

	t.Run("expired", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, newChallenge("c2", t0)))

		_, err := s.Consume(ctx, "c2", t0.Add(5*time.Minute+time.Second))
		assert.ErrorIs(t, err, core.ErrChallengeExpired)
	})

	t.Run("duplicate id", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, newChallenge("c3", t0)))
		assert.ErrorIs(t, s.Put(ctx, newChallenge("c3", t0)), core.ErrAlreadyExists)
	})

	t.Run("concurrent consume", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, newChallenge("c4", t0)))

		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			used      atomic.Int32
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Consume(ctx, "c4", t0.Add(time.Second))
				if err == nil {
					successes.Add(1)
					return
				}
				assert.ErrorIs(t, err, core.ErrChallengeAlreadyUsed)
				used.Add(1)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), successes.Load())
		assert.Equal(t, int32(15), used.Load())
	})
}

func TestMemoryChallengeStore(t *testing.T) {
	runChallengeStoreSuite(t, func(t *testing.T) ports.ChallengeStore {
		return NewMemoryChallengeStore()
	})
}

func TestMemoryChallengeStore_LazyPurge(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryChallengeStore()

	require.NoError(t, s.Put(ctx, newChallenge("old", t0)))
	assert.Equal(t, 1, s.Len())

	// Issuing well past the old challenge's retention window drops it
	later := t0.Add(10 * time.Minute)
	require.NoError(t, s.Put(ctx, newChallenge("new", later)))
	assert.Equal(t, 1, s.Len())

	_, err := s.Consume(ctx, "old", later)
	assert.ErrorIs(t, err, core.ErrChallengeNotFound)

	require.NoError(t, s.Purge(ctx, later.Add(time.Hour)))
	assert.Equal(t, 0, s.Len())
}
