// Package ledgertest holds the behaviour every ledger.Repository must share.
package ledgertest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/muvusoft/talkscribe-license/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty repository. Cleanup is the caller's job.
type Factory func(t *testing.T) ledger.Repository

// RunRepositoryTests exercises the Repository contract against newRepo.
func RunRepositoryTests(t *testing.T, newRepo Factory) {
	t.Run("MissingRecordsAreNil", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		dev, err := repo.GetDevice(ctx, "dev-missing")
		require.NoError(t, err)
		assert.Nil(t, dev)

		acc, err := repo.GetAccount(ctx, "acc_missing")
		require.NoError(t, err)
		assert.Nil(t, acc)

		acc, err = repo.FindAccountByEmail(ctx, "nobody@example.com")
		require.NoError(t, err)
		assert.Nil(t, acc)

		require.NoError(t, repo.Ping(ctx))
	})

	t.Run("DeviceRoundTrip", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

		dev := &ledger.Device{
			ID:              "dev-1",
			FingerprintHash: "abc",
			FirstSeen:       now,
			LastSeen:        now,
			TrialStart:      now.Add(-time.Hour),
			TrialExtended:   true,
			AccountID:       "acc_1",
			Daily:           map[string]int64{"20260501": 42},
		}
		require.NoError(t, repo.PutDevice(ctx, dev))
		assert.EqualValues(t, 1, dev.Version)

		got, err := repo.GetDevice(ctx, "dev-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "abc", got.FingerprintHash)
		assert.True(t, got.FirstSeen.Equal(now))
		assert.True(t, got.TrialStart.Equal(now.Add(-time.Hour)))
		assert.True(t, got.TrialExtended)
		assert.Equal(t, "acc_1", got.AccountID)
		assert.Equal(t, map[string]int64{"20260501": 42}, got.Daily)
		assert.EqualValues(t, 1, got.Version)

		got.Daily["20260501"] = 100
		require.NoError(t, repo.PutDevice(ctx, got))
		assert.EqualValues(t, 2, got.Version)

		again, err := repo.GetDevice(ctx, "dev-1")
		require.NoError(t, err)
		assert.EqualValues(t, 100, again.Daily["20260501"])
	})

	t.Run("DeviceVersionConflict", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

		require.NoError(t, repo.PutDevice(ctx, &ledger.Device{ID: "dev-1", FirstSeen: now, LastSeen: now, TrialStart: now}))

		// A second "new" write of the same id loses.
		err := repo.PutDevice(ctx, &ledger.Device{ID: "dev-1", FirstSeen: now, LastSeen: now, TrialStart: now})
		assert.ErrorIs(t, err, ledger.ErrVersionConflict)

		a, err := repo.GetDevice(ctx, "dev-1")
		require.NoError(t, err)
		b, err := repo.GetDevice(ctx, "dev-1")
		require.NoError(t, err)

		a.AccountID = "acc_a"
		require.NoError(t, repo.PutDevice(ctx, a))

		b.AccountID = "acc_b"
		assert.ErrorIs(t, repo.PutDevice(ctx, b), ledger.ErrVersionConflict)

		stored, err := repo.GetDevice(ctx, "dev-1")
		require.NoError(t, err)
		assert.Equal(t, "acc_a", stored.AccountID)
	})

	t.Run("ListDevicesByFingerprint", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

		for _, d := range []*ledger.Device{
			{ID: "dev-a", FingerprintHash: "fp", FirstSeen: now.Add(-10 * 24 * time.Hour)},
			{ID: "dev-b", FingerprintHash: "fp", FirstSeen: now.Add(-200 * 24 * time.Hour)},
			{ID: "dev-c", FingerprintHash: "other", FirstSeen: now},
			{ID: "dev-d", FingerprintHash: "fp", FirstSeen: now},
		} {
			d.LastSeen, d.TrialStart = d.FirstSeen, d.FirstSeen
			require.NoError(t, repo.PutDevice(ctx, d))
		}

		got, err := repo.ListDevicesByFingerprint(ctx, "fp", now.Add(-90*24*time.Hour))
		require.NoError(t, err)
		ids := make([]string, 0, len(got))
		for _, d := range got {
			ids = append(ids, d.ID)
		}
		assert.ElementsMatch(t, []string{"dev-a", "dev-d"}, ids)

		none, err := repo.ListDevicesByFingerprint(ctx, "", time.Time{})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("AccountRoundTripAndEmailLookup", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

		acc := &ledger.Account{ID: "acc_1", Email: "x@y.com", CreatedAt: now}
		require.NoError(t, repo.PutAccount(ctx, acc))
		assert.EqualValues(t, 1, acc.Version)

		got, err := repo.FindAccountByEmail(ctx, "x@y.com")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "acc_1", got.ID)
		assert.True(t, got.ProUntil.IsZero())
		assert.False(t, got.SubscriptionActive)

		got.SubscriptionActive = true
		got.ProUntil = now.Add(30 * 24 * time.Hour)
		require.NoError(t, repo.PutAccount(ctx, got))

		byID, err := repo.GetAccount(ctx, "acc_1")
		require.NoError(t, err)
		assert.True(t, byID.SubscriptionActive)
		assert.True(t, byID.ProUntil.Equal(now.Add(30*24*time.Hour)))
		assert.EqualValues(t, 2, byID.Version)

		// Stale writer loses.
		acc.Notes = "stale"
		assert.ErrorIs(t, repo.PutAccount(ctx, acc), ledger.ErrVersionConflict)

		// A different id claiming the same email loses too.
		dup := &ledger.Account{ID: "acc_2", Email: "x@y.com", CreatedAt: now}
		assert.ErrorIs(t, repo.PutAccount(ctx, dup), ledger.ErrVersionConflict)
	})

	t.Run("ConcurrentCreateHasOneWinner", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

		const writers = 8
		var wg sync.WaitGroup
		results := make([]error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = repo.PutDevice(ctx, &ledger.Device{ID: "dev-race", FirstSeen: now, LastSeen: now, TrialStart: now})
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range results {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, ledger.ErrVersionConflict)
		}
		assert.Equal(t, 1, wins)
	})
}
