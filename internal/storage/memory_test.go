package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"auth-guard/internal/domain"
	"auth-guard/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPolicy = domain.AbusePolicy{
	Threshold: 3,
	Window:    5 * time.Second,
	BanTiers:  []time.Duration{time.Minute, 15 * time.Minute, 6 * time.Hour},
}

var baseTime = time.UnixMilli(1_700_000_000_000).UTC()

// abuseStorageContract exercises behavior every AbuseStorage must share
func abuseStorageContract(t *testing.T, newStorage func(t *testing.T) domain.AbuseStorage) {
	ctx := context.Background()

	t.Run("Requests up to the threshold are admitted", func(t *testing.T) {
		storage := newStorage(t)
		for i := 1; i <= testPolicy.Threshold; i++ {
			result, err := storage.Hit(ctx, "ip:10.0.0.1", testPolicy, baseTime)
			require.NoError(t, err)
			assert.False(t, result.Banned)
			assert.Equal(t, i, result.Count)
		}
	})

	t.Run("Crossing the threshold bans at the first tier", func(t *testing.T) {
		storage := newStorage(t)
		for i := 0; i < testPolicy.Threshold; i++ {
			_, err := storage.Hit(ctx, "ip:10.0.0.2", testPolicy, baseTime)
			require.NoError(t, err)
		}

		result, err := storage.Hit(ctx, "ip:10.0.0.2", testPolicy, baseTime)
		require.NoError(t, err)
		assert.True(t, result.Banned)
		assert.True(t, result.NewlyBanned)
		assert.Equal(t, time.Minute, result.BanDuration)
		assert.Equal(t, 1, result.History)
		assert.True(t, result.BannedUntil.Equal(baseTime.Add(time.Minute)))

		again, err := storage.Hit(ctx, "ip:10.0.0.2", testPolicy, baseTime.Add(time.Second))
		require.NoError(t, err)
		assert.True(t, again.Banned)
		assert.False(t, again.NewlyBanned)
	})

	t.Run("Window expiry resets the count", func(t *testing.T) {
		storage := newStorage(t)
		for i := 0; i < testPolicy.Threshold; i++ {
			_, err := storage.Hit(ctx, "ip:10.0.0.3", testPolicy, baseTime)
			require.NoError(t, err)
		}

		result, err := storage.Hit(ctx, "ip:10.0.0.3", testPolicy, baseTime.Add(testPolicy.Window))
		require.NoError(t, err)
		assert.False(t, result.Banned)
		assert.Equal(t, 1, result.Count)
	})

	t.Run("Ban tiers escalate and clamp at the last tier", func(t *testing.T) {
		storage := newStorage(t)
		now := baseTime
		expected := []time.Duration{time.Minute, 15 * time.Minute, 6 * time.Hour, 6 * time.Hour}

		for round, tier := range expected {
			var result *domain.HitResult
			for i := 0; i <= testPolicy.Threshold; i++ {
				var err error
				result, err = storage.Hit(ctx, "user:42", testPolicy, now)
				require.NoError(t, err)
			}
			require.True(t, result.NewlyBanned, "round %d", round)
			assert.Equal(t, tier, result.BanDuration, "round %d", round)
			assert.Equal(t, round+1, result.History)
			now = result.BannedUntil
		}
	})

	t.Run("Expired ban admits again and keeps history", func(t *testing.T) {
		storage := newStorage(t)
		for i := 0; i <= testPolicy.Threshold; i++ {
			_, err := storage.Hit(ctx, "ip:10.0.0.4", testPolicy, baseTime)
			require.NoError(t, err)
		}

		after := baseTime.Add(time.Minute)
		status, err := storage.Get(ctx, "ip:10.0.0.4", after)
		require.NoError(t, err)
		require.NotNil(t, status)
		assert.False(t, status.IsBanned)
		assert.Nil(t, status.BannedUntil)
		assert.Equal(t, 1, status.BanHistory)

		result, err := storage.Hit(ctx, "ip:10.0.0.4", testPolicy, after)
		require.NoError(t, err)
		assert.False(t, result.Banned)
		assert.Equal(t, 1, result.Count)
	})

	t.Run("Get on an untracked identity returns nil", func(t *testing.T) {
		storage := newStorage(t)
		status, err := storage.Get(ctx, "ip:never-seen", baseTime)
		require.NoError(t, err)
		assert.Nil(t, status)
	})

	t.Run("Get reports a live window", func(t *testing.T) {
		storage := newStorage(t)
		_, err := storage.Hit(ctx, "ip:10.0.0.5", testPolicy, baseTime)
		require.NoError(t, err)

		status, err := storage.Get(ctx, "ip:10.0.0.5", baseTime.Add(time.Second))
		require.NoError(t, err)
		require.NotNil(t, status)
		assert.Equal(t, 1, status.Count)
		require.NotNil(t, status.WindowEnds)
		assert.True(t, status.WindowEnds.Equal(baseTime.Add(testPolicy.Window)))
		assert.False(t, status.IsBanned)
	})

	t.Run("Explicit ban uses the next tier", func(t *testing.T) {
		storage := newStorage(t)
		first, err := storage.Ban(ctx, "user:7", testPolicy, baseTime)
		require.NoError(t, err)
		assert.Equal(t, time.Minute, first.BanDuration)
		assert.Equal(t, 1, first.History)

		second, err := storage.Ban(ctx, "user:7", testPolicy, baseTime.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, 15*time.Minute, second.BanDuration)
		assert.Equal(t, 2, second.History)

		status, err := storage.Get(ctx, "user:7", baseTime.Add(2*time.Second))
		require.NoError(t, err)
		require.NotNil(t, status)
		assert.True(t, status.IsBanned)
	})

	t.Run("Reset forgets history", func(t *testing.T) {
		storage := newStorage(t)
		_, err := storage.Ban(ctx, "user:8", testPolicy, baseTime)
		require.NoError(t, err)

		require.NoError(t, storage.Reset(ctx, "user:8"))

		status, err := storage.Get(ctx, "user:8", baseTime)
		require.NoError(t, err)
		assert.Nil(t, status)

		again, err := storage.Ban(ctx, "user:8", testPolicy, baseTime)
		require.NoError(t, err)
		assert.Equal(t, time.Minute, again.BanDuration)
	})

	t.Run("Concurrent hits never lose an increment", func(t *testing.T) {
		storage := newStorage(t)
		policy := domain.AbusePolicy{Threshold: 1000, Window: time.Minute, BanTiers: testPolicy.BanTiers}

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := storage.Hit(ctx, "ip:shared", policy, baseTime)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		status, err := storage.Get(ctx, "ip:shared", baseTime)
		require.NoError(t, err)
		require.NotNil(t, status)
		assert.Equal(t, 50, status.Count)
	})

	t.Run("Concurrent hits ban exactly once", func(t *testing.T) {
		storage := newStorage(t)

		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			newly  int
			banned int
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				result, err := storage.Hit(ctx, "ip:burst", testPolicy, baseTime)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if result.NewlyBanned {
					newly++
				}
				if result.Banned {
					banned++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, newly)
		assert.Equal(t, 20-testPolicy.Threshold, banned)
	})
}

func TestMemoryStorage_Contract(t *testing.T) {
	abuseStorageContract(t, func(t *testing.T) domain.AbuseStorage {
		return NewMemoryStorage(logger.NewNopLogger())
	})
}

func TestMemoryStorage_GetDropsEmptyEntries(t *testing.T) {
	storage := NewMemoryStorage(logger.NewNopLogger())
	ctx := context.Background()

	_, err := storage.Hit(ctx, "ip:10.1.1.1", testPolicy, baseTime)
	require.NoError(t, err)
	assert.Equal(t, 1, storage.GetStats()["entries"])

	status, err := storage.Get(ctx, "ip:10.1.1.1", baseTime.Add(testPolicy.Window))
	require.NoError(t, err)
	assert.Nil(t, status)
	assert.Equal(t, 0, storage.GetStats()["entries"])
}

func TestMemoryStorage_HitSweepsAbandonedEntries(t *testing.T) {
	storage := NewMemoryStorage(logger.NewNopLogger())
	ctx := context.Background()
	policy := domain.AbusePolicy{Threshold: 1000, Window: time.Second, BanTiers: testPolicy.BanTiers}

	for i := 0; i < 1000; i++ {
		_, err := storage.Hit(ctx, fmt.Sprintf("ip:10.3.%d.%d", i/256, i%256), policy, baseTime)
		require.NoError(t, err)
	}
	assert.Equal(t, 1000, storage.GetStats()["entries"])

	later := baseTime.Add(time.Hour)
	for i := 0; i < 100; i++ {
		_, err := storage.Hit(ctx, "ip:192.0.2.50", policy, later)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, storage.GetStats()["entries"])
}

func TestMemoryStorage_SweepKeepsBanHistory(t *testing.T) {
	storage := NewMemoryStorage(logger.NewNopLogger())
	ctx := context.Background()

	_, err := storage.Ban(ctx, "ip:10.4.0.1", testPolicy, baseTime)
	require.NoError(t, err)

	later := baseTime.Add(24 * time.Hour)
	_, err = storage.Hit(ctx, "ip:10.4.0.2", testPolicy, later)
	require.NoError(t, err)

	status, err := storage.Get(ctx, "ip:10.4.0.1", later)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.False(t, status.IsBanned)
	assert.Equal(t, 1, status.BanHistory)
}

func TestMemoryStorage_HealthAndClose(t *testing.T) {
	storage := NewMemoryStorage(logger.NewLogger("debug", "text"))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := storage.Hit(ctx, fmt.Sprintf("ip:10.2.0.%d", i), testPolicy, baseTime)
		require.NoError(t, err)
	}

	assert.NoError(t, storage.Health(ctx))
	assert.Equal(t, 3, storage.GetStats()["entries"])
	assert.Equal(t, "memory", storage.GetStats()["type"])

	assert.NoError(t, storage.Close())
	assert.Equal(t, 0, storage.GetStats()["entries"])
}

func TestMemoryCredentialStore(t *testing.T) {
	credentialStoreContract(t, func(t *testing.T) domain.CredentialStore {
		return NewMemoryCredentialStore(logger.NewNopLogger())
	})
}

func TestMemoryCredentialStore_RecordsLapse(t *testing.T) {
	ctx := context.Background()
	now := baseTime
	store := NewMemoryCredentialStoreWithClock(logger.NewNopLogger(), func() time.Time { return now })

	require.NoError(t, store.PutToken(ctx, "web-1", "user-1", domain.KindWeb, time.Hour))
	require.NoError(t, store.PutToken(ctx, "web-2", "user-1", domain.KindWeb, time.Hour))
	require.NoError(t, store.PutToken(ctx, "api-1", "user-1", domain.KindAPI, 0))

	records, err := store.ListTokens(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, records, 3)

	now = baseTime.Add(time.Hour)

	exists, err := store.TokenExists(ctx, "web-1", "user-1", domain.KindWeb)
	require.NoError(t, err)
	assert.False(t, exists)

	removed, err := store.DeleteToken(ctx, "web-2", "user-1", domain.KindWeb)
	require.NoError(t, err)
	assert.False(t, removed)

	records, err = store.ListTokens(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "api-1", records[0].JTI)

	require.NoError(t, store.PutToken(ctx, "web-3", "user-1", domain.KindWeb, time.Minute))
	now = now.Add(2 * time.Minute)

	count, err := store.DeleteAllTokens(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// credentialStoreContract exercises behavior every CredentialStore must share
func credentialStoreContract(t *testing.T, newStore func(t *testing.T) domain.CredentialStore) {
	ctx := context.Background()

	t.Run("Put then exists", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.PutToken(ctx, "jti-1", "user-1", domain.KindWeb, 0))

		exists, err := store.TokenExists(ctx, "jti-1", "user-1", domain.KindWeb)
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("Exists requires matching user and kind", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.PutToken(ctx, "jti-2", "user-1", domain.KindWeb, 0))

		exists, err := store.TokenExists(ctx, "jti-2", "user-2", domain.KindWeb)
		require.NoError(t, err)
		assert.False(t, exists)

		exists, err = store.TokenExists(ctx, "jti-2", "user-1", domain.KindAPI)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("Delete removes exactly one record", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.PutToken(ctx, "jti-3", "user-1", domain.KindWeb, 0))
		require.NoError(t, store.PutToken(ctx, "jti-4", "user-1", domain.KindWeb, 0))

		removed, err := store.DeleteToken(ctx, "jti-3", "user-1", domain.KindWeb)
		require.NoError(t, err)
		assert.True(t, removed)

		exists, err := store.TokenExists(ctx, "jti-3", "user-1", domain.KindWeb)
		require.NoError(t, err)
		assert.False(t, exists)

		exists, err = store.TokenExists(ctx, "jti-4", "user-1", domain.KindWeb)
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("Delete of another user's record is refused", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.PutToken(ctx, "jti-5", "user-1", domain.KindAPI, 0))

		removed, err := store.DeleteToken(ctx, "jti-5", "user-2", domain.KindAPI)
		require.NoError(t, err)
		assert.False(t, removed)

		exists, err := store.TokenExists(ctx, "jti-5", "user-1", domain.KindAPI)
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("Delete of a missing record reports false", func(t *testing.T) {
		store := newStore(t)
		removed, err := store.DeleteToken(ctx, "missing", "user-1", domain.KindWeb)
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("Delete all spans kinds and spares other users", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.PutToken(ctx, "a", "user-1", domain.KindWeb, 0))
		require.NoError(t, store.PutToken(ctx, "b", "user-1", domain.KindAPI, 0))
		require.NoError(t, store.PutToken(ctx, "c", "user-1", domain.KindMirror, 0))
		require.NoError(t, store.PutToken(ctx, "d", "user-2", domain.KindWeb, 0))

		removed, err := store.DeleteAllTokens(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, 3, removed)

		for _, tc := range []struct {
			jti  string
			kind domain.TokenKind
		}{{"a", domain.KindWeb}, {"b", domain.KindAPI}, {"c", domain.KindMirror}} {
			exists, err := store.TokenExists(ctx, tc.jti, "user-1", tc.kind)
			require.NoError(t, err)
			assert.False(t, exists, tc.jti)
		}

		exists, err := store.TokenExists(ctx, "d", "user-2", domain.KindWeb)
		require.NoError(t, err)
		assert.True(t, exists)

		removed, err = store.DeleteAllTokens(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, 0, removed)
	})

	t.Run("List reports expiry only for records with a ttl", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.PutToken(ctx, "web-1", "user-3", domain.KindWeb, time.Hour))
		require.NoError(t, store.PutToken(ctx, "api-1", "user-3", domain.KindAPI, 0))

		records, err := store.ListTokens(ctx, "user-3")
		require.NoError(t, err)
		require.Len(t, records, 2)
		for _, record := range records {
			if record.Kind == domain.KindAPI {
				assert.Nil(t, record.ExpiresAt)
				continue
			}
			require.NotNil(t, record.ExpiresAt)
			assert.WithinDuration(t, time.Now().Add(time.Hour), *record.ExpiresAt, time.Minute)
		}
	})

	t.Run("Health", func(t *testing.T) {
		store := newStore(t)
		assert.NoError(t, store.Health(ctx))
	})
}

func TestMemoryUserDirectory(t *testing.T) {
	ctx := context.Background()
	users := NewMemoryUserDirectory()

	created, err := users.CreateUser(ctx, "alice", "hash", true)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.IsAdmin)

	byID, err := users.GetUserByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", byID.LoginID)

	byLogin, err := users.GetUserByLoginID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byLogin.ID)

	_, err = users.CreateUser(ctx, "alice", "other", false)
	assert.True(t, domain.IsKind(err, domain.KindConflict))

	_, err = users.GetUserByID(ctx, "missing")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))

	require.NoError(t, users.DeleteUser(ctx, created.ID))
	_, err = users.GetUserByLoginID(ctx, "alice")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}
