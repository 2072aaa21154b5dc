package storage

import (
	"context"
	"sync"
	"time"

	"auth-guard/internal/domain"
)

// abuseEntry is the in-memory abuse record for one identity
type abuseEntry struct {
	count       int
	windowEnds  time.Time
	bannedUntil time.Time
	history     int
}

// expire applies lazy expiry: an elapsed ban returns the identity to
// untracked, an elapsed window drops its count.
func (e *abuseEntry) expire(now time.Time) {
	if !e.bannedUntil.IsZero() && !now.Before(e.bannedUntil) {
		e.bannedUntil = time.Time{}
		e.count = 0
		e.windowEnds = time.Time{}
	}
	if !e.windowEnds.IsZero() && !now.Before(e.windowEnds) {
		e.count = 0
		e.windowEnds = time.Time{}
	}
}

func (e *abuseEntry) empty() bool {
	return e.count == 0 && e.windowEnds.IsZero() && e.bannedUntil.IsZero() && e.history == 0
}

func (e *abuseEntry) banned(now time.Time) bool {
	return !e.bannedUntil.IsZero() && now.Before(e.bannedUntil)
}

// ban bans the entry at the tier selected by its history and records the ban
func (e *abuseEntry) ban(policy domain.AbusePolicy, now time.Time) time.Duration {
	duration := policy.TierDuration(e.history)
	e.bannedUntil = now.Add(duration)
	e.history++
	e.count = 0
	e.windowEnds = time.Time{}
	return duration
}

// sweepBatch bounds how many other records one Hit inspects for expiry
const sweepBatch = 16

// MemoryStorage implements domain.AbuseStorage with a mutex-guarded map.
// Expiry is evaluated on access, and every Hit also sweeps a small batch of
// records so identities that never return are eventually dropped.
type MemoryStorage struct {
	data   map[string]*abuseEntry
	mutex  sync.Mutex
	logger domain.Logger
}

// NewMemoryStorage creates an empty in-memory abuse storage
func NewMemoryStorage(logger domain.Logger) *MemoryStorage {
	storage := &MemoryStorage{
		data:   make(map[string]*abuseEntry),
		logger: logger,
	}

	if logger != nil {
		logger.Info("Memory abuse storage initialized", nil)
	}

	return storage
}

// Hit counts one request for key and bans it once the count exceeds the threshold
func (m *MemoryStorage) Hit(ctx context.Context, key string, policy domain.AbusePolicy, now time.Time) (*domain.HitResult, error) {
	start := time.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.sweep(now)

	entry, exists := m.data[key]
	if !exists {
		entry = &abuseEntry{}
		m.data[key] = entry
	}
	entry.expire(now)

	if entry.banned(now) {
		m.logStorageOperation("HIT", key, time.Since(start))
		return &domain.HitResult{
			Count:       entry.count,
			Banned:      true,
			BannedUntil: entry.bannedUntil,
			History:     entry.history,
		}, nil
	}

	if entry.windowEnds.IsZero() {
		entry.windowEnds = now.Add(policy.Window)
	}
	entry.count++

	result := &domain.HitResult{Count: entry.count, History: entry.history}
	if entry.count > policy.Threshold {
		result.BanDuration = entry.ban(policy, now)
		result.Banned = true
		result.NewlyBanned = true
		result.BannedUntil = entry.bannedUntil
		result.History = entry.history
	}

	m.logStorageOperation("HIT", key, time.Since(start))
	return result, nil
}

// sweep expires up to sweepBatch records and drops the ones left empty.
// Callers hold the mutex.
func (m *MemoryStorage) sweep(now time.Time) {
	inspected := 0
	for key, entry := range m.data {
		if inspected == sweepBatch {
			return
		}
		inspected++
		entry.expire(now)
		if entry.empty() {
			delete(m.data, key)
		}
	}
}

// Get returns a copy of the record for key, or nil when nothing is tracked
func (m *MemoryStorage) Get(ctx context.Context, key string, now time.Time) (*domain.AbuseStatus, error) {
	start := time.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	entry, exists := m.data[key]
	if !exists {
		m.logStorageOperation("GET", key, time.Since(start))
		return nil, nil
	}

	entry.expire(now)
	if entry.empty() {
		delete(m.data, key)
		m.logStorageOperation("GET", key, time.Since(start))
		return nil, nil
	}

	status := &domain.AbuseStatus{
		Identity:   key,
		Count:      entry.count,
		BanHistory: entry.history,
		IsBanned:   entry.banned(now),
	}
	if !entry.windowEnds.IsZero() {
		windowEnds := entry.windowEnds
		status.WindowEnds = &windowEnds
	}
	if status.IsBanned {
		bannedUntil := entry.bannedUntil
		status.BannedUntil = &bannedUntil
	}

	m.logStorageOperation("GET", key, time.Since(start))
	return status, nil
}

// Ban bans key at its next tier regardless of its request count
func (m *MemoryStorage) Ban(ctx context.Context, key string, policy domain.AbusePolicy, now time.Time) (*domain.HitResult, error) {
	start := time.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	entry, exists := m.data[key]
	if !exists {
		entry = &abuseEntry{}
		m.data[key] = entry
	}
	entry.expire(now)

	duration := entry.ban(policy, now)

	m.logStorageOperation("BAN", key, time.Since(start))
	return &domain.HitResult{
		Banned:      true,
		NewlyBanned: true,
		BannedUntil: entry.bannedUntil,
		BanDuration: duration,
		History:     entry.history,
	}, nil
}

// Reset forgets everything about key, including its ban history
func (m *MemoryStorage) Reset(ctx context.Context, key string) error {
	start := time.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.data, key)

	m.logStorageOperation("RESET", key, time.Since(start))
	return nil
}

// Health always succeeds for the in-memory storage
func (m *MemoryStorage) Health(ctx context.Context) error {
	m.mutex.Lock()
	entries := len(m.data)
	m.mutex.Unlock()

	if m.logger != nil {
		m.logger.Debug("Memory abuse storage health check", map[string]interface{}{
			"entries": entries,
		})
	}
	return nil
}

// Close drops all records
func (m *MemoryStorage) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.data = make(map[string]*abuseEntry)

	if m.logger != nil {
		m.logger.Info("Memory abuse storage closed", nil)
	}
	return nil
}

// GetStats reports the number of tracked identities
func (m *MemoryStorage) GetStats() map[string]interface{} {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return map[string]interface{}{
		"entries": len(m.data),
		"type":    "memory",
	}
}

func (m *MemoryStorage) logStorageOperation(operation, key string, latency time.Duration) {
	if m.logger == nil {
		return
	}
	m.logger.Debug("Storage operation completed", map[string]interface{}{
		"operation":  operation,
		"key":        key,
		"latency_ms": float64(latency.Microseconds()) / 1000,
	})
}
