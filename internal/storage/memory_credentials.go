package storage

import (
	"context"
	"sync"
	"time"

	"auth-guard/internal/domain"
)

type credentialKey struct {
	kind domain.TokenKind
	jti  string
}

// MemoryCredentialStore implements domain.CredentialStore in process memory.
// Records with an expiry are dropped lazily when a read finds them lapsed.
type MemoryCredentialStore struct {
	mutex   sync.Mutex
	records map[credentialKey]domain.TokenRecord
	byUser  map[string]map[credentialKey]struct{}
	logger  domain.Logger
	now     func() time.Time
}

// NewMemoryCredentialStore creates an empty store on the wall clock
func NewMemoryCredentialStore(logger domain.Logger) *MemoryCredentialStore {
	return NewMemoryCredentialStoreWithClock(logger, time.Now)
}

// NewMemoryCredentialStoreWithClock creates an empty store that judges expiry by now
func NewMemoryCredentialStoreWithClock(logger domain.Logger, now func() time.Time) *MemoryCredentialStore {
	return &MemoryCredentialStore{
		records: make(map[credentialKey]domain.TokenRecord),
		byUser:  make(map[string]map[credentialKey]struct{}),
		logger:  logger,
		now:     now,
	}
}

// PutToken records an issued token id
func (m *MemoryCredentialStore) PutToken(ctx context.Context, jti, userID string, kind domain.TokenKind, ttl time.Duration) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	key := credentialKey{kind: kind, jti: jti}
	if previous, exists := m.records[key]; exists {
		m.remove(key, previous.UserID)
	}

	now := m.now().UTC()
	record := domain.TokenRecord{
		JTI:       jti,
		UserID:    userID,
		Kind:      kind,
		CreatedAt: now,
	}
	if ttl > 0 {
		expiresAt := now.Add(ttl)
		record.ExpiresAt = &expiresAt
	}

	m.records[key] = record
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[credentialKey]struct{})
	}
	m.byUser[userID][key] = struct{}{}
	return nil
}

// TokenExists reports whether a live record matches jti, user and kind
func (m *MemoryCredentialStore) TokenExists(ctx context.Context, jti, userID string, kind domain.TokenKind) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	_, exists := m.live(credentialKey{kind: kind, jti: jti}, userID)
	return exists, nil
}

// DeleteToken removes the matching record
func (m *MemoryCredentialStore) DeleteToken(ctx context.Context, jti, userID string, kind domain.TokenKind) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	key := credentialKey{kind: kind, jti: jti}
	if _, exists := m.live(key, userID); !exists {
		return false, nil
	}

	m.remove(key, userID)
	return true, nil
}

// DeleteAllTokens removes every record owned by userID and counts the live ones
func (m *MemoryCredentialStore) DeleteAllTokens(ctx context.Context, userID string) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.now()
	count := 0
	for key := range m.byUser[userID] {
		if !expired(m.records[key], now) {
			count++
		}
		delete(m.records, key)
	}
	delete(m.byUser, userID)

	if m.logger != nil {
		m.logger.Debug("Credential records purged", map[string]interface{}{
			"user_id": userID,
			"count":   count,
		})
	}
	return count, nil
}

// ListTokens returns the live records owned by userID, dropping lapsed ones
func (m *MemoryCredentialStore) ListTokens(ctx context.Context, userID string) ([]domain.TokenRecord, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.now()
	out := make([]domain.TokenRecord, 0, len(m.byUser[userID]))
	for key := range m.byUser[userID] {
		record := m.records[key]
		if expired(record, now) {
			m.remove(key, userID)
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

// Health always succeeds
func (m *MemoryCredentialStore) Health(ctx context.Context) error {
	return nil
}

// Close drops all records
func (m *MemoryCredentialStore) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.records = make(map[credentialKey]domain.TokenRecord)
	m.byUser = make(map[string]map[credentialKey]struct{})
	return nil
}

// live returns the record at key when userID owns it and it has not lapsed.
// A lapsed record is removed. Callers hold the mutex.
func (m *MemoryCredentialStore) live(key credentialKey, userID string) (domain.TokenRecord, bool) {
	record, exists := m.records[key]
	if !exists || record.UserID != userID {
		return domain.TokenRecord{}, false
	}
	if expired(record, m.now()) {
		m.remove(key, userID)
		return domain.TokenRecord{}, false
	}
	return record, true
}

func (m *MemoryCredentialStore) remove(key credentialKey, userID string) {
	delete(m.records, key)
	delete(m.byUser[userID], key)
	if len(m.byUser[userID]) == 0 {
		delete(m.byUser, userID)
	}
}

func expired(record domain.TokenRecord, now time.Time) bool {
	return record.ExpiresAt != nil && !now.Before(*record.ExpiresAt)
}
