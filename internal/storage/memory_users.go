package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"auth-guard/internal/domain"

	"github.com/google/uuid"
)

// MemoryUserDirectory implements domain.UserDirectory in process memory
type MemoryUserDirectory struct {
	mutex   sync.RWMutex
	byID    map[string]*domain.User
	byLogin map[string]string
}

// NewMemoryUserDirectory creates an empty directory
func NewMemoryUserDirectory() *MemoryUserDirectory {
	return &MemoryUserDirectory{
		byID:    make(map[string]*domain.User),
		byLogin: make(map[string]string),
	}
}

// GetUserByID looks a user up by id
func (m *MemoryUserDirectory) GetUserByID(ctx context.Context, userID string) (*domain.User, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	user, ok := m.byID[userID]
	if !ok {
		return nil, domain.E(domain.KindNotFound, "GetUserByID", fmt.Errorf("user %s not found", userID))
	}
	copied := *user
	return &copied, nil
}

// GetUserByLoginID looks a user up by login
func (m *MemoryUserDirectory) GetUserByLoginID(ctx context.Context, loginID string) (*domain.User, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	id, ok := m.byLogin[loginID]
	if !ok {
		return nil, domain.E(domain.KindNotFound, "GetUserByLoginID", fmt.Errorf("user %s not found", loginID))
	}
	copied := *m.byID[id]
	return &copied, nil
}

// CreateUser inserts a new account
func (m *MemoryUserDirectory) CreateUser(ctx context.Context, loginID, passwordHash string, isAdmin bool) (*domain.User, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.byLogin[loginID]; exists {
		return nil, domain.E(domain.KindConflict, "CreateUser", fmt.Errorf("login %q already exists", loginID))
	}

	user := &domain.User{
		ID:           uuid.NewString(),
		LoginID:      loginID,
		PasswordHash: passwordHash,
		IsAdmin:      isAdmin,
		CreatedAt:    time.Now().UTC(),
	}
	m.byID[user.ID] = user
	m.byLogin[loginID] = user.ID

	copied := *user
	return &copied, nil
}

// DeleteUser removes an account
func (m *MemoryUserDirectory) DeleteUser(ctx context.Context, userID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	user, ok := m.byID[userID]
	if !ok {
		return domain.E(domain.KindNotFound, "DeleteUser", fmt.Errorf("user %s not found", userID))
	}
	delete(m.byLogin, user.LoginID)
	delete(m.byID, userID)
	return nil
}
