package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"auth-guard/internal/domain"
)

const (
	minLoginIDLength  = 3
	maxLoginIDLength  = 64
	minPasswordLength = 8
	maxPasswordLength = 128
)

var errBadCredentials = errors.New("invalid login or password")

// AccountService covers the account operations that touch credentials:
// password login, bootstrap admin and account deletion.
type AccountService struct {
	users     domain.UserDirectory
	hasher    domain.PasswordHasher
	authority *TokenAuthority
	deletion  domain.DeletionTrigger
	logger    domain.Logger

	// dummyHash keeps unknown logins as slow as wrong passwords
	dummyHash string
}

// NewAccountService wires the account operations
func NewAccountService(users domain.UserDirectory, hasher domain.PasswordHasher, authority *TokenAuthority, deletion domain.DeletionTrigger, logger domain.Logger) (*AccountService, error) {
	dummy, err := hasher.Hash("auth-guard-dummy-password")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare password hasher: %w", err)
	}
	return &AccountService{
		users:     users,
		hasher:    hasher,
		authority: authority,
		deletion:  deletion,
		logger:    logger,
		dummyHash: dummy,
	}, nil
}

// EnsureAdmin creates the bootstrap administrator when the login is unknown
func (s *AccountService) EnsureAdmin(ctx context.Context, loginID, password string) error {
	loginID = normalizeLogin(loginID)
	if loginID == "" || strings.TrimSpace(password) == "" {
		return domain.E(domain.KindInvalid, "EnsureAdmin", errors.New("ADMIN_LOGIN/ADMIN_PASSWORD are required"))
	}

	_, err := s.users.GetUserByLoginID(ctx, loginID)
	if err == nil {
		return nil
	}
	if !domain.IsKind(err, domain.KindNotFound) {
		return err
	}

	if err := validateCredentials(loginID, password); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}

	if _, err := s.users.CreateUser(ctx, loginID, hash, true); err != nil {
		return err
	}

	s.logger.Info("Bootstrap administrator created", map[string]interface{}{
		"login_id": loginID,
	})
	return nil
}

// Login checks a password and issues a web credential
func (s *AccountService) Login(ctx context.Context, loginID, password string) (string, *domain.User, error) {
	loginID = normalizeLogin(loginID)
	if err := validateCredentials(loginID, password); err != nil {
		return "", nil, err
	}

	user, err := s.users.GetUserByLoginID(ctx, loginID)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			_, _ = s.hasher.Verify(s.dummyHash, password)
			return "", nil, domain.E(domain.KindUnauthenticated, "Login", errBadCredentials)
		}
		return "", nil, err
	}

	ok, err := s.hasher.Verify(user.PasswordHash, password)
	if err != nil {
		return "", nil, fmt.Errorf("failed to verify password of %s: %w", user.ID, err)
	}
	if !ok {
		return "", nil, domain.E(domain.KindUnauthenticated, "Login", errBadCredentials)
	}

	token, err := s.authority.IssueWebToken(ctx, user.ID)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

// DeleteAccount revokes every credential of userID and hands the account to
// the deferred deletion worker. Revocation must succeed before the trigger fires.
func (s *AccountService) DeleteAccount(ctx context.Context, userID string) (int, error) {
	revoked, err := s.authority.RevokeAll(ctx, userID)
	if err != nil {
		return 0, err
	}

	if err := s.deletion.Trigger(ctx, userID); err != nil {
		return revoked, fmt.Errorf("failed to trigger deletion of %s: %w", userID, err)
	}

	s.logger.Info("Account deletion started", map[string]interface{}{
		"user_id":        userID,
		"revoked_tokens": revoked,
	})
	return revoked, nil
}

// normalizeLogin is applied once on entry; every later check and lookup uses its result
func normalizeLogin(loginID string) string {
	return strings.TrimSpace(loginID)
}

// validateCredentials expects an already normalized login
func validateCredentials(loginID, password string) error {
	if len(loginID) < minLoginIDLength || len(loginID) > maxLoginIDLength {
		return domain.E(domain.KindInvalid, "validateCredentials", errors.New("login must be 3 to 64 characters"))
	}
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return domain.E(domain.KindInvalid, "validateCredentials", errors.New("password must be 8 to 128 characters"))
	}
	return nil
}
