package domain

import (
	"context"
	"time"
)

// CredentialStore persists the ids of issued tokens.
// Revocation is deleting the record; verification requires its presence.
type CredentialStore interface {
	// PutToken records a freshly issued token id. A positive ttl makes the
	// record lapse with the token; zero keeps it until revoked.
	PutToken(ctx context.Context, jti, userID string, kind TokenKind, ttl time.Duration) error

	// TokenExists reports whether a live record matches all three fields
	TokenExists(ctx context.Context, jti, userID string, kind TokenKind) (bool, error)

	// DeleteToken removes the matching record in one atomic operation
	DeleteToken(ctx context.Context, jti, userID string, kind TokenKind) (bool, error)

	// DeleteAllTokens removes every record of a user, all or nothing
	DeleteAllTokens(ctx context.Context, userID string) (int, error)

	// ListTokens returns the live records of a user
	ListTokens(ctx context.Context, userID string) ([]TokenRecord, error)

	// Health checks the backend
	Health(ctx context.Context) error

	// Close releases the backend
	Close() error
}

// AbuseStorage keeps per-identity request windows, bans and ban history
type AbuseStorage interface {
	// Hit counts one request and bans the identity when the policy threshold
	// is crossed. Increment, compare and ban happen atomically.
	Hit(ctx context.Context, key string, policy AbusePolicy, now time.Time) (*HitResult, error)

	// Get returns the current record, clearing an expired ban or window on the way
	Get(ctx context.Context, key string, now time.Time) (*AbuseStatus, error)

	// Ban bans the identity at the tier its history selects and increments the history
	Ban(ctx context.Context, key string, policy AbusePolicy, now time.Time) (*HitResult, error)

	// Reset drops window, ban and history for the identity
	Reset(ctx context.Context, key string) error

	// Health checks the backend
	Health(ctx context.Context) error

	// Close releases the backend
	Close() error
}

// UserDirectory is the account lookup the authorization layer depends on
type UserDirectory interface {
	GetUserByID(ctx context.Context, userID string) (*User, error)
	GetUserByLoginID(ctx context.Context, loginID string) (*User, error)
	CreateUser(ctx context.Context, loginID, passwordHash string, isAdmin bool) (*User, error)
}

// DeletionTrigger hands a deleted account over to the deferred file deletion worker
type DeletionTrigger interface {
	Trigger(ctx context.Context, userID string) error
}

// PasswordHasher is the opaque one-way derivation used for account passwords
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(encoded, password string) (bool, error)
}

// TokenAuthenticator is the slice of the token authority handlers may call
type TokenAuthenticator interface {
	VerifyToken(ctx context.Context, token string, kind TokenKind) (string, error)
}

// Admitter is the slice of the abuse tracker the dispatch guard calls
type Admitter interface {
	Admit(ctx context.Context, identity string) (*Admission, error)
}

// EndpointBreaker is the slice of the fault classifier the dispatch guard calls
type EndpointBreaker interface {
	IsEnabled(endpoint string) bool
	RecordFault(endpoint string, err error) (Severity, bool)
	Classify(err error) Severity
}

// Logger is the structured logging contract used across the service
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, err error, fields map[string]interface{})
	WithContext(ctx context.Context) Logger
}
