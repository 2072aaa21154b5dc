package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"auth-guard/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresPool opens a pool on databaseURL, or on a DSN assembled from the
// PG* variables when databaseURL is empty:
//   - PGHOST (default: localhost)
//   - PGPORT (default: 5432)
//   - PGUSER, PGPASSWORD, PGDATABASE
//   - PGSSLMODE (default: disable)
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	dsn := databaseURL
	if dsn == "" {
		var err error
		if dsn, err = buildPostgresURL(); err != nil {
			return nil, err
		}
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return pool, nil
}

func buildPostgresURL() (string, error) {
	user := os.Getenv("PGUSER")
	dbName := os.Getenv("PGDATABASE")
	if user == "" || dbName == "" {
		return "", fmt.Errorf("missing required env: DATABASE_URL or PGUSER/PGDATABASE")
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(getEnv("PGHOST", "localhost"), getEnv("PGPORT", "5432")),
		Path:   dbName,
	}
	if password := os.Getenv("PGPASSWORD"); password == "" {
		u.User = url.User(user)
	} else {
		u.User = url.UserPassword(user, password)
	}
	q := u.Query()
	q.Set("sslmode", getEnv("PGSSLMODE", "disable"))
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// EnsureSchema creates the token and user tables when missing
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	queries := []string{
		`
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			login_id TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
		`,
		`
		CREATE TABLE IF NOT EXISTS auth_tokens (
			kind TEXT NOT NULL,
			jti TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (kind, jti)
		)
		`,
		`ALTER TABLE auth_tokens ADD COLUMN IF NOT EXISTS expires_at TIMESTAMPTZ`,
		`CREATE INDEX IF NOT EXISTS auth_tokens_user_id_idx ON auth_tokens(user_id)`,
	}

	for _, query := range queries {
		if _, err := pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// PostgresCredentialStore implements domain.CredentialStore on PostgreSQL
type PostgresCredentialStore struct {
	pool   *pgxpool.Pool
	logger domain.Logger
}

// NewPostgresCredentialStore wraps an open pool
func NewPostgresCredentialStore(pool *pgxpool.Pool, logger domain.Logger) *PostgresCredentialStore {
	return &PostgresCredentialStore{pool: pool, logger: logger}
}

// liveToken is the filter every read applies; expires_at NULL means no expiry
const liveToken = `(expires_at IS NULL OR expires_at > NOW())`

// PutToken records an issued token id and purges the user's lapsed records
func (p *PostgresCredentialStore) PutToken(ctx context.Context, jti, userID string, kind domain.TokenKind, ttl time.Duration) error {
	_, err := p.pool.Exec(ctx, `
		WITH lapsed AS (
			DELETE FROM auth_tokens WHERE user_id = $3 AND NOT `+liveToken+`
		)
		INSERT INTO auth_tokens (kind, jti, user_id, created_at, expires_at)
		VALUES ($1, $2, $3, NOW(),
			CASE WHEN $4::BIGINT > 0 THEN NOW() + $4::BIGINT * INTERVAL '1 millisecond' END)
		ON CONFLICT (kind, jti) DO UPDATE
			SET user_id = EXCLUDED.user_id, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
	`, string(kind), jti, userID, ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to store token %s: %w", jti, err)
	}
	return nil
}

// TokenExists reports whether a record matches jti, user and kind
func (p *PostgresCredentialStore) TokenExists(ctx context.Context, jti, userID string, kind domain.TokenKind) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM auth_tokens
			WHERE kind = $1 AND jti = $2 AND user_id = $3 AND `+liveToken+`
		)
	`, string(kind), jti, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up token %s: %w", jti, err)
	}
	return exists, nil
}

// DeleteToken removes the matching record; a lapsed record is removed but reported as absent
func (p *PostgresCredentialStore) DeleteToken(ctx context.Context, jti, userID string, kind domain.TokenKind) (bool, error) {
	var live bool
	err := p.pool.QueryRow(ctx, `
		DELETE FROM auth_tokens WHERE kind = $1 AND jti = $2 AND user_id = $3
		RETURNING `+liveToken+`
	`, string(kind), jti, userID).Scan(&live)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete token %s: %w", jti, err)
	}
	return live, nil
}

// DeleteAllTokens removes every record owned by userID in a single statement
// and counts the ones that were still live
func (p *PostgresCredentialStore) DeleteAllTokens(ctx context.Context, userID string) (int, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `
		WITH removed AS (
			DELETE FROM auth_tokens WHERE user_id = $1 RETURNING expires_at
		)
		SELECT COUNT(*) FROM removed WHERE `+liveToken+`
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to delete tokens of %s: %w", userID, err)
	}
	if p.logger != nil {
		p.logger.Debug("Credential records purged", map[string]interface{}{
			"user_id": userID,
			"count":   count,
		})
	}
	return int(count), nil
}

// ListTokens returns the records owned by userID
func (p *PostgresCredentialStore) ListTokens(ctx context.Context, userID string) ([]domain.TokenRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT kind, jti, user_id, created_at, expires_at
		FROM auth_tokens
		WHERE user_id = $1 AND `+liveToken+`
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens of %s: %w", userID, err)
	}
	defer rows.Close()

	var out []domain.TokenRecord
	for rows.Next() {
		var (
			record domain.TokenRecord
			kind   string
		)
		if err := rows.Scan(&kind, &record.JTI, &record.UserID, &record.CreatedAt, &record.ExpiresAt); err != nil {
			return nil, err
		}
		record.Kind = domain.TokenKind(kind)
		record.CreatedAt = record.CreatedAt.UTC()
		if record.ExpiresAt != nil {
			expiresAt := record.ExpiresAt.UTC()
			record.ExpiresAt = &expiresAt
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// Health pings the database
func (p *PostgresCredentialStore) Health(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}
	return nil
}

// Close closes the pool
func (p *PostgresCredentialStore) Close() error {
	p.pool.Close()
	return nil
}

// PostgresUserDirectory implements domain.UserDirectory on the users table
type PostgresUserDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresUserDirectory wraps an open pool
func NewPostgresUserDirectory(pool *pgxpool.Pool) *PostgresUserDirectory {
	return &PostgresUserDirectory{pool: pool}
}

const selectUser = `SELECT id, login_id, password_hash, is_admin, created_at FROM users`

// GetUserByID looks a user up by id
func (p *PostgresUserDirectory) GetUserByID(ctx context.Context, userID string) (*domain.User, error) {
	return p.getUser(ctx, "GetUserByID", selectUser+` WHERE id = $1`, userID)
}

// GetUserByLoginID looks a user up by login
func (p *PostgresUserDirectory) GetUserByLoginID(ctx context.Context, loginID string) (*domain.User, error) {
	return p.getUser(ctx, "GetUserByLoginID", selectUser+` WHERE login_id = $1`, loginID)
}

// CreateUser inserts a new account
func (p *PostgresUserDirectory) CreateUser(ctx context.Context, loginID, passwordHash string, isAdmin bool) (*domain.User, error) {
	var user domain.User
	err := p.pool.QueryRow(ctx, `
		INSERT INTO users (id, login_id, password_hash, is_admin, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, login_id, password_hash, is_admin, created_at
	`, uuid.NewString(), loginID, passwordHash, isAdmin).Scan(
		&user.ID,
		&user.LoginID,
		&user.PasswordHash,
		&user.IsAdmin,
		&user.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.E(domain.KindConflict, "CreateUser", fmt.Errorf("login %q already exists", loginID))
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &user, nil
}

func (p *PostgresUserDirectory) getUser(ctx context.Context, op, query string, arg string) (*domain.User, error) {
	var user domain.User
	err := p.pool.QueryRow(ctx, query, arg).Scan(
		&user.ID,
		&user.LoginID,
		&user.PasswordHash,
		&user.IsAdmin,
		&user.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.E(domain.KindNotFound, op, fmt.Errorf("user %s not found", arg))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	user.CreatedAt = user.CreatedAt.UTC().Truncate(time.Microsecond)
	return &user, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
