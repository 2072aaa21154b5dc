package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"auth-guard/internal/domain"

	"github.com/go-redis/redis/v8"
)

// Token records are string keys cred:{kind}:{jti} holding the owner id, with a
// PX expiry when the token has one. cred:user:{userID} is a set of "kind:jti"
// members indexing a user's records; members whose key has lapsed are pruned
// by ListTokens.

var deleteTokenScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
return 1
`)

var deleteAllTokensScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
local removed = 0
for _, member in ipairs(members) do
	local key = ARGV[1] .. member
	if redis.call('GET', key) == ARGV[2] then
		redis.call('DEL', key)
		removed = removed + 1
	end
end
redis.call('DEL', KEYS[1])
return removed
`)

// RedisCredentialStore implements domain.CredentialStore on Redis
type RedisCredentialStore struct {
	client redis.Cmdable
	prefix string
	logger domain.Logger
}

// NewRedisCredentialStore wraps an existing client
func NewRedisCredentialStore(client redis.Cmdable, logger domain.Logger) *RedisCredentialStore {
	return &RedisCredentialStore{
		client: client,
		prefix: "cred:",
		logger: logger,
	}
}

func (r *RedisCredentialStore) tokenKey(kind domain.TokenKind, jti string) string {
	return r.prefix + tokenMember(kind, jti)
}

func (r *RedisCredentialStore) userKey(userID string) string {
	return r.prefix + "user:" + userID
}

func tokenMember(kind domain.TokenKind, jti string) string {
	return string(kind) + ":" + jti
}

// PutToken records an issued token id
func (r *RedisCredentialStore) PutToken(ctx context.Context, jti, userID string, kind domain.TokenKind, ttl time.Duration) error {
	start := time.Now()
	if ttl < 0 {
		ttl = 0
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.tokenKey(kind, jti), userID, ttl)
		pipe.SAdd(ctx, r.userKey(userID), tokenMember(kind, jti))
		return nil
	})
	r.logOperation("PUT", jti, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to store token %s: %w", jti, err)
	}
	return nil
}

// TokenExists reports whether a record matches jti, user and kind
func (r *RedisCredentialStore) TokenExists(ctx context.Context, jti, userID string, kind domain.TokenKind) (bool, error) {
	start := time.Now()

	owner, err := r.client.Get(ctx, r.tokenKey(kind, jti)).Result()
	if err == redis.Nil {
		r.logOperation("EXISTS", jti, time.Since(start), nil)
		return false, nil
	}
	r.logOperation("EXISTS", jti, time.Since(start), err)
	if err != nil {
		return false, fmt.Errorf("failed to look up token %s: %w", jti, err)
	}
	return owner == userID, nil
}

// DeleteToken removes the matching record atomically
func (r *RedisCredentialStore) DeleteToken(ctx context.Context, jti, userID string, kind domain.TokenKind) (bool, error) {
	start := time.Now()

	removed, err := deleteTokenScript.Run(ctx, r.client,
		[]string{r.tokenKey(kind, jti), r.userKey(userID)},
		userID, tokenMember(kind, jti),
	).Int()
	r.logOperation("DELETE", jti, time.Since(start), err)
	if err != nil {
		return false, fmt.Errorf("failed to delete token %s: %w", jti, err)
	}
	return removed == 1, nil
}

// DeleteAllTokens removes every record owned by userID in one script run
func (r *RedisCredentialStore) DeleteAllTokens(ctx context.Context, userID string) (int, error) {
	start := time.Now()

	removed, err := deleteAllTokensScript.Run(ctx, r.client,
		[]string{r.userKey(userID)},
		r.prefix, userID,
	).Int()
	r.logOperation("DELETE_ALL", userID, time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("failed to delete tokens of %s: %w", userID, err)
	}
	return removed, nil
}

// ListTokens returns the live records indexed under userID with their expiry
func (r *RedisCredentialStore) ListTokens(ctx context.Context, userID string) ([]domain.TokenRecord, error) {
	start := time.Now()

	members, err := r.client.SMembers(ctx, r.userKey(userID)).Result()
	if err != nil {
		r.logOperation("LIST", userID, time.Since(start), err)
		return nil, fmt.Errorf("failed to list tokens of %s: %w", userID, err)
	}

	owners := make([]*redis.StringCmd, len(members))
	ttls := make([]*redis.DurationCmd, len(members))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, member := range members {
			owners[i] = pipe.Get(ctx, r.prefix+member)
			ttls[i] = pipe.PTTL(ctx, r.prefix+member)
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		r.logOperation("LIST", userID, time.Since(start), err)
		return nil, fmt.Errorf("failed to list tokens of %s: %w", userID, err)
	}

	now := time.Now().UTC()
	out := make([]domain.TokenRecord, 0, len(members))
	var stale []interface{}
	for i, member := range members {
		kind, jti, ok := strings.Cut(member, ":")
		owner, ownerErr := owners[i].Result()
		if !ok || ownerErr != nil || owner != userID {
			stale = append(stale, member)
			continue
		}

		record := domain.TokenRecord{JTI: jti, UserID: userID, Kind: domain.TokenKind(kind)}
		if ttl := ttls[i].Val(); ttl > 0 {
			expiresAt := now.Add(ttl)
			record.ExpiresAt = &expiresAt
		}
		out = append(out, record)
	}

	if len(stale) > 0 {
		if err := r.client.SRem(ctx, r.userKey(userID), stale...).Err(); err != nil && r.logger != nil {
			r.logger.Warn("Failed to prune lapsed token index entries", map[string]interface{}{
				"user_id": userID,
				"error":   err.Error(),
			})
		}
	}

	r.logOperation("LIST", userID, time.Since(start), nil)
	return out, nil
}

// Health pings Redis
func (r *RedisCredentialStore) Health(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Redis health check failed: %w", err)
	}
	return nil
}

// Close is a no-op; the client is owned by whoever created it
func (r *RedisCredentialStore) Close() error {
	return nil
}

func (r *RedisCredentialStore) logOperation(operation, key string, latency time.Duration, err error) {
	if r.logger == nil {
		return
	}
	fields := map[string]interface{}{
		"operation":  operation,
		"key":        key,
		"latency_ms": float64(latency.Microseconds()) / 1000,
	}
	if err != nil {
		r.logger.Error("Credential operation failed", err, fields)
		return
	}
	r.logger.Debug("Credential operation completed", fields)
}
