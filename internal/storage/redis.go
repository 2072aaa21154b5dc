package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"auth-guard/internal/domain"

	"github.com/go-redis/redis/v8"
)

// Every abuse record is one hash: count, window_ends, banned_until (unix ms) and history.
// Records without ban history expire with their window; records with history persist
// until an explicit reset.
const abuseExpireLua = `
local function loadRecord(key, now)
	local count = tonumber(redis.call('HGET', key, 'count') or '0')
	local windowEnds = tonumber(redis.call('HGET', key, 'window_ends') or '0')
	local bannedUntil = tonumber(redis.call('HGET', key, 'banned_until') or '0')
	local history = tonumber(redis.call('HGET', key, 'history') or '0')
	if bannedUntil > 0 and now >= bannedUntil then
		bannedUntil = 0
		count = 0
		windowEnds = 0
	end
	if windowEnds > 0 and now >= windowEnds then
		count = 0
		windowEnds = 0
	end
	return count, windowEnds, bannedUntil, history
end

local function storeRecord(key, now, count, windowEnds, bannedUntil, history)
	if count == 0 and windowEnds == 0 and bannedUntil == 0 and history == 0 then
		redis.call('DEL', key)
		return
	end
	redis.call('HSET', key, 'count', count, 'window_ends', windowEnds, 'banned_until', bannedUntil, 'history', history)
	if history == 0 and windowEnds > now then
		redis.call('PEXPIRE', key, windowEnds - now)
	else
		redis.call('PERSIST', key)
	end
end

local function tier(history, first)
	local ntiers = tonumber(ARGV[first])
	local idx = history + 1
	if idx > ntiers then
		idx = ntiers
	end
	return tonumber(ARGV[first + idx])
end
`

var hitScript = redis.NewScript(abuseExpireLua + `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])
local window = tonumber(ARGV[3])

local count, windowEnds, bannedUntil, history = loadRecord(key, now)

if bannedUntil > now then
	storeRecord(key, now, count, windowEnds, bannedUntil, history)
	return {1, 0, count, bannedUntil, 0, history}
end

if windowEnds == 0 then
	windowEnds = now + window
end
count = count + 1

local newly = 0
local duration = 0
if count > threshold then
	duration = tier(history, 4)
	bannedUntil = now + duration
	history = history + 1
	count = 0
	windowEnds = 0
	newly = 1
end

storeRecord(key, now, count, windowEnds, bannedUntil, history)
return {newly, newly, count, bannedUntil, duration, history}
`)

var banScript = redis.NewScript(abuseExpireLua + `
local key = KEYS[1]
local now = tonumber(ARGV[1])

local count, windowEnds, bannedUntil, history = loadRecord(key, now)
local duration = tier(history, 2)
bannedUntil = now + duration
history = history + 1

storeRecord(key, now, 0, 0, bannedUntil, history)
return {1, 1, 0, bannedUntil, duration, history}
`)

var getScript = redis.NewScript(abuseExpireLua + `
local key = KEYS[1]
local now = tonumber(ARGV[1])

if redis.call('EXISTS', key) == 0 then
	return {0, 0, 0, 0, 0}
end

local count, windowEnds, bannedUntil, history = loadRecord(key, now)
storeRecord(key, now, count, windowEnds, bannedUntil, history)
if count == 0 and windowEnds == 0 and bannedUntil == 0 and history == 0 then
	return {0, 0, 0, 0, 0}
end
return {1, count, windowEnds, bannedUntil, history}
`)

// RedisStorage implements domain.AbuseStorage on Redis
type RedisStorage struct {
	client redis.Cmdable
	prefix string
	logger domain.Logger
}

// NewRedisStorageWithClient wraps an existing client; Close leaves it open
func NewRedisStorageWithClient(client redis.Cmdable, logger domain.Logger) *RedisStorage {
	return &RedisStorage{
		client: client,
		prefix: "abuse:",
		logger: logger,
	}
}

func newRedisClient(host, port, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       db,

		PoolSize:     20,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
		IdleTimeout:  5 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

// Hit counts one request for key atomically
func (r *RedisStorage) Hit(ctx context.Context, key string, policy domain.AbusePolicy, now time.Time) (*domain.HitResult, error) {
	start := time.Now()

	args := []interface{}{now.UnixMilli(), policy.Threshold, policy.Window.Milliseconds()}
	args = append(args, tierArgs(policy)...)

	values, err := runInts(ctx, hitScript, r.client, r.prefix+key, args, 6)
	if err != nil {
		r.logStorageOperation("HIT", key, time.Since(start), err)
		return nil, fmt.Errorf("failed to hit key %s: %w", key, err)
	}

	result := &domain.HitResult{
		Banned:      values[0] == 1 || values[3] > now.UnixMilli(),
		NewlyBanned: values[1] == 1,
		Count:       int(values[2]),
		BanDuration: time.Duration(values[4]) * time.Millisecond,
		History:     int(values[5]),
	}
	if values[3] > 0 {
		result.BannedUntil = time.UnixMilli(values[3])
	}

	r.logStorageOperation("HIT", key, time.Since(start), nil)
	return result, nil
}

// Get returns the record for key, or nil when nothing is tracked
func (r *RedisStorage) Get(ctx context.Context, key string, now time.Time) (*domain.AbuseStatus, error) {
	start := time.Now()

	values, err := runInts(ctx, getScript, r.client, r.prefix+key, []interface{}{now.UnixMilli()}, 5)
	if err != nil {
		r.logStorageOperation("GET", key, time.Since(start), err)
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	if values[0] == 0 {
		r.logStorageOperation("GET", key, time.Since(start), nil)
		return nil, nil
	}

	status := &domain.AbuseStatus{
		Identity:   key,
		Count:      int(values[1]),
		BanHistory: int(values[4]),
	}
	if values[2] > 0 {
		windowEnds := time.UnixMilli(values[2])
		status.WindowEnds = &windowEnds
	}
	if values[3] > now.UnixMilli() {
		bannedUntil := time.UnixMilli(values[3])
		status.BannedUntil = &bannedUntil
		status.IsBanned = true
	}

	r.logStorageOperation("GET", key, time.Since(start), nil)
	return status, nil
}

// Ban bans key at its next tier
func (r *RedisStorage) Ban(ctx context.Context, key string, policy domain.AbusePolicy, now time.Time) (*domain.HitResult, error) {
	start := time.Now()

	args := append([]interface{}{now.UnixMilli()}, tierArgs(policy)...)
	values, err := runInts(ctx, banScript, r.client, r.prefix+key, args, 6)
	if err != nil {
		r.logStorageOperation("BAN", key, time.Since(start), err)
		return nil, fmt.Errorf("failed to ban key %s: %w", key, err)
	}

	r.logStorageOperation("BAN", key, time.Since(start), nil)
	return &domain.HitResult{
		Banned:      true,
		NewlyBanned: true,
		BannedUntil: time.UnixMilli(values[3]),
		BanDuration: time.Duration(values[4]) * time.Millisecond,
		History:     int(values[5]),
	}, nil
}

// Reset deletes the record for key
func (r *RedisStorage) Reset(ctx context.Context, key string) error {
	start := time.Now()

	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		r.logStorageOperation("RESET", key, time.Since(start), err)
		return fmt.Errorf("failed to reset key %s: %w", key, err)
	}

	r.logStorageOperation("RESET", key, time.Since(start), nil)
	return nil
}

// Health pings Redis
func (r *RedisStorage) Health(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Redis health check failed: %w", err)
	}
	return nil
}

// Close is a no-op; the shared client is closed by Backends
func (r *RedisStorage) Close() error {
	return nil
}

// GetStats reports the connection pool counters when the client exposes them
func (r *RedisStorage) GetStats() map[string]interface{} {
	stats := map[string]interface{}{"type": "redis"}
	if pooled, ok := r.client.(interface{ PoolStats() *redis.PoolStats }); ok {
		pool := pooled.PoolStats()
		stats["total_conns"] = pool.TotalConns
		stats["idle_conns"] = pool.IdleConns
		stats["hits"] = pool.Hits
		stats["misses"] = pool.Misses
		stats["timeouts"] = pool.Timeouts
	}
	return stats
}

func (r *RedisStorage) logStorageOperation(operation, key string, latency time.Duration, err error) {
	if r.logger == nil {
		return
	}
	fields := map[string]interface{}{
		"operation":  operation,
		"key":        key,
		"latency_ms": float64(latency.Microseconds()) / 1000,
	}
	if err != nil {
		r.logger.Error("Storage operation failed", err, fields)
		return
	}
	r.logger.Debug("Storage operation completed", fields)
}

// tierArgs encodes the ban tiers as script arguments: the count followed by each duration in ms
func tierArgs(policy domain.AbusePolicy) []interface{} {
	args := make([]interface{}, 0, len(policy.BanTiers)+1)
	args = append(args, len(policy.BanTiers))
	for _, tier := range policy.BanTiers {
		args = append(args, tier.Milliseconds())
	}
	return args
}

// runInts runs a script on one key and decodes an array of integers
func runInts(ctx context.Context, script *redis.Script, client redis.Cmdable, key string, args []interface{}, want int) ([]int64, error) {
	raw, err := script.Run(ctx, client, []string{key}, args...).Result()
	if err != nil {
		return nil, err
	}

	items, ok := raw.([]interface{})
	if !ok || len(items) != want {
		return nil, fmt.Errorf("unexpected script result %v", raw)
	}

	out := make([]int64, len(items))
	for i, item := range items {
		switch v := item.(type) {
		case int64:
			out[i] = v
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid script result at %d: %w", i, err)
			}
			out[i] = n
		default:
			return nil, fmt.Errorf("invalid script result type %T at %d", item, i)
		}
	}
	return out, nil
}
