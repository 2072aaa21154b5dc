package storage

import (
	"context"
	"fmt"
	"strings"

	"auth-guard/internal/domain"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StorageType names a storage backend
type StorageType string

const (
	RedisStorageType    StorageType = "redis"
	MemoryStorageType   StorageType = "memory"
	PostgresStorageType StorageType = "postgres"
)

// StorageConfig selects the backends for abuse state and credential records
type StorageConfig struct {
	AbuseType      StorageType
	CredentialType StorageType
	RedisConfig    *RedisConfig
	DatabaseURL    string
}

// RedisConfig holds the Redis connection settings
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	Database int
}

// Backends is the set of stores the service runs on
type Backends struct {
	Abuse       domain.AbuseStorage
	Credentials domain.CredentialStore
	Users       domain.UserDirectory
	Deletion    domain.DeletionTrigger

	redis *redis.Client
	pool  *pgxpool.Pool
}

// Close releases every backend connection
func (b *Backends) Close() error {
	var firstErr error
	if b.Abuse != nil {
		if err := b.Abuse.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.Credentials != nil {
		if err := b.Credentials.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StorageFactory builds storage backends from configuration
type StorageFactory struct{}

// NewStorageFactory creates a factory
func NewStorageFactory() *StorageFactory {
	return &StorageFactory{}
}

// Build opens every backend the config names. A single Redis client is shared
// between abuse state, credentials and the deletion queue.
func (f *StorageFactory) Build(ctx context.Context, config *StorageConfig, logger domain.Logger) (*Backends, error) {
	if err := f.ValidateConfig(config); err != nil {
		return nil, err
	}

	backends := &Backends{}
	fail := func(err error) (*Backends, error) {
		_ = backends.Close()
		if backends.pool != nil {
			backends.pool.Close()
		}
		return nil, err
	}

	if config.AbuseType == RedisStorageType || config.CredentialType == RedisStorageType {
		client, err := newRedisClient(config.RedisConfig.Host, config.RedisConfig.Port, config.RedisConfig.Password, config.RedisConfig.Database)
		if err != nil {
			return fail(fmt.Errorf("failed to create Redis storage: %w", err))
		}
		backends.redis = client
		if logger != nil {
			logger.Info("Redis connection established", map[string]interface{}{
				"host":     config.RedisConfig.Host,
				"port":     config.RedisConfig.Port,
				"database": config.RedisConfig.Database,
			})
		}
	}

	switch config.AbuseType {
	case RedisStorageType:
		backends.Abuse = NewRedisStorageWithClient(backends.redis, logger)
	default:
		backends.Abuse = NewMemoryStorage(logger)
	}

	switch config.CredentialType {
	case PostgresStorageType:
		pool, err := NewPostgresPool(ctx, config.DatabaseURL)
		if err != nil {
			return fail(err)
		}
		if err := EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return fail(err)
		}
		backends.pool = pool
		backends.Credentials = NewPostgresCredentialStore(pool, logger)
		backends.Users = NewPostgresUserDirectory(pool)
	case RedisStorageType:
		backends.Credentials = NewRedisCredentialStore(backends.redis, logger)
		backends.Users = NewMemoryUserDirectory()
	default:
		backends.Credentials = NewMemoryCredentialStore(logger)
		backends.Users = NewMemoryUserDirectory()
	}

	if backends.redis != nil {
		backends.Deletion = NewRedisDeletionQueue(backends.redis, logger)
	} else {
		backends.Deletion = NewLogDeletionTrigger(logger)
	}

	if logger != nil {
		logger.Info("Storage backends created successfully", map[string]interface{}{
			"abuse_storage":    config.AbuseType,
			"credential_store": config.CredentialType,
		})
	}
	return backends, nil
}

// SupportedTypes returns the backends each store accepts
func SupportedTypes() map[string][]StorageType {
	return map[string][]StorageType{
		"abuse":      {RedisStorageType, MemoryStorageType},
		"credential": {RedisStorageType, MemoryStorageType, PostgresStorageType},
	}
}

// Supports reports whether name is one of the listed backends
func Supports(types []StorageType, name string) bool {
	for _, t := range types {
		if string(t) == strings.ToLower(strings.TrimSpace(name)) {
			return true
		}
	}
	return false
}

// ValidateConfig checks a storage configuration
func (f *StorageFactory) ValidateConfig(config *StorageConfig) error {
	if config == nil {
		return fmt.Errorf("storage config cannot be nil")
	}

	supported := SupportedTypes()
	if !Supports(supported["abuse"], string(config.AbuseType)) {
		return fmt.Errorf("unsupported abuse storage type: %s", config.AbuseType)
	}
	if !Supports(supported["credential"], string(config.CredentialType)) {
		return fmt.Errorf("unsupported credential store type: %s", config.CredentialType)
	}

	if config.AbuseType == RedisStorageType || config.CredentialType == RedisStorageType {
		return f.validateRedisConfig(config.RedisConfig)
	}
	return nil
}

func (f *StorageFactory) validateRedisConfig(config *RedisConfig) error {
	if config == nil {
		return fmt.Errorf("Redis config cannot be nil")
	}
	if config.Host == "" {
		return fmt.Errorf("Redis host cannot be empty")
	}
	if config.Port == "" {
		return fmt.Errorf("Redis port cannot be empty")
	}
	if config.Database < 0 || config.Database > 15 {
		return fmt.Errorf("Redis database must be between 0 and 15, got: %d", config.Database)
	}
	return nil
}

// BuildStorageConfigFromEnv assembles a StorageConfig from loaded settings
func BuildStorageConfigFromEnv(abuseType, credentialType, redisHost, redisPort, redisPassword string, redisDB int, databaseURL string) *StorageConfig {
	config := &StorageConfig{
		AbuseType:      StorageType(strings.ToLower(abuseType)),
		CredentialType: StorageType(strings.ToLower(credentialType)),
		DatabaseURL:    databaseURL,
	}

	if config.AbuseType == RedisStorageType || config.CredentialType == RedisStorageType {
		config.RedisConfig = &RedisConfig{
			Host:     redisHost,
			Port:     redisPort,
			Password: redisPassword,
			Database: redisDB,
		}
	}

	return config
}
