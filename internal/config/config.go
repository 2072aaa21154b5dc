package config

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"auth-guard/internal/domain"
	"auth-guard/internal/storage"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every setting the process reads at startup
type Config struct {
	// Server
	ServerPort string
	GinMode    string
	PublicURL  string

	// Client address resolution; empty means forwarding headers are ignored
	TrustedProxies  []string
	TrustedPlatform string

	// Logging
	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	// Signing
	TokenIssuer           string
	SigningAlgorithm      string
	SigningPrivateKeyFile string
	SigningPublicKeyFile  string
	WebTokenTTL           time.Duration
	MirrorTokenTTL        time.Duration

	// Abuse control and circuit breaking
	AbuseWindow    time.Duration
	AbuseThreshold int
	BanTiers       []time.Duration
	FaultThreshold int

	// Backends
	AbuseStorage    string
	CredentialStore string
	RedisHost       string
	RedisPort       string
	RedisPassword   string
	RedisDB         int
	DatabaseURL     string

	// Web cookie
	CookieName     string
	CookieDomain   string
	CookiePath     string
	CookieSecure   bool
	CookieSameSite http.SameSite

	// Bootstrap account
	AdminLogin    string
	AdminPassword string

	// Optional YAML overlay for the abuse/breaker policy
	PolicyFile string
}

// PolicyFile is the YAML overlay shape
type PolicyFile struct {
	Abuse struct {
		Window    string   `yaml:"window"`
		Threshold int      `yaml:"threshold"`
		BanTiers  []string `yaml:"ban_tiers"`
	} `yaml:"abuse"`
	Breaker struct {
		FaultThreshold int `yaml:"fault_threshold"`
	} `yaml:"breaker"`
}

// ConfigLoader loads and validates the process configuration
type ConfigLoader struct {
	config *Config
}

// NewConfigLoader creates a loader
func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

// LoadConfig reads .env (when present), the environment and the policy overlay,
// and returns the guard policy derived from them
func (c *ConfigLoader) LoadConfig() (*domain.GuardConfig, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Println("Warning: .env file not found, using system environment variables")
	}

	config, err := c.loadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}

	if err := c.applyPolicyFile(config); err != nil {
		return nil, fmt.Errorf("failed to load policy file: %w", err)
	}

	if err := c.validateConfig(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	c.config = config
	return GuardConfigFrom(config), nil
}

// GetConfig returns the last loaded configuration
func (c *ConfigLoader) GetConfig() *Config {
	return c.config
}

// GuardConfigFrom extracts the policy part of cfg
func GuardConfigFrom(cfg *Config) *domain.GuardConfig {
	tiers := make([]time.Duration, len(cfg.BanTiers))
	copy(tiers, cfg.BanTiers)
	return &domain.GuardConfig{
		Abuse: domain.AbusePolicy{
			Threshold: cfg.AbuseThreshold,
			Window:    cfg.AbuseWindow,
			BanTiers:  tiers,
		},
		FaultThreshold: cfg.FaultThreshold,
	}
}

func (c *ConfigLoader) loadFromEnv() (*Config, error) {
	config := &Config{
		ServerPort: getEnvWithDefault("SERVER_PORT", "8080"),
		GinMode:    getEnvWithDefault("GIN_MODE", "debug"),
		PublicURL:  strings.TrimRight(getEnvWithDefault("PUBLIC_URL", "http://localhost:8080"), "/"),

		TrustedProxies:  parseList(getEnvWithDefault("TRUSTED_PROXIES", "")),
		TrustedPlatform: strings.TrimSpace(getEnvWithDefault("TRUSTED_PLATFORM", "")),

		LogLevel:  getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvWithDefault("LOG_FORMAT", "json"),
		LogFile:   getEnvWithDefault("LOG_FILE", ""),

		TokenIssuer:           getEnvWithDefault("TOKEN_ISSUER", "auth-guard"),
		SigningAlgorithm:      getEnvWithDefault("SIGNING_ALGORITHM", "EdDSA"),
		SigningPrivateKeyFile: getEnvWithDefault("SIGNING_PRIVATE_KEY_FILE", "keys/signing.pem"),
		SigningPublicKeyFile:  getEnvWithDefault("SIGNING_PUBLIC_KEY_FILE", "keys/signing.pub.pem"),

		AbuseStorage:    strings.ToLower(getEnvWithDefault("ABUSE_STORAGE", "memory")),
		CredentialStore: strings.ToLower(getEnvWithDefault("CREDENTIAL_STORE", "memory")),
		RedisHost:       getEnvWithDefault("REDIS_HOST", "localhost"),
		RedisPort:       getEnvWithDefault("REDIS_PORT", "6379"),
		RedisPassword:   getEnvWithDefault("REDIS_PASSWORD", ""),
		DatabaseURL:     getEnvWithDefault("DATABASE_URL", ""),

		CookieName:   getEnvWithDefault("COOKIE_NAME", "auth_guard_session"),
		CookieDomain: getEnvWithDefault("COOKIE_DOMAIN", ""),
		CookiePath:   getEnvWithDefault("COOKIE_PATH", "/"),

		AdminLogin:    getEnvWithDefault("ADMIN_LOGIN", ""),
		AdminPassword: getEnvWithDefault("ADMIN_PASSWORD", ""),

		PolicyFile: getEnvWithDefault("POLICY_FILE", ""),
	}

	var err error
	if config.LogMaxSizeMB, err = envInt("LOG_MAX_SIZE_MB", "100"); err != nil {
		return nil, err
	}
	if config.LogMaxBackups, err = envInt("LOG_MAX_BACKUPS", "5"); err != nil {
		return nil, err
	}
	if config.LogMaxAgeDays, err = envInt("LOG_MAX_AGE_DAYS", "30"); err != nil {
		return nil, err
	}
	if config.RedisDB, err = envInt("REDIS_DB", "0"); err != nil {
		return nil, err
	}
	if config.AbuseThreshold, err = envInt("ABUSE_THRESHOLD", "3"); err != nil {
		return nil, err
	}
	if config.FaultThreshold, err = envInt("FAULT_THRESHOLD", "3"); err != nil {
		return nil, err
	}
	if config.WebTokenTTL, err = envDuration("WEB_TOKEN_TTL", "336h"); err != nil {
		return nil, err
	}
	if config.MirrorTokenTTL, err = envDuration("MIRROR_TOKEN_TTL", "1h"); err != nil {
		return nil, err
	}
	if config.AbuseWindow, err = envDuration("ABUSE_WINDOW", "5s"); err != nil {
		return nil, err
	}
	if config.BanTiers, err = parseDurations(getEnvWithDefault("BAN_TIERS", "1m,15m,6h")); err != nil {
		return nil, fmt.Errorf("invalid BAN_TIERS value: %w", err)
	}

	if config.CookieSecure, err = strconv.ParseBool(getEnvWithDefault("COOKIE_SECURE", "true")); err != nil {
		return nil, fmt.Errorf("invalid COOKIE_SECURE value: %w", err)
	}
	if config.CookieSameSite, err = parseSameSite(getEnvWithDefault("COOKIE_SAMESITE", "strict")); err != nil {
		return nil, err
	}

	return config, nil
}

// applyPolicyFile overlays non-zero values from the YAML policy file
func (c *ConfigLoader) applyPolicyFile(config *Config) error {
	if config.PolicyFile == "" {
		return nil
	}

	data, err := os.ReadFile(config.PolicyFile)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	var policy PolicyFile
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return fmt.Errorf("failed to parse policy file: %w", err)
	}

	if policy.Abuse.Window != "" {
		window, err := time.ParseDuration(policy.Abuse.Window)
		if err != nil {
			return fmt.Errorf("invalid abuse.window: %w", err)
		}
		config.AbuseWindow = window
	}
	if policy.Abuse.Threshold != 0 {
		config.AbuseThreshold = policy.Abuse.Threshold
	}
	if len(policy.Abuse.BanTiers) > 0 {
		tiers, err := parseDurations(strings.Join(policy.Abuse.BanTiers, ","))
		if err != nil {
			return fmt.Errorf("invalid abuse.ban_tiers: %w", err)
		}
		config.BanTiers = tiers
	}
	if policy.Breaker.FaultThreshold != 0 {
		config.FaultThreshold = policy.Breaker.FaultThreshold
	}
	return nil
}

func (c *ConfigLoader) validateConfig(config *Config) error {
	if config.AbuseThreshold <= 0 {
		return fmt.Errorf("ABUSE_THRESHOLD must be greater than 0")
	}
	if config.AbuseWindow <= 0 {
		return fmt.Errorf("ABUSE_WINDOW must be greater than 0")
	}
	if len(config.BanTiers) == 0 {
		return fmt.Errorf("BAN_TIERS must list at least one duration")
	}
	for i, tier := range config.BanTiers {
		if tier <= 0 {
			return fmt.Errorf("BAN_TIERS[%d] must be greater than 0", i)
		}
		if i > 0 && tier < config.BanTiers[i-1] {
			return fmt.Errorf("BAN_TIERS must be non-decreasing: %s follows %s", tier, config.BanTiers[i-1])
		}
	}
	if config.FaultThreshold <= 0 {
		return fmt.Errorf("FAULT_THRESHOLD must be greater than 0")
	}
	if config.WebTokenTTL <= 0 {
		return fmt.Errorf("WEB_TOKEN_TTL must be greater than 0")
	}
	if config.MirrorTokenTTL <= 0 {
		return fmt.Errorf("MIRROR_TOKEN_TTL must be greater than 0")
	}
	switch config.SigningAlgorithm {
	case "EdDSA", "RS256", "ES256":
	default:
		return fmt.Errorf("SIGNING_ALGORITHM must be one of EdDSA, RS256, ES256")
	}
	if config.SigningPrivateKeyFile == "" || config.SigningPublicKeyFile == "" {
		return fmt.Errorf("SIGNING_PRIVATE_KEY_FILE and SIGNING_PUBLIC_KEY_FILE are required")
	}
	supported := storage.SupportedTypes()
	if !storage.Supports(supported["abuse"], config.AbuseStorage) {
		return fmt.Errorf("ABUSE_STORAGE must be one of %v", supported["abuse"])
	}
	if !storage.Supports(supported["credential"], config.CredentialStore) {
		return fmt.Errorf("CREDENTIAL_STORE must be one of %v", supported["credential"])
	}
	for _, proxy := range config.TrustedProxies {
		if net.ParseIP(proxy) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(proxy); err != nil {
			return fmt.Errorf("TRUSTED_PROXIES entry %q is neither an IP nor a CIDR", proxy)
		}
	}
	if config.RedisDB < 0 || config.RedisDB > 15 {
		return fmt.Errorf("REDIS_DB must be between 0 and 15")
	}
	if config.CookieSameSite == http.SameSiteNoneMode && !config.CookieSecure {
		return fmt.Errorf("COOKIE_SAMESITE=none requires COOKIE_SECURE=true")
	}
	return nil
}

func parseDurations(value string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func parseList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseSameSite(value string) (http.SameSite, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "strict":
		return http.SameSiteStrictMode, nil
	case "lax":
		return http.SameSiteLaxMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	default:
		return 0, fmt.Errorf("invalid COOKIE_SAMESITE value: %s", value)
	}
}

func envInt(key, fallback string) (int, error) {
	v, err := strconv.Atoi(getEnvWithDefault(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %w", key, err)
	}
	return v, nil
}

func envDuration(key, fallback string) (time.Duration, error) {
	v, err := time.ParseDuration(getEnvWithDefault(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %w", key, err)
	}
	return v, nil
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
