package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	MinAccessTTL = 15 * time.Minute
	MaxAccessTTL = 24 * time.Hour
)

type Config struct {
	Server    ServerConfig
	DynamoDB  DynamoDBConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	TLSEnabled     bool
	AllowedOrigins []string
}

type DynamoDBConfig struct {
	Endpoint  string
	Region    string
	TableName string
}

type RedisConfig struct {
	Endpoint string
	Password string
	DB       int
	// Disabled switches the rate limiter to the per-instance in-memory
	// backend; progressive login delay is unavailable in that mode.
	Disabled bool
}

type JWTConfig struct {
	SecretKey     string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
}

type AuthConfig struct {
	BcryptCost        int
	RefreshCookieName string
	RefreshCookiePath string
}

// LimitConfig tunes one rate-limited operation. A zero Block means exceeding
// MaxAttempts rejects only until the window resets.
type LimitConfig struct {
	MaxAttempts int
	Window      time.Duration
	Block       time.Duration
}

type RateLimitConfig struct {
	Login     LimitConfig
	Register  LimitConfig
	Refresh   LimitConfig
	SyncRead  LimitConfig
	SyncWrite LimitConfig
	Logout    LimitConfig

	// Progressive delay applied to repeated login attempts, independent of
	// the hard block above.
	DelayBase   time.Duration
	DelayFactor float64
	DelayMax    time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			TLSEnabled:     getEnvAsBool("TLS_ENABLED", false),
			AllowedOrigins: splitAndTrim(getEnv("ALLOWED_ORIGINS", "")),
		},
		DynamoDB: DynamoDBConfig{
			Endpoint:  getEnv("DYNAMODB_ENDPOINT", ""),
			Region:    getEnv("DYNAMODB_REGION", "us-east-1"),
			TableName: getEnv("DYNAMODB_TABLE_NAME", "VaultSyncTable"),
		},
		Redis: RedisConfig{
			Endpoint: getEnv("REDIS_ENDPOINT", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Disabled: getEnvAsBool("REDIS_DISABLED", false),
		},
		JWT: JWTConfig{
			SecretKey:     getEnv("JWT_SECRET_KEY", ""),
			AccessExpiry:  getEnvAsDuration("JWT_ACCESS_EXPIRY", time.Hour),
			RefreshExpiry: getEnvAsDuration("JWT_REFRESH_EXPIRY", 30*24*time.Hour),
		},
		Auth: AuthConfig{
			BcryptCost:        getEnvAsInt("BCRYPT_COST", 12),
			RefreshCookieName: getEnv("REFRESH_COOKIE_NAME", "vs_refresh"),
			RefreshCookiePath: "/api/v1/auth",
		},
		RateLimit: RateLimitConfig{
			Login: LimitConfig{
				MaxAttempts: getEnvAsInt("RATE_LOGIN_MAX", 5),
				Window:      getEnvAsDuration("RATE_LOGIN_WINDOW", 15*time.Minute),
				Block:       getEnvAsDuration("RATE_LOGIN_BLOCK", 30*time.Minute),
			},
			Register: LimitConfig{
				MaxAttempts: getEnvAsInt("RATE_REGISTER_MAX", 3),
				Window:      getEnvAsDuration("RATE_REGISTER_WINDOW", time.Hour),
				Block:       getEnvAsDuration("RATE_REGISTER_BLOCK", time.Hour),
			},
			Refresh: LimitConfig{
				MaxAttempts: getEnvAsInt("RATE_REFRESH_MAX", 30),
				Window:      getEnvAsDuration("RATE_REFRESH_WINDOW", 15*time.Minute),
			},
			SyncRead: LimitConfig{
				MaxAttempts: getEnvAsInt("RATE_SYNC_READ_MAX", 120),
				Window:      getEnvAsDuration("RATE_SYNC_READ_WINDOW", time.Minute),
			},
			SyncWrite: LimitConfig{
				MaxAttempts: getEnvAsInt("RATE_SYNC_WRITE_MAX", 60),
				Window:      getEnvAsDuration("RATE_SYNC_WRITE_WINDOW", time.Minute),
			},
			Logout: LimitConfig{
				MaxAttempts: getEnvAsInt("RATE_LOGOUT_MAX", 10),
				Window:      getEnvAsDuration("RATE_LOGOUT_WINDOW", time.Minute),
			},
			DelayBase:   getEnvAsDuration("LOGIN_DELAY_BASE", 250*time.Millisecond),
			DelayFactor: getEnvAsFloat("LOGIN_DELAY_FACTOR", 2.0),
			DelayMax:    getEnvAsDuration("LOGIN_DELAY_MAX", 8*time.Second),
		},
	}

	if cfg.JWT.SecretKey == "" {
		return nil, fmt.Errorf("JWT_SECRET_KEY environment variable is required")
	}

	if len(cfg.JWT.SecretKey) < 32 {
		return nil, fmt.Errorf("JWT_SECRET_KEY must be at least 32 bytes (256 bits)")
	}

	// Access token lifetime is clamped rather than rejected so a
	// misconfigured deployment degrades to a safe value.
	if cfg.JWT.AccessExpiry < MinAccessTTL {
		cfg.JWT.AccessExpiry = MinAccessTTL
	}
	if cfg.JWT.AccessExpiry > MaxAccessTTL {
		cfg.JWT.AccessExpiry = MaxAccessTTL
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
