package config

import (
	"fmt"
	"time"

	"voicecall-backend/pkg/constants"
	"voicecall-backend/pkg/env"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Log       LogConfig
	Signaling SignalingConfig
	Push      PushConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Environment    string // development, staging, production
	ServiceName    string
	AllowedOrigins []string
	TrustedProxies []string
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret   string
	Audience string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// SignalingConfig holds call lifecycle tuning
type SignalingConfig struct {
	RingTimeout            time.Duration
	WriteRetryBackoff      time.Duration
	RoomTTL                time.Duration
	RoomJoinURLBase        string
	ICEServers             []string
	MaxRealtimeConnections int
}

// PushConfig selects and configures the device push provider
type PushConfig struct {
	Provider           string // mock, fcm, apns
	FCMProjectID       string
	FCMCredentialsPath string
	APNsBundleID       string
	APNsKeyPath        string
	APNsKeyID          string
	APNsTeamID         string
	APNsCertPath       string
	APNsCertPassword   string
	APNsProduction     bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           env.GetInt("PORT", 8083),
			Environment:    env.GetString("ENV", "development"),
			ServiceName:    env.GetString("SERVICE_NAME", "call-service"),
			AllowedOrigins: env.GetSlice("CORS_ALLOWED_ORIGINS", []string{
				"http://localhost:3000",
				"http://127.0.0.1:3000",
			}),
			TrustedProxies: env.GetSlice("TRUSTED_PROXIES", []string{"127.0.0.1", "::1"}),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "voicecall"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  time.Duration(env.GetInt("REDIS_TIMEOUT", 5)) * time.Second,
		},
		JWT: JWTConfig{
			Secret:   env.GetStringFromFile("JWT_SECRET", ""),
			Audience: env.GetString("JWT_AUDIENCE", "voicecall-api"),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
		},
		Signaling: SignalingConfig{
			RingTimeout:            env.GetDuration("RING_TIMEOUT", constants.RingTimeout),
			WriteRetryBackoff:      env.GetDuration("WRITE_RETRY_BACKOFF", constants.WriteRetryBackoff),
			RoomTTL:                env.GetDuration("ROOM_TTL", constants.RoomTTL),
			RoomJoinURLBase:        env.GetString("ROOM_JOIN_URL_BASE", "https://rooms.localhost/join"),
			ICEServers:             env.GetSlice("ICE_SERVERS", []string{"stun:stun.l.google.com:19302"}),
			MaxRealtimeConnections: env.GetInt("WS_MAX_REALTIME_CONNECTIONS", 1000),
		},
		Push: PushConfig{
			Provider:           env.GetString("PUSH_PROVIDER", "mock"),
			FCMProjectID:       env.GetString("FCM_PROJECT_ID", ""),
			FCMCredentialsPath: env.GetString("FCM_CREDENTIALS_PATH", ""),
			APNsBundleID:       env.GetString("APNS_BUNDLE_ID", ""),
			APNsKeyPath:        env.GetString("APNS_KEY_PATH", ""),
			APNsKeyID:          env.GetString("APNS_KEY_ID", ""),
			APNsTeamID:         env.GetString("APNS_TEAM_ID", ""),
			APNsCertPath:       env.GetString("APNS_CERT_PATH", ""),
			APNsCertPassword:   env.GetStringFromFile("APNS_CERT_PASSWORD", ""),
			APNsProduction:     env.GetBool("APNS_PRODUCTION", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}

	if c.Signaling.RingTimeout <= 0 {
		return fmt.Errorf("RING_TIMEOUT must be positive, got %s", c.Signaling.RingTimeout)
	}
	if c.Signaling.WriteRetryBackoff < 0 {
		return fmt.Errorf("WRITE_RETRY_BACKOFF must not be negative, got %s", c.Signaling.WriteRetryBackoff)
	}
	if c.Signaling.RoomTTL < c.Signaling.RingTimeout {
		return fmt.Errorf("ROOM_TTL (%s) must outlive RING_TIMEOUT (%s)", c.Signaling.RoomTTL, c.Signaling.RingTimeout)
	}
	if c.Signaling.MaxRealtimeConnections <= 0 {
		return fmt.Errorf("WS_MAX_REALTIME_CONNECTIONS must be positive")
	}

	return nil
}

// IsProduction reports whether the service runs with production safeguards
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}
