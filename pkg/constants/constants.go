// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteTimeout bounds a single frame write
	WebSocketWriteTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second

	// AccessTokenDuration is the lifetime of issued access tokens
	AccessTokenDuration = 15 * time.Minute

	// RedisHealthCheckInterval is the period of the background Redis ping
	RedisHealthCheckInterval = 10 * time.Second
)

// Call lifecycle constants
const (
	// RingTimeout is how long a call may ring before the receiver-side watchdog marks it missed
	RingTimeout = 45 * time.Second

	// WriteRetryBackoff is the pause before the single retry of a failed call record write
	WriteRetryBackoff = 250 * time.Millisecond

	// WriteAttempts is the first try plus one retry
	WriteAttempts = 2

	// RoomTTL is how long an allocated room stays resolvable
	RoomTTL = 2 * time.Hour

	// MaxCASAttempts bounds optimistic update retries inside one transition
	MaxCASAttempts = 5

	// OfferWaitAttempts bounds re-fetches while the caller has not yet attached its offer
	OfferWaitAttempts = 5

	// OfferWaitInterval is the pause between those re-fetches
	OfferWaitInterval = 200 * time.Millisecond

	// MediaSetupTimeout bounds offer/answer creation including ICE gathering
	MediaSetupTimeout = 10 * time.Second

	// FeedBufferSize is the per-subscription row-change buffer
	FeedBufferSize = 256

	// IncomingHintTTL bounds the session-scoped incoming-call hint
	IncomingHintTTL = 2 * time.Minute

	// DisplayNameCacheTTL bounds cached caller display names
	DisplayNameCacheTTL = 10 * time.Minute

	// PushTokenExpiry is how long a user's device set lives without a new registration
	PushTokenExpiry = 30 * 24 * time.Hour

	// PushSendTimeout bounds one call notification fan-out
	PushSendTimeout = 10 * time.Second
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Pagination constants
const (
	// DefaultRingingLimit caps the reconciliation query
	DefaultRingingLimit = 20
)
