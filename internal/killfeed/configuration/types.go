package configuration

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// Configuration drives one killfeed ingester process. Values come from
// ./config/killfeed/config.yaml, user-specified override files, and
// KILLFEED_* environment variables, in that order.
type Configuration struct {
	// Database configuration
	Postgres PostgresConfig
	// Port serving /metrics and /health
	MetricsPort uint16 `validate:"required"`
	// User-Agent header sent to the feed and detail services
	UserAgent string
	// Killboard feed client configuration
	Feed ServiceConfig
	// Detail service client configuration
	Detail ServiceConfig
	// How long fetched killmail details stay cached, keyed by (id, hash)
	DetailCacheTTL time.Duration
	// Bounds for a single backfill sweep
	Backfill BackfillConfig
	// Pause between sweeps of the whole tracked set
	PollInterval time.Duration `validate:"required"`
	// Entities backfilled concurrently within one sweep
	MaxConcurrentBackfills int
	// The entities the pipeline persists killmails for. Reconciled into
	// storage at the start of every sweep.
	TrackedCharacters []TrackedCharacterConfig `validate:"dive"`
}

// PostgresConfig carries the libpq connection parameters as a keyword/value
// map, e.g. host, port, user, password, dbname.
type PostgresConfig struct {
	Connection map[string]string `validate:"required"`
}

// ServiceConfig holds the transport and resilience settings for one external
// service. The rate limiter, circuit breaker, and retry budget built from it
// are shared by every caller targeting that service.
type ServiceConfig struct {
	// Service base URL
	BaseURL string `validate:"required,url"`
	// Minimum interval between requests to the service
	MinDelay time.Duration
	// Per-request timeout
	HTTPTimeout time.Duration `validate:"required"`
	// Invocation budget per call, counting the first attempt
	MaxRetries int `validate:"min=1"`
	// Delay before the first retry; doubles each retry up to MaxRetryDelay
	InitialRetryDelay time.Duration
	// Upper bound on a single backoff delay
	MaxRetryDelay time.Duration
	// Upper bound on the random jitter added to each backoff delay
	MaxRetryJitter time.Duration
	// Consecutive failures that open the circuit
	FailureThreshold int `validate:"min=1"`
	// How long an open circuit rejects calls before admitting a trial
	Cooldown time.Duration `validate:"required"`
}

// BackfillConfig bounds the work one backfill sweep may do.
type BackfillConfig struct {
	// Records older than this many days are outside the window; 0 disables
	MaxAgeDays int
	// Pages fetched per sweep
	MaxPages int `validate:"min=1"`
	// Records evaluated per sweep; 0 disables the cap
	MaxRecords int
	// Consecutive empty pages tolerated before the feed counts as drained
	MaxConsecutiveEmpty int
	// Minimum interval between sweeps of the same entity
	Cooldown time.Duration
}

// TrackedCharacterConfig names one entity on the allow-list.
type TrackedCharacterConfig struct {
	// Source-assigned entity id
	EntityID int64 `validate:"required"`
	// Display name used in logs and loss queries
	Name string `validate:"required"`
}

func (c Configuration) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}
