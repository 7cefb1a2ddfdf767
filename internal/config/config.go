// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Store         StoreConfig         `yaml:"store"`
	Events        EventsConfig        `yaml:"events"`
	Dedup         DedupConfig         `yaml:"dedup"`
	Lead          LeadConfig          `yaml:"lead"`
	Approvals     ApprovalsConfig     `yaml:"approvals"`
	Waits         WaitsConfig         `yaml:"waits"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Sweep         SweepConfig         `yaml:"sweep"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
	// AdminRole may mutate definitions and act on any approval.
	AdminRole string `yaml:"admin_role"`
}

// StoreConfig describes persistence for definitions, instances and approvals.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// EventsConfig describes the message bus.
type EventsConfig struct {
	Driver string `yaml:"driver"`
	URLEnv string `yaml:"url_env"`
	// Exchange receives outbound pipeline events.
	Exchange string `yaml:"exchange"`
	// InboundExchange carries domain events the engine subscribes to.
	InboundExchange string        `yaml:"inbound_exchange"`
	Queue           string        `yaml:"queue"`
	Subscriptions   []string      `yaml:"subscriptions"`
	Prefetch        int           `yaml:"prefetch"`
	Workers         int           `yaml:"workers"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
}

// DedupConfig describes the inbound message deduplication store.
type DedupConfig struct {
	Enabled bool          `yaml:"enabled"`
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// LeadConfig describes the lead service that owns entity stages and
// evaluates decision conditions.
type LeadConfig struct {
	BaseURL        string               `yaml:"base_url"`
	TokenEnv       string               `yaml:"token_env"`
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig describes retry behaviour for lead service calls that fail
// at the transport or with a retryable 5xx.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// CircuitBreakerConfig describes circuit breaker settings for the lead service.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// ApprovalsConfig maps approver roles to their default timeout in hours.
// A timeout of 0 means the approval never expires.
type ApprovalsConfig struct {
	DefaultTimeoutHours int            `yaml:"default_timeout_hours"`
	RoleTimeoutHours    map[string]int `yaml:"role_timeout_hours"`
}

// TimeoutFor returns the configured default for role.
func (c ApprovalsConfig) TimeoutFor(role string) int {
	if h, ok := c.RoleTimeoutHours[role]; ok {
		return h
	}
	return c.DefaultTimeoutHours
}

// WaitsConfig maps wait events to their default timeout in hours.
type WaitsConfig struct {
	DefaultTimeoutHours int            `yaml:"default_timeout_hours"`
	EventTimeoutHours   map[string]int `yaml:"event_timeout_hours"`
}

// TimeoutFor returns the configured default for eventType.
func (c WaitsConfig) TimeoutFor(eventType string) int {
	if h, ok := c.EventTimeoutHours[eventType]; ok {
		return h
	}
	return c.DefaultTimeoutHours
}

// OrchestratorConfig describes engine limits.
type OrchestratorConfig struct {
	EntityCreatedEvent string `yaml:"entity_created_event"`
	MaxChainSteps      int    `yaml:"max_chain_steps"`
	MaxConflictRetries int    `yaml:"max_conflict_retries"`
}

// SweepConfig describes the timeout sweep schedule.
type SweepConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Schedule  string `yaml:"schedule"`
	BatchSize int    `yaml:"batch_size"`
}

// DefinitionsConfig describes where pipeline seed YAML files live.
type DefinitionsConfig struct {
	Directories  []string `yaml:"directories"`
	ActivateSeed bool     `yaml:"activate_seed"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id":      "sub",
				"email":           "email",
				"organization_id": "org_id",
				"roles":           "roles",
			},
			AdminRole: "pipeline_admin",
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "LEADFLOW_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Events: EventsConfig{
			Driver:          "memory",
			URLEnv:          "LEADFLOW_AMQP_URL",
			Exchange:        "leadflow.pipeline",
			InboundExchange: "leadflow.domain",
			Queue:           "leadflow.engine",
			Prefetch:        16,
			Workers:         4,
			ReconnectDelay:  5 * time.Second,
		},
		Dedup: DedupConfig{
			Driver:  "memory",
			AddrEnv: "LEADFLOW_REDIS_ADDR",
			TTL:     24 * time.Hour,
		},
		Lead: LeadConfig{
			TokenEnv: "LEADFLOW_LEAD_TOKEN",
			Timeout:  10 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        2 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Approvals: ApprovalsConfig{
			DefaultTimeoutHours: 24,
		},
		Waits: WaitsConfig{
			DefaultTimeoutHours: 0,
		},
		Orchestrator: OrchestratorConfig{
			EntityCreatedEvent: "lead.created",
			MaxChainSteps:      50,
			MaxConflictRetries: 3,
		},
		Sweep: SweepConfig{
			Enabled:   true,
			Schedule:  "@every 1m",
			BatchSize: 100,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	switch c.Store.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be memory or postgres", c.Store.Driver))
	}
	switch c.Events.Driver {
	case "memory":
	case "amqp":
		if c.Events.Exchange == "" || c.Events.Queue == "" {
			errs = append(errs, "events.exchange and events.queue are required for amqp")
		}
	default:
		errs = append(errs, fmt.Sprintf("events.driver %q must be memory or amqp", c.Events.Driver))
	}
	if c.Dedup.Enabled {
		switch c.Dedup.Driver {
		case "memory", "redis":
		default:
			errs = append(errs, fmt.Sprintf("dedup.driver %q must be memory or redis", c.Dedup.Driver))
		}
	}
	if c.Orchestrator.EntityCreatedEvent == "" {
		errs = append(errs, "orchestrator.entity_created_event is required")
	}
	if c.Orchestrator.MaxChainSteps < 1 {
		errs = append(errs, "orchestrator.max_chain_steps must be positive")
	}
	if c.Orchestrator.MaxConflictRetries < 0 {
		errs = append(errs, "orchestrator.max_conflict_retries must not be negative")
	}
	if c.Approvals.DefaultTimeoutHours < 0 {
		errs = append(errs, "approvals.default_timeout_hours must not be negative")
	}
	for role, h := range c.Approvals.RoleTimeoutHours {
		if h < 0 {
			errs = append(errs, fmt.Sprintf("approvals.role_timeout_hours[%s] must not be negative", role))
		}
	}
	if c.Sweep.Enabled {
		if _, err := cron.ParseStandard(c.Sweep.Schedule); err != nil {
			errs = append(errs, fmt.Sprintf("sweep.schedule %q: %v", c.Sweep.Schedule, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads LEADFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LEADFLOW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LEADFLOW_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("LEADFLOW_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("LEADFLOW_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("LEADFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("LEADFLOW_EVENTS_DRIVER"); v != "" {
		cfg.Events.Driver = v
	}
	if v := os.Getenv("LEADFLOW_LEAD_BASE_URL"); v != "" {
		cfg.Lead.BaseURL = v
	}
	if v := os.Getenv("LEADFLOW_SWEEP_SCHEDULE"); v != "" {
		cfg.Sweep.Schedule = v
	}
	if v := os.Getenv("LEADFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
