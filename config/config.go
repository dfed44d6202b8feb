package config

import "time"

// Config is the complete taskmesh node configuration.
type Config struct {
	// Node identity and clustering
	Node NodeConfig `yaml:"node" env:"NODE"`

	// Server ports and timeouts
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Mesh fabric configuration
	Mesh MeshConfig `yaml:"mesh" env:"MESH"`

	// Dispatch retry/circuit-breaker configuration
	Dispatch DispatchConfig `yaml:"dispatch" env:"DISPATCH"`

	// Reputation scoring configuration
	Reputation ReputationConfig `yaml:"reputation" env:"REPUTATION"`

	// Directory health-sweep configuration
	Directory DirectoryConfig `yaml:"directory" env:"DIRECTORY"`

	// Security token issuance/verification
	Security SecurityConfig `yaml:"security" env:"SECURITY"`

	// Redis replication bridge
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database task archive
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log configuration
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry configuration
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// NodeConfig identifies this node within the mesh.
type NodeConfig struct {
	// Unique node id; generated when empty
	ID string `yaml:"id" env:"ID"`
	// Human-readable node name
	Name string `yaml:"name" env:"NAME"`
}

// ServerConfig holds HTTP and metrics server settings.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// MeshConfig configures the mesh fabric: routing, flow control, connection
// pooling, serialization, and state replication.
type MeshConfig struct {
	// Route TTL before lazy eviction
	RouteTTL time.Duration `yaml:"route_ttl" env:"ROUTE_TTL"`
	// Flow controller buffer capacity in bytes
	BufferCapacity int64 `yaml:"buffer_capacity" env:"BUFFER_CAPACITY"`
	// Pause threshold as a fraction of capacity (must be > ResumeThreshold)
	PauseThreshold float64 `yaml:"pause_threshold" env:"PAUSE_THRESHOLD"`
	// Resume threshold as a fraction of capacity
	ResumeThreshold float64 `yaml:"resume_threshold" env:"RESUME_THRESHOLD"`
	// Maximum pooled connections
	MaxConnections int `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	// Idle TTL before the background sweep closes a connection
	ConnIdleTTL time.Duration `yaml:"conn_idle_ttl" env:"CONN_IDLE_TTL"`
	// Sweep interval for idle connections
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	// Wire format: "text" or "binary" (extensible via the registry)
	Format string `yaml:"format" env:"FORMAT"`
	// Freshness window for accepting remote state changes
	StateFreshness time.Duration `yaml:"state_freshness" env:"STATE_FRESHNESS"`
	// Hop budget for forwarded messages
	MaxHops int `yaml:"max_hops" env:"MAX_HOPS"`
	// Per-connection outbound messages per second (0 disables limiting)
	SendRateLimit float64 `yaml:"send_rate_limit" env:"SEND_RATE_LIMIT"`
}

// DispatchConfig configures the resilient dispatcher and circuit breakers.
type DispatchConfig struct {
	MaxAttempts      int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseBackoff      time.Duration `yaml:"base_backoff" env:"BASE_BACKOFF"`
	MaxBackoff       time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" env:"RESET_TIMEOUT"`
	// Per-attempt task-execution timeout
	ExecutionTimeout time.Duration `yaml:"execution_timeout" env:"EXECUTION_TIMEOUT"`
}

// ReputationConfig configures score deltas and the quarantine threshold.
// The deltas are configuration, not hard-coded law.
type ReputationConfig struct {
	SuccessDelta        float64 `yaml:"success_delta" env:"SUCCESS_DELTA"`
	FailureDelta        float64 `yaml:"failure_delta" env:"FAILURE_DELTA"`
	QuarantineThreshold float64 `yaml:"quarantine_threshold" env:"QUARANTINE_THRESHOLD"`
	InitialScore        float64 `yaml:"initial_score" env:"INITIAL_SCORE"`
}

// DirectoryConfig configures the agent directory health sweep.
type DirectoryConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	DegradedAfter time.Duration `yaml:"degraded_after" env:"DEGRADED_AFTER"`
	OfflineAfter  time.Duration `yaml:"offline_after" env:"OFFLINE_AFTER"`
	// Heartbeat age below which routing grants its freshness bonus
	FreshHeartbeat time.Duration `yaml:"fresh_heartbeat" env:"FRESH_HEARTBEAT"`
}

// SecurityConfig configures JWT issuance and verification.
type SecurityConfig struct {
	// HMAC signing secret
	SigningKey string        `yaml:"signing_key" env:"SIGNING_KEY"`
	Issuer     string        `yaml:"issuer" env:"ISSUER"`
	Audience   string        `yaml:"audience" env:"AUDIENCE"`
	TokenTTL   time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
}

// RedisConfig configures the optional Redis state-replication bridge.
type RedisConfig struct {
	Enabled      bool   `yaml:"enabled" env:"ENABLED"`
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	Channel      string `yaml:"channel" env:"CHANNEL"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig configures the optional job/task archive database.
type DatabaseConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Driver: sqlite, mysql, postgres
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig configures zap logging.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OTel export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}
