package config

import "time"

// DefaultConfig returns the complete default configuration.
// Values mirror the documented defaults of the dispatch and mesh subsystems.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Name: "taskmesh-node",
		},
		Server: ServerConfig{
			HTTPPort:        8080,
			MetricsPort:     9090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Mesh: MeshConfig{
			RouteTTL:        5 * time.Minute,
			BufferCapacity:  4 << 20, // 4 MiB
			PauseThreshold:  0.8,
			ResumeThreshold: 0.5,
			MaxConnections:  64,
			ConnIdleTTL:     2 * time.Minute,
			SweepInterval:   30 * time.Second,
			Format:          "text",
			StateFreshness:  60 * time.Second,
			MaxHops:         8,
			SendRateLimit:   0,
		},
		Dispatch: DispatchConfig{
			MaxAttempts:      3,
			BaseBackoff:      time.Second,
			MaxBackoff:       30 * time.Second,
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
			ExecutionTimeout: 5 * time.Minute,
		},
		Reputation: ReputationConfig{
			SuccessDelta:        0.1,
			FailureDelta:        0.2,
			QuarantineThreshold: 0.3,
			InitialScore:        1.0,
		},
		Directory: DirectoryConfig{
			SweepInterval:  30 * time.Second,
			DegradedAfter:  90 * time.Second,
			OfflineAfter:   5 * time.Minute,
			FreshHeartbeat: 60 * time.Second,
		},
		Security: SecurityConfig{
			Issuer:   "taskmesh",
			Audience: "taskmesh",
			TokenTTL: time.Hour,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			Channel:      "taskmesh:state",
			PoolSize:     10,
			MinIdleConns: 2,
		},
		Database: DatabaseConfig{
			Enabled:         false,
			Driver:          "sqlite",
			Name:            "taskmesh.db",
			SSLMode:         "disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Log: LogConfig{
			Level:        "info",
			Format:       "json",
			OutputPaths:  []string{"stdout"},
			EnableCaller: true,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "taskmesh",
			SampleRate:   1.0,
		},
	}
}
