package conf

import "time"

// Bootstrap is the root configuration of the PulseGuard service.
type Bootstrap struct {
	Server     *Server
	Data       *Data
	Resilience *Resilience
	Admin      *Admin
	Log        *Log
}

// Server holds the transport settings.
type Server struct {
	HTTP *ServerHTTP
}

// ServerHTTP configures the kratos HTTP server.
type ServerHTTP struct {
	Network string
	Addr    string
	Timeout time.Duration
}

// Data holds the connection settings of the backing stores.
type Data struct {
	Database *Database
	Redis    *Redis
}

// Database configures the time-series store (MySQL through GORM).
type Database struct {
	Driver string
	Source string
}

// Redis configures the durable queue, rate limiter and state cache backend.
type Redis struct {
	Network      string
	Addr         string
	Password     string
	DB           int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Resilience groups the circuit breaker, queue, health monitor and ingestion settings.
type Resilience struct {
	Breaker *Breaker
	Queue   *Queue
	Health  *Health
	Ingest  *Ingest
}

// Breaker configures every per-route circuit breaker.
type Breaker struct {
	FailureThreshold int
	OpenTimeout      time.Duration
}

// Queue configures the durable queue and the async processor that drains it.
type Queue struct {
	Name               string
	MaxAttempts        int
	VisibilityTimeout  time.Duration
	BackoffBase        time.Duration
	MaxBackoff         time.Duration
	BatchSize          int
	Workers            int
	PollInterval       time.Duration
	ProcessedCacheSize int
}

// Health configures the SLO health monitor.
type Health struct {
	SLOTargetAvailability float64
	CheckInterval         time.Duration
	ProbeTimeout          time.Duration
	Window                time.Duration
}

// Ingest configures submission limits and query bounds.
type Ingest struct {
	RPMLimit          int
	DefaultQueryRange time.Duration
	MaxQueryRange     time.Duration
	MaxQueryLimit     int
}

// Admin configures access to the administrative endpoints.
type Admin struct {
	APIKey string
}

// Log configures the zap logger.
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}
