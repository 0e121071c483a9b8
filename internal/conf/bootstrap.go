// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables,
// with CLI flag overrides.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies defaults,
// and allows overrides from environment variables prefixed with PULSEGUARD_.
//
// Configuration priority: CLI flags > Environment variables > Config file > Defaults
//
// Required environment variables:
//   - MYSQL_DSN or PULSEGUARD_DATA_DATABASE_SOURCE: MySQL connection string
//
// The resilience knobs additionally accept their short names
// (FAILURE_THRESHOLD, OPEN_TIMEOUT_SECONDS, QUEUE_MAX_ATTEMPTS,
// SLO_TARGET_AVAILABILITY, HEALTH_CHECK_INTERVAL_SECONDS).
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PULSEGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "PULSEGUARD_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "REDIS_ADDR", "PULSEGUARD_DATA_REDIS_ADDR")
	_ = v.BindEnv("admin.api_key", "ADMIN_API_KEY", "PULSEGUARD_ADMIN_API_KEY")
	_ = v.BindEnv("resilience.breaker.failure_threshold", "FAILURE_THRESHOLD", "PULSEGUARD_RESILIENCE_BREAKER_FAILURE_THRESHOLD")
	_ = v.BindEnv("resilience.breaker.open_timeout_seconds", "OPEN_TIMEOUT_SECONDS", "PULSEGUARD_RESILIENCE_BREAKER_OPEN_TIMEOUT_SECONDS")
	_ = v.BindEnv("resilience.queue.max_attempts", "QUEUE_MAX_ATTEMPTS", "PULSEGUARD_RESILIENCE_QUEUE_MAX_ATTEMPTS")
	_ = v.BindEnv("resilience.health.slo_target_availability", "SLO_TARGET_AVAILABILITY", "PULSEGUARD_RESILIENCE_HEALTH_SLO_TARGET_AVAILABILITY")
	_ = v.BindEnv("resilience.health.check_interval_seconds", "HEALTH_CHECK_INTERVAL_SECONDS", "PULSEGUARD_RESILIENCE_HEALTH_CHECK_INTERVAL_SECONDS")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	bc := &Bootstrap{
		Server: &Server{
			HTTP: &ServerHTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: v.GetDuration("server.http.timeout"),
			},
		},
		Data: &Data{
			Database: &Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				Password:     v.GetString("data.redis.password"),
				DB:           v.GetInt("data.redis.db"),
				ReadTimeout:  v.GetDuration("data.redis.read_timeout"),
				WriteTimeout: v.GetDuration("data.redis.write_timeout"),
			},
		},
		Resilience: &Resilience{
			Breaker: &Breaker{
				FailureThreshold: v.GetInt("resilience.breaker.failure_threshold"),
				OpenTimeout:      seconds(v.GetInt("resilience.breaker.open_timeout_seconds")),
			},
			Queue: &Queue{
				Name:               v.GetString("resilience.queue.name"),
				MaxAttempts:        v.GetInt("resilience.queue.max_attempts"),
				VisibilityTimeout:  v.GetDuration("resilience.queue.visibility_timeout"),
				BackoffBase:        v.GetDuration("resilience.queue.backoff_base"),
				MaxBackoff:         v.GetDuration("resilience.queue.max_backoff"),
				BatchSize:          v.GetInt("resilience.queue.batch_size"),
				Workers:            v.GetInt("resilience.queue.workers"),
				PollInterval:       v.GetDuration("resilience.queue.poll_interval"),
				ProcessedCacheSize: v.GetInt("resilience.queue.processed_cache_size"),
			},
			Health: &Health{
				SLOTargetAvailability: v.GetFloat64("resilience.health.slo_target_availability"),
				CheckInterval:         seconds(v.GetInt("resilience.health.check_interval_seconds")),
				ProbeTimeout:          v.GetDuration("resilience.health.probe_timeout"),
				Window:                v.GetDuration("resilience.health.window"),
			},
			Ingest: &Ingest{
				RPMLimit:          v.GetInt("resilience.ingest.rpm_limit"),
				DefaultQueryRange: v.GetDuration("resilience.ingest.default_query_range"),
				MaxQueryRange:     v.GetDuration("resilience.ingest.max_query_range"),
				MaxQueryLimit:     v.GetInt("resilience.ingest.max_query_limit"),
			},
		},
		Admin: &Admin{
			APIKey: v.GetString("admin.api_key"),
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
	}

	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", 30*time.Second)

	// Note: data.database.source (MYSQL_DSN) is required from environment
	v.SetDefault("data.database.driver", "mysql")

	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.db", 0)
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	v.SetDefault("resilience.breaker.failure_threshold", 5)
	v.SetDefault("resilience.breaker.open_timeout_seconds", 60)

	v.SetDefault("resilience.queue.name", "metrics")
	v.SetDefault("resilience.queue.max_attempts", 3)
	v.SetDefault("resilience.queue.visibility_timeout", 30*time.Second)
	v.SetDefault("resilience.queue.backoff_base", time.Second)
	v.SetDefault("resilience.queue.max_backoff", 5*time.Minute)
	v.SetDefault("resilience.queue.batch_size", 10)
	v.SetDefault("resilience.queue.workers", 4)
	v.SetDefault("resilience.queue.poll_interval", time.Second)
	v.SetDefault("resilience.queue.processed_cache_size", 10000)

	v.SetDefault("resilience.health.slo_target_availability", 0.999)
	v.SetDefault("resilience.health.check_interval_seconds", 300)
	v.SetDefault("resilience.health.probe_timeout", 10*time.Second)
	v.SetDefault("resilience.health.window", 30*24*time.Hour)

	v.SetDefault("resilience.ingest.rpm_limit", 0)
	v.SetDefault("resilience.ingest.default_query_range", 24*time.Hour)
	v.SetDefault("resilience.ingest.max_query_range", 31*24*time.Hour)
	v.SetDefault("resilience.ingest.max_query_limit", 1000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Validate checks that all required configuration fields are present and valid.
// It returns an error listing all problems found.
func Validate(bc *Bootstrap) error {
	var missing []string

	if bc.Data == nil || bc.Data.Database == nil || bc.Data.Database.Source == "" {
		missing = append(missing, "data.database.source (MYSQL_DSN)")
	}
	r := bc.Resilience
	if r == nil || r.Breaker == nil || r.Queue == nil || r.Health == nil || r.Ingest == nil {
		missing = append(missing, "resilience")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration fields: %s", strings.Join(missing, ", "))
	}

	var invalid []string
	if r.Breaker.FailureThreshold < 1 {
		invalid = append(invalid, "resilience.breaker.failure_threshold must be >= 1")
	}
	if r.Breaker.OpenTimeout <= 0 {
		invalid = append(invalid, "resilience.breaker.open_timeout_seconds must be > 0")
	}
	if r.Queue.MaxAttempts < 1 {
		invalid = append(invalid, "resilience.queue.max_attempts must be >= 1")
	}
	if r.Queue.BatchSize < 1 || r.Queue.BatchSize > 10 {
		invalid = append(invalid, "resilience.queue.batch_size must be within 1..10")
	}
	if r.Queue.Workers < 1 {
		invalid = append(invalid, "resilience.queue.workers must be >= 1")
	}
	if r.Health.SLOTargetAvailability <= 0 || r.Health.SLOTargetAvailability > 1 {
		invalid = append(invalid, "resilience.health.slo_target_availability must be within (0, 1]")
	}
	if r.Health.CheckInterval <= 0 {
		invalid = append(invalid, "resilience.health.check_interval_seconds must be > 0")
	}
	if r.Ingest.RPMLimit < 0 {
		invalid = append(invalid, "resilience.ingest.rpm_limit must be >= 0")
	}
	if r.Ingest.MaxQueryLimit < 1 {
		invalid = append(invalid, "resilience.ingest.max_query_limit must be >= 1")
	}
	if r.Ingest.DefaultQueryRange <= 0 {
		invalid = append(invalid, "resilience.ingest.default_query_range must be > 0")
	}
	if r.Ingest.MaxQueryRange <= 0 {
		invalid = append(invalid, "resilience.ingest.max_query_range must be > 0")
	} else if r.Ingest.DefaultQueryRange > r.Ingest.MaxQueryRange {
		invalid = append(invalid, "resilience.ingest.default_query_range must not exceed max_query_range")
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(invalid, ", "))
	}

	return nil
}
