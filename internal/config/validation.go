package config

import (
	"fmt"
	"strings"
)

// ValidationError reports a single invalid field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors aggregates every violation found by Validate so an
// operator sees the whole list in one pass instead of fixing one key
// at a time.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d configuration errors: %s", len(e), strings.Join(msgs, "; "))
}

// Validate checks the flat config surface for internally consistent
// values. It never touches the filesystem or network — those
// dependencies belong to the components that use the values.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.MaxConcurrentJobs <= 0 {
		errs = append(errs, ValidationError{"max_concurrent_jobs", c.MaxConcurrentJobs, "must be positive"})
	}

	if c.Timeouts.DefaultMillis <= 0 {
		errs = append(errs, ValidationError{"timeouts.default_ms", c.Timeouts.DefaultMillis, "must be positive"})
	}
	for class, ms := range c.Timeouts.ByClass {
		if ms <= 0 {
			errs = append(errs, ValidationError{"timeouts.by_class_ms." + class, ms, "must be positive"})
		}
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, ValidationError{"retry.max_attempts", c.Retry.MaxAttempts, "must be at least 1"})
	}
	if c.Retry.BackoffFactor < 1.0 {
		errs = append(errs, ValidationError{"retry.backoff_factor", c.Retry.BackoffFactor, "must be >= 1.0"})
	}
	if c.Retry.BreakerOpenAt < 1 {
		errs = append(errs, ValidationError{"retry.breaker_open_at", c.Retry.BreakerOpenAt, "must be at least 1"})
	}
	if c.Retry.MaxDelayMs <= 0 {
		errs = append(errs, ValidationError{"retry.max_delay_ms", c.Retry.MaxDelayMs, "must be positive"})
	}

	switch c.Cache.EvictionPolicy {
	case "LRU", "LFU", "TTL":
	default:
		errs = append(errs, ValidationError{"cache.eviction_policy", c.Cache.EvictionPolicy, "must be LRU, LFU, or TTL"})
	}
	if c.Cache.MaxMemoryEntries <= 0 {
		errs = append(errs, ValidationError{"cache.max_memory_entries", c.Cache.MaxMemoryEntries, "must be positive"})
	}
	if c.Cache.MaxBytes <= 0 {
		errs = append(errs, ValidationError{"cache.max_bytes", c.Cache.MaxBytes, "must be positive"})
	}

	if c.Walker.MaxDepth <= 0 {
		errs = append(errs, ValidationError{"walker.max_depth", c.Walker.MaxDepth, "must be positive"})
	}

	if c.Search.MaxFileSize <= 0 {
		errs = append(errs, ValidationError{"search.max_file_size", c.Search.MaxFileSize, "must be positive"})
	}
	if c.Search.MaxResults <= 0 {
		errs = append(errs, ValidationError{"search.max_results", c.Search.MaxResults, "must be positive"})
	}
	if c.Search.MinScore < 0 || c.Search.MinScore > 1 {
		errs = append(errs, ValidationError{"search.min_score", c.Search.MinScore, "must be between 0 and 1"})
	}

	if c.Poll.BaseIntervalMs <= 0 {
		errs = append(errs, ValidationError{"poll.base_interval_ms", c.Poll.BaseIntervalMs, "must be positive"})
	}
	if c.Poll.MaxMultiplier < 1 {
		errs = append(errs, ValidationError{"poll.max_multiplier", c.Poll.MaxMultiplier, "must be at least 1"})
	}
	if c.Poll.StepEvery < 1 {
		errs = append(errs, ValidationError{"poll.step_every", c.Poll.StepEvery, "must be at least 1"})
	}

	if c.API.Listen == "" {
		errs = append(errs, ValidationError{"api.listen", c.API.Listen, "must not be empty"})
	}

	if c.Audit.Enabled && c.Audit.DSN == "" {
		errs = append(errs, ValidationError{"audit.dsn", c.Audit.DSN, "required when audit.enabled is true"})
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, ValidationError{"redis.addr", c.Redis.Addr, "required when redis.enabled is true"})
	}

	if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
		errs = append(errs, ValidationError{"tracing.sampling_ratio", c.Tracing.SamplingRatio, "must be between 0 and 1"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
