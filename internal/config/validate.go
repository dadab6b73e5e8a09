package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Validation range constants.
const (
	minGlobalParallel   = 1
	maxGlobalParallel   = 64
	minPerDriveParallel = 1
	minChunkBytes       = 1 << 20  // 1 MiB
	maxChunkBytes       = 64 << 20 // 64 MiB
	minRetryBudget      = 1
	maxRetryBudget      = 20
	minHistorySize      = 1
	minDebounce         = 100 * time.Millisecond
	minPollInterval     = 10 * time.Second
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateTransfers(&cfg.Transfers)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if s.BaseURL != "" {
		u, err := url.Parse(s.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("base_url: %q is not an absolute URL", s.BaseURL))
		}
	}

	for _, f := range []struct{ name, value string }{
		{"connect_timeout", s.ConnectTimeout},
		{"data_timeout", s.DataTimeout},
	} {
		if _, err := time.ParseDuration(f.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
		}
	}

	return errs
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if d, err := time.ParseDuration(s.Debounce); err != nil {
		errs = append(errs, fmt.Errorf("debounce: %w", err))
	} else if d < minDebounce {
		errs = append(errs, fmt.Errorf("debounce: %s is below minimum %s", d, minDebounce))
	}

	if d, err := time.ParseDuration(s.PollInterval); err != nil {
		errs = append(errs, fmt.Errorf("poll_interval: %w", err))
	} else if d < minPollInterval {
		errs = append(errs, fmt.Errorf("poll_interval: %s is below minimum %s", d, minPollInterval))
	}

	if s.HistorySize < minHistorySize {
		errs = append(errs, fmt.Errorf("history_size: must be at least %d, got %d",
			minHistorySize, s.HistorySize))
	}

	return errs
}

func validateTransfers(t *TransfersConfig) []error {
	var errs []error

	if t.GlobalParallel < minGlobalParallel || t.GlobalParallel > maxGlobalParallel {
		errs = append(errs, fmt.Errorf("global_parallel: must be %d-%d, got %d",
			minGlobalParallel, maxGlobalParallel, t.GlobalParallel))
	}

	if t.PerDriveParallel < minPerDriveParallel || t.PerDriveParallel > t.GlobalParallel {
		errs = append(errs, fmt.Errorf("per_drive_parallel: must be %d-%d, got %d",
			minPerDriveParallel, t.GlobalParallel, t.PerDriveParallel))
	}

	if n, err := ParseSize(t.ChunkSize); err != nil {
		errs = append(errs, fmt.Errorf("chunk_size: %w", err))
	} else if n < minChunkBytes || n > maxChunkBytes {
		errs = append(errs, fmt.Errorf("chunk_size: must be between 1MiB and 64MiB, got %s", t.ChunkSize))
	}

	if t.RetryBudget < minRetryBudget || t.RetryBudget > maxRetryBudget {
		errs = append(errs, fmt.Errorf("retry_budget: must be %d-%d, got %d",
			minRetryBudget, maxRetryBudget, t.RetryBudget))
	}

	for _, f := range []struct{ name, value string }{
		{"retry_base_delay", t.RetryBaseDelay},
		{"retry_max_delay", t.RetryMaxDelay},
	} {
		if _, err := time.ParseDuration(f.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
		}
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	switch l.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level: must be debug, info, warn, or error, got %q", l.LogLevel))
	}

	switch l.LogFormat {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format: must be auto, text, or json, got %q", l.LogFormat))
	}

	return errs
}
