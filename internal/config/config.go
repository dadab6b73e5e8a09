// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for drivesync. Defaults apply for any
// key the config file leaves unset; unknown keys are rejected.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Sync      SyncConfig      `toml:"sync"`
	Transfers TransfersConfig `toml:"transfers"`
	Logging   LoggingConfig   `toml:"logging"`
}

// ServerConfig identifies the remote server every drive on this machine
// talks to.
type ServerConfig struct {
	BaseURL        string `toml:"base_url"`
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
}

// SyncConfig controls the reconciliation loop: how long local filesystem
// events are debounced before a sync pass, how often the remote side is
// polled when event push is unavailable, and how many sync history entries
// the status view keeps.
type SyncConfig struct {
	Debounce     string `toml:"debounce"`
	PollInterval string `toml:"poll_interval"`
	HistorySize  int    `toml:"history_size"`
}

// TransfersConfig controls parallel transfer workers, chunking, and the
// per-chunk retry budget.
type TransfersConfig struct {
	GlobalParallel   int    `toml:"global_parallel"`
	PerDriveParallel int    `toml:"per_drive_parallel"`
	ChunkSize        string `toml:"chunk_size"`
	RetryBudget      int    `toml:"retry_budget"`
	RetryBaseDelay   string `toml:"retry_base_delay"`
	RetryMaxDelay    string `toml:"retry_max_delay"`
}

// LoggingConfig controls log output: level and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// Default values. These are "layer 0": a missing config file yields a
// fully working setup pointed at a server the user still has to set.
const (
	defaultConnectTimeout   = "10s"
	defaultDataTimeout      = "60s"
	defaultDebounce         = "2s"
	defaultPollInterval     = "5m"
	defaultHistorySize      = 200
	defaultGlobalParallel   = 8
	defaultPerDriveParallel = 3
	defaultChunkSize        = "10MiB"
	defaultRetryBudget      = 5
	defaultRetryBaseDelay   = "1s"
	defaultRetryMaxDelay    = "60s"
	defaultLogLevel         = "info"
	defaultLogFormat        = "auto"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding so unset fields retain defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ConnectTimeout: defaultConnectTimeout,
			DataTimeout:    defaultDataTimeout,
		},
		Sync: SyncConfig{
			Debounce:     defaultDebounce,
			PollInterval: defaultPollInterval,
			HistorySize:  defaultHistorySize,
		},
		Transfers: TransfersConfig{
			GlobalParallel:   defaultGlobalParallel,
			PerDriveParallel: defaultPerDriveParallel,
			ChunkSize:        defaultChunkSize,
			RetryBudget:      defaultRetryBudget,
			RetryBaseDelay:   defaultRetryBaseDelay,
			RetryMaxDelay:    defaultRetryMaxDelay,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}

// DebounceDuration returns the parsed debounce window. Validation has
// already confirmed the string parses.
func (c *Config) DebounceDuration() time.Duration {
	d, _ := time.ParseDuration(c.Sync.Debounce)
	return d
}

// PollIntervalDuration returns the parsed remote poll interval.
func (c *Config) PollIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.Sync.PollInterval)
	return d
}

// RetryBaseDelayDuration returns the parsed initial retry backoff.
func (c *Config) RetryBaseDelayDuration() time.Duration {
	d, _ := time.ParseDuration(c.Transfers.RetryBaseDelay)
	return d
}

// RetryMaxDelayDuration returns the parsed retry backoff ceiling.
func (c *Config) RetryMaxDelayDuration() time.Duration {
	d, _ := time.ParseDuration(c.Transfers.RetryMaxDelay)
	return d
}

// ChunkSizeBytes returns the parsed chunk size in bytes.
func (c *Config) ChunkSizeBytes() int64 {
	n, _ := ParseSize(c.Transfers.ChunkSize)
	return n
}

// ConnectTimeoutDuration returns the parsed connection timeout.
func (c *Config) ConnectTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Server.ConnectTimeout)
	return d
}

// DataTimeoutDuration returns the parsed per-request data timeout.
func (c *Config) DataTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Server.DataTimeout)
	return d
}
