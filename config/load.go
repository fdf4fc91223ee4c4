package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/meow-io/go-courier/ids"
	"github.com/spf13/viper"
)

type fileConfig struct {
	Debug   bool   `mapstructure:"debug"`
	RootDir string `mapstructure:"root_dir"`
	Local   struct {
		ID          string `mapstructure:"id"`
		Device      uint32 `mapstructure:"device"`
		MultiDevice bool   `mapstructure:"multi_device"`
	} `mapstructure:"local"`
	Transport struct {
		PipeURL             string  `mapstructure:"pipe_url"`
		ServiceURL          string  `mapstructure:"service_url"`
		SignalingKey        string  `mapstructure:"signaling_key"`
		KeepaliveIntervalMs int64   `mapstructure:"keepalive_interval_ms"`
		ReadTimeoutMs       int64   `mapstructure:"read_timeout_ms"`
		RequestTimeoutMs    int64   `mapstructure:"request_timeout_ms"`
		PollIntervalMs      int64   `mapstructure:"poll_interval_ms"`
		PollRatePerSec      float64 `mapstructure:"poll_rate_per_sec"`
		ReconnectMaxMs      int64   `mapstructure:"reconnect_max_ms"`
	} `mapstructure:"transport"`
	Jobs struct {
		Workers            int    `mapstructure:"workers"`
		SendMaxAttempts    uint32 `mapstructure:"send_max_attempts"`
		ReceiptMaxAttempts uint32 `mapstructure:"receipt_max_attempts"`
		RetryInitialMs     int64  `mapstructure:"retry_initial_ms"`
		RetryMaxMs         int64  `mapstructure:"retry_max_ms"`
	} `mapstructure:"jobs"`
	Prekeys struct {
		Minimum   int `mapstructure:"minimum"`
		BatchSize int `mapstructure:"batch_size"`
	} `mapstructure:"prekeys"`
}

// Load reads a yaml config file, with COURIER_* environment variables taking precedence over file values. Options
// passed in are applied last.
func Load(path string, opts ...Option) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	v.SetEnvPrefix("courier")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := NewConfig()
	// every key needs a default so environment overrides are visible to Unmarshal
	v.SetDefault("debug", false)
	v.SetDefault("local.id", "")
	v.SetDefault("local.multi_device", false)
	v.SetDefault("transport.pipe_url", "")
	v.SetDefault("transport.service_url", "")
	v.SetDefault("transport.signaling_key", "")
	v.SetDefault("root_dir", defaults.RootDir)
	v.SetDefault("local.device", defaults.LocalDevice)
	v.SetDefault("transport.keepalive_interval_ms", defaults.KeepaliveIntervalMs)
	v.SetDefault("transport.read_timeout_ms", defaults.ReadTimeoutMs)
	v.SetDefault("transport.request_timeout_ms", defaults.RequestTimeoutMs)
	v.SetDefault("transport.poll_interval_ms", defaults.PollIntervalMs)
	v.SetDefault("transport.poll_rate_per_sec", defaults.PollRatePerSec)
	v.SetDefault("transport.reconnect_max_ms", defaults.ReconnectMaxMs)
	v.SetDefault("jobs.workers", defaults.JobWorkers)
	v.SetDefault("jobs.send_max_attempts", defaults.SendMaxAttempts)
	v.SetDefault("jobs.receipt_max_attempts", defaults.ReceiptMaxAttempts)
	v.SetDefault("jobs.retry_initial_ms", defaults.RetryInitialMs)
	v.SetDefault("jobs.retry_max_ms", defaults.RetryMaxMs)
	v.SetDefault("prekeys.minimum", defaults.PrekeyMinimum)
	v.SetDefault("prekeys.batch_size", defaults.PrekeyBatchSize)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	var localID ids.ID
	if fc.Local.ID != "" {
		id, err := ids.ParseHex(fc.Local.ID)
		if err != nil {
			return nil, fmt.Errorf("config: local.id: %w", err)
		}
		localID = id
	}
	var signalingKey []byte
	if fc.Transport.SignalingKey != "" {
		k, err := hex.DecodeString(fc.Transport.SignalingKey)
		if err != nil {
			return nil, fmt.Errorf("config: transport.signaling_key: %w", err)
		}
		if len(k) != 32 {
			return nil, fmt.Errorf("config: transport.signaling_key must be 32 bytes, got %d", len(k))
		}
		signalingKey = k
	}

	fileOpts := []Option{
		WithDebug(fc.Debug || defaults.Debug),
		WithRootDir(fc.RootDir),
		WithLocalAddress(localID, fc.Local.Device),
		WithMultiDevice(fc.Local.MultiDevice),
		WithPipeURL(fc.Transport.PipeURL),
		WithServiceURL(fc.Transport.ServiceURL),
		WithSignalingKey(signalingKey),
		WithKeepaliveIntervalMs(fc.Transport.KeepaliveIntervalMs),
		WithReadTimeoutMs(fc.Transport.ReadTimeoutMs),
		WithRequestTimeoutMs(fc.Transport.RequestTimeoutMs),
		WithPollIntervalMs(fc.Transport.PollIntervalMs),
		func(c *Config) { c.PollRatePerSec = fc.Transport.PollRatePerSec },
		WithReconnectMaxMs(fc.Transport.ReconnectMaxMs),
		WithJobWorkers(fc.Jobs.Workers),
		WithSendMaxAttempts(fc.Jobs.SendMaxAttempts),
		WithReceiptMaxAttempts(fc.Jobs.ReceiptMaxAttempts),
		WithRetryIntervalsMs(fc.Jobs.RetryInitialMs, fc.Jobs.RetryMaxMs),
		WithPrekeyLimits(fc.Prekeys.Minimum, fc.Prekeys.BatchSize),
	}
	return NewConfig(append(fileOpts, opts...)...), nil
}
