// This package defines a common config struct which can be used by any subsystem within courier.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/meow-io/go-courier/ids"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug         bool
	RootDir       string
	LoggingPrefix string

	LocalID     ids.ID
	LocalDevice uint32
	MultiDevice bool

	PipeURL             string
	ServiceURL          string
	SignalingKey        []byte
	KeepaliveIntervalMs int64
	ReadTimeoutMs       int64
	RequestTimeoutMs    int64
	PollIntervalMs      int64
	PollRatePerSec      float64
	ReconnectMaxMs      int64

	JobWorkers         int
	SendMaxAttempts    uint32
	ReceiptMaxAttempts uint32
	RetryInitialMs     int64
	RetryMaxMs         int64

	PrekeyMinimum   int
	PrekeyBatchSize int

	writer io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	return logger.Sugar()
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

func (c Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveIntervalMs) * time.Millisecond
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c Config) LocalAddress() ids.Address {
	return ids.Address{ID: c.LocalID, Device: c.LocalDevice}
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithLocalAddress(id ids.ID, device uint32) Option {
	return func(c *Config) {
		c.LocalID = id
		c.LocalDevice = device
	}
}

func WithMultiDevice(m bool) Option {
	return func(c *Config) {
		c.MultiDevice = m
	}
}

func WithPipeURL(u string) Option {
	return func(c *Config) {
		c.PipeURL = u
	}
}

func WithServiceURL(u string) Option {
	return func(c *Config) {
		c.ServiceURL = u
	}
}

func WithSignalingKey(k []byte) Option {
	return func(c *Config) {
		c.SignalingKey = k
	}
}

func WithKeepaliveIntervalMs(n int64) Option {
	return func(c *Config) {
		c.KeepaliveIntervalMs = n
	}
}

func WithReadTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.ReadTimeoutMs = n
	}
}

func WithRequestTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.RequestTimeoutMs = n
	}
}

func WithPollIntervalMs(n int64) Option {
	return func(c *Config) {
		c.PollIntervalMs = n
	}
}

// WithReconnectMaxMs caps the backoff between pipe reconnects.
func WithReconnectMaxMs(n int64) Option {
	return func(c *Config) {
		c.ReconnectMaxMs = n
	}
}

func WithJobWorkers(n int) Option {
	return func(c *Config) {
		c.JobWorkers = n
	}
}

func WithSendMaxAttempts(n uint32) Option {
	return func(c *Config) {
		c.SendMaxAttempts = n
	}
}

func WithReceiptMaxAttempts(n uint32) Option {
	return func(c *Config) {
		c.ReceiptMaxAttempts = n
	}
}

func WithRetryIntervalsMs(initial, max int64) Option {
	return func(c *Config) {
		c.RetryInitialMs = initial
		c.RetryMaxMs = max
	}
}

func WithPrekeyLimits(minimum, batch int) Option {
	return func(c *Config) {
		c.PrekeyMinimum = minimum
		c.PrekeyBatchSize = batch
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:         os.Getenv("DEBUG") == "1",
		LoggingPrefix: "",
		RootDir:       ".",

		LocalDevice: 1,

		KeepaliveIntervalMs: 55000,
		ReadTimeoutMs:       60000,
		RequestTimeoutMs:    10000,
		PollIntervalMs:      30000,
		PollRatePerSec:      2,
		ReconnectMaxMs:      60000,

		JobWorkers:         4,
		SendMaxAttempts:    10,
		ReceiptMaxAttempts: 5,
		RetryInitialMs:     500,
		RetryMaxMs:         60000,

		PrekeyMinimum:   10,
		PrekeyBatchSize: 100,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}
