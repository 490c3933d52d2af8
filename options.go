package chunkstore

import (
	"log"
	"time"

	"github.com/cqkv/chunkstore/disk"
)

// Option mutates a Config at construction time (teacher's options.go
// WithDirPath/WithDataFileSize/WithCodec pattern, generalized to this
// engine's larger knob set).
type Option func(*Config)

func WithBackupDir(dir string) Option {
	return func(c *Config) { c.BackupDir = dir }
}

func WithHarddriveAccess(mode disk.Mode) Option {
	return func(c *Config) { c.HarddriveAccess = mode }
}

func WithRawDevicePath(path string) Option {
	return func(c *Config) { c.RawDevicePath = path }
}

func WithChecksums(enabled bool) Option {
	return func(c *Config) { c.UseChecksums = enabled }
}

func WithTimestamps(enabled bool) Option {
	return func(c *Config) { c.UseTimestamps = enabled }
}

func WithFlashPageSize(n int) Option {
	return func(c *Config) { c.FlashPageSize = n }
}

func WithLogSegmentSize(n int64) Option {
	return func(c *Config) { c.LogSegmentSize = n }
}

func WithPrimaryLogSize(n int64) Option {
	return func(c *Config) { c.PrimaryLogSize = n }
}

func WithWriteBufferSize(n int) Option {
	return func(c *Config) { c.WriteBufferSize = n }
}

func WithSecondaryLogBufferSize(n int) Option {
	return func(c *Config) { c.SecondaryLogBufferSize = n }
}

func WithUtilizationThresholds(activate, prompt float64) Option {
	return func(c *Config) {
		c.UtilizationActivateReorganization = activate
		c.UtilizationPromptReorganization = prompt
	}
}

func WithColdDataThreshold(seconds uint32) Option {
	return func(c *Config) { c.ColdDataThresholdSec = seconds }
}

func WithBufferPoolSize(n int) Option {
	return func(c *Config) { c.BufferPoolSize = n }
}

func WithRecoveryWorkers(n int) Option {
	return func(c *Config) { c.RecoveryWorkers = n }
}

func WithReorgSurveyInterval(d time.Duration) Option {
	return func(c *Config) { c.ReorgSurveyInterval = d }
}

func WithFlushInterval(d time.Duration) Option {
	return func(c *Config) { c.FlushInterval = d }
}

func WithLogger(logger *log.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// NewConfig builds a Config starting from the spec.md §6.4 defaults and
// applying opts in order.
func NewConfig(opts ...Option) Config {
	c := defaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
