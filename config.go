package chunkstore

import (
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/cqkv/chunkstore/disk"
)

// Config holds every configuration knob enumerated in spec.md §6.4.
// Constructed with NewConfig(opts...), validated once in Open.
type Config struct {
	BackupDir string

	HarddriveAccess disk.Mode
	RawDevicePath   string

	UseChecksums  bool
	UseTimestamps bool

	FlashPageSize          int
	LogSegmentSize         int64
	PrimaryLogSize         int64
	WriteBufferSize        int
	SecondaryLogBufferSize int

	UtilizationActivateReorganization float64
	UtilizationPromptReorganization   float64
	ColdDataThresholdSec              uint32

	// BufferPoolSize is the number of segment-sized buffers kept in the
	// bounded pool (SPEC_FULL.md Part D: the §9 BufferPool-capacity open
	// question, resolved as an explicit required knob rather than an
	// inferred default).
	BufferPoolSize int

	// RecoveryWorkers is the worker count for recover_backup_range's
	// parallel scan (spec.md §4.6 step 2, "count ≈ available cores").
	RecoveryWorkers int

	// ReorgSurveyInterval is how often the reorganization worker re-checks
	// every registered log's utilization against ActivateUtilization.
	ReorgSurveyInterval time.Duration

	// FlushInterval bounds how long a write can sit in the write buffer
	// before the drainer flushes it regardless of watermark (spec.md §4.1
	// condition (b), generalized to a timer so sub-watermark workloads
	// still make bounded-latency progress).
	FlushInterval time.Duration

	Logger *log.Logger
}

func defaultConfig() Config {
	return Config{
		HarddriveAccess:                   disk.Buffered,
		FlashPageSize:                     disk.DefaultPageSize,
		LogSegmentSize:                    8 << 20,
		PrimaryLogSize:                    256 << 20,
		WriteBufferSize:                   32 << 20,
		SecondaryLogBufferSize:            128 << 10,
		UtilizationActivateReorganization: 0.60,
		UtilizationPromptReorganization:   0.75,
		ColdDataThresholdSec:              9000,
		BufferPoolSize:                    8,
		RecoveryWorkers:                   runtime.NumCPU(),
		ReorgSurveyInterval:               5 * time.Second,
		FlushInterval:                     50 * time.Millisecond,
		Logger:                            log.Default(),
	}
}

// validate enforces spec.md §6.4's size constraints.
func (c Config) validate() error {
	if c.BackupDir == "" {
		return fmt.Errorf("%w: backup dir is required", ErrInvalidConfig)
	}
	switch c.HarddriveAccess {
	case disk.Buffered, disk.Direct, disk.Raw:
	default:
		return fmt.Errorf("%w: unknown harddrive_access %q", ErrInvalidConfig, c.HarddriveAccess)
	}
	if c.HarddriveAccess == disk.Raw && c.RawDevicePath == "" {
		return fmt.Errorf("%w: raw_device_path is required for raw access", ErrInvalidConfig)
	}
	if c.FlashPageSize <= 0 {
		return fmt.Errorf("%w: flash_page_size must be positive", ErrInvalidConfig)
	}

	sizes := map[string]int64{
		"primary_log_size":          c.PrimaryLogSize,
		"log_segment_size":          c.LogSegmentSize,
		"write_buffer_size":         int64(c.WriteBufferSize),
		"secondary_log_buffer_size": int64(c.SecondaryLogBufferSize),
	}
	page := int64(c.FlashPageSize)
	for name, size := range sizes {
		if size <= page {
			return fmt.Errorf("%w: %s must be greater than flash_page_size", ErrInvalidConfig, name)
		}
		if size%page != 0 {
			return fmt.Errorf("%w: %s must be a multiple of flash_page_size", ErrInvalidConfig, name)
		}
	}

	seg := c.LogSegmentSize
	for _, name := range []string{"primary_log_size", "write_buffer_size"} {
		if sizes[name]%seg != 0 {
			return fmt.Errorf("%w: %s must be a multiple of log_segment_size", ErrInvalidConfig, name)
		}
	}
	if int64(c.SecondaryLogBufferSize) > seg {
		return fmt.Errorf("%w: secondary_log_buffer_size must not exceed log_segment_size", ErrInvalidConfig)
	}

	if c.BufferPoolSize <= 0 {
		return fmt.Errorf("%w: buffer pool size must be positive", ErrInvalidConfig)
	}
	if c.UtilizationActivateReorganization <= 0 || c.UtilizationActivateReorganization >= 1 {
		return fmt.Errorf("%w: utilization_activate_reorganization must be in (0,1)", ErrInvalidConfig)
	}
	if c.UtilizationPromptReorganization <= c.UtilizationActivateReorganization || c.UtilizationPromptReorganization >= 1 {
		return fmt.Errorf("%w: utilization_prompt_reorganization must exceed the activate threshold and be below 1", ErrInvalidConfig)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("%w: flush_interval must be positive", ErrInvalidConfig)
	}
	if c.ReorgSurveyInterval <= 0 {
		return fmt.Errorf("%w: reorg_survey_interval must be positive", ErrInvalidConfig)
	}
	if c.RecoveryWorkers <= 0 {
		return fmt.Errorf("%w: recovery_workers must be positive", ErrInvalidConfig)
	}
	return nil
}
