package config

import (
	"fmt"
	"strconv"
	"time"
)

const (
	MinConcurrent = 1
	MaxConcurrent = 256
	MaxQueueSize  = 10000

	maxWallTimeout = 5 * time.Minute
	maxOutputBytes = 16 * 1024 * 1024
)

// Validate checks the loaded configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.validateScheduler(); err != nil {
		return fmt.Errorf("scheduler config: %w", err)
	}
	if err := c.validateSandbox(); err != nil {
		return fmt.Errorf("sandbox config: %w", err)
	}
	if err := c.validateLimits(); err != nil {
		return fmt.Errorf("limits config: %w", err)
	}
	switch c.Journal.Driver {
	case "", "none", "sqlite", "postgres":
	default:
		return fmt.Errorf("journal config: unknown driver %q (want none, sqlite or postgres)", c.Journal.Driver)
	}
	return nil
}

func (c *Config) validateServer() error {
	port, err := strconv.Atoi(c.Server.Port)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %q (must be 1-65535)", c.Server.Port)
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("invalid mode %q (must be debug, release or test)", c.Server.Mode)
	}
	if len(c.Server.AllowedOrigins) == 0 {
		return fmt.Errorf("allowed_origins must not be empty")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive, got %d", c.Server.MaxBodyBytes)
	}
	return nil
}

func (c *Config) validateScheduler() error {
	s := c.Scheduler
	if s.MaxConcurrent < MinConcurrent || s.MaxConcurrent > MaxConcurrent {
		return fmt.Errorf("max_concurrent %d out of range (%d-%d)", s.MaxConcurrent, MinConcurrent, MaxConcurrent)
	}
	if s.QueueSize < 0 || s.QueueSize > MaxQueueSize {
		return fmt.Errorf("queue_size %d out of range (0-%d)", s.QueueSize, MaxQueueSize)
	}
	if s.QueueTimeout <= 0 {
		return fmt.Errorf("queue_timeout must be positive, got %s", s.QueueTimeout)
	}
	if s.Grace < 0 {
		return fmt.Errorf("grace must not be negative, got %s", s.Grace)
	}
	return nil
}

func (c *Config) validateSandbox() error {
	switch c.Sandbox.Driver {
	case "process", "nsjail", "docker":
	default:
		return fmt.Errorf("unknown driver %q (want process, nsjail or docker)", c.Sandbox.Driver)
	}
	if c.Sandbox.Driver == "nsjail" && c.Sandbox.NsJailPath == "" {
		return fmt.Errorf("nsjail_path is required for the nsjail driver")
	}
	if c.Sandbox.Driver == "process" && !c.Sandbox.IsolateNamespaces && !c.Sandbox.AllowUnconfined {
		return fmt.Errorf("process driver without isolate_namespaces leaves the host filesystem exposed; set allow_unconfined to run it anyway")
	}
	return nil
}

func (c *Config) validateLimits() error {
	l := c.Limits
	if l.WallTimeout <= 0 || l.WallTimeout > maxWallTimeout {
		return fmt.Errorf("wall_timeout %s out of range (0-%s]", l.WallTimeout, maxWallTimeout)
	}
	if l.CompileTimeout <= 0 || l.CompileTimeout > maxWallTimeout {
		return fmt.Errorf("compile_timeout %s out of range (0-%s]", l.CompileTimeout, maxWallTimeout)
	}
	if l.CPUTime < 0 {
		return fmt.Errorf("cpu_time must not be negative, got %s", l.CPUTime)
	}
	if l.MemoryMB < 0 {
		return fmt.Errorf("memory_mb must not be negative, got %d", l.MemoryMB)
	}
	if l.OutputBytes <= 0 || l.OutputBytes > maxOutputBytes {
		return fmt.Errorf("output_bytes %d out of range (1-%d)", l.OutputBytes, maxOutputBytes)
	}
	if l.MaxProcesses < 0 || l.FileSizeMB < 0 {
		return fmt.Errorf("max_processes and file_size_mb must not be negative")
	}
	return nil
}
