package config

import (
	"fmt"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Result holds the two severities validation errors can carry: a Fatal
// blocks startup, a Warning is logged and the value is used as-is or
// clamped to a safe default.
type Result struct {
	Fatals   []error
	Warnings []error
}

func (r *Result) HasFatals() bool {
	return len(r.Fatals) > 0
}

func (r *Result) fatal(format string, args ...any) {
	r.Fatals = append(r.Fatals, fmt.Errorf(format, args...))
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Errorf(format, args...))
}

// ValidateTiered checks the config for invalid values. Fatal errors (a
// malformed ICE server URL, an ICE server entry with no URLs, an
// out-of-range control-channel port, an empty control-channel host)
// block startup. Everything else is clamped to a safe value and logged as a
// warning by the caller.
func (c *Config) ValidateTiered() *Result {
	r := &Result{}

	if c.ControlChannelPort <= 0 || c.ControlChannelPort > 65535 {
		r.fatal("control_channel_port %d is not a valid TCP port", c.ControlChannelPort)
	}

	if c.ControlChannelHost == "" {
		r.fatal("control_channel_host must not be empty")
	}

	for _, server := range c.IceServers {
		if len(server.URLs) == 0 {
			r.fatal("ice server entry has no urls")
			continue
		}
		for _, u := range server.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				r.fatal("ice server url %q must use stun:, turn:, or turns: scheme", u)
			}
		}
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.warn("log_level %q is not valid (use debug, info, warn, error), defaulting to info", c.LogLevel)
		c.LogLevel = "info"
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.warn("log_format %q is not valid (use text or json), defaulting to text", c.LogFormat)
		c.LogFormat = "text"
	}

	if c.MaxConcurrentCommands < 1 {
		r.warn("max_concurrent_commands %d is below minimum 1, clamping", c.MaxConcurrentCommands)
		c.MaxConcurrentCommands = 1
	} else if c.MaxConcurrentCommands > 64 {
		r.warn("max_concurrent_commands %d exceeds maximum 64, clamping", c.MaxConcurrentCommands)
		c.MaxConcurrentCommands = 64
	}

	if c.CommandQueueSize < 1 {
		r.warn("command_queue_size %d is below minimum 1, clamping", c.CommandQueueSize)
		c.CommandQueueSize = 1
	} else if c.CommandQueueSize > 10000 {
		r.warn("command_queue_size %d exceeds maximum 10000, clamping", c.CommandQueueSize)
		c.CommandQueueSize = 10000
	}

	if c.ThumbnailIntervalSeconds < 30 {
		r.warn("thumbnail_interval_seconds %d is below minimum 30, clamping", c.ThumbnailIntervalSeconds)
		c.ThumbnailIntervalSeconds = 30
	}

	if c.TeardownTimeoutSeconds < 1 {
		r.warn("teardown_timeout_seconds %d is below minimum 1, clamping", c.TeardownTimeoutSeconds)
		c.TeardownTimeoutSeconds = 1
	} else if c.TeardownTimeoutSeconds > 30 {
		r.warn("teardown_timeout_seconds %d exceeds maximum 30, clamping", c.TeardownTimeoutSeconds)
		c.TeardownTimeoutSeconds = 30
	}

	return r
}
