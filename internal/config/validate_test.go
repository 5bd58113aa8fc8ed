package config

import (
	"fmt"
	"testing"
)

func TestValidateTieredInvalidPortIsFatal(t *testing.T) {
	cfg := Default()
	cfg.ControlChannelPort = 0

	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("expected fatal for invalid port")
	}
}

func TestValidateTieredBadIceSchemeIsFatal(t *testing.T) {
	cfg := Default()
	cfg.IceServers = []IceServer{{URLs: []string{"https://example.com"}}}

	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("expected fatal for non-ice scheme url")
	}
}

func TestValidateTieredEmptyIceURLsIsFatal(t *testing.T) {
	cfg := Default()
	cfg.IceServers = []IceServer{{URLs: nil}}

	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("expected fatal for ice server with no urls")
	}
}

func TestValidateTieredConcurrencyClamping(t *testing.T) {
	cfg := Default()
	cfg.MaxConcurrentCommands = 0
	cfg.CommandQueueSize = 0

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped concurrency should be warning: %v", result.Fatals)
	}
	if cfg.MaxConcurrentCommands != 1 {
		t.Fatalf("expected clamp to 1, got %d", cfg.MaxConcurrentCommands)
	}
	if cfg.CommandQueueSize != 1 {
		t.Fatalf("expected clamp to 1, got %d", cfg.CommandQueueSize)
	}
}

func TestValidateTieredUnknownLogLevelIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("unknown log level should be warning, not fatal: %v", result.Fatals)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected fallback to info, got %q", cfg.LogLevel)
	}
}

func TestValidateTieredInvalidLogFormatIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "xml"

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("invalid log format should be warning, not fatal: %v", result.Fatals)
	}
	if cfg.LogFormat != "text" {
		t.Fatalf("expected fallback to text, got %q", cfg.LogFormat)
	}
}

func TestValidateTieredTeardownClamping(t *testing.T) {
	cfg := Default()
	cfg.TeardownTimeoutSeconds = 999

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped teardown timeout should be warning: %v", result.Fatals)
	}
	if cfg.TeardownTimeoutSeconds != 30 {
		t.Fatalf("expected clamp to 30, got %d", cfg.TeardownTimeoutSeconds)
	}
}

func TestHasFatals(t *testing.T) {
	r := &Result{}
	if r.HasFatals() {
		t.Fatal("HasFatals() on empty result should be false")
	}
	r.Fatals = append(r.Fatals, fmt.Errorf("test error"))
	if !r.HasFatals() {
		t.Fatal("HasFatals() should be true with a fatal error")
	}
}

func TestValidateTieredDefaultConfigHasNoFatals(t *testing.T) {
	cfg := Default()
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("default config has fatals: %v", result.Fatals)
	}
}
