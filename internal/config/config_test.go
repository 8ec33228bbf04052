package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	if cfg.Server.EdgeAddr == cfg.Server.AdminAddr {
		t.Error("edge and admin listeners share an address")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad edge addr", func(c *Config) { c.Server.EdgeAddr = "not an addr" }},
		{"bad log level", func(c *Config) { c.Server.LogLevel = "loud" }},
		{"bad eval timeout", func(c *Config) { c.Server.EvalTimeout = "sometime" }},
		{"negative eval timeout", func(c *Config) { c.Server.EvalTimeout = "-5ms" }},
		{"missing data dir", func(c *Config) { c.Data.Dir = "" }},
		{"zero retention", func(c *Config) { c.Audit.RetentionDays = -1 }},
		{"tiny event buffer", func(c *Config) { c.Events.BufferSize = 4 }},
		{"bad origin url", func(c *Config) { c.Origins = map[string]string{"api": "not a url"} }},
		{"same listeners", func(c *Config) { c.Server.AdminAddr = c.Server.EdgeAddr }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestParsedEvalTimeout(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
	}{
		{"", 150 * time.Millisecond},
		{"2s", 2 * time.Second},
		{"junk", 150 * time.Millisecond},
		{"-1s", 150 * time.Millisecond},
	}
	for _, tc := range cases {
		cfg := Default()
		cfg.Server.EvalTimeout = tc.raw
		if got := cfg.ParsedEvalTimeout(); got != tc.want {
			t.Errorf("ParsedEvalTimeout(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hostwaf.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("write default: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	content := string(b)
	if !strings.HasPrefix(content, "#") {
		t.Error("no comment header")
	}
	if !strings.Contains(content, "edge_addr") || !strings.Contains(content, "buffer_size") {
		t.Errorf("starter config missing fields:\n%s", content)
	}

	// Refuses to overwrite.
	if err := WriteDefault(path); err == nil {
		t.Error("overwrote an existing config file")
	}
}
