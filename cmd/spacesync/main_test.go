package main

import (
	"testing"
	"time"
)

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("SPACESYNC_TEST_STR", "  value  ")
	if got := envOrDefault("SPACESYNC_TEST_STR", "fallback"); got != "value" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
	if got := envOrDefault("SPACESYNC_TEST_STR_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
}

func TestDSNScheme(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"memory://", "memory"},
		{"mem://", "memory"},
		{"file:///tmp/state.json", "file"},
		{"sqlite:///tmp/space.db", "sqlite"},
		{"sqlite3:///tmp/space.db", "sqlite"},
		{"postgres://localhost/spacesync", "postgres"},
		{"postgresql://localhost/spacesync", "postgres"},
		{"", "memory"},
	}
	for _, tt := range tests {
		if got := dsnScheme(tt.dsn); got != tt.want {
			t.Fatalf("dsnScheme(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}
