package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.PointsPerMinute != 8 {
		t.Errorf("PointsPerMinute = %d, want 8", cfg.PointsPerMinute)
	}
	if cfg.MaxDuration != 10*time.Minute {
		t.Errorf("MaxDuration = %s, want 10m", cfg.MaxDuration)
	}
	if cfg.ResumptionWindow != 30*time.Second {
		t.Errorf("ResumptionWindow = %s, want 30s", cfg.ResumptionWindow)
	}
	if cfg.SummaryProvider != "gemini" {
		t.Errorf("SummaryProvider = %q, want gemini", cfg.SummaryProvider)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("COACH_POINTS_PER_MINUTE", "12")
	t.Setenv("COACH_MAX_DURATION", "5m")
	t.Setenv("COACH_SUMMARY_PROVIDER", "OpenAI")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.PointsPerMinute != 12 {
		t.Errorf("PointsPerMinute = %d, want 12", cfg.PointsPerMinute)
	}
	if cfg.MaxDuration != 5*time.Minute {
		t.Errorf("MaxDuration = %s, want 5m", cfg.MaxDuration)
	}
	if cfg.SummaryProvider != "openai" {
		t.Errorf("SummaryProvider = %q, want openai", cfg.SummaryProvider)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		frag  string
	}{
		{"zero points", "COACH_POINTS_PER_MINUTE", "0", "COACH_POINTS_PER_MINUTE"},
		{"tiny max duration", "COACH_MAX_DURATION", "30s", "COACH_MAX_DURATION"},
		{"unknown summarizer", "COACH_SUMMARY_PROVIDER", "anthropic", "COACH_SUMMARY_PROVIDER"},
		{"bad poor streak", "COACH_POOR_STREAK", "0", "COACH_POOR_STREAK"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.frag) {
				t.Errorf("error %q does not mention %q", err, tt.frag)
			}
		})
	}
}

func TestLoadIgnoresMalformedOptional(t *testing.T) {
	t.Setenv("COACH_LEDGER_TIMEOUT", "not-a-duration")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.LedgerTimeout != 10*time.Second {
		t.Errorf("LedgerTimeout = %s, want default 10s", cfg.LedgerTimeout)
	}
}
