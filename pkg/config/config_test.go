package config

import (
	"reflect"
	"testing"
	"time"

	"busjourneys/pkg/store"
)

var allKeys = []string{
	"DATABASE_URL", "DB_MAX_CONNS", "BODS_API_KEY", "BODS_OPERATOR_REF", "BODS_INTERVAL",
	"CHUNK_HOURS", "WORKERS", "MIN_PINGS", "STATIONARY_MPH", "CONFLICT_POLICY",
	"DETAILED_DAYS", "SUMMARY_DAYS", "S3_BUCKET", "S3_ARCHIVE_BUCKET", "S3_ENDPOINT",
	"S3_REGION", "S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY", "REDIS_URL",
	"LOKI_URL", "LOKI_USER", "LOKI_PASSWORD",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range allKeys {
		t.Setenv(key, "")
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_CONFIG_VAR", "")
	if got := getEnv("TEST_CONFIG_VAR", "default"); got != "default" {
		t.Errorf("getEnv() = %q, want %q", got, "default")
	}

	t.Setenv("TEST_CONFIG_VAR", "custom")
	if got := getEnv("TEST_CONFIG_VAR", "default"); got != "custom" {
		t.Errorf("getEnv() = %q, want %q", got, "custom")
	}
}

func TestGetIntEnv(t *testing.T) {
	t.Run("fallback when unset", func(t *testing.T) {
		t.Setenv("TEST_INT_VAR", "")
		got, err := getIntEnv("TEST_INT_VAR", 4)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != 4 {
			t.Errorf("getIntEnv() = %d, want %d", got, 4)
		}
	})

	t.Run("parses valid int", func(t *testing.T) {
		t.Setenv("TEST_INT_VAR", "12")
		got, err := getIntEnv("TEST_INT_VAR", 4)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != 12 {
			t.Errorf("getIntEnv() = %d, want %d", got, 12)
		}
	})

	t.Run("error on invalid int", func(t *testing.T) {
		t.Setenv("TEST_INT_VAR", "not_int")
		if _, err := getIntEnv("TEST_INT_VAR", 4); err == nil {
			t.Error("expected error for invalid int value")
		}
	})
}

func TestGetFloatAndDurationEnv(t *testing.T) {
	t.Setenv("TEST_FLOAT_VAR", "2.5")
	if got, err := getFloatEnv("TEST_FLOAT_VAR", 1); err != nil || got != 2.5 {
		t.Errorf("getFloatEnv() = %v, %v", got, err)
	}
	t.Setenv("TEST_FLOAT_VAR", "fast")
	if _, err := getFloatEnv("TEST_FLOAT_VAR", 1); err == nil {
		t.Error("expected error for invalid float value")
	}

	t.Setenv("TEST_DURATION_VAR", "45s")
	if got, err := getDurationEnv("TEST_DURATION_VAR", time.Second); err != nil || got != 45*time.Second {
		t.Errorf("getDurationEnv() = %v, %v", got, err)
	}
	t.Setenv("TEST_DURATION_VAR", "45")
	if _, err := getDurationEnv("TEST_DURATION_VAR", time.Second); err == nil {
		t.Error("expected error for duration without unit")
	}
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"FBRI", []string{"FBRI"}},
		{"FBRI, SCGL ,", []string{"FBRI", "SCGL"}},
		{"", nil},
	}
	for _, tt := range tests {
		if got := SplitList(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SplitList(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.Database.MaxConns != 5 {
		t.Errorf("Database.MaxConns = %d, want 5", cfg.Database.MaxConns)
	}
	if cfg.BODS.Interval != 30*time.Second {
		t.Errorf("BODS.Interval = %v, want 30s", cfg.BODS.Interval)
	}
	if cfg.Pipeline.ChunkSize() != time.Hour {
		t.Errorf("Pipeline.ChunkSize() = %v, want 1h", cfg.Pipeline.ChunkSize())
	}
	if cfg.Pipeline.MinPings != 2 || cfg.Pipeline.StationaryMPH != 1.0 {
		t.Errorf("Pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.ConflictPolicy != store.KeepExisting {
		t.Errorf("ConflictPolicy = %q, want keep-existing", cfg.Pipeline.ConflictPolicy)
	}
	if cfg.Report.DetailedDays != 7 || cfg.Report.SummaryDays != 30 {
		t.Errorf("Report = %+v", cfg.Report)
	}
	if cfg.S3.Region != "auto" {
		t.Errorf("S3.Region = %q, want auto", cfg.S3.Region)
	}
	if cfg.Redis.URL != "" || cfg.Loki.URL != "" {
		t.Errorf("Optional sinks should be disabled by default")
	}
}

func TestLoadConfigCustom(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHUNK_HOURS", "6")
	t.Setenv("WORKERS", "8")
	t.Setenv("CONFLICT_POLICY", "prefer-more-pings")
	t.Setenv("BODS_OPERATOR_REF", "FBRI,SCGL")
	t.Setenv("S3_BUCKET", "reports")
	t.Setenv("STATIONARY_MPH", "0")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.Pipeline.ChunkSize() != 6*time.Hour {
		t.Errorf("Pipeline.ChunkSize() = %v, want 6h", cfg.Pipeline.ChunkSize())
	}
	if cfg.Pipeline.StationaryMPH != 0 {
		t.Errorf("Pipeline.StationaryMPH = %v, want 0", cfg.Pipeline.StationaryMPH)
	}
	if cfg.Pipeline.Workers != 8 {
		t.Errorf("Pipeline.Workers = %d, want 8", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.ConflictPolicy != store.PreferMorePings {
		t.Errorf("ConflictPolicy = %q", cfg.Pipeline.ConflictPolicy)
	}
	if !reflect.DeepEqual(cfg.BODS.OperatorRefs, []string{"FBRI", "SCGL"}) {
		t.Errorf("OperatorRefs = %v", cfg.BODS.OperatorRefs)
	}
	if cfg.S3.ArchiveBucket != "reports" {
		t.Errorf("ArchiveBucket should fall back to S3_BUCKET, got %q", cfg.S3.ArchiveBucket)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := map[string]string{
		"DB_MAX_CONNS":    "many",
		"BODS_INTERVAL":   "soon",
		"CHUNK_HOURS":     "1.5",
		"STATIONARY_MPH":  "slow",
		"CONFLICT_POLICY": "overwrite",
		"SUMMARY_DAYS":    "month",
	}

	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			if _, err := LoadConfig(); err == nil {
				t.Errorf("expected error for invalid %s", key)
			}
		})
	}
}
