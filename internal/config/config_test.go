package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	if cfg.App.Name != "shelfwatch" {
		t.Fatalf("unexpected app name %s", cfg.App.Name)
	}
	if cfg.Scheduler.Interval != 24*time.Hour {
		t.Fatalf("default interval should be 24h, got %s", cfg.Scheduler.Interval)
	}
	if cfg.Aggregation.LookbackDays != 14 {
		t.Fatalf("default lookback should be 14, got %d", cfg.Aggregation.LookbackDays)
	}
	if cfg.Thresholds.PriceSpikeMedium != 15 || cfg.Thresholds.PriceSpikeHigh != 30 {
		t.Fatalf("unexpected spike thresholds: %+v", cfg.Thresholds)
	}
	if cfg.Cache.SummaryFresh != 24*time.Hour || cfg.Cache.SummaryHard != 48*time.Hour {
		t.Fatalf("unexpected summary TTLs: %+v", cfg.Cache)
	}
	if cfg.Cache.CompareFresh != 12*time.Hour || cfg.Cache.CompareHard != 24*time.Hour {
		t.Fatalf("unexpected compare TTLs: %+v", cfg.Cache)
	}
}

func TestLoadFromFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte("scheduler:\n  interval: 6h\nthresholds:\n  rating_drop: 0.5\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("SHELFWATCH_AGGREGATION_WORKERS", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Scheduler.Interval != 6*time.Hour {
		t.Fatalf("file value should win over default, got %s", cfg.Scheduler.Interval)
	}
	if cfg.Thresholds.RatingDrop != 0.5 {
		t.Fatalf("rating drop should be 0.5, got %v", cfg.Thresholds.RatingDrop)
	}
	if cfg.Aggregation.Workers != 3 {
		t.Fatalf("env value should win, got %d", cfg.Aggregation.Workers)
	}
}

func TestValidateRejectsBrokenThresholds(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	cfg.Thresholds.PriceSpikeHigh = 10 // below medium
	if err := cfg.Validate(); err == nil {
		t.Fatal("inverted spike tiers must fail validation")
	}

	cfg, _ = Load("")
	cfg.Thresholds.RatingDrop = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero rating threshold must fail validation")
	}

	cfg, _ = Load("")
	cfg.Thresholds.CategoryOverride = map[string]float64{"books": -1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("negative category override must fail validation")
	}
}

func TestValidateRejectsInvertedTTLs(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	cfg.Cache.SummaryHard = cfg.Cache.SummaryFresh - time.Hour
	if err := cfg.Validate(); err == nil {
		t.Fatal("hard expiry shorter than fresh window must fail validation")
	}
}

func TestValidateAlertingSinkRequired(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	cfg.Alerting.Enabled = true
	cfg.Alerting.Channel = ""
	cfg.Alerting.WebhookURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("alerting without any sink must fail validation")
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if got := cfg.ResolveMaxPoints(0); got != cfg.Export.MaxDataPoints {
		t.Fatalf("zero override should fall back to config, got %d", got)
	}
	if got := cfg.ResolveMaxPoints(42); got != 42 {
		t.Fatalf("override should win, got %d", got)
	}
}
