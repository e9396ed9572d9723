package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Planner.PadMinutes != 10 || cfg.Solver.SlackSteps != 3 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ridepool.yaml")
	body := []byte("port: \"9000\"\nplanner:\n  minLeadMinutes: 45\njobs:\n  tourRetentionCount: 7\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RIDEPOOL_TOUR_RETENTION_COUNT", "3")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9000" {
		t.Fatalf("port from file: got %q", cfg.Port)
	}
	if cfg.Planner.MinLeadMinutes != 45 {
		t.Fatalf("minLead from file: got %d", cfg.Planner.MinLeadMinutes)
	}
	if cfg.Jobs.TourRetentionCount != 3 {
		t.Fatalf("env must override file: got %d", cfg.Jobs.TourRetentionCount)
	}
	if cfg.Planner.PadMinutes != 10 {
		t.Fatalf("unset keys keep defaults: got %d", cfg.Planner.PadMinutes)
	}
}

func TestValidateRejectsSlackSteps(t *testing.T) {
	cfg := Default()
	cfg.Solver.SlackSteps = 5
	if err := cfg.Validate(); err == nil {
		t.Fatalf("want error for 5 slack steps")
	}
}

func TestAuthModeFromEnv(t *testing.T) {
	t.Setenv("AUTH_MODE", "HMAC")
	if _, err := Load(""); err == nil {
		t.Fatal("hmac without secret must fail")
	}
	t.Setenv("AUTH_HMAC_SECRET", "s3cret")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AuthMode != "hmac" || cfg.AuthSecret != "s3cret" {
		t.Fatalf("auth %q %q", cfg.AuthMode, cfg.AuthSecret)
	}
}

func TestValidateAlternativeStepClearsWindow(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults: %v", err)
	}
	// pad 10 and arrival offset 5 give a 25 minute arrival window
	for _, step := range []int{20, 25} {
		cfg.Planner.AlternativeStepMinutes = step
		if err := cfg.Validate(); err == nil {
			t.Fatalf("step %d overlaps the primary window", step)
		}
	}
	cfg.Planner.AlternativeStepMinutes = 26
	if err := cfg.Validate(); err != nil {
		t.Fatalf("step 26: %v", err)
	}
	cfg.Planner.AlternativeSteps, cfg.Planner.AlternativeStepMinutes = 0, 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("no alternatives: %v", err)
	}
}
