package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sredebate/engine/internal/config"
	"github.com/sredebate/engine/internal/debate"
	"github.com/sredebate/engine/internal/supervisor"
)

func TestDefaultPassesValidate(t *testing.T) {
	if err := config.Default().Validate(); err != nil {
		t.Fatalf("expected Default() to be valid, got %v", err)
	}
}

// TestDefaultRetryProfilesMatchThreeClasses verifies spec §4.7's three retry
// classes: analysis phases get a short timeout with more retries,
// judge/verification get a long timeout with fewer retries, and the
// supervisor carries its own distinct class.
func TestDefaultRetryProfilesMatchThreeClasses(t *testing.T) {
	cfg := config.Default()

	for _, phase := range []debate.Phase{debate.PhaseAnalysis, debate.PhaseCritique, debate.PhaseRebuttal} {
		rp, ok := cfg.RetryProfile[phase]
		if !ok {
			t.Fatalf("expected a retry profile for phase %q", phase)
		}
		if rp.MaxRetries != 2 {
			t.Errorf("phase %q: expected max_retries=2, got %d", phase, rp.MaxRetries)
		}
		if rp.TimeoutMS >= 180_000 {
			t.Errorf("phase %q: expected a short timeout, got %dms", phase, rp.TimeoutMS)
		}
	}

	for _, phase := range []debate.Phase{debate.PhaseJudgment, debate.PhaseVerification} {
		rp, ok := cfg.RetryProfile[phase]
		if !ok {
			t.Fatalf("expected a retry profile for phase %q", phase)
		}
		if rp.MaxRetries != 1 {
			t.Errorf("phase %q: expected max_retries=1, got %d", phase, rp.MaxRetries)
		}
		if rp.TimeoutMS < 120_000 {
			t.Errorf("phase %q: expected a long timeout, got %dms", phase, rp.TimeoutMS)
		}
	}

	if cfg.SupervisorRetryProfile.MaxRetries != 1 {
		t.Errorf("expected supervisor max_retries=1, got %d", cfg.SupervisorRetryProfile.MaxRetries)
	}
	if cfg.SupervisorRetryProfile.TimeoutMS >= 120_000 {
		t.Errorf("expected supervisor to use a short timeout, got %dms", cfg.SupervisorRetryProfile.TimeoutMS)
	}
}

// TestDefaultBlockedPhrasesIncludeNonLatinExample verifies the spec §8
// scenario 4 literal example (root_cause="需要进一步分析") is actually on the
// default blocklist, not just phrase-matching logic that would handle it if
// it were there.
func TestDefaultBlockedPhrasesIncludeNonLatinExample(t *testing.T) {
	cfg := config.Default()
	found := false
	for _, phrase := range cfg.BlockedConclusionPhrases {
		if phrase == "需要进一步分析" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected BlockedConclusionPhrases to include the spec's literal example, got %v", cfg.BlockedConclusionPhrases)
	}
}

func TestValidateRejectsMaxRoundsOutOfRange(t *testing.T) {
	cfg := config.Default()
	cfg.MaxRounds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected max_rounds=0 to fail validation")
	}
	cfg.MaxRounds = 9
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected max_rounds=9 to fail validation")
	}
}

func TestValidateRejectsConcurrencyLimitOutOfRange(t *testing.T) {
	cfg := config.Default()
	cfg.ConcurrencyLimit = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected concurrency_limit=0 to fail validation")
	}
	cfg.ConcurrencyLimit = 17
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected concurrency_limit=17 to fail validation")
	}
}

func TestValidateRejectsUnknownSupervisorMode(t *testing.T) {
	cfg := config.Default()
	cfg.SupervisorMode = supervisor.Mode("bogus")
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an unknown supervisor_mode to fail validation")
	}
}

func TestLoadOverlaysYAMLOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := "max_rounds: 5\nconcurrency_limit: 2\nsupervisor_mode: rule\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatalf("failed to write fixture config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxRounds != 5 {
		t.Fatalf("expected max_rounds to be overridden to 5, got %d", cfg.MaxRounds)
	}
	if cfg.ConcurrencyLimit != 2 {
		t.Fatalf("expected concurrency_limit to be overridden to 2, got %d", cfg.ConcurrencyLimit)
	}
	if cfg.SupervisorMode != supervisor.ModeRule {
		t.Fatalf("expected supervisor_mode to be overridden to rule, got %q", cfg.SupervisorMode)
	}
	if len(cfg.BlockedConclusionPhrases) == 0 {
		t.Fatal("expected omitted fields to retain their Default() values")
	}
}

func TestLoadRejectsInvalidOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("max_rounds: 99\n"), 0o600); err != nil {
		t.Fatalf("failed to write fixture config: %v", err)
	}

	if _, err := config.Load(path); err == nil {
		t.Fatal("expected an out-of-range override to fail validation")
	}
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Fatal("expected a missing config file to return an error")
	}
}
