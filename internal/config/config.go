// Package config defines the per-session Configuration envelope (spec §6)
// and its yaml-backed loader, matching the teacher's preference for
// explicit config structs over ad-hoc flag parsing.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sredebate/engine/internal/debate"
	"github.com/sredebate/engine/internal/supervisor"
	"github.com/sredebate/engine/internal/tools"
)

// RetryProfile is one phase's {max_retries, backoff_base_ms, jitter} entry.
type RetryProfile struct {
	MaxRetries    int           `yaml:"max_retries"`
	BackoffBaseMS int           `yaml:"backoff_base_ms"`
	MaxDelayMS    int           `yaml:"max_delay_ms"`
	JitterMS      int           `yaml:"jitter_ms"`
	TimeoutMS     int           `yaml:"timeout_ms"`
}

// BaseDelay returns the base delay as a time.Duration.
func (r RetryProfile) BaseDelay() time.Duration { return time.Duration(r.BackoffBaseMS) * time.Millisecond }

// MaxDelayDuration returns the max delay as a time.Duration.
func (r RetryProfile) MaxDelayDuration() time.Duration { return time.Duration(r.MaxDelayMS) * time.Millisecond }

// Timeout returns the per-call timeout as a time.Duration.
func (r RetryProfile) Timeout() time.Duration { return time.Duration(r.TimeoutMS) * time.Millisecond }

// Configuration is the full per-session config snapshot, enumerated per
// spec §6. A snapshot is taken at session start and never mutated for the
// life of the session (spec §9 design note: explicit config snapshot).
type Configuration struct {
	MaxRounds                int                              `yaml:"max_rounds"`
	ConcurrencyLimit         int                              `yaml:"concurrency_limit"`
	PerPhaseTimeoutMS        map[debate.Phase]int             `yaml:"per_phase_timeout_ms"`
	RetryProfile             map[debate.Phase]RetryProfile     `yaml:"retry_profile"`
	// SupervisorRetryProfile is the supervisor's own retry class (spec §4.7:
	// "analysis/judge-verification/supervisor"). The supervisor decides on
	// behalf of whichever phase is active, so it can't be keyed into
	// RetryProfile by phase the way specialist calls are.
	SupervisorRetryProfile   RetryProfile                     `yaml:"supervisor_retry_profile"`
	SupervisorMode           supervisor.Mode                  `yaml:"supervisor_mode"`
	ToolsEnabled             map[tools.Kind]bool               `yaml:"tools_enabled"`
	BlockedConclusionPhrases []string                          `yaml:"blocked_conclusion_phrases"`
	EvidenceSourceKindMinimum int                              `yaml:"evidence_source_kind_minimum"`
}

// Validate enforces the spec's stated ranges, surfacing configuration
// errors fatally and immediately per §7's error taxonomy.
func (c Configuration) Validate() error {
	if c.MaxRounds < 1 || c.MaxRounds > 8 {
		return fmt.Errorf("config: max_rounds must be in [1,8], got %d", c.MaxRounds)
	}
	if c.ConcurrencyLimit < 1 || c.ConcurrencyLimit > 16 {
		return fmt.Errorf("config: concurrency_limit must be in [1,16], got %d", c.ConcurrencyLimit)
	}
	switch c.SupervisorMode {
	case supervisor.ModeRule, supervisor.ModeLLM, supervisor.ModeHybrid:
	default:
		return fmt.Errorf("config: unknown supervisor_mode %q", c.SupervisorMode)
	}
	return nil
}

// Default returns the spec's documented defaults: concurrency_limit=4,
// evidence_source_kind_minimum=2, hybrid supervisor mode.
func Default() Configuration {
	return Configuration{
		MaxRounds:        3,
		ConcurrencyLimit: 4,
		PerPhaseTimeoutMS: map[debate.Phase]int{
			debate.PhaseAssetMapping: 15_000,
			debate.PhaseAnalysis:     30_000,
			debate.PhaseCritique:     20_000,
			debate.PhaseRebuttal:     30_000,
			debate.PhaseJudgment:     30_000,
			debate.PhaseVerification: 20_000,
		},
		// Three retry classes per spec §4.7: analysis agents get a short
		// timeout with more retries; judge/verification get a long timeout
		// with fewer retries (structured conclusions are expensive to redo);
		// the supervisor's own class lives in SupervisorRetryProfile below.
		RetryProfile: map[debate.Phase]RetryProfile{
			debate.PhaseAssetMapping: {MaxRetries: 2, BackoffBaseMS: 500, MaxDelayMS: 4000, TimeoutMS: 60_000},
			debate.PhaseAnalysis:     {MaxRetries: 2, BackoffBaseMS: 500, MaxDelayMS: 4000, TimeoutMS: 60_000},
			debate.PhaseCritique:     {MaxRetries: 2, BackoffBaseMS: 500, MaxDelayMS: 4000, TimeoutMS: 60_000},
			debate.PhaseRebuttal:     {MaxRetries: 2, BackoffBaseMS: 500, MaxDelayMS: 4000, TimeoutMS: 60_000},
			debate.PhaseJudgment:     {MaxRetries: 1, BackoffBaseMS: 1000, MaxDelayMS: 8000, TimeoutMS: 180_000},
			debate.PhaseVerification: {MaxRetries: 1, BackoffBaseMS: 1000, MaxDelayMS: 8000, TimeoutMS: 180_000},
		},
		SupervisorRetryProfile: RetryProfile{MaxRetries: 1, BackoffBaseMS: 500, MaxDelayMS: 4000, TimeoutMS: 60_000},
		SupervisorMode: supervisor.ModeHybrid,
		ToolsEnabled: map[tools.Kind]bool{
			tools.KindLocalLogReader:          true,
			tools.KindDomainTableLookup:       true,
			tools.KindSourceRepoSearch:        true,
			tools.KindChangeWindowScanner:     true,
			tools.KindMetricsSnapshotAnalyzer: true,
			tools.KindRunbookCaseLibrary:      true,
		},
		// Matching is plain substring (see reportguard.Validate), which works
		// unmodified on any UTF-8 text; the blocklist itself must still name
		// every language a conclusion might degrade into, not just English —
		// spec §8 scenario 4 exercises root_cause="需要进一步分析" verbatim.
		BlockedConclusionPhrases: []string{
			"insufficient information", "needs further analysis", "unknown",
			"需要进一步分析", "信息不足", "原因不明",
		},
		EvidenceSourceKindMinimum: debate.MinimumEvidenceSourceKinds,
	}
}

// Load reads a Configuration from a YAML file, overlaying it onto
// Default() so omitted fields keep their sensible defaults.
func Load(path string) (Configuration, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Configuration{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Configuration{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}
