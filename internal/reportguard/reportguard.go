// Package reportguard validates a session's final_result against the
// effective-conclusion rules before it is allowed to reach the report
// stage, and renders the accepted conclusion to an external report
// service collaborator.
package reportguard

import (
	"context"
	"fmt"
	"strings"

	"github.com/sredebate/engine/internal/debate"
)

// NoValidConclusionError is returned when final_result fails any
// effective-conclusion rule; sessionsvc maps it to status=FAILED with
// error_code=NO_VALID_CONCLUSION.
type NoValidConclusionError struct {
	Reason    string
	RetryHint string
}

func (e *NoValidConclusionError) Error() string {
	return fmt.Sprintf("no_valid_conclusion: %s", e.Reason)
}

// Config carries the tunables from internal/config needed to validate a
// conclusion.
type Config struct {
	BlockedConclusionPhrases []string
	EvidenceSourceKindMinimum int
}

// ReportRenderer is the out-of-scope collaborator the guard delegates to on
// success; a concrete implementation lives outside this module's scope,
// matching the spec's "external Report Service" boundary.
type ReportRenderer interface {
	Render(ctx context.Context, sessionID string, result debate.FinalResult) error
}

// Guard validates and, on success, renders a session's final_result.
type Guard struct {
	cfg      Config
	renderer ReportRenderer
}

// New builds a Guard. renderer may be nil in tests that only exercise
// validation.
func New(cfg Config, renderer ReportRenderer) *Guard {
	if cfg.EvidenceSourceKindMinimum <= 0 {
		cfg.EvidenceSourceKindMinimum = debate.MinimumEvidenceSourceKinds
	}
	return &Guard{cfg: cfg, renderer: renderer}
}

// Validate checks state.FinalResult against every effective-conclusion
// rule, returning a NoValidConclusionError naming the first violation.
func (g *Guard) Validate(state debate.State) error {
	result := state.FinalResult
	if result == nil {
		return &NoValidConclusionError{Reason: "final_result is unset", RetryHint: "retry judgment phase"}
	}
	if strings.TrimSpace(result.RootCause) == "" {
		return &NoValidConclusionError{Reason: "root_cause is empty", RetryHint: "retry_failed_only=judge"}
	}
	lowered := strings.ToLower(result.RootCause)
	for _, phrase := range g.cfg.BlockedConclusionPhrases {
		if phrase == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(phrase)) || result.RootCause == phrase {
			return &NoValidConclusionError{
				Reason:    fmt.Sprintf("root_cause matches blocked phrase %q", phrase),
				RetryHint: "retry_failed_only=judge",
			}
		}
	}
	if result.Confidence <= 0 {
		return &NoValidConclusionError{Reason: "confidence must be > 0", RetryHint: "retry_failed_only=judge"}
	}
	if err := debate.ValidateEvidenceChainDiversity(state, g.cfg.EvidenceSourceKindMinimum); err != nil {
		return &NoValidConclusionError{Reason: err.Error(), RetryHint: "retry_failed_only=judge"}
	}
	return nil
}

// ValidateAndRender validates state.FinalResult and, on success, delegates
// rendering to the configured ReportRenderer.
func (g *Guard) ValidateAndRender(ctx context.Context, sessionID string, state debate.State) error {
	if err := g.Validate(state); err != nil {
		return err
	}
	if g.renderer == nil {
		return nil
	}
	return g.renderer.Render(ctx, sessionID, *state.FinalResult)
}
