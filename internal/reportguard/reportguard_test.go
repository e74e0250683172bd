package reportguard_test

import (
	"context"
	"errors"
	"testing"

	"github.com/sredebate/engine/internal/debate"
	"github.com/sredebate/engine/internal/reportguard"
)

func diverseState(rootCause string, confidence float64) debate.State {
	state := debate.New()
	state.Evidence = []debate.Evidence{
		{EvidenceID: "e1", SourceKind: debate.SourceLog, SourceRef: "log:1"},
		{EvidenceID: "e2", SourceKind: debate.SourceMetric, SourceRef: "metric:1"},
	}
	state.FinalResult = &debate.FinalResult{
		RootCause:     rootCause,
		Confidence:    confidence,
		EvidenceChain: []string{"e1", "e2"},
	}
	return state
}

func TestValidateRejectsNilFinalResult(t *testing.T) {
	g := reportguard.New(reportguard.Config{}, nil)
	var noValid *reportguard.NoValidConclusionError
	if err := g.Validate(debate.New()); !errors.As(err, &noValid) {
		t.Fatalf("expected NoValidConclusionError, got %v", err)
	}
}

func TestValidateRejectsEmptyRootCause(t *testing.T) {
	g := reportguard.New(reportguard.Config{}, nil)
	state := diverseState("   ", 0.7)
	var noValid *reportguard.NoValidConclusionError
	if err := g.Validate(state); !errors.As(err, &noValid) {
		t.Fatalf("expected NoValidConclusionError for empty root_cause, got %v", err)
	}
}

func TestValidateRejectsBlockedConclusionPhrase(t *testing.T) {
	g := reportguard.New(reportguard.Config{BlockedConclusionPhrases: []string{"unknown"}}, nil)
	state := diverseState("root cause is unknown at this time", 0.7)
	var noValid *reportguard.NoValidConclusionError
	if err := g.Validate(state); !errors.As(err, &noValid) {
		t.Fatalf("expected NoValidConclusionError for blocked phrase, got %v", err)
	}
}

// TestValidateRejectsNonLatinBlockedPhrase exercises spec §8 scenario 4
// verbatim: a judge conclusion of root_cause="需要进一步分析" must be rejected
// as NO_VALID_CONCLUSION, not just Latin-script equivalents.
func TestValidateRejectsNonLatinBlockedPhrase(t *testing.T) {
	g := reportguard.New(reportguard.Config{BlockedConclusionPhrases: []string{"需要进一步分析"}}, nil)
	state := diverseState("需要进一步分析", 0.7)
	var noValid *reportguard.NoValidConclusionError
	if err := g.Validate(state); !errors.As(err, &noValid) {
		t.Fatalf("expected NoValidConclusionError for non-Latin blocked phrase, got %v", err)
	}
}

func TestValidateRejectsNonPositiveConfidence(t *testing.T) {
	g := reportguard.New(reportguard.Config{}, nil)
	state := diverseState("disk pressure on node-7", 0)
	var noValid *reportguard.NoValidConclusionError
	if err := g.Validate(state); !errors.As(err, &noValid) {
		t.Fatalf("expected NoValidConclusionError for zero confidence, got %v", err)
	}
}

func TestValidateRejectsInsufficientEvidenceDiversity(t *testing.T) {
	g := reportguard.New(reportguard.Config{}, nil)
	state := debate.New()
	state.Evidence = []debate.Evidence{
		{EvidenceID: "e1", SourceKind: debate.SourceLog, SourceRef: "log:1"},
		{EvidenceID: "e2", SourceKind: debate.SourceLog, SourceRef: "log:2"},
	}
	state.FinalResult = &debate.FinalResult{RootCause: "disk pressure", Confidence: 0.8, EvidenceChain: []string{"e1", "e2"}}

	var noValid *reportguard.NoValidConclusionError
	if err := g.Validate(state); !errors.As(err, &noValid) {
		t.Fatalf("expected NoValidConclusionError for single-source-kind evidence, got %v", err)
	}
}

func TestValidateAcceptsWellFormedConclusion(t *testing.T) {
	g := reportguard.New(reportguard.Config{}, nil)
	state := diverseState("disk pressure on node-7 exhausted the write buffer", 0.82)
	if err := g.Validate(state); err != nil {
		t.Fatalf("expected a well-formed conclusion to pass, got %v", err)
	}
}

type fakeRenderer struct {
	renderedSessionID string
	renderedResult    debate.FinalResult
	err               error
}

func (f *fakeRenderer) Render(ctx context.Context, sessionID string, result debate.FinalResult) error {
	f.renderedSessionID = sessionID
	f.renderedResult = result
	return f.err
}

func TestValidateAndRenderDelegatesToRendererOnSuccess(t *testing.T) {
	renderer := &fakeRenderer{}
	g := reportguard.New(reportguard.Config{}, renderer)
	state := diverseState("disk pressure on node-7 exhausted the write buffer", 0.82)

	if err := g.ValidateAndRender(context.Background(), "sess-1", state); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if renderer.renderedSessionID != "sess-1" {
		t.Fatalf("expected renderer to be called with sess-1, got %s", renderer.renderedSessionID)
	}
	if renderer.renderedResult.RootCause != state.FinalResult.RootCause {
		t.Fatalf("expected renderer to receive the validated final_result")
	}
}

func TestValidateAndRenderSkipsRendererOnValidationFailure(t *testing.T) {
	renderer := &fakeRenderer{}
	g := reportguard.New(reportguard.Config{}, renderer)

	var noValid *reportguard.NoValidConclusionError
	if err := g.ValidateAndRender(context.Background(), "sess-1", debate.New()); !errors.As(err, &noValid) {
		t.Fatalf("expected NoValidConclusionError, got %v", err)
	}
	if renderer.renderedSessionID != "" {
		t.Fatal("expected the renderer not to be called when validation fails")
	}
}

func TestNewDefaultsEvidenceSourceKindMinimum(t *testing.T) {
	g := reportguard.New(reportguard.Config{EvidenceSourceKindMinimum: 0}, nil)
	state := debate.New()
	state.Evidence = []debate.Evidence{
		{EvidenceID: "e1", SourceKind: debate.SourceLog, SourceRef: "log:1"},
		{EvidenceID: "e2", SourceKind: debate.SourceLog, SourceRef: "log:2"},
	}
	state.FinalResult = &debate.FinalResult{RootCause: "disk pressure", Confidence: 0.8, EvidenceChain: []string{"e1", "e2"}}

	var noValid *reportguard.NoValidConclusionError
	if err := g.Validate(state); !errors.As(err, &noValid) {
		t.Fatalf("expected the defaulted minimum to still enforce diversity, got %v", err)
	}
}
