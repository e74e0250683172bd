package debate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// InvalidStateDeltaError reports a delta that would violate one of the
// debate state invariants (I1-I5). It mirrors the shape of graph.EngineError
// so callers can handle both uniformly in logs and events.
type InvalidStateDeltaError struct {
	Message string
	Code    string
}

func (e *InvalidStateDeltaError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

const (
	CodePhaseOrderViolation     = "PHASE_ORDER_VIOLATION"
	CodeFinalResultImmutable   = "FINAL_RESULT_IMMUTABLE"
	CodeEvidenceMissingCitation = "EVIDENCE_MISSING_CITATION"
	CodeEvidenceKindMinimum     = "EVIDENCE_SOURCE_KIND_MINIMUM"
	CodeSessionTerminal         = "SESSION_TERMINAL"
)

// ValidateDelta enforces I1 through I5 before a delta is handed to Reduce.
// Callers (internal/sessionsvc's wrapResult and specialistNode) call this
// on node deltas; Reduce itself stays a pure merge with no validation,
// matching the teacher's separation between graph.Reducer and the engine's
// own transition checks.
func ValidateDelta(prev, delta State) error {
	if err := validateTerminalImmutability(prev, delta); err != nil {
		return err
	}
	if err := validatePhaseOrder(prev, delta); err != nil {
		return err
	}
	if err := validateFinalResultOnce(prev, delta); err != nil {
		return err
	}
	if err := validateEvidenceCitations(delta); err != nil {
		return err
	}
	if err := validateEvidenceRefsKnown(prev, delta); err != nil {
		return err
	}
	return nil
}

// validatePhaseOrder enforces I3: Route.CurrentPhase may only move forward
// along phaseOrder, except that Critique/Rebuttal may repeat as a pair
// (LoopRound increasing) before Judgment is reached, and Judgment may be
// entered straight from Analysis or Critique when no further round runs.
func validatePhaseOrder(prev, delta State) error {
	if delta.Route.CurrentPhase == "" {
		return nil
	}
	prevRank := phaseRank(prev.Route.CurrentPhase)
	nextRank := phaseRank(delta.Route.CurrentPhase)
	if nextRank == -1 {
		return &InvalidStateDeltaError{
			Code:    CodePhaseOrderViolation,
			Message: fmt.Sprintf("unknown phase %q", delta.Route.CurrentPhase),
		}
	}
	if nextRank == prevRank {
		return nil
	}
	if nextRank == prevRank-1 &&
		prev.Route.CurrentPhase == PhaseRebuttal &&
		delta.Route.CurrentPhase == PhaseCritique &&
		delta.Route.LoopRound > prev.Route.LoopRound {
		return nil // looping back for another critique/rebuttal round
	}
	if nextRank < prevRank {
		return &InvalidStateDeltaError{
			Code: CodePhaseOrderViolation,
			Message: fmt.Sprintf("phase cannot move backward: %s -> %s",
				prev.Route.CurrentPhase, delta.Route.CurrentPhase),
		}
	}
	if delta.Route.CurrentPhase == PhaseJudgment &&
		(prev.Route.CurrentPhase == PhaseAnalysis || prev.Route.CurrentPhase == PhaseCritique) {
		return nil // zero (further) critique/rebuttal rounds
	}
	if nextRank > prevRank+1 {
		return &InvalidStateDeltaError{
			Code: CodePhaseOrderViolation,
			Message: fmt.Sprintf("phase cannot skip stages: %s -> %s",
				prev.Route.CurrentPhase, delta.Route.CurrentPhase),
		}
	}
	return nil
}

// validateFinalResultOnce enforces I5: FinalResult is written exactly once,
// by the judgment phase, and is never overwritten afterward.
func validateFinalResultOnce(prev, delta State) error {
	if delta.FinalResult == nil {
		return nil
	}
	if prev.FinalResult != nil {
		return &InvalidStateDeltaError{
			Code:    CodeFinalResultImmutable,
			Message: "final_result is already set and cannot be overwritten",
		}
	}
	if delta.Route.CurrentPhase != PhaseJudgment {
		return &InvalidStateDeltaError{
			Code:    CodeFinalResultImmutable,
			Message: "final_result may only be written by the judgment phase",
		}
	}
	return nil
}

// validateEvidenceCitations enforces I1: every Evidence item carried in a
// delta must have a non-empty SourceRef and a computed EvidenceID.
func validateEvidenceCitations(delta State) error {
	for _, e := range delta.Evidence {
		if e.SourceRef == "" {
			return &InvalidStateDeltaError{
				Code:    CodeEvidenceMissingCitation,
				Message: fmt.Sprintf("evidence from %q has no source_ref", e.ProducingAgent),
			}
		}
		if e.EvidenceID == "" {
			return &InvalidStateDeltaError{
				Code:    CodeEvidenceMissingCitation,
				Message: fmt.Sprintf("evidence from %q has no evidence_id", e.ProducingAgent),
			}
		}
	}
	return nil
}

// validateEvidenceRefsKnown enforces the other half of I1: every
// evidence_id a delta's feedback cites in EvidenceRefs must already exist,
// either carried by this same delta or already present in prev.Evidence. A
// specialist citing an id nobody ever produced is exactly the "evidence_refs
// contain unknown ids" failure condition spec §4.1 calls out.
func validateEvidenceRefsKnown(prev, delta State) error {
	if len(delta.Feedback) == 0 {
		return nil
	}
	known := make(map[string]struct{}, len(prev.Evidence)+len(delta.Evidence))
	for _, e := range prev.Evidence {
		known[e.EvidenceID] = struct{}{}
	}
	for _, e := range delta.Evidence {
		known[e.EvidenceID] = struct{}{}
	}
	for agent, fb := range delta.Feedback {
		for _, ref := range fb.EvidenceRefs {
			if _, ok := known[ref]; !ok {
				return &InvalidStateDeltaError{
					Code:    CodeEvidenceMissingCitation,
					Message: fmt.Sprintf("feedback from %q cites unknown evidence_id %q", agent, ref),
				}
			}
		}
	}
	return nil
}

// validateTerminalImmutability enforces that once the route has reached
// PhaseTerminal, no further state-changing deltas are accepted.
func validateTerminalImmutability(prev, delta State) error {
	if prev.Route.CurrentPhase != PhaseTerminal {
		return nil
	}
	if delta.Route.CurrentPhase != "" && delta.Route.CurrentPhase != PhaseTerminal {
		return &InvalidStateDeltaError{
			Code:    CodeSessionTerminal,
			Message: "session has reached terminal phase; no further transitions accepted",
		}
	}
	return nil
}

// MinimumEvidenceSourceKinds enforces I4: the final evidence chain cited by
// FinalResult must span at least this many distinct SourceKinds. Configured
// per-session via internal/config; this is the hard-coded spec default.
const MinimumEvidenceSourceKinds = 2

// ValidateEvidenceChainDiversity checks I4 against the fully assembled
// state, used by internal/reportguard immediately before a FinalResult is
// accepted.
func ValidateEvidenceChainDiversity(s State, minimumKinds int) error {
	if s.FinalResult == nil {
		return nil
	}
	byID := make(map[string]Evidence, len(s.Evidence))
	for _, e := range s.Evidence {
		byID[e.EvidenceID] = e
	}
	kinds := map[SourceKind]struct{}{}
	for _, ref := range s.FinalResult.EvidenceChain {
		e, ok := byID[ref]
		if !ok {
			return &InvalidStateDeltaError{
				Code:    CodeEvidenceMissingCitation,
				Message: fmt.Sprintf("final_result cites unknown evidence_id %q", ref),
			}
		}
		kinds[e.SourceKind] = struct{}{}
	}
	if len(s.FinalResult.EvidenceChain) < 2 || len(kinds) < minimumKinds {
		return &InvalidStateDeltaError{
			Code: CodeEvidenceKindMinimum,
			Message: fmt.Sprintf(
				"final_result evidence_chain spans %d source kinds across %d items, need >= %d kinds across >= 2 items",
				len(kinds), len(s.FinalResult.EvidenceChain), minimumKinds),
		}
	}
	return nil
}

// CanonicalEvidenceID computes the stable EvidenceID for a piece of
// evidence from its canonicalized source fields, so that two specialists
// independently citing the same underlying fact converge on the same ID
// and are deduplicated by reduceEvidence regardless of phrasing differences
// in Description.
func CanonicalEvidenceID(kind SourceKind, sourceRef string) string {
	h := sha256.Sum256([]byte(string(kind) + "\x00" + sourceRef))
	return hex.EncodeToString(h[:16])
}
