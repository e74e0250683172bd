// Package debate defines the shared debate state and its reducers.
//
// State is the type parameter plugged into the generic graph.Engine[S] from
// the graph package: every node in the session's graph receives a State and
// returns a partial State as its Delta, merged back in by Reduce.
package debate

import "time"

// Phase names the named stages of the debate, per the phase-order invariant.
type Phase string

const (
	PhaseInit         Phase = "init"
	PhaseAssetMapping Phase = "asset_mapping"
	PhaseAnalysis     Phase = "analysis"
	PhaseCritique     Phase = "critique"
	PhaseRebuttal     Phase = "rebuttal"
	PhaseJudgment     Phase = "judgment"
	PhaseVerification Phase = "verification"
	PhaseReport       Phase = "report"
	PhaseTerminal     Phase = "terminal"
)

// phaseOrder lists the non-looping backbone of the debate. Critique/Rebuttal
// may repeat as a pair any number of times up to max_rounds before Judgment.
var phaseOrder = []Phase{
	PhaseInit, PhaseAssetMapping, PhaseAnalysis, PhaseCritique, PhaseRebuttal,
	PhaseJudgment, PhaseVerification, PhaseReport, PhaseTerminal,
}

func phaseRank(p Phase) int {
	return PhaseRank(p)
}

// PhaseRank returns p's position in the canonical phase backbone, or -1 if
// p is not a recognized phase. Exported so packages outside debate (the
// Agent Runner's prompt window, the Supervisor Router) can reason about
// phase adjacency without duplicating the ordering.
func PhaseRank(p Phase) int {
	for i, candidate := range phaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

// Role identifies the sender of a Message.
type Role string

const (
	RoleSupervisor Role = "supervisor"
	RoleSpecialist Role = "specialist"
	RoleSystem     Role = "system"
)

// Message is one append-only conversational turn.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	AgentName string    `json:"agent_name"`
	Phase     Phase     `json:"phase"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SourceKind enumerates where a piece of Evidence came from.
type SourceKind string

const (
	SourceLog     SourceKind = "log"
	SourceCode    SourceKind = "code"
	SourceDomain  SourceKind = "domain"
	SourceMetric  SourceKind = "metric"
	SourceChange  SourceKind = "change"
	SourceRunbook SourceKind = "runbook"
	SourceTrace   SourceKind = "trace"
)

// Strength is a qualitative confidence label attached to one Evidence item.
type Strength string

const (
	StrengthWeak   Strength = "weak"
	StrengthMedium Strength = "medium"
	StrengthStrong Strength = "strong"
)

// Evidence is a citeable fact. EvidenceID is the stable hash of its
// canonicalized source, computed by CanonicalEvidenceID.
type Evidence struct {
	EvidenceID     string     `json:"evidence_id"`
	SourceKind     SourceKind `json:"source_kind"`
	SourceRef      string     `json:"source_ref"`
	Description    string     `json:"description"`
	Strength       Strength   `json:"strength"`
	ProducingAgent string     `json:"producing_agent"`
}

// UseTool constrains how a Command permits tool invocation.
type UseTool string

const (
	ToolForbidden UseTool = "forbidden"
	ToolOptional  UseTool = "optional"
	ToolRequired  UseTool = "required"
)

// Command is the supervisor-to-specialist instruction for one round.
type Command struct {
	IssuedRound           int           `json:"issued_round"`
	Task                  string        `json:"task"`
	Focus                 string        `json:"focus"`
	ExpectedOutputSchemaID string       `json:"expected_output_schema_id"`
	UseTool               UseTool       `json:"use_tool"`
	ToolTargets           []string      `json:"tool_targets"`
	DeadlineMS            int           `json:"deadline_ms"`
}

// FeedbackStatus is the outcome classification of a specialist's round.
type FeedbackStatus string

const (
	FeedbackOK       FeedbackStatus = "ok"
	FeedbackDegraded FeedbackStatus = "degraded"
	FeedbackFailed   FeedbackStatus = "failed"
)

// Feedback is the specialist-to-supervisor response for one round.
type Feedback struct {
	Round        int            `json:"round"`
	Status       FeedbackStatus `json:"status"`
	Summary      string         `json:"summary"`
	EvidenceRefs []string       `json:"evidence_refs"`
	Confidence   float64        `json:"confidence"`
	MissingInfo  []string       `json:"missing_info"`
	OpenQuestions []string      `json:"open_questions"`
	StructuredOK bool           `json:"structured_ok"`
}

// Route tracks the routing function's current position and decision.
type Route struct {
	CurrentPhase Phase  `json:"current_phase"`
	NextNode     string `json:"next_node"`
	LoopRound    int    `json:"loop_round"`
}

// Metrics accumulates counters element-wise across the debate.
type Metrics struct {
	PhaseLatenciesMS map[string]int64 `json:"phase_latencies_ms"`
	RetryCounts      map[string]int   `json:"retry_counts"`
	TimeoutCounts    map[string]int   `json:"timeout_counts"`
	PromptTokens     int64            `json:"prompt_tokens"`
	CompletionTokens int64            `json:"completion_tokens"`
}

// RiskLevel is the judge's assessed severity of the fix recommendation.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// FinalResult is the set-once conclusion written only by the judgment phase.
type FinalResult struct {
	RootCause         string    `json:"root_cause"`
	Confidence        float64   `json:"confidence"`
	EvidenceChain     []string  `json:"evidence_chain"`
	Impact            string    `json:"impact"`
	FixRecommendation string    `json:"fix_recommendation"`
	VerificationPlan  string    `json:"verification_plan"`
	RiskLevel         RiskLevel `json:"risk_level"`
}

// Context is the shallow-merged mapping of incident/debate context.
type Context struct {
	IncidentSummary     string                   `json:"incident_summary"`
	RawLogExcerpt       string                   `json:"raw_log_excerpt"`
	AssetMapping        map[string]string        `json:"asset_mapping"`
	AccumulatedSummary  string                   `json:"accumulated_summary"`
	EventLog            []map[string]interface{} `json:"event_log"`
	ToolAuditPreviews   map[string]interface{}    `json:"tool_audit_previews"`
}

// State is the full shared debate state mutated through reducers. It is the
// S type parameter instantiated for graph.Engine[State] in internal/sessionsvc.
type State struct {
	Messages     []Message           `json:"messages"`
	Context      Context             `json:"context"`
	Commands     map[string]Command  `json:"commands"`
	Feedback     map[string]Feedback `json:"feedback"`
	Evidence     []Evidence          `json:"evidence"`
	AgentOutputs map[string]any      `json:"agent_outputs"`
	Route        Route               `json:"route"`
	Metrics      Metrics             `json:"metrics"`
	FinalResult  *FinalResult        `json:"final_result,omitempty"`
}

// New returns a zero-valued State with all maps initialized, ready for the
// first delta to be applied.
func New() State {
	return State{
		Commands:     map[string]Command{},
		Feedback:     map[string]Feedback{},
		AgentOutputs: map[string]any{},
		Route:        Route{CurrentPhase: PhaseInit},
		Metrics: Metrics{
			PhaseLatenciesMS: map[string]int64{},
			RetryCounts:      map[string]int{},
			TimeoutCounts:    map[string]int{},
		},
		Context: Context{
			AssetMapping:      map[string]string{},
			EventLog:          []map[string]interface{}{},
			ToolAuditPreviews: map[string]interface{}{},
		},
	}
}
