// Package registry holds the tagged-variant agent descriptors that let the
// Agent Runner stay a single polymorphic function over role instead of a
// type switch per specialist (spec's "Dynamic dispatch / heterogeneous
// agents" redesign note).
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sredebate/engine/internal/debate"
)

// AgentRole identifies one of the fixed specialist or control roles.
type AgentRole string

const (
	RoleLog          AgentRole = "log"
	RoleCode         AgentRole = "code"
	RoleDomain       AgentRole = "domain"
	RoleMetrics      AgentRole = "metrics"
	RoleChange       AgentRole = "change"
	RoleRunbook      AgentRole = "runbook"
	RoleCritic       AgentRole = "critic"
	RoleRebuttal     AgentRole = "rebuttal"
	RoleJudge        AgentRole = "judge"
	RoleVerification AgentRole = "verification"
	RoleSupervisor   AgentRole = "supervisor"
)

// AnalysisSpecialists is the fixed roster commanded in the analysis phase.
var AnalysisSpecialists = []AgentRole{
	RoleLog, RoleCode, RoleDomain, RoleMetrics, RoleChange, RoleRunbook,
}

// Descriptor is the tagged-variant agent definition: enough data for the
// Agent Runner to build a prompt, gate tool usage, and select a parser
// without a role-specific code path.
type Descriptor struct {
	Role           AgentRole
	ModelID        string
	SystemPrompt   string
	AllowedTools   []string
	OutputSchemaID string
	Phase          debate.Phase
}

// Registry is a concurrency-safe lookup of role -> Descriptor.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[AgentRole]Descriptor
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{descriptors: map[AgentRole]Descriptor{}}
}

// Register adds or replaces a Descriptor.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[d.Role] = d
}

// Get returns the Descriptor for role, or an error if unregistered.
func (r *Registry) Get(role AgentRole) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[role]
	if !ok {
		return Descriptor{}, fmt.Errorf("registry: no descriptor registered for role %q", role)
	}
	return d, nil
}

// Roles returns all registered roles in deterministic (sorted) order.
func (r *Registry) Roles() []AgentRole {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentRole, 0, len(r.descriptors))
	for role := range r.descriptors {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultRegistry constructs the standard registry of every fixed role in
// the spec, with conservative default prompts and tool allow-lists. Callers
// may override individual descriptors before use (e.g. swapping model_id
// per deployment).
func DefaultRegistry() *Registry {
	r := New()
	r.Register(Descriptor{
		Role:           RoleLog,
		ModelID:        "claude-sonnet",
		SystemPrompt:   logSystemPrompt,
		AllowedTools:   []string{"local_log_reader"},
		OutputSchemaID: "specialist_feedback.v1",
		Phase:          debate.PhaseAnalysis,
	})
	r.Register(Descriptor{
		Role:           RoleCode,
		ModelID:        "claude-sonnet",
		SystemPrompt:   codeSystemPrompt,
		AllowedTools:   []string{"source_repo_search"},
		OutputSchemaID: "specialist_feedback.v1",
		Phase:          debate.PhaseAnalysis,
	})
	r.Register(Descriptor{
		Role:           RoleDomain,
		ModelID:        "claude-sonnet",
		SystemPrompt:   domainSystemPrompt,
		AllowedTools:   []string{"domain_table_lookup"},
		OutputSchemaID: "specialist_feedback.v1",
		Phase:          debate.PhaseAnalysis,
	})
	r.Register(Descriptor{
		Role:           RoleMetrics,
		ModelID:        "claude-sonnet",
		SystemPrompt:   metricsSystemPrompt,
		AllowedTools:   []string{"metrics_snapshot_analyzer"},
		OutputSchemaID: "specialist_feedback.v1",
		Phase:          debate.PhaseAnalysis,
	})
	r.Register(Descriptor{
		Role:           RoleChange,
		ModelID:        "claude-sonnet",
		SystemPrompt:   changeSystemPrompt,
		AllowedTools:   []string{"change_window_scanner"},
		OutputSchemaID: "specialist_feedback.v1",
		Phase:          debate.PhaseAnalysis,
	})
	r.Register(Descriptor{
		Role:           RoleRunbook,
		ModelID:        "claude-sonnet",
		SystemPrompt:   runbookSystemPrompt,
		AllowedTools:   []string{"runbook_case_library"},
		OutputSchemaID: "specialist_feedback.v1",
		Phase:          debate.PhaseAnalysis,
	})
	r.Register(Descriptor{
		Role:           RoleCritic,
		ModelID:        "claude-opus",
		SystemPrompt:   criticSystemPrompt,
		AllowedTools:   nil,
		OutputSchemaID: "specialist_feedback.v1",
		Phase:          debate.PhaseCritique,
	})
	r.Register(Descriptor{
		Role:           RoleRebuttal,
		ModelID:        "claude-sonnet",
		SystemPrompt:   rebuttalSystemPrompt,
		AllowedTools:   []string{"local_log_reader", "source_repo_search", "domain_table_lookup"},
		OutputSchemaID: "specialist_feedback.v1",
		Phase:          debate.PhaseRebuttal,
	})
	r.Register(Descriptor{
		Role:           RoleJudge,
		ModelID:        "claude-opus",
		SystemPrompt:   judgeSystemPrompt,
		AllowedTools:   nil,
		OutputSchemaID: "final_result.v1",
		Phase:          debate.PhaseJudgment,
	})
	r.Register(Descriptor{
		Role:           RoleVerification,
		ModelID:        "claude-sonnet",
		SystemPrompt:   verificationSystemPrompt,
		AllowedTools:   []string{"runbook_case_library"},
		OutputSchemaID: "specialist_feedback.v1",
		Phase:          debate.PhaseVerification,
	})
	return r
}

const (
	logSystemPrompt = "You are the log-analysis specialist in an SRE root-cause debate. " +
		"Cite concrete log lines as evidence; never speculate beyond what the log shows."
	codeSystemPrompt = "You are the code-analysis specialist. Trace the incident to specific " +
		"code paths or recent commits; cite file/line or commit references as evidence."
	domainSystemPrompt = "You are the domain-knowledge specialist. Bring architectural and " +
		"ownership context; cite domain documentation or service maps as evidence."
	metricsSystemPrompt = "You are the metrics specialist. Identify anomalous signals from " +
		"time-series data; cite specific metric names and windows as evidence."
	changeSystemPrompt = "You are the change-management specialist. Correlate the incident " +
		"window against deploys and config changes; cite change records as evidence."
	runbookSystemPrompt = "You are the runbook specialist. Match the incident against known " +
		"past cases; cite runbook case ids as evidence."
	criticSystemPrompt = "You are the critic. Challenge weak or under-cited claims from the " +
		"analysis round; name the specific claim and the gap in its evidence."
	rebuttalSystemPrompt = "You are responding to a critique of your prior claim. Strengthen " +
		"your evidence or concede and narrow your claim."
	judgeSystemPrompt = "You are the judge. Synthesize the debate into a single root cause " +
		"with a confidence score and an evidence chain spanning at least two independent " +
		"source kinds. Never state a conclusion you cannot back with cited evidence."
	verificationSystemPrompt = "You are the verification specialist. Propose a concrete plan " +
		"to verify the judge's conclusion and flag anything it does not explain."
)
