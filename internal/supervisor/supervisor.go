// Package supervisor implements the two-layered router: a deterministic
// rule-based decider tried first, falling back to an LLM-dynamic decider
// only when the rules explicitly defer.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sredebate/engine/graph/model"
	"github.com/sredebate/engine/internal/debate"
	"github.com/sredebate/engine/internal/llmgateway"
	"github.com/sredebate/engine/internal/registry"
)

const thresholdLow = 0.4

// Decision is the supervisor's output for one routing step: the next node
// to run and the commands to issue to it (empty for non-fan-out nodes like
// judge/verify/report).
type Decision struct {
	NextNode string
	Commands map[registry.AgentRole]debate.Command
	Rationale string
}

// ErrDefer signals that the rule-based decider has no deterministic answer
// and the LLM-dynamic decider should be consulted.
var ErrDefer = fmt.Errorf("supervisor: rule-based decider defers")

// Mode selects which decider(s) are consulted.
type Mode string

const (
	ModeHybrid Mode = "hybrid" // rule-based, falling back to LLM on defer
	ModeRule   Mode = "rule"   // rule-based only; defer is treated as an error
	ModeLLM    Mode = "llm"    // LLM-dynamic only
)

// Router composes the rule-based and LLM-dynamic deciders per the
// configured Mode.
type Router struct {
	mode        Mode
	maxRounds   int
	gateway     *llmgateway.Gateway
	llmProvider string
}

// New builds a Router. gateway/llmProvider may be zero-valued when mode is
// ModeRule, since the LLM decider is never consulted.
func New(mode Mode, maxRounds int, gateway *llmgateway.Gateway, llmProvider string) *Router {
	return &Router{mode: mode, maxRounds: maxRounds, gateway: gateway, llmProvider: llmProvider}
}

// Decide routes from the current state to the next Decision, trying the
// rule-based decider first (unless mode is ModeLLM) and falling back to
// the LLM-dynamic decider on ErrDefer when mode permits it.
func (r *Router) Decide(ctx context.Context, state debate.State) (Decision, error) {
	if r.mode == ModeLLM {
		llmDecision, err := r.decideLLM(ctx, state)
		if err != nil {
			return Decision{}, err
		}
		if violatesPhaseOrder(state, llmDecision) {
			return r.ruleFallback(state), nil
		}
		return llmDecision, nil
	}

	decision, err := r.decideRule(state)
	if err == nil {
		return decision, nil
	}
	if err != ErrDefer || r.mode == ModeRule {
		return Decision{}, err
	}

	llmDecision, llmErr := r.decideLLM(ctx, state)
	if llmErr != nil {
		return r.ruleFallback(state), nil
	}
	if violatesPhaseOrder(state, llmDecision) {
		return r.ruleFallback(state), nil
	}
	return llmDecision, nil
}

// decideRule implements the deterministic transition table from spec §4.4.
func (r *Router) decideRule(state debate.State) (Decision, error) {
	phase := state.Route.CurrentPhase

	switch phase {
	case debate.PhaseInit:
		return Decision{NextNode: "collect_assets"}, nil

	case debate.PhaseAssetMapping:
		if !hasUsableMapping(state) {
			return Decision{}, ErrDefer
		}
		return Decision{
			NextNode: "agent_analysis_fanout",
			Commands: commandsFor(registry.AnalysisSpecialists, state.Route.LoopRound, debate.ToolOptional),
		}, nil

	case debate.PhaseAnalysis:
		if needsCritique(state) {
			return Decision{NextNode: "agent_critic_node", Commands: commandsFor([]registry.AgentRole{registry.RoleCritic}, state.Route.LoopRound, debate.ToolForbidden)}, nil
		}
		return Decision{NextNode: "judge"}, nil

	case debate.PhaseCritique:
		challenged := challengedRoles(state)
		if len(challenged) == 0 {
			return Decision{NextNode: "judge"}, nil
		}
		return Decision{NextNode: "agent_rebuttal_fanout", Commands: commandsFor(challenged, state.Route.LoopRound, debate.ToolOptional)}, nil

	case debate.PhaseRebuttal:
		if state.Route.LoopRound >= r.maxRounds || judgeReady(state) {
			return Decision{NextNode: "judge"}, nil
		}
		return Decision{NextNode: "agent_critic_node", Commands: commandsFor([]registry.AgentRole{registry.RoleCritic}, state.Route.LoopRound + 1, debate.ToolForbidden)}, nil

	case debate.PhaseJudgment:
		return Decision{NextNode: "verify"}, nil

	case debate.PhaseVerification:
		return Decision{NextNode: "report"}, nil

	case debate.PhaseReport:
		return Decision{NextNode: "terminal"}, nil

	default:
		return Decision{}, ErrDefer
	}
}

// ruleFallback is used when the LLM decider errors or its decision fails
// phase-order validation; it is the rule-based table's default for the
// current phase, accepting defer as "advance to the first reasonable next
// phase" since the LLM was the tiebreaker of last resort.
func (r *Router) ruleFallback(state debate.State) Decision {
	switch state.Route.CurrentPhase {
	case debate.PhaseAssetMapping:
		return Decision{NextNode: "agent_analysis_fanout", Commands: commandsFor(registry.AnalysisSpecialists, state.Route.LoopRound, debate.ToolOptional)}
	default:
		return Decision{NextNode: "judge"}
	}
}

func hasUsableMapping(state debate.State) bool {
	return len(state.Context.AssetMapping) > 0
}

func needsCritique(state debate.State) bool {
	for _, fb := range state.Feedback {
		if fb.Confidence < thresholdLow {
			return true
		}
	}
	return hasConflictingClaims(state)
}

// hasConflictingClaims is a coarse heuristic: two different agents citing
// the same evidence_id counts as conflict; their conclusions are not
// compared. A full semantic conflict
// detector is out of scope; this keeps the rule-based path deterministic
// and cheap, deferring nuance to the critic's own LLM judgment.
func hasConflictingClaims(state debate.State) bool {
	seen := map[string]string{}
	for agent, fb := range state.Feedback {
		for _, ref := range fb.EvidenceRefs {
			if prior, ok := seen[ref]; ok && prior != agent {
				return true
			}
			seen[ref] = agent
		}
	}
	return false
}

func challengedRoles(state debate.State) []registry.AgentRole {
	fb, ok := state.Feedback[string(registry.RoleCritic)]
	if !ok {
		return nil
	}
	roles := make([]registry.AgentRole, 0, len(fb.MissingInfo))
	for _, name := range fb.MissingInfo {
		roles = append(roles, registry.AgentRole(name))
	}
	if len(roles) == 0 {
		roles = append(roles, registry.RoleRebuttal)
	}
	return roles
}

// judgeReady implements the spec's documented default for the
// under-specified "judge-readiness heuristic" Open Question: all
// specialists' missing_info lists are empty, or loop_round >= max_rounds
// (the latter is checked separately by the caller).
func judgeReady(state debate.State) bool {
	for _, fb := range state.Feedback {
		if len(fb.MissingInfo) > 0 {
			return false
		}
	}
	return true
}

func commandsFor(roles []registry.AgentRole, round int, useTool debate.UseTool) map[registry.AgentRole]debate.Command {
	out := make(map[registry.AgentRole]debate.Command, len(roles))
	for _, role := range roles {
		out[role] = debate.Command{
			IssuedRound:            round,
			Task:                   fmt.Sprintf("contribute as %s for round %d", role, round),
			ExpectedOutputSchemaID: "specialist_feedback.v1",
			UseTool:                useTool,
		}
	}
	return out
}

// decideLLM calls the supervisor LLM for a structured routing decision,
// used only when the rule-based decider defers (hybrid mode) or when the
// router is running in pure LLM mode. next_node and rationale are read from
// a JSON reply; a reply that is not such JSON is taken as the node name
// itself. next_agents is not read, so the Decision carries no Commands.
func (r *Router) decideLLM(ctx context.Context, state debate.State) (Decision, error) {
	messages := []model.Message{
		{Role: model.RoleSystem, Content: "You are the debate supervisor. Decide the next node and, if it fans out, the per-agent commands. Respond as JSON: {next_node, next_agents, rationale}."},
		{Role: model.RoleUser, Content: fmt.Sprintf("current_phase=%s loop_round=%d feedback_count=%d", state.Route.CurrentPhase, state.Route.LoopRound, len(state.Feedback))},
	}
	out, err := r.gateway.Chat(ctx, r.llmProvider, state.Route.CurrentPhase, "supervisor", messages, nil)
	if err != nil {
		return Decision{}, err
	}
	decision := Decision{NextNode: strings.TrimSpace(out.Text), Rationale: "llm-dynamic"}
	var parsed struct {
		NextNode  string `json:"next_node"`
		Rationale string `json:"rationale"`
	}
	if json.Unmarshal([]byte(decision.NextNode), &parsed) == nil && parsed.NextNode != "" {
		decision.NextNode = parsed.NextNode
		if parsed.Rationale != "" {
			decision.Rationale = parsed.Rationale
		}
	}
	return decision, nil
}

// violatesPhaseOrder rejects an LLM decision whose implied next phase is
// not a legal successor of the current one.
func violatesPhaseOrder(state debate.State, d Decision) bool {
	next := nodeToPhase(d.NextNode)
	if next == "" {
		return true
	}
	cur := debate.PhaseRank(state.Route.CurrentPhase)
	tgt := debate.PhaseRank(next)
	return tgt == -1 || tgt < cur || tgt > cur+1
}

func nodeToPhase(node string) debate.Phase {
	switch node {
	case "collect_assets":
		return debate.PhaseAssetMapping
	case "agent_analysis_fanout":
		return debate.PhaseAnalysis
	case "agent_critic_node":
		return debate.PhaseCritique
	case "agent_rebuttal_fanout":
		return debate.PhaseRebuttal
	case "judge":
		return debate.PhaseJudgment
	case "verify":
		return debate.PhaseVerification
	case "report":
		return debate.PhaseReport
	case "terminal":
		return debate.PhaseTerminal
	default:
		return ""
	}
}
