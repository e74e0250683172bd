// Package agentrunner implements the single polymorphic per-specialist
// execution step: prompt construction, tool gating, LLM invocation,
// layered parsing, evidence extraction, and feedback composition.
package agentrunner

import (
	"context"
	"fmt"
	"strings"

	"github.com/sredebate/engine/graph/model"
	"github.com/sredebate/engine/internal/debate"
	"github.com/sredebate/engine/internal/llmgateway"
	"github.com/sredebate/engine/internal/registry"
	"github.com/sredebate/engine/internal/tools"
)

// maxContextMessages bounds the rolling context window per spec §4.3: "last
// N=6 messages restricted to this agent's phase and adjacent phases".
const maxContextMessages = 6

// Runner is the single function over registry.Descriptor that every
// specialist, critic, judge, and verification role shares.
type Runner struct {
	registry *registry.Registry
	gateway  *llmgateway.Gateway
	toolSvc  *tools.Service
	provider string
}

// New builds a Runner over a shared registry, gateway, and tool service.
// provider selects which configured model in the gateway to call; callers
// may run multiple Runners with different providers for A/B deployments.
func New(reg *registry.Registry, gw *llmgateway.Gateway, toolSvc *tools.Service, provider string) *Runner {
	return &Runner{registry: reg, gateway: gw, toolSvc: toolSvc, provider: provider}
}

// Run executes one command for one specialist and returns the partial
// State delta to merge. A single specialist's own trouble — an unregistered
// role, an exhausted gateway, an unparsable response, an unavailable
// required tool — never surfaces as a non-nil error; it becomes a Feedback
// entry in the returned delta instead (status failed for a configuration
// bug like an unregistered role, degraded for everything transient), so
// Run's caller can fan out many specialists without one's failure aborting
// the others.
func (r *Runner) Run(ctx context.Context, role registry.AgentRole, state debate.State, cmd debate.Command) (debate.State, error) {
	desc, err := r.registry.Get(role)
	if err != nil {
		// Unregistered role is a configuration bug, not a transient failure:
		// distinct status from the degraded path below (spec §4.5/§7).
		return r.failedDelta(role, cmd, fmt.Sprintf("no descriptor registered for role: %v", err)), nil
	}

	messages := r.buildPrompt(desc, state, cmd)

	toolResult, toolInvoked := r.maybeInvokeTool(ctx, desc, role, cmd)
	if cmd.UseTool == debate.ToolRequired && !toolInvoked {
		return r.degradedDelta(role, cmd, state, "required tool unavailable; no LLM call made"), nil
	}
	if toolInvoked {
		messages = append(messages, model.Message{
			Role:    model.RoleUser,
			Content: "Tool result: " + toolResult.Summary,
		})
	}

	out, err := r.gateway.Chat(ctx, r.provider, desc.Phase, string(role), messages, nil)
	if err != nil {
		return r.degradedDelta(role, cmd, state, fmt.Sprintf("llm gateway exhausted: %v", err)), nil
	}

	parsed := ParseStructuredOutput(out.Text)
	delta := r.composeDelta(role, desc, cmd, state, parsed, toolResult, toolInvoked)
	return delta, nil
}

func (r *Runner) buildPrompt(desc registry.Descriptor, state debate.State, cmd debate.Command) []model.Message {
	messages := []model.Message{
		{Role: model.RoleSystem, Content: desc.SystemPrompt},
	}

	var context strings.Builder
	context.WriteString("Incident summary: " + state.Context.IncidentSummary + "\n")
	if len(state.Context.AssetMapping) > 0 {
		context.WriteString("Asset mapping:\n")
		for k, v := range state.Context.AssetMapping {
			context.WriteString(fmt.Sprintf("  %s -> %s\n", k, v))
		}
	}
	context.WriteString(fmt.Sprintf(
		"Command: task=%q focus=%q use_tool=%s expected_output_schema_id=%s\n",
		cmd.Task, cmd.Focus, cmd.UseTool, cmd.ExpectedOutputSchemaID,
	))
	messages = append(messages, model.Message{Role: model.RoleUser, Content: context.String()})

	relevant := relevantMessages(state.Messages, desc.Phase)
	messages = append(messages, relevant...)

	messages = append(messages, model.Message{
		Role: model.RoleUser,
		Content: "Respond as JSON matching schema " + desc.OutputSchemaID +
			": {status, summary, evidence_refs, confidence, missing_info, open_questions}.",
	})
	return messages
}

// relevantMessages restricts the rolling window to this agent's phase and
// its immediate neighbors in phaseOrder, then truncates from the oldest
// end to maxContextMessages. The command and schema sections are built
// separately in buildPrompt and are never truncated.
func relevantMessages(all []debate.Message, phase debate.Phase) []model.Message {
	var filtered []debate.Message
	for _, m := range all {
		if isAdjacentPhase(m.Phase, phase) {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) > maxContextMessages {
		filtered = filtered[len(filtered)-maxContextMessages:]
	}
	out := make([]model.Message, 0, len(filtered))
	for _, m := range filtered {
		role := model.RoleUser
		if m.Role == debate.RoleSupervisor {
			role = model.RoleAssistant
		}
		out = append(out, model.Message{Role: role, Content: fmt.Sprintf("[%s/%s] %s", m.AgentName, m.Phase, m.Content)})
	}
	return out
}

func isAdjacentPhase(candidate, target debate.Phase) bool {
	cr, tr := debate.PhaseRank(candidate), debate.PhaseRank(target)
	if cr == -1 || tr == -1 {
		return false
	}
	diff := cr - tr
	return diff >= -1 && diff <= 1
}

func (r *Runner) maybeInvokeTool(ctx context.Context, desc registry.Descriptor, role registry.AgentRole, cmd debate.Command) (tools.Result, bool) {
	if cmd.UseTool == debate.ToolForbidden || cmd.UseTool == "" || len(cmd.ToolTargets) == 0 {
		return tools.Result{}, false
	}
	for _, target := range cmd.ToolTargets {
		allowed := false
		for _, t := range desc.AllowedTools {
			if t == target {
				allowed = true
				break
			}
		}
		if !allowed {
			continue
		}
		result, err := r.toolSvc.Invoke(ctx, tools.Kind(target), role, cmd, map[string]interface{}{"query": cmd.Focus})
		if err != nil || result.Status != tools.StatusOK {
			continue
		}
		return result, true
	}
	return tools.Result{}, false
}

func (r *Runner) degradedDelta(role registry.AgentRole, cmd debate.Command, state debate.State, summary string) debate.State {
	delta := debate.New()
	delta.Feedback = map[string]debate.Feedback{
		string(role): {
			Round:   cmd.IssuedRound,
			Status:  debate.FeedbackDegraded,
			Summary: summary,
		},
	}
	delta.Metrics.TimeoutCounts = map[string]int{string(role): 1}
	return delta
}

// failedDelta marks a round as failed rather than degraded: reserved for
// configuration bugs (an uncommanded/unregistered role) rather than
// transient LLM/tool trouble, per spec §4.5/§7's error taxonomy.
func (r *Runner) failedDelta(role registry.AgentRole, cmd debate.Command, summary string) debate.State {
	delta := debate.New()
	delta.Feedback = map[string]debate.Feedback{
		string(role): {
			Round:   cmd.IssuedRound,
			Status:  debate.FeedbackFailed,
			Summary: summary,
		},
	}
	return delta
}

func (r *Runner) composeDelta(role registry.AgentRole, desc registry.Descriptor, cmd debate.Command, state debate.State, parsed ParsedOutput, toolResult tools.Result, toolInvoked bool) debate.State {
	delta := debate.New()

	status := debate.FeedbackOK
	summary := parsed.ChatMessage
	var evidenceRefs []string
	var missingInfo []string
	var openQuestions []string
	confidence := 0.5

	if !parsed.StructuredOK {
		status = debate.FeedbackDegraded
		if summary == "" {
			summary = "unparsable response"
		}
	} else {
		if s, ok := parsed.Fields["summary"].(string); ok {
			summary = s
		}
		if c, ok := parsed.Fields["confidence"].(float64); ok {
			confidence = c
		}
		missingInfo = stringSlice(parsed.Fields["missing_info"])
		openQuestions = stringSlice(parsed.Fields["open_questions"])

		evidenceRefs, delta.Evidence = extractEvidence(role, desc, parsed.Fields)
	}

	messageContent := summary
	if toolInvoked {
		messageContent = summary + " (tool: " + toolResult.Summary + ")"
	}

	delta.Messages = []debate.Message{{
		Role:      debate.RoleSpecialist,
		AgentName: string(role),
		Phase:     desc.Phase,
		Content:   messageContent,
	}}
	delta.Feedback = map[string]debate.Feedback{
		string(role): {
			Round:         cmd.IssuedRound,
			Status:        status,
			Summary:       summary,
			EvidenceRefs:  evidenceRefs,
			Confidence:    confidence,
			MissingInfo:   missingInfo,
			OpenQuestions: openQuestions,
			StructuredOK:  parsed.StructuredOK,
		},
	}
	delta.AgentOutputs = map[string]any{string(role): parsed.Fields}
	if toolInvoked {
		delta.Context.ToolAuditPreviews = map[string]interface{}{string(role): toolResult.DataPreview}
	}
	return delta
}

func stringSlice(v interface{}) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// extractEvidence walks claims in the parsed output that carry a
// source_ref, canonicalizing and hashing each into an Evidence item per
// spec §4.3 step 4.
func extractEvidence(role registry.AgentRole, desc registry.Descriptor, fields map[string]interface{}) ([]string, []debate.Evidence) {
	claims, ok := fields["evidence"].([]interface{})
	if !ok {
		return nil, nil
	}
	var refs []string
	var out []debate.Evidence
	for _, c := range claims {
		claim, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		sourceRef, _ := claim["source_ref"].(string)
		if sourceRef == "" {
			continue
		}
		kind := debate.SourceKind(fmt.Sprintf("%v", claim["source_kind"]))
		if kind == "" || kind == "<nil>" {
			kind = defaultSourceKindFor(role)
		}
		id := debate.CanonicalEvidenceID(kind, sourceRef)
		description, _ := claim["description"].(string)
		strength := debate.StrengthMedium
		if s, ok := claim["strength"].(string); ok {
			strength = debate.Strength(s)
		}
		out = append(out, debate.Evidence{
			EvidenceID:     id,
			SourceKind:     kind,
			SourceRef:      sourceRef,
			Description:    description,
			Strength:       strength,
			ProducingAgent: string(role),
		})
		refs = append(refs, id)
	}
	return refs, out
}

func defaultSourceKindFor(role registry.AgentRole) debate.SourceKind {
	switch role {
	case registry.RoleLog:
		return debate.SourceLog
	case registry.RoleCode:
		return debate.SourceCode
	case registry.RoleDomain:
		return debate.SourceDomain
	case registry.RoleMetrics:
		return debate.SourceMetric
	case registry.RoleChange:
		return debate.SourceChange
	case registry.RoleRunbook, registry.RoleVerification:
		return debate.SourceRunbook
	default:
		return debate.SourceDomain
	}
}
