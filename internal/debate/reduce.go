package debate

// Reduce merges a node's partial Delta into the accumulated State. It
// matches graph.Reducer[State] and is registered with the engine via
// graph.WithReducer(debate.Reduce) (see internal/sessionsvc/graph.go).
//
// Deltas that touch disjoint keys of the per-key map fields (commands,
// feedback, agent_outputs) and evidence (de-duplicated by evidence_id)
// converge regardless of merge order. Messages and the event log append in
// merge order and metric counters add up, so applying the same delta twice
// is not idempotent.
func Reduce(prev, delta State) State {
	prev.Messages = reduceMessages(prev.Messages, delta.Messages)
	prev.Context = reduceContext(prev.Context, delta.Context)
	prev.Commands = reduceCommands(prev.Commands, delta.Commands)
	prev.Feedback = reduceFeedback(prev.Feedback, delta.Feedback)
	prev.Evidence = reduceEvidence(prev.Evidence, delta.Evidence)
	prev.AgentOutputs = reduceAgentOutputs(prev.AgentOutputs, delta.AgentOutputs)
	prev.Route = reduceRoute(prev.Route, delta.Route)
	prev.Metrics = reduceMetrics(prev.Metrics, delta.Metrics)
	prev.FinalResult = reduceFinalResult(prev.FinalResult, delta.FinalResult)
	return prev
}

// reduceMessages appends new messages. Messages are append-only and never
// rewritten once committed, so ordering across concurrent branches is
// resolved purely by settlement order at the call site (graph.Engine's
// fan-out merge, see executeParallel), not here.
func reduceMessages(prev, delta []Message) []Message {
	if len(delta) == 0 {
		return prev
	}
	out := make([]Message, 0, len(prev)+len(delta))
	out = append(out, prev...)
	out = append(out, delta...)
	return out
}

func reduceContext(prev, delta Context) Context {
	if delta.IncidentSummary != "" {
		prev.IncidentSummary = delta.IncidentSummary
	}
	if delta.RawLogExcerpt != "" {
		prev.RawLogExcerpt = delta.RawLogExcerpt
	}
	if delta.AccumulatedSummary != "" {
		prev.AccumulatedSummary = delta.AccumulatedSummary
	}
	if prev.AssetMapping == nil {
		prev.AssetMapping = map[string]string{}
	}
	for k, v := range delta.AssetMapping {
		prev.AssetMapping[k] = v
	}
	if prev.ToolAuditPreviews == nil {
		prev.ToolAuditPreviews = map[string]interface{}{}
	}
	for k, v := range delta.ToolAuditPreviews {
		prev.ToolAuditPreviews[k] = v
	}
	if len(delta.EventLog) > 0 {
		prev.EventLog = append(prev.EventLog, delta.EventLog...)
	}
	return prev
}

// reduceCommands overwrites one agent's command slot per delta entry. Each
// specialist has exactly one live Command at a time, so last-writer-wins per
// key is safe: only the supervisor writes this field, and it writes at most
// once per round per agent.
func reduceCommands(prev, delta map[string]Command) map[string]Command {
	if len(delta) == 0 {
		return prev
	}
	if prev == nil {
		prev = map[string]Command{}
	}
	for k, v := range delta {
		prev[k] = v
	}
	return prev
}

// reduceFeedback overwrites one agent's feedback slot per delta entry,
// keyed by agent name. Concurrent specialists in the same phase write
// disjoint keys, so map-merge is conflict-free regardless of settlement
// order.
func reduceFeedback(prev, delta map[string]Feedback) map[string]Feedback {
	if len(delta) == 0 {
		return prev
	}
	if prev == nil {
		prev = map[string]Feedback{}
	}
	for k, v := range delta {
		prev[k] = v
	}
	return prev
}

// reduceEvidence appends new evidence, deduplicating by EvidenceID so that
// two specialists citing the same canonicalized source converge to one
// entry regardless of which one settles first.
func reduceEvidence(prev, delta []Evidence) []Evidence {
	if len(delta) == 0 {
		return prev
	}
	seen := make(map[string]struct{}, len(prev))
	for _, e := range prev {
		seen[e.EvidenceID] = struct{}{}
	}
	for _, e := range delta {
		if _, ok := seen[e.EvidenceID]; ok {
			continue
		}
		seen[e.EvidenceID] = struct{}{}
		prev = append(prev, e)
	}
	return prev
}

func reduceAgentOutputs(prev, delta map[string]any) map[string]any {
	if len(delta) == 0 {
		return prev
	}
	if prev == nil {
		prev = map[string]any{}
	}
	for k, v := range delta {
		prev[k] = v
	}
	return prev
}

func reduceRoute(prev, delta Route) Route {
	if delta.CurrentPhase != "" {
		prev.CurrentPhase = delta.CurrentPhase
	}
	if delta.NextNode != "" {
		prev.NextNode = delta.NextNode
	}
	if delta.LoopRound > prev.LoopRound {
		prev.LoopRound = delta.LoopRound
	}
	return prev
}

// reduceMetrics accumulates counters element-wise. Per-phase and per-node
// keys make this commutative: two concurrent specialists increment disjoint
// keys, and retries/timeouts of the same node sum in either merge order.
func reduceMetrics(prev, delta Metrics) Metrics {
	if prev.PhaseLatenciesMS == nil {
		prev.PhaseLatenciesMS = map[string]int64{}
	}
	for k, v := range delta.PhaseLatenciesMS {
		prev.PhaseLatenciesMS[k] += v
	}
	if prev.RetryCounts == nil {
		prev.RetryCounts = map[string]int{}
	}
	for k, v := range delta.RetryCounts {
		prev.RetryCounts[k] += v
	}
	if prev.TimeoutCounts == nil {
		prev.TimeoutCounts = map[string]int{}
	}
	for k, v := range delta.TimeoutCounts {
		prev.TimeoutCounts[k] += v
	}
	prev.PromptTokens += delta.PromptTokens
	prev.CompletionTokens += delta.CompletionTokens
	return prev
}

// reduceFinalResult is set-once: once prev carries a FinalResult, further
// deltas are ignored. ValidateDelta rejects a second write outright; this
// is the defensive fallback if Reduce is ever called without validation.
func reduceFinalResult(prev, delta *FinalResult) *FinalResult {
	if prev != nil {
		return prev
	}
	return delta
}
