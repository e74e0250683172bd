package sessionsvc

import (
	"context"
	"fmt"
	"time"

	"github.com/sredebate/engine/graph"
	"github.com/sredebate/engine/graph/emit"
	"github.com/sredebate/engine/graph/store"
	"github.com/sredebate/engine/internal/agentrunner"
	"github.com/sredebate/engine/internal/config"
	"github.com/sredebate/engine/internal/debate"
	"github.com/sredebate/engine/internal/registry"
	"github.com/sredebate/engine/internal/reportguard"
	"github.com/sredebate/engine/internal/supervisor"
)

// deps bundles every leaf component the graph's nodes close over. Built
// once per session from its Configuration snapshot (spec §9: explicit
// config snapshot, never re-read mid-session).
type deps struct {
	cfg      config.Configuration
	reg      *registry.Registry
	runner   *agentrunner.Runner
	router   *supervisor.Router
	guard    *reportguard.Guard
	incident Incident
	publish  func(nodeID, eventType string, payload map[string]interface{})
}

// specialistRoster is every role that can ever be fanned out to during
// analysis or rebuttal; each gets its own registered graph node named
// "agent_"+role, so a round's fan-out is an ordinary Next.Many over node
// IDs rather than a single node secretly iterating over roles itself.
var specialistRoster = append(append([]registry.AgentRole{}, registry.AnalysisSpecialists...), registry.RoleRebuttal)

func specialistNodeID(role registry.AgentRole) string {
	return "agent_" + string(role)
}

// buildGraph wires every node named in spec §3.2's registered-node list
// onto a graph.Engine[debate.State]. Each analysis/rebuttal specialist is
// its own node; supervisor_decide fans out to whichever subset a round
// needs via Route.Many, naming "supervisor_decide" as Route.ManyThen so the
// engine resumes the loop there once every branch has settled and merged
// (see graph.Next.ManyThen and Engine.executeParallel's settlement-order,
// concurrency-bounded merge).
func buildGraph(d *deps, st store.Store[debate.State], emitter emit.Emitter) (*graph.Engine[debate.State], error) {
	eng := graph.New[debate.State](debate.Reduce, st, emitter,
		graph.Options{
			MaxSteps:              200,
			MaxConcurrentNodes:    0, // sequential pump; fan-out concurrency is per Next.Many
			MaxConcurrentBranches: d.cfg.ConcurrencyLimit,
			DefaultNodeTimeout:    60 * time.Second,
		},
	)

	nodes := map[string]graph.Node[debate.State]{
		"init_session":      initSessionNode(d),
		"collect_assets":    collectAssetsNode(d),
		"supervisor_decide": supervisorDecideNode(d),
		"agent_critic_node": singleAgentNode(d, registry.RoleCritic),
		"judge":             judgeNode(d),
		"verify":            singleAgentNode(d, registry.RoleVerification),
		"report":            reportNode(d),
		"terminal":          terminalNode(),
	}
	for _, role := range specialistRoster {
		nodes[specialistNodeID(role)] = specialistNode(d, role)
	}
	for id, n := range nodes {
		if err := eng.Add(id, n); err != nil {
			return nil, fmt.Errorf("sessionsvc: register node %q: %w", id, err)
		}
	}
	if err := eng.StartAt("init_session"); err != nil {
		return nil, fmt.Errorf("sessionsvc: set start node: %w", err)
	}
	return eng, nil
}

// wrapResult runs delta through debate.ValidateDelta before handing it to
// the engine, so an invariant violation (I1-I5) surfaces as a node error at
// the point it was produced instead of silently corrupting state via the
// reducer, which — matching the teacher's graph.Reducer contract — has no
// error return of its own.
func wrapResult(state, delta debate.State, route graph.Next) graph.NodeResult[debate.State] {
	if err := debate.ValidateDelta(state, delta); err != nil {
		return graph.NodeResult[debate.State]{Err: err}
	}
	return graph.NodeResult[debate.State]{Delta: delta, Route: route}
}

func initSessionNode(d *deps) graph.Node[debate.State] {
	return graph.NodeFunc[debate.State](func(ctx context.Context, state debate.State) graph.NodeResult[debate.State] {
		delta := debate.New()
		delta.Context.IncidentSummary = d.incident.Title + ": " + d.incident.Description
		delta.Context.RawLogExcerpt = d.incident.LogContent
		delta.Route = debate.Route{CurrentPhase: debate.PhaseAssetMapping}
		d.publish("init_session", "session_started", map[string]interface{}{"incident_id": d.incident.ID})
		return wrapResult(state, delta, graph.Goto("collect_assets"))
	})
}

func collectAssetsNode(d *deps) graph.Node[debate.State] {
	return graph.NodeFunc[debate.State](func(ctx context.Context, state debate.State) graph.NodeResult[debate.State] {
		delta := debate.New()
		delta.Context.AssetMapping = map[string]string{d.incident.Service: d.incident.Environment}
		d.publish("collect_assets", "asset_interface_mapping_completed", map[string]interface{}{
			"service": d.incident.Service, "environment": d.incident.Environment,
		})
		return wrapResult(state, delta, graph.Goto("supervisor_decide"))
	})
}

// fanoutTargets maps a supervisor Decision's NextNode to the phase it
// advances to and the specialist node IDs a round should fan out across.
// Only agent_analysis_fanout/agent_rebuttal_fanout are fan-out targets;
// every other NextNode is a plain single-node Goto.
func fanoutTargets(decision supervisor.Decision) (phase debate.Phase, nodeIDs []string, isFanout bool) {
	switch decision.NextNode {
	case "agent_analysis_fanout":
		phase = debate.PhaseAnalysis
	case "agent_rebuttal_fanout":
		phase = debate.PhaseRebuttal
	default:
		return "", nil, false
	}
	roles := make([]registry.AgentRole, 0, len(decision.Commands))
	for role := range decision.Commands {
		roles = append(roles, role)
	}
	nodeIDs = make([]string, 0, len(roles))
	for _, role := range roles {
		nodeIDs = append(nodeIDs, specialistNodeID(role))
	}
	return phase, nodeIDs, true
}

func supervisorDecideNode(d *deps) graph.Node[debate.State] {
	return graph.NodeFunc[debate.State](func(ctx context.Context, state debate.State) graph.NodeResult[debate.State] {
		decision, err := d.router.Decide(ctx, state)
		if err != nil {
			return graph.NodeResult[debate.State]{Err: err}
		}
		delta := debate.New()
		if len(decision.Commands) > 0 {
			delta.Commands = map[string]debate.Command{}
			for role, cmd := range decision.Commands {
				delta.Commands[string(role)] = cmd
				d.publish("supervisor_decide", "agent_command_issued", map[string]interface{}{
					"agent_name": string(role), "task": cmd.Task,
				})
			}
		}

		if phase, nodeIDs, isFanout := fanoutTargets(decision); isFanout {
			delta.Route = debate.Route{CurrentPhase: phase, LoopRound: nextLoopRound(state, phase)}
			d.publish("supervisor_decide", "phase_changed", map[string]interface{}{"next_node": decision.NextNode})
			return wrapResult(state, delta, graph.Next{Many: nodeIDs, ManyThen: "supervisor_decide"})
		}

		delta.Route = debate.Route{NextNode: decision.NextNode}
		d.publish("supervisor_decide", "phase_changed", map[string]interface{}{"next_node": decision.NextNode})
		return wrapResult(state, delta, graph.Goto(decision.NextNode))
	})
}

// nextLoopRound advances LoopRound only when re-entering rebuttal for
// another round; the first analysis fan-out keeps the round the supervisor
// already set via its commands.
func nextLoopRound(state debate.State, phase debate.Phase) int {
	if phase == debate.PhaseRebuttal {
		return state.Route.LoopRound + 1
	}
	return state.Route.LoopRound
}

// specialistNode wraps agentrunner.Runner.Run for one fixed role as its own
// graph node, so the engine's native Next.Many fan-out can address each
// specialist directly. A specialist's own trouble (agentrunner already
// converts it to a failed/degraded Feedback entry, never a Go error) merges
// like any other delta; only a genuinely unexpected error aborts the node.
func specialistNode(d *deps, role registry.AgentRole) graph.Node[debate.State] {
	return graph.NodeFunc[debate.State](func(ctx context.Context, state debate.State) graph.NodeResult[debate.State] {
		cmd := state.Commands[string(role)]
		delta, err := d.runner.Run(ctx, role, state, cmd)
		if err != nil {
			return graph.NodeResult[debate.State]{Err: err}
		}
		if err := debate.ValidateDelta(state, delta); err != nil {
			return graph.NodeResult[debate.State]{Err: err}
		}
		return graph.NodeResult[debate.State]{Delta: delta}
	})
}

func singleAgentNode(d *deps, role registry.AgentRole) graph.Node[debate.State] {
	return graph.NodeFunc[debate.State](func(ctx context.Context, state debate.State) graph.NodeResult[debate.State] {
		cmd := state.Commands[string(role)]
		delta, err := d.runner.Run(ctx, role, state, cmd)
		if err != nil {
			return graph.NodeResult[debate.State]{Err: err}
		}
		phase := phaseForRole(role)
		delta.Route = debate.Route{CurrentPhase: phase}
		return wrapResult(state, delta, graph.Goto("supervisor_decide"))
	})
}

func phaseForRole(role registry.AgentRole) debate.Phase {
	switch role {
	case registry.RoleCritic:
		return debate.PhaseCritique
	case registry.RoleVerification:
		return debate.PhaseVerification
	default:
		return debate.PhaseAnalysis
	}
}

func judgeNode(d *deps) graph.Node[debate.State] {
	return graph.NodeFunc[debate.State](func(ctx context.Context, state debate.State) graph.NodeResult[debate.State] {
		cmd := state.Commands[string(registry.RoleJudge)]
		delta, err := d.runner.Run(ctx, registry.RoleJudge, state, cmd)
		if err != nil {
			return graph.NodeResult[debate.State]{Err: err}
		}
		if fields, ok := delta.AgentOutputs[string(registry.RoleJudge)].(map[string]interface{}); ok {
			delta.FinalResult = finalResultFromFields(fields)
		}
		delta.Route = debate.Route{CurrentPhase: debate.PhaseJudgment}
		d.publish("judge", "result_ready", map[string]interface{}{})
		return wrapResult(state, delta, graph.Goto("supervisor_decide"))
	})
}

func finalResultFromFields(fields map[string]interface{}) *debate.FinalResult {
	fr := &debate.FinalResult{}
	if s, ok := fields["root_cause"].(string); ok {
		fr.RootCause = s
	}
	if c, ok := fields["confidence"].(float64); ok {
		fr.Confidence = c
	}
	if chain, ok := fields["evidence_chain"].([]interface{}); ok {
		for _, v := range chain {
			if s, ok := v.(string); ok {
				fr.EvidenceChain = append(fr.EvidenceChain, s)
			}
		}
	}
	if s, ok := fields["impact"].(string); ok {
		fr.Impact = s
	}
	if s, ok := fields["fix_recommendation"].(string); ok {
		fr.FixRecommendation = s
	}
	if s, ok := fields["verification_plan"].(string); ok {
		fr.VerificationPlan = s
	}
	if s, ok := fields["risk_level"].(string); ok {
		fr.RiskLevel = debate.RiskLevel(s)
	}
	return fr
}

func reportNode(d *deps) graph.Node[debate.State] {
	return graph.NodeFunc[debate.State](func(ctx context.Context, state debate.State) graph.NodeResult[debate.State] {
		merged := debate.Reduce(debate.New(), state) // ensure maps non-nil for validation
		if err := d.guard.ValidateAndRender(ctx, d.incident.ID, merged); err != nil {
			return graph.NodeResult[debate.State]{Err: err}
		}
		delta := debate.New()
		delta.Route = debate.Route{CurrentPhase: debate.PhaseReport}
		return wrapResult(state, delta, graph.Goto("terminal"))
	})
}

func terminalNode() graph.Node[debate.State] {
	return graph.NodeFunc[debate.State](func(ctx context.Context, state debate.State) graph.NodeResult[debate.State] {
		delta := debate.New()
		delta.Route = debate.Route{CurrentPhase: debate.PhaseTerminal}
		return graph.NodeResult[debate.State]{Delta: delta, Route: graph.Stop()}
	})
}
