// Package sessionsvc is the Session Service: it owns one graph.Engine run
// per incident investigation, exposes the lifecycle operations Create,
// Start, Cancel and Get (subscription goes through Dispatcher()), and wires
// every leaf component (Agent Runner, Supervisor Router, Report Guard,
// Event Dispatcher) into a single graph.Engine[debate.State].
package sessionsvc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/sredebate/engine/graph/emit"
	"github.com/sredebate/engine/graph/model"
	"github.com/sredebate/engine/graph/model/anthropic"
	"github.com/sredebate/engine/graph/store"
	"github.com/sredebate/engine/graph/tool"
	"github.com/sredebate/engine/internal/agentrunner"
	"github.com/sredebate/engine/internal/config"
	"github.com/sredebate/engine/internal/debate"
	"github.com/sredebate/engine/internal/eventstream"
	"github.com/sredebate/engine/internal/llmgateway"
	"github.com/sredebate/engine/internal/registry"
	"github.com/sredebate/engine/internal/reportguard"
	"github.com/sredebate/engine/internal/supervisor"
	"github.com/sredebate/engine/internal/tools"
)

// Incident is the inbound request describing the investigation to run.
type Incident struct {
	ID          string
	Title       string
	Description string
	Service     string
	Environment string
	LogContent  string
}

// Status is the session's externally visible lifecycle state (spec §5).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ErrorCode enumerates the taxonomy from spec §7.
type ErrorCode string

const (
	ErrorCodeNone                ErrorCode = ""
	ErrorCodeNoValidConclusion   ErrorCode = "NO_VALID_CONCLUSION"
	ErrorCodeMaxStepsExceeded    ErrorCode = "MAX_STEPS_EXCEEDED"
	ErrorCodeUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	ErrorCodeCancelled           ErrorCode = "CANCELLED"
)

// Session is one running or completed investigation.
type Session struct {
	ID        string
	Incident  Incident
	Status    Status
	ErrorCode ErrorCode
	Result    *debate.FinalResult

	cancel    context.CancelFunc
	cancelled atomic.Bool

	mu    sync.RWMutex
	state debate.State
}

func (s *Session) setState(st debate.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// SnapshotState returns the session's current (possibly in-progress) state.
func (s *Session) SnapshotState() debate.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Deps are the shared, process-lifetime dependencies every session's
// engine is built from. AnthropicAPIKey selects the concrete provider
// backing the gateway's "anthropic" model slot; Renderer may be nil.
type Deps struct {
	AnthropicAPIKey string
	Renderer        reportguard.ReportRenderer
	ToolFixtures    ToolFixtures
}

// ToolFixtures supplies the backing data for each local tool
// implementation (spec's tools are deterministic lookups over
// operator-supplied fixtures, not live external calls).
type ToolFixtures struct {
	LogLines       []string
	DomainTable    map[string]map[string]string
	RepoFiles      map[string]string
	ChangeRecords  []tools.ChangeRecord
	MetricsSeries  map[string][]float64
	MetricsBaseline map[string]float64
	RunbookCases   []tools.RunbookCase
}

// Service is the Session Service: it holds every session created this
// process and the shared leaf components they're built from.
type Service struct {
	cfg        config.Configuration
	deps       Deps
	reg        *registry.Registry
	dispatcher *eventstream.Dispatcher

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New builds a Service from a Configuration snapshot and process-lifetime
// Deps (API keys, an optional external report renderer, and tool
// fixtures).
func New(cfg config.Configuration, deps Deps) *Service {
	return &Service{
		cfg:        cfg,
		deps:       deps,
		reg:        registry.DefaultRegistry(),
		dispatcher: eventstream.New(),
		sessions:   map[string]*Session{},
	}
}

// Dispatcher exposes the shared event dispatcher so callers can Subscribe
// before Start without needing a session handle yet.
func (svc *Service) Dispatcher() *eventstream.Dispatcher { return svc.dispatcher }

// Create registers a new pending session for incident without starting it.
func (svc *Service) Create(incident Incident) *Session {
	if incident.ID == "" {
		incident.ID = uuid.NewString()
	}
	sess := &Session{
		ID:       incident.ID,
		Incident: incident,
		Status:   StatusPending,
		state:    debate.New(),
	}
	svc.mu.Lock()
	svc.sessions[sess.ID] = sess
	svc.mu.Unlock()
	return sess
}

// Get returns a previously created session.
func (svc *Service) Get(sessionID string) (*Session, error) {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	sess, ok := svc.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("sessionsvc: unknown session %q", sessionID)
	}
	return sess, nil
}

// Cancel requests cancellation of a running session: it sets the session's
// cancelled flag and cancels the run's context, which in-flight calls that
// take that context observe, and no further node is scheduled.
func (svc *Service) Cancel(sessionID string) error {
	sess, err := svc.Get(sessionID)
	if err != nil {
		return err
	}
	sess.cancelled.Store(true)
	if sess.cancel != nil {
		sess.cancel()
	}
	return nil
}

// Start builds this session's engine and runs it to completion,
// cancellation, or failure. Callers that want to observe progress should
// Subscribe via svc.Dispatcher() before calling Start.
func (svc *Service) Start(ctx context.Context, sessionID string) error {
	sess, err := svc.Get(sessionID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	sess.cancel = cancel
	defer cancel()

	sess.Status = StatusRunning
	svc.dispatcher.Publish(sessionID, eventstream.Event{
		Type:    eventstream.EventSessionStarted,
		Payload: map[string]interface{}{"incident_id": sess.Incident.ID},
	})

	emitter := sessionEmitter{dispatcher: svc.dispatcher, sessionID: sessionID}

	gw := llmgateway.New(sessionID, map[string]model.ChatModel{
		"anthropic": anthropic.NewChatModel(svc.deps.AnthropicAPIKey, "claude-sonnet-4"),
	}, retryProfilesFromConfig(svc.cfg), supervisorProfileFromConfig(svc.cfg), emitter)

	toolSvc, err := tools.NewService(svc.toolImpls(), copyToolsEnabled(svc.cfg))
	if err != nil {
		svc.fail(sess, ErrorCodeUpstreamUnavailable)
		return err
	}

	runner := agentrunner.New(svc.reg, gw, toolSvc, "anthropic")
	router := supervisor.New(svc.cfg.SupervisorMode, svc.cfg.MaxRounds, gw, "anthropic")
	guard := reportguard.New(reportguard.Config{
		BlockedConclusionPhrases: svc.cfg.BlockedConclusionPhrases,
		EvidenceSourceKindMinimum: svc.cfg.EvidenceSourceKindMinimum,
	}, svc.deps.Renderer)

	d := &deps{
		cfg:      svc.cfg,
		reg:      svc.reg,
		runner:   runner,
		router:   router,
		guard:    guard,
		incident: sess.Incident,
		publish: func(nodeID, eventType string, payload map[string]interface{}) {
			svc.dispatcher.Publish(sessionID, eventstream.Event{
				Type:      eventstream.EventType(eventType),
				AgentName: nodeID,
				Payload:   payload,
			})
		},
	}

	eng, err := buildGraph(d, store.NewMemStore[debate.State](), emitter)
	if err != nil {
		svc.fail(sess, ErrorCodeUpstreamUnavailable)
		return err
	}

	final, runErr := eng.Run(runCtx, sessionID, debate.New())
	sess.setState(final)

	if runErr != nil {
		return svc.handleRunError(sess, final, runErr)
	}

	// The report node already ran guard.ValidateAndRender before reaching
	// terminal, so runErr == nil here means final_result passed every
	// effective-conclusion rule (spec §4.10).
	sess.Status = StatusCompleted
	sess.Result = final.FinalResult
	svc.dispatcher.Publish(sessionID, eventstream.Event{
		Type:    eventstream.EventSessionCompleted,
		Payload: map[string]interface{}{"root_cause": resultRootCause(final)},
	})
	return nil
}

func resultRootCause(st debate.State) string {
	if st.FinalResult == nil {
		return ""
	}
	return st.FinalResult.RootCause
}

func (svc *Service) handleRunError(sess *Session, final debate.State, runErr error) error {
	if sess.cancelled.Load() || errors.Is(runErr, context.Canceled) {
		sess.Status = StatusCancelled
		sess.ErrorCode = ErrorCodeCancelled
		svc.dispatcher.Publish(sess.ID, eventstream.Event{
			Type:    eventstream.EventSessionCancelled,
			Payload: map[string]interface{}{"error_code": string(ErrorCodeCancelled)},
		})
		return nil
	}

	var noConclusion *reportguard.NoValidConclusionError
	code := ErrorCodeUpstreamUnavailable
	if errors.As(runErr, &noConclusion) {
		code = ErrorCodeNoValidConclusion
	}
	svc.failWithResult(sess, code, nil)
	svc.dispatcher.Publish(sess.ID, eventstream.Event{
		Type:    eventstream.EventSessionFailed,
		Payload: map[string]interface{}{"error_code": string(code), "error": runErr.Error()},
	})
	return runErr
}

func (svc *Service) fail(sess *Session, code ErrorCode) {
	svc.failWithResult(sess, code, nil)
}

func (svc *Service) failWithResult(sess *Session, code ErrorCode, result *debate.FinalResult) {
	sess.Status = StatusFailed
	sess.ErrorCode = code
	sess.Result = result
}

func (svc *Service) toolImpls() map[tools.Kind]tool.Tool {
	f := svc.deps.ToolFixtures
	return map[tools.Kind]tool.Tool{
		tools.KindLocalLogReader:          &tools.LocalLogReader{Lines: f.LogLines},
		tools.KindDomainTableLookup:       &tools.DomainTableLookup{Table: f.DomainTable},
		tools.KindSourceRepoSearch:        &tools.SourceRepoSearch{Files: f.RepoFiles},
		tools.KindChangeWindowScanner:     &tools.ChangeWindowScanner{Changes: f.ChangeRecords},
		tools.KindMetricsSnapshotAnalyzer: &tools.MetricsSnapshotAnalyzer{Series: f.MetricsSeries, Baseline: f.MetricsBaseline},
		tools.KindRunbookCaseLibrary:      &tools.RunbookCaseLibrary{Cases: f.RunbookCases},
	}
}

func retryProfilesFromConfig(cfg config.Configuration) map[debate.Phase]llmgateway.RetryProfile {
	out := map[debate.Phase]llmgateway.RetryProfile{}
	for phase, rp := range cfg.RetryProfile {
		out[phase] = toGatewayProfile(rp)
	}
	return out
}

// supervisorProfileFromConfig carries the supervisor's own retry class
// (config.Configuration.SupervisorRetryProfile) into the gateway, since the
// supervisor isn't itself a debate.Phase and so can't be looked up through
// the phase-keyed RetryProfile map (spec §4.7).
func supervisorProfileFromConfig(cfg config.Configuration) llmgateway.RetryProfile {
	return toGatewayProfile(cfg.SupervisorRetryProfile)
}

func toGatewayProfile(rp config.RetryProfile) llmgateway.RetryProfile {
	return llmgateway.RetryProfile{
		MaxAttempts: rp.MaxRetries + 1,
		BaseDelay:   rp.BaseDelay(),
		MaxDelay:    rp.MaxDelayDuration(),
		Timeout:     rp.Timeout(),
	}
}

func copyToolsEnabled(cfg config.Configuration) map[tools.Kind]bool {
	out := make(map[tools.Kind]bool, len(cfg.ToolsEnabled))
	for k, v := range cfg.ToolsEnabled {
		out[k] = v
	}
	return out
}

type sessionEmitter struct {
	dispatcher *eventstream.Dispatcher
	sessionID  string
}

func (e sessionEmitter) Emit(ev emit.Event) {
	e.dispatcher.Publish(e.sessionID, eventstream.Event{
		Type:    eventstream.EventType(ev.Msg),
		Payload: ev.Meta,
	})
}

func (e sessionEmitter) EmitBatch(ctx context.Context, evs []emit.Event) error {
	for _, ev := range evs {
		e.Emit(ev)
	}
	return nil
}

func (e sessionEmitter) Flush() error { return nil }
