// Package llmgateway wraps model.ChatModel with retry, timeout, and
// per-(provider,phase) circuit breaking, emitting the paired
// llm_request_started/completed|failed|timeout events the spec requires.
package llmgateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/sredebate/engine/graph/emit"
	"github.com/sredebate/engine/graph/model"
	"github.com/sredebate/engine/internal/debate"
)

// RetryProfile configures backoff for one phase. Distinct phases may carry
// distinct profiles (e.g. judgment gets a longer timeout than critique).
type RetryProfile struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration
}

// DefaultRetryProfile is used for any phase without an explicit override.
var DefaultRetryProfile = RetryProfile{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    8 * time.Second,
	Timeout:     30 * time.Second,
}

// Gateway fronts one or more model.ChatModel providers, keyed by provider
// name, with a breaker per (provider, phase) pair.
type Gateway struct {
	models            map[string]model.ChatModel
	profiles          map[debate.Phase]RetryProfile
	supervisorProfile RetryProfile
	breakers          map[string]*gobreaker.CircuitBreaker
	emitter           emit.Emitter
	sessionID         string
	rng               *rand.Rand
}

// supervisorAgentName is the fixed agentName the supervisor passes to Chat
// (see internal/supervisor.decideLLM); it is not a registry.AgentRole and
// never appears as a map key in profiles, which is why it needs its own
// profile rather than being resolved through the phase map.
const supervisorAgentName = "supervisor"

// New builds a Gateway over the given provider map. profiles may be nil, in
// which case DefaultRetryProfile applies to every phase; supervisorProfile
// is used for every call with agentName=="supervisor" regardless of phase,
// since the supervisor isn't itself a debate.Phase (spec §4.7: "Per-phase
// retry profiles (analysis/judge-verification/supervisor)" names the
// supervisor profile as its own class, distinct from the phase it happens
// to be deciding on behalf of).
func New(sessionID string, models map[string]model.ChatModel, profiles map[debate.Phase]RetryProfile, supervisorProfile RetryProfile, emitter emit.Emitter) *Gateway {
	if emitter == nil {
		emitter = &emit.NullEmitter{}
	}
	return &Gateway{
		models:            models,
		profiles:          profiles,
		supervisorProfile: supervisorProfile,
		breakers:          map[string]*gobreaker.CircuitBreaker{},
		emitter:           emitter,
		sessionID:         sessionID,
		rng:               rand.New(rand.NewSource(1)),
	}
}

// profileFor resolves the retry profile for one call: the supervisor gets
// its own dedicated class regardless of phase, every other agentName
// resolves by debate.Phase (analysis/critique/rebuttal share the "analysis"
// class; judgment/verification share the "long timeout, few retries"
// class — spec §4.7).
func (g *Gateway) profileFor(agentName string, phase debate.Phase) RetryProfile {
	if agentName == supervisorAgentName {
		if g.supervisorProfile != (RetryProfile{}) {
			return g.supervisorProfile
		}
		return DefaultRetryProfile
	}
	if p, ok := g.profiles[phase]; ok {
		return p
	}
	return DefaultRetryProfile
}

func (g *Gateway) breakerFor(provider string, phase debate.Phase) *gobreaker.CircuitBreaker {
	key := provider + "/" + string(phase)
	if b, ok := g.breakers[key]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	g.breakers[key] = b
	return b
}

// ErrBreakerOpen wraps gobreaker.ErrOpenState so callers can test for it
// without importing gobreaker directly.
var ErrBreakerOpen = gobreaker.ErrOpenState

// Chat invokes the named provider's ChatModel with retry/backoff/timeout
// and circuit breaking scoped to (provider, phase), emitting the paired
// llm_request_* events around every attempt.
func (g *Gateway) Chat(ctx context.Context, provider string, phase debate.Phase, agentName string, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	m, ok := g.models[provider]
	if !ok {
		return model.ChatOut{}, fmt.Errorf("llmgateway: unknown provider %q", provider)
	}
	profile := g.profileFor(agentName, phase)
	breaker := g.breakerFor(provider, phase)

	var lastErr error
	for attempt := 0; attempt < profile.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := computeBackoff(attempt-1, profile.BaseDelay, profile.MaxDelay, g.rng)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return model.ChatOut{}, ctx.Err()
			}
		}

		requestID := uuid.NewString()
		start := time.Now()
		g.emitStarted(requestID, provider, phase, agentName, attempt)

		callCtx, cancel := context.WithTimeout(ctx, profile.Timeout)
		result, err := breaker.Execute(func() (interface{}, error) {
			return m.Chat(callCtx, messages, tools)
		})
		cancel()
		latency := time.Since(start)

		if err == nil {
			out := result.(model.ChatOut)
			g.emitCompleted(requestID, provider, phase, agentName, latency, out)
			return out, nil
		}

		lastErr = err
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			g.emitTimeout(requestID, provider, phase, agentName, latency)
			continue
		}
		g.emitFailed(requestID, provider, phase, agentName, latency, err)
		if errors.Is(err, gobreaker.ErrOpenState) {
			break
		}
	}
	return model.ChatOut{}, fmt.Errorf("llmgateway: exhausted retries for %s/%s: %w", provider, phase, lastErr)
}

func (g *Gateway) emitStarted(requestID, provider string, phase debate.Phase, agentName string, attempt int) {
	g.emitter.Emit(emit.Event{
		RunID:  g.sessionID,
		NodeID: agentName,
		Msg:    "llm_request_started",
		Meta: map[string]interface{}{
			"request_id": requestID, "model_id": provider, "phase": string(phase),
			"agent_name": agentName, "attempt": attempt,
		},
	})
}

func (g *Gateway) emitCompleted(requestID, provider string, phase debate.Phase, agentName string, latency time.Duration, out model.ChatOut) {
	g.emitter.Emit(emit.Event{
		RunID:  g.sessionID,
		NodeID: agentName,
		Msg:    "llm_request_completed",
		Meta: map[string]interface{}{
			"request_id": requestID, "model_id": provider, "phase": string(phase),
			"agent_name": agentName, "latency_ms": latency.Milliseconds(),
			"completion_tokens_approx": approxTokens(out.Text),
		},
	})
}

func (g *Gateway) emitFailed(requestID, provider string, phase debate.Phase, agentName string, latency time.Duration, err error) {
	g.emitter.Emit(emit.Event{
		RunID:  g.sessionID,
		NodeID: agentName,
		Msg:    "llm_request_failed",
		Meta: map[string]interface{}{
			"request_id": requestID, "model_id": provider, "phase": string(phase),
			"agent_name": agentName, "latency_ms": latency.Milliseconds(), "error": err.Error(),
		},
	})
}

func (g *Gateway) emitTimeout(requestID, provider string, phase debate.Phase, agentName string, latency time.Duration) {
	g.emitter.Emit(emit.Event{
		RunID:  g.sessionID,
		NodeID: agentName,
		Msg:    "llm_request_timeout",
		Meta: map[string]interface{}{
			"request_id": requestID, "model_id": provider, "phase": string(phase),
			"agent_name": agentName, "latency_ms": latency.Milliseconds(),
		},
	})
}

// approxTokens is a tokenizer-free approximation (chars/4), matching the
// spec's "approximate prompt_tokens/completion_tokens" requirement without
// pulling in a tokenizer dependency the gateway never otherwise needs.
func approxTokens(text string) int {
	return (len(text) + 3) / 4
}

// computeBackoff re-derives the teacher's exponential-backoff-with-jitter
// formula (graph.computeBackoff is package-private to graph, so the
// gateway — a separate package needing the same behavior for its own
// non-node retry loop — restates it rather than forking the engine).
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	exponential := base * (1 << attempt)
	if exponential > maxDelay {
		exponential = maxDelay
	}
	var jitter time.Duration
	if base > 0 {
		jitter = time.Duration(rng.Int63n(int64(base)))
	}
	return exponential + jitter
}
