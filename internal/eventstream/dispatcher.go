// Package eventstream implements the Event Dispatcher: a de-duplicated,
// FIFO, replay-from-cursor event log per session, fanned out to
// subscribers (in-process channels and websocket clients alike).
package eventstream

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sredebate/engine/internal/debate"
)

// EventType enumerates the schema-stable event names from spec §4.8.
type EventType string

const (
	EventSessionStarted               EventType = "session_started"
	EventSessionCompleted              EventType = "session_completed"
	EventSessionFailed                 EventType = "session_failed"
	EventSessionCancelled              EventType = "session_cancelled"
	EventPhaseChanged                  EventType = "phase_changed"
	EventAgentCommandIssued            EventType = "agent_command_issued"
	EventAgentChatMessage              EventType = "agent_chat_message"
	EventAgentRound                    EventType = "agent_round"
	EventAgentToolContextPrepared      EventType = "agent_tool_context_prepared"
	EventAgentToolIO                   EventType = "agent_tool_io"
	EventLLMRequestStarted             EventType = "llm_request_started"
	EventLLMRequestCompleted           EventType = "llm_request_completed"
	EventLLMRequestFailed              EventType = "llm_request_failed"
	EventLLMRequestTimeout             EventType = "llm_request_timeout"
	EventAssetInterfaceMappingComplete EventType = "asset_interface_mapping_completed"
	EventResultReady                   EventType = "result_ready"
	EventStreamLag                     EventType = "stream_lag"
)

// Event is the common envelope for every emitted event.
type Event struct {
	EventID   string                 `json:"event_id"`
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Phase     debate.Phase           `json:"phase"`
	AgentName string                 `json:"agent_name,omitempty"`
	Payload   map[string]interface{} `json:"payload"`
	cursor    int64
}

// Cursor is an opaque per-session replay position.
type Cursor int64

// subscriberBufferSize is the per-subscriber channel depth; when a slow
// subscriber's queue is full, its oldest queued event is dropped to make
// room and a stream_lag event is published, rather than blocking the
// dispatcher.
const subscriberBufferSize = 256

type subscriber struct {
	ch     chan Event
	cancel func()
}

// sessionLog is the append-only, deduplicated event history for one
// session, plus its live subscriber set.
type sessionLog struct {
	mu          sync.Mutex
	events      []Event
	seenIDs     map[string]struct{}
	nextCursor  int64
	nodeSeq     map[string]int64
	subscribers map[string]*subscriber
}

// Dispatcher owns one sessionLog per session_id.
type Dispatcher struct {
	mu       sync.Mutex
	sessions map[string]*sessionLog
}

// New returns an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{sessions: map[string]*sessionLog{}}
}

func (d *Dispatcher) logFor(sessionID string) *sessionLog {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.sessions[sessionID]
	if !ok {
		l = &sessionLog{seenIDs: map[string]struct{}{}, nodeSeq: map[string]int64{}, subscribers: map[string]*subscriber{}}
		d.sessions[sessionID] = l
	}
	return l
}

// Publish appends ev to the session's FIFO log, assigning EventID if unset,
// deduplicating by EventID, and fanning out to every live subscriber.
//
// An unset EventID is derived deterministically from (session_id, node,
// sequence_index) per spec §4.8/§8, rather than minted at random: node is
// ev.AgentName (empty string for session-level envelope events, which then
// share their own sequence), and sequence_index is how many events have
// already been published for that (session_id, node) pair. Replaying the
// same logical emission order — the guarantee crash recovery depends on —
// reproduces the same IDs even from a freshly constructed Dispatcher, which
// is exactly what lets seenIDs recognize a re-published event as a
// duplicate instead of minting it a second, different ID.
func (d *Dispatcher) Publish(sessionID string, ev Event) {
	ev.SessionID = sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	l := d.logFor(sessionID)
	l.mu.Lock()
	if ev.EventID == "" {
		seq := l.nodeSeq[ev.AgentName]
		l.nodeSeq[ev.AgentName] = seq + 1
		ev.EventID = deterministicEventID(sessionID, ev.AgentName, seq)
	}
	if _, dup := l.seenIDs[ev.EventID]; dup {
		l.mu.Unlock()
		return
	}
	l.seenIDs[ev.EventID] = struct{}{}
	ev.cursor = l.nextCursor
	l.nextCursor++
	l.events = append(l.events, ev)
	subs := make([]*subscriber, 0, len(l.subscribers))
	for _, s := range l.subscribers {
		subs = append(subs, s)
	}
	l.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- ev:
			default:
			}
			if ev.Type == EventStreamLag {
				continue
			}
			d.Publish(sessionID, Event{
				Type:    EventStreamLag,
				Phase:   ev.Phase,
				Payload: map[string]interface{}{"dropped_for_subscriber": true},
			})
		}
	}
}

// deterministicEventID derives event_id = hash(session_id, node,
// sequence_index) per spec §4.8, so the same logical event always gets the
// same identifier however many times it is (re-)published.
func deterministicEventID(sessionID, node string, sequenceIndex int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", sessionID, node, sequenceIndex)))
	return hex.EncodeToString(sum[:])
}

// Subscribe registers a new live subscriber and returns its channel plus an
// unsubscribe function. fromCursor replays events at or after that cursor
// before live events begin; replay stops filling the channel at
// subscriberBufferSize events, and later replayed events are not delivered.
func (d *Dispatcher) Subscribe(sessionID string, fromCursor Cursor) (<-chan Event, func()) {
	l := d.logFor(sessionID)
	id := uuid.NewString()
	ch := make(chan Event, subscriberBufferSize)

	l.mu.Lock()
	for _, ev := range l.events {
		if ev.cursor >= int64(fromCursor) {
			select {
			case ch <- ev:
			default:
			}
		}
	}
	sub := &subscriber{ch: ch}
	l.subscribers[id] = sub
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		delete(l.subscribers, id)
		l.mu.Unlock()
		close(ch)
	}
	return ch, cancel
}

// History returns every event recorded for sessionID so far, in FIFO
// production order.
func (d *Dispatcher) History(sessionID string) []Event {
	l := d.logFor(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// WebSocketFanout forwards a subscription's events to a websocket
// connection until the connection closes or unsubscribe is called.
// Grounded on the spec's requirement for a live subscriber fan-out beyond
// in-process channels (spec §4.8, §6 external interfaces).
type WebSocketFanout struct {
	conn *websocket.Conn
}

// NewWebSocketFanout wraps an already-upgraded websocket connection.
func NewWebSocketFanout(conn *websocket.Conn) *WebSocketFanout {
	return &WebSocketFanout{conn: conn}
}

// Run blocks, writing each received event as a JSON text frame, until ch
// closes or a write fails.
func (w *WebSocketFanout) Run(ch <-chan Event) error {
	for ev := range ch {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("eventstream: marshal event: %w", err)
		}
		if err := w.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return fmt.Errorf("eventstream: write event: %w", err)
		}
	}
	return nil
}
