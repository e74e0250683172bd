// Package obslog adapts graph/emit.Emitter into the ambient logging
// surface used everywhere else in this module. Like the teacher, this repo
// never pulls in a dedicated structured-logging library (zerolog, zap):
// graph/emit.Emitter already is the teacher's structured-event sink, so
// this package only adds a thin log/slog bridge for process-level
// messages (startup, shutdown, fatal config errors) that happen outside
// any session and therefore have no session_id to attach to an emit.Event.
package obslog

import (
	"log/slog"
	"os"

	"github.com/sredebate/engine/graph/emit"
)

// NewProcessLogger returns the slog.Logger used for messages with no
// session context (CLI startup, config loading, fatal errors before a
// session exists).
func NewProcessLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// SessionLogger emits both to slog (for operators tailing stderr) and to
// the session's own emit.Emitter (for subscribers), so the two streams
// never drift out of sync for session-scoped messages.
type SessionLogger struct {
	process   *slog.Logger
	emitter   emit.Emitter
	sessionID string
}

// NewSessionLogger binds a SessionLogger to one session.
func NewSessionLogger(process *slog.Logger, emitter emit.Emitter, sessionID string) *SessionLogger {
	if emitter == nil {
		emitter = &emit.NullEmitter{}
	}
	return &SessionLogger{process: process, emitter: emitter, sessionID: sessionID}
}

// Info logs an informational message to both sinks.
func (l *SessionLogger) Info(msg string, meta map[string]interface{}) {
	l.process.Info(msg, "session_id", l.sessionID)
	l.emitter.Emit(emit.Event{RunID: l.sessionID, Msg: msg, Meta: meta})
}

// Error logs an error to both sinks.
func (l *SessionLogger) Error(msg string, err error, meta map[string]interface{}) {
	l.process.Error(msg, "session_id", l.sessionID, "error", err)
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["error"] = err.Error()
	l.emitter.Emit(emit.Event{RunID: l.sessionID, Msg: msg, Meta: meta})
}
