// Package audit records verification outcomes. Sinks are fire-and-forget:
// a failing sink must never surface into the verifier's return path.
package audit

import (
	"github.com/axent-pl/ekey/common/logx"
)

// Outcome classifies the result of a verification attempt.
type Outcome string

const (
	OutcomeAllowed       Outcome = "allowed"
	OutcomeReplayBlocked Outcome = "replay_blocked"
	OutcomeExpired       Outcome = "expired"
	OutcomeCapMismatch   Outcome = "cap_mismatch"
	OutcomeInvalidProof  Outcome = "invalid_proof"
)

// Event is one verification outcome. Sub and Trace may be empty when the
// failure happened before those claims were recovered.
type Event struct {
	Sub       string
	Trace     string
	Outcome   Outcome
	Reason    string
	Timestamp int64
}

// Sink accepts audit events. Implementations must not panic or block the
// caller on backend failures.
type Sink interface {
	Record(Event)
}

// NopSink discards all events. Use when no audit backend is configured.
type NopSink struct{}

func (NopSink) Record(Event) {}

// LogSink writes events through the logx logger.
type LogSink struct{}

func (LogSink) Record(ev Event) {
	logx.L().Info("ekey audit",
		"outcome", string(ev.Outcome),
		"sub", ev.Sub,
		"trace", ev.Trace,
		"reason", ev.Reason,
		"ts", ev.Timestamp,
	)
}

// FanoutSink forwards each event to every backend.
type FanoutSink struct {
	Backends []Sink
}

func (s FanoutSink) Record(ev Event) {
	for _, b := range s.Backends {
		b.Record(ev)
	}
}
