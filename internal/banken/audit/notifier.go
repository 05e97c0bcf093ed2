// Package audit provides operator-facing notifications for container
// lifecycle events.
//
// When configured with a Matrix room ID (MATRIX_AUDIT_ROOM), Banken posts
// concise human-readable summaries of lifecycle transitions to that room so
// operators can monitor activity without tailing the SQLite audit log.
//
// All events include the originating trace ID so an operator can look up the
// full audit log entry for the request.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Banken/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindAgentCreated     Kind = "agent.created"
	KindAgentDeleted     Kind = "agent.deleted"
	KindContainerCreated Kind = "container.created"
	KindContainerStarted Kind = "container.started"
	KindContainerStopped Kind = "container.stopped"
	KindContainerDeleted Kind = "container.deleted"
	KindContainerFailed  Kind = "container.failed"
	KindDriftDetected    Kind = "drift.detected"
	KindError            Kind = "error"
)

// Event carries the data the notifier formats and sends.
type Event struct {
	// Kind identifies the type of event.
	Kind Kind
	// AgentID is the agent the event concerns.
	AgentID string
	// Detail is a human-friendly description of what happened.
	Detail string
	// TraceID ties the notification back to the audit log record.
	// When empty the value is taken from the context.
	TraceID string
	// Timestamp defaults to time.Now() when zero.
	Timestamp time.Time
}

// Notifier sends notifications for lifecycle events. Implementations must
// not block the caller beyond a short timeout; send failures are logged,
// never propagated.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Sender is the subset of the Matrix client needed by MatrixNotifier.
// Defined as an interface so the notifier can be unit-tested independently.
type Sender interface {
	SendNotice(roomID, message string) error
}

// MatrixNotifier posts formatted notices to a Matrix audit room.
type MatrixNotifier struct {
	sender Sender
	roomID string
}

// NewMatrixNotifier creates a MatrixNotifier that posts to roomID via sender.
func NewMatrixNotifier(sender Sender, roomID string) *MatrixNotifier {
	return &MatrixNotifier{sender: sender, roomID: roomID}
}

// Notify formats evt as a notice and posts it to the audit room.
// Errors are logged at WARN level; the caller is never blocked on them.
func (n *MatrixNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" {
		return
	}
	if evt.TraceID == "" {
		evt.TraceID = trace.FromContext(ctx)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	if err := n.sender.SendNotice(n.roomID, formatEvent(evt)); err != nil {
		slog.Warn("audit notice send failed",
			"kind", evt.Kind, "agent_id", evt.AgentID, "error", err)
	}
}

// formatEvent renders an event as a single-line notice.
func formatEvent(evt Event) string {
	symbol := "•"
	switch evt.Kind {
	case KindContainerStarted, KindAgentCreated:
		symbol = "▲"
	case KindContainerStopped, KindContainerDeleted, KindAgentDeleted:
		symbol = "▼"
	case KindContainerFailed, KindDriftDetected, KindError:
		symbol = "✗"
	}

	msg := fmt.Sprintf("%s [%s] %s", symbol, evt.Kind, evt.AgentID)
	if evt.Detail != "" {
		msg += ": " + evt.Detail
	}
	if evt.TraceID != "" {
		msg += " (trace " + evt.TraceID + ")"
	}
	return msg
}

// Nop is a Notifier that discards every event. Used when no audit room is
// configured and in tests.
type Nop struct{}

// Notify discards the event.
func (Nop) Notify(context.Context, Event) {}
