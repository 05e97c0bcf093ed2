package audit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Banken/common/trace"
)

type fakeSender struct {
	rooms    []string
	messages []string
	err      error
}

func (f *fakeSender) SendNotice(roomID, message string) error {
	f.rooms = append(f.rooms, roomID)
	f.messages = append(f.messages, message)
	return f.err
}

func TestMatrixNotifier_SendsFormattedNotice(t *testing.T) {
	sender := &fakeSender{}
	n := NewMatrixNotifier(sender, "!audit:example.org")

	n.Notify(context.Background(), Event{
		Kind:    KindContainerStarted,
		AgentID: "agent-1",
		Detail:  "container abc123 started on port 9001",
		TraceID: "t_deadbeef",
	})

	if len(sender.messages) != 1 {
		t.Fatalf("expected 1 notice, got %d", len(sender.messages))
	}
	if sender.rooms[0] != "!audit:example.org" {
		t.Errorf("wrong room: %s", sender.rooms[0])
	}
	msg := sender.messages[0]
	for _, want := range []string{"container.started", "agent-1", "abc123", "t_deadbeef"} {
		if !strings.Contains(msg, want) {
			t.Errorf("notice %q missing %q", msg, want)
		}
	}
}

func TestMatrixNotifier_TraceIDFromContext(t *testing.T) {
	sender := &fakeSender{}
	n := NewMatrixNotifier(sender, "!audit:example.org")

	ctx := trace.WithTraceID(context.Background(), "t_ctx")
	n.Notify(ctx, Event{Kind: KindAgentCreated, AgentID: "agent-2"})

	if len(sender.messages) != 1 {
		t.Fatalf("expected 1 notice, got %d", len(sender.messages))
	}
	if !strings.Contains(sender.messages[0], "t_ctx") {
		t.Errorf("notice %q missing context trace ID", sender.messages[0])
	}
}

func TestMatrixNotifier_SendFailureDoesNotPanic(t *testing.T) {
	sender := &fakeSender{err: errors.New("homeserver down")}
	n := NewMatrixNotifier(sender, "!audit:example.org")

	// Must log and return, never propagate.
	n.Notify(context.Background(), Event{
		Kind: KindError, AgentID: "agent-3", Timestamp: time.Now(),
	})
}

func TestMatrixNotifier_EmptyRoomSkipsSend(t *testing.T) {
	sender := &fakeSender{}
	n := NewMatrixNotifier(sender, "")

	n.Notify(context.Background(), Event{Kind: KindAgentDeleted, AgentID: "agent-4"})

	if len(sender.messages) != 0 {
		t.Errorf("expected no sends, got %d", len(sender.messages))
	}
}

func TestNop(t *testing.T) {
	Nop{}.Notify(context.Background(), Event{Kind: KindError})
}
