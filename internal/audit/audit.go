package audit

import (
	"context"
	"log/slog"
	"sync"
)

// Event types recorded by the gates.
const (
	TypeApprovalRequired = "approval_required"
	TypeApprovalPending  = "approval_pending"
	TypeApprovalConsumed = "approval_consumed"
	TypeApprovalPromoted = "approval_promoted"
	TypeApprovalRejected = "approval_rejected"
	TypeBindingMismatch  = "binding_mismatch"
	TypeForgery          = "forgery"
	TypeUnknownServer    = "unknown_server"
	TypeConfigError      = "config_error"
	TypeStoreError       = "store_error"
	TypeCommandBlocked   = "command_blocked"
	TypeBypassRequested  = "bypass_requested"
	TypeBypassConsumed   = "bypass_consumed"
	TypeCommitBlocked    = "commit_blocked"
	TypeCommitAllowed    = "commit_allowed"
)

// Event represents an audit entry for gate evaluations and approvals.
type Event struct {
	// Type describes the event kind.
	Type string
	// Server is the target server, or the gate name for commit and bypass flows.
	Server string
	// Tool is the tool name.
	Tool string
	// Code is the approval code involved, if any.
	Code string
	// CorrelationID links events of one evaluation.
	CorrelationID string
	// Decision is the gate decision.
	Decision string
	// Reason provides additional context.
	Reason string
}

// Logger records audit events.
type Logger interface {
	// Record stores an audit event.
	Record(ctx context.Context, event Event)
}

// StdLogger writes audit events to slog.
type StdLogger struct {
	logger *slog.Logger
}

// New returns a StdLogger.
func New(logger *slog.Logger) *StdLogger {
	return &StdLogger{logger: logger}
}

// Record logs an audit event. Forgery and binding mismatches are logged at warn.
func (l *StdLogger) Record(ctx context.Context, event Event) {
	if l == nil || l.logger == nil {
		return
	}
	level := slog.LevelInfo
	switch event.Type {
	case TypeForgery, TypeBindingMismatch, TypeConfigError, TypeStoreError:
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "audit",
		"type", event.Type,
		"server", event.Server,
		"tool", event.Tool,
		"code", event.Code,
		"correlation_id", event.CorrelationID,
		"decision", event.Decision,
		"reason", event.Reason,
	)
}

// Memory keeps events in memory.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// Record appends an event.
func (m *Memory) Record(_ context.Context, event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

// Events returns a copy of recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Types returns the recorded event types in order.
func (m *Memory) Types() []string {
	events := m.Events()
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}
