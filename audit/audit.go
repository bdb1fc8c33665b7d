package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// EventType classifies audit events.
type EventType string

const (
	EventAuth              EventType = "auth"
	EventAuthFailure       EventType = "auth_failure"
	EventAdminOp           EventType = "admin_op"
	EventAdminDenied       EventType = "admin_denied"
	EventPermissionChange  EventType = "permission_change"
	EventQuotaChange       EventType = "quota_change"
	EventDataAccess        EventType = "data_access"
	EventBillingTransition EventType = "billing_transition"
)

// Event is a single audit log entry.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	SourceIP  string         `json:"source_ip,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Success   bool           `json:"success"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type requestIDKey struct{}

// WithRequestID attaches a request id that Log copies onto events lacking one.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request id attached to ctx, if any.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Logger records audit events as structured JSON, one per line.
type Logger struct {
	mu     sync.Mutex
	writer io.Writer
	slog   *slog.Logger
}

// NewLogger creates a Logger that writes JSON events to the given writer.
// If w is nil, it defaults to os.Stdout.
func NewLogger(w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{
		writer: w,
		slog:   slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
}

// Log records an audit event. It is safe for concurrent use.
func (l *Logger) Log(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.RequestID == "" && ctx != nil {
		event.RequestID = RequestIDFrom(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		l.slog.Error("failed to marshal audit event", "error", err)
		return
	}

	data = append(data, '\n')
	if _, err := l.writer.Write(data); err != nil {
		l.slog.Error("failed to write audit event", "error", err)
	}
}

// LogAuth records an authentication attempt.
func (l *Logger) LogAuth(ctx context.Context, actor, sourceIP string, success bool, detail string) {
	eventType := EventAuth
	if !success {
		eventType = EventAuthFailure
	}
	l.Log(ctx, Event{
		Type:     eventType,
		Action:   "authenticate",
		Actor:    actor,
		SourceIP: sourceIP,
		Success:  success,
		Detail:   detail,
	})
}

// LogAdminOp records an administrative operation and its outcome.
func (l *Logger) LogAdminOp(ctx context.Context, actor, action, resource string, success bool, metadata map[string]any) {
	l.Log(ctx, Event{
		Type:     EventAdminOp,
		Action:   action,
		Actor:    actor,
		Resource: resource,
		Success:  success,
		Metadata: metadata,
	})
}

// LogAdminDenied records an administrative request refused for lack of
// permission.
func (l *Logger) LogAdminDenied(ctx context.Context, actor, action, resource, permission string) {
	l.Log(ctx, Event{
		Type:     EventAdminDenied,
		Action:   action,
		Actor:    actor,
		Resource: resource,
		Detail:   "missing permission " + permission,
	})
}

// LogPermissionChange records a permission grant or revocation.
func (l *Logger) LogPermissionChange(ctx context.Context, actor, action, principalID, permission string) {
	l.Log(ctx, Event{
		Type:     EventPermissionChange,
		Action:   action,
		Actor:    actor,
		Resource: principalID,
		Success:  true,
		Metadata: map[string]any{"permission": permission},
	})
}

// LogQuotaChange records a manual quota adjustment or reset.
func (l *Logger) LogQuotaChange(ctx context.Context, actor, action, resource string, metadata map[string]any) {
	l.Log(ctx, Event{
		Type:     EventQuotaChange,
		Action:   action,
		Actor:    actor,
		Resource: resource,
		Success:  true,
		Metadata: metadata,
	})
}

// LogDataAccess records a read of another principal's records.
func (l *Logger) LogDataAccess(ctx context.Context, actor, resource, detail string) {
	l.Log(ctx, Event{
		Type:     EventDataAccess,
		Action:   "access",
		Actor:    actor,
		Resource: resource,
		Success:  true,
		Detail:   detail,
	})
}
