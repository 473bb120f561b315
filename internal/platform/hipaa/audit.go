package hipaa

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Audit actions emitted by the API layer and the operator CLI.
const (
	ActionLogin              = "login"
	ActionLoginAttempt       = "login_attempt"
	ActionAuthenticate       = "authenticate"
	ActionUnauthorizedAccess = "unauthorized_access"
	ActionRunPipeline        = "run_pipeline"
	ActionPersistStudy       = "persist_study"
	ActionReadStudy          = "read_study"
	ActionExportStudy        = "export_study"
	ActionRekeyStudy         = "rekey_study"
	ActionCreateUser         = "create_user"
)

// Audit outcomes.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusDenied  = "denied"
)

// AuditRecord is one append-only line in the audit log.
type AuditRecord struct {
	EventID    string    `json:"event_id"`
	Timestamp  time.Time `json:"timestamp"`
	UserID     string    `json:"user_id"`
	Action     string    `json:"action"`
	ResourceID string    `json:"resource_id"`
	Status     string    `json:"status"`
	RequestID  string    `json:"request_id,omitempty"`
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context so audit
// records can be correlated with request logs.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	rid, _ := ctx.Value(requestIDKey).(string)
	return rid
}

// AuditLogger writes HIPAA audit records as JSON lines. Every text field is
// passed through MaskPHI before it reaches the sink.
type AuditLogger struct {
	out    zerolog.Logger
	logger zerolog.Logger
	now    func() time.Time
}

// NewAuditLogger returns an AuditLogger writing to w. Sink write failures are
// reported to logger and otherwise swallowed: an audit outage must not fail
// the request being audited.
func NewAuditLogger(w io.Writer, logger zerolog.Logger) *AuditLogger {
	sink := &guardedWriter{w: w, onErr: func(err error) {
		logger.Error().Err(err).Str("type", "hipaa_audit").Msg("audit sink write failed")
	}}
	return &AuditLogger{
		out:    zerolog.New(sink).With().Str("type", "hipaa_audit").Logger(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// OpenAuditLog opens (or creates) the append-only audit file at path.
func OpenAuditLog(path string, logger zerolog.Logger) (*AuditLogger, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, nil, fmt.Errorf("hipaa audit: create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("hipaa audit: open %s: %w", path, err)
	}
	return NewAuditLogger(f, logger), f, nil
}

// Record appends one audit record. It never fails.
func (a *AuditLogger) Record(ctx context.Context, userID, action, resourceID, status string) {
	if a == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Str("panic", fmt.Sprint(r)).Msg("audit record dropped")
		}
	}()

	rec := AuditRecord{
		EventID:    ulid.Make().String(),
		Timestamp:  a.now(),
		UserID:     MaskPHI(userID),
		Action:     MaskPHI(action),
		ResourceID: MaskPHI(resourceID),
		Status:     MaskPHI(status),
		RequestID:  requestIDFromContext(ctx),
	}

	evt := a.out.Info()
	if rec.Status != StatusSuccess {
		evt = a.out.Warn()
	}
	evt.
		Str("event_id", rec.EventID).
		Time("timestamp", rec.Timestamp).
		Str("user_id", rec.UserID).
		Str("action", rec.Action).
		Str("resource_id", rec.ResourceID).
		Str("status", rec.Status).
		Str("request_id", rec.RequestID).
		Send()
}

// guardedWriter serializes writes to the sink and routes errors to a callback
// instead of back into zerolog.
type guardedWriter struct {
	mu    sync.Mutex
	w     io.Writer
	onErr func(error)
}

func (g *guardedWriter) Write(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, err := g.w.Write(p)
	if err != nil {
		g.onErr(err)
		return len(p), nil
	}
	return n, nil
}
