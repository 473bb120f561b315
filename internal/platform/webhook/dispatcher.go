// Package webhook delivers signed diagnostic events to downstream systems
// such as a RIS or PACS worklist. Payloads are signed with HMAC-SHA256 and
// retried on transport errors and non-2xx responses.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Event types.
const (
	EventDiagnosticCompleted = "diagnostic.completed"
)

// Delivery headers.
const (
	HeaderSignature = "X-Radpipe-Signature"
	HeaderEvent     = "X-Radpipe-Event"
	HeaderTimestamp = "X-Radpipe-Timestamp"
)

const minSecretLen = 16

var ErrNoSecret = errors.New("webhook: a signing secret of at least 16 characters is required")

// Event is the envelope POSTed to every endpoint. Data must never carry PHI.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	ResourceID string          `json:"resource_id,omitempty"`
	Data       json.RawMessage `json:"data"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Attempt records the final outcome of delivering one event to one endpoint.
type Attempt struct {
	Endpoint   string        `json:"endpoint"`
	EventID    string        `json:"event_id"`
	StatusCode int           `json:"status_code"`
	Attempts   int           `json:"attempts"`
	Status     string        `json:"status"` // "success" or "failed"
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

type Config struct {
	URLs       []string
	Secret     string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// SignPayload computes the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature (with or without the "sha256="
// prefix) matches payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("webhook: invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook: url %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook: url %q has no host", raw)
	}
	return nil
}

// Dispatcher fans events out to the configured endpoints in the background.
type Dispatcher struct {
	endpoints  []string
	secret     string
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
	logger     zerolog.Logger
	wg         sync.WaitGroup
}

// NewDispatcher validates cfg. Timeout defaults to 10s and RetryDelay to 1s.
func NewDispatcher(cfg Config, logger zerolog.Logger) (*Dispatcher, error) {
	if len(cfg.Secret) < minSecretLen {
		return nil, ErrNoSecret
	}
	for _, u := range cfg.URLs {
		if err := validateURL(u); err != nil {
			return nil, err
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Dispatcher{
		endpoints:  cfg.URLs,
		secret:     cfg.Secret,
		client:     &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger.With().Str("component", "webhook").Logger(),
	}, nil
}

// NewEvent builds an envelope with a fresh ULID.
func NewEvent(eventType, resourceID string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("webhook: marshal event data: %w", err)
	}
	return Event{
		ID:         ulid.Make().String(),
		Type:       eventType,
		ResourceID: resourceID,
		Data:       raw,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// Publish delivers the event asynchronously. Delivery outlives the request
// context; Close waits for it.
func (d *Dispatcher) Publish(ctx context.Context, eventType, resourceID string, data any) {
	if d == nil || len(d.endpoints) == 0 {
		return
	}
	ev, err := NewEvent(eventType, resourceID, data)
	if err != nil {
		d.logger.Error().Err(err).Str("event_type", eventType).Msg("webhook event dropped")
		return
	}
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for _, a := range d.Deliver(ctx, ev) {
			if a.Status != "success" {
				d.logger.Warn().
					Str("endpoint", a.Endpoint).
					Str("event_id", a.EventID).
					Int("attempts", a.Attempts).
					Str("error", a.Error).
					Msg("webhook delivery failed")
			}
		}
	}()
}

// Deliver sends ev to every endpoint and returns one Attempt per endpoint.
func (d *Dispatcher) Deliver(ctx context.Context, ev Event) []Attempt {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	out := make([]Attempt, 0, len(d.endpoints))
	for _, ep := range d.endpoints {
		out = append(out, d.deliverToEndpoint(ctx, ep, ev, payload))
	}
	return out
}

func (d *Dispatcher) deliverToEndpoint(ctx context.Context, endpoint string, ev Event, payload []byte) Attempt {
	attempt := Attempt{Endpoint: endpoint, EventID: ev.ID, Status: "failed"}
	start := time.Now()
	defer func() { attempt.Duration = time.Since(start) }()

	for n := 1; n <= d.maxRetries+1; n++ {
		attempt.Attempts = n
		code, err := d.post(ctx, endpoint, ev, payload)
		attempt.StatusCode = code
		if err == nil {
			attempt.Status = "success"
			attempt.Error = ""
			return attempt
		}
		attempt.Error = err.Error()
		if n > d.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			attempt.Error = ctx.Err().Error()
			return attempt
		case <-time.After(d.retryDelay * time.Duration(n)):
		}
	}
	return attempt
}

func (d *Dispatcher) post(ctx context.Context, endpoint string, ev Event, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, "sha256="+SignPayload(payload, d.secret))
	req.Header.Set(HeaderEvent, ev.Type)
	req.Header.Set(HeaderTimestamp, ev.Timestamp.Format(time.RFC3339))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Close waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
