// Package webhook builds, signs and posts synthetic provider webhooks to the
// backend under test.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/vigil/internal/config"
	"github.com/MikeSquared-Agency/vigil/internal/failure"
	"github.com/MikeSquared-Agency/vigil/internal/signing"
)

const (
	PathTelnyxVoice    = "/webhooks/telnyx/voice"
	PathTelnyxMessages = "/webhooks/telnyx/messages"
	PathSquare         = "/webhooks/square"

	maxBodyCapture = 4096
)

// Result is the outcome of a single POST.
type Result struct {
	Endpoint          string `json:"endpoint"`
	EventID           string `json:"event_id"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	StatusCode        int    `json:"status_code"`
	Body              string `json:"body,omitempty"`
	Err               error  `json:"-"`
}

// OK reports a 2xx response.
func (r Result) OK() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

func (r Result) Diagnostic() string {
	if r.Err != nil {
		return fmt.Sprintf("POST %s: %v", r.Endpoint, r.Err)
	}
	return fmt.Sprintf("POST %s: status %d: %s", r.Endpoint, r.StatusCode, r.Body)
}

// Require turns anything but a 2xx into a transport failure. Signature
// rejections (401/403) are fatal here.
func (r Result) Require() error {
	if r.OK() {
		return nil
	}
	if r.Err != nil {
		if fe, ok := failure.As(r.Err); ok {
			return fe
		}
		return failure.Transport("POST "+r.Endpoint, r.Err)
	}
	fe := failure.Transport("POST "+r.Endpoint, fmt.Errorf("unexpected status %d", r.StatusCode))
	fe.Expected = "2xx"
	fe.Actual = fmt.Sprintf("%d %s", r.StatusCode, r.Body)
	return fe
}

// RequireRejected succeeds only when the backend refused the signature.
func (r Result) RequireRejected() error {
	if r.Err != nil {
		return failure.Transport("POST "+r.Endpoint, r.Err)
	}
	if r.StatusCode == http.StatusUnauthorized || r.StatusCode == http.StatusForbidden {
		return nil
	}
	return failure.Mismatch("POST "+r.Endpoint, "invalid signature was accepted", "401 or 403", strconv.Itoa(r.StatusCode))
}

type VoiceOptions struct {
	EventID     string
	CallID      string
	HangupCause string
	From        string
	To          string
}

type SMSOptions struct {
	EventID           string
	ProviderMessageID string
	From              string
	To                string
	// Signature replaces the computed signature; only rejection checks set it.
	Signature string
}

type PaymentOptions struct {
	LeadID          string
	BookingIntentID string
	AmountCents     int
	EventID         string
	PaymentID       string
	OrderID         string
}

// Emitter posts signed webhooks. It never retries.
type Emitter struct {
	baseURL       string
	orgID         string
	customerPhone string
	clinicPhone   string
	telnyxSecret  string
	squareKey     string
	squareURL     string
	client        *http.Client
	now           func() time.Time

	mu   sync.Mutex
	last Result
}

func NewEmitter(cfg config.Config) *Emitter {
	return &Emitter{
		baseURL:       cfg.APIURL,
		orgID:         cfg.OrgID,
		customerPhone: cfg.CustomerPhone,
		clinicPhone:   cfg.ClinicPhone,
		telnyxSecret:  cfg.TelnyxSecret,
		squareKey:     cfg.SquareSignatureKey,
		squareURL:     cfg.SquareNotificationURL,
		client:        &http.Client{Timeout: cfg.HTTPTimeout},
		now:           time.Now,
	}
}

// Last returns the most recent result, for failure artifacts.
func (e *Emitter) Last() Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Voice posts a call.hangup event that the backend treats as a missed call.
func (e *Emitter) Voice(ctx context.Context, o VoiceOptions) Result {
	if o.EventID == "" {
		o.EventID = NewID("evt_", 16)
	}
	if o.CallID == "" {
		o.CallID = NewID("call_", 12)
	}
	if o.HangupCause == "" {
		o.HangupCause = "no_answer"
	}
	from, to := e.phones(o.From, o.To)

	body, err := voiceEnvelope(o.EventID, o.CallID, o.HangupCause, from, to, e.now())
	if err != nil {
		return e.record(Result{Endpoint: PathTelnyxVoice, EventID: o.EventID, Err: err})
	}
	return e.postTelnyx(ctx, PathTelnyxVoice, Result{EventID: o.EventID}, body, "")
}

// SMS posts an inbound message.received event carrying text.
func (e *Emitter) SMS(ctx context.Context, text string, o SMSOptions) Result {
	if o.EventID == "" {
		o.EventID = NewID("evt_", 16)
	}
	if o.ProviderMessageID == "" {
		o.ProviderMessageID = NewID("msg_", 12)
	}
	from, to := e.phones(o.From, o.To)

	res := Result{EventID: o.EventID, ProviderMessageID: o.ProviderMessageID}
	body, err := messageEnvelope(o.EventID, o.ProviderMessageID, text, from, to, e.now())
	if err != nil {
		res.Endpoint, res.Err = PathTelnyxMessages, err
		return e.record(res)
	}
	return e.postTelnyx(ctx, PathTelnyxMessages, res, body, o.Signature)
}

// Payment posts a Square payment.completed event.
func (e *Emitter) Payment(ctx context.Context, o PaymentOptions) Result {
	if o.EventID == "" {
		o.EventID = NewID("sq_evt_", 16)
	}
	if o.PaymentID == "" {
		o.PaymentID = NewID("sq_pay_", 16)
	}
	if o.OrderID == "" {
		o.OrderID = NewID("sq_order_", 12)
	}

	res := Result{Endpoint: PathSquare, EventID: o.EventID}
	body, err := paymentEvent(o, e.orgID, e.now())
	if err != nil {
		res.Err = err
		return e.record(res)
	}
	headers := map[string]string{
		"X-Square-Signature": signing.SquareSignature(e.squareKey, e.squareURL, body),
	}
	return e.post(ctx, res, body, headers)
}

func (e *Emitter) phones(from, to string) (string, string) {
	if from == "" {
		from = e.customerPhone
	}
	if to == "" {
		to = e.clinicPhone
	}
	return from, to
}

func (e *Emitter) postTelnyx(ctx context.Context, path string, res Result, body []byte, override string) Result {
	res.Endpoint = path
	ts := strconv.FormatInt(e.now().Unix(), 10)
	sig, err := signing.TelnyxSignature(e.telnyxSecret, ts, body)
	if err != nil {
		res.Err = failure.Config("sign telnyx webhook", "%v", err)
		return e.record(res)
	}
	if override != "" {
		sig = override
	}
	return e.post(ctx, res, body, map[string]string{
		"Telnyx-Timestamp": ts,
		"Telnyx-Signature": sig,
	})
}

func (e *Emitter) post(ctx context.Context, res Result, body []byte, headers map[string]string) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+res.Endpoint, bytes.NewReader(body))
	if err != nil {
		res.Err = fmt.Errorf("create request: %w", err)
		return e.record(res)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		res.Err = err
		return e.record(res)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyCapture))

	res.StatusCode = resp.StatusCode
	res.Body = string(data)
	slog.Debug("webhook: posted", "endpoint", res.Endpoint, "event_id", res.EventID, "status", res.StatusCode)
	return e.record(res)
}

func (e *Emitter) record(r Result) Result {
	e.mu.Lock()
	e.last = r
	e.mu.Unlock()
	return r
}
