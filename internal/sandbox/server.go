// Package sandbox is an in-memory stand-in for the messaging backend. It
// honours the same webhook, admin and table contracts so the harness can be
// exercised without the real service.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/vigil/internal/backend"
	"github.com/MikeSquared-Agency/vigil/internal/config"
	"github.com/MikeSquared-Agency/vigil/internal/signing"
	"github.com/MikeSquared-Agency/vigil/internal/transcript"
	"github.com/MikeSquared-Agency/vigil/internal/webhook"
)

type Options struct {
	DefaultOrgID          string
	TelnyxSecret          string
	SquareKey             string
	SquareNotificationURL string
	AdminJWTSecret        string
	DemoMode              bool
	HelpReply             string
	StopReply             string
	StartReply            string
	FirstContactReply     string
	DepositAmountCents    int
	// ReplyDelay postpones assistant messages to exercise polling.
	ReplyDelay time.Duration
	// RequireHostedNumber answers 404 to inbound webhooks for clinic numbers
	// with no hosted number mapping, as the real backend does.
	RequireHostedNumber bool
	Faults              Faults
	Now                 func() time.Time
}

// Faults make the sandbox break one backend guarantee each. The zero value
// is a well-behaved backend.
type Faults struct {
	// DisableDedup processes repeated provider message ids.
	DisableDedup bool
	// IgnoreOptOut keeps replying to opted-out customers.
	IgnoreOptOut bool
	// AIReplyAfterPCI lets the assistant answer after the PCI guardrail.
	AIReplyAfterPCI bool
	// SkipRedaction stores PHI and medical questions verbatim.
	SkipRedaction bool
	SkipAudit     bool
	// DuplicateAudit writes two audit rows per deflection.
	DuplicateAudit bool
	// SkipSettlement marks the lead paid but leaves payment and booking pending.
	SkipSettlement bool
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		DefaultOrgID:          cfg.OrgID,
		TelnyxSecret:          cfg.TelnyxSecret,
		SquareKey:             cfg.SquareSignatureKey,
		SquareNotificationURL: cfg.SquareNotificationURL,
		AdminJWTSecret:        cfg.AdminJWTSecret,
		DemoMode:              cfg.DemoMode,
		HelpReply:             cfg.HelpReply,
		StopReply:             cfg.StopReply,
		StartReply:            cfg.StartReply,
		FirstContactReply:     cfg.FirstContactReply,
		DepositAmountCents:    cfg.DepositAmountCents,
	}
}

type Server struct {
	opts   Options
	router chi.Router

	mu    sync.Mutex
	state *state
	wg    sync.WaitGroup
}

func NewServer(opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HelpReply == "" {
		opts.HelpReply = config.DefaultHelpReply
	}
	if opts.StopReply == "" {
		opts.StopReply = config.DefaultStopReply
	}
	if opts.StartReply == "" {
		opts.StartReply = config.DefaultStartReply
	}
	if opts.DepositAmountCents <= 0 {
		opts.DepositAmountCents = 5000
	}

	srv := &Server{opts: opts, state: newState()}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/health", srv.handleHealth)
	r.Post(webhook.PathTelnyxVoice, srv.handleTelnyxVoice)
	r.Post(webhook.PathTelnyxMessages, srv.handleTelnyxMessage)
	r.Post(webhook.PathSquare, srv.handleSquare)
	r.Post("/leads/web", srv.handleCreateLead)
	r.Post("/payments/checkout", srv.handleCheckout)
	r.Route("/admin", func(r chi.Router) {
		r.Use(srv.requireAdmin)
		r.Get("/clinics/{orgID}/sms/{phone}", srv.handleTranscript)
		r.Delete("/clinics/{orgID}/phones/{phone}", srv.handlePurge)
	})

	srv.router = r
	return srv
}

func (s *Server) Handler() http.Handler { return s.router }

// Serve blocks serving on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- hs.Serve(ln) }()
	slog.Info("sandbox: serving", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := hs.Shutdown(shutdownCtx)
		s.wg.Wait()
		return err
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// SeedHostedNumber maps a clinic number to an org.
func (s *Server) SeedHostedNumber(orgID, clinicPhone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.hosted[transcript.Digits(clinicPhone)] = orgID
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": "vigil-sandbox"})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || backend.VerifyAdminToken(s.opts.AdminJWTSecret, raw) != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) verifyTelnyx(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return nil, false
	}
	err = signing.VerifyTelnyx(s.opts.TelnyxSecret, r.Header.Get("Telnyx-Timestamp"), r.Header.Get("Telnyx-Signature"), body, s.opts.Now())
	if err != nil {
		slog.Warn("sandbox: rejected telnyx webhook", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return nil, false
	}
	return body, true
}

func (s *Server) handleTelnyxVoice(w http.ResponseWriter, r *http.Request) {
	body, ok := s.verifyTelnyx(w, r)
	if !ok {
		return
	}
	var env webhook.TelnyxEnvelope
	var call webhook.CallPayload
	if err := json.Unmarshal(body, &env); err != nil || json.Unmarshal(env.Data.Payload, &call) != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if env.Data.EventType != webhook.TypeCallHangup {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.seenEvents[env.Data.ID] {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	s.state.seenEvents[env.Data.ID] = true

	clinic := webhook.FirstTo(call.To)
	org, ok := s.orgFor(clinic)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no hosted number for " + clinic})
		return
	}
	conv := s.state.conversation(org, call.From.PhoneNumber)
	conv.clinic = clinic
	conv.firstContact = true
	s.reply(conv, newMessage(transcript.RoleAssistant, transcript.KindVoiceAck, clinic, conv.phone, VoiceAckReply, s.opts.Now()))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTelnyxMessage(w http.ResponseWriter, r *http.Request) {
	body, ok := s.verifyTelnyx(w, r)
	if !ok {
		return
	}
	var env webhook.TelnyxEnvelope
	var msg webhook.MessagePayload
	if err := json.Unmarshal(body, &env); err != nil || json.Unmarshal(env.Data.Payload, &msg) != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if env.Data.EventType != webhook.TypeMessageReceived {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.seenEvents[env.Data.ID] || (s.state.seenMessages[msg.ID] && !s.opts.Faults.DisableDedup) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	s.state.seenEvents[env.Data.ID] = true
	s.state.seenMessages[msg.ID] = true

	clinic := webhook.FirstTo(msg.To)
	org, ok := s.orgFor(clinic)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no hosted number for " + clinic})
		return
	}
	conv := s.state.conversation(org, msg.From.PhoneNumber)
	conv.clinic = clinic
	s.handleInbound(conv, clinic, msg)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleInbound records the message and produces the replies the backend would.
func (s *Server) handleInbound(conv *conversation, clinic string, msg webhook.MessagePayload) {
	now := s.opts.Now()
	assistant := func(kind transcript.Kind, body string) transcript.Message {
		return newMessage(transcript.RoleAssistant, kind, clinic, conv.phone, body, now)
	}
	record := func(body string) {
		in := newMessage(transcript.RoleUser, transcript.KindInbound, conv.phone, clinic, body, now)
		in.ProviderMessageID = msg.ID
		conv.append(in)
	}

	f := s.opts.Faults
	keyword := strings.ToUpper(strings.TrimSpace(msg.Text))
	switch {
	case stopWords[keyword]:
		record(msg.Text)
		conv.optedOut = true
		s.reply(conv, assistant(transcript.KindStopAck, s.opts.StopReply))
		return
	case helpWords[keyword]:
		record(msg.Text)
		s.reply(conv, assistant(transcript.KindHelpAck, s.opts.HelpReply))
		return
	case startWords[keyword], s.opts.DemoMode && conv.optedOut && keyword == "YES":
		record(msg.Text)
		conv.optedOut = false
		s.reply(conv, assistant(transcript.KindStartAck, s.opts.StartReply))
		return
	}

	silenced := conv.optedOut && !f.IgnoreOptOut
	if hasCardNumber(msg.Text) {
		record(RedactedBody)
		if silenced {
			return
		}
		replies := []transcript.Message{assistant(transcript.KindPCIGuardrail, PCIReply)}
		if f.AIReplyAfterPCI {
			replies = append(replies, assistant(transcript.KindAIReply, aiReplyFor("")))
		}
		s.reply(conv, replies...)
		return
	}

	lower := strings.ToLower(msg.Text)
	phi, medical := containsAny(lower, phiTerms), containsAny(lower, medicalTerms)
	if (phi || medical) && !f.SkipRedaction {
		record(RedactedBody)
	} else {
		record(msg.Text)
	}
	if silenced {
		return
	}

	var replies []transcript.Message
	if !conv.firstContact && s.opts.FirstContactReply != "" {
		replies = append(replies, assistant(transcript.KindFirstContactAck, s.opts.FirstContactReply))
	} else {
		replies = append(replies, assistant(transcript.KindAck, AckReply))
	}
	conv.firstContact = true

	switch {
	case phi:
		s.audit(conv, auditPHI, now)
		replies = append(replies, assistant(transcript.KindAIReply, DeflectionReply))
	case medical:
		s.audit(conv, auditMedicalAdvice, now)
		replies = append(replies, assistant(transcript.KindAIReply, DeflectionReply))
	case strings.Contains(lower, "deposit"):
		l := s.state.latestLead(conv.orgID, conv.phone)
		if l == nil {
			l = s.state.createLead(conv.orgID, conv.phone, "", "sms", now)
		}
		p := s.state.createPayment(l, s.opts.DepositAmountCents, now)
		replies = append(replies,
			assistant(transcript.KindAIReply, "Wonderful! I've reserved Friday at 3pm for you. A "+formatCents(p.AmountCents)+" deposit secures the appointment."),
			assistant(transcript.KindDepositLink, depositLink(p.ID)))
	default:
		replies = append(replies, assistant(transcript.KindAIReply, aiReplyFor(lower)))
	}
	s.reply(conv, replies...)
}

func (s *Server) handleSquare(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	if err := signing.VerifySquare(s.opts.SquareKey, s.opts.SquareNotificationURL, r.Header.Get("X-Square-Signature"), body); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}
	var ev webhook.SquareEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if ev.Type != webhook.TypePaymentCompleted {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.seenEvents[ev.EventID] {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	s.state.seenEvents[ev.EventID] = true

	sq := ev.Data.Object.Payment
	p := s.state.paymentByID(sq.Metadata["booking_intent_id"])
	if p == nil {
		p = s.state.latestPayment(sq.Metadata["lead_id"])
	}
	if p == nil {
		slog.Warn("sandbox: payment webhook for unknown intent", "event_id", ev.EventID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "unmatched"})
		return
	}

	now := s.opts.Now()
	var l *lead
	if s.opts.Faults.SkipSettlement {
		l = s.state.leadByID(p.LeadID)
		if l != nil {
			l.DepositStatus, l.PriorityLevel = "paid", "priority"
		}
	} else {
		l = s.state.settle(p, sq.ID, now)
	}
	if l != nil {
		conv := s.state.conversation(l.OrgID, l.Phone)
		s.reply(conv, newMessage(transcript.RoleAssistant, transcript.KindPaymentConfirmation, conv.clinic, conv.phone,
			"Payment received! Your "+formatCents(p.AmountCents)+" deposit is confirmed and your appointment is secured.", now))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateLead(w http.ResponseWriter, r *http.Request) {
	org := r.Header.Get("X-Org-ID")
	if org == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "X-Org-ID is required"})
		return
	}
	var req backend.LeadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phone == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "phone is required"})
		return
	}

	s.mu.Lock()
	l := s.state.createLead(org, req.Phone, req.Name, req.Source, s.opts.Now())
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, backend.Lead{ID: l.ID, Phone: l.Phone})
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req backend.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.state.leadByID(req.LeadID)
	if l == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "lead not found"})
		return
	}
	amount := req.AmountCents
	if amount <= 0 {
		amount = s.opts.DepositAmountCents
	}
	p := s.state.createPayment(l, amount, s.opts.Now())
	writeJSON(w, http.StatusOK, backend.Checkout{CheckoutURL: depositURL(p.ID), BookingIntentID: p.ID})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	org, phone := pathParam(r, "orgID"), pathParam(r, "phone")
	limit := 500
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	s.mu.Lock()
	convID := transcript.ConversationID(org, phone)
	var msgs []transcript.Message
	if c, ok := s.state.conversations[convID]; ok {
		msgs = c.messages
		if len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}
		msgs = append([]transcript.Message(nil), msgs...)
	}
	s.mu.Unlock()

	if msgs == nil {
		msgs = []transcript.Message{}
	}
	writeJSON(w, http.StatusOK, transcript.Transcript{ConversationID: convID, Messages: msgs})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	org, phone := pathParam(r, "orgID"), pathParam(r, "phone")
	s.mu.Lock()
	counts := s.state.purge(org, phone)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": transcript.ConversationID(org, phone),
		"deleted":         counts,
	})
}

func (s *Server) audit(conv *conversation, eventType string, now time.Time) {
	switch {
	case s.opts.Faults.SkipAudit:
	case s.opts.Faults.DuplicateAudit:
		s.state.audit(conv.orgID, eventType, conv.id, now)
		s.state.audit(conv.orgID, eventType, conv.id, now)
	default:
		s.state.audit(conv.orgID, eventType, conv.id, now)
	}
}

// reply appends assistant messages now, or after ReplyDelay. Caller holds s.mu.
func (s *Server) reply(conv *conversation, msgs ...transcript.Message) {
	if s.opts.ReplyDelay <= 0 {
		for _, m := range msgs {
			conv.append(m)
		}
		return
	}
	convID := conv.id
	s.wg.Add(1)
	time.AfterFunc(s.opts.ReplyDelay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		// A purge in the meantime drops the replies with the conversation.
		c, ok := s.state.conversations[convID]
		if !ok || c != conv {
			return
		}
		for _, m := range msgs {
			c.append(m)
		}
	})
}

// orgFor routes a clinic number to its org. Unmapped numbers fall back to
// the default org unless RequireHostedNumber is set.
func (s *Server) orgFor(clinicPhone string) (string, bool) {
	if org, ok := s.state.hosted[transcript.Digits(clinicPhone)]; ok {
		return org, true
	}
	return s.opts.DefaultOrgID, !s.opts.RequireHostedNumber
}

func pathParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func aiReplyFor(lower string) string {
	switch {
	case strings.Contains(lower, "new patient") || strings.Contains(lower, "times"):
		return "Welcome! We have openings Wednesday at 2pm, Thursday at 4pm and Friday at 3pm. Which works best?"
	case strings.Contains(lower, "book") || strings.Contains(lower, "botox"):
		return "I'd love to help you book Botox. Are you a new patient with us?"
	default:
		return "Happy to help! What service are you interested in?"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
