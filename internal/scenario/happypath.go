package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/vigil/internal/backend"
	"github.com/MikeSquared-Agency/vigil/internal/dbverify"
	"github.com/MikeSquared-Agency/vigil/internal/failure"
	"github.com/MikeSquared-Agency/vigil/internal/report"
	"github.com/MikeSquared-Agency/vigil/internal/transcript"
	"github.com/MikeSquared-Agency/vigil/internal/webhook"
)

// Turns are the customer messages of the booking conversation. The last one
// states deposit intent.
var Turns = []string{
	"Hi, I want to book Botox for weekday afternoons",
	"Yes, I'm a new patient. What times do you have available?",
	"Friday at 3pm works great. Yes, I'll pay the deposit to secure my appointment.",
}

type HappyPathResult struct {
	LeadID      string
	PaymentID   string
	AmountCents int
	Timings     []report.Timing
}

// HappyPath walks a missed call through booking, deposit and settlement.
type HappyPath struct {
	session
	tag string

	run        *report.Run
	result     HappyPathResult
	lastCursor transcript.Cursor
}

func NewHappyPath(d Deps) *HappyPath {
	return &HappyPath{session: session{d}, tag: webhook.NewID("", 8)}
}

func (h *HappyPath) Run(ctx context.Context, run *report.Run) (HappyPathResult, error) {
	h.run = run
	err := NewRunner(run, h.Emitter, h.Poller).Execute(ctx, h.Phases())
	return h.result, err
}

func (h *HappyPath) Phases() []Phase {
	phases := []Phase{
		{Name: "setup", Run: h.setup},
		{Name: "missed_call", Run: h.missedCall},
	}
	for i, text := range Turns {
		text := text
		step := fmt.Sprintf("turn_%d", i+1)
		phases = append(phases, Phase{Name: step, Run: func(ctx context.Context) error {
			return h.turn(ctx, step, text)
		}})
	}
	if h.Config.ManualCheckout {
		phases = append(phases, Phase{Name: "checkout", Run: h.checkout})
	} else {
		phases = append(phases, Phase{Name: "deposit_link", Run: h.depositLink})
	}
	return append(phases,
		Phase{Name: "payment", Run: h.payment},
		Phase{Name: "settlement", Run: h.settlement},
	)
}

func (h *HappyPath) setup(ctx context.Context) error {
	if err := h.purge(ctx); err != nil {
		return err
	}
	if !h.Config.SkipOptionalDB {
		h.Seeder.SeedHostedNumber(ctx, h.Config.OrgID, h.Config.ClinicPhone)
	}

	// The lead id is the only handle on the payment row, so this is fatal.
	lead, err := h.Backend.CreateLead(ctx, backend.LeadRequest{
		Name:    "E2E Happy Path " + h.tag,
		Phone:   h.Config.CustomerPhone,
		Email:   "e2e+" + h.tag + "@example.com",
		Message: "Interested in Botox",
		Source:  "e2e",
	})
	if err != nil {
		return err
	}
	h.result.LeadID = lead.ID
	slog.Info("scenario: lead created", "lead_id", lead.ID)
	return nil
}

func (h *HappyPath) missedCall(ctx context.Context) error {
	cur, err := h.cursor(ctx)
	if err != nil {
		return err
	}
	if err := h.pace(ctx); err != nil {
		return err
	}
	res := h.Emitter.Voice(ctx, webhook.VoiceOptions{EventID: "evt_voice_" + h.tag, CallID: "call_" + h.tag})
	if err := res.Require(); err != nil {
		return err
	}
	_, err = h.wait(ctx, cur, transcript.KindIs(transcript.KindVoiceAck), h.Config.AckTimeout)
	return err
}

func (h *HappyPath) turn(ctx context.Context, step, text string) error {
	cur, err := h.cursor(ctx)
	if err != nil {
		return err
	}
	h.lastCursor = cur
	start := time.Now()
	if err := h.sms(ctx, text, webhook.SMSOptions{}); err != nil {
		return err
	}
	if _, err := h.wait(ctx, cur, assistantAck, h.Config.AckTimeout); err != nil {
		return err
	}
	if _, err := h.wait(ctx, cur, transcript.KindIs(transcript.KindAIReply), h.Config.AIReplyTimeout); err != nil {
		return err
	}
	return h.recordLatency(step, time.Since(start))
}

// recordLatency fails in strict mode when a turn exceeds the ceiling and
// otherwise only flags it.
func (h *HappyPath) recordLatency(step string, elapsed time.Duration) error {
	h.result.Timings = append(h.result.Timings, report.Timing{Step: step, Elapsed: elapsed, Seconds: elapsed.Seconds()})
	if h.run != nil {
		h.run.AddTiming(step, elapsed)
	}
	ceiling := h.Config.MaxAIStep
	if ceiling <= 0 || elapsed <= ceiling {
		return nil
	}
	if h.Config.FailOnAILatency {
		return failure.Mismatch(step+" latency", "ai reply slower than ceiling", "<= "+ceiling.String(), elapsed.Round(time.Millisecond).String())
	}
	msg := fmt.Sprintf("%s took %s (ceiling %s)", step, elapsed.Round(time.Millisecond), ceiling)
	slog.Warn("scenario: slow ai reply", "step", step, "elapsed", elapsed, "ceiling", ceiling)
	if h.run != nil {
		h.run.Warn(msg)
	}
	return nil
}

func (h *HappyPath) depositLink(ctx context.Context) error {
	_, err := h.wait(ctx, h.lastCursor, transcript.KindIs(transcript.KindDepositLink).WithContains("http"), h.Config.AIReplyTimeout)
	return err
}

// checkout creates the deposit directly when the assistant is not expected
// to send a link itself.
func (h *HappyPath) checkout(ctx context.Context) error {
	co, err := h.Backend.CreateCheckout(ctx, backend.CheckoutRequest{
		LeadID:      h.result.LeadID,
		AmountCents: h.Config.DepositAmountCents,
	})
	if err != nil {
		return err
	}
	if !strings.HasPrefix(co.CheckoutURL, "http") {
		return failure.Mismatch("checkout url", "checkout has no url", "http link", co.CheckoutURL)
	}
	h.result.PaymentID = co.BookingIntentID
	slog.Info("scenario: checkout created", "lead_id", h.result.LeadID, "booking_intent_id", co.BookingIntentID)
	return nil
}

func (h *HappyPath) payment(ctx context.Context) error {
	v, err := h.verifier()
	if err != nil {
		return err
	}
	if h.result.PaymentID == "" {
		err = v.Eventually(ctx, "payment for lead", h.Config.DBSettleTimeout, func(ctx context.Context) error {
			id, err := v.PaymentIDForLead(ctx, h.result.LeadID)
			if err == nil {
				h.result.PaymentID = id
			}
			return err
		})
		if err != nil {
			return err
		}
	}

	h.result.AmountCents = h.Config.DepositAmountCents
	if !h.Config.SkipOptionalDB {
		if n, err := v.PaymentAmount(ctx, h.result.PaymentID); err == nil {
			h.result.AmountCents = n
		} else {
			slog.Warn("scenario: payment amount unreadable, using configured deposit", "error", err, "amount_cents", h.result.AmountCents)
		}
	}

	cur, err := h.cursor(ctx)
	if err != nil {
		return err
	}
	if err := h.pace(ctx); err != nil {
		return err
	}
	res := h.Emitter.Payment(ctx, webhook.PaymentOptions{
		LeadID:          h.result.LeadID,
		BookingIntentID: h.result.PaymentID,
		AmountCents:     h.result.AmountCents,
		EventID:         "sq_evt_" + h.tag,
	})
	if err := res.Require(); err != nil {
		return err
	}

	m, err := h.wait(ctx, cur, transcript.KindIs(transcript.KindPaymentConfirmation), h.Config.AIReplyTimeout)
	if err != nil {
		return err
	}
	if !strings.Contains(strings.ToLower(m.Body), "payment") {
		return failure.Mismatch("payment confirmation", "confirmation does not mention payment", "payment", m.Body)
	}
	return nil
}

func (h *HappyPath) settlement(ctx context.Context) error {
	v, err := h.verifier()
	if err != nil {
		return err
	}
	cfg := h.Config

	err = v.Eventually(ctx, "lead settled", cfg.DBSettleTimeout, func(ctx context.Context) error {
		lead, err := v.LeadState(ctx, cfg.CustomerPhone)
		if err != nil {
			return err
		}
		if err := dbverify.ExpectEqual("leads.deposit_status", "paid", lead.DepositStatus); err != nil {
			return err
		}
		return dbverify.ExpectEqual("leads.priority_level", "priority", lead.PriorityLevel)
	})
	if err != nil {
		return err
	}

	err = v.Eventually(ctx, "payment settled", cfg.DBSettleTimeout, func(ctx context.Context) error {
		p, err := v.Payment(ctx, h.result.PaymentID)
		if err != nil {
			return err
		}
		if err := dbverify.ExpectEqual("payments.status", "succeeded", p.Status); err != nil {
			return err
		}
		if err := dbverify.ExpectEqual("payments.amount_cents", strconv.Itoa(h.result.AmountCents), strconv.Itoa(p.AmountCents)); err != nil {
			return err
		}
		if p.ProviderRef == nil || *p.ProviderRef == "" {
			return failure.Mismatch("payments.provider_ref", "provider reference missing", "non-empty", "")
		}
		return nil
	})
	if err != nil {
		return err
	}

	return v.Eventually(ctx, "booking confirmed", cfg.DBSettleTimeout, func(ctx context.Context) error {
		b, err := v.Booking(ctx, cfg.OrgID, h.result.LeadID)
		if err != nil {
			return err
		}
		if err := dbverify.ExpectEqual("bookings.status", "confirmed", b.Status); err != nil {
			return err
		}
		if b.ConfirmedAt == nil {
			return failure.Mismatch("bookings.confirmed_at", "booking not confirmed", "timestamp", "null")
		}
		return nil
	})
}
