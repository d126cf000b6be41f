package scenario

import (
	"context"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/vigil/internal/backend"
	"github.com/MikeSquared-Agency/vigil/internal/config"
	"github.com/MikeSquared-Agency/vigil/internal/dbverify"
	"github.com/MikeSquared-Agency/vigil/internal/failure"
	"github.com/MikeSquared-Agency/vigil/internal/transcript"
	"github.com/MikeSquared-Agency/vigil/internal/webhook"
)

// Backend is the part of the backend admin API the sequencers need.
type Backend interface {
	PurgePhone(ctx context.Context, orgID, phone string) error
	CreateLead(ctx context.Context, req backend.LeadRequest) (backend.Lead, error)
	CreateCheckout(ctx context.Context, req backend.CheckoutRequest) (backend.Checkout, error)
}

// Deps are the collaborators a sequencer drives. Verifier is nil when no
// database client could be resolved.
type Deps struct {
	Config   config.Config
	Emitter  *webhook.Emitter
	Poller   *transcript.Poller
	Backend  Backend
	Verifier *dbverify.Verifier
	Seeder   *dbverify.Seeder
}

var assistantAck = transcript.AnyKind(transcript.KindAck, transcript.KindFirstContactAck).WithRole(transcript.RoleAssistant)

type session struct {
	Deps
}

// pace sleeps for the configured step delay before an emission.
func (s session) pace(ctx context.Context) error {
	if s.Config.StepDelay <= 0 {
		return nil
	}
	t := time.NewTimer(s.Config.StepDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s session) purge(ctx context.Context) error {
	return s.Backend.PurgePhone(ctx, s.Config.OrgID, s.Config.CustomerPhone)
}

func (s session) cursor(ctx context.Context) (transcript.Cursor, error) {
	_, c, err := s.Poller.Snapshot(ctx)
	return c, err
}

func (s session) sms(ctx context.Context, text string, o webhook.SMSOptions) error {
	if err := s.pace(ctx); err != nil {
		return err
	}
	return s.Emitter.SMS(ctx, text, o).Require()
}

// send captures a cursor, then emits text.
func (s session) send(ctx context.Context, text string) (transcript.Cursor, error) {
	c, err := s.cursor(ctx)
	if err != nil {
		return nil, err
	}
	return c, s.sms(ctx, text, webhook.SMSOptions{})
}

func (s session) wait(ctx context.Context, c transcript.Cursor, pred transcript.Predicate, timeout time.Duration) (transcript.Message, error) {
	return s.Poller.WaitForNew(ctx, c, pred, timeout)
}

func (s session) silence(ctx context.Context, c transcript.Cursor, pred transcript.Predicate) error {
	return s.Poller.AssertNoNew(ctx, c, pred, s.Config.SilenceWindow)
}

// expectBody compares trimmed message text with want verbatim.
func (s session) expectBody(field, want string, m transcript.Message) error {
	got := strings.TrimSpace(m.Body)
	if got == want {
		return nil
	}
	fe := failure.Mismatch(field, "unexpected reply text", want, got)
	fe.Tail = transcript.Tail(s.Poller.LastSeen().Messages, 10)
	return fe
}

// conversationID prefers the id the backend reports for the transcript.
func (s session) conversationID(t transcript.Transcript) string {
	if t.ConversationID != "" {
		return t.ConversationID
	}
	return transcript.ConversationID(s.Config.OrgID, s.Config.CustomerPhone)
}

func (s session) verifier() (*dbverify.Verifier, error) {
	if s.Verifier == nil {
		return nil, failure.OracleUnavailable("db verifier", dbverify.ErrOracleUnavailable)
	}
	return s.Verifier, nil
}
