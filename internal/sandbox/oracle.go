package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/vigil/internal/transcript"
)

const literal = `'((?:[^']|'')*)'`

var (
	leadStateRe   = regexp.MustCompile(`FROM leads WHERE phone = ` + literal)
	paymentIDRe   = regexp.MustCompile(`^SELECT id FROM payments WHERE lead_id = ` + literal)
	paymentAmtRe  = regexp.MustCompile(`^SELECT amount_cents FROM payments WHERE id = ` + literal)
	paymentRowRe  = regexp.MustCompile(`SELECT status, amount_cents, provider_ref FROM payments WHERE id = ` + literal)
	bookingRe     = regexp.MustCompile(`FROM bookings WHERE org_id = ` + literal + ` AND lead_id = ` + literal)
	auditCountRe  = regexp.MustCompile(`FROM compliance_audit_events WHERE org_id = ` + literal + ` AND event_type = ` + literal + `.* AND conversation_id = ` + literal)
	seedHostedRe  = regexp.MustCompile(`^INSERT INTO hosted_number_orders .* VALUES \(gen_random_uuid\(\), ` + literal + `, ` + literal)
	auditLookback = 10 * time.Minute
)

// Oracle answers the verifier's read queries from the sandbox state, in the
// psql unaligned output format the real clients produce.
type Oracle struct {
	srv *Server
}

func (s *Server) Oracle() *Oracle {
	return &Oracle{srv: s}
}

func (o *Oracle) Name() string { return "sandbox" }

func (o *Oracle) Close() {}

func (o *Oracle) Query(ctx context.Context, sql string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sql = strings.TrimSpace(sql)

	o.srv.mu.Lock()
	defer o.srv.mu.Unlock()
	st := o.srv.state

	if sql == "SELECT 1" {
		return "1", nil
	}
	if m := seedHostedRe.FindStringSubmatch(sql); m != nil {
		st.hosted[transcript.Digits(unquote(m[2]))] = unquote(m[1])
		return "INSERT 0 1", nil
	}
	if m := paymentIDRe.FindStringSubmatch(sql); m != nil {
		if p := st.latestPayment(unquote(m[1])); p != nil {
			return p.ID, nil
		}
		return "", nil
	}
	if m := paymentAmtRe.FindStringSubmatch(sql); m != nil {
		if p := st.paymentByID(unquote(m[1])); p != nil {
			return strconv.Itoa(p.AmountCents), nil
		}
		return "", nil
	}
	if m := paymentRowRe.FindStringSubmatch(sql); m != nil {
		p := st.paymentByID(unquote(m[1]))
		if p == nil {
			return "", nil
		}
		return rowJSON(map[string]any{
			"status":       p.Status,
			"amount_cents": p.AmountCents,
			"provider_ref": nullable(p.ProviderRef),
		})
	}
	if m := leadStateRe.FindStringSubmatch(sql); m != nil {
		l := st.latestLeadByPhone(unquote(m[1]))
		if l == nil {
			return "", nil
		}
		return rowJSON(map[string]any{
			"deposit_status": l.DepositStatus,
			"priority_level": l.PriorityLevel,
		})
	}
	if m := bookingRe.FindStringSubmatch(sql); m != nil {
		b := st.latestBooking(unquote(m[1]), unquote(m[2]))
		if b == nil {
			return "", nil
		}
		return rowJSON(map[string]any{
			"status":        b.Status,
			"confirmed_at":  timestamp(b.ConfirmedAt),
			"scheduled_for": timestamp(b.ScheduledFor),
		})
	}
	if m := auditCountRe.FindStringSubmatch(sql); m != nil {
		org, eventType, conv := unquote(m[1]), unquote(m[2]), unquote(m[3])
		since := o.srv.opts.Now().Add(-auditLookback)
		n := 0
		for _, a := range st.audits {
			if a.OrgID == org && a.EventType == eventType && a.ConversationID == conv && !a.CreatedAt.Before(since) {
				n++
			}
		}
		return strconv.Itoa(n), nil
	}
	return "", fmt.Errorf("sandbox oracle: unsupported query: %s", sql)
}

func (s *state) latestLeadByPhone(phone string) *lead {
	var found *lead
	for _, l := range s.leads {
		if samePhone(l.Phone, phone) && (found == nil || !l.CreatedAt.Before(found.CreatedAt)) {
			found = l
		}
	}
	return found
}

func unquote(s string) string {
	return strings.ReplaceAll(s, "''", "'")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timestamp(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func rowJSON(row map[string]any) (string, error) {
	b, err := json.Marshal(row)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
