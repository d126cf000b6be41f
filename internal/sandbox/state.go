package sandbox

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/vigil/internal/transcript"
)

// Reply texts the sandbox sends for non-keyword messages.
const (
	AckReply          = "Thanks for your message! One moment while I check on that."
	VoiceAckReply     = "Sorry we missed your call! This is the clinic assistant. How can I help you today?"
	PCIReply          = "For your security, please do not send credit card details by text. Please use the secure payment link we send you instead."
	DeflectionReply   = "I'm sorry, but I can't provide medical advice. Please consult your provider, and I'm happy to help you book a consultation."
	RedactedBody      = "[REDACTED]"
	depositLinkFormat = "Here is your secure deposit link to hold your appointment: %s"
)

const (
	auditMedicalAdvice = "compliance.medical_advice_refused"
	auditPHI           = "compliance.phi_detected"
	maxTranscript      = 250
)

var (
	cardPattern = regexp.MustCompile(`(?:\d[ -]?){13,19}`)

	stopWords  = map[string]bool{"STOP": true, "STOPALL": true, "UNSUBSCRIBE": true, "CANCEL": true, "END": true, "QUIT": true}
	startWords = map[string]bool{"START": true, "UNSTOP": true}
	helpWords  = map[string]bool{"HELP": true, "INFO": true}

	phiTerms     = []string{"diabetes", "pregnan", "hiv", "cancer", "blood pressure", "diagnosed", "prescription", "medication", "allerg"}
	medicalTerms = []string{"is it safe", "should i take", "ibuprofen", "side effect", "dosage", "interact", "aspirin", "blood thinner"}
)

type conversation struct {
	id           string
	orgID        string
	phone        string
	clinic       string
	messages     []transcript.Message
	optedOut     bool
	firstContact bool
}

type lead struct {
	ID            string
	OrgID         string
	Phone         string
	Name          string
	Source        string
	DepositStatus string
	PriorityLevel string
	CreatedAt     time.Time
}

type payment struct {
	ID          string
	OrgID       string
	LeadID      string
	AmountCents int
	Status      string
	ProviderRef string
	CreatedAt   time.Time
}

type booking struct {
	ID           string
	OrgID        string
	LeadID       string
	Status       string
	ConfirmedAt  *time.Time
	ScheduledFor *time.Time
	CreatedAt    time.Time
}

type auditEvent struct {
	OrgID          string
	EventType      string
	ConversationID string
	CreatedAt      time.Time
}

type state struct {
	conversations map[string]*conversation
	seenEvents    map[string]bool
	seenMessages  map[string]bool
	hosted        map[string]string
	leads         []*lead
	payments      []*payment
	bookings      []*booking
	audits        []auditEvent
}

func newState() *state {
	return &state{
		conversations: make(map[string]*conversation),
		seenEvents:    make(map[string]bool),
		seenMessages:  make(map[string]bool),
		hosted:        make(map[string]string),
	}
}

func e164(phone string) string {
	return "+" + transcript.Digits(phone)
}

func samePhone(a, b string) bool {
	return transcript.Digits(a) == transcript.Digits(b)
}

func (s *state) conversation(orgID, phone string) *conversation {
	id := transcript.ConversationID(orgID, phone)
	c, ok := s.conversations[id]
	if !ok {
		c = &conversation{id: id, orgID: orgID, phone: e164(phone)}
		s.conversations[id] = c
	}
	return c
}

func (c *conversation) append(m transcript.Message) {
	c.messages = append(c.messages, m)
	if len(c.messages) > maxTranscript {
		c.messages = c.messages[len(c.messages)-maxTranscript:]
	}
}

func newMessage(role transcript.Role, kind transcript.Kind, from, to, body string, now time.Time) transcript.Message {
	return transcript.Message{
		ID:        uuid.NewString(),
		Role:      role,
		Kind:      kind,
		RawKind:   kind.String(),
		From:      from,
		To:        to,
		Body:      body,
		Timestamp: now.UTC(),
		Status:    "delivered",
	}
}

func (s *state) latestLead(orgID, phone string) *lead {
	var found *lead
	for _, l := range s.leads {
		if l.OrgID == orgID && samePhone(l.Phone, phone) {
			if found == nil || !l.CreatedAt.Before(found.CreatedAt) {
				found = l
			}
		}
	}
	return found
}

func (s *state) leadByID(id string) *lead {
	for _, l := range s.leads {
		if l.ID == id {
			return l
		}
	}
	return nil
}

func (s *state) paymentByID(id string) *payment {
	for _, p := range s.payments {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (s *state) latestPayment(leadID string) *payment {
	var found *payment
	for _, p := range s.payments {
		if p.LeadID == leadID && (found == nil || !p.CreatedAt.Before(found.CreatedAt)) {
			found = p
		}
	}
	return found
}

func (s *state) latestBooking(orgID, leadID string) *booking {
	var found *booking
	for _, b := range s.bookings {
		if b.OrgID == orgID && b.LeadID == leadID && (found == nil || !b.CreatedAt.Before(found.CreatedAt)) {
			found = b
		}
	}
	return found
}

func (s *state) createLead(orgID, phone, name, source string, now time.Time) *lead {
	l := &lead{
		ID:            uuid.NewString(),
		OrgID:         orgID,
		Phone:         e164(phone),
		Name:          name,
		Source:        source,
		DepositStatus: "none",
		PriorityLevel: "normal",
		CreatedAt:     now,
	}
	s.leads = append(s.leads, l)
	return l
}

// createPayment opens a pending deposit and the booking it will confirm.
func (s *state) createPayment(l *lead, amountCents int, now time.Time) *payment {
	p := &payment{
		ID:          uuid.NewString(),
		OrgID:       l.OrgID,
		LeadID:      l.ID,
		AmountCents: amountCents,
		Status:      "pending",
		CreatedAt:   now,
	}
	s.payments = append(s.payments, p)
	l.DepositStatus = "pending"
	s.bookings = append(s.bookings, &booking{
		ID:        uuid.NewString(),
		OrgID:     l.OrgID,
		LeadID:    l.ID,
		Status:    "pending",
		CreatedAt: now,
	})
	return p
}

// settle marks the deposit paid and confirms the booking.
func (s *state) settle(p *payment, providerRef string, now time.Time) *lead {
	p.Status = "succeeded"
	p.ProviderRef = providerRef
	l := s.leadByID(p.LeadID)
	if l != nil {
		l.DepositStatus = "paid"
		l.PriorityLevel = "priority"
	}
	if b := s.latestBooking(p.OrgID, p.LeadID); b != nil {
		at := now.UTC()
		b.Status = "confirmed"
		b.ConfirmedAt = &at
	}
	return l
}

func (s *state) audit(orgID, eventType, conversationID string, now time.Time) {
	s.audits = append(s.audits, auditEvent{OrgID: orgID, EventType: eventType, ConversationID: conversationID, CreatedAt: now})
}

// purge removes every trace of phone within org.
func (s *state) purge(orgID, phone string) map[string]int {
	counts := map[string]int{}
	convID := transcript.ConversationID(orgID, phone)
	if c, ok := s.conversations[convID]; ok {
		counts["messages"] = len(c.messages)
		delete(s.conversations, convID)
	}

	leadIDs := map[string]bool{}
	var leads []*lead
	for _, l := range s.leads {
		if l.OrgID == orgID && samePhone(l.Phone, phone) {
			leadIDs[l.ID] = true
			counts["leads"]++
			continue
		}
		leads = append(leads, l)
	}
	s.leads = leads

	var payments []*payment
	for _, p := range s.payments {
		if leadIDs[p.LeadID] {
			counts["payments"]++
			continue
		}
		payments = append(payments, p)
	}
	s.payments = payments

	var bookings []*booking
	for _, b := range s.bookings {
		if leadIDs[b.LeadID] {
			counts["bookings"]++
			continue
		}
		bookings = append(bookings, b)
	}
	s.bookings = bookings

	var audits []auditEvent
	for _, a := range s.audits {
		if a.OrgID == orgID && a.ConversationID == convID {
			counts["compliance_audit_events"]++
			continue
		}
		audits = append(audits, a)
	}
	s.audits = audits
	return counts
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// hasCardNumber reports a 13-19 digit run that passes the Luhn check.
func hasCardNumber(text string) bool {
	for _, m := range cardPattern.FindAllString(text, -1) {
		digits := rawDigits(m)
		if len(digits) >= 13 && len(digits) <= 19 && luhn(digits) {
			return true
		}
	}
	return false
}

func rawDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func luhn(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func depositURL(paymentID string) string {
	return "https://sandbox.square.link/pay/" + paymentID
}

func depositLink(paymentID string) string {
	return fmt.Sprintf(depositLinkFormat, depositURL(paymentID))
}

func formatCents(cents int) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}
