package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role identifies who authored a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Kind is the closed set of message classifications the backend emits.
// Anything the harness does not recognise decodes to KindUnknown.
type Kind int

const (
	KindUnknown Kind = iota
	KindInbound
	KindAck
	KindFirstContactAck
	KindVoiceAck
	KindAIReply
	KindDepositLink
	KindPaymentConfirmation
	KindHelpAck
	KindStopAck
	KindStartAck
	KindPCIGuardrail
)

var kindNames = map[Kind]string{
	KindInbound:             "inbound",
	KindAck:                 "ack",
	KindFirstContactAck:     "first_contact_ack",
	KindVoiceAck:            "voice_ack",
	KindAIReply:             "ai_reply",
	KindDepositLink:         "deposit_link",
	KindPaymentConfirmation: "payment_confirmation",
	KindHelpAck:             "help_ack",
	KindStopAck:             "stop_ack",
	KindStartAck:            "start_ack",
	KindPCIGuardrail:        "pci_guardrail",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind maps a wire name to a Kind; unrecognised names yield KindUnknown.
func ParseKind(s string) Kind {
	return kindsByName[strings.TrimSpace(strings.ToLower(s))]
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("transcript: kind must be a string: %w", err)
	}
	*k = ParseKind(s)
	return nil
}

// Message is one transcript entry as the backend records it.
type Message struct {
	ID                string            `json:"id"`
	Role              Role              `json:"role"`
	From              string            `json:"from"`
	To                string            `json:"to"`
	Body              string            `json:"body"`
	Timestamp         time.Time         `json:"timestamp"`
	Kind              Kind              `json:"-"`
	RawKind           string            `json:"kind,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	Status            string            `json:"status,omitempty"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	p.Kind = ParseKind(p.RawKind)
	*m = Message(p)
	return nil
}

// Line renders a message as "- kind/role: body" with the body cut to 120 runes.
func (m Message) Line() string {
	kind := m.RawKind
	if kind == "" {
		kind = m.Kind.String()
	}
	body := []rune(m.Body)
	if len(body) > 120 {
		body = body[:120]
	}
	return fmt.Sprintf("- %s/%s: %s", kind, m.Role, string(body))
}

// Transcript is the ordered message list for one conversation.
type Transcript struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}

// Source fetches the current transcript for an org and phone.
type Source interface {
	Fetch(ctx context.Context, orgID, phone string) (Transcript, error)
}

// Digits normalises a phone to digits, prefixing 1 on bare 10-digit US numbers.
func Digits(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := b.String()
	if len(d) == 10 {
		d = "1" + d
	}
	return d
}

// ConversationID returns the backend's canonical SMS conversation id.
func ConversationID(orgID, phone string) string {
	return fmt.Sprintf("sms:%s:%s", orgID, Digits(phone))
}

// LastInbound returns the most recent user-authored inbound message.
func LastInbound(msgs []Message) (Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser && msgs[i].Kind == KindInbound {
			return msgs[i], true
		}
	}
	return Message{}, false
}

// Tail renders the last n messages as diagnostic lines.
func Tail(msgs []Message, n int) []string {
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Line()
	}
	return out
}
