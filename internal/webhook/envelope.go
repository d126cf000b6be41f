package webhook

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Provider event types the harness synthesises.
const (
	TypeCallHangup       = "call.hangup"
	TypeMessageReceived  = "message.received"
	TypePaymentCompleted = "payment.completed"
)

// TelnyxEnvelope is the outer shape of every Telnyx webhook.
type TelnyxEnvelope struct {
	Data TelnyxData `json:"data"`
}

type TelnyxData struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	OccurredAt string          `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Party is a Telnyx phone endpoint.
type Party struct {
	PhoneNumber string `json:"phone_number"`
}

// CallPayload describes a hangup; the backend treats no_answer as a missed call.
type CallPayload struct {
	ID          string  `json:"id"`
	Status      string  `json:"status"`
	HangupCause string  `json:"hangup_cause"`
	From        Party   `json:"from"`
	To          []Party `json:"to"`
}

type MessagePayload struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Direction  string  `json:"direction"`
	From       Party   `json:"from"`
	To         []Party `json:"to"`
	Text       string  `json:"text"`
	ReceivedAt string  `json:"received_at"`
}

// FirstTo returns the first destination number, or "".
func FirstTo(to []Party) string {
	if len(to) == 0 {
		return ""
	}
	return to[0].PhoneNumber
}

// SquareEvent is a Square payment webhook.
type SquareEvent struct {
	ID        string     `json:"id"`
	EventID   string     `json:"event_id"`
	CreatedAt string     `json:"created_at"`
	Type      string     `json:"type"`
	Data      SquareData `json:"data"`
}

type SquareData struct {
	Object SquareObject `json:"object"`
}

type SquareObject struct {
	Payment SquarePayment `json:"payment"`
}

type SquarePayment struct {
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	OrderID     string            `json:"order_id"`
	AmountMoney Money             `json:"amount_money"`
	Metadata    map[string]string `json:"metadata"`
}

type Money struct {
	Amount   int    `json:"amount"`
	Currency string `json:"currency"`
}

// NewID returns prefix plus n lowercase hex characters from a random uuid.
func NewID(prefix string, n int) string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	if n > len(hex) {
		n = len(hex)
	}
	return prefix + hex[:n]
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func voiceEnvelope(eventID, callID, cause, from, to string, at time.Time) ([]byte, error) {
	payload, err := json.Marshal(CallPayload{
		ID:          callID,
		Status:      cause,
		HangupCause: cause,
		From:        Party{PhoneNumber: from},
		To:          []Party{{PhoneNumber: to}},
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(TelnyxEnvelope{Data: TelnyxData{
		ID:         eventID,
		EventType:  TypeCallHangup,
		OccurredAt: timestamp(at),
		Payload:    payload,
	}})
}

func messageEnvelope(eventID, messageID, text, from, to string, at time.Time) ([]byte, error) {
	payload, err := json.Marshal(MessagePayload{
		ID:         messageID,
		Type:       "SMS",
		Direction:  "inbound",
		From:       Party{PhoneNumber: from},
		To:         []Party{{PhoneNumber: to}},
		Text:       text,
		ReceivedAt: timestamp(at),
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(TelnyxEnvelope{Data: TelnyxData{
		ID:         eventID,
		EventType:  TypeMessageReceived,
		OccurredAt: timestamp(at),
		Payload:    payload,
	}})
}

func paymentEvent(o PaymentOptions, orgID string, at time.Time) ([]byte, error) {
	return json.Marshal(SquareEvent{
		ID:        o.EventID,
		EventID:   o.EventID,
		CreatedAt: timestamp(at),
		Type:      TypePaymentCompleted,
		Data: SquareData{Object: SquareObject{Payment: SquarePayment{
			ID:          o.PaymentID,
			Status:      "COMPLETED",
			OrderID:     o.OrderID,
			AmountMoney: Money{Amount: o.AmountCents, Currency: "USD"},
			Metadata: map[string]string{
				"org_id":            orgID,
				"lead_id":           o.LeadID,
				"booking_intent_id": o.BookingIntentID,
			},
		}}},
	})
}
