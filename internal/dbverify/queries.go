package dbverify

import (
	"context"
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/vigil/internal/failure"
)

// Audit event types the backend writes when it deflects a message.
const (
	AuditMedicalAdviceRefused = "compliance.medical_advice_refused"
	AuditPHIDetected          = "compliance.phi_detected"
)

// LeadRow holds the lead columns the settlement check reads.
type LeadRow struct {
	DepositStatus string `json:"deposit_status"`
	PriorityLevel string `json:"priority_level"`
}

type PaymentRow struct {
	Status      string  `json:"status"`
	AmountCents int     `json:"amount_cents"`
	ProviderRef *string `json:"provider_ref"`
}

type BookingRow struct {
	Status       string  `json:"status"`
	ConfirmedAt  *string `json:"confirmed_at"`
	ScheduledFor *string `json:"scheduled_for"`
}

// QuoteLiteral renders s as a SQL string literal.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func LeadStateSQL(phone string) string {
	return fmt.Sprintf("SELECT row_to_json(t)::text FROM (SELECT deposit_status, priority_level FROM leads WHERE phone = %s ORDER BY created_at DESC LIMIT 1) t",
		QuoteLiteral(phone))
}

func PaymentIDForLeadSQL(leadID string) string {
	return fmt.Sprintf("SELECT id FROM payments WHERE lead_id = %s ORDER BY created_at DESC LIMIT 1", QuoteLiteral(leadID))
}

func PaymentAmountSQL(paymentID string) string {
	return fmt.Sprintf("SELECT amount_cents FROM payments WHERE id = %s", QuoteLiteral(paymentID))
}

func PaymentSQL(paymentID string) string {
	return fmt.Sprintf("SELECT row_to_json(t)::text FROM (SELECT status, amount_cents, provider_ref FROM payments WHERE id = %s) t",
		QuoteLiteral(paymentID))
}

func BookingSQL(orgID, leadID string) string {
	return fmt.Sprintf("SELECT row_to_json(t)::text FROM (SELECT status, confirmed_at, scheduled_for FROM bookings WHERE org_id = %s AND lead_id = %s ORDER BY created_at DESC LIMIT 1) t",
		QuoteLiteral(orgID), QuoteLiteral(leadID))
}

func AuditEventCountSQL(orgID, eventType, conversationID string) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM compliance_audit_events WHERE org_id = %s AND event_type = %s AND created_at >= NOW() - interval '10 minutes' AND conversation_id = %s",
		QuoteLiteral(orgID), QuoteLiteral(eventType), QuoteLiteral(conversationID))
}

func (v *Verifier) LeadState(ctx context.Context, phone string) (LeadRow, error) {
	var row LeadRow
	err := v.RowJSON(ctx, LeadStateSQL(phone), &row)
	return row, err
}

// PaymentIDForLead returns the newest payment id for the lead.
func (v *Verifier) PaymentIDForLead(ctx context.Context, leadID string) (string, error) {
	out, err := v.Text(ctx, PaymentIDForLeadSQL(leadID))
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", failure.Mismatch("payment for lead", "no payment row", "payment id", "")
	}
	return firstLine(out), nil
}

func (v *Verifier) PaymentAmount(ctx context.Context, paymentID string) (int, error) {
	return v.Int(ctx, PaymentAmountSQL(paymentID))
}

func (v *Verifier) Payment(ctx context.Context, paymentID string) (PaymentRow, error) {
	var row PaymentRow
	err := v.RowJSON(ctx, PaymentSQL(paymentID), &row)
	return row, err
}

func (v *Verifier) Booking(ctx context.Context, orgID, leadID string) (BookingRow, error) {
	var row BookingRow
	err := v.RowJSON(ctx, BookingSQL(orgID, leadID), &row)
	return row, err
}

// AuditEventCount counts audit rows of eventType in the last ten minutes.
func (v *Verifier) AuditEventCount(ctx context.Context, orgID, eventType, conversationID string) (int, error) {
	return v.Int(ctx, AuditEventCountSQL(orgID, eventType, conversationID))
}
