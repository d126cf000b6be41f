package dbverify

import (
	"context"
	"fmt"
	"log/slog"
)

// SeedHostedNumberSQL maps the clinic number to the org so inbound webhooks route.
func SeedHostedNumberSQL(orgID, clinicPhone string) string {
	return fmt.Sprintf(`INSERT INTO hosted_number_orders (id, clinic_id, e164_number, status, created_at, updated_at) VALUES (gen_random_uuid(), %s, %s, 'activated', NOW(), NOW()) ON CONFLICT (clinic_id, e164_number) DO UPDATE SET status = 'activated', updated_at = NOW()`,
		QuoteLiteral(orgID), QuoteLiteral(clinicPhone))
}

// Seeder performs the single best-effort write the harness allows itself.
// It is not part of verification and never fails a run.
type Seeder struct {
	client Client
}

func NewSeeder(client Client) *Seeder {
	return &Seeder{client: client}
}

// SeedHostedNumber upserts the hosted number mapping and reports whether it worked.
func (s *Seeder) SeedHostedNumber(ctx context.Context, orgID, clinicPhone string) bool {
	if s == nil || s.client == nil {
		slog.Warn("dbverify: no database client, skipping hosted number seed")
		return false
	}
	if _, err := s.client.Query(ctx, SeedHostedNumberSQL(orgID, clinicPhone)); err != nil {
		slog.Warn("dbverify: hosted number seed failed", "error", err, "org_id", orgID)
		return false
	}
	slog.Info("dbverify: hosted number seeded", "org_id", orgID, "phone", clinicPhone)
	return true
}
