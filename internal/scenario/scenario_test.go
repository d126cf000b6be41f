package scenario

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/vigil/internal/backend"
	"github.com/MikeSquared-Agency/vigil/internal/config"
	"github.com/MikeSquared-Agency/vigil/internal/dbverify"
	"github.com/MikeSquared-Agency/vigil/internal/failure"
	"github.com/MikeSquared-Agency/vigil/internal/report"
	"github.com/MikeSquared-Agency/vigil/internal/sandbox"
	"github.com/MikeSquared-Agency/vigil/internal/testutil"
	"github.com/MikeSquared-Agency/vigil/internal/transcript"
	"github.com/MikeSquared-Agency/vigil/internal/webhook"
)

type env struct {
	deps Deps
	srv  *sandbox.Server
}

// newEnv wires the sequencers to an in-process sandbox with short timeouts.
func newEnv(t *testing.T, extra map[string]string, tweak func(*sandbox.Options)) env {
	t.Helper()
	values := map[string]string{
		"TELNYX_WEBHOOK_SECRET":        "whsec",
		"SQUARE_WEBHOOK_SIGNATURE_KEY": "sqkey",
		"ADMIN_JWT_SECRET":             "admin-secret",
		"E2E_POLL_INTERVAL_MS":         "20",
		"E2E_ACK_TIMEOUT_MS":           "2000",
		"E2E_KEYWORD_TIMEOUT_MS":       "2000",
		"E2E_AI_REPLY_TIMEOUT_MS":      "2000",
		"E2E_SILENCE_WINDOW_MS":        "150",
		"E2E_DB_SETTLE_TIMEOUT_MS":     "1000",
	}
	for k, v := range extra {
		values[k] = v
	}

	ts := httptest.NewUnstartedServer(nil)
	values["API_URL"] = "http://" + ts.Listener.Addr().String()
	cfg := config.Load(config.Map{Label: "test", Values: values})

	opts := sandbox.OptionsFromConfig(cfg)
	if tweak != nil {
		tweak(&opts)
	}
	srv := sandbox.NewServer(opts)
	ts.Config.Handler = srv.Handler()
	ts.Start()
	t.Cleanup(ts.Close)

	client := backend.NewClient(cfg)
	return env{
		srv: srv,
		deps: Deps{
			Config:   cfg,
			Emitter:  webhook.NewEmitter(cfg),
			Poller:   transcript.NewPoller(client, cfg.OrgID, cfg.CustomerPhone, cfg.PollInterval),
			Backend:  client,
			Verifier: dbverify.NewVerifier(srv.Oracle(), time.Second),
			Seeder:   dbverify.NewSeeder(srv.Oracle()),
		},
	}
}

func phaseNames(r *report.Run) string {
	names := make([]string, len(r.Phases))
	for i, p := range r.Phases {
		names[i] = p.Name
	}
	return strings.Join(names, ",")
}

func TestCompliancePasses(t *testing.T) {
	e := newEnv(t, nil, nil)
	run := report.NewRun("compliance", time.Now())

	if err := NewCompliance(e.deps).Run(context.Background(), run); err != nil {
		t.Fatalf("expected compliance to pass, got %v\n%s", err, report.Format(run))
	}
	want := "setup,first_contact,help,stop,start,pci_guardrail,medical_advice,phi_deflection,idempotency,signature_rejection"
	if got := phaseNames(run); got != want {
		t.Errorf("expected phases %s, got %s", want, got)
	}
	if !run.Passed() {
		t.Errorf("expected passing run, got %+v", run.Failure)
	}
}

func TestComplianceDemoMode(t *testing.T) {
	e := newEnv(t, map[string]string{
		"DEMO_MODE":                  "true",
		"TELNYX_FIRST_CONTACT_REPLY": "Welcome! Reply STOP to opt out.",
	}, nil)
	run := report.NewRun("compliance", time.Now())

	if err := NewCompliance(e.deps).Run(context.Background(), run); err != nil {
		t.Fatalf("expected demo compliance to pass, got %v\n%s", err, report.Format(run))
	}
	if !strings.Contains(phaseNames(run), "start,demo_yes,pci_guardrail") {
		t.Errorf("expected demo_yes phase, got %s", phaseNames(run))
	}
}

func TestComplianceFirstContactRequiredInDemo(t *testing.T) {
	e := newEnv(t, map[string]string{
		"DEMO_MODE":                  "true",
		"TELNYX_FIRST_CONTACT_REPLY": "Welcome!",
	}, func(o *sandbox.Options) { o.FirstContactReply = "" })
	run := report.NewRun("compliance", time.Now())

	err := NewCompliance(e.deps).Run(context.Background(), run)
	if !errors.Is(err, failure.ErrMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if run.Failure.Phase != "first_contact" || run.Failure.Expected != "first_contact_ack" {
		t.Errorf("unexpected failure %+v", run.Failure)
	}
}

func TestComplianceStopsAtWrongHelpReply(t *testing.T) {
	e := newEnv(t, nil, func(o *sandbox.Options) { o.HelpReply = "Call us anytime." })
	run := report.NewRun("compliance", time.Now())

	err := NewCompliance(e.deps).Run(context.Background(), run)
	if !errors.Is(err, failure.ErrMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	f := run.Failure
	if f.Phase != "help" || f.Expected != config.DefaultHelpReply || f.Actual != "Call us anytime." {
		t.Errorf("unexpected failure %+v", f)
	}
	if len(f.TranscriptTail) == 0 {
		t.Error("expected transcript tail on failure")
	}
	if f.LastResponse == nil || f.LastResponse.Endpoint != webhook.PathTelnyxMessages {
		t.Errorf("expected last webhook response, got %+v", f.LastResponse)
	}
	if got := phaseNames(run); got != "setup,first_contact,help" {
		t.Errorf("expected run to stop after help, got %s", got)
	}
}

func TestComplianceWithoutDatabase(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.deps.Verifier = nil
	run := report.NewRun("compliance", time.Now())

	err := NewCompliance(e.deps).Run(context.Background(), run)
	if !errors.Is(err, failure.ErrOracleUnavailable) {
		t.Fatalf("expected oracle unavailable, got %v", err)
	}
	if run.Failure.Phase != "medical_advice" {
		t.Errorf("expected failure in medical_advice, got %s", run.Failure.Phase)
	}

	e.deps.Seeder = nil
	run = report.NewRun("compliance", time.Now())
	err = NewCompliance(e.deps).Run(context.Background(), run)
	if !errors.Is(err, failure.ErrOracleUnavailable) || run.Failure.Phase != "setup" {
		t.Errorf("expected oracle unavailable in setup without any client, got %v", err)
	}
}

// recordingDB remembers every statement it forwards.
type recordingDB struct {
	dbverify.Client
	mu      sync.Mutex
	queries []string
}

func (r *recordingDB) Query(ctx context.Context, sql string) (string, error) {
	r.mu.Lock()
	r.queries = append(r.queries, sql)
	r.mu.Unlock()
	return r.Client.Query(ctx, sql)
}

func TestComplianceSeedsHostedNumber(t *testing.T) {
	e := newEnv(t, nil, func(o *sandbox.Options) { o.RequireHostedNumber = true })
	rec := &recordingDB{Client: e.srv.Oracle()}
	e.deps.Seeder = dbverify.NewSeeder(rec)
	run := report.NewRun("compliance", time.Now())

	if err := NewCompliance(e.deps).Run(context.Background(), run); err != nil {
		t.Fatalf("expected compliance to pass once seeded, got %v\n%s", err, report.Format(run))
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.queries) == 0 || !strings.Contains(rec.queries[0], "hosted_number_orders") {
		t.Errorf("expected the hosted number seed first, got %v", rec.queries)
	}
}

func TestComplianceSeedFailureIsFatal(t *testing.T) {
	e := newEnv(t, nil, nil)
	db := testutil.NewMockDB()
	db.QueryErr = errors.New("permission denied for table hosted_number_orders")
	e.deps.Seeder = dbverify.NewSeeder(db)
	run := report.NewRun("compliance", time.Now())

	err := NewCompliance(e.deps).Run(context.Background(), run)
	if !errors.Is(err, failure.ErrTransport) {
		t.Fatalf("expected transport failure, got %v", err)
	}
	if got := phaseNames(run); got != "setup" {
		t.Errorf("expected run to stop in setup, got %s", got)
	}
}

func TestComplianceCatchesBackendFaults(t *testing.T) {
	tests := []struct {
		name     string
		fault    sandbox.Faults
		phase    string
		kind     failure.Kind
		expected string
		actual   string
	}{
		{name: "duplicate provider id processed", fault: sandbox.Faults{DisableDedup: true}, phase: "idempotency", kind: failure.KindMismatch},
		{name: "replies after stop", fault: sandbox.Faults{IgnoreOptOut: true}, phase: "stop", kind: failure.KindMismatch},
		{name: "ai reply after pci guardrail", fault: sandbox.Faults{AIReplyAfterPCI: true}, phase: "pci_guardrail", kind: failure.KindMismatch},
		{name: "phi stored verbatim", fault: sandbox.Faults{SkipRedaction: true}, phase: "medical_advice", kind: failure.KindMismatch, expected: RedactedBody},
		{name: "no audit row", fault: sandbox.Faults{SkipAudit: true}, phase: "medical_advice", kind: failure.KindTimeout, expected: "1", actual: "0"},
		{name: "two audit rows", fault: sandbox.Faults{DuplicateAudit: true}, phase: "medical_advice", kind: failure.KindTimeout, expected: "1", actual: "2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, nil, func(o *sandbox.Options) { o.Faults = tt.fault })
			run := report.NewRun("compliance", time.Now())

			err := NewCompliance(e.deps).Run(context.Background(), run)
			if err == nil {
				t.Fatal("expected the suite to fail")
			}
			if got := failure.KindOf(err); got != tt.kind {
				t.Errorf("expected kind %s, got %s (%v)", tt.kind, got, err)
			}
			if run.Failure.Phase != tt.phase {
				t.Errorf("expected failure in %s, got %s", tt.phase, run.Failure.Phase)
			}
			if tt.expected != "" && run.Failure.Expected != tt.expected {
				t.Errorf("expected %q as expected value, got %q", tt.expected, run.Failure.Expected)
			}
			if tt.actual != "" && run.Failure.Actual != tt.actual {
				t.Errorf("expected %q as actual value, got %q", tt.actual, run.Failure.Actual)
			}
			if len(run.Failure.TranscriptTail) == 0 {
				t.Error("expected transcript tail in failure")
			}
		})
	}
}

func TestComplianceRejectsUnsignedAcceptance(t *testing.T) {
	e := newEnv(t, nil, nil)
	c := NewCompliance(e.deps)

	// A backend with the wrong secret would reject everything; here the
	// emitter's forged signature must be refused and nothing recorded.
	if err := c.signatureRejection(context.Background()); err != nil {
		t.Fatalf("expected rejection check to pass, got %v", err)
	}
}

func TestHappyPathPasses(t *testing.T) {
	e := newEnv(t, nil, nil)
	run := report.NewRun("happy_path", time.Now())

	res, err := NewHappyPath(e.deps).Run(context.Background(), run)
	if err != nil {
		t.Fatalf("expected happy path to pass, got %v\n%s", err, report.Format(run))
	}
	if res.LeadID == "" || res.PaymentID == "" {
		t.Errorf("expected lead and payment ids, got %+v", res)
	}
	if res.AmountCents != 5000 {
		t.Errorf("expected 5000 cents, got %d", res.AmountCents)
	}
	if len(res.Timings) != len(Turns) || len(run.Timings) != len(Turns) {
		t.Errorf("expected %d timings, got %d/%d", len(Turns), len(res.Timings), len(run.Timings))
	}
	want := "setup,missed_call,turn_1,turn_2,turn_3,deposit_link,payment,settlement"
	if got := phaseNames(run); got != want {
		t.Errorf("expected phases %s, got %s", want, got)
	}
}

func TestHappyPathAmountFromDatabase(t *testing.T) {
	e := newEnv(t, nil, func(o *sandbox.Options) { o.DepositAmountCents = 7500 })
	run := report.NewRun("happy_path", time.Now())

	res, err := NewHappyPath(e.deps).Run(context.Background(), run)
	if err != nil {
		t.Fatalf("expected happy path to pass, got %v\n%s", err, report.Format(run))
	}
	if res.AmountCents != 7500 {
		t.Errorf("expected amount read from payments row, got %d", res.AmountCents)
	}
}

func TestHappyPathManualCheckout(t *testing.T) {
	e := newEnv(t, map[string]string{"E2E_MANUAL_CHECKOUT": "true"}, nil)
	run := report.NewRun("happy_path", time.Now())

	res, err := NewHappyPath(e.deps).Run(context.Background(), run)
	if err != nil {
		t.Fatalf("expected happy path to pass, got %v\n%s", err, report.Format(run))
	}
	want := "setup,missed_call,turn_1,turn_2,turn_3,checkout,payment,settlement"
	if got := phaseNames(run); got != want {
		t.Errorf("expected phases %s, got %s", want, got)
	}
	if res.PaymentID == "" {
		t.Error("expected payment id from checkout")
	}
}

func TestHappyPathCatchesUnsettledPayment(t *testing.T) {
	e := newEnv(t, nil, func(o *sandbox.Options) { o.Faults.SkipSettlement = true })
	run := report.NewRun("happy_path", time.Now())

	_, err := NewHappyPath(e.deps).Run(context.Background(), run)
	if !errors.Is(err, failure.ErrTimeout) {
		t.Fatalf("expected settlement timeout, got %v", err)
	}
	f := run.Failure
	if f.Phase != "settlement" || f.Kind != "timeout" {
		t.Errorf("unexpected failure %+v", f)
	}
	if f.Expected != "succeeded" || f.Actual != "pending" {
		t.Errorf("expected payment status values verbatim, got %q/%q", f.Expected, f.Actual)
	}
}

func TestHappyPathLeadFailureIsFatal(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.deps.Backend = failingLeads{e.deps.Backend}
	run := report.NewRun("happy_path", time.Now())

	if _, err := NewHappyPath(e.deps).Run(context.Background(), run); !errors.Is(err, failure.ErrTransport) {
		t.Fatalf("expected transport failure, got %v", err)
	}
	if run.Failure.Phase != "setup" {
		t.Errorf("expected failure in setup, got %s", run.Failure.Phase)
	}
}

type failingLeads struct {
	Backend
}

func (failingLeads) CreateLead(context.Context, backend.LeadRequest) (backend.Lead, error) {
	return backend.Lead{}, failure.Transport("POST /leads/web", errors.New("status 500"))
}

func TestRecordLatency(t *testing.T) {
	cfg := config.Load(config.Map{Values: map[string]string{"E2E_MAX_AI_STEP_SECONDS": "1"}})
	run := report.NewRun("happy_path", time.Now())
	h := NewHappyPath(Deps{Config: cfg})
	h.run = run

	if err := h.recordLatency("turn_1", 2*time.Second); err != nil {
		t.Fatalf("expected lenient mode to warn only, got %v", err)
	}
	if len(run.LatencyWarnings) != 1 {
		t.Errorf("expected one latency warning, got %v", run.LatencyWarnings)
	}

	strict := config.Load(config.Map{Values: map[string]string{"E2E_MAX_AI_STEP_SECONDS": "1", "E2E_FAIL_ON_AI_LATENCY": "true"}})
	h = NewHappyPath(Deps{Config: strict})
	if err := h.recordLatency("turn_1", 2*time.Second); !errors.Is(err, failure.ErrMismatch) {
		t.Errorf("expected strict mode to fail, got %v", err)
	}
	if err := h.recordLatency("turn_2", 500*time.Millisecond); err != nil {
		t.Errorf("expected fast turn to pass, got %v", err)
	}
}

func TestPacing(t *testing.T) {
	cfg := config.Load(config.Map{Values: map[string]string{"E2E_STEP_DELAY_MS": "30"}})
	s := session{Deps{Config: cfg}}

	start := time.Now()
	if err := s.pace(context.Background()); err != nil {
		t.Fatalf("pace: %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("expected pacing delay")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.pace(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation, got %v", err)
	}
}

func TestConversationIDPrefersBackend(t *testing.T) {
	cfg := config.Load(config.Map{Values: map[string]string{"TEST_ORG_ID": "org-1", "TEST_CUSTOMER_PHONE": "+15550001234"}})
	s := session{Deps{Config: cfg}}

	if got := s.conversationID(transcript.Transcript{ConversationID: "sms:org-1:15550001234:v2"}); got != "sms:org-1:15550001234:v2" {
		t.Errorf("expected backend conversation id, got %s", got)
	}
	if got := s.conversationID(transcript.Transcript{}); got != "sms:org-1:15550001234" {
		t.Errorf("expected local conversation id fallback, got %s", got)
	}
}

func TestTurnLatencyIncludesSend(t *testing.T) {
	e := newEnv(t, map[string]string{"E2E_STEP_DELAY_MS": "80"}, nil)
	h := NewHappyPath(e.deps)
	h.run = report.NewRun("happy_path", time.Now())

	if err := h.turn(context.Background(), "turn_1", Turns[0]); err != nil {
		t.Fatalf("turn: %v", err)
	}
	if len(h.result.Timings) != 1 {
		t.Fatalf("expected one timing, got %d", len(h.result.Timings))
	}
	if got := h.result.Timings[0].Elapsed; got < 80*time.Millisecond {
		t.Errorf("expected latency to include the paced send, got %s", got)
	}
}
