package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/vigil/internal/backend"
	"github.com/MikeSquared-Agency/vigil/internal/config"
	"github.com/MikeSquared-Agency/vigil/internal/dbverify"
	"github.com/MikeSquared-Agency/vigil/internal/failure"
	"github.com/MikeSquared-Agency/vigil/internal/report"
	"github.com/MikeSquared-Agency/vigil/internal/sandbox"
	"github.com/MikeSquared-Agency/vigil/internal/scenario"
	slackalert "github.com/MikeSquared-Agency/vigil/internal/slack"
	"github.com/MikeSquared-Agency/vigil/internal/transcript"
	"github.com/MikeSquared-Agency/vigil/internal/webhook"
)

// suite runs one sequencer and records into run.
type suite struct {
	name string
	run  func(ctx context.Context, d scenario.Deps, run *report.Run) error
}

var (
	suiteCompliance = suite{name: "compliance", run: func(ctx context.Context, d scenario.Deps, run *report.Run) error {
		return scenario.NewCompliance(d).Run(ctx, run)
	}}
	suiteHappyPath = suite{name: "happy_path", run: func(ctx context.Context, d scenario.Deps, run *report.Run) error {
		res, err := scenario.NewHappyPath(d).Run(ctx, run)
		if err == nil {
			slog.Info("happy path settled", "lead_id", res.LeadID, "payment_id", res.PaymentID, "amount_cents", res.AmountCents)
		}
		return err
	}}
)

// sandboxDefaults fills the secrets an in-process sandbox needs when the
// environment does not provide them. It is consulted last.
var sandboxDefaults = config.Map{Label: "sandbox-defaults", Values: map[string]string{
	"TELNYX_WEBHOOK_SECRET":        "sandbox-telnyx-secret",
	"SQUARE_WEBHOOK_SIGNATURE_KEY": "sandbox-square-key",
	"ADMIN_JWT_SECRET":             "sandbox-admin-secret",
}}

func suiteCmd(use, short string, suites ...suite) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			useSandbox, _ := cmd.Flags().GetBool("sandbox")
			return runSuites(cmd.Context(), useSandbox, suites)
		},
	}
}

func runSuites(parent context.Context, useSandbox bool, suites []suite) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srcs, err := config.DefaultSources(ctx)
	if err != nil {
		return failure.Config("config sources", "%v", err)
	}
	cfg := config.Load(srcs)
	setupLogging(cfg.LogLevel)

	var sb *sandbox.Server
	if useSandbox {
		cfg, sb, err = startSandbox(ctx, srcs)
		if err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	h, err := newHarness(ctx, cfg, sb)
	if err != nil {
		return err
	}
	defer h.close()

	slog.Info("vigil starting", "api_url", cfg.APIURL, "org_id", cfg.OrgID, "db_client", h.dbName(), "transcript_source", cfg.TranscriptSource, "sandbox", useSandbox)
	if err := h.client.Health(ctx); err != nil {
		return err
	}

	for _, s := range suites {
		run := report.NewRun(s.name, time.Now())
		err := s.run(ctx, h.deps, run)
		run.Finish(time.Now())
		h.finish(ctx, run)
		if err != nil {
			return err
		}
	}
	return nil
}

// startSandbox serves an in-process sandbox on a loopback port and reloads
// the configuration with API_URL pointing at it.
func startSandbox(ctx context.Context, srcs config.Sources) (config.Config, *sandbox.Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("sandbox listen: %w", err)
	}
	override := config.Map{Label: "sandbox", Values: map[string]string{
		"API_URL": "http://" + ln.Addr().String(),
	}}
	cfg := config.Load(config.Sources{override, srcs, sandboxDefaults})

	srv := sandbox.NewServer(sandbox.OptionsFromConfig(cfg))
	go func() {
		if err := srv.Serve(ctx, ln); err != nil {
			slog.Error("sandbox server error", "error", err)
		}
	}()
	return cfg, srv, nil
}

type harness struct {
	cfg    config.Config
	deps   scenario.Deps
	client *backend.Client

	closers  []func()
	nats     *report.NATSPublisher
	alerter  *slackalert.Alerter
	dbClient dbverify.Client
}

func newHarness(ctx context.Context, cfg config.Config, sb *sandbox.Server) (*harness, error) {
	h := &harness{cfg: cfg, client: backend.NewClient(cfg)}

	var src transcript.Source = h.client
	if cfg.TranscriptSource == "redis" {
		rc, err := transcript.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, failure.Transport("redis connect", err)
		}
		h.closers = append(h.closers, func() { rc.Close() })
		src = transcript.NewRedisSource(rc, cfg.TranscriptLimit)
	}

	if sb != nil {
		h.dbClient = sb.Oracle()
	} else {
		c, err := dbverify.NewResolver().Resolve(ctx, cfg)
		if err != nil {
			// Phases that need the database fail on their own with this kind.
			slog.Warn("no database client available", "error", err)
		} else {
			h.dbClient = c
			h.closers = append(h.closers, c.Close)
		}
	}

	h.deps = scenario.Deps{
		Config:  cfg,
		Emitter: webhook.NewEmitter(cfg),
		Poller:  transcript.NewPoller(src, cfg.OrgID, cfg.CustomerPhone, cfg.PollInterval),
		Backend: h.client,
	}
	if h.dbClient != nil {
		h.deps.Verifier = dbverify.NewVerifier(h.dbClient, cfg.DBTimeout)
		h.deps.Seeder = dbverify.NewSeeder(h.dbClient)
	}

	if cfg.NatsURL != "" {
		pub, err := report.NewNATSPublisher(cfg.NatsURL)
		if err != nil {
			slog.Warn("NATS publisher disabled", "error", err)
		} else {
			h.nats = pub
			h.closers = append(h.closers, pub.Close)
		}
	}
	if cfg.SlackBotToken != "" && cfg.SlackAlertChannel != "" {
		h.alerter = slackalert.NewAlerter(cfg.SlackBotToken, cfg.SlackAlertChannel)
		slog.Info("Slack failure alerter enabled", "channel", cfg.SlackAlertChannel)
	}
	return h, nil
}

func (h *harness) dbName() string {
	if h.dbClient == nil {
		return "none"
	}
	return h.dbClient.Name()
}

// finish prints the summary, writes artifacts and notifies subscribers.
// None of these steps can change the run's outcome.
func (h *harness) finish(ctx context.Context, run *report.Run) {
	fmt.Fprint(os.Stderr, report.Format(run))

	if dir, err := report.WriteArtifacts(h.cfg.ArtifactsDir, run); err != nil {
		slog.Warn("failed to write artifacts", "error", err)
	} else if !run.Passed() {
		slog.Error("run failed", "suite", run.Suite, "phase", run.Failure.Phase, "kind", run.Failure.Kind, "artifacts", dir)
	}

	// Notifications use a fresh context so an interrupted run still reports.
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if h.nats != nil {
		if err := h.nats.Publish(nctx, run); err != nil {
			slog.Warn("failed to publish run summary", "error", err)
		}
	}
	if h.alerter != nil {
		if err := h.alerter.PostRunFailure(nctx, run); err != nil {
			slog.Warn("failed to post run alert to Slack", "error", err)
		}
	}
}

func (h *harness) close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		h.closers[i]()
	}
}
