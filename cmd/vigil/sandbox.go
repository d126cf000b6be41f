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

	"github.com/MikeSquared-Agency/vigil/internal/config"
	"github.com/MikeSquared-Agency/vigil/internal/failure"
	"github.com/MikeSquared-Agency/vigil/internal/sandbox"
)

func sandboxCmd() *cobra.Command {
	var (
		addr       string
		replyDelay int
	)
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Serve the in-memory sandbox backend",
		Long: `Serve an in-memory backend that honours the webhook, admin and
transcript contracts the harness exercises.

Examples:
  vigil sandbox --addr 127.0.0.1:8082
  API_URL=http://127.0.0.1:8082 vigil all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()

			srcs, err := config.DefaultSources(ctx)
			if err != nil {
				return failure.Config("config sources", "%v", err)
			}
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("sandbox listen: %w", err)
			}
			// Square signs over the notification URL, which derives from API_URL.
			self := config.Map{Label: "sandbox", Values: map[string]string{"API_URL": "http://" + ln.Addr().String()}}
			cfg := config.Load(config.Sources{self, srcs, sandboxDefaults})
			setupLogging(cfg.LogLevel)
			opts := sandbox.OptionsFromConfig(cfg)
			opts.ReplyDelay = time.Duration(replyDelay) * time.Millisecond
			srv := sandbox.NewServer(opts)
			srv.SeedHostedNumber(cfg.OrgID, cfg.ClinicPhone)

			slog.Info("sandbox ready", "addr", ln.Addr().String(), "org_id", cfg.OrgID, "demo_mode", cfg.DemoMode)
			return srv.Serve(ctx, ln)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8082", "listen address")
	cmd.Flags().IntVar(&replyDelay, "reply-delay-ms", 0, "delay before assistant replies appear")
	return cmd
}
