package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/vigil/internal/failure"
)

var Version = "dev"

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	root := rootCmd()
	root.SetArgs(args)
	return exitCode(root.Execute())
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vigil",
		Short:         "Vigil - webhook simulation and compliance verification harness",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Bool("sandbox", false, "run against an in-process sandbox backend")

	root.AddCommand(suiteCmd("compliance", "Run the compliance suite", suiteCompliance))
	root.AddCommand(suiteCmd("happy-path", "Run the missed-call to paid-deposit flow", suiteHappyPath))
	root.AddCommand(suiteCmd("all", "Run the compliance suite, then the happy path", suiteCompliance, suiteHappyPath))
	root.AddCommand(sandboxCmd())
	return root
}

// exitCode maps a run error to the process status: 2 for configuration
// errors, 1 for anything else.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "vigil:", err)
	if failure.KindOf(err) == failure.KindConfig {
		return 2
	}
	return 1
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
