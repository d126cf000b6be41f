package scenario

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/vigil/internal/dbverify"
	"github.com/MikeSquared-Agency/vigil/internal/failure"
	"github.com/MikeSquared-Agency/vigil/internal/report"
	"github.com/MikeSquared-Agency/vigil/internal/testutil"
	"github.com/MikeSquared-Agency/vigil/internal/transcript"
)

func TestRunnerStopsAtFirstError(t *testing.T) {
	run := report.NewRun("unit", time.Now())
	var ran []string
	phase := func(name string, err error) Phase {
		return Phase{Name: name, Run: func(context.Context) error {
			ran = append(ran, name)
			return err
		}}
	}

	err := NewRunner(run, nil, nil).Execute(context.Background(), []Phase{
		phase("one", nil),
		phase("two", failure.Mismatch("two", "bad", "a", "b")),
		phase("three", nil),
	})
	if !errors.Is(err, failure.ErrMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if len(ran) != 2 {
		t.Errorf("expected two phases to run, got %v", ran)
	}
	if len(run.Phases) != 2 || run.Phases[0].Status != report.StatusPassed || run.Phases[1].Status != report.StatusFailed {
		t.Errorf("unexpected phase log %+v", run.Phases)
	}
	if run.Failure == nil || run.Failure.Phase != "two" || run.Failure.LastResponse != nil {
		t.Errorf("unexpected failure %+v", run.Failure)
	}
}

func TestRunnerCancelled(t *testing.T) {
	run := report.NewRun("unit", time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewRunner(run, nil, nil).Execute(ctx, []Phase{{Name: "one", Run: func(context.Context) error { return nil }}})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation, got %v", err)
	}
	if run.Passed() {
		t.Error("expected cancelled run to fail")
	}
}

func TestTimeoutCarriesTranscriptTail(t *testing.T) {
	src := testutil.NewMockTranscript(transcript.Message{ID: "1", Role: transcript.RoleUser, Kind: transcript.KindInbound, Body: "HELP"})
	poller := transcript.NewPoller(src, "org", "+15550001234", 10*time.Millisecond)
	s := session{Deps{Poller: poller}}
	run := report.NewRun("unit", time.Now())

	err := NewRunner(run, nil, nil).Execute(context.Background(), []Phase{{Name: "help", Run: func(ctx context.Context) error {
		_, err := s.wait(ctx, transcript.NewCursor(nil), transcript.KindIs(transcript.KindHelpAck), 50*time.Millisecond)
		return err
	}}})
	if !errors.Is(err, failure.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if len(run.Failure.TranscriptTail) != 1 || run.Failure.Kind != "timeout" {
		t.Errorf("unexpected failure %+v", run.Failure)
	}
	if src.FetchCount() < 2 {
		t.Errorf("expected repeated polling, got %d fetches", src.FetchCount())
	}
}

func TestDBMismatchCarriesLastTranscript(t *testing.T) {
	src := testutil.NewMockTranscript(
		transcript.Message{ID: "1", Role: transcript.RoleUser, Kind: transcript.KindInbound, Body: "Friday at 3pm"},
		transcript.Message{ID: "2", Role: transcript.RoleAssistant, Kind: transcript.KindPaymentConfirmation, Body: "Payment received!"},
	)
	poller := transcript.NewPoller(src, "org", "+15550001234", 10*time.Millisecond)
	run := report.NewRun("unit", time.Now())

	err := NewRunner(run, nil, poller).Execute(context.Background(), []Phase{{Name: "settlement", Run: func(ctx context.Context) error {
		if _, _, err := poller.Snapshot(ctx); err != nil {
			return err
		}
		return dbverify.ExpectEqual("payments.status", "succeeded", "pending")
	}}})
	if !errors.Is(err, failure.ErrMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if len(run.Failure.TranscriptTail) != 2 {
		t.Fatalf("expected 2 transcript lines in failure, got %v", run.Failure.TranscriptTail)
	}
	if run.Failure.Expected != "succeeded" || run.Failure.Actual != "pending" {
		t.Errorf("expected db values verbatim, got %q/%q", run.Failure.Expected, run.Failure.Actual)
	}
}
