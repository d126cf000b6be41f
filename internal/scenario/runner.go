// Package scenario drives the backend through scripted conversations and
// checks every observable effect along the way.
package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/vigil/internal/report"
	"github.com/MikeSquared-Agency/vigil/internal/transcript"
	"github.com/MikeSquared-Agency/vigil/internal/webhook"
)

// Phase is one named step of a suite.
type Phase struct {
	Name string
	Run  func(ctx context.Context) error
}

// Runner executes phases in order and stops at the first error.
type Runner struct {
	run     *report.Run
	emitter *webhook.Emitter
	poller  *transcript.Poller
	now     func() time.Time
}

// NewRunner records into run. emitter and poller may be nil; when set they
// supply the last HTTP response and transcript tail for failure artifacts.
func NewRunner(run *report.Run, emitter *webhook.Emitter, poller *transcript.Poller) *Runner {
	return &Runner{run: run, emitter: emitter, poller: poller, now: time.Now}
}

func (r *Runner) Execute(ctx context.Context, phases []Phase) error {
	for _, p := range phases {
		if err := ctx.Err(); err != nil {
			r.fail(p.Name, err)
			return err
		}

		start := r.now()
		slog.Info("scenario: phase started", "suite", r.run.Suite, "phase", p.Name)
		err := p.Run(ctx)
		res := report.PhaseResult{Name: p.Name, StartedAt: start, Elapsed: r.now().Sub(start)}

		if err != nil {
			res.Status = report.StatusFailed
			res.Error = err.Error()
			r.run.AddPhase(res)
			r.fail(p.Name, err)
			slog.Error("scenario: phase failed", "suite", r.run.Suite, "phase", p.Name, "elapsed", res.Elapsed, "error", err)
			return fmt.Errorf("phase %s: %w", p.Name, err)
		}

		res.Status = report.StatusPassed
		r.run.AddPhase(res)
		slog.Info("scenario: phase passed", "suite", r.run.Suite, "phase", p.Name, "elapsed", res.Elapsed)
	}
	return nil
}

// fail records err, falling back to the last fetched transcript when the
// error carries no tail of its own.
func (r *Runner) fail(phase string, err error) {
	r.run.Fail(phase, err, r.lastResponse())
	if len(r.run.Failure.TranscriptTail) == 0 && r.poller != nil {
		r.run.Failure.TranscriptTail = transcript.Tail(r.poller.LastSeen().Messages, 10)
	}
}

func (r *Runner) lastResponse() *report.HTTPResponse {
	if r.emitter == nil {
		return nil
	}
	last := r.emitter.Last()
	if last.Endpoint == "" {
		return nil
	}
	return &report.HTTPResponse{
		Endpoint:   last.Endpoint,
		EventID:    last.EventID,
		StatusCode: last.StatusCode,
		Body:       last.Body,
	}
}
