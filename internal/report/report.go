// Package report records what a harness run did and renders it for humans,
// disk artifacts and downstream subscribers.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/vigil/internal/failure"
)

const (
	StatusPassed = "passed"
	StatusFailed = "failed"
)

type PhaseResult struct {
	Name      string        `json:"name"`
	Status    string        `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	Error     string        `json:"error,omitempty"`
}

// Timing is one measured step, such as an SMS turn awaiting its AI reply.
type Timing struct {
	Step    string        `json:"step"`
	Elapsed time.Duration `json:"elapsed_ns"`
	Seconds float64       `json:"seconds"`
}

// HTTPResponse is the last webhook response seen before a failure.
type HTTPResponse struct {
	Endpoint   string `json:"endpoint"`
	EventID    string `json:"event_id,omitempty"`
	StatusCode int    `json:"status_code"`
	Body       string `json:"body,omitempty"`
}

type Failure struct {
	Kind           string        `json:"kind"`
	Phase          string        `json:"phase"`
	Message        string        `json:"message"`
	Expected       string        `json:"expected,omitempty"`
	Actual         string        `json:"actual,omitempty"`
	TranscriptTail []string      `json:"transcript_tail,omitempty"`
	LastResponse   *HTTPResponse `json:"last_response,omitempty"`
}

type Run struct {
	RunID           string        `json:"run_id"`
	Suite           string        `json:"suite"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
	Phases          []PhaseResult `json:"phases"`
	Timings         []Timing      `json:"timings,omitempty"`
	LatencyWarnings []string      `json:"latency_warnings,omitempty"`
	Failure         *Failure      `json:"failure,omitempty"`
}

func NewRun(suite string, now time.Time) *Run {
	return &Run{
		RunID:     now.UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8],
		Suite:     suite,
		StartedAt: now,
	}
}

func (r *Run) Passed() bool { return r.Failure == nil }

func (r *Run) AddPhase(p PhaseResult) {
	r.Phases = append(r.Phases, p)
}

func (r *Run) AddTiming(step string, d time.Duration) {
	r.Timings = append(r.Timings, Timing{Step: step, Elapsed: d, Seconds: d.Seconds()})
}

func (r *Run) Warn(msg string) {
	r.LatencyWarnings = append(r.LatencyWarnings, msg)
}

// Fail records err as the run's failure. Typed failures keep their
// expected/actual values and transcript tail.
func (r *Run) Fail(phase string, err error, last *HTTPResponse) {
	f := &Failure{
		Kind:         failure.KindOf(err).String(),
		Phase:        phase,
		Message:      err.Error(),
		LastResponse: last,
	}
	if fe, ok := failure.As(err); ok {
		f.Expected = fe.Expected
		f.Actual = fe.Actual
		f.TranscriptTail = fe.Tail
	}
	r.Failure = f
}

func (r *Run) Finish(now time.Time) {
	r.FinishedAt = now
}

// Format renders a plain-text summary of the run.
func Format(r *Run) string {
	var b strings.Builder
	status := "PASS"
	if !r.Passed() {
		status = "FAIL"
	}
	fmt.Fprintf(&b, "%s %s (run %s, %s)\n", r.Suite, status, r.RunID, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))

	for _, p := range r.Phases {
		mark := "✓"
		if p.Status != StatusPassed {
			mark = "✗"
		}
		fmt.Fprintf(&b, "  %s %-20s %s\n", mark, p.Name, p.Elapsed.Round(time.Millisecond))
	}
	for _, t := range r.Timings {
		fmt.Fprintf(&b, "  ⏱ %-20s %.2fs\n", t.Step, t.Seconds)
	}
	for _, w := range r.LatencyWarnings {
		fmt.Fprintf(&b, "  ! %s\n", w)
	}

	if f := r.Failure; f != nil {
		fmt.Fprintf(&b, "failure [%s] in %s: %s\n", f.Kind, f.Phase, f.Message)
		if f.Expected != "" || f.Actual != "" {
			fmt.Fprintf(&b, "  expected: %s\n  actual:   %s\n", f.Expected, f.Actual)
		}
		if len(f.TranscriptTail) > 0 {
			b.WriteString("  transcript tail:\n")
			for _, line := range f.TranscriptTail {
				fmt.Fprintf(&b, "    %s\n", line)
			}
		}
		if lr := f.LastResponse; lr != nil {
			fmt.Fprintf(&b, "  last response: %s -> %d %s\n", lr.Endpoint, lr.StatusCode, lr.Body)
		}
	}
	return b.String()
}
