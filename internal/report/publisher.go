package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	SubjectCompleted = "vigil.run.completed"
	SubjectFailed    = "vigil.run.failed"
)

// Summary is the message published for each finished run.
type Summary struct {
	RunID      string    `json:"run_id"`
	Suite      string    `json:"suite"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Phases     int       `json:"phases"`
	Failure    *Failure  `json:"failure,omitempty"`
}

func SummaryOf(r *Run) Summary {
	s := Summary{
		RunID:      r.RunID,
		Suite:      r.Suite,
		Status:     StatusPassed,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Phases:     len(r.Phases),
		Failure:    r.Failure,
	}
	if !r.Passed() {
		s.Status = StatusFailed
	}
	return s
}

// SubjectFor picks the subject a run summary goes to.
func SubjectFor(r *Run) string {
	if r.Passed() {
		return SubjectCompleted
	}
	return SubjectFailed
}

// NATSPublisher announces finished runs on core NATS.
type NATSPublisher struct {
	nc *nats.Conn
}

func NewNATSPublisher(natsURL string) (*NATSPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("vigil"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(3),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("report: NATS disconnected", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSPublisher{nc: nc}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, r *Run) error {
	data, err := json.Marshal(SummaryOf(r))
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	subject := SubjectFor(r)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", subject, err)
	}
	slog.Info("report: run published", "subject", subject, "run_id", r.RunID)
	return nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
	}
}
