package dbverify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/vigil/internal/failure"
)

// Verifier runs read-only single-row queries through a Client.
type Verifier struct {
	client   Client
	timeout  time.Duration
	interval time.Duration
}

func NewVerifier(client Client, queryTimeout time.Duration) *Verifier {
	if queryTimeout <= 0 {
		queryTimeout = 10 * time.Second
	}
	return &Verifier{client: client, timeout: queryTimeout, interval: 500 * time.Millisecond}
}

// Client exposes the selected strategy, mostly for logging.
func (v *Verifier) Client() Client { return v.client }

// Text returns the raw tuple output of sql.
func (v *Verifier) Text(ctx context.Context, sql string) (string, error) {
	qctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	out, err := v.client.Query(qctx, sql)
	if err != nil {
		return "", failure.Transport("db query via "+v.client.Name(), err)
	}
	return strings.TrimSpace(out), nil
}

// Int parses a single integer result. No row is a mismatch.
func (v *Verifier) Int(ctx context.Context, sql string) (int, error) {
	out, err := v.Text(ctx, sql)
	if err != nil {
		return 0, err
	}
	if out == "" {
		return 0, failure.Mismatch("db query", "no row returned", "integer", "")
	}
	n, err := strconv.Atoi(firstLine(out))
	if err != nil {
		return 0, failure.Mismatch("db query", "result is not an integer", "integer", out)
	}
	return n, nil
}

// RowJSON decodes a single row_to_json(...)::text value into out.
func (v *Verifier) RowJSON(ctx context.Context, sql string, out any) error {
	text, err := v.Text(ctx, sql)
	if err != nil {
		return err
	}
	if text == "" {
		return failure.Mismatch("db query", "no row returned", "one row", "")
	}
	if err := json.Unmarshal([]byte(firstLine(text)), out); err != nil {
		return failure.Mismatch("db query", "row is not json", "json object", text)
	}
	return nil
}

// Eventually re-runs check until it passes or timeout elapses. Only
// mismatches are retried; anything else fails immediately.
func (v *Verifier) Eventually(ctx context.Context, desc string, timeout time.Duration, check func(context.Context) error) error {
	deadline := time.Now().Add(timeout)
	for {
		err := check(ctx)
		if err == nil {
			return nil
		}
		if failure.KindOf(err) != failure.KindMismatch {
			return err
		}
		if !time.Now().Before(deadline) {
			// A row that never settles is a timeout; the last values stay verbatim.
			te := failure.Timeout(desc, fmt.Sprintf("still failing after %s", timeout), nil)
			if fe, ok := failure.As(err); ok {
				te.Expected, te.Actual = fe.Expected, fe.Actual
			}
			te.Err = err
			return te
		}
		wait := v.interval
		if rem := time.Until(deadline); rem < wait {
			wait = rem
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// ExpectEqual returns a mismatch naming field when got differs from want.
func ExpectEqual(field, want, got string) error {
	if want == got {
		return nil
	}
	return failure.Mismatch(field, "unexpected value", want, got)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
