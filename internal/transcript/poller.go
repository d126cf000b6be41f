package transcript

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/vigil/internal/failure"
)

// tailSize is how many recent messages a timeout error carries.
const tailSize = 10

// Cursor is the set of message ids observed before a triggering action.
type Cursor map[string]struct{}

// NewCursor captures the ids of msgs.
func NewCursor(msgs []Message) Cursor {
	c := make(Cursor, len(msgs))
	for _, m := range msgs {
		if m.ID != "" {
			c[m.ID] = struct{}{}
		}
	}
	return c
}

// Seen reports whether m was already present when the cursor was captured.
func (c Cursor) Seen(m Message) bool {
	if m.ID == "" {
		return false
	}
	_, ok := c[m.ID]
	return ok
}

// Predicate selects messages. Empty fields match everything.
type Predicate struct {
	Kinds    []Kind
	Roles    []Role
	Contains string
}

func KindIs(k Kind) Predicate { return Predicate{Kinds: []Kind{k}} }

func AnyKind(kinds ...Kind) Predicate { return Predicate{Kinds: kinds} }

func RoleIs(r Role) Predicate { return Predicate{Roles: []Role{r}} }

func (p Predicate) WithRole(r Role) Predicate {
	p.Roles = append(append([]Role(nil), p.Roles...), r)
	return p
}

func (p Predicate) WithContains(s string) Predicate {
	p.Contains = s
	return p
}

func (p Predicate) Match(m Message) bool {
	if len(p.Kinds) > 0 && !containsKind(p.Kinds, m.Kind) {
		return false
	}
	if len(p.Roles) > 0 && !containsRole(p.Roles, m.Role) {
		return false
	}
	if p.Contains != "" && !strings.Contains(m.Body, p.Contains) {
		return false
	}
	return true
}

// Describe renders the predicate for diagnostics.
func (p Predicate) Describe() string {
	var parts []string
	if len(p.Kinds) > 0 {
		names := make([]string, len(p.Kinds))
		for i, k := range p.Kinds {
			names[i] = k.String()
		}
		parts = append(parts, "kind in ["+strings.Join(names, ",")+"]")
	}
	if len(p.Roles) > 0 {
		names := make([]string, len(p.Roles))
		for i, r := range p.Roles {
			names[i] = string(r)
		}
		parts = append(parts, "role in ["+strings.Join(names, ",")+"]")
	}
	if p.Contains != "" {
		parts = append(parts, fmt.Sprintf("body contains %q", p.Contains))
	}
	if len(parts) == 0 {
		return "any message"
	}
	return strings.Join(parts, " and ")
}

func containsKind(ks []Kind, k Kind) bool {
	for _, x := range ks {
		if x == k {
			return true
		}
	}
	return false
}

func containsRole(rs []Role, r Role) bool {
	for _, x := range rs {
		if x == r {
			return true
		}
	}
	return false
}

// Poller observes one conversation through a Source.
type Poller struct {
	source   Source
	orgID    string
	phone    string
	interval time.Duration

	mu   sync.Mutex
	last Transcript
}

func NewPoller(source Source, orgID, phone string, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 600 * time.Millisecond
	}
	return &Poller{source: source, orgID: orgID, phone: phone, interval: interval}
}

// Fetch reads the transcript once. Errors are transport failures.
func (p *Poller) Fetch(ctx context.Context) (Transcript, error) {
	t, err := p.source.Fetch(ctx, p.orgID, p.phone)
	if err != nil {
		if fe, ok := failure.As(err); ok {
			return Transcript{}, fe
		}
		return Transcript{}, failure.Transport("fetch transcript", err)
	}
	p.mu.Lock()
	p.last = t
	p.mu.Unlock()
	return t, nil
}

// Snapshot fetches the transcript and captures a cursor over it.
func (p *Poller) Snapshot(ctx context.Context) (Transcript, Cursor, error) {
	t, err := p.Fetch(ctx)
	if err != nil {
		return Transcript{}, nil, err
	}
	return t, NewCursor(t.Messages), nil
}

// LastSeen returns the most recently fetched transcript.
func (p *Poller) LastSeen() Transcript {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// WaitForNew returns the first message outside cursor matching pred, in
// transcript order. It fails with a timeout once the deadline passes.
func (p *Poller) WaitForNew(ctx context.Context, cursor Cursor, pred Predicate, timeout time.Duration) (Message, error) {
	deadline := time.Now().Add(timeout)
	interval := p.clamp(timeout)
	var seen []Message

	for {
		t, err := p.Fetch(ctx)
		if err != nil {
			return Message{}, err
		}
		seen = t.Messages
		for _, m := range t.Messages {
			if cursor.Seen(m) {
				continue
			}
			if pred.Match(m) {
				return m, nil
			}
		}
		if !time.Now().Before(deadline) {
			break
		}
		if err := sleep(ctx, minDuration(interval, time.Until(deadline))); err != nil {
			return Message{}, err
		}
	}

	return Message{}, failure.Timeout("wait for message",
		fmt.Sprintf("no new message matching %s within %s", pred.Describe(), timeout),
		Tail(seen, tailSize))
}

// AssertNoNew polls for the whole window and fails on the first new match.
func (p *Poller) AssertNoNew(ctx context.Context, cursor Cursor, pred Predicate, window time.Duration) error {
	deadline := time.Now().Add(window)
	interval := p.clamp(window)

	for {
		t, err := p.Fetch(ctx)
		if err != nil {
			return err
		}
		for _, m := range t.Messages {
			if cursor.Seen(m) || !pred.Match(m) {
				continue
			}
			fe := failure.Mismatch("assert no new message",
				fmt.Sprintf("unexpected message matching %s", pred.Describe()),
				"no message", m.Line())
			fe.Tail = Tail(t.Messages, tailSize)
			return fe
		}
		if !time.Now().Before(deadline) {
			return nil
		}
		if err := sleep(ctx, minDuration(interval, time.Until(deadline))); err != nil {
			return err
		}
	}
}

// clamp keeps the poll interval at or below a quarter of the wait and at most one second.
func (p *Poller) clamp(wait time.Duration) time.Duration {
	iv := p.interval
	if q := wait / 4; q > 0 && iv > q {
		iv = q
	}
	if iv > time.Second {
		iv = time.Second
	}
	if iv < 10*time.Millisecond {
		iv = 10 * time.Millisecond
	}
	return iv
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
