package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/vigil/internal/config"
	"github.com/MikeSquared-Agency/vigil/internal/failure"
	"github.com/MikeSquared-Agency/vigil/internal/transcript"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(config.Load(config.Map{Values: map[string]string{
		"API_URL":          srv.URL,
		"ADMIN_JWT_SECRET": "admin-secret",
		"TEST_ORG_ID":      "org-1",
	}}))
}

func TestFetchTranscript(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"conversation_id":"sms:org-1:15550001234","messages":[
			{"id":"1","role":"user","body":"hi","kind":"inbound"},
			{"id":"2","role":"assistant","body":"hello","kind":"first_contact_ack"}]}`))
	})

	tr, err := c.Fetch(context.Background(), "org-1", "+15550001234")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotPath != "/admin/clinics/org-1/sms/+15550001234" {
		t.Errorf("unexpected path %s", gotPath)
	}
	if gotQuery != "limit=500" {
		t.Errorf("expected limit=500, got %s", gotQuery)
	}
	if !strings.HasPrefix(gotAuth, "Bearer ") {
		t.Fatalf("expected bearer token, got %q", gotAuth)
	}
	if err := VerifyAdminToken("admin-secret", strings.TrimPrefix(gotAuth, "Bearer ")); err != nil {
		t.Errorf("expected valid admin token, got %v", err)
	}
	if len(tr.Messages) != 2 || tr.Messages[1].Kind != transcript.KindFirstContactAck {
		t.Errorf("unexpected transcript: %+v", tr)
	}
}

func TestFetchTranscriptError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := c.Fetch(context.Background(), "org-1", "+1")
	if !errors.Is(err, failure.ErrTransport) {
		t.Errorf("expected transport failure, got %v", err)
	}
}

func TestPurgePhone(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusNoContent, http.StatusNotFound} {
		var method string
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			method = r.Method
			w.WriteHeader(status)
		})
		if err := c.PurgePhone(context.Background(), "org-1", "+15550001234"); err != nil {
			t.Errorf("status %d: expected success, got %v", status, err)
		}
		if method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", method)
		}
	}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	if err := c.PurgePhone(context.Background(), "org-1", "+1"); !errors.Is(err, failure.ErrTransport) {
		t.Errorf("expected transport failure on 500, got %v", err)
	}
}

func TestCreateLead(t *testing.T) {
	var got LeadRequest
	var orgHeader string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		orgHeader = r.Header.Get("X-Org-ID")
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"lead-42","phone":"+15550001234"}`))
	})

	lead, err := c.CreateLead(context.Background(), LeadRequest{Name: "Test", Phone: "+15550001234"})
	if err != nil {
		t.Fatalf("create lead: %v", err)
	}
	if lead.ID != "lead-42" {
		t.Errorf("expected lead-42, got %s", lead.ID)
	}
	if orgHeader != "org-1" {
		t.Errorf("expected X-Org-ID org-1, got %s", orgHeader)
	}
	if got.Phone != "+15550001234" {
		t.Errorf("expected phone in body, got %s", got.Phone)
	}
}

func TestCreateLeadMissingID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	if _, err := c.CreateLead(context.Background(), LeadRequest{}); !errors.Is(err, failure.ErrMismatch) {
		t.Errorf("expected mismatch, got %v", err)
	}
}

func TestCreateCheckout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req CheckoutRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.AmountCents != 5000 {
			t.Errorf("expected 5000 cents, got %d", req.AmountCents)
		}
		w.Write([]byte(`{"checkout_url":"https://pay.example/x","booking_intent_id":"bi-1"}`))
	})
	out, err := c.CreateCheckout(context.Background(), CheckoutRequest{LeadID: "l", AmountCents: 5000})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if out.BookingIntentID != "bi-1" {
		t.Errorf("expected bi-1, got %s", out.BookingIntentID)
	}
}

func TestHealth(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	})
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("expected healthy, got %v", err)
	}
}

func TestTokenSourceCaches(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := NewTokenSource("secret")
	s.now = func() time.Time { return now }

	a, err := s.Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	b, _ := s.Token()
	if a != b {
		t.Error("expected cached token")
	}

	now = now.Add(tokenTTL)
	c, _ := s.Token()
	if c == a {
		t.Error("expected refreshed token near expiry")
	}
}

func TestTokenSourceMissingSecret(t *testing.T) {
	if _, err := NewTokenSource("").Token(); !errors.Is(err, ErrMissingAdminSecret) {
		t.Errorf("expected ErrMissingAdminSecret, got %v", err)
	}
}

func TestVerifyAdminTokenRejectsWrongSecret(t *testing.T) {
	tok, _ := NewTokenSource("right").Token()
	if err := VerifyAdminToken("wrong", tok); err == nil {
		t.Error("expected verification failure")
	}
}
