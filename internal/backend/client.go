// Package backend talks to the admin and ancillary HTTP endpoints of the
// system under test.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/MikeSquared-Agency/vigil/internal/config"
	"github.com/MikeSquared-Agency/vigil/internal/failure"
	"github.com/MikeSquared-Agency/vigil/internal/transcript"
)

// Lead is the subset of the created lead the harness needs.
type Lead struct {
	ID    string `json:"id"`
	Phone string `json:"phone"`
}

type LeadRequest struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email"`
	Message string `json:"message"`
	Source  string `json:"source"`
}

type CheckoutRequest struct {
	LeadID      string `json:"lead_id"`
	AmountCents int    `json:"amount_cents"`
	SuccessURL  string `json:"success_url,omitempty"`
	CancelURL   string `json:"cancel_url,omitempty"`
}

type Checkout struct {
	CheckoutURL     string `json:"checkout_url"`
	BookingIntentID string `json:"booking_intent_id"`
}

// Client is an HTTP client for one backend base URL and org.
type Client struct {
	baseURL string
	orgID   string
	limit   int
	tokens  *TokenSource
	client  *http.Client
}

func NewClient(cfg config.Config) *Client {
	return &Client{
		baseURL: cfg.APIURL,
		orgID:   cfg.OrgID,
		limit:   cfg.TranscriptLimit,
		tokens:  NewTokenSource(cfg.AdminJWTSecret),
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

// Health checks GET /health.
func (c *Client) Health(ctx context.Context) error {
	status, body, err := c.do(ctx, http.MethodGet, "/health", nil, false, nil)
	if err != nil {
		return failure.Transport("GET /health", err)
	}
	if status != http.StatusOK {
		return failure.Transport("GET /health", fmt.Errorf("status %d: %s", status, body))
	}
	return nil
}

// PurgePhone deletes all backend state for phone. 404 counts as already clean.
func (c *Client) PurgePhone(ctx context.Context, orgID, phone string) error {
	path := fmt.Sprintf("/admin/clinics/%s/phones/%s", url.PathEscape(orgID), url.PathEscape(phone))
	status, body, err := c.do(ctx, http.MethodDelete, path, nil, true, nil)
	if err != nil {
		return failure.Transport("purge phone", err)
	}
	switch status {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		slog.Debug("backend: purged phone", "org_id", orgID, "phone", phone, "status", status)
		return nil
	}
	return failure.Transport("purge phone", fmt.Errorf("status %d: %s", status, body))
}

// Fetch implements transcript.Source over the admin transcript endpoint.
func (c *Client) Fetch(ctx context.Context, orgID, phone string) (transcript.Transcript, error) {
	path := fmt.Sprintf("/admin/clinics/%s/sms/%s?limit=%s",
		url.PathEscape(orgID), url.PathEscape(phone), strconv.Itoa(c.limit))
	var out transcript.Transcript
	status, body, err := c.do(ctx, http.MethodGet, path, nil, true, &out)
	if err != nil {
		return transcript.Transcript{}, failure.Transport("fetch transcript", err)
	}
	if status != http.StatusOK {
		return transcript.Transcript{}, failure.Transport("fetch transcript", fmt.Errorf("status %d: %s", status, body))
	}
	return out, nil
}

// CreateLead posts a web lead for the org.
func (c *Client) CreateLead(ctx context.Context, req LeadRequest) (Lead, error) {
	var lead Lead
	status, body, err := c.do(ctx, http.MethodPost, "/leads/web", req, false, &lead)
	if err != nil {
		return Lead{}, failure.Transport("create lead", err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return Lead{}, failure.Transport("create lead", fmt.Errorf("status %d: %s", status, body))
	}
	if lead.ID == "" {
		return Lead{}, failure.Mismatch("create lead", "response has no lead id", "lead id", body)
	}
	return lead, nil
}

// CreateCheckout asks the backend for a deposit checkout link.
func (c *Client) CreateCheckout(ctx context.Context, req CheckoutRequest) (Checkout, error) {
	var out Checkout
	status, body, err := c.do(ctx, http.MethodPost, "/payments/checkout", req, false, &out)
	if err != nil {
		return Checkout{}, failure.Transport("create checkout", err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return Checkout{}, failure.Transport("create checkout", fmt.Errorf("status %d: %s", status, body))
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in any, admin bool, out any) (int, string, error) {
	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, "", fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, "", fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Org-ID", c.orgID)
	if admin {
		tok, err := c.tokens.Token()
		if err != nil {
			return 0, "", err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("read response: %w", err)
	}
	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, string(data), fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, truncate(string(data), 500), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
