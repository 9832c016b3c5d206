// Package transport sends mutations to the backend REST API and classifies
// every answer into the services failure taxonomy. The mapping is the
// contract the retry policy depends on:
//
//	2xx                    → success, server ID extracted from the body
//	409 duplicate_key      → already applied, normalized to success
//	other 4xx              → *services.ValidationError (terminal)
//	5xx, timeout, network  → *services.TransientError (retryable)
//
// Every request carries the mutation's idempotency key in a header so the
// backend can deduplicate replays after a lost response.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/stockroomhq/go-stockroom-sync/internal/domain"
	"github.com/stockroomhq/go-stockroom-sync/internal/services"
)

// Client delivers mutations to the backend over HTTP.
type Client struct {
	// BaseURL is the API root without trailing slash, e.g.
	// "http://localhost:9000/api/v1".
	BaseURL string
	// IdempotencyHeader is the header name carrying the mutation key.
	IdempotencyHeader string
	HTTP              *http.Client
	Log               zerolog.Logger
}

// NewClient builds a transport client. timeout is a hard ceiling per
// request; the dispatcher additionally bounds each attempt with its own
// context deadline.
func NewClient(baseURL, idempotencyHeader string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		BaseURL:           strings.TrimRight(baseURL, "/"),
		IdempotencyHeader: idempotencyHeader,
		HTTP:              &http.Client{Timeout: timeout},
		Log:               log,
	}
}

// serverResponse is the subset of the backend's body the client reads.
type serverResponse struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Send implements services.Sender.
func (c *Client) Send(ctx context.Context, m *domain.Mutation) (services.SendResult, error) {
	method, target, body, err := c.request(m)
	if err != nil {
		// A malformed mutation can never become sendable.
		return services.SendResult{}, &services.ValidationError{Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return services.SendResult{}, &services.ValidationError{Message: err.Error()}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(c.IdempotencyHeader, m.IdempotencyKey)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return services.SendResult{}, &services.TransientError{Err: err}
	}
	defer resp.Body.Close()

	return c.classify(resp, m)
}

// request maps a mutation onto the REST surface:
//
//	create → POST   {base}/{kind}
//	update → PUT    {base}/{kind}/{serverID}
//	delete → DELETE {base}/{kind}/{serverID}
func (c *Client) request(m *domain.Mutation) (method, target string, body io.Reader, err error) {
	kind := url.PathEscape(m.EntityKind)
	switch m.Operation {
	case domain.OpCreate:
		return http.MethodPost, c.BaseURL + "/" + kind, bytes.NewReader(m.Payload), nil
	case domain.OpUpdate:
		if m.ServerID == "" {
			return "", "", nil, fmt.Errorf("update without a server id")
		}
		return http.MethodPut, c.BaseURL + "/" + kind + "/" + url.PathEscape(m.ServerID), bytes.NewReader(m.Payload), nil
	case domain.OpDelete:
		if m.ServerID == "" {
			return "", "", nil, fmt.Errorf("delete without a server id")
		}
		return http.MethodDelete, c.BaseURL + "/" + kind + "/" + url.PathEscape(m.ServerID), nil, nil
	default:
		return "", "", nil, fmt.Errorf("unknown operation %q", m.Operation)
	}
}

// classify turns the HTTP answer into the taxonomy the dispatcher acts on.
func (c *Client) classify(resp *http.Response, m *domain.Mutation) (services.SendResult, error) {
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var sr serverResponse
	if readErr == nil && len(raw) > 0 {
		_ = json.Unmarshal(raw, &sr) // non-JSON bodies classified by status alone
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		serverID := sr.ID
		if serverID == "" {
			serverID = m.ServerID
		}
		return services.SendResult{ServerID: serverID}, nil

	case resp.StatusCode == http.StatusConflict && sr.Code == "duplicate_key":
		// The key was applied on a previous attempt whose response we lost.
		c.Log.Debug().
			Str("idempotency_key", m.IdempotencyKey).
			Str("server_id", sr.ID).
			Msg("duplicate replay confirmed by backend")
		serverID := sr.ID
		if serverID == "" {
			serverID = m.ServerID
		}
		return services.SendResult{ServerID: serverID, Duplicate: true}, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		msg := sr.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return services.SendResult{}, &services.ValidationError{StatusCode: resp.StatusCode, Message: msg}

	default:
		return services.SendResult{}, &services.TransientError{
			Err: fmt.Errorf("server answered %d", resp.StatusCode),
		}
	}
}
