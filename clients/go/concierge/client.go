// Package concierge provides a client for the Concierge assistant API.
package concierge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eldtechnologies/concierge/internal/thread"
)

// DefaultURL is used when no base URL is given.
const DefaultURL = "http://localhost:8080"

// maxFrame bounds a single SSE line; thread snapshots carry inline images.
const maxFrame = 16 << 20

// Client is a Concierge API client.
type Client struct {
	BaseURL string
	Token   string

	// HTTPClient serves plain requests. Streams use StreamClient, which
	// has no overall timeout.
	HTTPClient   *http.Client
	StreamClient *http.Client
}

// NewClient creates a new client authenticated with a session token.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		Token:        token,
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
		StreamClient: &http.Client{},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("concierge error %d: %s", e.Status, e.Message)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	var errResp struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &errResp) != nil || errResp.Error == "" {
		errResp.Error = strings.TrimSpace(string(data))
	}
	return &APIError{Status: resp.StatusCode, Message: errResp.Error}
}

// doJSON performs a request and decodes the JSON response into out.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Image is an inline image attached to a turn.
type Image struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// TurnRequest is a user message. ConversationID continues a thread.
type TurnRequest struct {
	Message        string  `json:"message"`
	Images         []Image `json:"images,omitempty"`
	ConversationID string  `json:"conversationId,omitempty"`
}

// Route selects the endpoint a turn is posted to.
type Route string

const (
	RouteAuto     Route = "/turn"
	RouteCalendar Route = "/runs/calendar"
	RouteQA       Route = "/runs/qa"
)

// EventHandler receives each decoded stream event. Returning an error
// stops the stream.
type EventHandler func(thread.Event) error

// Turn posts a message to /turn and streams the reply to fn.
func (c *Client) Turn(ctx context.Context, req TurnRequest, fn EventHandler) error {
	return c.Run(ctx, RouteAuto, req, fn)
}

// Run posts a message to route and streams the reply to fn. It returns
// once the server closes the stream.
func (c *Client) Run(ctx context.Context, route Route, req TurnRequest, fn EventHandler) error {
	httpReq, err := c.newRequest(ctx, http.MethodPost, string(route), req)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.StreamClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	return ReadStream(resp.Body, fn)
}

// ReadStream decodes SSE frames from r until EOF.
func ReadStream(r io.Reader, fn EventHandler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxFrame)

	var data []string
	dispatch := func() error {
		if len(data) == 0 {
			return nil
		}
		payload := strings.Join(data, "\n")
		data = data[:0]
		ev, err := thread.DecodeEvent([]byte(payload))
		if err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		return fn(ev)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		// comments and other fields are ignored
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return dispatch()
}

// ErrNoDecision means an approval exists but nobody has decided it yet.
var ErrNoDecision = errors.New("approval pending")

// Approval returns the recorded decision for approvalID.
func (c *Client) Approval(ctx context.Context, approvalID string) (bool, error) {
	var resp struct {
		ApprovalID string `json:"approval_id"`
		Approved   *bool  `json:"approved"`
	}
	path := "/approvals?approval_id=" + url.QueryEscape(approvalID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return false, err
	}
	if resp.Approved == nil {
		return false, ErrNoDecision
	}
	return *resp.Approved, nil
}

// Decide approves or denies a pending tool call.
func (c *Client) Decide(ctx context.Context, approvalID string, approved bool) error {
	body := struct {
		ApprovalID string `json:"approval_id"`
		Approved   bool   `json:"approved"`
	}{approvalID, approved}
	return c.doJSON(ctx, http.MethodPost, "/approvals", body, nil)
}

// ThreadSummary is a thread without its items.
type ThreadSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Threads lists the caller's threads, most recent first.
func (c *Client) Threads(ctx context.Context, limit int) ([]ThreadSummary, error) {
	path := "/threads"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var resp struct {
		Threads []ThreadSummary `json:"threads"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Threads, nil
}

// Thread fetches one thread with its items.
func (c *Client) Thread(ctx context.Context, id string) (*thread.Thread, error) {
	var t thread.Thread
	if err := c.doJSON(ctx, http.MethodGet, "/threads/"+url.PathEscape(id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string                     `json:"status"`
	Version   string                     `json:"version"`
	Checks    map[string]json.RawMessage `json:"checks"`
	Timestamp string                     `json:"timestamp"`
}

// Health checks server health. A degraded server answers 503 with a body,
// which is returned alongside the error.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return &out, &APIError{Status: resp.StatusCode, Message: out.Status}
	}
	return &out, nil
}
