// Package client is the HTTP client agents use to work prism pipelines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ssd-technologies/prism/internal/pipeline"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("prism: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("prism: %d: %s", e.Status, e.Message)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code pipeline.Code) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == string(code)
}

// Client talks to a prism server as one agent.
type Client struct {
	baseURL string
	agentID string
	http    *http.Client
}

// New creates a client for agentID against the server at baseURL.
func New(baseURL, agentID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		agentID: agentID,
		http:    &http.Client{Timeout: timeout},
	}
}

// AgentID returns the identity the client sends.
func (c *Client) AgentID() string { return c.agentID }

// NextSlot returns the next open slot matching f, or nil when there is none.
// ExcludingAgent is always the client's own agent.
func (c *Client) NextSlot(ctx context.Context, f pipeline.SlotFilter) (*pipeline.NextSlot, error) {
	q := url.Values{}
	if f.Layer != nil {
		q.Set("layer", strconv.Itoa(*f.Layer))
	}
	if f.Role != "" {
		q.Set("role", f.Role)
	}
	if f.SlotType != "" {
		q.Set("slot_type", f.SlotType)
	}
	path := "/api/slots/next"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var next pipeline.NextSlot
	status, err := c.do(ctx, http.MethodGet, path, nil, &next)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &next, nil
}

// Take binds a slot to the agent.
func (c *Client) Take(ctx context.Context, slotID string) (*pipeline.TakeResult, error) {
	var res pipeline.TakeResult
	if _, err := c.do(ctx, http.MethodPost, "/api/slots/"+url.PathEscape(slotID)+"/take", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Completion is the agent's result for a slot.
type Completion struct {
	Output           string          `json:"output"`
	StructuredOutput json.RawMessage `json:"structured_output,omitempty"`
	Confidence       *float64        `json:"confidence,omitempty"`
}

// Complete submits the result for a slot the agent holds.
func (c *Client) Complete(ctx context.Context, slotID string, in Completion) (*pipeline.CompleteResult, error) {
	var res pipeline.CompleteResult
	if _, err := c.do(ctx, http.MethodPost, "/api/slots/"+url.PathEscape(slotID)+"/complete", in, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Release gives back every slot the agent holds.
func (c *Client) Release(ctx context.Context) (int, error) {
	var res pipeline.ReleaseResult
	if _, err := c.do(ctx, http.MethodPost, "/api/agents/release", nil, &res); err != nil {
		return 0, err
	}
	return res.Released, nil
}

// Balance returns the agent's balance.
func (c *Client) Balance(ctx context.Context) (int64, error) {
	var res struct {
		Balance int64 `json:"balance"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/agents/balance", nil, &res); err != nil {
		return 0, err
	}
	return res.Balance, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Agent-ID", c.agentID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e)
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Code: e.Code, Message: e.Error}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
