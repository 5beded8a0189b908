package awdctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
)

// Session mirrors the controller's session view.
type Session struct {
	entities.IrrigationSession
	EstimatedCompletionTime *time.Time `json:"estimated_completion_time,omitempty"`
}

type Health struct {
	Status       string            `json:"status"`
	Instance     string            `json:"instance"`
	LocalActive  int               `json:"local_active_sessions"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// APIError is a non-2xx answer from the controller.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("controller returned %d: %s", e.Status, e.Message)
}

// Client talks to the irrigation controller HTTP API.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: &http.Client{Timeout: timeout}}
}

func (c *Client) Start(ctx context.Context, cfg entities.IrrigationConfig) (Session, error) {
	var s Session
	err := c.do(ctx, http.MethodPost, "/sessions", cfg, &s)
	return s, err
}

func (c *Client) Stop(ctx context.Context, sessionID, reason string) (Session, error) {
	var s Session
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/stop", body, &s)
	return s, err
}

func (c *Client) Session(ctx context.Context, sessionID string) (Session, error) {
	var s Session
	err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID, nil, &s)
	return s, err
}

func (c *Client) Anomalies(ctx context.Context, sessionID string) ([]entities.AnomalyRecord, error) {
	var out []entities.AnomalyRecord
	err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID+"/anomalies", nil, &out)
	return out, err
}

func (c *Client) Performance(ctx context.Context, sessionID string) (entities.PerformanceRecord, error) {
	var p entities.PerformanceRecord
	err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID+"/performance", nil, &p)
	return p, err
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &h)
	return h, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
