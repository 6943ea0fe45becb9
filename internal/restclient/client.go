// Package restclient is the pull side of the channel: adapters use it to
// reconcile with the authoritative REST state after events or while the
// channel is offline.
package restclient

import (
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

	"github.com/stockpilot/realtime/internal/inventory"
)

// APIError is a non-2xx response.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

type Health struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Clients       int     `json:"clients"`
	PollSessions  int     `json:"pollSessions"`
	RSSBytes      uint64  `json:"rssBytes,omitempty"`
	CPUPercent    float64 `json:"cpuPercent,omitempty"`
}

type MovementRequest struct {
	Delta    int    `json:"delta"`
	Reason   string `json:"reason,omitempty"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// Client makes REST calls to the StockPilot API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// New creates a client targeting baseURL (e.g. "http://127.0.0.1:8080").
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// SetToken replaces the bearer token for later requests.
func (c *Client) SetToken(token string) { c.token = token }

func (c *Client) ListItems(ctx context.Context) ([]inventory.Item, error) {
	var out []inventory.Item
	if err := c.do(ctx, http.MethodGet, "/api/items", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetItem(ctx context.Context, id string) (inventory.Item, error) {
	var out inventory.Item
	err := c.do(ctx, http.MethodGet, "/api/items/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) CreateItem(ctx context.Context, it inventory.Item) (inventory.Item, error) {
	var out inventory.Item
	err := c.do(ctx, http.MethodPost, "/api/items", it, &out)
	return out, err
}

// RecordMovement sends POST /api/items/{id}/movements.
func (c *Client) RecordMovement(ctx context.Context, itemID string, m MovementRequest) (inventory.MovementResult, error) {
	var out inventory.MovementResult
	err := c.do(ctx, http.MethodPost, "/api/items/"+url.PathEscape(itemID)+"/movements", m, &out)
	return out, err
}

// Dashboard fetches /api/dashboard.
func (c *Client) Dashboard(ctx context.Context) (inventory.Summary, error) {
	var out inventory.Summary
	err := c.do(ctx, http.MethodGet, "/api/dashboard", nil, &out)
	return out, err
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.do(ctx, http.MethodGet, "/api/health", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
