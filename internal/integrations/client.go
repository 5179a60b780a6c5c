// Package integrations is a REST client for the integration hub that brokers
// third-party app connections and the tools each connection exposes.
package integrations

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
)

// Connection is an authorized link between the user and one app.
type Connection struct {
	ID        string `json:"id"`
	App       string `json:"app"`
	AccountID string `json:"account_id"`
	Status    string `json:"status"`
}

// ToolSpec describes a tool the hub can execute for an app.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	App         string         `json:"app"`
	Parameters  map[string]any `json:"parameters"`
}

// Param is one extra value an app needs before a connection can be initiated.
type Param struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
}

// Label returns the human-facing name of the parameter.
func (p Param) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Name
}

// APIError is returned for any non-2xx hub response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("integration hub error (status %d): %s", e.Status, e.Body)
}

// Client talks to the integration hub.
type Client struct {
	baseURL    string
	apiKey     string
	userID     string
	httpClient *http.Client
}

// NewClient creates a hub client. userID scopes connections to one end user.
func NewClient(baseURL, apiKey, userID string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		userID:  userID,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Configured reports whether a base URL was provided.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// ListConnections returns the user's active connections.
func (c *Client) ListConnections(ctx context.Context) ([]Connection, error) {
	q := url.Values{"status": {"active"}}
	if c.userID != "" {
		q.Set("user_id", c.userID)
	}
	var out struct {
		Items []Connection `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/connections?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	active := out.Items[:0]
	for _, conn := range out.Items {
		if conn.Status == "" || strings.EqualFold(conn.Status, "active") {
			active = append(active, conn)
		}
	}
	return active, nil
}

// ListTools returns the tool catalog for one app.
func (c *Client) ListTools(ctx context.Context, app string) ([]ToolSpec, error) {
	var out struct {
		Items []ToolSpec `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/tools?"+url.Values{"app": {app}}.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("list tools for %s: %w", app, err)
	}
	for i := range out.Items {
		if out.Items[i].App == "" {
			out.Items[i].App = app
		}
	}
	return out.Items, nil
}

// Execute runs tool on behalf of accountID and returns the result as text.
func (c *Client) Execute(ctx context.Context, tool, accountID string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	req := map[string]any{"account_id": accountID, "arguments": args}
	var out struct {
		Successful bool            `json:"successful"`
		Data       json.RawMessage `json:"data"`
		Error      string          `json:"error"`
	}
	if err := c.do(ctx, http.MethodPost, "/tools/"+url.PathEscape(tool)+"/execute", req, &out); err != nil {
		return "", fmt.Errorf("execute %s: %w", tool, err)
	}
	if !out.Successful && out.Error != "" {
		return "", fmt.Errorf("execute %s: %s", tool, out.Error)
	}
	var s string
	if err := json.Unmarshal(out.Data, &s); err == nil {
		return s, nil
	}
	return string(out.Data), nil
}

// RequiredParams returns the ordered extra values app needs before connecting.
func (c *Client) RequiredParams(ctx context.Context, app string) ([]Param, error) {
	var out struct {
		RequiredParams []Param `json:"required_params"`
	}
	if err := c.do(ctx, http.MethodGet, "/apps/"+url.PathEscape(app), nil, &out); err != nil {
		return nil, fmt.Errorf("get app %s: %w", app, err)
	}
	return out.RequiredParams, nil
}

// Connect initiates a connection and returns the URL the user must visit.
func (c *Client) Connect(ctx context.Context, app string, params map[string]string) (string, error) {
	req := map[string]any{"app": app, "user_id": c.userID}
	if len(params) > 0 {
		req["params"] = params
	}
	var out struct {
		RedirectURL string `json:"redirect_url"`
	}
	if err := c.do(ctx, http.MethodPost, "/connections", req, &out); err != nil {
		return "", fmt.Errorf("connect %s: %w", app, err)
	}
	return out.RedirectURL, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 300 {
			msg = msg[:300]
		}
		return &APIError{Status: resp.StatusCode, Body: msg}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
