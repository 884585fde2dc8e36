package aggregatorsdk

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Client is a minimal client for the aggregator HTTP API.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Execution is one journaled rule run.
type Execution struct {
	ID         string `json:"id"`
	Seq        int64  `json:"seq"`
	TS         string `json:"ts"`
	Rule       string `json:"rule"`
	EventType  string `json:"event_type"`
	WorkItemID int    `json:"work_item_id"`
	Mode       string `json:"mode"`
	DryRun     bool   `json:"dry_run"`
	Created    int    `json:"created"`
	Updated    int    `json:"updated"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ExecutionsPage wraps list responses with cursors.
type ExecutionsPage struct {
	Items      []Execution `json:"items"`
	NextCursor string      `json:"next_cursor"`
}

// ExecutionQuery filters ListExecutions. Zero values are ignored.
type ExecutionQuery struct {
	Rule       string
	WorkItemID int
	Status     string
	Limit      int
	Cursor     string
}

// Notification is the part of a service hook payload the receiver reads.
type Notification struct {
	EventType string         `json:"eventType"`
	Resource  map[string]any `json:"resource"`
}

// WorkItemNotification builds the notification the service sends when a
// work item changes.
func WorkItemNotification(eventType string, workItemID int, changedBy string) Notification {
	return Notification{
		EventType: eventType,
		Resource: map[string]any{
			"workItemId": workItemID,
			"revision": map[string]any{
				"id":     workItemID,
				"fields": map[string]any{"System.ChangedBy": changedBy},
			},
		},
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health reports whether the server answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

// Rules returns the names of configured rules.
func (c *Client) Rules(ctx context.Context) ([]string, error) {
	var resp []struct {
		Name string `json:"name"`
	}
	if err := c.do(ctx, http.MethodGet, "rules", nil, &resp); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(resp))
	for _, r := range resp {
		names = append(names, r.Name)
	}
	return names, nil
}

// Notify delivers a notification to rule and returns the resulting execution.
func (c *Client) Notify(ctx context.Context, rule string, n Notification) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodPost, "rules/"+url.PathEscape(rule)+"/events", n, &resp)
	return resp, err
}

// ListExecutions returns one page of journaled executions, newest first.
func (c *Client) ListExecutions(ctx context.Context, q ExecutionQuery) (ExecutionsPage, error) {
	params := url.Values{}
	if q.Rule != "" {
		params.Set("rule", q.Rule)
	}
	if q.WorkItemID > 0 {
		params.Set("work_item_id", strconv.Itoa(q.WorkItemID))
	}
	if q.Status != "" {
		params.Set("status", q.Status)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Cursor != "" {
		params.Set("cursor", q.Cursor)
	}
	endpoint := "executions"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp ExecutionsPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Execution fetches one execution by id.
func (c *Client) Execution(ctx context.Context, id string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodGet, "executions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/") + "/" + endpoint
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
