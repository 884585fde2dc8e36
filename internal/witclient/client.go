package witclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"

	"aggregator/internal/domain"
)

const (
	DefaultAPIVersion = "7.1"
	// MaxBatchIDs is the service limit for one GetWorkItems call.
	MaxBatchIDs = 200

	patchContentType = "application/json-patch+json"
)

// ErrNotFound matches an APIError with status 404.
var ErrNotFound = domain.ErrNotFound

// Client talks to the work item tracking REST API of one collection.
type Client struct {
	// CollectionURL is the organization or collection root, without a trailing slash.
	CollectionURL string
	Token         string
	APIVersion    string
	HTTPClient    *http.Client
	Timeout       time.Duration
	// MaxRetries bounds retries of idempotent reads on 429 and 5xx answers.
	MaxRetries    uint64
	RetryInitial  time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		CollectionURL: strings.TrimRight(baseURL, "/"),
		Token:         token,
		APIVersion:    DefaultAPIVersion,
		Timeout:       30 * time.Second,
		MaxRetries:    3,
		RetryInitial:  200 * time.Millisecond,
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

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

func (e *APIError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func (c *Client) BaseURL() string { return c.CollectionURL }

type listResponse[T any] struct {
	Count int `json:"count"`
	Value []T `json:"value"`
}

func (c *Client) GetWorkItem(ctx context.Context, id int, expandAll bool) (domain.WorkItem, error) {
	q := url.Values{}
	if expandAll {
		q.Set("$expand", "all")
	}
	var wi domain.WorkItem
	err := c.get(ctx, fmt.Sprintf("_apis/wit/workitems/%d", id), q, &wi)
	return wi, err
}

// GetWorkItems fetches up to MaxBatchIDs items with relations; ids the service
// cannot return are omitted.
func (c *Client) GetWorkItems(ctx context.Context, ids []int) ([]domain.WorkItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxBatchIDs {
		return nil, fmt.Errorf("get work items: %d ids exceed the limit of %d", len(ids), MaxBatchIDs)
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	q := url.Values{}
	q.Set("ids", strings.Join(parts, ","))
	q.Set("$expand", "all")
	q.Set("errorPolicy", "omit")
	var resp listResponse[*domain.WorkItem]
	if err := c.get(ctx, "_apis/wit/workitems", q, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.WorkItem, 0, len(resp.Value))
	for _, wi := range resp.Value {
		if wi != nil {
			out = append(out, *wi)
		}
	}
	return out, nil
}

func (c *Client) GetRevision(ctx context.Context, id, rev int) (domain.WorkItem, error) {
	q := url.Values{}
	q.Set("$expand", "all")
	var wi domain.WorkItem
	err := c.get(ctx, fmt.Sprintf("_apis/wit/workitems/%d/revisions/%d", id, rev), q, &wi)
	return wi, err
}

func (c *Client) CreateBatchRequest(project, workItemType string, patch domain.PatchDocument, bypassRules bool) domain.BatchRequest {
	return domain.BatchRequest{
		Method:  http.MethodPatch,
		URI:     "/" + c.createPath(project, workItemType) + "?" + c.query(bypassQuery(bypassRules)).Encode(),
		Headers: map[string]string{"Content-Type": patchContentType},
		Body:    patch,
	}
}

func (c *Client) UpdateBatchRequest(id int, patch domain.PatchDocument, bypassRules bool) domain.BatchRequest {
	return domain.BatchRequest{
		Method:  http.MethodPatch,
		URI:     fmt.Sprintf("/_apis/wit/workitems/%d?%s", id, c.query(bypassQuery(bypassRules)).Encode()),
		Headers: map[string]string{"Content-Type": patchContentType},
		Body:    patch,
	}
}

// ExecuteBatch posts requests to the batch endpoint. Responses keep the request order.
func (c *Client) ExecuteBatch(ctx context.Context, requests []domain.BatchRequest) ([]domain.BatchResponse, error) {
	var resp listResponse[domain.BatchResponse]
	if err := c.send(ctx, http.MethodPost, "_apis/wit/$batch", nil, "application/json", requests, &resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (c *Client) CreateWorkItem(ctx context.Context, project, workItemType string, patch domain.PatchDocument, bypassRules bool) (domain.WorkItem, error) {
	var wi domain.WorkItem
	err := c.send(ctx, http.MethodPost, c.createPath(project, workItemType), bypassQuery(bypassRules), patchContentType, patch, &wi)
	return wi, err
}

func (c *Client) UpdateWorkItem(ctx context.Context, id int, patch domain.PatchDocument, bypassRules bool) (domain.WorkItem, error) {
	var wi domain.WorkItem
	err := c.send(ctx, http.MethodPatch, fmt.Sprintf("_apis/wit/workitems/%d", id), bypassQuery(bypassRules), patchContentType, patch, &wi)
	return wi, err
}

// DeleteWorkItem moves the item to the recycle bin.
func (c *Client) DeleteWorkItem(ctx context.Context, id int) error {
	return c.send(ctx, http.MethodDelete, fmt.Sprintf("_apis/wit/workitems/%d", id), nil, "", nil, nil)
}

// RestoreWorkItem takes the item out of the recycle bin.
func (c *Client) RestoreWorkItem(ctx context.Context, id int) error {
	body := map[string]bool{"IsDeleted": false}
	return c.send(ctx, http.MethodPatch, fmt.Sprintf("_apis/wit/recyclebin/%d", id), nil, "application/json", body, nil)
}

func (c *Client) GetWorkItemType(ctx context.Context, project, workItemType string) (domain.WorkItemType, error) {
	var t domain.WorkItemType
	path := fmt.Sprintf("%s/_apis/wit/workitemtypes/%s", url.PathEscape(project), url.PathEscape(workItemType))
	err := c.get(ctx, path, nil, &t)
	return t, err
}

type wireTypeRef struct {
	Name string `json:"name"`
}

type wireCategory struct {
	Name          string        `json:"name"`
	ReferenceName string        `json:"referenceName"`
	DefaultType   *wireTypeRef  `json:"defaultWorkItemType"`
	Types         []wireTypeRef `json:"workItemTypes"`
}

func (c *Client) GetTypeCategories(ctx context.Context, project string) ([]domain.TypeCategory, error) {
	var resp listResponse[wireCategory]
	if err := c.get(ctx, url.PathEscape(project)+"/_apis/wit/workitemtypecategories", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.TypeCategory, 0, len(resp.Value))
	for _, wc := range resp.Value {
		tc := domain.TypeCategory{Name: wc.Name, ReferenceName: wc.ReferenceName}
		if wc.DefaultType != nil {
			tc.DefaultType = wc.DefaultType.Name
		}
		for _, t := range wc.Types {
			tc.Types = append(tc.Types, t.Name)
		}
		out = append(out, tc)
	}
	return out, nil
}

type wireBacklogConfiguration struct {
	MappedStates []struct {
		WorkItemTypeName string            `json:"workItemTypeName"`
		States           map[string]string `json:"states"`
	} `json:"workItemTypeMappedStates"`
}

// GetBacklogStates reads the state categories of the project's default team backlog.
func (c *Client) GetBacklogStates(ctx context.Context, project string) (domain.BacklogStates, error) {
	var cfg wireBacklogConfiguration
	if err := c.get(ctx, url.PathEscape(project)+"/_apis/work/backlogconfiguration", nil, &cfg); err != nil {
		return nil, err
	}
	out := make(domain.BacklogStates, len(cfg.MappedStates))
	for _, m := range cfg.MappedStates {
		out[m.WorkItemTypeName] = m.States
	}
	return out, nil
}

func (c *Client) createPath(project, workItemType string) string {
	return fmt.Sprintf("%s/_apis/wit/workitems/$%s", url.PathEscape(project), url.PathEscape(workItemType))
}

func bypassQuery(bypassRules bool) url.Values {
	if !bypassRules {
		return nil
	}
	return url.Values{"bypassRules": []string{"true"}}
}

func (c *Client) query(q url.Values) url.Values {
	out := url.Values{}
	for k, v := range q {
		out[k] = v
	}
	version := c.APIVersion
	if version == "" {
		version = DefaultAPIVersion
	}
	out.Set("api-version", version)
	return out
}

// get retries transient failures with exponential backoff; writes are never retried.
func (c *Client) get(ctx context.Context, endpoint string, q url.Values, out any) error {
	b := backoff.NewExponentialBackOff()
	if c.RetryInitial > 0 {
		b.InitialInterval = c.RetryInitial
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.MaxRetries), ctx)
	return backoff.Retry(func() error {
		err := c.send(ctx, http.MethodGet, endpoint, q, "", nil, out)
		var apiErr *APIError
		if err != nil && errors.As(err, &apiErr) && !apiErr.retryable() {
			return backoff.Permanent(err)
		}
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (c *Client) send(ctx context.Context, method, endpoint string, q url.Values, contentType string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.CollectionURL + "/" + strings.TrimLeft(endpoint, "/") + "?" + c.query(q).Encode()
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
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(":"+c.Token)))
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
