// Package platform talks to the work-distribution platform that hosts the
// detection and verification pools.
//
// The Client interface is the only surface the decision engine sees.
// HTTPClient implements it against the Toloka v1 REST API; MockClient is an
// in-memory implementation for tests.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client defines the platform operations used by the pipeline.
type Client interface {
	// ListAssignments returns every assignment in the pool with the given status.
	ListAssignments(ctx context.Context, poolID string, status Status) ([]Assignment, error)

	// ListTasks returns every task in the pool.
	ListTasks(ctx context.Context, poolID string) ([]Task, error)

	// CreateTasks inserts tasks in a single batch.
	CreateTasks(ctx context.Context, tasks []Task, opts CreateOptions) error

	// AcceptAssignment accepts a submitted assignment.
	AcceptAssignment(ctx context.Context, id string, comment string) error

	// RejectAssignment rejects a submitted assignment.
	RejectAssignment(ctx context.Context, id string, comment string) error

	// RestrictWorker blocks a worker from all projects until expiry.
	RestrictWorker(ctx context.Context, workerID string, comment string, expiry time.Time) error
}

// CreateOptions controls batch task creation.
type CreateOptions struct {
	AllowDefaults bool
	OpenPool      bool
}

// DefaultBaseURL is the production Toloka API endpoint.
const DefaultBaseURL = "https://toloka.dev/api/v1"

// DefaultPageSize is the page size used for list requests.
const DefaultPageSize = 100

// restrictionTimeLayout is the platform's UTC timestamp format.
const restrictionTimeLayout = "2006-01-02T15:04:05"

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("platform API error %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("platform API error %d: %s", e.StatusCode, e.Message)
}

// HTTPClientOptions configures an HTTPClient.
type HTTPClientOptions struct {
	BaseURL  string
	Token    string
	Timeout  time.Duration
	PageSize int
	// HTTPClient overrides the underlying client (tests).
	HTTPClient *http.Client
}

// HTTPClient implements Client over the platform's REST API.
type HTTPClient struct {
	baseURL  string
	token    string
	pageSize int
	http     *http.Client
}

// NewHTTPClient creates an HTTPClient. Zero options fall back to defaults.
func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{
		baseURL:  baseURL,
		token:    opts.Token,
		pageSize: pageSize,
		http:     hc,
	}
}

type page[T any] struct {
	Items   []T  `json:"items"`
	HasMore bool `json:"has_more"`
}

// ListAssignments pages through /assignments ordered by id.
func (c *HTTPClient) ListAssignments(ctx context.Context, poolID string, status Status) ([]Assignment, error) {
	query := url.Values{}
	query.Set("pool_id", poolID)
	query.Set("status", string(status))

	items, err := listAll(ctx, c, "/assignments", query, func(a Assignment) string { return a.ID })
	if err != nil {
		return nil, fmt.Errorf("failed to list %s assignments in pool %s: %w", status, poolID, err)
	}
	return items, nil
}

// ListTasks pages through /tasks ordered by id.
func (c *HTTPClient) ListTasks(ctx context.Context, poolID string) ([]Task, error) {
	query := url.Values{}
	query.Set("pool_id", poolID)

	items, err := listAll(ctx, c, "/tasks", query, func(t Task) string { return t.ID })
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks in pool %s: %w", poolID, err)
	}
	return items, nil
}

func listAll[T any](ctx context.Context, c *HTTPClient, path string, query url.Values, id func(T) string) ([]T, error) {
	query.Set("sort", "id")
	query.Set("limit", strconv.Itoa(c.pageSize))

	var all []T
	for {
		var p page[T]
		if err := c.do(ctx, http.MethodGet, path, query, nil, &p); err != nil {
			return nil, err
		}
		all = append(all, p.Items...)
		if !p.HasMore || len(p.Items) == 0 {
			return all, nil
		}
		query.Set("id_gt", id(p.Items[len(p.Items)-1]))
	}
}

// CreateTasks posts all tasks in one request.
func (c *HTTPClient) CreateTasks(ctx context.Context, tasks []Task, opts CreateOptions) error {
	if len(tasks) == 0 {
		return nil
	}
	query := url.Values{}
	query.Set("allow_defaults", strconv.FormatBool(opts.AllowDefaults))
	query.Set("open_pool", strconv.FormatBool(opts.OpenPool))

	if err := c.do(ctx, http.MethodPost, "/tasks", query, tasks, nil); err != nil {
		return fmt.Errorf("failed to create %d tasks: %w", len(tasks), err)
	}
	return nil
}

type statusPatch struct {
	Status        Status `json:"status"`
	PublicComment string `json:"public_comment"`
}

// AcceptAssignment sets the assignment status to ACCEPTED.
func (c *HTTPClient) AcceptAssignment(ctx context.Context, id string, comment string) error {
	if err := c.do(ctx, http.MethodPatch, "/assignments/"+url.PathEscape(id), nil,
		statusPatch{Status: StatusAccepted, PublicComment: comment}, nil); err != nil {
		return fmt.Errorf("failed to accept assignment %s: %w", id, err)
	}
	return nil
}

// RejectAssignment sets the assignment status to REJECTED.
func (c *HTTPClient) RejectAssignment(ctx context.Context, id string, comment string) error {
	if err := c.do(ctx, http.MethodPatch, "/assignments/"+url.PathEscape(id), nil,
		statusPatch{Status: StatusRejected, PublicComment: comment}, nil); err != nil {
		return fmt.Errorf("failed to reject assignment %s: %w", id, err)
	}
	return nil
}

type userRestriction struct {
	Scope          string `json:"scope"`
	UserID         string `json:"user_id"`
	PrivateComment string `json:"private_comment"`
	WillExpire     string `json:"will_expire,omitempty"`
}

// RestrictWorker creates an ALL_PROJECTS restriction for the worker.
func (c *HTTPClient) RestrictWorker(ctx context.Context, workerID string, comment string, expiry time.Time) error {
	body := userRestriction{
		Scope:          "ALL_PROJECTS",
		UserID:         workerID,
		PrivateComment: comment,
	}
	if !expiry.IsZero() {
		body.WillExpire = expiry.UTC().Format(restrictionTimeLayout)
	}
	if err := c.do(ctx, http.MethodPut, "/user-restrictions", nil, body, nil); err != nil {
		return fmt.Errorf("failed to restrict worker %s: %w", workerID, err)
	}
	return nil
}

// do sends one request and decodes a JSON response into out when non-nil.
func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// Verify HTTPClient implements Client interface.
var _ Client = (*HTTPClient)(nil)
