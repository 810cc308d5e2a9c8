// Package apiclient is a small read-only client for the promptbatch HTTP API.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

// ErrNoBatches is returned by LatestBatch when the server has no batches.
var ErrNoBatches = errors.New("no batches")

const (
	defaultTimeout = 30 * time.Second
	pageSize       = 100
	maxBodyBytes   = 64 << 20
)

// APIError is a non-2xx answer decoded from the error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Meta mirrors the collection pagination block.
type Meta struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
}

// BatchJob is one row of a batch detail.
type BatchJob struct {
	JobID        string     `json:"job_id"`
	PromptName   string     `json:"prompt_name"`
	Status       string     `json:"status"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	TotalTokens  *int       `json:"total_tokens,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// MergedRef points at a batch's merged document.
type MergedRef struct {
	JobID    string `json:"job_id"`
	ResultID int64  `json:"result_id"`
}

// BatchDetail is the GET /batches/{id} payload.
type BatchDetail struct {
	models.BatchStatus
	Jobs   []BatchJob `json:"jobs"`
	Merged *MergedRef `json:"merged_result,omitempty"`
}

type Client struct {
	baseURL string
	http    *http.Client
	backOff func() backoff.BackOff
	logger  *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithBackOff sets the retry schedule for transport errors and 5xx answers.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(cl *Client) { cl.backOff = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		backOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
		},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ListBatches returns one page of batches, most recent first.
func (c *Client) ListBatches(ctx context.Context, limit, offset int) ([]models.BatchStatus, Meta, error) {
	var out struct {
		Data []models.BatchStatus `json:"data"`
		Meta Meta                 `json:"meta"`
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	if err := c.get(ctx, "/api/v1/batches", q, &out); err != nil {
		return nil, Meta{}, err
	}
	return out.Data, out.Meta, nil
}

// LatestBatch returns the most recently created batch.
func (c *Client) LatestBatch(ctx context.Context) (*models.BatchStatus, error) {
	batches, _, err := c.ListBatches(ctx, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, ErrNoBatches
	}
	return &batches[0], nil
}

func (c *Client) GetBatch(ctx context.Context, batchID string) (*BatchDetail, error) {
	var out struct {
		Data BatchDetail `json:"data"`
	}
	if err := c.get(ctx, "/api/v1/batches/"+url.PathEscape(batchID), nil, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// BatchJobs returns every job of a batch, including its merged document once
// it exists. Pages are followed until exhausted.
func (c *Client) BatchJobs(ctx context.Context, batchID string) ([]*models.Job, error) {
	var all []*models.Job
	for offset := 0; ; offset += pageSize {
		var out struct {
			Data []*models.Job `json:"data"`
			Meta Meta          `json:"meta"`
		}
		q := url.Values{}
		q.Set("batch_id", batchID)
		q.Set("limit", strconv.Itoa(pageSize))
		q.Set("offset", strconv.Itoa(offset))
		if err := c.get(ctx, "/api/v1/jobs", q, &out); err != nil {
			return nil, err
		}
		all = append(all, out.Data...)
		if !out.Meta.HasNext || len(out.Data) == 0 {
			return all, nil
		}
	}
}

// GetResult fetches a finished job by its surrogate id.
func (c *Client) GetResult(ctx context.Context, id int64) (*models.Job, error) {
	var out struct {
		Data models.Job `json:"data"`
	}
	if err := c.get(ctx, "/api/v1/results/"+strconv.FormatInt(id, 10), nil, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-ID", uuid.NewString())

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return fmt.Errorf("GET %s: %w", path, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if resp.StatusCode/100 != 2 {
			apiErr := decodeError(resp.StatusCode, raw)
			if resp.StatusCode >= 500 {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s: %w", path, err))
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("api request failed, retrying", "path", path, "error", err, "wait", wait.String())
	}
	return backoff.RetryNotify(op, backoff.WithContext(c.backOff(), ctx), notify)
}

func decodeError(status int, raw []byte) *APIError {
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	apiErr := &APIError{Status: status}
	if json.Unmarshal(raw, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}
