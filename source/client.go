// Package source reads records out of the source system of record through
// its cursor-paginated query API.
package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fieldline/porter/config"
	"github.com/fieldline/porter/errors"
	"github.com/fieldline/porter/internal/httpclient"
	"github.com/fieldline/porter/logger"
	"github.com/fieldline/porter/ratelimit"
	"github.com/fieldline/porter/retry"
)

// Record is one source record: a stable identifier plus the requested fields
type Record struct {
	ID     string                 `json:"id"`
	Fields map[string]interface{} `json:"fields"`
}

// ExtractQuery describes one page request against the source system
type ExtractQuery struct {
	EntityType string
	Fields     []string
	BatchSize  int
	// AfterCursor is an exclusive lower bound on the source id; empty
	// starts from the beginning
	AfterCursor string
}

// Page is one extracted batch. HasMore uses the short-batch heuristic:
// a full page means more records probably remain, a short page means
// exhaustion.
type Page struct {
	Records    []Record
	HasMore    bool
	NextCursor string
}

// Client talks to the source system. All calls pass through the shared
// rate limiter; only Connect retries, mid-pagination transport errors
// propagate to the caller.
type Client struct {
	api     *httpclient.Client
	limiter *ratelimit.Limiter

	// ConnectPolicy governs login retries; exported so callers can tune
	// backoff or inject a sleep.
	ConnectPolicy retry.Policy
}

// NewClient builds a source client from configuration. The limiter is shared
// with every other consumer of the source system.
func NewClient(cfg config.SourceConfig, limiter *ratelimit.Limiter) *Client {
	return &Client{
		api:     httpclient.New(cfg.BaseURL, cfg.APIKey, time.Duration(cfg.TimeoutSeconds)*time.Second),
		limiter: limiter,
		ConnectPolicy: retry.Policy{
			MaxAttempts: cfg.ConnectMaxAttempts,
			Delay:       time.Second,
			Strategy:    retry.StrategyExponential,
			MaxDelay:    30 * time.Second,
		},
	}
}

// Connect performs the login handshake. Connection failures retry with
// exponential backoff up to the configured attempt ceiling; exhaustion
// fails the run.
func (c *Client) Connect(ctx context.Context) error {
	var session struct {
		AccountID string `json:"account_id"`
	}

	err := c.ConnectPolicy.Do(ctx, func(ctx context.Context) error {
		if err := c.limiter.Acquire(ctx); err != nil {
			return err
		}
		return c.api.DoJSON(ctx, http.MethodPost, "/auth/login", nil, &session)
	})
	if err != nil {
		return errors.Wrap(err, "source login failed")
	}

	logger.Infow("connected to source system", "account_id", session.AccountID)
	return nil
}

type extractResponse struct {
	Records []Record `json:"records"`
}

// Extract fetches one page of records ordered by strictly increasing source
// id. No retry here: a mid-pagination failure must surface to the
// orchestrator as a run failure rather than silently skipping a page.
func (c *Client) Extract(ctx context.Context, q ExtractQuery) (*Page, error) {
	if q.EntityType == "" {
		return nil, errors.New("entity type cannot be empty")
	}
	if q.BatchSize <= 0 {
		return nil, errors.Newf("batch size must be positive, got %d", q.BatchSize)
	}

	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limiter wait aborted")
	}

	params := url.Values{}
	params.Set("type", q.EntityType)
	params.Set("limit", fmt.Sprintf("%d", q.BatchSize))
	if len(q.Fields) > 0 {
		params.Set("fields", strings.Join(q.Fields, ","))
	}
	if q.AfterCursor != "" {
		params.Set("after", q.AfterCursor)
	}

	var resp extractResponse
	if err := c.api.DoJSON(ctx, http.MethodGet, "/records?"+params.Encode(), nil, &resp); err != nil {
		return nil, errors.Wrapf(err, "failed to extract %s batch after cursor %q", q.EntityType, q.AfterCursor)
	}

	page := &Page{
		Records: resp.Records,
		HasMore: len(resp.Records) == q.BatchSize,
	}
	if n := len(resp.Records); n > 0 {
		page.NextCursor = resp.Records[n-1].ID
	} else {
		page.NextCursor = q.AfterCursor
	}

	return page, nil
}

// Count returns the total record count for an entity type. The orchestrator
// uses it as a UI denominator only, never for loop termination.
func (c *Client) Count(ctx context.Context, entityType string) (int, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return 0, errors.Wrap(err, "rate limiter wait aborted")
	}

	var resp struct {
		Count int `json:"count"`
	}
	params := url.Values{}
	params.Set("type", entityType)

	if err := c.api.DoJSON(ctx, http.MethodGet, "/records/count?"+params.Encode(), nil, &resp); err != nil {
		return 0, errors.Wrapf(err, "failed to count %s records", entityType)
	}

	return resp.Count, nil
}

// UpdateRecord writes fields back to one source record (e.g. marking it as
// migrated)
func (c *Client) UpdateRecord(ctx context.Context, id string, fields map[string]interface{}) error {
	if err := c.limiter.Acquire(ctx); err != nil {
		return errors.Wrap(err, "rate limiter wait aborted")
	}

	if err := c.api.DoJSON(ctx, http.MethodPatch, "/records/"+url.PathEscape(id), fields, nil); err != nil {
		return errors.Wrapf(err, "failed to update source record %s", id)
	}

	return nil
}

// BatchUpdateItem pairs a record id with the fields to write back
type BatchUpdateItem struct {
	ID     string                 `json:"id"`
	Fields map[string]interface{} `json:"fields"`
}

// BatchUpdate writes fields back to multiple source records in one call
func (c *Client) BatchUpdate(ctx context.Context, items []BatchUpdateItem) error {
	if len(items) == 0 {
		return nil
	}

	if err := c.limiter.Acquire(ctx); err != nil {
		return errors.Wrap(err, "rate limiter wait aborted")
	}

	body := struct {
		Records []BatchUpdateItem `json:"records"`
	}{Records: items}

	if err := c.api.DoJSON(ctx, http.MethodPost, "/records/batch-update", body, nil); err != nil {
		return errors.Wrapf(err, "failed to batch-update %d source records", len(items))
	}

	return nil
}
