// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package client is the Go client for the state memory HTTP API.
//
// # Description
//
// Client wraps a resty client configured with the service base URL, an
// optional bearer token and retry settings. Reads retry on network errors
// and 5xx replies. Writes never retry automatically: a delta that reached
// the server but lost its reply would otherwise be applied twice.
//
// A rejected delta (policy violation or type mismatch) is not an HTTP
// error. The server answers 200 with success=false and ApplyDelta returns
// both the CommitResult and a *RejectedError so callers can branch with
// errors.Is(err, ErrRejected).
//
// # Thread Safety
//
// Client is safe for concurrent use.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/AleutianAI/statememory/services/statememory/datatypes"
	"github.com/AleutianAI/statememory/services/statememory/delta"
	"github.com/AleutianAI/statememory/services/statememory/state"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultRetryCount = 3
)

var (
	// ErrNotFound is returned when the FSA key has no stored state.
	ErrNotFound = errors.New("fsa state not found")

	// ErrRejected is wrapped by RejectedError.
	ErrRejected = errors.New("delta rejected")
)

// RejectedError reports a delta the server refused without changing state.
type RejectedError struct {
	Version int64
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("delta rejected at version %d: %s", e.Version, e.Message)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// APIError is any non-2xx reply other than 404.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("statememory API error %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the same request later may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusConflict ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500
}

// =============================================================================
// Construction
// =============================================================================

// Option configures a Client.
type Option func(*options)

type options struct {
	token      string
	timeout    time.Duration
	retries    int
	httpClient *http.Client
	debug      bool
}

// WithToken sends "Authorization: Bearer <token>" on every request.
func WithToken(token string) Option {
	return func(o *options) { o.token = token }
}

// WithTimeout sets the per-request timeout. Default: 30s
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithRetries sets how many times reads are retried. Zero disables retries.
func WithRetries(n int) Option {
	return func(o *options) { o.retries = n }
}

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithDebug logs every request and response through resty.
func WithDebug(on bool) Option {
	return func(o *options) { o.debug = on }
}

// Client talks to one state memory service.
type Client struct {
	http *resty.Client
}

// New creates a Client for baseURL, e.g. "http://localhost:12310".
//
// # Outputs
//
//   - *Client: Ready to use. Call Close when done.
//   - error: Non-nil if baseURL is not an absolute http(s) URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("base URL must start with http:// or https://, got %q", baseURL)
	}

	o := options{timeout: defaultTimeout, retries: defaultRetryCount}
	for _, opt := range opts {
		opt(&o)
	}

	var rc *resty.Client
	if o.httpClient != nil {
		rc = resty.NewWithClient(o.httpClient)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(baseURL).
		SetTimeout(o.timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(o.retries).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetError(&datatypes.ErrorResponse{}).
		SetDebug(o.debug)
	if o.token != "" {
		rc.SetAuthToken(o.token)
	}
	rc.AddRetryCondition(retryCondition)

	return &Client{http: rc}, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.GetClient().CloseIdleConnections()
}

// retryCondition retries reads on network errors and overload replies.
func retryCondition(r *resty.Response, err error) bool {
	if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
		return false
	}
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	code := r.StatusCode()
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// =============================================================================
// Operations
// =============================================================================

// WriteOptions identify the writer. An empty LineageID gets a fresh UUID.
type WriteOptions struct {
	Actor     string
	LineageID string
}

// DeltaOptions extend WriteOptions with the policy context. A nil AMLLevel
// is sent as absent, which the server treats as level 0.
type DeltaOptions struct {
	Actor     string
	LineageID string
	Pillar    string
	AMLLevel  *int
}

// Health returns nil when the service answers /health.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, c.http.R(), http.MethodGet, "/health")
	return err
}

// Get fetches the current state and version of an FSA.
func (c *Client) Get(ctx context.Context, tenant, fsa string) (*datatypes.StateResponse, error) {
	var out datatypes.StateResponse
	req := c.http.R().SetPathParams(keyParams(tenant, fsa)).SetResult(&out)
	if _, err := c.do(ctx, req, http.MethodGet, "/state/{tenant}/{fsa}"); err != nil {
		return nil, err
	}
	return &out, nil
}

// Put replaces the whole document and returns the new version. doc must
// marshal to a JSON object; *document.Node keeps key order.
func (c *Client) Put(ctx context.Context, tenant, fsa string, doc any, wo WriteOptions) (int64, error) {
	var out datatypes.PutResponse
	req := c.http.R().
		SetPathParams(keyParams(tenant, fsa)).
		SetQueryParams(writeQuery(wo.Actor, wo.LineageID)).
		SetHeader("Content-Type", "application/json").
		SetBody(doc).
		SetResult(&out)
	if _, err := c.do(ctx, req, http.MethodPost, "/state/{tenant}/{fsa}"); err != nil {
		return 0, err
	}
	return out.Version, nil
}

// ApplyDelta submits a delta. On rejection it returns the result together
// with a *RejectedError.
func (c *Client) ApplyDelta(ctx context.Context, tenant, fsa string, d delta.Delta, opts DeltaOptions) (*state.CommitResult, error) {
	var out state.CommitResult
	q := writeQuery(opts.Actor, opts.LineageID)
	addPolicyQuery(q, opts.Pillar, opts.AMLLevel)
	req := c.http.R().
		SetPathParams(keyParams(tenant, fsa)).
		SetQueryParams(q).
		SetHeader("Content-Type", "application/json").
		SetBody(d).
		SetResult(&out)
	if _, err := c.do(ctx, req, http.MethodPost, "/state/{tenant}/{fsa}/delta"); err != nil {
		return nil, err
	}
	return commitOutcome(out)
}

// Slice evaluates a slice pattern. k <= 0 means no entry cap.
func (c *Client) Slice(ctx context.Context, tenant, fsa, pattern string, k int) (*datatypes.SliceResponse, error) {
	var out datatypes.SliceResponse
	q := map[string]string{"slice": pattern}
	if k > 0 {
		q["k"] = strconv.Itoa(k)
	}
	req := c.http.R().SetPathParams(keyParams(tenant, fsa)).SetQueryParams(q).SetResult(&out)
	if _, err := c.do(ctx, req, http.MethodGet, "/state/{tenant}/{fsa}/slice"); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate runs a dry run and returns every violation. Actor and lineage
// are optional here and no lineage is generated.
func (c *Client) Validate(ctx context.Context, tenant, fsa string, d delta.Delta, opts DeltaOptions) (*datatypes.ValidateResponse, error) {
	var out datatypes.ValidateResponse
	q := map[string]string{"tenant_id": tenant, "fsa_id": fsa}
	if opts.Actor != "" {
		q["actor"] = opts.Actor
	}
	if opts.LineageID != "" {
		q["lineage_id"] = opts.LineageID
	}
	addPolicyQuery(q, opts.Pillar, opts.AMLLevel)
	req := c.http.R().
		SetQueryParams(q).
		SetHeader("Content-Type", "application/json").
		SetBody(d).
		SetResult(&out)
	if _, err := c.do(ctx, req, http.MethodPost, "/validate/delta"); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitProposal commits a proposal. Missing lineage and timestamp are
// filled in before sending.
func (c *Client) SubmitProposal(ctx context.Context, p delta.Proposal) (*state.CommitResult, error) {
	if p.LineageID == "" {
		p.LineageID = uuid.NewString()
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	var out state.CommitResult
	req := c.http.R().
		SetHeader("Content-Type", "application/json").
		SetBody(p).
		SetResult(&out)
	if _, err := c.do(ctx, req, http.MethodPost, "/proposals"); err != nil {
		return nil, err
	}
	return commitOutcome(out)
}

// =============================================================================
// Helpers
// =============================================================================

func (c *Client) do(ctx context.Context, req *resty.Request, method, path string) (*resty.Response, error) {
	resp, err := req.SetContext(ctx).Execute(method, path)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return nil, fmt.Errorf("%s %s: request canceled: %w", method, path, err)
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%s %s: request timed out: %w", method, path, err)
		}
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return resp, responseError(resp)
	}
	return resp, nil
}

func responseError(resp *resty.Response) error {
	msg := ""
	if body, ok := resp.Error().(*datatypes.ErrorResponse); ok && body != nil {
		msg = body.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(resp.String())
	}
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	}
	return &APIError{StatusCode: resp.StatusCode(), Message: msg}
}

func commitOutcome(res state.CommitResult) (*state.CommitResult, error) {
	if !res.Success {
		return &res, &RejectedError{Version: res.Version, Message: res.Message}
	}
	return &res, nil
}

func keyParams(tenant, fsa string) map[string]string {
	return map[string]string{"tenant": tenant, "fsa": fsa}
}

func writeQuery(actor, lineage string) map[string]string {
	if lineage == "" {
		lineage = uuid.NewString()
	}
	return map[string]string{"actor": actor, "lineage_id": lineage}
}

func addPolicyQuery(q map[string]string, pillar string, aml *int) {
	if pillar != "" {
		q["pillar"] = pillar
	}
	if aml != nil {
		q["aml_level"] = strconv.Itoa(*aml)
	}
}
