// Package fpindex talks to the external fingerprint index service and keeps
// its indexes in sync with the change stream.
package fpindex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/time/rate"

	"github.com/franz/fpmatch/internal/util"
)

const (
	// ContentType is the media type of every request and response body
	ContentType = "application/vnd.msgpack"

	// DefaultTimeout bounds calls that do not set their own timeout
	DefaultTimeout = 30 * time.Second

	// searchTimeoutMargin is added to the server-side search timeout for the
	// HTTP call itself
	searchTimeoutMargin = 500 * time.Millisecond
)

// ErrTimeout is returned when the index does not answer in time, either
// because the server gave up (504) or the call deadline passed.
var ErrTimeout = errors.New("fingerprint index timeout")

// ClientError is returned for unexpected HTTP statuses and transport failures
type ClientError struct {
	Status int // 0 for transport errors
	Body   string
	Err    error
}

func (e *ClientError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("fingerprint index request failed: %v", e.Err)
	}
	return fmt.Sprintf("fingerprint index returned status %d: %s", e.Status, e.Body)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// Client is a msgpack-over-HTTP client for the fingerprint index
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter
}

// Option configures a Client
type Option func(*Client)

// WithTimeout sets the default per-call timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit limits outgoing requests to r per second with the given burst
func WithRateLimit(r float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(r), burst) }
}

// NewClient creates a client for the index service at baseURL
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do sends a request and decodes the response into out (when not nil).
// It returns the status code, which is one of expected on success.
func (c *Client) do(ctx context.Context, method, path string, in, out any, timeout time.Duration, expected ...int) (int, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := msgpack.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	// Create request
	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", ContentType)
	if in != nil {
		req.Header.Set("Content-Type", ContentType)
	}

	// Execute request
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Our own deadline, not the caller's
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return 0, fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, &ClientError{Err: util.Retryable(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGatewayTimeout {
		return resp.StatusCode, fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
	}

	if !slices.Contains(expected, resp.StatusCode) {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := string(raw)
		var errResp ErrorResponse
		if len(raw) > 0 && msgpack.Unmarshal(raw, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		util.DebugLog("Unexpected status %d for %s %s: %s", resp.StatusCode, method, path, msg)
		cerr := &ClientError{Status: resp.StatusCode, Body: msg}
		if resp.StatusCode >= 500 {
			cerr.Err = util.Retryable(errors.New(http.StatusText(resp.StatusCode)))
		}
		return resp.StatusCode, cerr
	}

	if out == nil || method == http.MethodHead || resp.StatusCode >= 300 {
		return resp.StatusCode, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, &ClientError{Status: resp.StatusCode, Err: err}
	}
	if len(raw) == 0 {
		return resp.StatusCode, nil
	}
	if err := msgpack.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func indexPath(index string) string {
	return "/" + index
}

func docPath(index string, id uint32) string {
	return "/" + index + "/" + strconv.FormatUint(uint64(id), 10)
}

// IndexExists reports whether the index exists
func (c *Client) IndexExists(ctx context.Context, index string) (bool, error) {
	status, err := c.do(ctx, http.MethodHead, indexPath(index), nil, nil, 0, http.StatusOK, http.StatusNotFound)
	if err != nil {
		return false, err
	}
	return status == http.StatusOK, nil
}

// GetIndexInfo returns the version, size and attributes of an index
func (c *Client) GetIndexInfo(ctx context.Context, index string) (*IndexInfo, error) {
	var info IndexInfo
	if _, err := c.do(ctx, http.MethodGet, indexPath(index), nil, &info, 0, http.StatusOK); err != nil {
		return nil, err
	}
	return &info, nil
}

// CreateIndex creates the index. Creating an existing index is not an error.
func (c *Client) CreateIndex(ctx context.Context, index string) error {
	exists, err := c.IndexExists(ctx, index)
	if err != nil {
		return err
	}
	if exists {
		util.DebugLog("Index %s already exists", index)
		return nil
	}
	_, err = c.do(ctx, http.MethodPut, indexPath(index), nil, &emptyResponse{}, 0, http.StatusOK, http.StatusCreated)
	return err
}

// DeleteIndex deletes the index. Deleting a missing index is not an error.
func (c *Client) DeleteIndex(ctx context.Context, index string) error {
	_, err := c.do(ctx, http.MethodDelete, indexPath(index), nil, &emptyResponse{}, 0, http.StatusOK, http.StatusNotFound)
	return err
}

// FingerprintExists reports whether document id is in the index
func (c *Client) FingerprintExists(ctx context.Context, index string, id uint32) (bool, error) {
	status, err := c.do(ctx, http.MethodHead, docPath(index, id), nil, nil, 0, http.StatusOK, http.StatusNotFound)
	if err != nil {
		return false, err
	}
	return status == http.StatusOK, nil
}

// GetFingerprint returns information about document id, or nil if missing
func (c *Client) GetFingerprint(ctx context.Context, index string, id uint32) (*FingerprintInfo, error) {
	var info FingerprintInfo
	status, err := c.do(ctx, http.MethodGet, docPath(index, id), nil, &info, 0, http.StatusOK, http.StatusNotFound)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	return &info, nil
}

// PutFingerprint inserts or replaces a single document
func (c *Client) PutFingerprint(ctx context.Context, index string, id uint32, hashes []uint32) error {
	_, err := c.do(ctx, http.MethodPut, docPath(index, id), &PutFingerprintRequest{Hashes: hashes}, &emptyResponse{}, 0, http.StatusOK)
	return err
}

// DeleteFingerprint removes a single document
func (c *Client) DeleteFingerprint(ctx context.Context, index string, id uint32) error {
	_, err := c.do(ctx, http.MethodDelete, docPath(index, id), nil, &emptyResponse{}, 0, http.StatusOK)
	return err
}

// Update applies a batch of changes. Inserting an existing id replaces it,
// deleting a missing id is a no-op, so replaying a batch is harmless.
func (c *Client) Update(ctx context.Context, index string, b *Batch) error {
	changes := b.Changes
	if changes == nil {
		changes = []Change{}
	}
	_, err := c.do(ctx, http.MethodPost, indexPath(index)+"/_update", &UpdateRequest{Changes: changes}, &emptyResponse{}, 0, http.StatusOK)
	return err
}

// Search looks up query hashes. timeout is enforced both by the server and
// on the HTTP call; limit 0 leaves the server default.
func (c *Client) Search(ctx context.Context, index string, query []uint32, timeout time.Duration, limit int) ([]SearchResult, error) {
	req := &SearchRequest{Query: query, Limit: limit}
	callTimeout := c.timeout
	if timeout > 0 {
		req.Timeout = int(timeout.Milliseconds())
		callTimeout = timeout + searchTimeoutMargin
	}

	var resp SearchResponse
	if _, err := c.do(ctx, http.MethodPost, indexPath(index)+"/_search", req, &resp, callTimeout, http.StatusOK); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Healthcheck checks the service, or a single index when index is not empty
func (c *Client) Healthcheck(ctx context.Context, index string) error {
	path := "/_health"
	if index != "" {
		path = indexPath(index) + "/_health"
	}
	_, err := c.do(ctx, http.MethodGet, path, nil, nil, 0, http.StatusOK)
	return err
}

// Metrics returns the service metrics in the Prometheus text format
func (c *Client) Metrics(ctx context.Context) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+"/_metrics", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ClientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ClientError{Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &ClientError{Status: resp.StatusCode, Body: string(body)}
	}
	return string(body), nil
}
