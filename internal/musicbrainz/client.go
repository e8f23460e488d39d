package musicbrainz

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/franz/fpmatch/internal/util"
)

const (
	// BaseURL is the MusicBrainz API base URL
	BaseURL = "https://musicbrainz.org/ws/2"

	// UserAgent identifies this application to MusicBrainz
	// MusicBrainz requires a proper user agent
	UserAgent = "fpmatch/1.0 (https://github.com/franz/fpmatch)"

	// RateLimit is the minimum interval between requests (MusicBrainz requirement)
	RateLimit = 1 * time.Second
)

// Client handles MusicBrainz API requests with rate limiting
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	limiter    *rate.Limiter
	retry      *util.RetryConfig
}

// Option configures a Client
type Option func(*Client)

// WithBaseURL points the client at another WS2 endpoint, e.g. a mirror
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithUserAgent overrides the User-Agent header
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithRateLimit sets the minimum interval between requests. Zero disables
// rate limiting.
func WithRateLimit(interval time.Duration) Option {
	return func(c *Client) {
		if interval <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
}

// WithRetry sets the retry policy for transient failures
func WithRetry(cfg *util.RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// NewClient creates a new MusicBrainz API client
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:   BaseURL,
		userAgent: UserAgent,
		limiter:   rate.NewLimiter(rate.Every(RateLimit), 1),
		retry:     util.NetworkRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Recording represents a recording from MusicBrainz
type Recording struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Length         int    `json:"length"` // milliseconds
	Disambiguation string `json:"disambiguation"`
	Video          bool   `json:"video"`
}

// LookupRecording fetches a recording by MBID. MusicBrainz answers a lookup
// of a merged MBID with the recording it was merged into, so the returned
// ID differs from mbid in that case. Returns nil when the recording does
// not exist.
func (c *Client) LookupRecording(ctx context.Context, mbid string) (*Recording, error) {
	if mbid == "" {
		return nil, fmt.Errorf("mbid cannot be empty")
	}

	return util.RetryWithBackoff(ctx, c.retry, func() (*Recording, error) {
		return c.lookupRecording(ctx, mbid)
	}, "musicbrainz recording lookup")
}

func (c *Client) lookupRecording(ctx context.Context, mbid string) (*Recording, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	urlStr := fmt.Sprintf("%s/recording/%s?fmt=json", c.baseURL, url.PathEscape(mbid))
	util.DebugLog("MusicBrainz API: looking up recording %s", mbid)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		util.DebugLog("MusicBrainz: recording %s not found", mbid)
		return nil, nil
	case resp.StatusCode == http.StatusServiceUnavailable:
		return nil, util.Retryable(fmt.Errorf("MusicBrainz service unavailable (503) - rate limit exceeded or maintenance"))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode >= 500 {
			err = util.Retryable(err)
		}
		return nil, err
	}

	var recording Recording
	if err := json.NewDecoder(resp.Body).Decode(&recording); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	recording.ID = strings.ToLower(recording.ID)

	util.DebugLog("MusicBrainz: %s resolved to '%s' (%s)", mbid, recording.Title, recording.ID)
	return &recording, nil
}
