package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ingest/internal/faults"
	"ingest/internal/loader"
	"ingest/internal/schema"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// MaxAttempts bounds tries per call; <= 0 means 3.
	MaxAttempts int
	// BaseBackoff doubles per attempt up to MaxBackoff. A 429 waits for
	// Retry-After instead.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Timeout bounds each attempt; <= 0 means 2m.
	Timeout time.Duration

	HTTPClient *http.Client
	Logger     Logger
}

// Client calls a remote server. Failures come back as *faults.Error with the
// server's kind, so callers classify remote and local failures alike.
//
// Transport errors, 429s and retryable faults are retried. Loads that carry a
// sequence are safe to retry; without one a timeout retried after a commit
// the client never saw appends the rows twice.
type Client struct {
	base  string
	opts  ClientOptions
	http  *http.Client
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewClient returns a Client for the server at baseURL.
func NewClient(baseURL string, opts ClientOptions) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: &http.Transport{
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 64,
		}}
	}
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		opts:  opts,
		http:  hc,
		sleep: sleepContext,
	}
}

// Load posts chunk to /load.
func (c *Client) Load(ctx context.Context, table string, chunk []*schema.Record, lo loader.LoadOptions) (loader.Result, error) {
	body, err := json.Marshal(struct {
		Name     string           `json:"name"`
		Records  []*schema.Record `json:"records"`
		Sequence string           `json:"sequence,omitempty"`
	}{table, chunk, lo.Sequence})
	if err != nil {
		return loader.Result{}, faults.E(faults.BadRequest, "load", table, err)
	}
	var res loader.Result
	if err := c.call(ctx, "load", table, body, &res); err != nil {
		return loader.Result{}, err
	}
	return res, nil
}

// Exists posts to /exists.
func (c *Client) Exists(ctx context.Context, table string) (bool, error) {
	body, err := json.Marshal(existsRequest{Name: table})
	if err != nil {
		return false, err
	}
	var res existsResponse
	if err := c.call(ctx, "exists", table, body, &res); err != nil {
		return false, err
	}
	return res.Exists, nil
}

func (c *Client) call(ctx context.Context, route, table string, body []byte, out any) error {
	var last error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		status, retryAfter, err := c.attempt(ctx, route, table, body, out)
		if err == nil {
			return nil
		}
		last = err
		if !retryable(status, err) || attempt == c.opts.MaxAttempts {
			break
		}

		wait := nextRetryDelay(status, retryAfter, attempt, c.opts.BaseBackoff, c.opts.MaxBackoff)
		if c.opts.Logger != nil {
			c.opts.Logger.Printf("stage=client route=%s attempt=%d status=%d retry_in=%s err=%v",
				route, attempt, status, wait, err)
		}
		if !c.sleep(ctx, wait) {
			return errors.Join(last, ctx.Err())
		}
	}
	return last
}

// attempt performs one request. status is 0 when no response arrived.
func (c *Client) attempt(ctx context.Context, route, table string, body []byte, out any) (int, time.Duration, error) {
	actx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, c.base+"/"+route, bytes.NewReader(body))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, 0, fmt.Errorf("%s: decode response: %w", route, err)
		}
		return resp.StatusCode, 0, nil
	}

	var eb errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(raw, &eb); err != nil || eb.Error.Kind == "" {
		return resp.StatusCode, 0, fmt.Errorf("%s: %s: %s", route, resp.Status, strings.TrimSpace(string(raw)))
	}
	return resp.StatusCode, parseRetryAfter(resp.Header), &faults.Error{
		Kind:  faults.Kind(eb.Error.Kind),
		Op:    route,
		Table: table,
		Err:   errors.New(eb.Error.Message),
	}
}

func retryable(status int, err error) bool {
	switch {
	case status == 0:
		return !errors.Is(err, context.Canceled)
	case status == http.StatusTooManyRequests:
		return true
	default:
		return faults.IsRetryable(err)
	}
}

func nextRetryDelay(status int, retryAfter time.Duration, attempt int, base, max time.Duration) time.Duration {
	if status == http.StatusTooManyRequests && retryAfter > 0 {
		return retryAfter
	}
	// Exponential: base * 2^(attempt-1), clamped.
	d := base << uint(attempt-1)
	if d > max || d <= 0 {
		d = max
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func parseRetryAfter(h http.Header) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
