// Package hostclient is a thin, retrying client over the home-automation
// host's entity API (spec §4.2): read time-of-day/number/bool entities,
// set bool entities. Transport is authenticated HTTP with JSON bodies.
package hostclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rs/zerolog"

	"github.com/goatboynz/pro-irrigation-addon/internal/clock"
	"github.com/goatboynz/pro-irrigation-addon/internal/errs"
	"github.com/goatboynz/pro-irrigation-addon/internal/observability"
)

// Client is the capability interface consumed by the rest of the core
// (spec §4.2). schedule.TimeOfDayReader and pump's lock/switch actuation
// are both satisfied by *HTTPClient.
type Client interface {
	ReadTimeOfDay(ctx context.Context, ref string) (string, bool)
	ReadNumber(ctx context.Context, ref string) (float64, bool)
	ReadBool(ctx context.Context, ref string) (bool, bool)
	SetBool(ctx context.Context, ref string, value bool) bool
}

const (
	maxRetries     = 2
	initialBackoff = 1 * time.Second
	maxBackoff     = 4 * time.Second
	requestTimeout = 5 * time.Second
	readCacheTTL   = 1 * time.Second
)

// HTTPClient is the production Client: authenticated HTTP against the
// host's supervisor-core endpoint, with bounded retries on transient
// failures, a short read cache to cheapen tight loops, and a token bucket
// bounding outbound request rate (grounded on the teacher's
// scheduler.TokenBucketLimiter).
type HTTPClient struct {
	baseURL string
	token   string
	hc      *http.Client
	limiter *rate.Limiter
	clk     clock.Clock
	log     zerolog.Logger

	cacheMu sync.Mutex
	cache   map[string]cacheEntry
}

type cacheEntry struct {
	value   json.RawMessage
	expires time.Time
}

// New creates an HTTPClient. ratePerSec/burst bound requests issued to the
// host; the spec doesn't mandate a figure, but an unbounded core hammering
// the host's API during a thundering-herd tick is the failure this guards
// against. clk is the sole source of time for the read cache's TTL and the
// retry backoff, so both are deterministically drivable in tests.
func New(baseURL, token string, ratePerSec float64, burst int, clk clock.Clock, log zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		hc:      &http.Client{Timeout: requestTimeout},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		clk:     clk,
		log:     log,
		cache:   make(map[string]cacheEntry),
	}
}

type entityResponse struct {
	State string `json:"state"`
}

// ReadTimeOfDay reads ref and returns its value verbatim (expected
// "HH:MM"); ok is false on any unrecoverable failure.
func (c *HTTPClient) ReadTimeOfDay(ctx context.Context, ref string) (string, bool) {
	raw, ok := c.read(ctx, "read_time_of_day", ref)
	if !ok {
		return "", false
	}
	var v entityResponse
	if err := json.Unmarshal(raw, &v); err != nil {
		c.log.Warn().Str("ref", ref).Err(err).Msg("hostclient: malformed time-of-day response")
		return "", false
	}
	return v.State, true
}

// ReadNumber reads ref as a numeric entity.
func (c *HTTPClient) ReadNumber(ctx context.Context, ref string) (float64, bool) {
	raw, ok := c.read(ctx, "read_number", ref)
	if !ok {
		return 0, false
	}
	var v struct {
		State float64 `json:"state"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		c.log.Warn().Str("ref", ref).Err(err).Msg("hostclient: malformed number response")
		return 0, false
	}
	return v.State, true
}

// ReadBool reads ref as a boolean entity (used to observe pump locks).
func (c *HTTPClient) ReadBool(ctx context.Context, ref string) (bool, bool) {
	raw, ok := c.read(ctx, "read_bool", ref)
	if !ok {
		return false, false
	}
	var v struct {
		State bool `json:"state"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		c.log.Warn().Str("ref", ref).Err(err).Msg("hostclient: malformed bool response")
		return false, false
	}
	return v.State, true
}

// SetBool drives ref to value. Writes are never cached, and a successful
// write evicts any cached read of ref so a ReadBool immediately afterward
// can't return the pre-write value for the rest of the TTL.
func (c *HTTPClient) SetBool(ctx context.Context, ref string, value bool) bool {
	body, _ := json.Marshal(map[string]any{"state": value})
	_, err := c.doWithRetry(ctx, "set_bool", http.MethodPost, "/entities/"+ref+"/set", body)
	if err != nil {
		c.log.Error().Str("ref", ref).Bool("value", value).Err(err).Msg("hostclient: setBool failed")
		return false
	}
	c.evictCache(ref)
	return true
}

func (c *HTTPClient) read(ctx context.Context, op, ref string) (json.RawMessage, bool) {
	if cached, ok := c.cached(ref); ok {
		return cached, true
	}
	raw, err := c.doWithRetry(ctx, op, http.MethodGet, "/entities/"+ref, nil)
	if err != nil {
		c.log.Warn().Str("op", op).Str("ref", ref).Err(err).Msg("hostclient: read failed")
		return nil, false
	}
	c.storeCache(ref, raw)
	return raw, true
}

func (c *HTTPClient) cached(ref string) (json.RawMessage, bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	e, ok := c.cache[ref]
	if !ok || c.clk.Now().After(e.expires) {
		return nil, false
	}
	return e.value, true
}

func (c *HTTPClient) storeCache(ref string, raw json.RawMessage) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache[ref] = cacheEntry{value: raw, expires: c.clk.Now().Add(readCacheTTL)}
}

func (c *HTTPClient) evictCache(ref string) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	delete(c.cache, ref)
}

// doWithRetry performs one logical host-API operation, retrying transient
// failures up to maxRetries times with exponential backoff (spec §4.2:
// <=3 tries, initial 1s, cap 4s). Permanent failures are never retried.
func (c *HTTPClient) doWithRetry(ctx context.Context, op, method, path string, body []byte) (json.RawMessage, error) {
	backoff := initialBackoff
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			observability.HostClientRetries.WithLabelValues(op).Inc()
			if err := c.clk.Sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		raw, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *HTTPClient) doOnce(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, &errs.PermanentHostError{Op: method, EntityRef: path, Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, &errs.TransientHostError{Op: method, EntityRef: path, Cause: err}
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode >= 500:
		return nil, &errs.TransientHostError{Op: method, EntityRef: path, Cause: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		return nil, &errs.PermanentHostError{Op: method, EntityRef: path, Cause: fmt.Errorf("status %d", resp.StatusCode)}
	}
}

func isTransient(err error) bool {
	_, ok := err.(*errs.TransientHostError)
	return ok
}
