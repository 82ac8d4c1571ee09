package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pminervini/open-deep-research/types"
	"golang.org/x/time/rate"
)

const (
	maxBodyBytes  = 8 << 20
	max429Retries = 4
	maxBackoff    = 30 * time.Second
)

// StatusError is a non-2xx answer from a search endpoint.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: http %d", e.Provider, e.Status)
}

// requester performs rate-limited requests and backs off on 429. newReq is
// called once per attempt so request bodies can be replayed.
type requester struct {
	provider string
	client   *http.Client
	limiter  *rate.Limiter
	backoff  time.Duration
}

func (r requester) do(ctx context.Context, newReq func(context.Context) (*http.Request, error)) ([]byte, error) {
	delay := r.backoff
	if delay <= 0 {
		delay = time.Second
	}
	for attempt := 0; ; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		req, err := newReq(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, types.NewFetchError(req.URL.Redacted(), err)
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests && attempt < max429Retries {
			wait := retryAfter(resp.Header, delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			if delay < maxBackoff {
				delay *= 2
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &StatusError{Provider: r.provider, Status: resp.StatusCode, Body: snippet(body)}
		}
		if readErr != nil {
			return nil, types.NewFetchError(req.URL.Redacted(), readErr)
		}
		return body, nil
	}
}

func (r requester) getJSON(ctx context.Context, newReq func(context.Context) (*http.Request, error), dst any) error {
	body, err := r.do(ctx, newReq)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%s: decode response: %w", r.provider, err)
	}
	return nil
}

// retryAfter honours Retry-After and the smallest X-RateLimit-Reset entry,
// falling back to the current backoff delay.
func retryAfter(h http.Header, fallback time.Duration) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return min(time.Duration(n)*time.Second, maxBackoff)
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		least := -1
		for _, part := range strings.Split(v, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || n <= 0 {
				continue
			}
			if least < 0 || n < least {
				least = n
			}
		}
		if least > 0 {
			return min(time.Duration(least)*time.Second, maxBackoff)
		}
	}
	return fallback
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// yearRange returns the first and last day of year as YYYY-MM-DD.
func yearRange(year int) (string, string) {
	return fmt.Sprintf("%04d-01-01", year), fmt.Sprintf("%04d-12-31", year)
}

// Option configures a provider.
type Option func(*settings)

type settings struct {
	baseURL string
	limiter *rate.Limiter
	backoff time.Duration
}

// WithBaseURL points the provider at another endpoint, typically a test server.
func WithBaseURL(u string) Option { return func(s *settings) { s.baseURL = strings.TrimRight(u, "/") } }

// WithLimiter replaces the provider's rate limiter. nil disables limiting.
func WithLimiter(l *rate.Limiter) Option { return func(s *settings) { s.limiter = l } }

// WithBackoff sets the first delay after a 429 answer.
func WithBackoff(d time.Duration) Option { return func(s *settings) { s.backoff = d } }

func applyOptions(name string, client *http.Client, base string, limiter *rate.Limiter, opts []Option) (requester, string) {
	s := settings{baseURL: base, limiter: limiter}
	for _, o := range opts {
		o(&s)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return requester{provider: name, client: client, limiter: s.limiter, backoff: s.backoff}, s.baseURL
}
