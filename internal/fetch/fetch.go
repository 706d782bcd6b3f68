// Package fetch retrieves playlists, keys and segments over HTTP.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/agleyzer/hlsplay/internal/metrics"
	"golang.org/x/time/rate"
)

// Fetcher is the narrow transport contract the pipeline depends on.
type Fetcher interface {
	// Fetch returns the body at url as text. Used for manifests.
	Fetch(ctx context.Context, url string) (string, error)

	// FetchBinary returns the body at url as bytes. Used for keys and segments.
	FetchBinary(ctx context.Context, url string) ([]byte, error)
}

// StatusError is returned for non-200 responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d from %s", e.StatusCode, e.URL)
}

// Options configures an HTTPFetcher.
type Options struct {
	// Timeout bounds each request, including reading the body
	Timeout time.Duration

	// RequestsPerSecond throttles requests when positive
	RequestsPerSecond float64

	// Burst is the throttle burst size, at least 1
	Burst int

	// UserAgent is sent with every request when set
	UserAgent string

	// MaxBodyBytes caps response bodies when positive
	MaxBodyBytes int64
}

// HTTPFetcher implements Fetcher with net/http.
type HTTPFetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	opts    Options
}

// NewHTTPFetcher creates a fetcher. A nil client gets a default one.
func NewHTTPFetcher(client *http.Client, opts Options) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
		}
	}

	f := &HTTPFetcher{
		client: client,
		opts:   opts,
	}

	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return f
}

// Fetch fetches text content from a URL.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	body, err := f.get(ctx, url, "text")
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// FetchBinary fetches binary content from a URL.
func (f *HTTPFetcher) FetchBinary(ctx context.Context, url string) ([]byte, error) {
	return f.get(ctx, url, "binary")
}

func (f *HTTPFetcher) get(ctx context.Context, url, payload string) (body []byte, err error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	start := time.Now()
	defer func() {
		metrics.ObserveFetch(payload, time.Since(start), err)
	}()

	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if f.opts.UserAgent != "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	var r io.Reader = resp.Body
	if f.opts.MaxBodyBytes > 0 {
		r = io.LimitReader(resp.Body, f.opts.MaxBodyBytes+1)
	}

	body, err = io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}
	if f.opts.MaxBodyBytes > 0 && int64(len(body)) > f.opts.MaxBodyBytes {
		return nil, fmt.Errorf("body of %s exceeds %d bytes", url, f.opts.MaxBodyBytes)
	}

	return body, nil
}

// IsTransient reports whether a fetch error is worth retrying: network
// failures, timeouts, HTTP 408, 429 and 5xx. Cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusRequestTimeout,
			se.StatusCode == http.StatusTooManyRequests,
			se.StatusCode >= 500:
			return true
		default:
			return false
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, io.ErrUnexpectedEOF)
}
