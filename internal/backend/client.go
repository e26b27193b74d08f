// Package backend is the HTTP client for the upload service. It owns
// the wire contract (headers, JSON bodies, status codes) and classifies
// failures so the delivery loop can decide between retrying and giving up.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/photo-uploader/internal/errors"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// defaultRequestTimeout bounds status and lookup calls when no
	// timeout is configured.
	defaultRequestTimeout = 60 * time.Second

	// maxAPIResponseBytes caps response body reads. Responses are small
	// JSON payloads.
	maxAPIResponseBytes = 1024 * 1024
)

// TransientError wraps an error that is likely temporary and safe to
// retry. RetryAfter is the server's requested delay, zero when absent.
type TransientError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Is makes every TransientError match ErrTransientNetwork.
func (e *TransientError) Is(target error) bool { return target == apperrors.ErrTransientNetwork }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RetryAfter returns the server-requested delay carried by err, if any.
func RetryAfter(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter
	}

	return 0
}

// RejectedError is a non-retryable response. Kind is one of
// ErrServerRejected, ErrUnauthorized or ErrNotFound.
type RejectedError struct {
	StatusCode int
	Message    string
	Kind       error
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (HTTP %d)", e.Kind, e.StatusCode)
	}

	return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
}

func (e *RejectedError) Unwrap() error { return e.Kind }

// Options configures a Client.
type Options struct {
	BaseURL string

	// Timeout bounds status and lookup calls and the wait for upload
	// response headers. The upload body itself is bounded only by ctx.
	Timeout time.Duration

	// Signer signs every request when set.
	Signer *Signer

	// BandwidthLimit caps upload body throughput in bytes per second
	// across all concurrent uploads. Zero means unlimited.
	BandwidthLimit int64

	// Transport overrides the base round tripper, mainly for tests.
	Transport http.RoundTripper
}

// endpoint is an immutable base URL and transport pair. Requests load
// it once, so a swap never affects a request already dispatched.
type endpoint struct {
	base   *url.URL
	client *http.Client
}

// Client talks to the upload service.
type Client struct {
	ep      atomic.Pointer[endpoint]
	opts    Options
	timeout time.Duration
	limiter *rate.Limiter
}

// NewClient creates a client for opts.BaseURL.
func NewClient(opts Options) (*Client, error) {
	c := &Client{opts: opts, timeout: opts.Timeout}
	if c.timeout <= 0 {
		c.timeout = defaultRequestTimeout
	}

	if opts.BandwidthLimit > 0 {
		c.limiter = newBandwidthLimiter(opts.BandwidthLimit)
	}

	if _, err := c.SetBaseURL(opts.BaseURL); err != nil {
		return nil, err
	}

	return c, nil
}

// NormalizeBaseURL trims raw, requires an absolute http(s) URL and
// guarantees a trailing slash so relative endpoints resolve beneath it.
func NormalizeBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("base URL is empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL scheme %q is not http or https", u.Scheme)
	}

	if u.Host == "" {
		return nil, errors.New("base URL has no host")
	}

	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	u.RawQuery, u.Fragment = "", ""

	return u, nil
}

// SetBaseURL swaps in a new base URL and transport. An invalid URL is
// rejected and the current endpoint stays in place. In-flight requests
// keep using the endpoint they started with.
func (c *Client) SetBaseURL(raw string) (string, error) {
	base, err := NormalizeBaseURL(raw)
	if err != nil {
		return c.BaseURL(), fmt.Errorf("%w: %w", apperrors.ErrInvalidBaseURL, err)
	}

	old := c.ep.Swap(&endpoint{base: base, client: c.newHTTPClient()})
	if old != nil {
		old.client.CloseIdleConnections()
	}

	return base.String(), nil
}

// BaseURL returns the current base URL, or "" before the first swap.
func (c *Client) BaseURL() string {
	ep := c.ep.Load()
	if ep == nil {
		return ""
	}

	return ep.base.String()
}

func (c *Client) newHTTPClient() *http.Client {
	rt := c.opts.Transport
	if rt == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = c.timeout
		rt = t
	}

	if c.opts.Signer != nil {
		rt = &signingTransport{next: rt, signer: c.opts.Signer}
	}

	return &http.Client{
		Transport:     rt,
		CheckRedirect: sameHostRedirectPolicy,
	}
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so signed headers never reach a
// third party.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// resolve joins path segments onto the endpoint's base URL. Segments
// are escaped individually.
func (ep *endpoint) resolve(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}

	return ep.base.JoinPath(escaped...).String()
}

// do sends req with ep's client and returns the status and capped body.
// Transport failures are transient unless ctx was cancelled.
func (ep *endpoint) do(ctx context.Context, req *http.Request, name string) (*http.Response, []byte, error) {
	resp, err := ep.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, fmt.Errorf("%s: %w", name, ctxErr)
		}
		// Timeouts, resets and DNS failures are transient by nature.
		return nil, nil, &TransientError{Err: fmt.Errorf("%s: %w: %w", name, apperrors.ErrTransientNetwork, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, fmt.Errorf("%s: %w", name, ctxErr)
		}

		return nil, nil, &TransientError{Err: fmt.Errorf("%s: reading response: %w", name, err)}
	}

	return resp, body, nil
}

// classify turns a non-success response into a TransientError or a
// RejectedError.
func classify(name string, resp *http.Response, body []byte, now time.Time) error {
	msg := errorMessage(body)
	code := resp.StatusCode

	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &RejectedError{StatusCode: code, Message: msg, Kind: apperrors.ErrUnauthorized}
	case gjson.GetBytes(body, "code").String() == "quota_exceeded":
		return &TransientError{
			Err:        fmt.Errorf("%s (HTTP %d): %w", name, code, apperrors.ErrQuotaExceeded),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), now),
		}
	case isTransientStatus(code):
		return &TransientError{
			Err:        fmt.Errorf("%s returned HTTP %d: %s", name, code, msg),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), now),
		}
	case code == http.StatusNotFound:
		return &RejectedError{StatusCode: code, Message: msg, Kind: apperrors.ErrNotFound}
	default:
		return &RejectedError{StatusCode: code, Message: msg, Kind: apperrors.ErrServerRejected}
	}
}

func isTransientStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// errorMessage pulls a human readable message out of an error body,
// falling back to the sanitized raw body.
func errorMessage(body []byte) string {
	for _, field := range []string{"error", "detail", "message"} {
		if r := gjson.GetBytes(body, field); r.Type == gjson.String && r.Str != "" {
			return sanitizeResponseBody([]byte(r.Str))
		}
	}

	return sanitizeResponseBody(body)
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages and logs.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return strings.TrimSpace(string(clean))
}
