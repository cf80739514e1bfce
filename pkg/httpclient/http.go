package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	errorCodeBodyUnreadable = iota
	errorCodeInvalidURL
	errorCodeRequestError
	errorCodeStatusError
)

// HTTPError is the cause of a single failed attempt.
type HTTPError struct {
	errorCode  int
	StatusCode int
	URL        string
	wrapped    error
}

func (h *HTTPError) Error() string {
	switch h.errorCode {
	case errorCodeInvalidURL:
		return fmt.Sprintf("invalid URL %s: %s", h.URL, h.wrapped)
	case errorCodeBodyUnreadable:
		return fmt.Errorf("unable to read response body: %w",
			h.wrapped).Error()
	case errorCodeRequestError:
		return fmt.Errorf("request error: %w", h.wrapped).Error()
	case errorCodeStatusError:
		return fmt.Sprintf("request failed with status %d %s", h.StatusCode,
			http.StatusText(h.StatusCode))
	default:
		return "unknown error making http request"
	}
}

func (h *HTTPError) Unwrap() error {
	return h.wrapped
}

// FetchError is returned once every attempt allowed by a RetryPolicy failed.
type FetchError struct {
	URL      string
	Attempts int
	Cause    error
}

func (f *FetchError) Error() string {
	return fmt.Sprintf("unable to fetch %s after %d attempt(s): %s", f.URL, f.Attempts, f.Cause)
}

func (f *FetchError) Unwrap() error {
	return f.Cause
}

// IsNotFound reports whether err ended with a 404 from the server.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.errorCode == errorCodeStatusError &&
			httpErr.StatusCode == http.StatusNotFound
	}
	return false
}

// RetryPolicy bounds a single logical fetch. Attempts counts the first
// request, so Attempts of 1 means no retries. Values below 1 are treated as 1.
type RetryPolicy struct {
	Timeout  time.Duration
	Attempts int
}

func (r RetryPolicy) attempts() int {
	if r.Attempts < 1 {
		return 1
	}
	return r.Attempts
}

// Fetcher is the fetch primitive consumed by the poller, the password
// handshake and the metadata crawler.
type Fetcher interface {
	Fetch(ctx context.Context, url string, header http.Header) ([]byte, error)
}

// Prober issues a single bounded reachability check.
type Prober interface {
	Probe(ctx context.Context, url string, timeout time.Duration) error
}

type Client struct {
	policy    RetryPolicy
	logger    *slog.Logger
	transport http.RoundTripper
}

func NewClient(policy RetryPolicy, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		policy: policy,
		logger: logger,
	}
}

// WithTransport replaces the round tripper used for every attempt.
func (c *Client) WithTransport(transport http.RoundTripper) *Client {
	c.transport = transport
	return c
}

func (c *Client) Policy() RetryPolicy {
	return c.policy
}

func (c *Client) Fetch(ctx context.Context, url string, header http.Header) ([]byte, error) {
	return c.do(ctx, url, header, c.policy.Timeout, c.policy.attempts())
}

func (c *Client) Probe(ctx context.Context, url string, timeout time.Duration) error {
	_, err := c.do(ctx, url, nil, timeout, 1)
	return err
}

func (c *Client) do(ctx context.Context, url string, header http.Header,
	timeout time.Duration, attempts int) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{
			URL:      url,
			Attempts: 0,
			Cause:    &HTTPError{errorCode: errorCodeInvalidURL, URL: url, wrapped: err},
		}
	}
	// Keys are copied as given, the password server expects DomU_Request
	// spelled exactly.
	for k, vs := range header {
		req.Header[k] = append(req.Header[k], vs...)
	}

	resp, err := c.retryClient(url, timeout, attempts).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{
			URL:      url,
			Attempts: attempts,
			Cause:    &HTTPError{errorCode: errorCodeBodyUnreadable, URL: url, wrapped: err},
		}
	}
	return body, nil
}

func (c *Client) retryClient(url string, timeout time.Duration, attempts int) *retryablehttp.Client {
	httpClient := &http.Client{Timeout: timeout}
	if c.transport != nil {
		httpClient.Transport = c.transport
	}
	return &retryablehttp.Client{
		HTTPClient: httpClient,
		Logger:     c.logger,
		RetryMax:   attempts - 1,
		CheckRetry: checkRetry,
		Backoff: func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
			return 0
		},
		ErrorHandler: func(resp *http.Response, err error, numTries int) (*http.Response, error) {
			return nil, &FetchError{
				URL:      url,
				Attempts: numTries,
				Cause:    lastCause(url, resp, err),
			}
		},
	}
}

// checkRetry retries every transport failure and non-2xx status. Only
// cancellation of the caller's context stops the loop early.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	if err != nil {
		return true, nil
	}
	return isErrorStatus(resp.StatusCode), nil
}

func lastCause(url string, resp *http.Response, err error) error {
	if resp != nil {
		// The response is discarded, the caller only sees the error.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	if err != nil {
		return &HTTPError{errorCode: errorCodeRequestError, URL: url, wrapped: err}
	}
	if resp != nil {
		return &HTTPError{errorCode: errorCodeStatusError, URL: url, StatusCode: resp.StatusCode}
	}
	return &HTTPError{URL: url}
}

func isErrorStatus(status int) bool {
	return status < http.StatusOK || status >= http.StatusMultipleChoices
}
