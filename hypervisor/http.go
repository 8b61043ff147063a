package hypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/projecteru2/burrow/types"
)

const (
	// HTTPTimeout is the default per-call timeout for control API requests.
	HTTPTimeout = 10 * time.Second
	// MaxRetries is the number of retry attempts for transient API errors.
	MaxRetries = 3
	// BaseBackoff is the initial backoff duration; doubled on each retry.
	BaseBackoff = 100 * time.Millisecond
)

// APIError carries the status and body of a non-2xx control API response.
// It unwraps to types.ErrProtocol.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string { return e.Message }
func (e *APIError) Unwrap() error { return types.ErrProtocol }

// Client speaks HTTP/1.1 to a hypervisor over its Unix API socket. Every call
// dials a fresh connection.
type Client struct {
	socket string
	hc     *http.Client
}

// NewClient returns a client for socketPath; timeout <= 0 means HTTPTimeout.
func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = HTTPTimeout
	}
	return &Client{socket: socketPath, hc: NewSocketHTTPClient(socketPath, timeout)}
}

// Socket returns the socket path this client dials.
func (c *Client) Socket() string { return c.socket }

// NewSocketHTTPClient creates an HTTP client that dials a Unix domain socket.
func NewSocketHTTPClient(socketPath string, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DisableKeepAlives: true,
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

// Do sends one request. body is JSON-encoded when non-nil; out, when non-nil,
// receives the decoded response body.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	if _, err := os.Stat(c.socket); err != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrNoControlChannel, c.socket, err)
	}
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%s %s: %w: %v", method, path, types.ErrTimeout, err)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	rb, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("%s %s → %s: %s", method, path, resp.Status, bytes.TrimSpace(rb)),
		}
	}
	if out != nil && len(bytes.TrimSpace(rb)) > 0 {
		if err := json.Unmarshal(rb, out); err != nil {
			return fmt.Errorf("%w: decode %s %s: %v", types.ErrProtocol, method, path, err)
		}
	}
	return nil
}

// Put is Do with PUT and no response body.
func (c *Client) Put(ctx context.Context, path string, body any) error {
	return c.Do(ctx, http.MethodPut, path, body, nil)
}

// Patch is Do with PATCH and no response body.
func (c *Client) Patch(ctx context.Context, path string, body any) error {
	return c.Do(ctx, http.MethodPatch, path, body, nil)
}

// CheckSocket verifies that a Unix domain socket is connectable.
func CheckSocket(socketPath string) error {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

// DoWithRetry retries fn up to MaxRetries times with exponential backoff
// for transient errors. Only idempotent configuration calls go through it.
func DoWithRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for i := 0; i <= MaxRetries; i++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if i < MaxRetries {
			backoff := BaseBackoff * time.Duration(1<<i)
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}

// IsRetryable returns true for connection-level failures and HTTP 5xx/429.
// A missing socket or an expired deadline is final.
func IsRetryable(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Code >= 500 || ae.Code == http.StatusTooManyRequests
	}
	if errors.Is(err, types.ErrNoControlChannel) || errors.Is(err, types.ErrTimeout) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
