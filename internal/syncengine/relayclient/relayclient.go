// Package relayclient is the typed JSON/HTTP client for the sync relay
// It follows the functional-options + HTTPError + two-phase
// upload shape of telemetry/state-ingest/pkg/client/client.go, adapted
// from a Solana-signed telemetry uploader to a bearer-token JSON API
// with the retry classification described in §4.5.
package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"
)

// RetryClass is the classification of a relay error, per §4.5.
type RetryClass int

const (
	ClassPermanent RetryClass = iota
	ClassRetryable
	ClassReauthRequired
)

// HTTPError carries a relay response's status code and decoded error
// message, mirroring state-ingest's client.HTTPError.
type HTTPError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("relay: http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("relay: http %d", e.StatusCode)
}

// Classify maps an error into its retry class, per §4.5's taxonomy:
// Retryable (408/409/423/425/429/5xx, transport errors, body errors),
// ReauthRequired (401/403, auth errors), Permanent (everything else).
func Classify(err error) RetryClass {
	if err == nil {
		return ClassPermanent
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return ClassReauthRequired
		case http.StatusRequestTimeout, http.StatusConflict, http.StatusLocked,
			http.StatusTooEarly, http.StatusTooManyRequests:
			return ClassRetryable
		}
		if httpErr.StatusCode >= 500 {
			return ClassRetryable
		}
		return ClassPermanent
	}
	// Transport errors (connection reset, timeout, DNS failure, etc) and
	// body-read errors are not HTTPError and are treated as retryable.
	return ClassRetryable
}

// BackoffSecs implements §4.5's backoff_secs(failures) = 5*2^min(failures,8),
// capped at 1280 seconds.
func BackoffSecs(failures int) int {
	exp := failures
	if exp > 8 {
		exp = 8
	}
	secs := 5 * (1 << uint(exp))
	if secs > 1280 {
		secs = 1280
	}
	return secs
}

var ErrKeyVersionMismatch = errors.New("relay: KEY_VERSION_MISMATCH")

// IsKeyVersionMismatch reports whether a permanent push error's message
// embeds the KEY_VERSION_MISMATCH sentinel (§4.8 step 6).
func IsKeyVersionMismatch(err error) bool {
	return errorBodyContains(err, "KEY_VERSION_MISMATCH")
}

// IsStaleCursor reports whether a pull error's message embeds the
// STALE_CURSOR sentinel the relay returns when the requested cursor has
// fallen behind its GC watermark (§4.8 step 8).
func IsStaleCursor(err error) bool {
	return errorBodyContains(err, "STALE_CURSOR")
}

func errorBodyContains(err error, needle string) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return bytes.Contains([]byte(httpErr.Message), []byte(needle)) ||
			bytes.Contains([]byte(httpErr.Body), []byte(needle))
	}
	return false
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// Client is the typed relay client.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	tokenSource func(ctx context.Context) (string, error)
	deviceID    string
}

// New builds a Client. tokenSource supplies the current bearer access
// token (cache/refresh is the caller's concern, per §6.3).
func New(baseURL, deviceID string, tokenSource func(ctx context.Context) (string, error), opts ...Option) *Client {
	c := &Client{
		baseURL:     baseURL,
		deviceID:    deviceID,
		tokenSource: tokenSource,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do issues an authenticated JSON request and decodes the response body
// into out (if non-nil). All write endpoints carry the bearer header
// and device-id header, per §6.1.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("relay: marshaling request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("relay: building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("x-wf-device-id", c.deviceID)

	token, err := c.tokenSource(ctx)
	if err != nil {
		return fmt.Errorf("relay: resolving access token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("relay: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("relay: reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeServerError(resp.StatusCode, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			// A malformed response body is not something retrying will
			// fix, per §4.5/§7's "JSON decoding and invalid request" ->
			// Permanent. Wrapped as an HTTPError with a non-retryable
			// status code so Classify falls through to ClassPermanent.
			return &HTTPError{Message: fmt.Sprintf("decoding response: %s", err)}
		}
	}
	return nil
}

func decodeServerError(statusCode int, body []byte) error {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	msg := ""
	if len(body) > 0 && json.Valid(body) {
		if err := json.Unmarshal(body, &payload); err == nil {
			if payload.Message != "" {
				msg = payload.Message
			} else {
				msg = payload.Error
			}
		}
	}
	return &HTTPError{StatusCode: statusCode, Message: msg, Body: string(body)}
}

// snapshotIDPattern is a strict UUID v1-v8 regex used to detect the
// relay-bug fallback condition in §4.5.1.
var snapshotIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[1-8][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// IsValidSnapshotID reports whether id matches the strict UUID v1-v8
// shape the relay is expected to return.
func IsValidSnapshotID(id string) bool {
	return snapshotIDPattern.MatchString(id)
}
