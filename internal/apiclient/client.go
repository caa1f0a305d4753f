// Package apiclient talks to the relay's JSON API on behalf of agents and
// operators. Every reply is checked against the {data, error} envelope.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/api/http/dto"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultMaxAttempts = 4

	initialDelay  = 500 * time.Millisecond
	maxDelay      = 10 * time.Second
	backoffFactor = 2

	apiKeyHeader     = "X-API-Key"
	maxResponseBytes = 8 << 20
)

var ErrMalformedResponse = errors.New("malformed response")

// APIError is an error reply from the relay.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

type Config struct {
	BaseURL     string
	APIKey      string
	UserAgent   string
	Timeout     time.Duration
	MaxAttempts int
}

type Client struct {
	baseURL     string
	apiKey      string
	userAgent   string
	maxAttempts int
	retryDelay  time.Duration
	http        *http.Client

	mu    sync.RWMutex
	token string
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, errors.New("server url is required")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("server url %q must start with http:// or https://", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	return &Client{
		baseURL:     base,
		apiKey:      cfg.APIKey,
		userAgent:   cfg.UserAgent,
		maxAttempts: attempts,
		retryDelay:  initialDelay,
		http:        &http.Client{Timeout: timeout},
	}, nil
}

// SetToken sets the agent bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type replyEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error *dto.ErrorBody  `json:"error"`
}

// do performs one API call, retrying transport failures, 5xx and 429 with
// exponential backoff. The request body is encoded once, so every attempt
// sends identical bytes.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	delay := c.retryDelay
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err := c.roundTrip(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		if !IsTemporary(err) || ctx.Err() != nil {
			return err
		}
		lastErr = err

		if attempt == c.maxAttempts {
			break
		}
		slog.Debug("Retrying API request",
			"method", method,
			"path", path,
			"attempt", attempt,
			"retry_in", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= backoffFactor
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return fmt.Errorf("%s %s: giving up after %d attempts: %w", method, path, c.maxAttempts, lastErr)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte, out any) error {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &transportError{err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &transportError{err: err}
	}

	var reply replyEnvelope
	decodeErr := json.Unmarshal(raw, &reply)
	hasData := len(reply.Data) > 0 && string(reply.Data) != "null"
	hasError := reply.Error != nil

	if decodeErr != nil || hasData == hasError {
		// A proxy in front of the relay may answer 5xx with HTML; that is
		// still worth retrying.
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("%w: %s %s returned %d", ErrMalformedResponse, method, path, resp.StatusCode)
	}

	if hasError {
		return &APIError{StatusCode: resp.StatusCode, Message: reply.Error.Message}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: data with status %d", ErrMalformedResponse, resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(reply.Data, out); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	}
	return nil
}

type transportError struct {
	err error
}

func (e *transportError) Error() string { return "transport: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// IsTemporary reports whether err is a transport failure or a relay reply
// that retrying later may cure.
func IsTemporary(err error) bool {
	var tErr *transportError
	if errors.As(err, &tErr) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Temporary()
}
