// Package astria is a small client for the Astria fine-tuning API and the
// payload types of its callbacks.
package astria

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sesionesfotosia/headshot-hub/internal/config"
)

// errMalformed marks a 2xx answer whose body could not be decoded.
var errMalformed = errors.New("malformed astria response")

// APIError is a non-2xx answer from Astria.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("astria: status %d: %s", e.Status, e.Body)
}

// Client calls the Astria REST API.
type Client struct {
	baseURL     string
	apiKey      string
	http        *http.Client
	maxAttempts int
	retryWait   time.Duration
	testMode    bool
	numImages   int
}

// New creates a client from cfg.
func New(cfg config.AstriaConfig) *Client {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &Client{
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		http:        &http.Client{Timeout: cfg.Timeout},
		maxAttempts: attempts,
		retryWait:   time.Second,
		testMode:    cfg.TestMode,
		numImages:   cfg.NumImages,
	}
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool { return c.apiKey != "" }

// do sends method path with body and decodes a JSON answer into out.
//
// GET requests are retried on transport errors, 429 and 5xx. Other methods
// create resources, so they are retried only when Astria cannot have acted on
// the request: a failed dial or a 429. A timeout or 5xx after the body was
// sent may still have created the tune.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryWait
	b.MaxInterval = 30 * time.Second
	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxAttempts-1)), ctx)

	idempotent := method == http.MethodGet
	return backoff.Retry(func() error {
		err := c.once(ctx, method, path, payload, out)
		if err == nil || (ctx.Err() == nil && retryable(err, idempotent)) {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}

func retryable(err error, idempotent bool) bool {
	if errors.Is(err, errMalformed) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusTooManyRequests {
			return true
		}
		return idempotent && apiErr.Status >= 500
	}
	if idempotent {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("astria %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{Status: resp.StatusCode, Body: string(snippet)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	return nil
}
