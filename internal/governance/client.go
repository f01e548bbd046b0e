package governance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/swapsale/internal/circuitbreaker"
	"github.com/mbd888/swapsale/internal/retry"
)

// HTTPClient registers participations with a remote governance service.
// Registration is idempotent, so transient failures are retried.
type HTTPClient struct {
	name       string
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	policy     retry.Policy
}

// NewHTTPClient creates a client for the governance service at baseURL.
func NewHTTPClient(name, baseURL string, breaker *circuitbreaker.Breaker) *HTTPClient {
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.Config{Trips: IsUnavailable})
	}
	return &HTTPClient{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		breaker:    breaker,
		policy:     retry.DefaultPolicy(),
	}
}

// WithRetryPolicy overrides the retry policy.
func (c *HTTPClient) WithRetryPolicy(p retry.Policy) *HTTPClient {
	c.policy = p
	return c
}

// IsUnavailable reports whether err means governance could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func (c *HTTPClient) CreateParticipationRecord(ctx context.Context, p Participation) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", c.name, err)
	}

	return retry.Do(ctx, c.policy, func(ctx context.Context) error {
		err := c.breaker.Execute(c.name, func() error {
			return c.post(ctx, "/participations", body)
		})
		if err != nil && !IsUnavailable(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (c *HTTPClient) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", c.name, ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s: %w: status %d", c.name, ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &apiErr)
		switch apiErr.Error {
		case "conflict":
			return fmt.Errorf("%s: %w: %s", c.name, ErrConflict, apiErr.Message)
		case "invalid_record", "invalid_request":
			return fmt.Errorf("%s: %w: %s", c.name, ErrInvalidRecord, apiErr.Message)
		default:
			return fmt.Errorf("%s: request rejected (%d): %s", c.name, resp.StatusCode, apiErr.Message)
		}
	}
	return nil
}

// Compile-time assertion that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
