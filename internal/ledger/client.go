package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/swapsale/internal/circuitbreaker"
	"github.com/mbd888/swapsale/internal/retry"
)

// HTTPClient talks to a remote ledger gateway that exposes the Handler routes.
//
// Balance queries are retried with backoff. Transfers are issued exactly once:
// a transfer whose response was lost may already be applied, and the caller
// owns the decision to retry it (the ledger deduplicates identical retries).
type HTTPClient struct {
	name       string
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	policy     retry.Policy
}

// NewHTTPClient creates a client for the ledger at baseURL. name is the
// circuit breaker key and appears in errors.
func NewHTTPClient(name, baseURL string, breaker *circuitbreaker.Breaker) *HTTPClient {
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.Config{Trips: IsUnavailable})
	}
	return &HTTPClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		breaker: breaker,
		policy:  retry.DefaultPolicy(),
	}
}

// WithRetryPolicy overrides the retry policy for balance queries.
func (c *HTTPClient) WithRetryPolicy(p retry.Policy) *HTTPClient {
	c.policy = p
	return c
}

// IsUnavailable reports whether err means the ledger could not be reached,
// as opposed to the ledger rejecting the request.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

type apiError struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	BlockIndex uint64 `json:"blockIndex"`
	TxID       string `json:"txId"`
}

func (c *HTTPClient) BalanceOf(ctx context.Context, account Account) (uint64, error) {
	q := url.Values{}
	q.Set("owner", account.Owner)
	if account.Subaccount != nil {
		q.Set("subaccount", account.Subaccount.String())
	}

	var out balanceResponse
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		err := c.breaker.Execute(c.name, func() error {
			return c.do(ctx, http.MethodGet, "/balance", q, nil, &out)
		})
		if err != nil && !IsUnavailable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	return out.BalanceE8s, nil
}

func (c *HTTPClient) Transfer(ctx context.Context, args TransferArgs) (TransferResult, error) {
	var out TransferResult
	err := c.breaker.Execute(c.name, func() error {
		return c.do(ctx, http.MethodPost, "/transfer", nil, args, &out)
	})
	var dup *duplicateError
	if errors.As(err, &dup) {
		return TransferResult{BlockIndex: dup.blockIndex, TxID: dup.txID}, err
	}
	return out, err
}

type duplicateError struct {
	msg        string
	blockIndex uint64
	txID       string
}

func (e *duplicateError) Error() string { return e.msg }
func (e *duplicateError) Unwrap() error { return ErrDuplicate }

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", c.name, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", c.name, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", c.name, ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: %w: read response: %v", c.name, ErrUnavailable, err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s: %w: status %d", c.name, ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		_ = json.Unmarshal(data, &apiErr)
		return c.decodeError(resp.StatusCode, apiErr)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", c.name, err)
	}
	return nil
}

func (c *HTTPClient) decodeError(status int, apiErr apiError) error {
	msg := apiErr.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch apiErr.Error {
	case "duplicate":
		return &duplicateError{
			msg:        fmt.Sprintf("%s: %s", c.name, msg),
			blockIndex: apiErr.BlockIndex,
			txID:       apiErr.TxID,
		}
	case "insufficient_funds":
		return fmt.Errorf("%s: %w: %s", c.name, ErrInsufficientFunds, msg)
	case "invalid_amount":
		return fmt.Errorf("%s: %w: %s", c.name, ErrInvalidAmount, msg)
	case "invalid_account":
		return fmt.Errorf("%s: %w: %s", c.name, ErrInvalidAccount, msg)
	default:
		return fmt.Errorf("%s: request rejected (%d): %s", c.name, status, msg)
	}
}

// Compile-time assertion that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
