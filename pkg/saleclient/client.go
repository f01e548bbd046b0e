// Package saleclient is a Go client for the sale HTTP API.
//
//	c := saleclient.New(saleclient.Config{BaseURL: "http://localhost:8080", Caller: "alice"})
//	snap, err := c.State(ctx)
//
// Reads are retried with backoff. Mutating calls are sent once: they are
// idempotent on the server, so a caller may simply repeat them.
package saleclient

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

	"github.com/mbd888/swapsale/internal/retry"
	"github.com/mbd888/swapsale/internal/sale"
)

// Request headers understood by the API.
const (
	HeaderCallerPrincipal = "X-Caller-Principal"
	HeaderAdminSecret     = "X-Admin-Secret"
)

// DefaultTimeout bounds a single HTTP request.
const DefaultTimeout = 30 * time.Second

// ErrUnavailable means the API could not be reached or failed with a 5xx.
var ErrUnavailable = errors.New("sale api unavailable")

// Config holds the connection settings.
type Config struct {
	BaseURL string // e.g. "http://localhost:8080"
	// Caller is sent as the caller principal. Buyer refreshes default to it.
	Caller string
	// AdminSecret enables the operator calls.
	AdminSecret string
	Timeout     time.Duration
}

// Client calls the sale API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	policy     retry.Policy
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		policy:     retry.DefaultPolicy(),
	}
}

// WithRetryPolicy overrides the retry policy for reads.
func (c *Client) WithRetryPolicy(p retry.Policy) *Client {
	c.policy = p
	return c
}

// APIError is an error response from the API.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("sale api: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("sale api: status %d: %s: %s", e.Status, e.Code, e.Message)
}

// IsCode reports whether err is an APIError with the given code, such as
// "invalid_lifecycle" or "below_minimum".
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// BuyerView is the response of the buyer lookup.
type BuyerView struct {
	Buyer        sale.BuyerState `json:"buyer"`
	BaseLeg      sale.LegStatus  `json:"baseLeg"`
	SaleTokenLeg sale.LegStatus  `json:"saleTokenLeg"`
}

// FinalizeResponse is the outcome of a finalize call. Message is set when
// the pass was cut short; Result then covers the buyers visited.
type FinalizeResponse struct {
	Result  sale.FinalizeResult `json:"result"`
	Message string              `json:"message,omitempty"`
	Partial bool                `json:"-"`
}

// State fetches the sale and its derived state.
func (c *Client) State(ctx context.Context) (*sale.Snapshot, error) {
	var snap sale.Snapshot
	if err := c.get(ctx, "/v1/sale", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Buyer fetches one buyer record.
func (c *Client) Buyer(ctx context.Context, principal string) (*BuyerView, error) {
	var v BuyerView
	if err := c.get(ctx, "/v1/sale/buyers/"+url.PathEscape(principal), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Open moves a pending sale to open.
func (c *Client) Open(ctx context.Context) (*sale.Sale, error) {
	var resp struct {
		Sale *sale.Sale `json:"sale"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/v1/sale/open", nil, false, &resp); err != nil {
		return nil, err
	}
	return resp.Sale, nil
}

// RefreshSaleTokens re-reads the escrowed sale-token supply.
func (c *Client) RefreshSaleTokens(ctx context.Context) (uint64, error) {
	var resp struct {
		SaleTokenE8s uint64 `json:"saleTokenE8s"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/v1/sale/refresh-tokens", nil, false, &resp); err != nil {
		return 0, err
	}
	return resp.SaleTokenE8s, nil
}

// RefreshBuyer reconciles a buyer's deposit. An empty principal refreshes
// the configured caller.
func (c *Client) RefreshBuyer(ctx context.Context, principal string) (*sale.RefreshResult, error) {
	body := sale.RefreshBuyerRequest{Principal: principal}
	var res sale.RefreshResult
	if _, err := c.do(ctx, http.MethodPost, "/v1/sale/buyers/refresh", body, false, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Finalize runs one settlement pass.
func (c *Client) Finalize(ctx context.Context) (*FinalizeResponse, error) {
	var resp FinalizeResponse
	status, err := c.do(ctx, http.MethodPost, "/v1/sale/finalize", nil, false, &resp)
	if err != nil {
		return nil, err
	}
	resp.Partial = status == http.StatusAccepted
	return &resp, nil
}

// Advance runs the lifecycle transition check. Requires the admin secret.
func (c *Client) Advance(ctx context.Context) (sale.Lifecycle, error) {
	var resp struct {
		Lifecycle sale.Lifecycle `json:"lifecycle"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/v1/admin/sale/advance", nil, true, &resp); err != nil {
		return sale.LifecycleUnspecified, err
	}
	return resp.Lifecycle, nil
}

// ResetDisbursing clears a stuck in-flight flag on one leg of a buyer.
// Requires the admin secret. Only call it once the transfer is known to have
// failed or been recorded by the ledger.
func (c *Client) ResetDisbursing(ctx context.Context, principal string, leg sale.Leg) (*sale.BuyerState, error) {
	var resp struct {
		Buyer *sale.BuyerState `json:"buyer"`
	}
	path := "/v1/admin/sale/buyers/" + url.PathEscape(principal) + "/reset"
	if _, err := c.do(ctx, http.MethodPost, path, sale.ResetRequest{Leg: string(leg)}, true, &resp); err != nil {
		return nil, err
	}
	return resp.Buyer, nil
}

// get issues a GET, retrying when the API is unavailable.
func (c *Client) get(ctx context.Context, path string, out any) error {
	return retry.Do(ctx, c.policy, func(ctx context.Context) error {
		_, err := c.do(ctx, http.MethodGet, path, nil, false, out)
		if err != nil && !errors.Is(err, ErrUnavailable) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (c *Client) do(ctx context.Context, method, path string, body any, admin bool, out any) (int, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Caller != "" {
		req.Header.Set(HeaderCallerPrincipal, c.cfg.Caller)
	}
	if admin {
		if c.cfg.AdminSecret == "" {
			return 0, errors.New("admin secret is not configured")
		}
		req.Header.Set(HeaderAdminSecret, c.cfg.AdminSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		if resp.StatusCode >= 500 {
			return resp.StatusCode, fmt.Errorf("%w: %w", ErrUnavailable, apiErr)
		}
		return resp.StatusCode, apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
