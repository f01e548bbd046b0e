package ledger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/swapsale/internal/circuitbreaker"
	"github.com/mbd888/swapsale/internal/retry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestGateway(t *testing.T) (*MemoryLedger, *HTTPClient) {
	t.Helper()
	l := NewMemoryLedger("base")
	r := gin.New()
	NewHandler(l).RegisterRoutes(r.Group("/ledger"))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	breaker := circuitbreaker.New(circuitbreaker.Config{Trips: IsUnavailable})
	return l, NewHTTPClient("base", srv.URL+"/ledger", breaker)
}

func TestHTTPClient_BalanceAndTransfer(t *testing.T) {
	ctx := context.Background()
	l, c := newTestGateway(t)

	sub := SubAccount("sale", DeriveSubaccount("sale", "alice"))
	_, err := l.Mint(ctx, sub, 500)
	require.NoError(t, err)

	bal, err := c.BalanceOf(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), bal)

	res, err := c.Transfer(ctx, TransferArgs{From: sub, To: DefaultAccount("alice"), AmountE8s: 200, Memo: 9})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.BlockIndex)
	assert.NotEmpty(t, res.TxID)

	bal, err = c.BalanceOf(ctx, DefaultAccount("alice"))
	require.NoError(t, err)
	assert.Equal(t, uint64(200), bal)
}

func TestHTTPClient_MapsLedgerErrors(t *testing.T) {
	ctx := context.Background()
	l, c := newTestGateway(t)
	_, _ = l.Mint(ctx, DefaultAccount("a"), 100)

	_, err := c.Transfer(ctx, TransferArgs{From: DefaultAccount("a"), To: DefaultAccount("b"), AmountE8s: 1000})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	args := TransferArgs{From: DefaultAccount("a"), To: DefaultAccount("b"), AmountE8s: 10, Memo: 3}
	first, err := c.Transfer(ctx, args)
	require.NoError(t, err)

	dup, err := c.Transfer(ctx, args)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, first.BlockIndex, dup.BlockIndex)

	_, err = c.BalanceOf(ctx, Account{})
	assert.ErrorIs(t, err, ErrInvalidAccount)
}

func TestHTTPClient_RetriesBalanceOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"account":{"owner":"a"},"balanceE8s":42}`))
	}))
	defer srv.Close()

	breaker := circuitbreaker.New(circuitbreaker.Config{Threshold: 10, Trips: IsUnavailable})
	c := NewHTTPClient("base", srv.URL, breaker).
		WithRetryPolicy(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})

	bal, err := c.BalanceOf(context.Background(), DefaultAccount("a"))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), bal)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPClient_TransferIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient("base", srv.URL, nil)
	_, err := c.Transfer(context.Background(), TransferArgs{From: DefaultAccount("a"), To: DefaultAccount("b"), AmountE8s: 1})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClient_BreakerOpensOnUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	breaker := circuitbreaker.New(circuitbreaker.Config{Threshold: 2, OpenDuration: time.Minute, Trips: IsUnavailable})
	c := NewHTTPClient("base", srv.URL, breaker)
	args := TransferArgs{From: DefaultAccount("a"), To: DefaultAccount("b"), AmountE8s: 1}

	for i := 0; i < 2; i++ {
		_, err := c.Transfer(context.Background(), args)
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	_, err := c.Transfer(context.Background(), args)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHandler_Mint(t *testing.T) {
	l := NewMemoryLedger("base")
	r := gin.New()
	NewHandler(l).RegisterRoutes(r.Group("/ledger"))

	mint := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/ledger/mint", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		return w
	}

	w := mint(`{"to":{"owner":"alice"},"amount":"1.5"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	bal, _ := l.BalanceOf(context.Background(), DefaultAccount("alice"))
	assert.Equal(t, uint64(150_000_000), bal)

	w = mint(`{"to":{"owner":"alice"},"amountE8s":25}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	tests := []struct {
		name, body, code string
	}{
		{"missing owner", `{"amountE8s":1}`, "validation_error"},
		{"bad owner", `{"to":{"owner":"Alice!"},"amountE8s":1}`, "validation_error"},
		{"bad amount", `{"to":{"owner":"alice"},"amount":"1.123456789"}`, "validation_error"},
		{"zero", `{"to":{"owner":"alice"}}`, "invalid_amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := mint(tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.code)
		})
	}
}
