// Package webhooks delivers sale events to external HTTP endpoints.
//
// Endpoints are configured by the operator. Each delivery is a JSON POST
// signed with HMAC-SHA256 over the body when a secret is set:
//
//	X-Swapsale-Event:     lifecycle_changed
//	X-Swapsale-Delivery:  <event id>
//	X-Swapsale-Timestamp: <unix seconds>
//	X-Swapsale-Signature: sha256=<hex>
//
// Delivery is at-least-once per endpoint within the retry budget; receivers
// should deduplicate on the event id.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/swapsale/internal/retry"
)

// Header names set on every delivery.
const (
	HeaderEvent     = "X-Swapsale-Event"
	HeaderDelivery  = "X-Swapsale-Delivery"
	HeaderTimestamp = "X-Swapsale-Timestamp"
	HeaderSignature = "X-Swapsale-Signature"
)

// DefaultQueueSize bounds the events waiting for delivery.
const DefaultQueueSize = 256

var deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "swapsale",
	Subsystem: "webhooks",
	Name:      "deliveries_total",
	Help:      "Webhook deliveries by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(deliveries)
}

// Event is the delivered payload.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	SaleID    string    `json:"saleId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Endpoint is one receiver. An empty Events list subscribes to everything.
type Endpoint struct {
	URL    string
	Events []string
}

func (e Endpoint) wants(eventType string) bool {
	return len(e.Events) == 0 || slices.Contains(e.Events, eventType)
}

// Config configures a Dispatcher.
type Config struct {
	Endpoints []Endpoint
	Secret    string
	Timeout   time.Duration
	QueueSize int
	Retry     retry.Policy
}

// Dispatcher queues events and delivers them from a single worker, so each
// endpoint sees events in publish order.
type Dispatcher struct {
	cfg     Config
	saleID  string
	client  *http.Client
	queue   chan *Event
	logger  *slog.Logger
	now     func() time.Time
	dropped atomic.Int64
	running atomic.Bool
}

// NewDispatcher creates a dispatcher for the events of one sale.
func NewDispatcher(cfg Config, saleID string, logger *slog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &Dispatcher{
		cfg:    cfg,
		saleID: saleID,
		client: &http.Client{Timeout: cfg.Timeout},
		queue:  make(chan *Event, cfg.QueueSize),
		logger: logger,
		now:    time.Now,
	}
}

// Publish queues an event. It never blocks: when the queue is full the
// event is dropped and counted.
func (d *Dispatcher) Publish(eventType string, data any) {
	event := &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		SaleID:    d.saleID,
		Timestamp: d.now().UTC(),
		Data:      data,
	}
	select {
	case d.queue <- event:
	default:
		d.dropped.Add(1)
		deliveries.WithLabelValues("dropped").Inc()
		d.logger.Warn("webhook queue full, event dropped", "event", eventType)
	}
}

// Dropped returns how many events were dropped on a full queue.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Running reports whether the delivery loop is running.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Run delivers queued events until ctx is cancelled. Call in a goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.queue:
			d.deliver(ctx, event)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		deliveries.WithLabelValues("failed").Inc()
		d.logger.Error("failed to marshal webhook event", "event", event.Type, "error", err)
		return
	}

	for _, ep := range d.cfg.Endpoints {
		if !ep.wants(event.Type) {
			continue
		}
		err := retry.Do(ctx, d.cfg.Retry, func(ctx context.Context) error {
			return d.send(ctx, ep.URL, event, payload)
		})
		if err != nil {
			deliveries.WithLabelValues("failed").Inc()
			d.logger.Warn("webhook delivery failed", "url", ep.URL, "event", event.Type, "delivery", event.ID, "error", err)
			continue
		}
		deliveries.WithLabelValues("delivered").Inc()
	}
}

func (d *Dispatcher) send(ctx context.Context, url string, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event.Type)
	req.Header.Set(HeaderDelivery, event.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if d.cfg.Secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(payload, d.cfg.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature header value produced by a Dispatcher.
func Verify(payload []byte, secret, header string) bool {
	want := "sha256=" + Sign(payload, secret)
	return hmac.Equal([]byte(want), []byte(header))
}
