// Package notify delivers fire-and-forget operator notifications. Callers never
// block on delivery and never see delivery errors.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fslongjin/sandboxd/internal/metrics"
)

type Kind string

const (
	KindLog     Kind = "log"
	KindRenewal Kind = "renewal"
)

type Message struct {
	Kind Kind      `json:"kind"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Notifier is what the rest of the control plane depends on.
type Notifier interface {
	Notify(kind Kind, text string)
}

// Router maps a kind to its current destination. An empty destination means
// the kind is not configured and the message is discarded.
type Router interface {
	Destination(kind Kind) string
}

type Dispatcher struct {
	router  Router
	hub     *Hub
	client  *http.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan Message
	done   chan struct{}
}

type Option func(*Dispatcher)

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher starts the delivery worker. Call Close to flush and stop it.
func NewDispatcher(router Router, hub *Hub, queueSize int, webhookTimeout time.Duration, opts ...Option) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if webhookTimeout <= 0 {
		webhookTimeout = 10 * time.Second
	}
	d := &Dispatcher{
		router: router,
		hub:    hub,
		client: &http.Client{Timeout: webhookTimeout},
		logger: slog.Default().With("component", "notify"),
		now:    func() time.Time { return time.Now().UTC() },
		queue:  make(chan Message, queueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.run()
	return d
}

// Notify enqueues a message. A full queue drops it.
func (d *Dispatcher) Notify(kind Kind, text string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.metrics.Notification(string(kind), "dropped")
		return
	}
	select {
	case d.queue <- Message{Kind: kind, Text: text, At: d.now()}:
	default:
		d.metrics.Notification(string(kind), "dropped")
		d.logger.Warn("notification queue full, dropping message", "kind", kind)
	}
}

// Close stops accepting messages and waits until queued ones are delivered or ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for msg := range d.queue {
		d.deliver(msg)
	}
}

func (d *Dispatcher) deliver(msg Message) {
	dest := ""
	if d.router != nil {
		dest = strings.TrimSpace(d.router.Destination(msg.Kind))
	}
	if dest == "" {
		d.metrics.Notification(string(msg.Kind), "unrouted")
		d.logger.Debug("no destination configured", "kind", msg.Kind)
		return
	}

	var err error
	if isWebhook(dest) {
		err = d.postWebhook(dest, msg)
	} else if d.hub != nil {
		d.hub.Publish(dest, msg)
	}
	if err != nil {
		d.metrics.Notification(string(msg.Kind), "failed")
		d.logger.Warn("notification delivery failed", "kind", msg.Kind, "destination", redact(dest), "error", err)
		return
	}
	d.metrics.Notification(string(msg.Kind), "delivered")
}

func (d *Dispatcher) postWebhook(url string, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func isWebhook(dest string) bool {
	return strings.HasPrefix(dest, "http://") || strings.HasPrefix(dest, "https://")
}

// redact keeps webhook secrets embedded in the path out of the logs.
func redact(dest string) string {
	if !isWebhook(dest) {
		return dest
	}
	rest := dest[strings.Index(dest, "//")+2:]
	if i := strings.Index(rest, "/"); i >= 0 {
		return dest[:strings.Index(dest, "//")+2] + rest[:i] + "/..."
	}
	return dest
}

// Discard is a Notifier that drops everything.
type Discard struct{}

func (Discard) Notify(Kind, string) {}
