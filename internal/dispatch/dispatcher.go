// Package dispatch realizes freshly created notifications across their
// configured delivery methods: in_app through the event router, everything
// else through external transports with bounded retry.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/kolapsis/beacon/internal/hub"
	"github.com/kolapsis/beacon/internal/store"
)

// Transport delivers a notification through one external channel (email,
// push, sms). Implementations live with the delivery providers; beacon only
// depends on this narrow interface.
type Transport interface {
	Deliver(ctx context.Context, n store.Notification) error
}

// Options tunes retry behavior.
type Options struct {
	MaxRetries int
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// Dispatcher fans one notification out over its delivery methods. in_app is
// synchronous and best-effort: the durable record is the source of truth for
// "was this created", not "was this seen live". External methods run
// asynchronously with exponential backoff; exhausting retries marks the
// method failed without touching the notification record itself.
//
// External deliveries run on the dispatcher's own lifecycle context, not the
// producer's: an intake request that already got its 202 must not cancel the
// retries it triggered. Close ends the lifecycle.
type Dispatcher struct {
	store      store.Store
	router     *hub.Router
	maxRetries int
	backoffMin time.Duration
	backoffMax time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	transports map[string]Transport

	wg    sync.WaitGroup
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Dispatcher over the given store and router.
func New(st store.Store, router *hub.Router, opts Options) *Dispatcher {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = 500 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:      st,
		router:     router,
		maxRetries: opts.MaxRetries,
		backoffMin: opts.BackoffMin,
		backoffMax: opts.BackoffMax,
		ctx:        ctx,
		cancel:     cancel,
		transports: make(map[string]Transport),
		sleep:      sleepCtx,
	}
}

// RegisterTransport wires an external transport for a delivery method.
func (d *Dispatcher) RegisterTransport(method string, t Transport) {
	d.mu.Lock()
	d.transports[method] = t
	d.mu.Unlock()
}

// SetSleep overrides the retry sleeper. Test hook.
func (d *Dispatcher) SetSleep(fn func(ctx context.Context, wait time.Duration) error) {
	d.sleep = fn
}

// notificationPayload is the in_app wire payload for a created notification.
type notificationPayload struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Priority string `json:"priority"`
}

// Dispatch realizes the notification across its configured methods. The
// in_app push happens before returning; external transports are handed off
// to goroutines tracked by Wait.
func (d *Dispatcher) Dispatch(n store.Notification) {
	for _, method := range n.Methods {
		if method == store.MethodInApp {
			d.deliverInApp(n)
			continue
		}

		d.mu.RLock()
		transport, ok := d.transports[method]
		d.mu.RUnlock()
		if !ok {
			slog.Warn("no transport for delivery method",
				"notification_id", n.ID,
				"method", method)
			d.setState(n.ID, method, store.StateFailed)
			continue
		}

		d.wg.Add(1)
		go func(method string, transport Transport) {
			defer d.wg.Done()
			d.deliverExternal(n, method, transport)
		}(method, transport)
	}
}

// deliverInApp routes a notification.created event to the recipient's open
// sessions. Marked delivered immediately: reaching zero live connections is
// not a failure, the client recovers via the query API.
func (d *Dispatcher) deliverInApp(n store.Notification) {
	payload, err := json.Marshal(notificationPayload{
		ID:       n.ID,
		Type:     n.Type,
		Title:    n.Title,
		Message:  n.Message,
		Priority: n.Priority,
	})
	if err != nil {
		slog.Error("serializing notification payload", "notification_id", n.ID, "error", err)
		d.setState(n.ID, store.MethodInApp, store.StateFailed)
		return
	}

	if _, err := d.router.Route(hub.Event{
		BrandID:    n.BrandID,
		EntityType: "notification",
		EntityID:   n.ID,
		Kind:       "notification.created",
		Payload:    payload,
		Recipients: []string{n.RecipientID},
	}); err != nil {
		slog.Error("routing notification", "notification_id", n.ID, "error", err)
	}

	d.setState(n.ID, store.MethodInApp, store.StateDelivered)
}

// deliverExternal hands the notification to a transport, retrying with
// exponential backoff. Exhausted retries surface as a failed method state,
// never as a fatal error: the persisted record stays available for polling.
func (d *Dispatcher) deliverExternal(n store.Notification, method string, transport Transport) {
	b := &backoff.Backoff{
		Min:    d.backoffMin,
		Max:    d.backoffMax,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			if err := d.sleep(d.ctx, b.Duration()); err != nil {
				lastErr = err
				break
			}
		}

		if lastErr = transport.Deliver(d.ctx, n); lastErr == nil {
			d.setState(n.ID, method, store.StateDelivered)
			return
		}

		slog.Warn("transport delivery failed",
			"notification_id", n.ID,
			"method", method,
			"attempt", attempt+1,
			"error", lastErr)
	}

	slog.Error("delivery method exhausted retries",
		"notification_id", n.ID,
		"method", method,
		"retries", d.maxRetries,
		"error", lastErr)
	d.setState(n.ID, method, store.StateFailed)
}

func (d *Dispatcher) setState(id, method string, state store.DeliveryState) {
	if err := d.store.SetDeliveryState(id, method, state); err != nil {
		slog.Error("recording delivery state",
			"notification_id", id,
			"method", method,
			"state", state,
			"error", err)
	}
}

// Wait blocks until every in-flight external delivery finishes.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close cancels the delivery lifecycle and waits for in-flight goroutines to
// record their final state. Called on graceful shutdown.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

func sleepCtx(ctx context.Context, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("delivery cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
