package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/commerce-core/internal/core/domain"
	"github.com/rl1809/commerce-core/internal/pkg/metrics"
	"github.com/rl1809/commerce-core/internal/port"
)

var ErrDispatcherClosed = errors.New("dispatcher closed")

type Config struct {
	RetryAttempts uint
	RetryDelay    time.Duration
}

func DefaultConfig() Config {
	return Config{RetryAttempts: 3, RetryDelay: 100 * time.Millisecond}
}

type subscription struct {
	name   string
	handle port.EventHandler
}

// Dispatcher is an in-process event bus. Every subscriber of an event runs in
// its own goroutine and is retried on error, so one slow or failing handler
// never holds back the others.
type Dispatcher struct {
	cfg Config
	log logrus.FieldLogger

	mu     sync.RWMutex
	subs   map[domain.EventType][]subscription
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(cfg Config, log logrus.FieldLogger) *Dispatcher {
	def := DefaultConfig()
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	return &Dispatcher{
		cfg:  cfg,
		log:  log.WithField("component", "eventbus"),
		subs: make(map[domain.EventType][]subscription),
	}
}

func (d *Dispatcher) Subscribe(t domain.EventType, name string, handler port.EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs[t] = append(d.subs[t], subscription{name: name, handle: handler})
}

// Deliver runs the subscribers concurrently and waits for all of them. The
// first handler that gave up is returned; the others still run to the end.
// Handlers outlive the caller's context cancellation but keep its values.
func (d *Dispatcher) Deliver(ctx context.Context, event domain.Event) error {
	log := d.log.WithFields(logrus.Fields{"event_type": event.Type, "event_id": event.ID, "order_id": event.OrderID})

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return errors.Wrapf(ErrDispatcherClosed, "event %s", event.ID)
	}
	subs := d.subs[event.Type]
	d.wg.Add(1)
	d.mu.RUnlock()
	defer d.wg.Done()

	metrics.SagaEvents.WithLabelValues(string(event.Type)).Inc()
	if len(subs) == 0 {
		log.Debug("no subscribers")
		return nil
	}

	hctx := context.WithoutCancel(ctx)
	var g errgroup.Group
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			return d.deliver(hctx, sub, event, log.WithField("handler", sub.name))
		})
	}
	return g.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sub subscription, event domain.Event, log logrus.FieldLogger) error {
	err := retry.Do(
		func() error { return safeHandle(ctx, sub.handle, event) },
		retry.Context(ctx),
		retry.Attempts(d.cfg.RetryAttempts),
		retry.Delay(d.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).WithField("attempt", n+1).Debug("event handler failed, retrying")
		}),
	)
	if err != nil {
		log.WithError(err).Error("event handler gave up")
		return errors.Wrapf(err, "handler %s", sub.name)
	}
	return nil
}

func safeHandle(ctx context.Context, handle port.EventHandler, event domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("event handler panicked: %v", r)
		}
	}()
	return handle(ctx, event)
}

// Close rejects further events and waits for deliveries in flight.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
