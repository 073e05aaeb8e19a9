package durable

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nvcnvn/durable/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Engine queues, leases and replays workflows over a Store.
//
// Any number of engines, in one process or many, may share a Store. They
// coordinate only through the store's lease protocol.
//
// Example:
//
//	store, err := durable.OpenSQLiteStore("durable.db")
//	if err != nil {
//		log.Fatal(err)
//	}
//	reg := durable.NewRegistry()
//	send := durable.MustRegister(reg, SendWorkflow{}, durable.WithActivity("sendMail", sendMail))
//	eng := durable.New(store, reg, durable.WithLogger(logger))
//	id, err := send.Queue(ctx, eng, "a@example.com")
//	go eng.Start(ctx, "")
type Engine struct {
	store    Store
	registry *Registry

	clock    Clock
	codec    Codec
	logger   *zap.Logger
	waiter   *Waiter
	notifier Notifier
	metrics  *metrics.Collector
	services ServiceFactory

	metricsRegisterer prometheus.Registerer

	preserveTime       time.Duration
	failedPreserveTime time.Duration
	idleTimeout        time.Duration
	leaseDuration      time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, e.g. with a ManualClock in tests.
func WithClock(c Clock) Option {
	return func(eng *Engine) { eng.clock = c }
}

// WithLogger sets the structured logger. Default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithCodec sets the codec for inputs, outputs and activity arguments.
// If not set, JSONCodec is used. The Postgres store requires JSON output.
func WithCodec(c Codec) Option {
	return func(eng *Engine) { eng.codec = c }
}

// WithPreserveTime sets how long done workflows are retained.
func WithPreserveTime(d time.Duration) Option {
	return func(eng *Engine) { eng.preserveTime = d }
}

// WithFailedPreserveTime sets how long failed workflows are retained.
func WithFailedPreserveTime(d time.Duration) Option {
	return func(eng *Engine) { eng.failedPreserveTime = d }
}

// WithIdleTimeout sets how long Start sleeps when nothing was due.
func WithIdleTimeout(d time.Duration) Option {
	return func(eng *Engine) { eng.idleTimeout = d }
}

// WithLeaseDuration sets how long a dequeued workflow stays claimed.
func WithLeaseDuration(d time.Duration) Option {
	return func(eng *Engine) { eng.leaseDuration = d }
}

// WithWaiter replaces the process-wide Waiter.
func WithWaiter(w *Waiter) Option {
	return func(eng *Engine) { eng.waiter = w }
}

// WithNotifier publishes wake hints to, and receives them from, other processes.
func WithNotifier(n Notifier) Option {
	return func(eng *Engine) { eng.notifier = n }
}

// WithMetrics registers engine metrics on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(eng *Engine) { eng.metricsRegisterer = reg }
}

// WithServices sets the factory for per-run activity services.
func WithServices(f ServiceFactory) Option {
	return func(eng *Engine) { eng.services = f }
}

// New returns an Engine running the workflows of reg over store.
func New(store Store, reg *Registry, opts ...Option) *Engine {
	eng := &Engine{
		store:              store,
		registry:           reg,
		clock:              SystemClock{},
		codec:              JSONCodec{},
		logger:             zap.NewNop(),
		waiter:             DefaultWaiter(),
		preserveTime:       PreserveTime,
		failedPreserveTime: FailedPreserveTime,
		idleTimeout:        DefaultIdleTimeout,
		leaseDuration:      LeaseDuration,
	}
	for _, opt := range opts {
		opt(eng)
	}
	eng.logger = eng.logger.With(zap.String("component", "durable"))
	if eng.metricsRegisterer != nil {
		eng.metrics = metrics.NewCollector("durable", eng.metricsRegisterer, eng.logger)
	}
	return eng
}

// Store returns the underlying storage.
func (eng *Engine) Store() Store {
	return eng.store
}

// Registry returns the workflow registry.
func (eng *Engine) Registry() *Registry {
	return eng.registry
}

// now is the engine's notion of wall time, at the millisecond precision
// every store keeps.
func (eng *Engine) now() time.Time {
	return eng.clock.Now().UTC().Truncate(time.Millisecond)
}

func (eng *Engine) decodeEvent(data []byte) (*Event, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &ev, nil
}
