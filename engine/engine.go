package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	querydispatch "github.com/CDCgov/nhsnlink-sub007"
	"github.com/CDCgov/nhsnlink-sub007/cron"
	"github.com/CDCgov/nhsnlink-sub007/dlq"
	"github.com/CDCgov/nhsnlink-sub007/ext"
	"github.com/CDCgov/nhsnlink-sub007/facility"
	"github.com/CDCgov/nhsnlink-sub007/frequency"
	"github.com/CDCgov/nhsnlink-sub007/ingest"
	mw "github.com/CDCgov/nhsnlink-sub007/middleware"
	"github.com/CDCgov/nhsnlink-sub007/observability"
	"github.com/CDCgov/nhsnlink-sub007/patient"
	"github.com/CDCgov/nhsnlink-sub007/queue"
	"github.com/CDCgov/nhsnlink-sub007/report"
	"github.com/CDCgov/nhsnlink-sub007/retry"
	"github.com/CDCgov/nhsnlink-sub007/roster"
	"github.com/CDCgov/nhsnlink-sub007/sink"
	"github.com/CDCgov/nhsnlink-sub007/store"
	"github.com/CDCgov/nhsnlink-sub007/worker"
)

const instrumentationName = "github.com/CDCgov/nhsnlink-sub007"

// Periodic task names.
const (
	TaskSweep   = "sweep"
	TaskFire    = "fire"
	TaskRefresh = "config-refresh"
)

// Engine is the schedule engine.
type Engine struct {
	config querydispatch.Config
	logger *slog.Logger
	now    func() time.Time

	reports     report.Store
	dispatches  patient.Store
	attempts    retry.Store
	deadLetters dlq.Store

	tracker    *report.Tracker
	dispatcher *patient.Coordinator
	retries    *retry.Coordinator
	dlqService *dlq.Service
	resolver   *frequency.Resolver

	extensions *ext.Registry
	mws        []mw.Middleware
	executor   *worker.Executor
	pool       *worker.Pool
	scheduler  *cron.Scheduler
	throttle   *queue.Manager
	limits     []queue.FacilityConfig

	sink       sink.Sink
	roster     roster.Provider
	source     ingest.Source
	facilities facility.Provider

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	mu     sync.RWMutex
	active map[string]*facility.Compiled

	runMu   sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(c querydispatch.Config) Option {
	return func(e *Engine) { e.config = c }
}

// WithLogger sets the logger shared by every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source. Tests use it to drive period
// boundaries and fire times deterministically.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithStore sets every repository from one backend.
func WithStore(s store.Store) Option {
	return func(e *Engine) {
		e.reports = s.Reports()
		e.dispatches = s.Dispatches()
		e.attempts = s.Attempts()
		e.deadLetters = s.DeadLetters()
	}
}

// WithReports sets the scheduled report repository.
func WithReports(s report.Store) Option {
	return func(e *Engine) { e.reports = s }
}

// WithDispatches sets the patient dispatch repository.
func WithDispatches(s patient.Store) Option {
	return func(e *Engine) { e.dispatches = s }
}

// WithAttempts sets the retry ledger repository.
func WithAttempts(s retry.Store) Option {
	return func(e *Engine) { e.attempts = s }
}

// WithDeadLetters sets the dead-letter repository.
func WithDeadLetters(s dlq.Store) Option {
	return func(e *Engine) { e.deadLetters = s }
}

// WithSink sets the outbound dispatch sink.
func WithSink(s sink.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithRoster sets the census collaborator used for period-end fan-out.
// Without one, period-end schedules create no dispatches.
func WithRoster(p roster.Provider) Option {
	return func(e *Engine) { e.roster = p }
}

// WithSource sets the inbound stream. Start runs no consume loop without
// one.
func WithSource(s ingest.Source) Option {
	return func(e *Engine) { e.source = s }
}

// WithFacilities sets the configuration collaborator. Start applies its
// snapshot and reloads it on Config.RefreshSchedule.
func WithFacilities(p facility.Provider) Option {
	return func(e *Engine) { e.facilities = p }
}

// WithExtension registers an extension with the engine.
func WithExtension(x ext.Extension) Option {
	return func(e *Engine) { e.extensions.Register(x) }
}

// WithMiddleware appends middleware after the default chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, m) }
}

// WithQueueLimits sets per-facility emission limits. Facilities not listed
// use Config.EmitRate and Config.EmitBurst.
func WithQueueLimits(limits ...queue.FacilityConfig) Option {
	return func(e *Engine) { e.limits = append(e.limits, limits...) }
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// Both the metrics middleware and the observability extension use it.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// New creates an Engine. Every repository and a sink are required.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		config: querydispatch.DefaultConfig(),
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		active: make(map[string]*facility.Compiled),
	}
	// The registry exists before options run so WithExtension can use it;
	// its logger is replaced below once WithLogger has been applied.
	e.extensions = ext.NewRegistry(e.logger)

	for _, opt := range opts {
		opt(e)
	}

	if e.reports == nil || e.dispatches == nil || e.attempts == nil || e.deadLetters == nil {
		return nil, querydispatch.ErrNoStore
	}
	if e.sink == nil {
		return nil, querydispatch.ErrNoSink
	}
	settings := retry.SettingsFromConfig(e.config)
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("engine: retry settings: %w", err)
	}

	registered := e.extensions.Extensions()
	e.extensions = ext.NewRegistry(e.logger)

	// Register the observability metrics extension first.
	var obsExt *observability.MetricsExtension
	if e.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(e.meterProvider.Meter(instrumentationName + "/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	e.extensions.Register(obsExt)
	for _, x := range registered {
		e.extensions.Register(x)
	}

	e.resolver = frequency.NewResolver(
		frequency.WithWeekStart(e.config.WeekStart),
		frequency.WithLocation(e.config.Location()),
	)
	e.tracker = report.NewTracker(e.reports,
		report.WithEmitter(e.extensions),
		report.WithLogger(e.logger),
		report.WithClock(e.now),
	)
	e.dispatcher = patient.NewCoordinator(e.dispatches, e.tracker,
		patient.WithEmitter(e.extensions),
		patient.WithLogger(e.logger),
		patient.WithClock(e.now),
	)
	e.retries = retry.NewCoordinator(e.attempts, settings,
		retry.WithLogger(e.logger),
		retry.WithClock(e.now),
	)
	e.dlqService = dlq.NewService(e.deadLetters)

	e.throttle = queue.NewManager(queue.WithDefault(queue.Limit{
		Rate:  e.config.EmitRate,
		Burst: e.config.EmitBurst,
	}))
	for _, l := range e.limits {
		e.throttle.Set(l)
	}

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if e.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(e.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if e.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(e.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging → scope → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(e.logger),
		tracingMw,
		metricsMw,
		mw.Logging(e.logger),
		mw.Scope(),
		mw.Timeout(e.config.HandlerTimeout),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(e.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, e.mws...)

	e.executor = worker.NewExecutor(e.route, outcome{e}, e.logger, allMws...)
	e.pool = worker.NewPool(
		worker.WithShards(e.config.Workers),
		worker.WithQueueDepth(e.config.QueueDepth),
		worker.WithLogger(e.logger),
	)

	e.scheduler = cron.NewScheduler(e.logger,
		cron.WithClock(e.now),
		cron.WithEmitter(e.extensions),
	)
	if err := e.scheduler.Add(TaskSweep, e.config.SweepSchedule, e.sweepTask); err != nil {
		return nil, fmt.Errorf("engine: sweep schedule: %w", err)
	}
	if err := e.scheduler.Add(TaskFire, fireSchedule(e.config.FireInterval), e.fireTask); err != nil {
		return nil, fmt.Errorf("engine: fire schedule: %w", err)
	}
	if e.facilities != nil {
		if err := e.scheduler.Add(TaskRefresh, e.config.RefreshSchedule, e.refreshTask); err != nil {
			return nil, fmt.Errorf("engine: refresh schedule: %w", err)
		}
	}

	return e, nil
}

// fireSchedule turns the poll interval into a cron descriptor.
func fireSchedule(d time.Duration) string {
	if d <= 0 {
		d = time.Second
	}
	return "@every " + d.String()
}

// Start applies the configuration snapshot, reconciles orphaned dispatches
// and starts the consume loop and periodic tasks. It returns once the loops
// are running; Stop shuts them down.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.started {
		return querydispatch.ErrAlreadyStarted
	}

	if e.facilities != nil {
		if err := e.Refresh(ctx); err != nil {
			return fmt.Errorf("engine: initial configuration: %w", err)
		}
	}
	if n, err := e.ReconcileOrphans(ctx); err != nil {
		e.logger.Warn("orphan reconciliation failed", slog.String("error", err.Error()))
	} else if n > 0 {
		e.logger.Info("suppressed orphaned dispatches", slog.Int("count", n))
	}

	if err := e.pool.Start(ctx); err != nil {
		return fmt.Errorf("engine: start pool: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return e.scheduler.Run(gctx) })
	if e.source != nil {
		g.Go(func() error { return e.consume(gctx) })
	}

	e.cancel = cancel
	e.group = g
	e.started = true

	e.logger.Info("engine started",
		slog.String("worker_id", e.pool.WorkerID().String()),
		slog.Int("shards", e.pool.Shards()),
		slog.Bool("consuming", e.source != nil),
	)
	return nil
}

// Stop cancels the loops, drains in-flight messages and notifies
// extensions. ctx bounds the wait.
func (e *Engine) Stop(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if !e.started {
		return nil
	}
	e.started = false
	e.cancel()

	done := make(chan error, 1)
	go func() { done <- e.group.Wait() }()

	var errs []error
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("engine: stop loops: %w", ctx.Err()))
	}

	if err := e.pool.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine: stop pool: %w", err))
	}

	e.extensions.EmitShutdown(ctx)
	e.logger.Info("engine stopped")
	return errors.Join(errs...)
}

// consume fetches messages and submits each one to the pool shard owning its
// partition key.
func (e *Engine) consume(ctx context.Context) error {
	for {
		m, err := e.source.Fetch(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil, errors.Is(err, ingest.ErrClosed):
			return nil
		default:
			e.logger.Error("fetch failed", slog.String("error", err.Error()))
			if !sleep(ctx, e.config.FireInterval) {
				return nil
			}
			continue
		}

		if err := e.pool.Submit(ctx, partitionKey(m), func(ctx context.Context) {
			if err := e.HandleMessage(ctx, m); err != nil {
				e.logger.Error("message outcome failed",
					slog.String("topic", m.Topic),
					slog.Int64("offset", m.Offset),
					slog.String("error", err.Error()),
				)
			}
		}); err != nil {
			if ctx.Err() != nil || errors.Is(err, worker.ErrPoolStopped) {
				return nil
			}
			return fmt.Errorf("engine: submit: %w", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (e *Engine) sweepTask(ctx context.Context, now time.Time) error {
	err := e.Sweep(ctx, now)
	if e.config.LedgerRetention > 0 {
		n, pruneErr := e.retries.Prune(ctx, now.Add(-e.config.LedgerRetention))
		if n > 0 {
			e.logger.Debug("retry ledger pruned", slog.Int("removed", n))
		}
		err = errors.Join(err, pruneErr)
	}
	return err
}

func (e *Engine) fireTask(ctx context.Context, now time.Time) error {
	_, err := e.FireDue(ctx, now)
	return err
}

func (e *Engine) refreshTask(ctx context.Context, _ time.Time) error {
	return e.Refresh(ctx)
}

// escalate reports an operation that exhausted retry.Do.
func (e *Engine) escalate(ctx context.Context, err error) {
	var esc *retry.EscalationError
	if !errors.As(err, &esc) {
		return
	}
	e.logger.Error("operation escalated",
		slog.String("op", esc.Op),
		slog.Int("attempts", esc.Attempts),
		slog.String("error", esc.Err.Error()),
	)
	e.extensions.EmitEscalated(ctx, esc.Op, esc.Err)
}

// Config returns the engine configuration.
func (e *Engine) Config() querydispatch.Config { return e.config }

// Extensions returns the extension registry.
func (e *Engine) Extensions() *ext.Registry { return e.extensions }

// Tracker returns the report period tracker.
func (e *Engine) Tracker() *report.Tracker { return e.tracker }

// Dispatcher returns the patient dispatch coordinator.
func (e *Engine) Dispatcher() *patient.Coordinator { return e.dispatcher }

// Retries returns the retry coordinator.
func (e *Engine) Retries() *retry.Coordinator { return e.retries }

// DLQService returns the engine's DLQ service for replay and inspection.
func (e *Engine) DLQService() *dlq.Service { return e.dlqService }

// Resolver returns the period resolver configured from WeekStart and
// Timezone.
func (e *Engine) Resolver() *frequency.Resolver { return e.resolver }

// Scheduler returns the periodic task scheduler.
func (e *Engine) Scheduler() *cron.Scheduler { return e.scheduler }

// QueueManager returns the per-facility emission throttle.
func (e *Engine) QueueManager() *queue.Manager { return e.throttle }
