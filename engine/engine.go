// Package engine builds every job board component from a jobboard.Config
// and owns their lifecycle. It sits above all subsystem packages and
// below the HTTP boundary and the CLI.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/jobboard"
	"github.com/xraph/jobboard/backoff"
	"github.com/xraph/jobboard/broker"
	"github.com/xraph/jobboard/broker/amqp"
	"github.com/xraph/jobboard/broker/redisq"
	"github.com/xraph/jobboard/catalog"
	"github.com/xraph/jobboard/catalog/bundle"
	"github.com/xraph/jobboard/catalog/importer"
	"github.com/xraph/jobboard/catalog/mirror"
	"github.com/xraph/jobboard/catalog/runner"
	"github.com/xraph/jobboard/cron"
	"github.com/xraph/jobboard/dispatch"
	"github.com/xraph/jobboard/id"
	"github.com/xraph/jobboard/job"
	mw "github.com/xraph/jobboard/middleware"
	"github.com/xraph/jobboard/observability"
	"github.com/xraph/jobboard/queue"
	"github.com/xraph/jobboard/status"
	"github.com/xraph/jobboard/store/memory"
	redisstore "github.com/xraph/jobboard/store/redis"
	"github.com/xraph/jobboard/stream"
	"github.com/xraph/jobboard/tasks"
	"github.com/xraph/jobboard/worker"
)

// Engine holds the wired components.
type Engine struct {
	cfg    jobboard.Config
	logger *slog.Logger

	redis    goredis.UniversalClient
	store    job.Store
	stream   *stream.Broker
	status   *status.Engine
	registry *job.Registry
	executor *worker.Executor
	pool     *worker.Pool
	queue    broker.Queue
	consumer *broker.Consumer
	dispatch *dispatch.Dispatcher
	catalog  *catalog.Registry
	mirror   *mirror.Postgres
	minio    *bundle.MinioStore
	runner   *runner.Runner
	importer *importer.Importer
	recorder *observability.Recorder
	cron     *cron.Scheduler

	// build inputs
	mws            []mw.Middleware
	queueConfigs   []queue.Config
	git            importer.GitRunner
	sleep          runner.SleepFunc
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	mu          sync.Mutex
	relayCancel context.CancelFunc
	relayDone   chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger passed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithStore replaces the store selected by Config.RedisURL.
func WithStore(s job.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithRedisClient uses client instead of dialing Config.RedisURL.
func WithRedisClient(client goredis.UniversalClient) Option {
	return func(e *Engine) { e.redis = client }
}

// WithQueue replaces the broker queue selected by Config.Broker.
func WithQueue(q broker.Queue) Option {
	return func(e *Engine) { e.queue = q }
}

// WithMiddleware appends m to the execution chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, m) }
}

// WithQueueConfig adds per-task admission limits to the pool.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(e *Engine) { e.queueConfigs = append(e.queueConfigs, configs...) }
}

// WithGitRunner replaces the git command runner used by imports.
func WithGitRunner(g importer.GitRunner) Option {
	return func(e *Engine) { e.git = g }
}

// WithSleep replaces the pause used by the built-in task bodies.
func WithSleep(fn runner.SleepFunc) Option {
	return func(e *Engine) { e.sleep = fn }
}

// WithTracerProvider sets the tracer provider for the tracing middleware.
// The global provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets the meter provider for the metrics middleware
// and the job recorder. The global provider is used otherwise.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// Build creates every component described by cfg. Connections are
// opened but nothing is started; call Check, then Start.
func Build(ctx context.Context, cfg jobboard.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:    cfg,
		logger: slog.Default(),
		sleep:  runner.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}

	steps := []func(context.Context) error{
		e.buildStore,
		e.buildStatus,
		e.buildCatalog,
		e.buildTasks,
		e.buildBackends,
		e.buildSchedules,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			_ = e.close() //nolint:errcheck // the build error wins
			return nil, err
		}
	}
	return e, nil
}

// ──────────────────────────────────────────────────
// Build steps
// ──────────────────────────────────────────────────

func (e *Engine) buildStore(_ context.Context) error {
	if e.redis == nil && e.cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(e.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("jobboard/engine: redis url: %w", err)
		}
		e.redis = goredis.NewClient(opts)
	}
	if e.store != nil {
		return nil
	}
	if e.redis != nil {
		e.store = redisstore.New(e.redis,
			redisstore.WithKeys(redisstore.Keys{Prefix: e.cfg.KeyPrefix, Index: e.cfg.IndexKey}),
			redisstore.WithLogger(e.logger),
		)
		return nil
	}
	e.logger.Warn("no redis_url configured, using in-memory job store")
	e.store = memory.New()
	return nil
}

func (e *Engine) buildStatus(_ context.Context) error {
	e.stream = stream.NewBroker(e.logger)

	if e.meterProvider != nil {
		e.recorder = observability.NewRecorderWithMeter(e.meterProvider.Meter("github.com/xraph/jobboard/observability"))
	} else {
		e.recorder = observability.NewRecorder()
	}

	// With Redis, upserts reach the local stream through the relay so
	// every process sees the same feed.
	var live status.Notifier = e.stream
	if e.redis != nil {
		live = redisstore.NewPublisher(e.redis, e.cfg.Channel)
	}

	e.status = status.New(e.store,
		status.WithNotifier(status.Notifiers{live, e.recorder}),
		status.WithTTL(e.cfg.JobTTL),
		status.WithLogger(e.logger),
	)
	return nil
}

func (e *Engine) buildCatalog(ctx context.Context) error {
	cc := e.cfg.Catalog
	opts := []catalog.Option{
		catalog.WithLocalRoot(cc.Root),
		catalog.WithWorkDir(cc.WorkDir),
		catalog.WithLogger(e.logger),
	}

	switch cc.Blob.Kind {
	case "minio":
		client, err := bundle.DialMinio(cc.Blob.Endpoint, cc.Blob.AccessKey, cc.Blob.SecretKey, cc.Blob.UseSSL)
		if err != nil {
			return err
		}
		e.minio = bundle.NewMinioStore(client, cc.Blob.Bucket)
		opts = append(opts, catalog.WithBlobStore(e.minio))
	default:
		if cc.Blob.Dir != "" {
			opts = append(opts, catalog.WithBlobStore(bundle.NewFSStore(cc.Blob.Dir)))
		}
	}

	if cc.MirrorDSN != "" {
		m, err := mirror.New(ctx, cc.MirrorDSN, mirror.WithLogger(e.logger))
		if err != nil {
			return err
		}
		e.mirror = m
		opts = append(opts, catalog.WithMirror(m))
	}

	e.catalog = catalog.New(cc.RegistryFile, opts...)
	if err := e.recorder.ObserveMirror(e.catalog); err != nil {
		e.logger.Warn("mirror metrics unavailable", slog.String("error", err.Error()))
	}
	return nil
}

func (e *Engine) buildTasks(_ context.Context) error {
	e.registry = job.NewRegistry()
	timeout := e.cfg.TaskTimeout

	loader := runner.Chain{
		runner.DefaultBuiltin(e.sleep),
		runner.NewSubprocess(e.cfg.Catalog.TaskInterpreters, runner.WithSubprocessLogger(e.logger)),
	}
	e.runner = runner.New(e.catalog, loader, runner.WithLogger(e.logger))
	e.runner.Register(e.registry, timeout)

	impOpts := []importer.Option{
		importer.WithLogger(e.logger),
		importer.WithStagingDir(e.cfg.Catalog.StagingDir),
	}
	if e.git != nil {
		impOpts = append(impOpts, importer.WithGitRunner(e.git))
	}
	e.importer = importer.New(e.catalog, impOpts...)
	e.importer.Register(e.registry, timeout)

	tasks.New(tasks.WithSleep(e.sleep), tasks.WithLogger(e.logger)).Register(e.registry, timeout)
	return nil
}

func (e *Engine) buildBackends(_ context.Context) error {
	var tracing, metrics mw.Middleware
	if e.tracerProvider != nil {
		tracing = mw.TracingWithTracer(e.tracerProvider.Tracer("github.com/xraph/jobboard"))
	} else {
		tracing = mw.Tracing()
	}
	if e.meterProvider != nil {
		metrics = mw.MetricsWithMeter(e.meterProvider.Meter("github.com/xraph/jobboard"))
	} else {
		metrics = mw.Metrics()
	}

	// recover → tracing → metrics → logging → identity → timeout → custom
	chain := []mw.Middleware{
		mw.Recover(e.logger),
		tracing,
		metrics,
		mw.Logging(e.logger),
		mw.Identity(),
		mw.Timeout(e.logger, e.registry, e.cfg.TaskTimeout),
	}
	chain = append(chain, e.mws...)
	e.executor = worker.NewExecutor(e.registry, e.status, e.logger, chain...)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(e.cfg.Concurrency),
		worker.WithQueueSize(e.cfg.PoolQueueSize),
	}
	if len(e.queueConfigs) > 0 {
		poolOpts = append(poolOpts, worker.WithQueueManager(queue.NewManager(e.queueConfigs...)))
	}
	e.pool = worker.NewPool(e.executor, e.logger, poolOpts...)

	if e.queue == nil {
		q, err := e.openQueue()
		if err != nil {
			return err
		}
		e.queue = q
	}

	routes := maps.Clone(e.cfg.Routes)
	dopts := []dispatch.Option{dispatch.WithBackend(e.pool), dispatch.WithLogger(e.logger)}
	if e.queue != nil {
		dopts = append(dopts, dispatch.WithBackend(broker.NewBackend(e.queue)))
		e.consumer = broker.NewConsumer(e.queue, e.executor,
			broker.WithConcurrency(e.cfg.Concurrency),
			broker.WithBackoff(backoff.DefaultStrategy()),
			broker.WithLogger(e.logger),
		)
	} else {
		for task, backend := range routes {
			if backend == jobboard.BackendBroker {
				routes[task] = jobboard.BackendPool
			}
		}
		e.logger.Warn("no broker available, broker-routed tasks run in the local pool")
	}
	dopts = append(dopts, dispatch.WithRoutes(routes))

	e.dispatch = dispatch.New(e.registry, e.status, dopts...)
	return e.dispatch.Validate()
}

func (e *Engine) buildSchedules(_ context.Context) error {
	if len(e.cfg.Schedules) == 0 {
		return nil
	}
	loc, err := time.LoadLocation(e.cfg.ScheduleTZ)
	if err != nil {
		return fmt.Errorf("jobboard/engine: schedule tz: %w", err)
	}

	var locker cron.Locker = cron.NewMemoryLocker()
	if e.redis != nil {
		locker = cron.NewRedisLocker(e.redis, "jobboard:cron:")
	}
	submit := func(ctx context.Context, task string, params json.RawMessage) (string, error) {
		rec, _, err := e.dispatch.Submit(ctx, dispatch.Request{Task: task, Params: params})
		if rec == nil {
			return "", err
		}
		return rec.ID, err
	}
	e.cron = cron.NewScheduler(submit, locker,
		cron.WithLocation(loc),
		cron.WithOwner(id.NewWorkerID().String()),
		cron.WithLogger(e.logger),
	)

	for _, sc := range e.cfg.Schedules {
		if !e.registry.Has(sc.Task) {
			return fmt.Errorf("jobboard/engine: schedule %q: %q: %w", sc.Name, sc.Task, jobboard.ErrUnknownTask)
		}
		var params json.RawMessage
		if sc.Params != nil {
			if params, err = json.Marshal(sc.Params); err != nil {
				return fmt.Errorf("jobboard/engine: schedule %q params: %w", sc.Name, err)
			}
		}
		if err := e.cron.Add(cron.Entry{Name: sc.Name, Schedule: sc.Spec, Task: sc.Task, Params: params}); err != nil {
			return err
		}
	}
	return nil
}

// openQueue returns the configured broker queue, or nil when no broker
// can be reached without Redis.
func (e *Engine) openQueue() (broker.Queue, error) {
	bc := e.cfg.Broker
	switch bc.Kind {
	case "amqp":
		q, err := amqp.New(bc.AMQPURL, bc.Queue,
			amqp.WithPollTimeout(bc.PollTimeout),
			amqp.WithLogger(e.logger),
		)
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		if e.redis == nil {
			return nil, nil
		}
		return redisq.New(e.redis, bc.Queue, redisq.WithPollTimeout(bc.PollTimeout)), nil
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Check verifies every external dependency concurrently: the job store,
// the mirror (migrating its schema) and the bundle bucket.
func (e *Engine) Check(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := e.store.Ping(gctx); err != nil {
			return fmt.Errorf("jobboard/engine: job store: %w", err)
		}
		return nil
	})
	if e.mirror != nil {
		g.Go(func() error {
			if err := e.mirror.Migrate(gctx); err != nil {
				return fmt.Errorf("jobboard/engine: catalog mirror: %w", err)
			}
			return nil
		})
	}
	if e.minio != nil {
		g.Go(func() error { return e.minio.EnsureBucket(gctx) })
	}
	return g.Wait()
}

// Start launches the worker pool, the cron scheduler when schedules are
// configured and, with Redis, the relay feeding the local event stream.
// It returns immediately.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.pool.Start(ctx); err != nil {
		return err
	}
	if e.cron != nil {
		if err := e.cron.Start(ctx); err != nil {
			return err
		}
	}
	if e.redis == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.relayCancel != nil {
		return nil
	}
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	e.relayCancel, e.relayDone = cancel, done

	relay := redisstore.NewRelay(e.redis, e.cfg.Channel, e.stream, e.logger)
	go func() {
		defer close(done)
		strategy := backoff.DefaultStrategy()
		for attempt := 1; ; attempt++ {
			err := relay.Run(rctx)
			if rctx.Err() != nil {
				return
			}
			if err != nil {
				e.logger.Error("event relay stopped", slog.String("error", err.Error()))
			}
			if backoff.Wait(rctx, strategy, attempt) != nil {
				return
			}
		}
	}()
	return nil
}

// RunConsumer consumes broker tasks until ctx is cancelled. Messages left
// in flight by a crashed Redis worker are requeued first.
func (e *Engine) RunConsumer(ctx context.Context) error {
	if e.consumer == nil {
		return fmt.Errorf("jobboard/engine: consumer: %w", jobboard.ErrNoBackend)
	}
	if q, ok := e.queue.(*redisq.Queue); ok {
		n, err := q.Recover(ctx)
		if err != nil {
			return fmt.Errorf("jobboard/engine: recover queue: %w", err)
		}
		if n > 0 {
			e.logger.Info("requeued unacknowledged tasks", slog.Int("count", n))
		}
	}
	return e.consumer.Run(ctx)
}

// Stop drains the pool within ctx and releases every connection.
func (e *Engine) Stop(ctx context.Context) error {
	var err error
	if e.cron != nil {
		err = e.cron.Stop(ctx)
	}
	err = errors.Join(err, e.pool.Stop(ctx))

	e.mu.Lock()
	cancel, done := e.relayCancel, e.relayDone
	e.relayCancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return errors.Join(err, e.close())
}

func (e *Engine) close() error {
	var errs []error
	if e.stream != nil {
		e.stream.Close()
	}
	if e.queue != nil {
		errs = append(errs, e.queue.Close())
	}
	if e.mirror != nil {
		errs = append(errs, e.mirror.Close())
	}
	if e.redis != nil {
		errs = append(errs, e.redis.Close())
	}
	return errors.Join(errs...)
}

// ShutdownTimeout returns the configured drain window.
func (e *Engine) ShutdownTimeout() time.Duration { return e.cfg.ShutdownTimeout }

// ──────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────

// Config returns the configuration the engine was built from.
func (e *Engine) Config() jobboard.Config { return e.cfg }

// Logger returns the engine's logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }

// Status returns the status engine.
func (e *Engine) Status() *status.Engine { return e.status }

// Dispatcher returns the task dispatcher.
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatch }

// Registry returns the task allow-list.
func (e *Engine) Registry() *job.Registry { return e.registry }

// Stream returns the local event stream.
func (e *Engine) Stream() *stream.Broker { return e.stream }

// Catalog returns the catalog registry.
func (e *Engine) Catalog() *catalog.Registry { return e.catalog }

// Importer returns the catalog importer.
func (e *Engine) Importer() *importer.Importer { return e.importer }

// Executor returns the task executor shared by the pool and consumer.
func (e *Engine) Executor() *worker.Executor { return e.executor }

// Pool returns the immediate backend.
func (e *Engine) Pool() *worker.Pool { return e.pool }

// Scheduler returns the cron scheduler, or nil without schedules.
func (e *Engine) Scheduler() *cron.Scheduler { return e.cron }

// HasBroker reports whether a deferred backend is configured.
func (e *Engine) HasBroker() bool { return e.queue != nil }
