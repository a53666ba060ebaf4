package bridge

import (
	"context"
	"sync/atomic"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/wippyai/metrics-bridge/config"
	"github.com/wippyai/metrics-bridge/dispatcher"
	"github.com/wippyai/metrics-bridge/errors"
	"github.com/wippyai/metrics-bridge/ffi"
	"github.com/wippyai/metrics-bridge/instrument"
	promadapter "github.com/wippyai/metrics-bridge/instrument/prometheus"
	"github.com/wippyai/metrics-bridge/native"
	"github.com/wippyai/metrics-bridge/ping"
	"github.com/wippyai/metrics-bridge/taskqueue"
)

// Lifecycle of a bridge.
const (
	stateNew int32 = iota
	stateInitializing
	stateReady
	stateShutdown
)

// Option configures a Bridge.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	metrics   instrument.Metrics
	id        string
	testing   bool
	noPreInit bool
}

// WithLogger sets the bridge's logger. The dispatcher and its queue share it.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the dispatcher and queue instrumentation.
func WithMetrics(m instrument.Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTestingMode runs every operation on the caller.
func WithTestingMode(enabled bool) Option {
	return func(o *options) {
		o.testing = enabled
	}
}

// WithoutPreInitQueue disables capture of operations issued before
// Initialize. Such operations are logged and dropped.
func WithoutPreInitQueue() Option {
	return func(o *options) {
		o.noPreInit = true
	}
}

// WithID overrides the generated bridge ID used in logs.
func WithID(id string) Option {
	return func(o *options) {
		if id != "" {
			o.id = id
		}
	}
}

// Bridge is the context object for one native core.
type Bridge struct {
	core     native.Core
	disp     *dispatcher.Dispatcher
	logger   *zap.Logger
	id       string
	state    atomic.Int32
	queueing bool
}

// New creates a bridge over core. The bridge owns core from here on and
// closes it on Shutdown.
func New(core native.Core, opts ...Option) *Bridge {
	o := options{
		logger:  Logger(),
		metrics: instrument.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = "bridge-" + gonanoid.Must(8)
	}

	l := o.logger.With(zap.String("bridge", o.id))
	b := &Bridge{
		core:     core,
		logger:   l,
		id:       o.id,
		queueing: !o.noPreInit,
		disp: dispatcher.New(
			dispatcher.WithLogger(l),
			dispatcher.WithMetrics(o.metrics),
			dispatcher.WithTestingMode(o.testing),
		),
	}
	if !b.queueing {
		// Nothing to capture: open the queue right away.
		_ = b.disp.Flush(context.Background())
	}
	l.Debug("bridge created", zap.Bool("preinit_queue", b.queueing), zap.Bool("testing", o.testing))
	return b
}

// FromConfig creates a bridge configured by cfg's dispatcher section. When
// instrumentation is enabled the collectors are registered with reg.
func FromConfig(core native.Core, cfg *config.Config, reg prometheus.Registerer, opts ...Option) *Bridge {
	base := []Option{WithTestingMode(cfg.Dispatcher.TestingMode)}
	if !cfg.Dispatcher.PreInitQueue {
		base = append(base, WithoutPreInitQueue())
	}
	if cfg.Dispatcher.Instrumentation && reg != nil {
		base = append(base, WithMetrics(promadapter.New(reg)))
	}
	return New(core, append(base, opts...)...)
}

// ID returns the bridge's identifier.
func (b *Bridge) ID() string { return b.id }

// Ready reports whether Initialize completed.
func (b *Bridge) Ready() bool { return b.state.Load() == stateReady }

// Initialize hands cfg to the native core and then replays every captured
// operation in order. It blocks until the replay completed or ctx is done.
//
// A second call is logged and ignored. If the core rejects cfg the bridge
// stays uninitialized, captured operations stay captured and Initialize
// may be retried.
func (b *Bridge) Initialize(ctx context.Context, cfg ffi.NativeConfig) error {
	if !b.state.CompareAndSwap(stateNew, stateInitializing) {
		b.logger.Warn("initialize called twice, ignoring")
		return nil
	}

	if err := b.core.Initialize(ctx, cfg); err != nil {
		b.state.CompareAndSwap(stateInitializing, stateNew)
		b.logger.Error("native core initialization failed", zap.Error(err))
		return err
	}
	if !b.state.CompareAndSwap(stateInitializing, stateReady) {
		return errors.Closed(errors.PhaseInit, "bridge")
	}
	b.logger.Info("native core initialized", zap.String("application_id", cfg.ApplicationID))

	if !b.queueing {
		return nil
	}
	return b.disp.Flush(ctx)
}

// Launch schedules op against the core.
func (b *Bridge) Launch(op dispatcher.Operation) *dispatcher.Job {
	if b.state.Load() == stateShutdown {
		b.logger.Warn("launch after shutdown ignored")
		return dispatcher.Rejected(errors.Closed(errors.PhaseDispatch, "bridge"))
	}
	if !b.queueing && !b.Ready() {
		b.logger.Warn("operation before initialize dropped")
		return dispatcher.Rejected(errors.NotInitialized(errors.PhaseDispatch, "bridge"))
	}
	return b.disp.Launch(op)
}

// EnqueueOrRun submits a raw task. It reports whether the task was
// captured for replay.
func (b *Bridge) EnqueueOrRun(task taskqueue.Task) bool {
	if !b.queueing && !b.Ready() {
		b.logger.Warn("task before initialize dropped")
		return false
	}
	return b.disp.EnqueueOrRun(task)
}

// Flush waits until every operation launched so far completed. Before
// Initialize it returns immediately; captured operations only run after
// the core is ready.
func (b *Bridge) Flush(ctx context.Context) error {
	if !b.Ready() {
		return nil
	}
	return b.disp.Sync(ctx)
}

// SetTestingMode switches the dispatcher between asynchronous and testing
// mode. It must not be called concurrently with operations of the other
// mode.
func (b *Bridge) SetTestingMode(enabled bool) {
	b.disp.SetTestingMode(enabled)
}

// Dispatcher exposes the bridge's dispatcher.
func (b *Bridge) Dispatcher() *dispatcher.Dispatcher { return b.disp }

// CollectPing assembles the named ping after every previously launched
// operation ran. It returns nil when the core has nothing to send.
func (b *Bridge) CollectPing(ctx context.Context, name string) (*ping.Payload, error) {
	var out *ping.Payload
	job := b.Launch(func(ctx context.Context) error {
		buf, err := b.core.CollectPing(ctx, name)
		if err != nil || buf == nil {
			return err
		}
		data, err := buf.CopyAndRelease(ctx)
		if err != nil {
			return err
		}
		out, err = ping.Decode(data)
		return err
	})
	if err := job.Wait(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// Shutdown stops accepting operations, runs every accepted one and closes
// the native core. Captured operations of a bridge that never initialized
// do not run; their Jobs fail with a closed error.
func (b *Bridge) Shutdown(ctx context.Context) error {
	if prev := b.state.Swap(stateShutdown); prev == stateShutdown {
		return nil
	}
	if err := b.disp.Close(ctx); err != nil {
		return err
	}
	if err := b.core.Close(ctx); err != nil {
		return err
	}
	b.logger.Debug("bridge shut down")
	return nil
}
