package native

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	metricsbridge "github.com/wippyai/metrics-bridge"
	"github.com/wippyai/metrics-bridge/errors"
	"github.com/wippyai/metrics-bridge/ffi"
	"github.com/wippyai/metrics-bridge/handle"
	"github.com/wippyai/metrics-bridge/instrument"
)

type exports struct {
	initialize          api.Function
	create              api.Function
	setValue            api.Function
	destroy             api.Function
	collectPing         api.Function
	releaseBuffer       api.Function
	releaseErrorMessage api.Function
}

// Library is a loaded native core.
type Library struct {
	runtime     wazero.Runtime
	module      api.Module
	logger      *zap.Logger
	metrics     instrument.BoundaryMetrics
	mem         *ffi.MemoryWrapper
	alloc       *ffi.AllocatorWrapper
	handles     *handle.Table
	guest       *guest
	shared      *sharedGuest
	fns         exports
	mu          sync.Mutex
	initialized bool
	closed      bool
}

// Load compiles and instantiates the native core from wasm.
func Load(ctx context.Context, wasm []byte, cfg *Config) (*Library, error) {
	c := cfg.withDefaults()

	runtimeCfg := wazero.NewRuntimeConfig()
	if c.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(c.MemoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	lib, err := instantiate(ctx, rt, wasm, c)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	return lib, nil
}

func instantiate(ctx context.Context, rt wazero.Runtime, wasm []byte, c Config) (*Library, error) {
	if c.WASI && rt.Module(wasi_snapshot_preview1.ModuleName) == nil {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
			return nil, errors.Load("instantiate WASI", err)
		}
	}
	for i, hm := range c.HostModules {
		if err := hm(ctx, rt); err != nil {
			return nil, errors.Load(fmt.Sprintf("host module %d", i), err)
		}
	}

	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		return nil, errors.Load("compile failed", err)
	}
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(c.ModuleName))
	if err != nil {
		return nil, errors.Load("instantiate failed", err)
	}
	for _, hook := range c.OnInstantiate {
		if err := hook(ctx, mod); err != nil {
			return nil, errors.Load("instantiate hook", err)
		}
	}

	lib := &Library{
		runtime: rt,
		module:  mod,
		logger:  c.Logger.With(zap.String("module", c.ModuleName)),
		metrics: c.Metrics,
		handles: handle.NewTable(),
	}
	if err := lib.resolve(ctx); err != nil {
		return nil, err
	}
	lib.guest = &guest{lib: lib}
	lib.shared = &sharedGuest{lib: lib}

	lib.handles.Subscribe(handle.ObserverFunc(func(e handle.Event) {
		lib.metrics.LiveHandles(lib.handles.Len())
		lib.logger.Debug("handle "+e.Type.String(),
			zap.Stringer("handle", e.Handle),
			zap.String("metric", e.Info.Identifier()))
	}))

	lib.logger.Debug("native core loaded", zap.Uint32("memory_bytes", lib.mem.Size()))
	return lib, nil
}

func (l *Library) resolve(ctx context.Context) error {
	mod := l.module

	mem := mod.ExportedMemory(exportMemory)
	if mem == nil {
		return errors.NotFound(errors.PhaseLoad, "export", exportMemory)
	}
	l.mem = ffi.WrapMemory(mem)

	lookup := func(name string) (api.Function, error) {
		fn := mod.ExportedFunction(name)
		if fn == nil {
			return nil, errors.NotFound(errors.PhaseLoad, "export", name)
		}
		return fn, nil
	}

	allocFn, err := lookup(exportAlloc)
	if err != nil {
		return err
	}
	freeFn, err := lookup(exportFree)
	if err != nil {
		return err
	}
	l.alloc = ffi.WrapAllocator(ctx, allocFn, freeFn)

	targets := []struct {
		dst  *api.Function
		name string
	}{
		{&l.fns.initialize, exportInitialize},
		{&l.fns.create, exportCreate},
		{&l.fns.setValue, exportSetValue},
		{&l.fns.destroy, exportDestroy},
		{&l.fns.collectPing, exportCollectPing},
		{&l.fns.releaseBuffer, exportReleaseBuffer},
		{&l.fns.releaseErrorMessage, exportReleaseErrorMessage},
	}
	for _, t := range targets {
		fn, err := lookup(t.name)
		if err != nil {
			return err
		}
		*t.dst = fn
	}
	return nil
}

// Handles returns the library's handle table.
func (l *Library) Handles() *handle.Table {
	return l.handles
}

// Module returns the instantiated core module.
func (l *Library) Module() api.Module {
	return l.module
}

// Initialize encodes cfg into guest memory and initializes the core.
// A second call is rejected without reaching the core.
func (l *Library) Initialize(ctx context.Context, cfg ffi.NativeConfig) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(ctx); err != nil {
		return err
	}
	if l.initialized {
		err := errors.AlreadyInitialized("native core")
		err.Op = OpInitialize
		return err
	}

	ptr, allocs, err := ffi.EncodeConfig(l.mem, l.alloc, cfg)
	if err != nil {
		return err
	}
	defer allocs.FreeAndRelease(l.alloc)

	if _, err := l.call(ctx, OpInitialize, l.fns.initialize, uint64(ptr)); err != nil {
		return err
	}
	l.initialized = true
	l.logger.Info("native core initialized",
		zap.String("application_id", cfg.ApplicationID),
		zap.Bool("upload_enabled", cfg.UploadEnabled))
	return nil
}

// CreateMetric creates a metric and registers its handle as Live.
func (l *Library) CreateMetric(ctx context.Context, category, name string) (handle.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(ctx); err != nil {
		return 0, err
	}

	allocs := ffi.NewAllocationList()
	defer allocs.FreeAndRelease(l.alloc)

	catPtr, catLen, err := ffi.WriteString(l.mem, l.alloc, allocs, category)
	if err != nil {
		return 0, err
	}
	namePtr, nameLen, err := ffi.WriteString(l.mem, l.alloc, allocs, name)
	if err != nil {
		return 0, err
	}

	var raw uint64
	err = ffi.WithErrorSlot(ctx, l.guest, OpCreateMetric, func(slot uint32) error {
		res, err := l.call(ctx, OpCreateMetric, l.fns.create,
			uint64(catPtr), uint64(catLen), uint64(namePtr), uint64(nameLen), uint64(slot))
		if err != nil {
			return err
		}
		raw = res[0]
		return nil
	})
	if err != nil {
		l.failed(OpCreateMetric, err)
		return 0, err
	}

	h := handle.Handle(raw)
	if err := l.handles.Register(h, handle.Info{Category: category, Name: name}); err != nil {
		l.discard(ctx, h, err)
		return 0, err
	}
	return h, nil
}

// discard destroys a native metric the handle table refused, so the core
// does not keep it alive with no host token. l.mu must be held.
func (l *Library) discard(ctx context.Context, h handle.Handle, cause error) {
	if h == 0 {
		return
	}
	l.logger.Warn("destroying rejected native handle",
		zap.Stringer("handle", h),
		zap.Error(cause))

	err := ffi.WithErrorSlot(ctx, l.guest, OpDestroyMetric, func(slot uint32) error {
		_, err := l.call(ctx, OpDestroyMetric, l.fns.destroy, uint64(h), uint64(slot))
		return err
	})
	if err != nil {
		l.failed(OpDestroyMetric, err)
	}
}

// SetValue records value for the metric behind h.
func (l *Library) SetValue(ctx context.Context, h handle.Handle, value int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(ctx); err != nil {
		return err
	}
	l.handles.Acquire(OpSetValue, h)

	err := ffi.WithErrorSlot(ctx, l.guest, OpSetValue, func(slot uint32) error {
		_, err := l.call(ctx, OpSetValue, l.fns.setValue, uint64(h), uint64(value), uint64(slot))
		return err
	})
	if err != nil {
		l.failed(OpSetValue, err)
	}
	return err
}

// DestroyMetric destroys the metric behind h. The handle is Destroyed
// afterwards even if the core reports failure.
func (l *Library) DestroyMetric(ctx context.Context, h handle.Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(ctx); err != nil {
		return err
	}
	l.handles.Retire(OpDestroyMetric, h)

	err := ffi.WithErrorSlot(ctx, l.guest, OpDestroyMetric, func(slot uint32) error {
		_, err := l.call(ctx, OpDestroyMetric, l.fns.destroy, uint64(h), uint64(slot))
		return err
	})
	if err != nil {
		l.failed(OpDestroyMetric, err)
	}
	return err
}

// CollectPing asks the core to assemble the named ping.
func (l *Library) CollectPing(ctx context.Context, name string) (*ffi.Buffer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(ctx); err != nil {
		return nil, err
	}

	allocs := ffi.NewAllocationList()
	defer allocs.FreeAndRelease(l.alloc)

	namePtr, nameLen, err := ffi.WriteString(l.mem, l.alloc, allocs, name)
	if err != nil {
		return nil, err
	}
	desc, err := l.alloc.Alloc(ffi.BufferDescriptorSize, ffi.BufferDescriptorAlign)
	if err != nil {
		return nil, err
	}
	allocs.Add(desc, ffi.BufferDescriptorSize, ffi.BufferDescriptorAlign)
	if err := l.mem.Write(desc, make([]byte, ffi.BufferDescriptorSize)); err != nil {
		return nil, err
	}

	res, err := l.call(ctx, OpCollectPing, l.fns.collectPing, uint64(namePtr), uint64(nameLen), uint64(desc))
	if err != nil {
		return nil, err
	}
	if uint32(res[0]) == 0 {
		return nil, nil
	}
	data, length, err := ffi.ReadDescriptor(l.mem, desc)
	if err != nil {
		return nil, err
	}
	// The buffer outlives this call, so it goes through the locking view.
	return ffi.NewBuffer(l.shared, data, length), nil
}

// Close destroys the wazero runtime. Handles still Live are logged; the
// core's memory goes away with the runtime.
func (l *Library) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	if leaked := l.handles.Close(); len(leaked) > 0 {
		l.logger.Warn("closing native core with live handles", zap.Int("handles", len(leaked)))
	}
	return l.runtime.Close(ctx)
}

// enter prepares a boundary call. l.mu must be held.
func (l *Library) enter(ctx context.Context) error {
	if l.closed {
		return errors.Closed(errors.PhaseRuntime, "native core")
	}
	l.alloc.Ctx = ctx
	return nil
}

func (l *Library) call(ctx context.Context, op string, fn api.Function, args ...uint64) ([]uint64, error) {
	timer := l.metrics.NativeCall(op)
	defer timer.ObserveDuration()

	res, err := fn.Call(ctx, args...)
	if err != nil {
		return nil, errors.New(errors.PhaseRuntime, errors.KindNativeFailure).
			Op(op).
			Cause(err).
			Detail("native call trapped").
			Build()
	}
	return res, nil
}

func (l *Library) failed(op string, err error) {
	var code int32
	if be, ok := errors.AsBoundary(err); ok {
		code = be.Code
	}
	l.metrics.NativeFailure(op, code)
	l.logger.Debug("native call failed", zap.String("op", op), zap.Error(err))
}

// guest is the ffi.Boundary used inside Library calls, with l.mu held.
type guest struct {
	lib *Library
}

func (g *guest) Memory() metricsbridge.Memory       { return g.lib.mem }
func (g *guest) Allocator() metricsbridge.Allocator { return g.lib.alloc }

func (g *guest) ReleaseErrorMessage(ctx context.Context, slot uint32) error {
	_, err := g.lib.call(ctx, OpReleaseErrorMessage, g.lib.fns.releaseErrorMessage, uint64(slot))
	return err
}

func (g *guest) ReleaseBuffer(ctx context.Context, data, length uint32) error {
	_, err := g.lib.call(ctx, OpReleaseBuffer, g.lib.fns.releaseBuffer, uint64(data), uint64(length))
	return err
}
