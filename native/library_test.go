package native

import (
	"context"
	"sync"
	"testing"

	"github.com/wippyai/metrics-bridge/errors"
	"github.com/wippyai/metrics-bridge/ffi"
	"github.com/wippyai/metrics-bridge/handle"
	"github.com/wippyai/metrics-bridge/nativemock"
	"github.com/wippyai/metrics-bridge/ping"
)

func load(t *testing.T, cfg *Config) (*Library, *nativemock.Core) {
	t.Helper()
	ctx := context.Background()
	core := nativemock.New()

	if cfg == nil {
		cfg = &Config{}
	}
	cfg.HostModules = append(cfg.HostModules, core.Register)
	cfg.OnInstantiate = append(cfg.OnInstantiate, core.Bind)

	lib, err := Load(ctx, nativemock.Shell(), cfg)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	t.Cleanup(func() { lib.Close(ctx) })
	return lib, core
}

func initialized(t *testing.T) (*Library, *nativemock.Core) {
	t.Helper()
	lib, core := load(t, nil)
	if err := lib.Initialize(context.Background(), ffi.NativeConfig{
		DataPath:      "/tmp/metrics",
		ApplicationID: "org.example.test",
	}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return lib, core
}

func assertClean(t *testing.T, core *nativemock.Core) {
	t.Helper()
	if leaks := core.Leaks(); len(leaks) != 0 {
		t.Errorf("leaked guest allocations: %v", leaks)
	}
	if msgs, bufs := core.Outstanding(); msgs != 0 || bufs != 0 {
		t.Errorf("outstanding messages=%d buffers=%d", msgs, bufs)
	}
	if v := core.Violations(); len(v) != 0 {
		t.Errorf("native side saw violations: %v", v)
	}
}

func expectViolation(t *testing.T, kind errors.Kind, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatalf("expected %s violation, got none", kind)
		}
		v, ok := errors.AsViolation(r)
		if !ok {
			t.Fatalf("expected protocol violation, got %T: %v", r, r)
		}
		if v.Kind != kind {
			t.Fatalf("violation kind = %s, want %s", v.Kind, kind)
		}
	}()
	fn()
}

func TestLoad_MissingExports(t *testing.T) {
	// A module with only an exported memory.
	memoryOnly := []byte{
		0x00, 0x61, 0x73, 0x6d,
		0x01, 0x00, 0x00, 0x00,
		0x05, 0x03, 0x01, 0x00, 0x01,
		0x07, 0x0a, 0x01,
		0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79,
		0x02, 0x00,
	}
	_, err := Load(context.Background(), memoryOnly, nil)
	if err == nil {
		t.Fatal("expected error for missing exports")
	}
	if !errorIs(err, errors.PhaseLoad, errors.KindNotFound) {
		t.Errorf("err = %v, want load/not_found", err)
	}
}

func TestLoad_InvalidModule(t *testing.T) {
	_, err := Load(context.Background(), []byte("not wasm"), nil)
	if !errorIs(err, errors.PhaseLoad, errors.KindInvalidData) {
		t.Errorf("err = %v, want load error", err)
	}
}

func TestLoad_WithWASI(t *testing.T) {
	lib, _ := load(t, &Config{WASI: true, MemoryLimitPages: 16, ModuleName: "core"})
	if lib.Module().Name() != "core" {
		t.Errorf("module name = %q", lib.Module().Name())
	}
}

func TestInitialize(t *testing.T) {
	ctx := context.Background()
	lib, core := load(t, nil)

	max := uint32(250)
	channel := "beta"
	cfg := ffi.NativeConfig{
		DataPath:            "/data",
		ApplicationID:       "org.example.app",
		LanguageBindingName: "Go",
		AppBuild:            "42",
		UploadEnabled:       true,
		MaxEvents:           &max,
		Channel:             &channel,
	}
	if err := lib.Initialize(ctx, cfg); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	got, ok := core.Config()
	if !ok {
		t.Fatal("core not initialized")
	}
	if got.ApplicationID != cfg.ApplicationID || got.AppBuild != "42" || !got.UploadEnabled {
		t.Errorf("core saw config %+v", got)
	}
	if got.MaxEvents == nil || *got.MaxEvents != 250 || got.Channel == nil || *got.Channel != "beta" {
		t.Errorf("optional fields lost: %+v", got)
	}
	assertClean(t, core)

	err := lib.Initialize(ctx, cfg)
	if !errorIs(err, errors.PhaseInit, errors.KindAlreadyInitialized) {
		t.Fatalf("second Initialize = %v", err)
	}
	if n := core.Calls(nativemock.OpInitialize); n != 1 {
		t.Errorf("core initialize called %d times", n)
	}
}

func TestMetricLifecycle(t *testing.T) {
	ctx := context.Background()
	lib, core := initialized(t)

	h, err := lib.CreateMetric(ctx, "cat", "name")
	if err != nil {
		t.Fatalf("CreateMetric failed: %v", err)
	}
	if h == 0 {
		t.Fatal("zero handle")
	}
	if lib.Handles().State(h) != handle.StateLive {
		t.Fatalf("state = %s", lib.Handles().State(h))
	}

	if err := lib.SetValue(ctx, h, 17); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	m, ok := core.Metric(uint64(h))
	if !ok || m.Value != 17 || m.Category != "cat" || m.Name != "name" {
		t.Fatalf("core metric = %+v, %v", m, ok)
	}

	if err := lib.DestroyMetric(ctx, h); err != nil {
		t.Fatalf("DestroyMetric failed: %v", err)
	}
	if lib.Handles().State(h) != handle.StateDestroyed {
		t.Fatalf("state after destroy = %s", lib.Handles().State(h))
	}

	sets := core.Calls(nativemock.OpSetValue)
	expectViolation(t, errors.KindUseAfterDestroy, func() {
		_ = lib.SetValue(ctx, h, 1)
	})
	expectViolation(t, errors.KindUseAfterDestroy, func() {
		_ = lib.DestroyMetric(ctx, h)
	})
	if core.Calls(nativemock.OpSetValue) != sets {
		t.Error("violation reached the native core")
	}

	// The library lock was released by the panicking calls.
	if _, err := lib.CreateMetric(ctx, "cat", "other"); err != nil {
		t.Fatalf("CreateMetric after violation: %v", err)
	}
	assertClean(t, core)
}

func TestCreateMetric_RejectedHandleDestroyed(t *testing.T) {
	ctx := context.Background()
	lib, core := initialized(t)

	// The fake core hands out handles from 1; claim the first one.
	taken := handle.Handle(1)
	if err := lib.Handles().Register(taken, handle.Info{Category: "cat", Name: "held"}); err != nil {
		t.Fatal(err)
	}

	h, err := lib.CreateMetric(ctx, "cat", "name")
	if !errorIs(err, errors.PhaseBoundary, errors.KindInvalidData) {
		t.Fatalf("err = %v, want boundary/invalid_data", err)
	}
	if h != 0 {
		t.Errorf("handle = %d, want 0", h)
	}
	if n := core.Calls(nativemock.OpDestroy); n != 1 {
		t.Fatalf("core destroy called %d times, want 1", n)
	}
	m, ok := core.Metric(uint64(taken))
	if !ok || !m.Destroyed || m.Name != "name" {
		t.Errorf("core metric = %+v, %v", m, ok)
	}
	assertClean(t, core)
}

func TestUnknownHandle(t *testing.T) {
	lib, _ := initialized(t)
	expectViolation(t, errors.KindUnknownHandle, func() {
		_ = lib.SetValue(context.Background(), handle.Handle(999), 1)
	})
}

func TestBoundaryFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("create", func(t *testing.T) {
		lib, core := initialized(t)
		core.FailNext(nativemock.OpCreate, 7, "invalid metric name")

		h, err := lib.CreateMetric(ctx, "cat", "bad")
		be, ok := errors.AsBoundary(err)
		if !ok {
			t.Fatalf("err = %v, want boundary error", err)
		}
		if be.Code != 7 || be.Message != "invalid metric name" || be.Op != OpCreateMetric {
			t.Errorf("boundary error = %+v", be)
		}
		if h != 0 || lib.Handles().Len() != 0 {
			t.Error("failed create must not register a handle")
		}
		assertClean(t, core)
	})

	t.Run("not initialized", func(t *testing.T) {
		lib, core := load(t, nil)
		_, err := lib.CreateMetric(ctx, "cat", "name")
		be, ok := errors.AsBoundary(err)
		if !ok || be.Code != nativemock.CodeNotInitialized {
			t.Fatalf("err = %v", err)
		}
		assertClean(t, core)
	})

	t.Run("set value", func(t *testing.T) {
		lib, core := initialized(t)
		h, err := lib.CreateMetric(ctx, "cat", "name")
		if err != nil {
			t.Fatal(err)
		}
		core.FailNext(nativemock.OpSetValue, 5, "")
		err = lib.SetValue(ctx, h, 1)
		be, ok := errors.AsBoundary(err)
		if !ok || be.Code != 5 || be.Message != "" {
			t.Fatalf("err = %v", err)
		}
		// The handle stays usable.
		if err := lib.SetValue(ctx, h, 2); err != nil {
			t.Fatal(err)
		}
		assertClean(t, core)
	})

	t.Run("destroy still retires", func(t *testing.T) {
		lib, core := initialized(t)
		h, err := lib.CreateMetric(ctx, "cat", "name")
		if err != nil {
			t.Fatal(err)
		}
		core.FailNext(nativemock.OpDestroy, 9, "busy")
		if _, ok := errors.AsBoundary(lib.DestroyMetric(ctx, h)); !ok {
			t.Fatal("expected boundary error")
		}
		if lib.Handles().State(h) != handle.StateDestroyed {
			t.Error("handle must be destroyed after a destroy call")
		}
		assertClean(t, core)
	})
}

func TestTrap(t *testing.T) {
	ctx := context.Background()
	lib, core := initialized(t)
	h, err := lib.CreateMetric(ctx, "cat", "name")
	if err != nil {
		t.Fatal(err)
	}

	core.TrapNext(nativemock.OpSetValue)
	err = lib.SetValue(ctx, h, 1)
	if !errorIs(err, errors.PhaseRuntime, errors.KindNativeFailure) {
		t.Fatalf("err = %v, want runtime trap", err)
	}
	if _, ok := errors.AsBoundary(err); ok {
		t.Error("a trap is not a boundary failure")
	}
	assertClean(t, core)
}

func TestAllocationFailure(t *testing.T) {
	lib, core := initialized(t)
	core.FailNext(nativemock.OpAlloc, 0, "")

	_, err := lib.CreateMetric(context.Background(), "cat", "name")
	if !errorIs(err, errors.PhaseRuntime, errors.KindAllocation) {
		t.Fatalf("err = %v, want allocation error", err)
	}
	assertClean(t, core)
}

func TestCollectPing(t *testing.T) {
	ctx := context.Background()
	lib, core := initialized(t)

	buf, err := lib.CollectPing(ctx, "metrics")
	if err != nil || buf != nil {
		t.Fatalf("empty ping = %v, %v", buf, err)
	}

	h, err := lib.CreateMetric(ctx, "browser", "page_load")
	if err != nil {
		t.Fatal(err)
	}
	if err := lib.SetValue(ctx, h, 120); err != nil {
		t.Fatal(err)
	}

	buf, err = lib.CollectPing(ctx, "metrics")
	if err != nil || buf == nil {
		t.Fatalf("CollectPing = %v, %v", buf, err)
	}
	if _, bufs := core.Outstanding(); bufs != 1 {
		t.Fatalf("outstanding buffers = %d", bufs)
	}

	data, err := buf.CopyAndRelease(ctx)
	if err != nil {
		t.Fatalf("CopyAndRelease failed: %v", err)
	}
	p, err := ping.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "metrics" || p.Metrics["browser.page_load"] != 120 {
		t.Errorf("payload = %+v", p)
	}

	expectViolation(t, errors.KindDoubleRelease, func() {
		_ = buf.Release(ctx)
	})
	assertClean(t, core)
}

func TestCollectPing_Discard(t *testing.T) {
	ctx := context.Background()
	lib, core := initialized(t)
	h, _ := lib.CreateMetric(ctx, "a", "b")
	_ = lib.SetValue(ctx, h, 1)

	buf, err := lib.CollectPing(ctx, "metrics")
	if err != nil || buf == nil {
		t.Fatalf("CollectPing = %v, %v", buf, err)
	}
	if err := buf.Release(ctx); err != nil {
		t.Fatal(err)
	}
	assertClean(t, core)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	lib, core := initialized(t)
	h, _ := lib.CreateMetric(ctx, "a", "b")
	_ = lib.SetValue(ctx, h, 1)
	buf, err := lib.CollectPing(ctx, "metrics")
	if err != nil || buf == nil {
		t.Fatalf("CollectPing = %v, %v", buf, err)
	}

	if err := lib.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := lib.Close(ctx); err != nil {
		t.Errorf("second Close = %v", err)
	}

	if _, err := lib.CreateMetric(ctx, "a", "c"); !errorIs(err, errors.PhaseRuntime, errors.KindClosed) {
		t.Errorf("CreateMetric after Close = %v", err)
	}
	if err := buf.Release(ctx); err == nil {
		t.Error("releasing into a closed core should fail")
	}
	_ = core
}

func TestConcurrentCalls(t *testing.T) {
	ctx := context.Background()
	lib, core := initialized(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8*20)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				h, err := lib.CreateMetric(ctx, "load", "m")
				if err != nil {
					errs <- err
					return
				}
				if err := lib.SetValue(ctx, h, int64(i)); err != nil {
					errs <- err
				}
				if err := lib.DestroyMetric(ctx, h); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if n := lib.Handles().Len(); n != 0 {
		t.Errorf("live handles = %d", n)
	}
	assertClean(t, core)
}

func errorIs(err error, phase errors.Phase, kind errors.Kind) bool {
	if err == nil {
		return false
	}
	e, ok := err.(*errors.Error)
	return ok && e.Phase == phase && e.Kind == kind
}
