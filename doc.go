// Package metricsbridge lets host Go code drive a native metrics-collection
// core through a stable foreign-function boundary.
//
// The native core is a WebAssembly module hosted in-process by wazero. Two
// mechanisms make the boundary safe to use from concurrent host code:
//
//   - a pre-initialization task queue and a single-worker dispatcher, so that
//     metric calls made before the core is ready are captured and replayed in
//     order once initialization completes;
//   - an ownership handshake for data that crosses the boundary: error slots
//     and byte buffers allocated by the core and consumed exactly once by the
//     host.
//
// # Architecture Overview
//
//	metricsbridge/       Root package with guest Memory and Allocator interfaces
//	├── bridge/          Context object owning dispatcher, native core and handles
//	├── dispatcher/      Single-worker executor with testing (synchronous) mode
//	├── taskqueue/       Pre-initialization queue with ordered drain
//	├── native/          Boundary contract and its wazero implementation
//	├── ffi/             Error slot, buffer and config layouts in guest memory
//	├── handle/          Native handle table (Live / Destroyed tracking)
//	├── nativemock/      In-process fake native core for tests
//	├── instrument/      Instrumentation port, Prometheus adapter
//	├── config/          File and environment configuration
//	├── observability/   Logger construction
//	└── errors/          Structured error types
//
// # Quick Start
//
//	core, err := native.Load(ctx, wasmBytes, &native.Config{WASI: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	b := bridge.New(core, bridge.WithLogger(logger))
//	defer b.Shutdown(ctx)
//
//	// Safe before Initialize: captured by the pre-init queue.
//	m := b.NewMetric("browser", "page_load")
//	m.Set(42)
//
//	if err := b.Initialize(ctx, cfg.Native()); err != nil {
//	    log.Fatal(err)
//	}
//
// # Thread Safety
//
// Bridge, Dispatcher and Queue are safe for concurrent use. The wazero
// instance behind native.Library is not; the library serializes boundary
// calls internally.
package metricsbridge
