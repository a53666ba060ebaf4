// Package native hosts the native metrics core and exposes it as a Core.
//
// The core is a WebAssembly module exporting a C-style ABI. Load compiles and
// instantiates it with wazero, resolves the ABI exports and returns a
// Library. Every Library call is serialized: the wazero instance is not safe
// for concurrent use.
//
// # ABI
//
//	memory
//	metrics_alloc(size, align i32) i32
//	metrics_free(ptr, size, align i32)
//	metrics_initialize(cfg i32)
//	metrics_create(cat_ptr, cat_len, name_ptr, name_len, err i32) i64
//	metrics_set_value(handle i64, value i64, err i32)
//	metrics_destroy(handle i64, err i32)
//	metrics_collect_ping(name_ptr, name_len, out i32) i32
//	metrics_release_buffer(data, len i32)
//	metrics_release_error_message(err i32)
//
// err is an error slot and out a buffer descriptor; see package ffi for
// their layouts and ownership rules.
//
// # Handles
//
// Handles returned by CreateMetric are tracked in a handle.Table. Passing a
// destroyed or unknown handle to SetValue or DestroyMetric panics with a
// protocol violation before the native core is called.
package native
