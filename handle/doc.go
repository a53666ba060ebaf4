// Package handle tracks native handles issued by the metrics core.
//
// A native handle is an opaque integer token that references a resource owned
// by the native core. The host never dereferences it; it only passes it back.
// Every handle moves through one state machine:
//
//	Unallocated --Register--> Live --Retire--> Destroyed
//
// Operations that take a handle call Acquire, which panics with a protocol
// violation unless the handle is Live. Retire panics on a second call. Both
// are binding bugs rather than runtime conditions, so they fail loudly.
//
//	table := handle.NewTable()
//	table.Register(h, handle.Info{Category: "browser", Name: "page_load"})
//	info := table.Acquire("set_value", h)
//	table.Retire("destroy_metric", h)
//	table.Acquire("set_value", h) // panics: use_after_destroy
//
// # Observers
//
// Register observers to track lifecycle events:
//
//	table.Subscribe(handle.ObserverFunc(func(e handle.Event) {
//	    log.Printf("handle %d %s", e.Handle, e.Type)
//	}))
package handle
