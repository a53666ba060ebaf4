// Package nativemock provides an in-process fake of the native metrics core
// for tests.
//
// The fake is a wazero host module implementing the core's C ABI in Go, plus
// a tiny generated guest module (Shell) that owns linear memory and exports
// one forwarding function per host function. Loading Shell with the fake's hooks gives a
// real wazero instance whose memory, allocator and error/buffer handshakes
// behave like the native core, while every allocation is tracked:
//
//	core := nativemock.New()
//	lib, err := native.Load(ctx, nativemock.Shell(), &native.Config{
//	    HostModules:   []native.HostModuleFunc{core.Register},
//	    OnInstantiate: []native.InstantiateFunc{core.Bind},
//	})
//	...
//	core.FailNext(nativemock.OpCreate, 7, "invalid metric name")
//	...
//	if leaks := core.Leaks(); len(leaks) != 0 { t.Fatal(leaks) }
//	if v := core.Violations(); len(v) != 0 { t.Fatal(v) }
//
// Violations records protocol misuse the fake observed: double frees,
// double releases, use of destroyed handles, double initialization.
package nativemock
