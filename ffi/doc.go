// Package ffi implements the ownership handshake for data crossing the
// boundary between host code and the native metrics core.
//
// All structures live in the native core's linear memory and use a fixed,
// little-endian layout shared byte-for-byte with the core:
//
//	ErrorSlot (12 bytes, align 4)
//	  0  code     i32   0 = success
//	  4  msg_ptr  u32   0 = no message
//	  8  msg_len  u32
//
//	Buffer descriptor (8 bytes, align 4)
//	  0  length   u32
//	  4  data     u32
//
// # Error Slots
//
// The host allocates a zeroed slot, passes its address to a native call and
// loads it afterwards. A failed slot's message is native-owned; the only way
// to read it is ConsumeMessage, which copies it out and asks the core to
// release it in the same step. Consuming twice, or consuming a successful
// slot, panics with a protocol violation.
//
// Most callers use WithErrorSlot, which scopes acquisition, load,
// consumption and release to one call:
//
//	err := ffi.WithErrorSlot(ctx, b, "set_value", func(slot uint32) error {
//	    _, err := setValue.Call(ctx, h, v, uint64(slot))
//	    return err
//	})
//
// # Buffers
//
// A Buffer is a native-allocated byte range. CopyAndRelease copies the bytes
// out and releases the native allocation; Release discards it. Either call
// consumes the buffer; a second call panics.
//
// # Config
//
// EncodeConfig lays out NativeConfig in guest memory for the core's
// initialize call. See config.go for the field table.
package ffi
