package ffi

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	metricsbridge "github.com/wippyai/metrics-bridge"
	"github.com/wippyai/metrics-bridge/errors"
)

// WrapMemory wraps a wazero api.Memory to implement metricsbridge.Memory.
func WrapMemory(mem api.Memory) *MemoryWrapper {
	if mem == nil {
		return nil
	}
	return &MemoryWrapper{Mem: mem}
}

// WrapAllocator wraps the core's alloc/free exports to implement
// metricsbridge.Allocator.
func WrapAllocator(ctx context.Context, alloc, free api.Function) *AllocatorWrapper {
	if alloc == nil || free == nil {
		return nil
	}
	return &AllocatorWrapper{Ctx: ctx, AllocFn: alloc, FreeFn: free}
}

var (
	_ metricsbridge.Memory      = (*MemoryWrapper)(nil)
	_ metricsbridge.MemorySizer = (*MemoryWrapper)(nil)
	_ metricsbridge.Allocator   = (*AllocatorWrapper)(nil)
)

// MemoryWrapper adapts wazero api.Memory to the metricsbridge.Memory interface.
type MemoryWrapper struct {
	Mem api.Memory
}

// Size returns the current size of guest memory in bytes.
func (m *MemoryWrapper) Size() uint32 {
	return m.Mem.Size()
}

// Read returns a copy of length bytes at offset. The copy stays valid after
// the native side frees or reuses the range.
func (m *MemoryWrapper) Read(offset uint32, length uint32) ([]byte, error) {
	data, ok := m.Mem.Read(offset, length)
	if !ok {
		return nil, errors.OutOfBounds("read", offset, length)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Write writes bytes to memory.
func (m *MemoryWrapper) Write(offset uint32, data []byte) error {
	if !m.Mem.Write(offset, data) {
		return errors.OutOfBounds("write", offset, uint32(len(data)))
	}
	return nil
}

// ReadU8 reads an unsigned 8-bit value.
func (m *MemoryWrapper) ReadU8(offset uint32) (uint8, error) {
	v, ok := m.Mem.ReadByte(offset)
	if !ok {
		return 0, errors.OutOfBounds("read", offset, 1)
	}
	return v, nil
}

// ReadU32 reads an unsigned 32-bit little-endian value.
func (m *MemoryWrapper) ReadU32(offset uint32) (uint32, error) {
	v, ok := m.Mem.ReadUint32Le(offset)
	if !ok {
		return 0, errors.OutOfBounds("read", offset, 4)
	}
	return v, nil
}

// ReadU64 reads an unsigned 64-bit little-endian value.
func (m *MemoryWrapper) ReadU64(offset uint32) (uint64, error) {
	v, ok := m.Mem.ReadUint64Le(offset)
	if !ok {
		return 0, errors.OutOfBounds("read", offset, 8)
	}
	return v, nil
}

// WriteU8 writes an unsigned 8-bit value.
func (m *MemoryWrapper) WriteU8(offset uint32, value uint8) error {
	if !m.Mem.WriteByte(offset, value) {
		return errors.OutOfBounds("write", offset, 1)
	}
	return nil
}

// WriteU32 writes an unsigned 32-bit little-endian value.
func (m *MemoryWrapper) WriteU32(offset uint32, value uint32) error {
	if !m.Mem.WriteUint32Le(offset, value) {
		return errors.OutOfBounds("write", offset, 4)
	}
	return nil
}

// WriteU64 writes an unsigned 64-bit little-endian value.
func (m *MemoryWrapper) WriteU64(offset uint32, value uint64) error {
	if !m.Mem.WriteUint64Le(offset, value) {
		return errors.OutOfBounds("write", offset, 8)
	}
	return nil
}

// AllocatorWrapper adapts the core's metrics_alloc/metrics_free exports.
type AllocatorWrapper struct {
	Ctx     context.Context
	AllocFn api.Function
	FreeFn  api.Function
}

// Alloc allocates size bytes in guest memory. A zero result is an
// allocation failure.
func (a *AllocatorWrapper) Alloc(size, align uint32) (uint32, error) {
	results, err := a.AllocFn.Call(a.Ctx, uint64(size), uint64(align))
	if err != nil {
		return 0, errors.AllocationFailed(size, align, err)
	}
	if len(results) == 0 {
		return 0, errors.AllocationFailed(size, align, fmt.Errorf("allocation returned no result"))
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, errors.AllocationFailed(size, align, nil)
	}
	return ptr, nil
}

// Free returns host-allocated memory to the guest allocator.
func (a *AllocatorWrapper) Free(ptr, size, align uint32) {
	_, _ = a.FreeFn.Call(a.Ctx, uint64(ptr), uint64(size), uint64(align))
}
