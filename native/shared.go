package native

import (
	"context"

	metricsbridge "github.com/wippyai/metrics-bridge"
	"github.com/wippyai/metrics-bridge/errors"
)

// sharedGuest is the ffi.Boundary handed out with buffers that outlive a
// Library call. Every access takes the library lock.
type sharedGuest struct {
	lib *Library
}

func (s *sharedGuest) Memory() metricsbridge.Memory       { return lockedMemory{s.lib} }
func (s *sharedGuest) Allocator() metricsbridge.Allocator { return lockedAllocator{s.lib} }

func (s *sharedGuest) ReleaseErrorMessage(ctx context.Context, slot uint32) error {
	s.lib.mu.Lock()
	defer s.lib.mu.Unlock()
	if err := s.lib.enter(ctx); err != nil {
		return err
	}
	return s.lib.guest.ReleaseErrorMessage(ctx, slot)
}

func (s *sharedGuest) ReleaseBuffer(ctx context.Context, data, length uint32) error {
	s.lib.mu.Lock()
	defer s.lib.mu.Unlock()
	if err := s.lib.enter(ctx); err != nil {
		return err
	}
	return s.lib.guest.ReleaseBuffer(ctx, data, length)
}

type lockedMemory struct {
	lib *Library
}

func (m lockedMemory) open() (metricsbridge.Memory, func(), error) {
	m.lib.mu.Lock()
	if m.lib.closed {
		m.lib.mu.Unlock()
		return nil, nil, errors.Closed(errors.PhaseRuntime, "native core")
	}
	return m.lib.mem, m.lib.mu.Unlock, nil
}

func (m lockedMemory) Read(offset, length uint32) ([]byte, error) {
	mem, done, err := m.open()
	if err != nil {
		return nil, err
	}
	defer done()
	return mem.Read(offset, length)
}

func (m lockedMemory) Write(offset uint32, data []byte) error {
	mem, done, err := m.open()
	if err != nil {
		return err
	}
	defer done()
	return mem.Write(offset, data)
}

func (m lockedMemory) ReadU8(offset uint32) (uint8, error) {
	mem, done, err := m.open()
	if err != nil {
		return 0, err
	}
	defer done()
	return mem.ReadU8(offset)
}

func (m lockedMemory) ReadU32(offset uint32) (uint32, error) {
	mem, done, err := m.open()
	if err != nil {
		return 0, err
	}
	defer done()
	return mem.ReadU32(offset)
}

func (m lockedMemory) ReadU64(offset uint32) (uint64, error) {
	mem, done, err := m.open()
	if err != nil {
		return 0, err
	}
	defer done()
	return mem.ReadU64(offset)
}

func (m lockedMemory) WriteU8(offset uint32, v uint8) error {
	mem, done, err := m.open()
	if err != nil {
		return err
	}
	defer done()
	return mem.WriteU8(offset, v)
}

func (m lockedMemory) WriteU32(offset uint32, v uint32) error {
	mem, done, err := m.open()
	if err != nil {
		return err
	}
	defer done()
	return mem.WriteU32(offset, v)
}

func (m lockedMemory) WriteU64(offset uint32, v uint64) error {
	mem, done, err := m.open()
	if err != nil {
		return err
	}
	defer done()
	return mem.WriteU64(offset, v)
}

type lockedAllocator struct {
	lib *Library
}

func (a lockedAllocator) Alloc(size, align uint32) (uint32, error) {
	a.lib.mu.Lock()
	defer a.lib.mu.Unlock()
	if a.lib.closed {
		return 0, errors.Closed(errors.PhaseRuntime, "native core")
	}
	return a.lib.alloc.Alloc(size, align)
}

func (a lockedAllocator) Free(ptr, size, align uint32) {
	a.lib.mu.Lock()
	defer a.lib.mu.Unlock()
	if a.lib.closed {
		return
	}
	a.lib.alloc.Free(ptr, size, align)
}
