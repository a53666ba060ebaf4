package ffi

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"

	metricsbridge "github.com/wippyai/metrics-bridge"
	"github.com/wippyai/metrics-bridge/errors"
)

// fakeBoundary is a slice-backed stand-in for a native core's memory and
// allocator. It tracks live allocations so tests can assert nothing leaks
// and nothing is freed twice.
type fakeBoundary struct {
	live             map[uint32]uint32
	releaseErr       error
	mem              []byte
	next             uint32
	doubleFrees      int
	releasedMessages int
	releasedBuffers  int
}

func newFakeBoundary() *fakeBoundary {
	return &fakeBoundary{
		mem:  make([]byte, 4096),
		next: 16,
		live: make(map[uint32]uint32),
	}
}

func (f *fakeBoundary) Memory() metricsbridge.Memory       { return fakeMemory{f} }
func (f *fakeBoundary) Allocator() metricsbridge.Allocator { return fakeAllocator{f} }

func (f *fakeBoundary) ReleaseErrorMessage(_ context.Context, slot uint32) error {
	if f.releaseErr != nil {
		return f.releaseErr
	}
	msgPtr := binary.LittleEndian.Uint32(f.mem[slot+4:])
	f.free(msgPtr)
	binary.LittleEndian.PutUint32(f.mem[slot+4:], 0)
	binary.LittleEndian.PutUint32(f.mem[slot+8:], 0)
	f.releasedMessages++
	return nil
}

func (f *fakeBoundary) ReleaseBuffer(_ context.Context, data, _ uint32) error {
	if f.releaseErr != nil {
		return f.releaseErr
	}
	f.free(data)
	f.releasedBuffers++
	return nil
}

func (f *fakeBoundary) alloc(size, align uint32) (uint32, error) {
	if align == 0 {
		align = 1
	}
	ptr := (f.next + align - 1) &^ (align - 1)
	end := ptr + size
	if size == 0 {
		end++
	}
	if end > uint32(len(f.mem)) {
		return 0, fmt.Errorf("fake memory exhausted")
	}
	f.next = end
	f.live[ptr] = size
	return ptr, nil
}

func (f *fakeBoundary) free(ptr uint32) {
	if _, ok := f.live[ptr]; !ok {
		f.doubleFrees++
		return
	}
	delete(f.live, ptr)
}

// fail simulates the native side reporting failure into the slot at slot.
func (f *fakeBoundary) fail(t *testing.T, slot uint32, code int32, msg string) {
	t.Helper()
	binary.LittleEndian.PutUint32(f.mem[slot:], uint32(code))
	if msg == "" {
		return
	}
	ptr, err := f.alloc(uint32(len(msg)), 1)
	if err != nil {
		t.Fatal(err)
	}
	copy(f.mem[ptr:], msg)
	binary.LittleEndian.PutUint32(f.mem[slot+4:], ptr)
	binary.LittleEndian.PutUint32(f.mem[slot+8:], uint32(len(msg)))
}

// buffer simulates the native side returning payload through a descriptor.
func (f *fakeBoundary) buffer(t *testing.T, payload []byte) uint32 {
	t.Helper()
	desc, err := f.alloc(BufferDescriptorSize, BufferDescriptorAlign)
	if err != nil {
		t.Fatal(err)
	}
	var data uint32
	if len(payload) > 0 {
		data, err = f.alloc(uint32(len(payload)), 1)
		if err != nil {
			t.Fatal(err)
		}
		copy(f.mem[data:], payload)
	}
	binary.LittleEndian.PutUint32(f.mem[desc:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(f.mem[desc+4:], data)
	return desc
}

func (f *fakeBoundary) assertNoLeaks(t *testing.T, allowed ...uint32) {
	t.Helper()
	keep := map[uint32]bool{}
	for _, p := range allowed {
		keep[p] = true
	}
	for ptr, size := range f.live {
		if !keep[ptr] {
			t.Errorf("leaked allocation at 0x%x (%d bytes)", ptr, size)
		}
	}
	if f.doubleFrees != 0 {
		t.Errorf("%d frees of unknown pointers", f.doubleFrees)
	}
}

type fakeMemory struct{ f *fakeBoundary }

func (m fakeMemory) check(offset, length uint32) error {
	if uint64(offset)+uint64(length) > uint64(len(m.f.mem)) {
		return errors.OutOfBounds("fake", offset, length)
	}
	return nil
}

func (m fakeMemory) Read(offset, length uint32) ([]byte, error) {
	if err := m.check(offset, length); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, m.f.mem[offset:])
	return out, nil
}

func (m fakeMemory) Write(offset uint32, data []byte) error {
	if err := m.check(offset, uint32(len(data))); err != nil {
		return err
	}
	copy(m.f.mem[offset:], data)
	return nil
}

func (m fakeMemory) ReadU8(offset uint32) (uint8, error) {
	if err := m.check(offset, 1); err != nil {
		return 0, err
	}
	return m.f.mem[offset], nil
}

func (m fakeMemory) ReadU32(offset uint32) (uint32, error) {
	if err := m.check(offset, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(m.f.mem[offset:]), nil
}

func (m fakeMemory) ReadU64(offset uint32) (uint64, error) {
	if err := m.check(offset, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(m.f.mem[offset:]), nil
}

func (m fakeMemory) WriteU8(offset uint32, v uint8) error {
	if err := m.check(offset, 1); err != nil {
		return err
	}
	m.f.mem[offset] = v
	return nil
}

func (m fakeMemory) WriteU32(offset uint32, v uint32) error {
	if err := m.check(offset, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(m.f.mem[offset:], v)
	return nil
}

func (m fakeMemory) WriteU64(offset uint32, v uint64) error {
	if err := m.check(offset, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(m.f.mem[offset:], v)
	return nil
}

type fakeAllocator struct{ f *fakeBoundary }

func (a fakeAllocator) Alloc(size, align uint32) (uint32, error) { return a.f.alloc(size, align) }
func (a fakeAllocator) Free(ptr, _, _ uint32)                    { a.f.free(ptr) }

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
