package ffi

import (
	"context"
	"sync"

	metricsbridge "github.com/wippyai/metrics-bridge"
	"github.com/wippyai/metrics-bridge/errors"
)

// Buffer descriptor layout.
const (
	BufferDescriptorSize  = 8
	BufferDescriptorAlign = 4

	bufferLenOffset  = 0
	bufferDataOffset = 4
)

// Buffer is a native-allocated byte range handed to the host. It is valid
// for exactly one consumption: CopyAndRelease or Release.
type Buffer struct {
	b        Boundary
	data     uint32
	length   uint32
	mu       sync.Mutex
	released bool
}

// TakeBuffer reads the descriptor at desc and takes ownership of the range
// it describes.
func TakeBuffer(b Boundary, desc uint32) (*Buffer, error) {
	data, length, err := ReadDescriptor(b.Memory(), desc)
	if err != nil {
		return nil, err
	}
	return NewBuffer(b, data, length), nil
}

// ReadDescriptor decodes the buffer descriptor at desc.
func ReadDescriptor(mem metricsbridge.Memory, desc uint32) (data, length uint32, err error) {
	length, err = mem.ReadU32(desc + bufferLenOffset)
	if err != nil {
		return 0, 0, err
	}
	data, err = mem.ReadU32(desc + bufferDataOffset)
	if err != nil {
		return 0, 0, err
	}
	if data == 0 && length > 0 {
		return 0, 0, errors.InvalidData(errors.PhaseBoundary, "take_buffer", "descriptor has length but no data")
	}
	return data, length, nil
}

// NewBuffer takes ownership of length bytes at data. The range is read and
// released through b.
func NewBuffer(b Boundary, data, length uint32) *Buffer {
	return &Buffer{b: b, data: data, length: length}
}

// Len returns the number of bytes in the buffer.
func (buf *Buffer) Len() int {
	return int(buf.length)
}

// Released reports whether the buffer has been consumed.
func (buf *Buffer) Released() bool {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return buf.released
}

// CopyAndRelease copies the bytes out of guest memory and releases the
// native allocation. The copy is host-owned.
func (buf *Buffer) CopyAndRelease(ctx context.Context) ([]byte, error) {
	buf.mu.Lock()
	defer buf.mu.Unlock()

	buf.consume("read_buffer")

	var out []byte
	var readErr error
	if buf.length > 0 {
		out, readErr = buf.b.Memory().Read(buf.data, buf.length)
	} else {
		out = []byte{}
	}

	if err := buf.release(ctx); err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, readErr
	}
	return out, nil
}

// Release discards the buffer without reading it.
func (buf *Buffer) Release(ctx context.Context) error {
	buf.mu.Lock()
	defer buf.mu.Unlock()

	buf.consume("release_buffer")
	return buf.release(ctx)
}

func (buf *Buffer) consume(op string) {
	if buf.released {
		errors.Violation(errors.KindDoubleRelease, op, "buffer at 0x%x (%d bytes) already released", buf.data, buf.length)
	}
	buf.released = true
}

func (buf *Buffer) release(ctx context.Context) error {
	if buf.data == 0 {
		return nil
	}
	data, length := buf.data, buf.length
	buf.data, buf.length = 0, 0
	if err := buf.b.ReleaseBuffer(ctx, data, length); err != nil {
		return errors.Wrap(errors.PhaseBoundary, errors.KindNativeFailure, err, "release buffer")
	}
	return nil
}
