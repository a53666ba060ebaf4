package ffi

import (
	"context"
	"sync"

	"github.com/wippyai/metrics-bridge/errors"
)

// Error slot layout.
const (
	ErrorSlotSize  = 12
	ErrorSlotAlign = 4

	slotCodeOffset   = 0
	slotMsgPtrOffset = 4
	slotMsgLenOffset = 8
)

// ErrorSlot is a host-allocated out-parameter through which a native call
// reports success or failure. It is created only by AcquireErrorSlot.
type ErrorSlot struct {
	b        Boundary
	ptr      uint32
	code     int32
	msgPtr   uint32
	msgLen   uint32
	mu       sync.Mutex
	loaded   bool
	consumed bool
	closed   bool
}

// AcquireErrorSlot allocates a zeroed slot in guest memory.
func AcquireErrorSlot(b Boundary) (*ErrorSlot, error) {
	ptr, err := b.Allocator().Alloc(ErrorSlotSize, ErrorSlotAlign)
	if err != nil {
		return nil, err
	}
	if err := b.Memory().Write(ptr, make([]byte, ErrorSlotSize)); err != nil {
		b.Allocator().Free(ptr, ErrorSlotSize, ErrorSlotAlign)
		return nil, err
	}
	return &ErrorSlot{b: b, ptr: ptr}, nil
}

// Ptr returns the guest address to pass to the native call.
func (s *ErrorSlot) Ptr() uint32 {
	return s.ptr
}

// Load reads the outcome written by the native call.
func (s *ErrorSlot) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *ErrorSlot) load() error {
	if s.closed {
		errors.Violation(errors.KindDoubleRelease, "load_error_slot", "slot at 0x%x already closed", s.ptr)
	}
	if s.loaded {
		return nil
	}

	mem := s.b.Memory()
	code, err := mem.ReadU32(s.ptr + slotCodeOffset)
	if err != nil {
		return err
	}
	msgPtr, err := mem.ReadU32(s.ptr + slotMsgPtrOffset)
	if err != nil {
		return err
	}
	msgLen, err := mem.ReadU32(s.ptr + slotMsgLenOffset)
	if err != nil {
		return err
	}

	s.code = int32(code)
	s.msgPtr = msgPtr
	s.msgLen = msgLen
	s.loaded = true

	if s.code == 0 && s.msgPtr != 0 {
		return errors.InvalidData(errors.PhaseBoundary, "load_error_slot", "native core wrote a message into a successful slot")
	}
	return nil
}

// Code returns the loaded status code. 0 means success.
func (s *ErrorSlot) Code() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

// Failed reports whether the loaded code is nonzero.
func (s *ErrorSlot) Failed() bool {
	return s.Code() != 0
}

// ConsumeMessage copies the failure message out of guest memory and asks the
// native core to release it. The returned error reports a failed release; the
// message is considered consumed either way.
//
// Consuming a successful slot or consuming twice panics with a protocol
// violation, and neither reads guest memory.
func (s *ErrorSlot) ConsumeMessage(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if err := s.load(); err != nil {
			return "", err
		}
	}
	if s.code == 0 {
		errors.Violation(errors.KindNoError, "consume_error_message", "slot at 0x%x reports success; no message to consume", s.ptr)
	}
	if s.consumed {
		errors.Violation(errors.KindAlreadyConsumed, "consume_error_message", "message already consumed")
	}
	s.consumed = true

	if s.msgPtr == 0 {
		return "", nil
	}

	msg, readErr := ReadString(s.b.Memory(), s.msgPtr, s.msgLen)
	s.msgPtr, s.msgLen = 0, 0
	if err := s.b.ReleaseErrorMessage(ctx, s.ptr); err != nil {
		return msg, errors.Wrap(errors.PhaseBoundary, errors.KindNativeFailure, err, "release error message")
	}
	return msg, readErr
}

// Err converts a loaded slot into a Go error: nil on success, otherwise a
// *errors.BoundaryError carrying the consumed message.
func (s *ErrorSlot) Err(ctx context.Context, op string) error {
	if err := s.Load(); err != nil {
		return err
	}
	if !s.Failed() {
		return nil
	}
	msg, err := s.ConsumeMessage(ctx)
	if err != nil {
		return err
	}
	return errors.Boundary(op, s.Code(), msg)
}

// Close releases an unconsumed message, if any, and frees the slot. Calling
// Close more than once is a no-op.
func (s *ErrorSlot) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	var releaseErr error
	if !s.loaded {
		releaseErr = s.load()
	}
	if !s.consumed && s.msgPtr != 0 {
		s.consumed = true
		s.msgPtr, s.msgLen = 0, 0
		releaseErr = s.b.ReleaseErrorMessage(ctx, s.ptr)
	}

	s.b.Allocator().Free(s.ptr, ErrorSlotSize, ErrorSlotAlign)
	s.closed = true
	return releaseErr
}

// WithErrorSlot acquires a slot, runs call with its address, and converts the
// outcome into an error. The slot and any message are released on every path.
// An error returned by call itself (for example a trap) takes precedence.
func WithErrorSlot(ctx context.Context, b Boundary, op string, call func(slot uint32) error) (err error) {
	slot, err := AcquireErrorSlot(b)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := slot.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := call(slot.Ptr()); err != nil {
		return err
	}
	return slot.Err(ctx, op)
}
