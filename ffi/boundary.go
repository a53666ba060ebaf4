package ffi

import (
	"context"

	metricsbridge "github.com/wippyai/metrics-bridge"
)

// Boundary is the native side of the ownership handshake: guest memory, the
// guest allocator, and the release functions for native-owned results.
type Boundary interface {
	Memory() metricsbridge.Memory
	Allocator() metricsbridge.Allocator

	// ReleaseErrorMessage frees the message referenced by the slot at
	// address slot and zeroes the slot's message fields.
	ReleaseErrorMessage(ctx context.Context, slot uint32) error

	// ReleaseBuffer frees a native-allocated buffer.
	ReleaseBuffer(ctx context.Context, data, length uint32) error
}
