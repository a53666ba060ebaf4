package native

import (
	"context"

	"github.com/wippyai/metrics-bridge/ffi"
	"github.com/wippyai/metrics-bridge/handle"
)

// Core is the boundary contract with the native collection engine.
//
// Methods returning error report native failures as *errors.BoundaryError
// after the error slot was consumed and released. Passing a handle that is
// not Live panics with a protocol violation.
type Core interface {
	Initialize(ctx context.Context, cfg ffi.NativeConfig) error
	CreateMetric(ctx context.Context, category, name string) (handle.Handle, error)
	SetValue(ctx context.Context, h handle.Handle, value int64) error
	DestroyMetric(ctx context.Context, h handle.Handle) error

	// CollectPing assembles the named ping. A nil buffer means no data.
	// The caller owns the buffer and must consume it exactly once.
	CollectPing(ctx context.Context, name string) (*ffi.Buffer, error)

	Close(ctx context.Context) error
}

var _ Core = (*Library)(nil)
