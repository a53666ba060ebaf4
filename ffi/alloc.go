package ffi

import (
	"sync"
	"unicode/utf8"

	metricsbridge "github.com/wippyai/metrics-bridge"
	"github.com/wippyai/metrics-bridge/errors"
)

// Allocation is one host-made allocation in guest memory.
type Allocation struct {
	Ptr   uint32
	Size  uint32
	Align uint32
}

// AllocationList records host-made allocations so they can be freed together
// once the native call that borrowed them has returned.
type AllocationList struct {
	allocations []Allocation
}

var allocationListPool = sync.Pool{
	New: func() any {
		return &AllocationList{allocations: make([]Allocation, 0, 8)}
	},
}

// NewAllocationList returns an empty list from the pool.
func NewAllocationList() *AllocationList {
	return allocationListPool.Get().(*AllocationList)
}

const maxPooledAllocationCapacity = 128

// Release returns to pool. Must call after Free(); list invalid after Release.
func (al *AllocationList) Release() {
	if cap(al.allocations) > maxPooledAllocationCapacity {
		return
	}
	al.Reset()
	allocationListPool.Put(al)
}

// FreeAndRelease frees every allocation and returns the list to the pool.
func (al *AllocationList) FreeAndRelease(allocator metricsbridge.Allocator) {
	al.Free(allocator)
	al.Release()
}

func (al *AllocationList) Add(ptr, size, align uint32) {
	al.allocations = append(al.allocations, Allocation{
		Ptr:   ptr,
		Size:  size,
		Align: align,
	})
}

func (al *AllocationList) Free(allocator metricsbridge.Allocator) {
	if allocator == nil {
		return
	}
	for _, a := range al.allocations {
		if a.Ptr != 0 {
			allocator.Free(a.Ptr, a.Size, a.Align)
		}
	}
	al.allocations = al.allocations[:0]
}

func (al *AllocationList) Reset() {
	al.allocations = al.allocations[:0]
}

func (al *AllocationList) Count() int {
	return len(al.allocations)
}

// WriteString copies s into a fresh guest allocation recorded in al and
// returns its address and length. Empty strings are passed as (0, 0).
func WriteString(mem metricsbridge.Memory, alloc metricsbridge.Allocator, al *AllocationList, s string) (ptr, length uint32, err error) {
	if !utf8.ValidString(s) {
		return 0, 0, errors.InvalidInput(errors.PhaseRuntime, "string is not valid UTF-8")
	}
	if len(s) == 0 {
		return 0, 0, nil
	}
	length = uint32(len(s))
	ptr, err = alloc.Alloc(length, 1)
	if err != nil {
		return 0, 0, err
	}
	al.Add(ptr, length, 1)
	if err := mem.Write(ptr, []byte(s)); err != nil {
		return 0, 0, err
	}
	return ptr, length, nil
}

// ReadString reads a UTF-8 string of length bytes at ptr.
func ReadString(mem metricsbridge.Memory, ptr, length uint32) (string, error) {
	if length == 0 {
		return "", nil
	}
	data, err := mem.Read(ptr, length)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", errors.InvalidData(errors.PhaseRuntime, "read_string", "string is not valid UTF-8")
	}
	return string(data), nil
}
