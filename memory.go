package metricsbridge

// Memory is the native core's linear memory as seen from the host.
// Offsets are guest addresses; values are little-endian.
type Memory interface {
	Read(offset uint32, length uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
	ReadU8(offset uint32) (uint8, error)
	ReadU32(offset uint32) (uint32, error)
	ReadU64(offset uint32) (uint64, error)
	WriteU8(offset uint32, value uint8) error
	WriteU32(offset uint32, value uint32) error
	WriteU64(offset uint32, value uint64) error
}

// MemorySizer provides the current size of guest memory in bytes.
type MemorySizer interface {
	Size() uint32
}

// Allocator allocates memory owned by the native core's allocator.
// Host code only frees what it allocated itself; native-owned results are
// released through the core's release functions.
type Allocator interface {
	Alloc(size, align uint32) (uint32, error)
	Free(ptr, size, align uint32)
}
