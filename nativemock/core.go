package nativemock

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/metrics-bridge/ffi"
	"github.com/wippyai/metrics-bridge/ping"
)

// Operations that accept injected failures.
const (
	OpAlloc       = "alloc"
	OpInitialize  = "initialize"
	OpCreate      = "create"
	OpSetValue    = "set_value"
	OpDestroy     = "destroy"
	OpCollectPing = "collect_ping"
)

// Error codes the fake reports through error slots.
const (
	CodeNotInitialized int32 = 1
	CodeInvalidName    int32 = 2
	CodeUnknownHandle  int32 = 3
	CodeDestroyed      int32 = 4
)

// heapBase keeps the first KiB unused so a zero pointer is never handed out.
const heapBase = 1024

const pageSize = 65536

// Allocation is a live guest allocation.
type Allocation struct {
	Ptr  uint32
	Size uint32
}

// Metric is the fake's view of one created metric.
type Metric struct {
	Category  string
	Name      string
	Value     int64
	Sets      int
	Destroyed bool
}

type failure struct {
	message string
	code    int32
	trap    bool
}

// Core is a fake native metrics core.
type Core struct {
	mem        api.Memory
	config     *ffi.NativeConfig
	live       map[uint32]uint32
	messages   map[uint32]bool
	buffers    map[uint32]uint32
	metrics    map[uint64]*Metric
	failures   map[string]failure
	calls      map[string]int
	violations []string
	next       uint32
	nextHandle uint64
	mu         sync.Mutex
}

// New creates a fake core with no guest memory bound yet.
func New() *Core {
	return &Core{
		live:     make(map[uint32]uint32),
		messages: make(map[uint32]bool),
		buffers:  make(map[uint32]uint32),
		metrics:  make(map[uint64]*Metric),
		failures: make(map[string]failure),
		calls:    make(map[string]int),
		next:     heapBase,
	}
}

// Register instantiates the fake's host module in rt. It must run before
// the shell is instantiated.
func (c *Core) Register(ctx context.Context, rt wazero.Runtime) error {
	_, err := rt.NewHostModuleBuilder(ModuleName).
		NewFunctionBuilder().WithFunc(c.alloc).Export(ExportAlloc).
		NewFunctionBuilder().WithFunc(c.free).Export(ExportFree).
		NewFunctionBuilder().WithFunc(c.initialize).Export(ExportInitialize).
		NewFunctionBuilder().WithFunc(c.create).Export(ExportCreate).
		NewFunctionBuilder().WithFunc(c.setValue).Export(ExportSetValue).
		NewFunctionBuilder().WithFunc(c.destroy).Export(ExportDestroy).
		NewFunctionBuilder().WithFunc(c.collectPing).Export(ExportCollectPing).
		NewFunctionBuilder().WithFunc(c.releaseBuffer).Export(ExportReleaseBuffer).
		NewFunctionBuilder().WithFunc(c.releaseErrorMessage).Export(ExportReleaseErrorMessage).
		Instantiate(ctx)
	return err
}

// Bind attaches the shell instance's memory. It must run after the shell
// is instantiated and before any call.
func (c *Core) Bind(_ context.Context, mod api.Module) error {
	mem := mod.Memory()
	if mem == nil {
		return fmt.Errorf("nativemock: module %q has no memory", mod.Name())
	}
	c.mu.Lock()
	c.mem = mem
	c.mu.Unlock()
	return nil
}

// FailNext makes the next call to op report failure. For OpAlloc the
// allocation returns 0; for OpCollectPing no data is returned; other
// operations write code and message into their error slot.
func (c *Core) FailNext(op string, code int32, message string) {
	c.mu.Lock()
	c.failures[op] = failure{code: code, message: message}
	c.mu.Unlock()
}

// TrapNext makes the next call to op abort with a Go panic, which wazero
// surfaces to the caller as a call error.
func (c *Core) TrapNext(op string) {
	c.mu.Lock()
	c.failures[op] = failure{trap: true}
	c.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (c *Core) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// Initialized reports whether initialize succeeded.
func (c *Core) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config != nil
}

// Config returns the configuration decoded from guest memory by initialize.
func (c *Core) Config() (ffi.NativeConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.config == nil {
		return ffi.NativeConfig{}, false
	}
	return *c.config, true
}

// Metric returns the state of the metric behind handle h.
func (c *Core) Metric(h uint64) (Metric, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.metrics[h]
	if !ok {
		return Metric{}, false
	}
	return *m, true
}

// Leaks returns every live guest allocation, ordered by address.
func (c *Core) Leaks() []Allocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Allocation, 0, len(c.live))
	for p, s := range c.live {
		out = append(out, Allocation{Ptr: p, Size: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ptr < out[j].Ptr })
	return out
}

// Outstanding returns the number of error messages and buffers handed to
// the host and not yet released.
func (c *Core) Outstanding() (messages, buffers int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages), len(c.buffers)
}

// Violations returns every protocol misuse observed so far.
func (c *Core) Violations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.violations...)
}

func (c *Core) violate(format string, args ...any) {
	c.violations = append(c.violations, fmt.Sprintf(format, args...))
}

// takeFailure consumes an injected failure for op. c.mu must be held.
func (c *Core) takeFailure(op string) (failure, bool) {
	c.calls[op]++
	f, ok := c.failures[op]
	if !ok {
		return failure{}, false
	}
	delete(c.failures, op)
	if f.trap {
		panic(fmt.Sprintf("nativemock: injected trap in %s", op))
	}
	return f, true
}

func (c *Core) allocLocked(size, align uint32) uint32 {
	if align == 0 {
		align = 1
	}
	ptr := (c.next + align - 1) &^ (align - 1)
	end := ptr + size
	if size == 0 {
		end++
	}
	if end > c.mem.Size() {
		need := (end - c.mem.Size() + pageSize - 1) / pageSize
		if _, ok := c.mem.Grow(need); !ok {
			return 0
		}
	}
	c.next = end
	c.live[ptr] = size
	return ptr
}

func (c *Core) freeLocked(ptr uint32) {
	if _, ok := c.live[ptr]; !ok {
		c.violate("free of unknown pointer 0x%x", ptr)
		return
	}
	delete(c.live, ptr)
}

func (c *Core) alloc(_ context.Context, size, align uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, failed := c.takeFailure(OpAlloc); failed {
		return 0
	}
	return c.allocLocked(size, align)
}

func (c *Core) free(_ context.Context, ptr, size, _ uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.live[ptr]; ok && s != size {
		c.violate("free of 0x%x with size %d, allocated %d", ptr, size, s)
	}
	c.freeLocked(ptr)
}

func (c *Core) initialize(_ context.Context, cfgPtr uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, failed := c.takeFailure(OpInitialize); failed {
		return
	}
	if c.config != nil {
		c.violate("initialized twice")
		return
	}
	cfg, err := ffi.DecodeConfig(ffi.WrapMemory(c.mem), cfgPtr)
	if err != nil {
		c.violate("invalid config at 0x%x: %v", cfgPtr, err)
		return
	}
	c.config = &cfg
}

func (c *Core) create(_ context.Context, catPtr, catLen, namePtr, nameLen, slot uint32) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.checkSlot(slot) {
		return 0
	}
	if f, failed := c.takeFailure(OpCreate); failed {
		c.writeError(slot, f.code, f.message)
		return 0
	}
	if c.config == nil {
		c.writeError(slot, CodeNotInitialized, "metrics core not initialized")
		return 0
	}
	category, ok1 := c.readString(catPtr, catLen)
	name, ok2 := c.readString(namePtr, nameLen)
	if !ok1 || !ok2 || name == "" {
		c.writeError(slot, CodeInvalidName, fmt.Sprintf("invalid metric name %q", category+"."+name))
		return 0
	}
	c.nextHandle++
	c.metrics[c.nextHandle] = &Metric{Category: category, Name: name}
	return c.nextHandle
}

func (c *Core) setValue(_ context.Context, h uint64, v int64, slot uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.checkSlot(slot) {
		return
	}
	if f, failed := c.takeFailure(OpSetValue); failed {
		c.writeError(slot, f.code, f.message)
		return
	}
	m, ok := c.lookup(slot, h)
	if !ok {
		return
	}
	m.Value = v
	m.Sets++
}

func (c *Core) destroy(_ context.Context, h uint64, slot uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.checkSlot(slot) {
		return
	}
	if f, failed := c.takeFailure(OpDestroy); failed {
		c.writeError(slot, f.code, f.message)
		return
	}
	m, ok := c.lookup(slot, h)
	if !ok {
		return
	}
	m.Destroyed = true
}

// lookup resolves a live metric or reports why it cannot. c.mu must be held.
func (c *Core) lookup(slot uint32, h uint64) (*Metric, bool) {
	m, ok := c.metrics[h]
	if !ok {
		c.writeError(slot, CodeUnknownHandle, fmt.Sprintf("unknown handle %d", h))
		return nil, false
	}
	if m.Destroyed {
		c.violate("use of destroyed handle %d", h)
		c.writeError(slot, CodeDestroyed, fmt.Sprintf("handle %d destroyed", h))
		return nil, false
	}
	return m, true
}

func (c *Core) collectPing(_ context.Context, namePtr, nameLen, out uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, failed := c.takeFailure(OpCollectPing); failed {
		return 0
	}
	name, ok := c.readString(namePtr, nameLen)
	if !ok || name == "" || c.config == nil {
		return 0
	}

	payload := ping.Payload{Name: name, Metrics: make(map[string]int64)}
	for _, m := range c.metrics {
		if !m.Destroyed && m.Sets > 0 {
			payload.Metrics[m.Category+"."+m.Name] = m.Value
		}
	}
	if len(payload.Metrics) == 0 {
		return 0
	}

	data, err := ping.Encode(payload)
	if err != nil {
		c.violate("encode ping %q: %v", name, err)
		return 0
	}
	ptr := c.allocLocked(uint32(len(data)), 1)
	if ptr == 0 {
		return 0
	}
	c.mem.Write(ptr, data)
	c.mem.WriteUint32Le(out, uint32(len(data)))
	c.mem.WriteUint32Le(out+4, ptr)
	c.buffers[ptr] = uint32(len(data))
	return 1
}

func (c *Core) releaseBuffer(_ context.Context, data, length uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	size, ok := c.buffers[data]
	if !ok {
		c.violate("release of unknown buffer 0x%x", data)
		return
	}
	if size != length {
		c.violate("release of buffer 0x%x with length %d, handed out %d", data, length, size)
	}
	delete(c.buffers, data)
	c.freeLocked(data)
}

func (c *Core) releaseErrorMessage(_ context.Context, slot uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ptr, _ := c.mem.ReadUint32Le(slot + 4)
	if ptr == 0 {
		c.violate("release of absent error message in slot 0x%x", slot)
		return
	}
	if !c.messages[ptr] {
		c.violate("error message 0x%x released twice", ptr)
		return
	}
	delete(c.messages, ptr)
	c.freeLocked(ptr)
	c.mem.WriteUint32Le(slot+4, 0)
	c.mem.WriteUint32Le(slot+8, 0)
}

// checkSlot verifies the caller passed a live, zeroed error slot.
// c.mu must be held.
func (c *Core) checkSlot(slot uint32) bool {
	if size, ok := c.live[slot]; !ok || size < ffi.ErrorSlotSize {
		c.violate("error slot 0x%x is not a live allocation", slot)
		return false
	}
	raw, _ := c.mem.Read(slot, ffi.ErrorSlotSize)
	for _, b := range raw {
		if b != 0 {
			c.violate("error slot 0x%x not zeroed", slot)
			return false
		}
	}
	return true
}

// writeError fills an error slot. c.mu must be held.
func (c *Core) writeError(slot uint32, code int32, message string) {
	var buf [ffi.ErrorSlotSize]byte
	binary.LittleEndian.PutUint32(buf[0:], uint32(code))
	if message != "" {
		ptr := c.allocLocked(uint32(len(message)), 1)
		if ptr != 0 {
			c.mem.Write(ptr, []byte(message))
			c.messages[ptr] = true
			binary.LittleEndian.PutUint32(buf[4:], ptr)
			binary.LittleEndian.PutUint32(buf[8:], uint32(len(message)))
		}
	}
	c.mem.Write(slot, buf[:])
}

func (c *Core) readString(ptr, length uint32) (string, bool) {
	if length == 0 {
		return "", true
	}
	b, ok := c.mem.Read(ptr, length)
	if !ok || !utf8.Valid(b) {
		return "", false
	}
	return string(b), true
}
