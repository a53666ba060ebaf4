package nativemock

import (
	"bytes"
	"sync"
)

// ModuleName is the host module the shell imports from.
const ModuleName = "metrics_core"

// Export names of the native core ABI.
const (
	ExportMemory              = "memory"
	ExportAlloc               = "metrics_alloc"
	ExportFree                = "metrics_free"
	ExportInitialize          = "metrics_initialize"
	ExportCreate              = "metrics_create"
	ExportSetValue            = "metrics_set_value"
	ExportDestroy             = "metrics_destroy"
	ExportCollectPing         = "metrics_collect_ping"
	ExportReleaseBuffer       = "metrics_release_buffer"
	ExportReleaseErrorMessage = "metrics_release_error_message"
)

const (
	valI32 = 0x7f
	valI64 = 0x7e

	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionExport   = 7
	sectionCode     = 10

	kindFunc   = 0x00
	kindMemory = 0x02
	funcType   = 0x60

	opLocalGet = 0x20
	opCall     = 0x10
	opEnd      = 0x0b
)

type funcSig struct {
	params  []byte
	results []byte
}

type shellFunc struct {
	name string
	sig  funcSig
}

// shellFuncs lists the ABI in import order. Function index i is the i-th
// entry.
var shellFuncs = []shellFunc{
	{ExportAlloc, funcSig{[]byte{valI32, valI32}, []byte{valI32}}},
	{ExportFree, funcSig{[]byte{valI32, valI32, valI32}, nil}},
	{ExportInitialize, funcSig{[]byte{valI32}, nil}},
	{ExportCreate, funcSig{[]byte{valI32, valI32, valI32, valI32, valI32}, []byte{valI64}}},
	{ExportSetValue, funcSig{[]byte{valI64, valI64, valI32}, nil}},
	{ExportDestroy, funcSig{[]byte{valI64, valI32}, nil}},
	{ExportCollectPing, funcSig{[]byte{valI32, valI32, valI32}, []byte{valI32}}},
	{ExportReleaseBuffer, funcSig{[]byte{valI32, valI32}, nil}},
	{ExportReleaseErrorMessage, funcSig{[]byte{valI32}, nil}},
}

var (
	shellOnce  sync.Once
	shellBytes []byte
)

// Shell returns the guest module binary: one page of exported memory and,
// for every ABI function imported from ModuleName, a defined function that
// forwards its arguments to the import and is exported under the ABI name.
func Shell() []byte {
	shellOnce.Do(func() {
		shellBytes = encodeShell(1)
	})
	out := make([]byte, len(shellBytes))
	copy(out, shellBytes)
	return out
}

func encodeShell(minPages uint32) []byte {
	var w bytes.Buffer
	w.Write([]byte{0x00, 0x61, 0x73, 0x6d}) // magic
	w.Write([]byte{0x01, 0x00, 0x00, 0x00}) // version

	// Type section: one type per function, in order.
	var sec bytes.Buffer
	writeU32(&sec, uint32(len(shellFuncs)))
	for _, f := range shellFuncs {
		sec.WriteByte(funcType)
		writeU32(&sec, uint32(len(f.sig.params)))
		sec.Write(f.sig.params)
		writeU32(&sec, uint32(len(f.sig.results)))
		sec.Write(f.sig.results)
	}
	writeSection(&w, sectionType, sec.Bytes())

	sec.Reset()
	writeU32(&sec, uint32(len(shellFuncs)))
	for i, f := range shellFuncs {
		writeName(&sec, ModuleName)
		writeName(&sec, f.name)
		sec.WriteByte(kindFunc)
		writeU32(&sec, uint32(i))
	}
	writeSection(&w, sectionImport, sec.Bytes())

	// Function section: defined function n+i has the type of import i.
	sec.Reset()
	writeU32(&sec, uint32(len(shellFuncs)))
	for i := range shellFuncs {
		writeU32(&sec, uint32(i))
	}
	writeSection(&w, sectionFunction, sec.Bytes())

	sec.Reset()
	writeU32(&sec, 1)
	sec.WriteByte(0x00) // limits: min only
	writeU32(&sec, minPages)
	writeSection(&w, sectionMemory, sec.Bytes())

	sec.Reset()
	writeU32(&sec, uint32(len(shellFuncs)+1))
	writeName(&sec, ExportMemory)
	sec.WriteByte(kindMemory)
	writeU32(&sec, 0)
	imported := uint32(len(shellFuncs))
	for i, f := range shellFuncs {
		writeName(&sec, f.name)
		sec.WriteByte(kindFunc)
		writeU32(&sec, imported+uint32(i))
	}
	writeSection(&w, sectionExport, sec.Bytes())

	// Code section: local.get 0..n; call $import_i; end
	sec.Reset()
	writeU32(&sec, uint32(len(shellFuncs)))
	var body bytes.Buffer
	for i, f := range shellFuncs {
		body.Reset()
		writeU32(&body, 0) // no locals
		for p := range f.sig.params {
			body.WriteByte(opLocalGet)
			writeU32(&body, uint32(p))
		}
		body.WriteByte(opCall)
		writeU32(&body, uint32(i))
		body.WriteByte(opEnd)

		writeU32(&sec, uint32(body.Len()))
		sec.Write(body.Bytes())
	}
	writeSection(&w, sectionCode, sec.Bytes())

	return w.Bytes()
}

func writeSection(w *bytes.Buffer, id byte, data []byte) {
	w.WriteByte(id)
	writeU32(w, uint32(len(data)))
	w.Write(data)
}

func writeName(w *bytes.Buffer, s string) {
	writeU32(w, uint32(len(s)))
	w.WriteString(s)
}

// writeU32 writes an unsigned LEB128 value
func writeU32(w *bytes.Buffer, v uint32) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		w.WriteByte(b)
		if v == 0 {
			break
		}
	}
}
