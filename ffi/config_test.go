package ffi

import (
	"encoding/binary"
	"reflect"
	"testing"
)

func u32(v uint32) *uint32 { return &v }
func str(s string) *string { return &s }

func TestConfig_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		cfg  NativeConfig
	}{
		{
			name: "minimal",
			cfg: NativeConfig{
				DataPath:      "/tmp/metrics",
				ApplicationID: "org.example.app",
			},
		},
		{
			name: "all fields",
			cfg: NativeConfig{
				DataPath:            "/var/lib/app",
				ApplicationID:       "org.example.app",
				LanguageBindingName: "Go",
				AppBuild:            "2026.10.1",
				UploadEnabled:       true,
				DelayPingLifetimeIO: true,
				UseCoreMPS:          true,
				MaxEvents:           u32(500),
				Channel:             str("nightly"),
			},
		},
		{
			name: "present but empty options",
			cfg: NativeConfig{
				ApplicationID: "ünïcödé",
				MaxEvents:     u32(0),
				Channel:       str(""),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeBoundary()
			mem, alloc := f.Memory(), f.Allocator()

			ptr, allocs, err := EncodeConfig(mem, alloc, tt.cfg)
			if err != nil {
				t.Fatalf("EncodeConfig failed: %v", err)
			}
			if ptr%ConfigAlign != 0 {
				t.Errorf("config struct misaligned at 0x%x", ptr)
			}

			got, err := DecodeConfig(mem, ptr)
			if err != nil {
				t.Fatalf("DecodeConfig failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.cfg) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, tt.cfg)
			}

			allocs.FreeAndRelease(alloc)
			f.assertNoLeaks(t)
		})
	}
}

func TestConfig_Layout(t *testing.T) {
	f := newFakeBoundary()
	cfg := NativeConfig{
		DataPath:      "dp",
		ApplicationID: "app",
		UploadEnabled: true,
		UseCoreMPS:    true,
		MaxEvents:     u32(0x01020304),
	}

	ptr, allocs, err := EncodeConfig(f.Memory(), f.Allocator(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer allocs.FreeAndRelease(f.Allocator())

	raw := f.mem[ptr : ptr+ConfigSize]
	le := binary.LittleEndian

	if l := le.Uint32(raw[4:]); l != 2 {
		t.Errorf("data_path len = %d", l)
	}
	if p := le.Uint32(raw[0:]); string(f.mem[p:p+2]) != "dp" {
		t.Errorf("data_path bytes = %q", f.mem[p:p+2])
	}
	if l := le.Uint32(raw[12:]); l != 3 {
		t.Errorf("application_id len = %d", l)
	}
	if p, l := le.Uint32(raw[16:]), le.Uint32(raw[20:]); p != 0 || l != 0 {
		t.Errorf("empty language_binding_name = (%d, %d), want (0, 0)", p, l)
	}
	if raw[32] != 1 || raw[33] != 0 || raw[34] != 1 {
		t.Errorf("bools = %v", raw[32:35])
	}
	if raw[36] != 1 || le.Uint32(raw[40:]) != 0x01020304 {
		t.Errorf("max_events = tag %d value %#x", raw[36], le.Uint32(raw[40:]))
	}
	if raw[44] != 0 {
		t.Errorf("absent channel tag = %d", raw[44])
	}
}

func TestConfig_InvalidUTF8(t *testing.T) {
	f := newFakeBoundary()
	_, allocs, err := EncodeConfig(f.Memory(), f.Allocator(), NativeConfig{
		DataPath:      "/ok",
		ApplicationID: string([]byte{0xff, 0xfe}),
	})
	if err == nil {
		t.Fatal("expected error for invalid UTF-8")
	}
	if allocs != nil {
		t.Error("allocation list should be nil on error")
	}
	f.assertNoLeaks(t)
}

func TestConfig_DecodeInvalidBool(t *testing.T) {
	f := newFakeBoundary()
	ptr, allocs, err := EncodeConfig(f.Memory(), f.Allocator(), NativeConfig{ApplicationID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	defer allocs.FreeAndRelease(f.Allocator())

	f.mem[ptr+cfgUploadEnabledOffset] = 7
	if _, err := DecodeConfig(f.Memory(), ptr); err == nil {
		t.Fatal("expected error for invalid bool byte")
	}
}

func TestAllocationList(t *testing.T) {
	f := newFakeBoundary()
	alloc := f.Allocator()
	al := NewAllocationList()

	for i := 0; i < 3; i++ {
		p, err := alloc.Alloc(8, 4)
		if err != nil {
			t.Fatal(err)
		}
		al.Add(p, 8, 4)
	}
	al.Add(0, 0, 1)
	if al.Count() != 4 {
		t.Fatalf("Count = %d", al.Count())
	}

	al.Free(alloc)
	if al.Count() != 0 {
		t.Errorf("Count after Free = %d", al.Count())
	}
	// A second Free has nothing left to free.
	al.Free(alloc)
	al.Release()
	f.assertNoLeaks(t)
}
