package ffi

import (
	"encoding/binary"

	metricsbridge "github.com/wippyai/metrics-bridge"
	"github.com/wippyai/metrics-bridge/errors"
)

// NativeConfig is the configuration handed to the core's initialize call.
// Nil pointers encode as an absent option.
type NativeConfig struct {
	MaxEvents           *uint32
	Channel             *string
	DataPath            string
	ApplicationID       string
	LanguageBindingName string
	AppBuild            string
	UploadEnabled       bool
	DelayPingLifetimeIO bool
	UseCoreMPS          bool
}

// Config struct layout. Strings are (ptr u32, len u32) UTF-8; bools are u8;
// option<T> is a u8 tag (1 = some) followed by the payload at its natural
// alignment.
//
//	off  field                   type
//	  0  data_path               string
//	  8  application_id          string
//	 16  language_binding_name   string
//	 24  app_build               string
//	 32  upload_enabled          bool
//	 33  delay_ping_lifetime_io  bool
//	 34  use_core_mps            bool
//	 36  max_events              option<u32>     tag @36, value @40
//	 44  channel                 option<string>  tag @44, ptr @48, len @52
const (
	ConfigSize  = 56
	ConfigAlign = 4

	cfgDataPathOffset       = 0
	cfgApplicationIDOffset  = 8
	cfgBindingNameOffset    = 16
	cfgAppBuildOffset       = 24
	cfgUploadEnabledOffset  = 32
	cfgDelayPingIOOffset    = 33
	cfgUseCoreMPSOffset     = 34
	cfgMaxEventsTagOffset   = 36
	cfgMaxEventsValueOffset = 40
	cfgChannelTagOffset     = 44
	cfgChannelPtrOffset     = 48
)

// EncodeConfig writes cfg into guest memory. The returned list holds every
// allocation made, including the struct itself at ptr; the caller frees it
// once the initialize call has returned. On error nothing stays allocated.
func EncodeConfig(mem metricsbridge.Memory, alloc metricsbridge.Allocator, cfg NativeConfig) (ptr uint32, allocs *AllocationList, err error) {
	allocs = NewAllocationList()
	defer func() {
		if err != nil {
			allocs.FreeAndRelease(alloc)
			allocs = nil
		}
	}()

	ptr, err = alloc.Alloc(ConfigSize, ConfigAlign)
	if err != nil {
		return 0, allocs, err
	}
	allocs.Add(ptr, ConfigSize, ConfigAlign)

	buf := make([]byte, ConfigSize)

	putString := func(off uint32, field, s string) error {
		p, l, err := WriteString(mem, alloc, allocs, s)
		if err != nil {
			return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
				Op("encode_config").
				Detail("field %s", field).
				Cause(err).
				Build()
		}
		binary.LittleEndian.PutUint32(buf[off:], p)
		binary.LittleEndian.PutUint32(buf[off+4:], l)
		return nil
	}

	if err = putString(cfgDataPathOffset, "data_path", cfg.DataPath); err != nil {
		return 0, allocs, err
	}
	if err = putString(cfgApplicationIDOffset, "application_id", cfg.ApplicationID); err != nil {
		return 0, allocs, err
	}
	if err = putString(cfgBindingNameOffset, "language_binding_name", cfg.LanguageBindingName); err != nil {
		return 0, allocs, err
	}
	if err = putString(cfgAppBuildOffset, "app_build", cfg.AppBuild); err != nil {
		return 0, allocs, err
	}

	buf[cfgUploadEnabledOffset] = boolByte(cfg.UploadEnabled)
	buf[cfgDelayPingIOOffset] = boolByte(cfg.DelayPingLifetimeIO)
	buf[cfgUseCoreMPSOffset] = boolByte(cfg.UseCoreMPS)

	if cfg.MaxEvents != nil {
		buf[cfgMaxEventsTagOffset] = 1
		binary.LittleEndian.PutUint32(buf[cfgMaxEventsValueOffset:], *cfg.MaxEvents)
	}
	if cfg.Channel != nil {
		buf[cfgChannelTagOffset] = 1
		if err = putString(cfgChannelPtrOffset, "channel", *cfg.Channel); err != nil {
			return 0, allocs, err
		}
	}

	if err = mem.Write(ptr, buf); err != nil {
		return 0, allocs, err
	}
	return ptr, allocs, nil
}

// DecodeConfig reads a config struct at ptr. It is the native side's view of
// the layout and is used by in-process cores.
func DecodeConfig(mem metricsbridge.Memory, ptr uint32) (NativeConfig, error) {
	var cfg NativeConfig

	buf, err := mem.Read(ptr, ConfigSize)
	if err != nil {
		return cfg, err
	}

	getString := func(off uint32, field string) (string, error) {
		p := binary.LittleEndian.Uint32(buf[off:])
		l := binary.LittleEndian.Uint32(buf[off+4:])
		s, err := ReadString(mem, p, l)
		if err != nil {
			return "", errors.New(errors.PhaseConfig, errors.KindInvalidData).
				Op("decode_config").
				Detail("field %s", field).
				Cause(err).
				Build()
		}
		return s, nil
	}
	getBool := func(off uint32, field string) (bool, error) {
		switch buf[off] {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
		return false, errors.InvalidData(errors.PhaseConfig, "decode_config", "field "+field+": invalid bool byte")
	}

	if cfg.DataPath, err = getString(cfgDataPathOffset, "data_path"); err != nil {
		return cfg, err
	}
	if cfg.ApplicationID, err = getString(cfgApplicationIDOffset, "application_id"); err != nil {
		return cfg, err
	}
	if cfg.LanguageBindingName, err = getString(cfgBindingNameOffset, "language_binding_name"); err != nil {
		return cfg, err
	}
	if cfg.AppBuild, err = getString(cfgAppBuildOffset, "app_build"); err != nil {
		return cfg, err
	}
	if cfg.UploadEnabled, err = getBool(cfgUploadEnabledOffset, "upload_enabled"); err != nil {
		return cfg, err
	}
	if cfg.DelayPingLifetimeIO, err = getBool(cfgDelayPingIOOffset, "delay_ping_lifetime_io"); err != nil {
		return cfg, err
	}
	if cfg.UseCoreMPS, err = getBool(cfgUseCoreMPSOffset, "use_core_mps"); err != nil {
		return cfg, err
	}

	hasMax, err := getBool(cfgMaxEventsTagOffset, "max_events")
	if err != nil {
		return cfg, err
	}
	if hasMax {
		v := binary.LittleEndian.Uint32(buf[cfgMaxEventsValueOffset:])
		cfg.MaxEvents = &v
	}

	hasChannel, err := getBool(cfgChannelTagOffset, "channel")
	if err != nil {
		return cfg, err
	}
	if hasChannel {
		ch, err := getString(cfgChannelPtrOffset, "channel")
		if err != nil {
			return cfg, err
		}
		cfg.Channel = &ch
	}

	return cfg, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
