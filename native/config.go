package native

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/metrics-bridge/instrument"
)

// HostModuleFunc instantiates a host module the core imports from. It runs
// after WASI and before the core is instantiated.
type HostModuleFunc func(ctx context.Context, rt wazero.Runtime) error

// InstantiateFunc runs once the core module is instantiated.
type InstantiateFunc func(ctx context.Context, mod api.Module) error

// Config holds configuration for loading the native core.
type Config struct {
	Logger  *zap.Logger
	Metrics instrument.BoundaryMetrics

	// ModuleName is the instance name of the core. Defaults to "metrics".
	ModuleName string

	// HostModules are instantiated in order before the core.
	HostModules []HostModuleFunc

	// OnInstantiate hooks run in order after the core is instantiated.
	OnInstantiate []InstantiateFunc

	// MemoryLimitPages sets the maximum memory of the core in pages (64KB
	// each). 0 means the wazero default (65536 pages = 4GB).
	MemoryLimitPages uint32

	// WASI instantiates wasi_snapshot_preview1 for cores built against it.
	WASI bool
}

const defaultModuleName = "metrics"

func (c *Config) withDefaults() Config {
	var out Config
	if c != nil {
		out = *c
	}
	if out.Logger == nil {
		out.Logger = Logger()
	}
	if out.Metrics == nil {
		out.Metrics = instrument.Nop()
	}
	if out.ModuleName == "" {
		out.ModuleName = defaultModuleName
	}
	return out
}
