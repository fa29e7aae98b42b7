package generic

import (
	"tinygo.org/x/drivers"

	"pixelbus/core"
)

// ClocklessConfig is the engine configuration for self-clocked strips on SPI
func ClocklessConfig(name string, priority int, unitBase core.UnitID) core.EngineConfig {
	return core.EngineConfig{
		Name:     name,
		Priority: priority,
		Families: []core.ProtocolFamily{core.FamilyClockless},
		Encoding: core.EncodingWave,
		Grouping: core.GroupByLine,
		Lanes:    1,
		UnitBase: unitBase,
	}
}

// ClockedConfig is the engine configuration for clocked strips on SPI.
// Requests sharing a clock line never stream at the same time.
func ClockedConfig(name string, priority int, unitBase core.UnitID) core.EngineConfig {
	return core.EngineConfig{
		Name:     name,
		Priority: priority,
		Families: []core.ProtocolFamily{core.FamilyClocked},
		Encoding: core.EncodingRaw,
		Grouping: core.GroupByClockLine,
		Lanes:    1,
		UnitBase: unitBase,
	}
}

// AddEngine registers an SPI engine with one controller per bus
func AddEngine(sys *core.System, cfg core.EngineConfig, buses []drivers.SPI, opts ...Option) (*core.StreamEngine, error) {
	caps := make([]core.Capability, len(buses))
	for i, bus := range buses {
		caps[i] = NewSPICapability(cfg.Name, bus, opts...)
	}
	return sys.AddEngine(cfg, caps)
}
