// Package config loads the host simulator configuration from TOML
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"

	"pixelbus/core"
)

// Engine kinds
const (
	KindClockless = "clockless" // waveform encoded, parallel lanes
	KindClocked   = "clocked"   // raw payload, serialized per clock line
	KindBitbang   = "bitbang"   // raw payload, single lane fallback
)

var (
	ErrNoEngines    = errors.New("config: no engines configured")
	ErrUnknownKind  = errors.New("config: unknown engine kind")
	ErrDuplicate    = errors.New("config: duplicate engine name")
	ErrTopology     = errors.New("config: unknown ledger topology")
	ErrOutOfRange   = errors.New("config: value out of range")
	ErrTooManyUnits = errors.New("config: engines need more ledger units than available")
)

// Config is the whole simulator configuration
type Config struct {
	LogLevel string         `toml:"log_level"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Dispatch DispatchConfig `toml:"dispatch"`
	Engines  []EngineConfig `toml:"engine"`
	Sim      SimConfig      `toml:"sim"`
}

// LedgerConfig sizes the buffer pools
type LedgerConfig struct {
	Topology            string `toml:"topology"` // "shared" or "split"
	TXWords             int    `toml:"tx_words"`
	RXWords             int    `toml:"rx_words"`
	WordsPerUnit        int    `toml:"words_per_unit"`
	PhysicalWords       int    `toml:"physical_words"`
	Multiplier          int    `toml:"multiplier"`
	ContendedMultiplier int    `toml:"contended_multiplier"`
}

// DispatchConfig is the dispatcher policy
type DispatchConfig struct {
	FallThrough    bool `toml:"fall_through"`
	CloseTimeoutMS int  `toml:"close_timeout_ms"`
}

// EngineConfig describes one engine and its simulated controllers
type EngineConfig struct {
	Kind        string `toml:"kind"`
	Name        string `toml:"name"`
	Priority    int    `toml:"priority"`
	Lanes       int    `toml:"lanes"`
	ChunkBytes  int    `toml:"chunk_bytes"`
	QueueSize   int    `toml:"queue_size"`
	Controllers int    `toml:"controllers"`
	DMA         bool   `toml:"dma"`
	External    bool   `toml:"external"`
	Contended   bool   `toml:"contended"`
	LatencyUS   int    `toml:"latency_us"` // simulated wire time per buffer
}

// SimConfig drives the synthetic workload
type SimConfig struct {
	Frames          int `toml:"frames"`
	Strips          int `toml:"strips"`
	Pixels          int `toml:"pixels"`
	FrameIntervalMS int `toml:"frame_interval_ms"`
	ClockedStrips   int `toml:"clocked_strips"`
}

// Load parses TOML and fills in defaults
func Load(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a configuration with a four-lane clockless engine, a
// clocked engine and a bit-bang fallback
func Default() *Config {
	cfg := &Config{
		Engines: []EngineConfig{
			{Kind: KindClockless, Name: "pio", Priority: 10, Lanes: 4, Controllers: 2, DMA: true, LatencyUS: 200},
			{Kind: KindClocked, Name: "spi", Priority: 5, Controllers: 1, LatencyUS: 100},
			{Kind: KindBitbang, Name: "bitbang", Priority: 1, Controllers: 1},
		},
	}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills in missing configuration values with sensible defaults
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.Ledger.Topology == "" {
		cfg.Ledger.Topology = "shared"
	}
	if cfg.Ledger.TXWords == 0 {
		cfg.Ledger.TXWords = 16384
	}
	if cfg.Ledger.WordsPerUnit == 0 {
		cfg.Ledger.WordsPerUnit = 512
	}

	if cfg.Dispatch.CloseTimeoutMS == 0 {
		cfg.Dispatch.CloseTimeoutMS = 500
	}

	for i := range cfg.Engines {
		e := &cfg.Engines[i]
		if e.Kind == "" {
			e.Kind = KindClockless
		}
		if e.Name == "" {
			e.Name = e.Kind
		}
		if e.Lanes == 0 {
			e.Lanes = 1
		}
		if e.ChunkBytes == 0 {
			e.ChunkBytes = core.DefaultChunkBytes
		}
		if e.QueueSize == 0 {
			e.QueueSize = core.DefaultQueueSize
		}
		if e.Controllers == 0 {
			e.Controllers = 1
		}
	}

	if cfg.Sim.Frames == 0 {
		cfg.Sim.Frames = 100
	}
	if cfg.Sim.Strips == 0 {
		cfg.Sim.Strips = 8
	}
	if cfg.Sim.Pixels == 0 {
		cfg.Sim.Pixels = 60
	}
	if cfg.Sim.FrameIntervalMS == 0 {
		cfg.Sim.FrameIntervalMS = 16
	}
}

// Validate checks ranges and cross-field constraints
func (c *Config) Validate() error {
	var errs []error

	switch c.Ledger.Topology {
	case "shared", "split":
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrTopology, c.Ledger.Topology))
	}
	if c.Ledger.TXWords < 0 || c.Ledger.RXWords < 0 || c.Ledger.WordsPerUnit <= 0 {
		errs = append(errs, fmt.Errorf("%w: ledger sizes", ErrOutOfRange))
	}

	if len(c.Engines) == 0 {
		errs = append(errs, ErrNoEngines)
	}
	names := make(map[string]bool, len(c.Engines))
	units := 0
	for _, e := range c.Engines {
		switch e.Kind {
		case KindClockless, KindClocked, KindBitbang:
		default:
			errs = append(errs, fmt.Errorf("%w: %q (engine %s)", ErrUnknownKind, e.Kind, e.Name))
		}
		if names[e.Name] {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicate, e.Name))
		}
		names[e.Name] = true
		if e.Lanes < 1 || e.Lanes > 16 {
			errs = append(errs, fmt.Errorf("%w: engine %s lanes %d", ErrOutOfRange, e.Name, e.Lanes))
		}
		if e.Controllers < 1 || e.ChunkBytes < 1 || e.LatencyUS < 0 {
			errs = append(errs, fmt.Errorf("%w: engine %s", ErrOutOfRange, e.Name))
		}
		units += e.Controllers
	}
	if units > core.MaxUnits {
		errs = append(errs, fmt.Errorf("%w: %d > %d", ErrTooManyUnits, units, core.MaxUnits))
	}

	if c.Sim.Frames < 0 || c.Sim.Strips < 0 || c.Sim.Pixels < 0 || c.Sim.ClockedStrips < 0 {
		errs = append(errs, fmt.Errorf("%w: sim workload", ErrOutOfRange))
	}

	return errors.Join(errs...)
}

// ApplyFlags lets flags set on the command line override the file
func ApplyFlags(cfg *Config, fs *pflag.FlagSet) error {
	var err error
	if fs.Changed("log-level") {
		if cfg.LogLevel, err = fs.GetString("log-level"); err != nil {
			return err
		}
	}
	if fs.Changed("frames") {
		if cfg.Sim.Frames, err = fs.GetInt("frames"); err != nil {
			return err
		}
	}
	if fs.Changed("fall-through") {
		if cfg.Dispatch.FallThrough, err = fs.GetBool("fall-through"); err != nil {
			return err
		}
	}
	if fs.Changed("lanes") {
		lanes, err := fs.GetInt("lanes")
		if err != nil {
			return err
		}
		for i := range cfg.Engines {
			if cfg.Engines[i].Kind == KindClockless {
				cfg.Engines[i].Lanes = lanes
			}
		}
	}
	return nil
}

// CloseTimeout returns the dispatcher teardown budget
func (c *Config) CloseTimeout() time.Duration {
	return time.Duration(c.Dispatch.CloseTimeoutMS) * time.Millisecond
}

// CoreLedger converts the ledger section
func (c *Config) CoreLedger() core.LedgerConfig {
	topology := core.TopologyShared
	if c.Ledger.Topology == "split" {
		topology = core.TopologySplit
	}
	return core.LedgerConfig{
		Topology:            topology,
		TXWords:             c.Ledger.TXWords,
		RXWords:             c.Ledger.RXWords,
		WordsPerUnit:        c.Ledger.WordsPerUnit,
		PhysicalWords:       c.Ledger.PhysicalWords,
		Multiplier:          c.Ledger.Multiplier,
		ContendedMultiplier: c.Ledger.ContendedMultiplier,
	}
}

// CoreEngines converts the engine list, assigning consecutive ledger units
func (c *Config) CoreEngines() []core.EngineConfig {
	out := make([]core.EngineConfig, 0, len(c.Engines))
	unit := core.UnitID(0)
	for _, e := range c.Engines {
		ec := core.EngineConfig{
			Name:       e.Name,
			Priority:   e.Priority,
			Families:   []core.ProtocolFamily{core.FamilyClockless},
			Encoding:   core.EncodingWave,
			Grouping:   core.GroupByTiming,
			Lanes:      e.Lanes,
			ChunkBytes: e.ChunkBytes,
			QueueSize:  e.QueueSize,
			External:   e.External,
			UnitBase:   unit,
		}
		switch e.Kind {
		case KindClocked:
			ec.Families = []core.ProtocolFamily{core.FamilyClocked}
			ec.Encoding = core.EncodingRaw
			ec.Grouping = core.GroupByClockLine
		case KindBitbang:
			ec.Encoding = core.EncodingRaw
			ec.Grouping = core.GroupByLine
		}
		if ec.Lanes <= 1 && ec.Grouping == core.GroupByTiming {
			ec.Grouping = core.GroupByLine
		}
		out = append(out, ec)
		unit += core.UnitID(e.Controllers)
	}
	return out
}
