package core

// Direction of a buffer allocation
type Direction uint8

const (
	DirectionTX Direction = iota
	DirectionRX
)

func (d Direction) String() string {
	if d == DirectionRX {
		return "rx"
	}
	return "tx"
}

// Topology describes how transmit and receive buffers share memory
type Topology uint8

const (
	TopologyShared Topology = iota // one pool serves both directions
	TopologySplit                  // separate TX and RX pools
)

// UnitID names a transmit controller in the ledger
type UnitID uint8

// MaxUnits is the number of allocations the ledger can track at once
const MaxUnits = 32

// Default buffer multipliers: two buffers for ping-pong, a third when the
// bus is contended
const (
	DefaultMultiplier          = 2
	DefaultContendedMultiplier = 3
)

// LedgerConfig sizes the buffer pools of a platform
type LedgerConfig struct {
	Topology            Topology
	TXWords             int // TX pool size, or the single pool when shared
	RXWords             int // RX pool size, split topology only
	WordsPerUnit        int // words one buffer of one unit needs
	PhysicalWords       int // hardware cap on a single grant (0 = pool size)
	Multiplier          int // buffers per unit (default 2)
	ContendedMultiplier int // buffers per unit under contention (default 3)
}

// Unit is a granted allocation
type Unit struct {
	ID        UnitID
	Words     int
	Direction Direction
	External  bool // holds the external buffer slot instead of pool words
}

type pool struct {
	total    int
	reserved int
	used     int
}

func (p *pool) capacity() int {
	return p.total - p.reserved
}

// Ledger accounts buffer memory and the single external buffer slot across
// transmit units. All bookkeeping is integer only; it never touches memory.
type Ledger struct {
	cfg   LedgerConfig
	pools [2]pool
	units [MaxUnits]Unit
	held  [MaxUnits]bool

	slotHeld bool
	slotUnit UnitID
	slotDir  Direction
}

// NewLedger creates a ledger with all pools free
func NewLedger(cfg LedgerConfig) *Ledger {
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = DefaultMultiplier
	}
	if cfg.ContendedMultiplier <= 0 {
		cfg.ContendedMultiplier = DefaultContendedMultiplier
	}
	if cfg.TXWords < 0 {
		cfg.TXWords = 0
	}
	if cfg.RXWords < 0 || cfg.Topology == TopologyShared {
		cfg.RXWords = 0
	}
	l := &Ledger{cfg: cfg}
	l.pools[DirectionTX].total = cfg.TXWords
	l.pools[DirectionRX].total = cfg.RXWords
	return l
}

// Config returns the effective configuration
func (l *Ledger) Config() LedgerConfig {
	return l.cfg
}

func (l *Ledger) pool(dir Direction) *pool {
	if l.cfg.Topology == TopologyShared || dir > DirectionRX {
		return &l.pools[DirectionTX]
	}
	return &l.pools[dir]
}

// bufferMultiplier returns how many buffers a unit gets
func (l *Ledger) bufferMultiplier(contended bool) int {
	if contended {
		return l.cfg.ContendedMultiplier
	}
	return l.cfg.Multiplier
}

// Required returns the words a pool allocation would take
func (l *Ledger) Required(contended bool) int {
	words := l.bufferMultiplier(contended) * l.cfg.WordsPerUnit
	if l.cfg.PhysicalWords > 0 && words > l.cfg.PhysicalWords {
		words = l.cfg.PhysicalWords
	}
	return words
}

func (l *Ledger) find(id UnitID, dir Direction) int {
	for i := range l.units {
		if l.held[i] && l.units[i].ID == id && l.units[i].Direction == dir {
			return i
		}
	}
	return -1
}

func (l *Ledger) freeIndex() int {
	for i := range l.held {
		if !l.held[i] {
			return i
		}
	}
	return -1
}

// Allocate grants buffer memory to a unit. With useExternal the unit claims
// the external buffer slot and takes no pool words. The grant is all or
// nothing. Returns the words granted.
func (l *Ledger) Allocate(id UnitID, dir Direction, useExternal, contended bool) (int, error) {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	if l.find(id, dir) >= 0 {
		return 0, ErrUnitInUse
	}
	idx := l.freeIndex()
	if idx < 0 {
		return 0, ErrInsufficientMemory
	}

	if useExternal {
		if l.slotHeld {
			return 0, ErrSlotInUse
		}
		l.slotHeld = true
		l.slotUnit = id
		l.slotDir = dir
		l.units[idx] = Unit{ID: id, Direction: dir, External: true}
		l.held[idx] = true
		return 0, nil
	}

	words := l.Required(contended)
	p := l.pool(dir)
	if p.used+words > p.capacity() {
		return 0, ErrInsufficientMemory
	}
	p.used += words
	l.units[idx] = Unit{ID: id, Words: words, Direction: dir}
	l.held[idx] = true
	return words, nil
}

// Release returns a unit's allocation. Releasing nothing is a no-op.
func (l *Ledger) Release(id UnitID, dir Direction) {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	idx := l.find(id, dir)
	if idx < 0 {
		return
	}
	u := l.units[idx]
	if u.External {
		l.slotHeld = false
	} else {
		l.pool(dir).used -= u.Words
	}
	l.held[idx] = false
	l.units[idx] = Unit{}
}

// ReserveExternal removes words from the pool for a consumer outside the
// ledger. Negative words hand a reservation back. Refused when units already
// granted would no longer fit.
func (l *Ledger) ReserveExternal(words int, dir Direction) error {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	p := l.pool(dir)
	reserved := p.reserved + words
	if reserved < 0 {
		reserved = 0
	}
	if reserved > p.total || p.used > p.total-reserved {
		return ErrInsufficientMemory
	}
	p.reserved = reserved
	return nil
}

// Capacity returns the words the pool advertises after reservations
func (l *Ledger) Capacity(dir Direction) int {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	return l.pool(dir).capacity()
}

// Used returns the words currently granted
func (l *Ledger) Used(dir Direction) int {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	return l.pool(dir).used
}

// Free returns the words still available
func (l *Ledger) Free(dir Direction) int {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	p := l.pool(dir)
	return p.capacity() - p.used
}

// Units copies the current grants into dst and returns the count
func (l *Ledger) Units(dst []Unit) int {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	n := 0
	for i := range l.units {
		if !l.held[i] {
			continue
		}
		if n == len(dst) {
			break
		}
		dst[n] = l.units[i]
		n++
	}
	return n
}

// ExternalHolder reports which unit holds the external buffer slot
func (l *Ledger) ExternalHolder() (UnitID, Direction, bool) {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	return l.slotUnit, l.slotDir, l.slotHeld
}
