package core

import (
	"cmp"
	"errors"
	"io"
	"slices"
	"sync"
	"time"

	"pixelbus/protocol"
)

// Encoding selects how payload bytes become wire bytes
type Encoding uint8

const (
	EncodingWave Encoding = iota // expand bits into sub-pulse patterns
	EncodingRaw                  // send payload bytes unchanged
)

// Grouping selects which queued requests may share a controller and which
// must wait for each other
type Grouping uint8

const (
	GroupByLine      Grouping = iota // one request per stream, serialized per line
	GroupByTiming                    // equal timing and length on consecutive lines stream as parallel lanes
	GroupByClockLine                 // serialized per shared clock line
)

// Engine defaults
const (
	DefaultChunkBytes = 64
	DefaultQueueSize  = 16
)

// EngineConfig describes a class of transmit hardware
type EngineConfig struct {
	Name       string
	Priority   int
	Families   []ProtocolFamily
	Encoding   Encoding
	Grouping   Grouping
	Lanes      int // lanes one controller drives in parallel
	ChunkBytes int // source bytes per lane in one buffer
	QueueSize  int // pending request capacity
	Direction  Direction
	External   bool   // controllers use the external buffer slot instead of pool words
	UnitBase   UnitID // ledger unit of the first controller
}

// EngineOption configures a StreamEngine
type EngineOption func(*StreamEngine)

// WithLogger sets the engine logger
func WithLogger(log Logger) EngineOption {
	return func(e *StreamEngine) {
		e.log = loggerOrNop(log)
	}
}

// WithTrace records stream events into trace
func WithTrace(trace *Trace) EngineOption {
	return func(e *StreamEngine) {
		e.trace = trace
	}
}

// WithContention supplies a hint that the bus is shared with other traffic;
// contended allocations reserve an extra buffer
func WithContention(contended func() bool) EngineOption {
	return func(e *StreamEngine) {
		e.contended = contended
	}
}

type controller struct {
	hw     Capability
	unit   UnitID
	stream *Streamer
	notify bool

	began bool
	cfg   CapabilityConfig
	enc   protocol.ChunkEncoder

	lanes  [][]byte
	reqs   []*Request
	active bool
}

// StreamEngine runs queued requests as streams on a pool of identical
// controllers. Enqueue, Start and Poll belong to the control loop; only the
// streamers are touched from completion context.
type StreamEngine struct {
	mu sync.Mutex

	cfg       EngineConfig
	ledger    *Ledger
	log       Logger
	trace     *Trace
	contended func() bool

	ctrls    []*controller
	pending  []*Request
	groupIdx []int
	laneBuf  []*Request
	failed   []LineID

	state EngineState
	err   error
	armed bool
	stats EngineStats
}

// NewStreamEngine creates an engine over the given controllers
func NewStreamEngine(cfg EngineConfig, ledger *Ledger, controllers []Capability, opts ...EngineOption) (*StreamEngine, error) {
	if len(controllers) == 0 {
		return nil, ErrNoControllers
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = DefaultChunkBytes
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Lanes <= 0 || cfg.Encoding == EncodingRaw {
		cfg.Lanes = 1
	}
	if cfg.Lanes > protocol.MaxLanes {
		return nil, protocol.ErrLaneCount
	}
	if len(cfg.Families) == 0 {
		cfg.Families = []ProtocolFamily{FamilyClockless}
	}

	e := &StreamEngine{
		cfg:      cfg,
		ledger:   ledger,
		log:      NopLogger{},
		pending:  make([]*Request, 0, cfg.QueueSize),
		groupIdx: make([]int, 0, cfg.Lanes),
		laneBuf:  make([]*Request, 0, cfg.Lanes),
	}
	for _, opt := range opts {
		opt(e)
	}

	size := cfg.ChunkBytes
	if cfg.Encoding == EncodingWave {
		size = protocol.TransposedLen(cfg.Lanes, cfg.ChunkBytes)
	}
	for i, hw := range controllers {
		stream, err := NewStreamer(hw, size, hw.AcquireBuffer)
		if err != nil {
			return nil, err
		}
		c := &controller{
			hw:     hw,
			unit:   cfg.UnitBase + UnitID(i),
			stream: stream,
			lanes:  make([][]byte, 0, cfg.Lanes),
			reqs:   make([]*Request, 0, cfg.Lanes),
		}
		stream.SetTrace(e.trace, uint8(c.unit))
		if n, ok := hw.(CompletionNotifier); ok {
			c.notify = true
			n.SetCompletionHandler(func() {
				stream.OnChunkComplete()
			})
		}
		e.ctrls = append(e.ctrls, c)
	}
	return e, nil
}

func (e *StreamEngine) Name() string {
	return e.cfg.Name
}

func (e *StreamEngine) Priority() int {
	return e.cfg.Priority
}

// Config returns the effective configuration
func (e *StreamEngine) Config() EngineConfig {
	return e.cfg
}

// Info describes the first controller when its capability can tell
func (e *StreamEngine) Info() EngineInfo {
	if p, ok := e.ctrls[0].hw.(InfoProvider); ok {
		return p.Info()
	}
	return EngineInfo{Name: e.cfg.Name, Lanes: e.cfg.Lanes}
}

func (e *StreamEngine) CanHandle(req *Request) bool {
	if req == nil || len(req.Payload) == 0 {
		return false
	}
	if e.cfg.Encoding == EncodingWave && req.Timing.Period() == 0 {
		return false
	}
	supported := false
	for _, f := range e.cfg.Families {
		if f == req.Family {
			supported = true
			break
		}
	}
	if !supported {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.lineFailed(req.Line)
}

func (e *StreamEngine) Enqueue(req *Request) error {
	if !e.CanHandle(req) {
		return ErrUnsupportedProtocol
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return ErrEngineUnavailable
	}
	if len(e.pending) == cap(e.pending) {
		return ErrQueueFull
	}
	if !req.claim() {
		return ErrRequestInUse
	}
	e.pending = append(e.pending, req)
	e.stats.Accepted++
	e.updateState()
	return nil
}

func (e *StreamEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.err != nil {
		if !errors.Is(e.err, ErrStreamOverrun) || e.anyActive() {
			return e.err
		}
		e.log.Info("clearing overrun", "engine", e.cfg.Name)
		e.err = nil
	}
	e.armed = true
	err := e.launchPending()
	e.updateState()
	return err
}

func (e *StreamEngine) Poll() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, c := range e.ctrls {
		if !c.active {
			continue
		}
		if !c.notify {
			for c.stream.InFlight() && !c.hw.IsBusy() {
				if c.stream.OnChunkComplete() != nil {
					break
				}
			}
		}
		e.settle(c)
	}
	if e.armed && e.err == nil && len(e.pending) > 0 {
		e.launchPending()
	}
	e.updateState()
	return e.state
}

func (e *StreamEngine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *StreamEngine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *StreamEngine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Pending returns the number of queued requests not yet streaming
func (e *StreamEngine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *StreamEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.err = nil
	e.failed = e.failed[:0]
	for _, c := range e.ctrls {
		if !c.active {
			c.began = false
		}
	}
	e.updateState()
}

// RetryLine makes a line that failed hardware init routable again
func (e *StreamEngine) RetryLine(line LineID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, l := range e.failed {
		if l == line {
			e.failed = append(e.failed[:i], e.failed[i+1:]...)
			return
		}
	}
}

func (e *StreamEngine) Close(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var closeErr error
	for {
		e.Poll()
		c := e.busyController()
		if c == nil {
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			closeErr = ErrCloseTimeout
			break
		}
		if err := c.hw.WaitComplete(remaining); err != nil {
			e.log.Debug("wait complete", "engine", e.cfg.Name, "err", err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropPending()
	e.armed = false
	if closeErr == nil {
		for _, c := range e.ctrls {
			if closer, ok := c.hw.(io.Closer); ok {
				if err := closer.Close(); err != nil {
					e.log.Warn("close controller", "engine", e.cfg.Name, "unit", c.unit, "err", err)
				}
			}
			c.began = false
		}
	}
	e.updateState()
	return closeErr
}

func (e *StreamEngine) busyController() *controller {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.ctrls {
		if c.active {
			return c
		}
	}
	return nil
}

func (e *StreamEngine) lineFailed(line LineID) bool {
	for _, l := range e.failed {
		if l == line {
			return true
		}
	}
	return false
}

func (e *StreamEngine) markFailed(line LineID) {
	if !e.lineFailed(line) {
		e.failed = append(e.failed, line)
	}
}

func (e *StreamEngine) anyActive() bool {
	for _, c := range e.ctrls {
		if c.active {
			return true
		}
	}
	return false
}

func (e *StreamEngine) freeController() *controller {
	for _, c := range e.ctrls {
		if !c.active {
			return c
		}
	}
	return nil
}

// key returns what serializes a request against others
func (e *StreamEngine) key(r *Request) LineID {
	if e.cfg.Grouping == GroupByClockLine {
		return r.ClockLine
	}
	return r.Line
}

// keyBusy reports whether pending[i] must wait: its key is streaming or an
// earlier queued request shares it
func (e *StreamEngine) keyBusy(i int) bool {
	k := e.key(e.pending[i])
	for _, c := range e.ctrls {
		if !c.active {
			continue
		}
		for _, r := range c.reqs {
			if e.key(r) == k {
				return true
			}
		}
	}
	for j := 0; j < i; j++ {
		if e.key(e.pending[j]) == k {
			return true
		}
	}
	return false
}

func (e *StreamEngine) lineActive(line LineID) bool {
	for _, c := range e.ctrls {
		if !c.active {
			continue
		}
		for _, r := range c.reqs {
			if r.Line == line {
				return true
			}
		}
	}
	return false
}

func (e *StreamEngine) joinable(lead, r *Request) bool {
	if r.Line == lead.Line || r.Family != lead.Family || r.Timing != lead.Timing ||
		len(r.Payload) != len(lead.Payload) {
		return false
	}
	switch e.cfg.Grouping {
	case GroupByTiming:
		return true
	case GroupByClockLine:
		return r.ClockLine == lead.ClockLine
	default:
		return false
	}
}

// collect picks the requests that stream together with pending[i] and
// returns their indices in ascending order. A group drives consecutive pins,
// so only requests extending an unbroken run of lines around the lead join.
func (e *StreamEngine) collect(i int) []int {
	idx := append(e.groupIdx[:0], i)
	if e.cfg.Lanes <= 1 {
		return idx
	}
	lead := e.pending[i]
	low, high := lead.Line, lead.Line
	for len(idx) < e.cfg.Lanes {
		if high < maxLineID {
			if j := e.candidate(i, lead, high+1); j >= 0 {
				idx = append(idx, j)
				high++
				continue
			}
		}
		if low > 0 {
			if j := e.candidate(i, lead, low-1); j >= 0 {
				idx = append(idx, j)
				low--
				continue
			}
		}
		break
	}
	slices.Sort(idx)
	return idx
}

// candidate returns the index of the oldest request for line when it may
// join lead, or -1
func (e *StreamEngine) candidate(i int, lead *Request, line LineID) int {
	if e.lineActive(line) {
		return -1
	}
	for j, r := range e.pending {
		if r.Line != line {
			continue
		}
		if j > i && e.joinable(lead, r) {
			return j
		}
		return -1
	}
	return -1
}

// orderLanes sorts a group by line and moves each request to the lane that
// lands on its pin, counting pins from the lowest line
func (e *StreamEngine) orderLanes(reqs []*Request) {
	slices.SortFunc(reqs, func(a, b *Request) int {
		return cmp.Compare(a.Line, b.Line)
	})
	byLine := append(e.laneBuf[:0], reqs...)
	for k := range reqs {
		reqs[k] = byLine[protocol.LaneOffset(len(reqs), k)]
	}
	clear(byLine)
}

// removeGroup drops the ascending indices idx from the pending queue
func (e *StreamEngine) removeGroup(idx []int) {
	out := e.pending[:0]
	next := 0
	for i, r := range e.pending {
		if next < len(idx) && idx[next] == i {
			next++
			continue
		}
		out = append(out, r)
	}
	for i := len(out); i < len(e.pending); i++ {
		e.pending[i] = nil
	}
	e.pending = out
}

func (e *StreamEngine) launchPending() error {
	i := 0
	for i < len(e.pending) {
		if e.keyBusy(i) {
			i++
			continue
		}
		c := e.freeController()
		if c == nil {
			return nil
		}
		idx := e.collect(i)
		for _, j := range idx {
			c.reqs = append(c.reqs, e.pending[j])
		}
		e.orderLanes(c.reqs)

		err := e.launch(c)
		switch {
		case err == nil:
			e.removeGroup(idx)
		case errors.Is(err, ErrAllocationExhausted):
			c.reqs = c.reqs[:0]
			return nil
		case errors.Is(err, ErrHardwareInit):
			e.stats.Faults++
			for _, r := range c.reqs {
				e.markFailed(r.Line)
				e.drop(r)
				e.log.Warn("line unusable", "engine", e.cfg.Name, "line", r.Line, "err", err)
			}
			c.reqs = c.reqs[:0]
			e.removeGroup(idx)
		default:
			c.reqs = c.reqs[:0]
			e.fail(err)
			return err
		}
	}
	return nil
}

// launch starts c.reqs as one stream on c
func (e *StreamEngine) launch(c *controller) error {
	lead := c.reqs[0]
	base := lead.Line
	for _, r := range c.reqs[1:] {
		base = min(base, r.Line)
	}
	cfg := CapabilityConfig{
		Line:      base,
		ClockLine: lead.ClockLine,
		Lanes:     len(c.reqs),
		Timing:    lead.Timing,
		Family:    lead.Family,
	}
	if !c.began || c.cfg != cfg {
		c.began = false
		if err := c.hw.Begin(cfg); err != nil {
			return withCause(ErrHardwareInit, err)
		}
		enc, err := e.encoder(cfg)
		if err != nil {
			return err
		}
		c.cfg, c.enc, c.began = cfg, enc, true
	}

	words, err := e.ledger.Allocate(c.unit, e.cfg.Direction, e.cfg.External, e.isContended())
	if err != nil {
		return err
	}
	if err := c.stream.SetEncoder(c.enc); err != nil {
		e.ledger.Release(c.unit, e.cfg.Direction)
		return err
	}

	c.lanes = c.lanes[:0]
	for _, r := range c.reqs {
		c.lanes = append(c.lanes, r.Payload)
	}
	c.active = true
	e.stats.Streams++

	if err := c.stream.BeginStream(c.lanes, e.cfg.ChunkBytes); err != nil {
		if c.stream.Overrun() || c.stream.Err() != nil {
			// settled by the next Poll once the hardware is idle
			return nil
		}
		c.active = false
		e.ledger.Release(c.unit, e.cfg.Direction)
		return err
	}
	e.log.Debug("stream started",
		"engine", e.cfg.Name, "unit", c.unit, "line", base,
		"lanes", len(c.reqs), "bytes", len(lead.Payload), "words", words)
	return nil
}

func (e *StreamEngine) encoder(cfg CapabilityConfig) (protocol.ChunkEncoder, error) {
	if e.cfg.Encoding == EncodingRaw {
		return protocol.RawEncoder{}, nil
	}
	return protocol.NewWaveEncoder(cfg.Timing, cfg.Lanes)
}

func (e *StreamEngine) isContended() bool {
	return e.contended != nil && e.contended()
}

// settle finishes a stream that completed or failed
func (e *StreamEngine) settle(c *controller) {
	switch {
	case c.stream.Done():
		e.finish(c, nil)
	case c.stream.Overrun():
		if !c.hw.IsBusy() {
			e.finish(c, ErrStreamOverrun)
		}
	case c.stream.Err() != nil:
		if !c.hw.IsBusy() {
			e.finish(c, c.stream.Err())
		}
	}
}

func (e *StreamEngine) finish(c *controller, err error) {
	e.ledger.Release(c.unit, e.cfg.Direction)
	for i, r := range c.reqs {
		if r.release() {
			if err == nil {
				e.stats.Completed++
			} else {
				e.stats.Failed++
			}
		}
		c.reqs[i] = nil
	}
	for i := range c.lanes {
		c.lanes[i] = nil
	}
	c.reqs = c.reqs[:0]
	c.lanes = c.lanes[:0]
	c.active = false

	if budget := DrainTicks(c.cfg.Timing, e.cfg.ChunkBytes); budget > 0 && c.stream.MaxRefillTicks() > budget {
		e.log.Warn("refill slower than drain",
			"engine", e.cfg.Name, "unit", c.unit,
			"refill_us", TimerToUS(c.stream.MaxRefillTicks()), "drain_us", TimerToUS(budget))
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrStreamOverrun):
		e.stats.Overruns++
		e.log.Warn("stream overrun", "engine", e.cfg.Name, "unit", c.unit)
		if e.err == nil {
			e.err = err
		}
	default:
		e.stats.Faults++
		c.began = false
		e.fail(err)
	}
}

// fail enters the error state and drops everything still queued
func (e *StreamEngine) fail(err error) {
	e.err = err
	e.log.Error("engine fault", "engine", e.cfg.Name, "err", err, "dropped", len(e.pending))
	e.dropPending()
}

func (e *StreamEngine) dropPending() {
	for i, r := range e.pending {
		e.drop(r)
		e.pending[i] = nil
	}
	e.pending = e.pending[:0]
}

func (e *StreamEngine) drop(r *Request) {
	if r.release() {
		e.stats.Failed++
		e.trace.Record(EvtDrop, 0, uint32(r.Line), 0)
	}
}

func (e *StreamEngine) updateState() {
	active := e.anyActive()
	switch {
	case e.err != nil:
		e.state = StateError
	case !active:
		e.state = StateReady
		if len(e.pending) == 0 {
			e.armed = false
		}
	case len(e.pending) > 0:
		e.state = StateDraining
	default:
		e.state = StateBusy
	}
}
