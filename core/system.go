package core

// System bundles what the engines of one board share: the buffer ledger,
// the dispatcher, the trace ring and the logger. Firmware and host
// simulators build one at startup and pass it around instead of globals.
type System struct {
	Ledger     *Ledger
	Dispatcher *Dispatcher
	Trace      *Trace
	Log        Logger
}

// NewSystem creates the shared state for a board
func NewSystem(ledger LedgerConfig, log Logger, opts ...DispatcherOption) *System {
	log = loggerOrNop(log)
	opts = append([]DispatcherOption{WithDispatchLogger(log)}, opts...)
	return &System{
		Ledger:     NewLedger(ledger),
		Dispatcher: NewDispatcher(opts...),
		Trace:      NewTrace(),
		Log:        log,
	}
}

// AddEngine builds a stream engine on the shared ledger and registers it
func (s *System) AddEngine(cfg EngineConfig, controllers []Capability, opts ...EngineOption) (*StreamEngine, error) {
	opts = append([]EngineOption{WithLogger(s.Log), WithTrace(s.Trace)}, opts...)
	e, err := NewStreamEngine(cfg, s.Ledger, controllers, opts...)
	if err != nil {
		return nil, err
	}
	s.Dispatcher.Register(e)
	s.Log.Info("engine added",
		"engine", cfg.Name, "priority", cfg.Priority, "controllers", len(controllers))
	return e, nil
}
