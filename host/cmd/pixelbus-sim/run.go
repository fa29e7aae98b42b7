package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"pixelbus/config"
	"pixelbus/core"
	"pixelbus/events"
	"pixelbus/metrics"
	"pixelbus/protocol"
	"pixelbus/sim"
)

var ws2812 = protocol.Timing{T1: 250, T2: 625, T3: 375}

// Clocked strips start above the clockless lines; two strips share each
// clock line
const (
	clockedLineBase = 64
	clockLineBase   = 96
)

// report is what one run leaves behind
type report struct {
	Frames    int
	Submitted int
	Skipped   int // request still in flight from the previous frame
	Refused   int
	Dropped   uint32
	Elapsed   time.Duration
	Stats     core.DispatchStats
	Metrics   []metricLine
	Wire      map[string]int // bytes each simulated controller sent
	CloseErr  error
}

type metricLine struct {
	Name  string
	Value float64
}

// workload owns one request per strip and refills the payloads every frame
type workload struct {
	reqs []*core.Request
}

func newWorkload(s config.SimConfig) *workload {
	w := &workload{}
	for i := 0; i < s.Strips; i++ {
		w.reqs = append(w.reqs, &core.Request{
			Line:    core.LineID(i),
			Timing:  ws2812,
			Payload: make([]byte, s.Pixels*3),
			Family:  core.FamilyClockless,
		})
	}
	// start frame, 4 bytes per pixel, end frame
	clockedBytes := 4 + s.Pixels*4 + 4
	for i := 0; i < s.ClockedStrips; i++ {
		w.reqs = append(w.reqs, &core.Request{
			Line:      core.LineID(clockedLineBase + i),
			ClockLine: core.LineID(clockLineBase + i/2),
			Payload:   make([]byte, clockedBytes),
			Family:    core.FamilyClocked,
		})
	}
	return w
}

// fill writes a moving gradient. Requests still in flight keep their data.
func (w *workload) fill(frame int) {
	for strip, r := range w.reqs {
		if r.InUse() {
			continue
		}
		p := r.Payload
		if r.Family == core.FamilyClocked {
			for i := 4; i+4 <= len(p)-4; i += 4 {
				p[i] = 0xFF // full global brightness
				p[i+1] = byte(frame*5 + i)
				p[i+2] = byte(frame*3 + strip*17)
				p[i+3] = byte(i * 7)
			}
			for i := len(p) - 4; i < len(p); i++ {
				p[i] = 0xFF
			}
			continue
		}
		for i := range p {
			p[i] = byte(frame*3 + i*7 + strip*31)
		}
	}
}

// buildSystem creates the dispatcher and one stream engine per configured
// engine, each on its own simulated controllers
func buildSystem(cfg *config.Config, logger core.Logger, bus *events.Bus) (*core.System, map[string]*sim.Capability, error) {
	opts := append(bus.DispatcherOptions(), core.WithFallThrough(cfg.Dispatch.FallThrough))
	sys := core.NewSystem(cfg.CoreLedger(), logger, opts...)

	hw := make(map[string]*sim.Capability)
	for i, ec := range cfg.CoreEngines() {
		src := cfg.Engines[i]
		caps := make([]core.Capability, src.Controllers)
		for j := range caps {
			name := fmt.Sprintf("%s%d", ec.Name, j)
			c := sim.New(name, simOptions(src, ec.Lanes)...)
			hw[name] = c
			if src.LatencyUS == 0 {
				caps[j] = c.Polled()
			} else {
				caps[j] = c
			}
		}

		var engineOpts []core.EngineOption
		if src.Contended {
			engineOpts = append(engineOpts, core.WithContention(func() bool { return true }))
		}
		if _, err := sys.AddEngine(ec, caps, engineOpts...); err != nil {
			return nil, nil, fmt.Errorf("engine %s: %w", ec.Name, err)
		}
	}
	return sys, hw, nil
}

func simOptions(e config.EngineConfig, lanes int) []sim.Option {
	opts := []sim.Option{sim.WithLanes(lanes), sim.WithDMA(e.DMA)}
	if e.LatencyUS == 0 {
		return append(opts, sim.WithAutoComplete())
	}
	return append(opts, sim.WithLatency(time.Duration(e.LatencyUS)*time.Microsecond))
}

// run streams cfg.Sim.Frames frames and tears the engines down
func run(ctx context.Context, cfg *config.Config, logger *log.Logger) (*report, error) {
	bus := events.New()
	var dropped atomic.Uint32
	unsubDrop := bus.OnDrop(func(ev events.RequestDropped) {
		dropped.Add(1)
		logger.Warn("request dropped", "line", ev.Line, "family", ev.Family, "bytes", ev.Bytes, "err", ev.Err)
	})
	defer unsubDrop()
	unsubState := bus.OnStateChange(func(ev events.EngineStateChanged) {
		if ev.Err != nil {
			logger.Warn("engine state", "engine", ev.Engine, "from", ev.From, "to", ev.To, "err", ev.Err)
			return
		}
		logger.Debug("engine state", "engine", ev.Engine, "from", ev.From, "to", ev.To)
	})
	defer unsubState()

	sys, hw, err := buildSystem(cfg, logger, bus)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(metrics.NewCollector(sys)); err != nil {
		return nil, err
	}

	logger.Info("streaming", "frames", cfg.Sim.Frames, "strips", cfg.Sim.Strips,
		"clocked", cfg.Sim.ClockedStrips, "pixels", cfg.Sim.Pixels)

	rep := &report{}
	interval := time.Duration(cfg.Sim.FrameIntervalMS) * time.Millisecond
	streamFrames(ctx, sys, newWorkload(cfg.Sim), cfg.Sim.Frames, interval, rep)

	rep.CloseErr = sys.Dispatcher.Close(cfg.CloseTimeout())
	if rep.CloseErr != nil {
		logger.Error("engines did not stop cleanly", "err", rep.CloseErr)
	}

	rep.Stats = sys.Dispatcher.Stats()
	rep.Dropped = dropped.Load()
	rep.Wire = make(map[string]int, len(hw))
	for name, c := range hw {
		rep.Wire[name] = len(c.Wire())
	}
	if rep.Metrics, err = gather(reg); err != nil {
		return nil, err
	}
	return rep, nil
}

// streamFrames submits every idle strip once per frame and polls the
// engines until they drain or the frame interval runs out
func streamFrames(ctx context.Context, sys *core.System, w *workload, frames int, interval time.Duration, rep *report) {
	start := time.Now()
	for frame := 0; frame < frames; frame++ {
		if ctx.Err() != nil {
			break
		}
		deadline := time.Now().Add(interval)

		w.fill(frame)
		for _, r := range w.reqs {
			if r.InUse() {
				rep.Skipped++
				continue
			}
			if err := sys.Dispatcher.Submit(r); err != nil {
				rep.Refused++
				continue
			}
			rep.Submitted++
		}
		sys.Dispatcher.Flush()

		for sys.Dispatcher.Busy() && time.Now().Before(deadline) {
			sys.Dispatcher.Poll()
			time.Sleep(50 * time.Microsecond)
		}
		sys.Dispatcher.Poll()
		rep.Frames++

		if wait := time.Until(deadline); wait > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
		}
	}
	rep.Elapsed = time.Since(start)
}

// gather flattens the registry into name{labels} value lines
func gather(reg *prometheus.Registry) ([]metricLine, error) {
	families, err := reg.Gather()
	if err != nil {
		return nil, err
	}
	var lines []metricLine
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			if labels := m.GetLabel(); len(labels) > 0 {
				name += "{"
				for i, l := range labels {
					if i > 0 {
						name += ","
					}
					name += l.GetName() + "=" + fmt.Sprintf("%q", l.GetValue())
				}
				name += "}"
			}
			value := m.GetCounter().GetValue()
			if g := m.GetGauge(); g != nil {
				value = g.GetValue()
			}
			lines = append(lines, metricLine{Name: name, Value: value})
		}
	}
	return lines, nil
}

func printReport(out io.Writer, rep *report) {
	fmt.Fprintf(out, "frames %d in %v: submitted %d, skipped %d, refused %d, dropped %d\n",
		rep.Frames, rep.Elapsed.Round(time.Millisecond), rep.Submitted, rep.Skipped, rep.Refused, rep.Dropped)
	fmt.Fprintf(out, "dispatch: routed %d, unroutable %d, rejected %d, flushes %d\n",
		rep.Stats.Routed, rep.Stats.Unroutable, rep.Stats.Rejected, rep.Stats.Flushes)

	fmt.Fprintln(out, "\nengines:")
	for _, e := range rep.Stats.Engines {
		fmt.Fprintf(out, "  %-10s prio %-3d %-8s accepted %d, completed %d, failed %d, overruns %d, faults %d\n",
			e.Name, e.Priority, e.State, e.Stats.Accepted, e.Stats.Completed,
			e.Stats.Failed, e.Stats.Overruns, e.Stats.Faults)
	}

	names := make([]string, 0, len(rep.Wire))
	for name := range rep.Wire {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(out, "\ncontrollers:")
	for _, name := range names {
		fmt.Fprintf(out, "  %-10s %d bytes\n", name, rep.Wire[name])
	}

	fmt.Fprintln(out, "\nmetrics:")
	for _, m := range rep.Metrics {
		fmt.Fprintf(out, "  %s %g\n", m.Name, m.Value)
	}
	if rep.CloseErr != nil {
		fmt.Fprintf(out, "\nclose: %v\n", rep.CloseErr)
	}
}
