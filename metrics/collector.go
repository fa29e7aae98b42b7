// Package metrics exports dispatcher, engine and ledger counters to Prometheus
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"pixelbus/core"
)

const namespace = "pixelbus"

var (
	submittedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "dispatch", "submitted_total"),
		"Requests submitted to the dispatcher", nil, nil)
	routedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "dispatch", "routed_total"),
		"Requests accepted by an engine", nil, nil)
	unroutableDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "dispatch", "unroutable_total"),
		"Requests no engine could take", nil, nil)
	rejectedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "dispatch", "rejected_total"),
		"Requests refused by the chosen engine", nil, nil)

	streamsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "engine", "streams_total"),
		"Streams started", []string{"engine"}, nil)
	completedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "engine", "completed_total"),
		"Requests fully drained", []string{"engine"}, nil)
	failedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "engine", "failed_total"),
		"Requests dropped after a fault", []string{"engine"}, nil)
	overrunsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "engine", "overruns_total"),
		"Streams ended by an overrun", []string{"engine"}, nil)
	faultsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "engine", "faults_total"),
		"Transmit or init faults", []string{"engine"}, nil)
	stateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "engine", "state"),
		"1 for the state the engine is in", []string{"engine", "state"}, nil)

	ledgerUsedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "ledger", "used_words"),
		"Buffer words granted", []string{"direction"}, nil)
	ledgerFreeDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "ledger", "free_words"),
		"Buffer words still available", []string{"direction"}, nil)
)

var states = []core.EngineState{core.StateReady, core.StateBusy, core.StateDraining, core.StateError}

// Collector reads counters at scrape time, so the control loop never
// touches Prometheus types
type Collector struct {
	dispatcher *core.Dispatcher
	ledger     *core.Ledger
}

// NewCollector creates a collector over a system's dispatcher and ledger
func NewCollector(sys *core.System) *Collector {
	return &Collector{dispatcher: sys.Dispatcher, ledger: sys.Ledger}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		submittedDesc, routedDesc, unroutableDesc, rejectedDesc,
		streamsDesc, completedDesc, failedDesc, overrunsDesc, faultsDesc, stateDesc,
		ledgerUsedDesc, ledgerFreeDesc,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.dispatcher.Stats()
	ch <- prometheus.MustNewConstMetric(submittedDesc, prometheus.CounterValue, float64(stats.Submitted))
	ch <- prometheus.MustNewConstMetric(routedDesc, prometheus.CounterValue, float64(stats.Routed))
	ch <- prometheus.MustNewConstMetric(unroutableDesc, prometheus.CounterValue, float64(stats.Unroutable))
	ch <- prometheus.MustNewConstMetric(rejectedDesc, prometheus.CounterValue, float64(stats.Rejected))

	for _, e := range stats.Engines {
		ch <- prometheus.MustNewConstMetric(streamsDesc, prometheus.CounterValue, float64(e.Stats.Streams), e.Name)
		ch <- prometheus.MustNewConstMetric(completedDesc, prometheus.CounterValue, float64(e.Stats.Completed), e.Name)
		ch <- prometheus.MustNewConstMetric(failedDesc, prometheus.CounterValue, float64(e.Stats.Failed), e.Name)
		ch <- prometheus.MustNewConstMetric(overrunsDesc, prometheus.CounterValue, float64(e.Stats.Overruns), e.Name)
		ch <- prometheus.MustNewConstMetric(faultsDesc, prometheus.CounterValue, float64(e.Stats.Faults), e.Name)
		for _, st := range states {
			v := 0.0
			if e.State == st {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(stateDesc, prometheus.GaugeValue, v, e.Name, st.String())
		}
	}

	if c.ledger == nil {
		return
	}
	dirs := []core.Direction{core.DirectionTX}
	if c.ledger.Config().Topology == core.TopologySplit {
		dirs = append(dirs, core.DirectionRX)
	}
	for _, dir := range dirs {
		ch <- prometheus.MustNewConstMetric(ledgerUsedDesc, prometheus.GaugeValue, float64(c.ledger.Used(dir)), dir.String())
		ch <- prometheus.MustNewConstMetric(ledgerFreeDesc, prometheus.GaugeValue, float64(c.ledger.Free(dir)), dir.String())
	}
}
