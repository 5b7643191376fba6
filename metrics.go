// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.18
//

package ddbatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RunStats collects the counts of one processing run
type RunStats struct {
	Epochs         int       // Input epochs
	EmptyEpochs    int       // Excluded epochs
	Rows           int       // Rows of the final system
	Arcs           int       // Arcs of the final system
	Blocks         int       // Blocks
	PrunedArcs     int       // Arcs shorter than MinArc
	PrunedRows     int       // Rows removed with pruned or unstable arcs
	Outliers       int       // Down-weighted rows
	OutlierHistory []int     // Flagged count after each outlier iteration
	CorrectedArcs  int       // Arcs corrected for missed cycle slips
	PreCorrected   int       // Phase jumps corrected before the first solve
	RemovedArcs    int       // Unstable arcs removed
	DegradedBlocks int       // Blocks kept with less than 2 ambiguities
	RemovedBlocks  int       // Unstable blocks removed
	S02            float64   // Unit-weight variance of the float solution
	Ratio          float64   // Ratio test value
	Status         FixStatus // Fix status
	MissingSubs    int       // Missing high-rate sub-intervals
}

// Metrics exports RunStats as Prometheus gauges
type Metrics struct {
	epochs *prometheus.GaugeVec
	arcs   *prometheus.GaugeVec
	blocks *prometheus.GaugeVec
	rows   *prometheus.GaugeVec
	value  *prometheus.GaugeVec
	status *prometheus.GaugeVec
	runs   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them to reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ddbatch",
			Name:      name,
			Help:      help,
		}, append([]string{"session"}, labels...))
	}
	m := &Metrics{
		epochs: gauge("epochs", "number of epochs", "kind"),
		arcs:   gauge("arcs", "number of ambiguity arcs", "kind"),
		blocks: gauge("blocks", "number of blocks", "kind"),
		rows:   gauge("rows", "number of observation rows", "kind"),
		value:  gauge("solution", "solution quality values", "kind"),
		status: gauge("fix_status", "fix status (0: unfixed, 1: fixed, 2: fixed high-rate)"),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ddbatch",
			Name:      "runs_total",
			Help:      "number of processing runs",
		}, []string{"status"}),
	}
	for _, c := range []prometheus.Collector{m.epochs, m.arcs, m.blocks, m.rows, m.value, m.status, m.runs} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Observe sets the gauges of the session from st
func (m *Metrics) Observe(session string, st *RunStats) {
	m.epochs.WithLabelValues(session, "total").Set(float64(st.Epochs))
	m.epochs.WithLabelValues(session, "empty").Set(float64(st.EmptyEpochs))
	m.arcs.WithLabelValues(session, "live").Set(float64(st.Arcs))
	m.arcs.WithLabelValues(session, "pruned").Set(float64(st.PrunedArcs))
	m.arcs.WithLabelValues(session, "removed").Set(float64(st.RemovedArcs))
	m.arcs.WithLabelValues(session, "corrected").Set(float64(st.CorrectedArcs))
	m.blocks.WithLabelValues(session, "total").Set(float64(st.Blocks))
	m.blocks.WithLabelValues(session, "degraded").Set(float64(st.DegradedBlocks))
	m.blocks.WithLabelValues(session, "removed").Set(float64(st.RemovedBlocks))
	m.rows.WithLabelValues(session, "live").Set(float64(st.Rows))
	m.rows.WithLabelValues(session, "pruned").Set(float64(st.PrunedRows))
	m.rows.WithLabelValues(session, "outlier").Set(float64(st.Outliers))
	m.value.WithLabelValues(session, "s02").Set(st.S02)
	m.value.WithLabelValues(session, "ratio").Set(st.Ratio)
	m.value.WithLabelValues(session, "missing_subs").Set(float64(st.MissingSubs))
	m.status.WithLabelValues(session).Set(float64(st.Status))
	m.runs.WithLabelValues(st.Status.String()).Inc()
}
