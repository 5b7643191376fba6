// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.18
//

package main

import (
	"fmt"

	m "github.com/mkhts/ddbatch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Plot the phase residuals of every arc against the elapsed time
func plotResiduals(fs *m.FloatSol, fn string) error {
	if fs == nil {
		return fmt.Errorf("no float solution")
	}
	var t0 m.GTime
	n := 0
	for _, rs := range fs.Residuals {
		if len(rs.Time) > 0 && (n == 0 || rs.Time[0].Less(t0)) {
			t0 = rs.Time[0]
			n++
		}
	}
	if n == 0 {
		return fmt.Errorf("no residuals")
	}

	p := plot.New()
	p.Title.Text = "DD phase residuals"
	p.X.Label.Text = fmt.Sprintf("time from %s [s]", t0)
	p.Y.Label.Text = "residual [m]"
	p.Legend.Top = true

	lines := []any{}
	for _, rs := range fs.Residuals {
		if len(rs.V) == 0 {
			continue
		}
		pts := make(plotter.XYs, len(rs.V))
		for i := range pts {
			pts[i].X = rs.Time[i].Diff(t0)
			pts[i].Y = rs.V[i]
		}
		lines = append(lines, fmt.Sprintf("%s#%d", rs.Sat, rs.Arc), pts)
	}
	if err := plotutil.AddLines(p, lines...); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 4*vg.Inch, fn)
}

// Write the run statistics to a text file and/or a pushgateway
func exportMetrics(ses *m.Session, fn, url string) error {
	reg := prometheus.NewRegistry()
	mt, err := m.NewMetrics(reg)
	if err != nil {
		return err
	}
	mt.Observe(ses.ID, ses.Stats)

	if len(fn) > 0 {
		if err := prometheus.WriteToTextfile(fn, reg); err != nil {
			return err
		}
	}
	if len(url) > 0 {
		if err := push.New(url, "ddbatch").Gatherer(reg).Push(); err != nil {
			return fmt.Errorf("could not push to pushgateway: %w", err)
		}
	}
	return nil
}
