// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.18
//

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	m "github.com/mkhts/ddbatch"
)

func main() {

	// Parse command line arguments
	args, err := parseArgs()
	if err != nil {
		m.PrintE(err)
		flag.Usage()
		os.Exit(1)
	}

	// Run the main application
	if err := runApplication(args); err != nil {
		m.PrintE(err)
		os.Exit(1)
	}
}

// Main application processing
func runApplication(args cmdOpt) error {

	// Load input files
	var epochs m.ObsSet
	var orb m.Orbits
	var err error
	if len(args.navFn) > 0 {
		epochs, orb, err = readRinex(args.epochFn, args.baseObsFn, args.navFn, args.systems)
		if err != nil {
			return fmt.Errorf("failed to read RINEX files: %w", err)
		}
	} else {
		epochs, orb, err = readEpochs(args.epochFn)
		if err != nil {
			return fmt.Errorf("failed to read epoch file: %w", err)
		}
	}
	if m.DBG_ >= 1 {
		m.PrintA("--- obs data (%s)---\n", filepath.Base(args.epochFn))
		m.PrintA("%s\n", epochs)
	}

	// Build system
	rovPos := args.rovPos
	if !args.rovSet {
		rovPos = args.basePos
	}
	ses, err := m.NewSession(epochs, orb, &rovPos, &args.basePos, args.opt)
	if err != nil {
		return err
	}

	// Solve
	if err := ses.Run(args.ratioThres > 0, args.opt.HighRate.Interval > 0); err != nil {
		return err
	}

	// Output
	pos, err := prepareOutput(args)
	if err != nil {
		return fmt.Errorf("failed to prepare output: %w", err)
	}
	defer closeOutput(pos)
	if !args.noPosHeader {
		fmt.Fprintf(pos, "%% program   : %s\n", filepath.Base(os.Args[0]))
		fmt.Fprintf(pos, "%% inp file  : %s\n", args.epochFn)
	}
	if err := ses.WriteReport(pos); err != nil {
		return err
	}

	if len(args.plotFn) > 0 {
		if err := plotResiduals(ses.Float, args.plotFn); err != nil {
			return fmt.Errorf("failed to plot residuals: %w", err)
		}
	}
	if len(args.metricsFn) > 0 || len(args.pushURL) > 0 {
		if err := exportMetrics(ses, args.metricsFn, args.pushURL); err != nil {
			return fmt.Errorf("failed to export metrics: %w", err)
		}
	}
	return nil
}

// Prepare output file
func prepareOutput(args cmdOpt) (io.WriteCloser, error) {

	// Use stdout if no output file is specified
	if len(args.posFn) == 0 {
		return &nopCloser{os.Stdout}, nil
	}

	// Create output file
	posf, err := os.Create(args.posFn)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return posf, nil
}

// Close output file
func closeOutput(pos io.WriteCloser) {
	if pos != nil {
		pos.Close()
	}
}

// nopCloser - WriteCloser that ignores close operations
type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// Structure to hold command line argument information
type cmdOpt struct {
	epochFn     string
	baseObsFn   string
	navFn       string
	systems     string
	posFn       string
	plotFn      string
	metricsFn   string
	pushURL     string
	optFn       string
	noPosHeader bool
	basePos     m.PosXYZ
	rovPos      m.PosXYZ
	rovSet      bool
	ratioThres  float64
	opt         *m.SessionOpt
}

// Parse command line arguments. Values of the options file (-k) are applied
// first and overridden by the flags given explicitly.
func parseArgs() (a cmdOpt, err error) {
	flag.Usage = func() {
		m.PrintA(`
[Usage]
	%s [Options] -l "base_lat base_lon base_hei" [-a "rov_lat rov_lon rov_hei"] epochs.jsonl
	%s [Options] -l "base_lat base_lon base_hei" -n nav.rnx rover.obs base.obs

[Options]
`, filepath.Base(os.Args[0]), filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	a.opt = m.NewSessionOpt()
	def := m.NewSessionOpt()
	var f cmdFlags
	flag.StringVar(&a.optFn, "k", "", "Options file (YAML). Flags given explicitly override its values.")
	flag.StringVar(&a.navFn, "n", "", "RINEX navigation file. Input is then the rover and base RINEX observation files.")
	flag.StringVar(&a.systems, "sys", "GJE", "Satellite systems read from the RINEX observation files")
	flag.StringVar(&a.posFn, "o", "", "Output report file path. If not specified, output to stdout.")
	flag.BoolVar(&a.noPosHeader, "nh", false, "Do not output header section of the report.")
	flag.StringVar(&a.plotFn, "plot", "", "Output phase residual plot (png, svg or pdf).")
	flag.StringVar(&a.metricsFn, "metrics", "", "Output run metrics in Prometheus text format.")
	flag.StringVar(&a.pushURL, "push", "", "Push run metrics to the Prometheus pushgateway at this URL.")
	var basePosLLH, rovPosLLH m.PosLLH
	flag.Var(&basePosLLH, "l", "Base station latitude/longitude/ellipsoidal height. Enclose in quotes like -l \"35.73101206 139.7396917 80.33\"")
	flag.Var(&rovPosLLH, "a", "A priori rover latitude/longitude/ellipsoidal height. Default: base station position")
	flag.Float64Var(&f.cnMask, "cn", def.DD.CnMask, "Signal strength mask [dB]. Set to 0 for no mask.")
	flag.Float64Var(&f.elMask, "m", def.DD.ElMask, "Elevation mask [deg]. Set to 0 for no mask.")
	flag.IntVar(&f.wghMode, "r", def.DD.WghMode, "Weighting method. 0(no weighting),1(elevation, RTKLIB method),2(signal strength)")
	flag.Float64Var(&f.stdCp, "stdCp", def.DD.StdCp, "Carrier phase noise (standard deviation) [m]")
	flag.Float64Var(&f.stdPr, "stdPr", def.DD.StdPr, "Pseudorange noise (standard deviation) [m]")
	flag.BoolVar(&f.noTrop, "ntr", false, "Do not perform tropospheric correction")
	flag.IntVar(&f.minArc, "ma", def.Batch.MinArc, "Minimum arc length [epochs]")
	flag.IntVar(&f.split, "fs", def.Batch.FullSlipSplit, "Number of consecutive empty epochs that splits blocks. Set to 0 for a single block.")
	flag.IntVar(&f.cleaning, "cl", def.Batch.CleaningLoops, "Number of missed cycle slip correction loops")
	flag.BoolVar(&f.noOutlier, "nor", false, "Do not down-weight outliers")
	flag.BoolVar(&f.noStab, "nst", false, "Do not search reference arcs and remove unstable arcs")
	flag.BoolVar(&f.preCorr, "pc", false, "Correct phase discontinuities before the first solve (unverified)")
	flag.Float64Var(&a.ratioThres, "v", def.Amb.RatioThres, "Ratio test threshold for FIX determination. Set to 0 to output float solution without AR.")
	flag.BoolVar(&f.discriminate, "dc", false, "Select among candidates by unit variance when the ratio test fails")
	flag.Float64Var(&f.interval, "hr", 0, "High-rate sub-interval [s]. Set to 0 for no high-rate solution.")
	var dbg int
	flag.IntVar(&dbg, "x", 0, "Debug information display. Specify level value. 0(OFF), 1(display), 2(detailed display), 3(more detailed), 4(most detailed)")
	flag.Parse()
	nargs := 1
	if len(a.navFn) > 0 {
		nargs = 2
	}
	if flag.NArg() != nargs {
		return a, fmt.Errorf("too less or many arguments")
	}
	a.epochFn = flag.Arg(0)
	a.baseObsFn = flag.Arg(1)
	if basePosLLH.Lat == 0 && basePosLLH.Lon == 0 {
		return a, fmt.Errorf("the base station position must be specified! (-l option)")
	}
	a.basePos = basePosLLH.ToXYZ()
	if rovPosLLH.Lat != 0 || rovPosLLH.Lon != 0 {
		a.rovPos = rovPosLLH.ToXYZ()
		a.rovSet = true
	}
	m.DBG_ = dbg

	// Options file, then explicit flags
	a.opt.HighRate.Interval = 0
	if len(a.optFn) > 0 {
		if err := loadOptions(a.optFn, a.opt); err != nil {
			return a, fmt.Errorf("failed to read options file: %w", err)
		}
	}
	set := map[string]bool{}
	flag.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	if len(a.optFn) > 0 && !set["v"] {
		a.ratioThres = a.opt.Amb.RatioThres
	}
	f.apply(set, a.opt)
	a.opt.Amb.RatioThres = a.ratioThres

	if m.DBG_ >= 1 {
		llh := a.basePos.ToLLH()
		m.PrintA("rpos(llh, xyz): %s, %s\n", &llh, a.basePos)
	}
	return
}
