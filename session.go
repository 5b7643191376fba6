// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.18
//

// Drives the stages of a batch estimation: build, float, fixed and high-rate.

package ddbatch

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
)

// SessionOpt bundles the options of all stages
type SessionOpt struct {
	DD       *DDOpt
	Batch    *BatchOpt
	Amb      *AmbOpt
	HighRate *HighRateOpt
}

// NewSessionOpt creates a new SessionOpt with default values
func NewSessionOpt() *SessionOpt {
	return &SessionOpt{
		DD:       NewDDOpt(),
		Batch:    NewBatchOpt(),
		Amb:      NewAmbOpt(),
		HighRate: NewHighRateOpt(),
	}
}

// Session holds the state passed between the stages
type Session struct {
	ID       string        // Session ID
	Sys      *System       // Batch system
	Float    *FloatSol     // Float solution
	Fix      FixOutcome    // Fix outcome
	HighRate *HighRateSol  // High-rate solution
	Status   FixStatus     // Fix status
	Stats    *RunStats     // Run statistics
	Solver   IntegerSolver // Integer solver (default: LambdaSolver)

	opt SessionOpt
}

// NewSession builds the batch system of the epochs. Options are copied, so
// later changes of opt do not affect the session.
//
// Parameters:
//   - epochs: Observations in time order
//   - orb: Satellite orbits
//   - rovPos: A priori rover position
//   - basePos: Known base position
//   - opt: Options (nil: defaults)
//
// Returns:
//   - *Session: Session with the system built
//   - error: Malformed input
func NewSession(
	epochs []*EpochObs, // Observations
	orb Orbits, // Satellite orbits
	rovPos *PosXYZ, // A priori rover position
	basePos *PosXYZ, // Base station position
	opt *SessionOpt, // Calculation options
) (*Session, error) {

	if opt == nil {
		opt = NewSessionOpt()
	}
	def := NewSessionOpt()
	s := &Session{
		ID:     "ses_" + uuid.NewString(),
		Stats:  &RunStats{},
		Solver: LambdaSolver{},
	}
	s.opt.DD = copyOr(opt.DD, def.DD)
	s.opt.Batch = copyOr(opt.Batch, def.Batch)
	s.opt.Amb = copyOr(opt.Amb, def.Amb)
	s.opt.HighRate = copyOr(opt.HighRate, def.HighRate)

	sys, err := AssembleSystem(epochs, orb, rovPos, basePos, s.opt.DD)
	if err != nil {
		return nil, fmt.Errorf("AssembleSystem() failed, err= %w", err)
	}
	s.Sys = sys
	s.Stats.Epochs = len(sys.Epochs)
	s.Stats.EmptyEpochs = len(sys.Epochs) - sys.NumEpoch()
	s.Stats.Rows = len(sys.Rows)
	s.Stats.Arcs = len(sys.Arcs)
	PrintD(1, "%s: epochs=%d (empty=%d), rows=%d, arcs=%d\n", s.ID, s.Stats.Epochs, s.Stats.EmptyEpochs, s.Stats.Rows, s.Stats.Arcs)
	return s, nil
}

// Copy of p, or of def when p is nil
func copyOr[T any](p, def *T) *T {
	c := *def
	if p != nil {
		c = *p
	}
	return &c
}

// Options returns a copy of the session options
func (s *Session) Options() SessionOpt {
	return SessionOpt{
		DD:       copyOr(s.opt.DD, s.opt.DD),
		Batch:    copyOr(s.opt.Batch, s.opt.Batch),
		Amb:      copyOr(s.opt.Amb, s.opt.Amb),
		HighRate: copyOr(s.opt.HighRate, s.opt.HighRate),
	}
}

// SolveFloat computes the robust float solution
func (s *Session) SolveFloat() (*FloatSol, error) {
	fs, err := RefineFloat(s.Sys, s.opt.Batch, s.Stats)
	if err != nil {
		return nil, fmt.Errorf("RefineFloat() failed, err= %w", err)
	}
	s.Float = fs
	s.Fix = nil
	s.HighRate = nil
	s.Status = StatusUnfixed
	s.Stats.Status = s.Status
	return fs, nil
}

// SolveFixed resolves the integer ambiguities. A failed fix is not an error:
// the outcome is *Degraded and the status stays unfixed.
func (s *Session) SolveFixed() (FixOutcome, error) {
	if s.Float == nil {
		return nil, errors.New("no float solution")
	}
	out := FixAmbiguities(s.Float, s.Solver, s.opt.Amb)
	s.Fix = out
	s.Status = out.Status()
	s.Stats.Status = s.Status
	if fx, ok := out.(*Fixed); ok {
		s.Stats.Ratio = fx.Ratio
	}
	return out, nil
}

// SolveHighRate computes the sub-interval positions, with the fixed
// ambiguities when the session is fixed
func (s *Session) SolveHighRate() (*HighRateSol, error) {
	if s.Float == nil {
		return nil, errors.New("no float solution")
	}
	hr, err := SolveHighRate(s.Float, s.Fix, s.opt.HighRate)
	if err != nil {
		return nil, fmt.Errorf("SolveHighRate() failed, err= %w", err)
	}
	s.HighRate = hr
	s.Stats.MissingSubs = hr.NumMissing()
	if hr.Fixed {
		s.Status = StatusFixedHighRate
		s.Stats.Status = s.Status
	}
	return hr, nil
}

// Run solves float, fixed and, if highRate is set, high-rate in order
func (s *Session) Run(fix, highRate bool) error {
	if _, err := s.SolveFloat(); err != nil {
		return err
	}
	if fix {
		if _, err := s.SolveFixed(); err != nil {
			return err
		}
	}
	if highRate {
		if _, err := s.SolveHighRate(); err != nil {
			return err
		}
	}
	return nil
}

// Position returns the best available position and its covariance
func (s *Session) Position() (PosXYZ, *mat.SymDense, bool) {
	if fx, ok := s.Fix.(*Fixed); ok {
		return fx.Pos, fx.Cov, true
	}
	if s.Float != nil {
		return s.Float.Pos, s.Float.Cov, true
	}
	return PosXYZ{}, nil, false
}

// WriteReport writes the solution in text form
func (s *Session) WriteReport(w io.Writer) error {
	pr := func(format string, a ...any) {
		fmt.Fprintf(w, format, a...)
	}
	base := s.Sys.BasePos
	line := func(label string, pos PosXYZ, cov mat.Symmetric) {
		enu := pos.ToENU(base)
		sd := [3]float64{}
		if cov != nil {
			q := CovToENU(cov, base)
			for i := range 3 {
				sd[i] = math.Sqrt(math.Max(q.At(i, i), 0))
			}
		}
		pr("%-8s %14.4f %14.4f %14.4f %10.4f %10.4f %10.4f %s\n", label, enu.E, enu.N, enu.U, sd[0], sd[1], sd[2], pos)
	}

	pr("%% session : %s\n", s.ID)
	pr("%% base    : %s\n", base)
	pr("%% epochs  : %d (empty %d)\n", s.Stats.Epochs, s.Stats.EmptyEpochs)
	pr("%% status  : %s\n", s.Status)
	if s.Float == nil {
		return nil
	}
	pr("%% rows=%d arcs=%d blocks=%d outliers=%d s02=%.4f dof=%d\n",
		s.Stats.Rows, s.Stats.Arcs, s.Stats.Blocks, s.Stats.Outliers, s.Float.S02, s.Float.Dof)
	pr("%%%-7s %14s %14s %14s %10s %10s %10s %s\n", "sol", "e(m)", "n(m)", "u(m)", "sde(m)", "sdn(m)", "sdu(m)", "x y z(m)")
	line("float", s.Float.Pos, s.Float.Cov)
	switch fx := s.Fix.(type) {
	case *Fixed:
		line("fixed", fx.Pos, fx.Cov)
		pr("%% ratio   : %.2f\n", fx.Ratio)
	case *Degraded:
		pr("%% fix     : %s\n", fx.Reason.Error())
	}
	if hr := s.HighRate; hr != nil {
		pr("%% high-rate: interval=%.1f s, subs=%d, missing=%d\n", hr.Interval, len(hr.Subs), hr.NumMissing())
		for _, sp := range hr.Subs {
			if sp.Missing {
				pr("%-24s missing\n", sp.Start)
				continue
			}
			enu := sp.ENU
			pr("%-24s %14.4f %14.4f %14.4f\n", sp.Start, enu.E, enu.N, enu.U)
		}
	}
	return nil
}
