// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.18
//

package ddbatch

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScenarioSession(t *testing.T, sc *scenario, opt *SessionOpt) *Session {
	epochs, orb := sc.generate()
	if opt == nil {
		opt = NewSessionOpt()
	}
	opt.DD = scenarioDDOpt()
	ses, err := NewSession(epochs, orb, &sc.apriori, &sc.base, opt)
	require.NoError(t, err)
	return ses
}

func TestSessionRun(t *testing.T) {
	assert := assert.New(t)
	sc := newScenario()
	ses := newScenarioSession(t, sc, nil)
	assert.True(strings.HasPrefix(ses.ID, "ses_"))
	assert.Equal(121, ses.Stats.Epochs)
	assert.Equal(0, ses.Stats.EmptyEpochs)

	_, _, ok := ses.Position()
	assert.False(ok)
	_, err := ses.SolveFixed()
	assert.Error(err)
	_, err = ses.SolveHighRate()
	assert.Error(err)

	require.NoError(t, ses.Run(true, true))
	assert.Equal(StatusFixedHighRate, ses.Status)
	assert.Equal(StatusFixedHighRate, ses.Stats.Status)
	assert.Greater(ses.Stats.Ratio, 3.0)
	require.NotNil(t, ses.HighRate)
	assert.Len(ses.HighRate.Subs, 121)
	assert.Equal(0, ses.Stats.MissingSubs)

	pos, cov, ok := ses.Position()
	require.True(t, ok)
	assert.NotNil(cov)
	assert.Less(sc.errorOf(pos), 0.01)

	var buf bytes.Buffer
	require.NoError(t, ses.WriteReport(&buf))
	out := buf.String()
	assert.Contains(out, ses.ID)
	assert.Contains(out, "fixed(high-rate)")
	assert.Contains(out, "float ")
	assert.Contains(out, "ratio")
	assert.Contains(out, "high-rate: interval=30.0 s, subs=121, missing=0")

	// A new float solution resets the fix
	_, err = ses.SolveFloat()
	require.NoError(t, err)
	assert.Nil(ses.Fix)
	assert.Equal(StatusUnfixed, ses.Status)
}

func TestSessionFloatOnly(t *testing.T) {
	assert := assert.New(t)
	sc := newScenario()
	ses := newScenarioSession(t, sc, nil)
	require.NoError(t, ses.Run(false, false))
	assert.Equal(StatusUnfixed, ses.Status)
	pos, _, ok := ses.Position()
	require.True(t, ok)
	assert.Equal(ses.Float.Pos, pos)

	var buf bytes.Buffer
	require.NoError(t, ses.WriteReport(&buf))
	assert.Contains(buf.String(), "unfixed")
	assert.NotContains(buf.String(), "high-rate")
}

func TestSessionOptions(t *testing.T) {
	assert := assert.New(t)
	sc := newScenario()
	opt := NewSessionOpt()
	opt.Amb.RatioThres = 2.5
	opt.Batch = nil
	ses := newScenarioSession(t, sc, opt)

	// Copied at creation
	opt.Amb.RatioThres = 100
	got := ses.Options()
	assert.Equal(2.5, got.Amb.RatioThres)
	assert.Equal(NewBatchOpt().MinArc, got.Batch.MinArc)

	// The returned copy is detached as well
	got.Amb.RatioThres = 50
	assert.Equal(2.5, ses.Options().Amb.RatioThres)
	assert.True(ses.Options().DD.SkipTrop)
}

func TestSessionEmpty(t *testing.T) {
	assert := assert.New(t)
	sc := newScenario()
	sc.nepoch = 5
	for k := range 5 {
		sc.empty[k] = true
	}
	ses := newScenarioSession(t, sc, nil)
	assert.Equal(5, ses.Stats.EmptyEpochs)
	err := ses.Run(true, false)
	assert.ErrorIs(err, ErrEmptySystem)

	var buf bytes.Buffer
	require.NoError(t, ses.WriteReport(&buf))
	assert.Contains(buf.String(), "status  : unfixed")
}
