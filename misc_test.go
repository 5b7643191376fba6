// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.18
//

package ddbatch

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMedian(t *testing.T) {
	assert := assert.New(t)
	x := []float64{3, 1, 2, 10, -4}
	assert.Equal(2.0, median(x))
	assert.Equal([]float64{3, 1, 2, 10, -4}, x)
	assert.Equal(1.0, median([]float64{3, 1, 2, -4}))
	assert.Equal(7.0, median([]float64{7}))
	assert.True(math.IsNaN(median(nil)))
}

func TestMovingMedian(t *testing.T) {
	assert := assert.New(t)
	x := []float64{0, 0, 9, 0, 0, 4, 4, 4, 4}
	assert.Equal([]float64{0, 0, 0, 0, 0, 4, 4, 4, 4}, movingMedian(x, 3))
	assert.Equal([]float64{0, 0, 0, 0, 4, 4, 4, 4, 4}, movingMedian(x, 5))
	assert.Equal(x, movingMedian(x, 0))
}
