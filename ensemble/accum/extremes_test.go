package accum

import (
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemble-stats/ensemble-stats/ensemble/internal/testutil"
)

func TestMinMax_TracksExtremesAndOwners(t *testing.T) {
	m := NewMinMax(3)
	require.NoError(t, m.Update([]float64{1, 5, 0}, 10))
	require.NoError(t, m.Update([]float64{2, 4, 0}, 11))
	require.NoError(t, m.Update([]float64{-1, 6, 0}, 12))

	assert.Equal(t, []float64{-1, 4, 0}, m.Min)
	assert.Equal(t, []float64{2, 6, 0}, m.Max)
	assert.Equal(t, []int32{12, 11, 10}, m.MinOwner)
	assert.Equal(t, []int32{11, 12, 10}, m.MaxOwner, "ties keep the first owner")
	assert.Equal(t, 3, m.Increment)
}

func TestMinMax_Merge(t *testing.T) {
	a, b := NewMinMax(2), NewMinMax(2)
	require.NoError(t, a.Update([]float64{1, 1}, 1))
	require.NoError(t, b.Update([]float64{0, 2}, 2))

	require.NoError(t, a.Merge(b))

	assert.Equal(t, []float64{0, 1}, a.Min)
	assert.Equal(t, []float64{1, 2}, a.Max)
	assert.Equal(t, []int32{2, 1}, a.MinOwner)
	assert.Equal(t, []int32{1, 2}, a.MaxOwner)
}

func TestThreshold_CountsStrictExceedance(t *testing.T) {
	th := NewThreshold(3, 0.5)
	require.NoError(t, th.Update([]float64{0.5, 0.6, 0.1}))
	require.NoError(t, th.Update([]float64{0.7, 0.6, 0.5}))

	assert.Equal(t, []int32{1, 2, 0}, th.Count)

	other := NewThreshold(3, 0.5)
	require.NoError(t, other.Update([]float64{1, 1, 1}))
	require.NoError(t, th.Merge(other))
	assert.Equal(t, []int32{2, 3, 1}, th.Count)

	assert.ErrorIs(t, th.Merge(NewThreshold(3, 0.7)), ErrSizeMismatch)
}

func TestQuantile_FirstSampleInitializesEstimate(t *testing.T) {
	q := NewQuantile(2, 0.5, 10)
	require.NoError(t, q.Update([]float64{3, 4}))
	assert.Equal(t, []float64{3, 4}, q.Estimate)
	assert.Equal(t, 1, q.Increment)
}

func TestQuantile_StepDirection(t *testing.T) {
	// GIVEN an estimate of 0 after the first sample, maxSamples=1 so gamma=1
	q := NewQuantile(2, 0.25, 1)
	require.NoError(t, q.Update([]float64{0, 0}))

	// WHEN a sample below and a sample above arrive
	require.NoError(t, q.Update([]float64{-1, 1}))

	// THEN the estimate moves down by (1-alpha)/2 and up by alpha/2
	assert.InDelta(t, -0.375, q.Estimate[0], 1e-15)
	assert.InDelta(t, 0.125, q.Estimate[1], 1e-15)
}

func TestQuantile_ConvergesToSampleMedian(t *testing.T) {
	// GIVEN i.i.d. U(0,1) samples and alpha = 0.5
	errFor := func(samples int) float64 {
		const width = 100
		batch := testutil.UniformBatch(int64(samples), samples, width)
		q := NewQuantile(width, 0.5, samples)
		for _, x := range batch {
			require.NoError(t, q.Update(x))
		}
		total := 0.0
		for i := 0; i < width; i++ {
			col := batch.Column(i)
			sort.Float64s(col)
			median := (col[samples/2-1] + col[samples/2]) / 2
			total += math.Abs(q.Estimate[i] - median)
		}
		return total / width
	}

	// WHEN max_samples grows
	small, large := errFor(1000), errFor(10000)

	// THEN the mean absolute error to the sample median shrinks
	assert.Less(t, small, 0.04)
	assert.Less(t, large, 0.015)
	assert.Less(t, large, small)
}
