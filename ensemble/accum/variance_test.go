package accum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemble-stats/ensemble-stats/ensemble/internal/testutil"
)

func TestVariance_AgreesWithTwoPassReference(t *testing.T) {
	batch := testutil.UniformBatch(3, agreementSamples, agreementWidth)
	v := NewVariance(agreementWidth)
	for _, x := range batch {
		require.NoError(t, v.Update(x))
	}

	testutil.AssertVectorRelClose(t, "mean", batch.Means(), v.Mean, agreementRelTol)
	testutil.AssertVectorRelClose(t, "variance", batch.Variances(), v.Variance, agreementRelTol)
}

func TestCovariance_AgreesWithTwoPassReference(t *testing.T) {
	// GIVEN correlated parallel inputs
	a := testutil.UniformBatch(4, agreementSamples, agreementWidth)
	b := testutil.Correlated(5, a, 0.5)
	c := NewCovariance(agreementWidth)
	for s := range a {
		require.NoError(t, c.Update(a[s], b[s]))
	}

	// THEN covariance and both means match a direct computation
	testutil.AssertVectorRelClose(t, "covariance", testutil.Covariances(a, b), c.Covariance, agreementRelTol)
	testutil.AssertVectorRelClose(t, "meanA", a.Means(), c.MeanA, agreementRelTol)
	testutil.AssertVectorRelClose(t, "meanB", b.Means(), c.MeanB, agreementRelTol)
}

func TestCovariance_SameInputs_EqualsVariance(t *testing.T) {
	batch := testutil.UniformBatch(6, 500, 8)
	c := NewCovariance(8)
	v := NewVariance(8)
	for _, x := range batch {
		require.NoError(t, c.Update(x, x))
		require.NoError(t, v.Update(x))
	}
	testutil.AssertVectorRelClose(t, "variance", v.Variance, c.Covariance, 1e-14)
}

func TestCovariance_UpdateOrder_IsLoadBearing(t *testing.T) {
	// GIVEN two samples (a,b) = (1,10) then (3,20)
	c := NewCovariance(1)
	require.NoError(t, c.Update([]float64{1}, []float64{10}))
	require.NoError(t, c.Update([]float64{3}, []float64{20}))

	// THEN cov = (3-2)*(20-10)/1 = 10, pairing new mean A with previous mean B
	assert.Equal(t, 10.0, c.Covariance[0])
	assert.Equal(t, 2.0, c.MeanA[0])
	assert.Equal(t, 15.0, c.MeanB[0])
}

func TestCovariance_SizeMismatch(t *testing.T) {
	c := NewCovariance(2)
	assert.ErrorIs(t, c.Update([]float64{1, 2}, []float64{1}), ErrSizeMismatch)
}

func TestVariance_Merge_MatchesSinglePass(t *testing.T) {
	batch := testutil.UniformBatch(7, 2001, 40)
	whole, left, right := NewVariance(40), NewVariance(40), NewVariance(40)
	for s, x := range batch {
		require.NoError(t, whole.Update(x))
		if s%3 == 0 {
			require.NoError(t, left.Update(x))
		} else {
			require.NoError(t, right.Update(x))
		}
	}

	require.NoError(t, left.Merge(right))

	assert.Equal(t, whole.Increment, left.Increment)
	testutil.AssertVectorRelClose(t, "mean", whole.Mean, left.Mean, 1e-12)
	testutil.AssertVectorRelClose(t, "variance", whole.Variance, left.Variance, 1e-10)
}

func TestCovariance_Merge_MatchesSinglePass(t *testing.T) {
	a := testutil.UniformBatch(8, 1500, 30)
	b := testutil.Correlated(9, a, 2)
	whole, left, right := NewCovariance(30), NewCovariance(30), NewCovariance(30)
	for s := range a {
		require.NoError(t, whole.Update(a[s], b[s]))
		if s < 700 {
			require.NoError(t, left.Update(a[s], b[s]))
		} else {
			require.NoError(t, right.Update(a[s], b[s]))
		}
	}

	require.NoError(t, left.Merge(right))

	testutil.AssertVectorRelClose(t, "covariance", whole.Covariance, left.Covariance, 1e-10)
	testutil.AssertVectorRelClose(t, "meanA", whole.MeanA, left.MeanA, 1e-12)
	testutil.AssertVectorRelClose(t, "meanB", whole.MeanB, left.MeanB, 1e-12)
}

func TestVariance_Merge_IntoEmpty_Copies(t *testing.T) {
	src := NewVariance(2)
	require.NoError(t, src.Update([]float64{1, 2}))
	require.NoError(t, src.Update([]float64{3, 6}))

	dst := NewVariance(2)
	require.NoError(t, dst.Merge(src))
	assert.Equal(t, src.Mean, dst.Mean)
	assert.Equal(t, src.Variance, dst.Variance)
	assert.Equal(t, 2, dst.Increment)

	assert.ErrorIs(t, dst.Merge(NewVariance(3)), ErrSizeMismatch)
}
