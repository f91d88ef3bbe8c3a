// Package testutil provides shared test infrastructure for the ensemble
// statistics packages: synthetic sample batches and two-pass reference
// statistics to compare the incremental kernels against.
package testutil

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/stat"
)

// Batch is a sequence of sample vectors of equal width.
type Batch [][]float64

// UniformBatch draws count vectors of width elements from U(0,1).
func UniformBatch(seed int64, count, width int) Batch {
	rng := rand.New(rand.NewSource(seed))
	b := make(Batch, count)
	for s := range b {
		b[s] = make([]float64, width)
		for i := range b[s] {
			b[s][i] = rng.Float64()
		}
	}
	return b
}

// ExponentialBatch draws count vectors of width elements from Exp(1) shifted
// by the element index, so every column has a different, skewed law.
func ExponentialBatch(seed int64, count, width int) Batch {
	rng := rand.New(rand.NewSource(seed))
	b := make(Batch, count)
	for s := range b {
		b[s] = make([]float64, width)
		for i := range b[s] {
			b[s][i] = rng.ExpFloat64() + float64(i%7)*0.25
		}
	}
	return b
}

// Correlated returns a batch whose samples are b plus scale·U(0,1) noise.
func Correlated(seed int64, b Batch, scale float64) Batch {
	rng := rand.New(rand.NewSource(seed))
	out := make(Batch, len(b))
	for s := range b {
		out[s] = make([]float64, len(b[s]))
		for i, v := range b[s] {
			out[s][i] = v + scale*rng.Float64()
		}
	}
	return out
}

// Column extracts element i of every sample.
func (b Batch) Column(i int) []float64 {
	col := make([]float64, len(b))
	for s := range b {
		col[s] = b[s][i]
	}
	return col
}

// Width returns the vector width, 0 for an empty batch.
func (b Batch) Width() int {
	if len(b) == 0 {
		return 0
	}
	return len(b[0])
}

// === Two-pass references ===

// Means returns the per-element mean.
func (b Batch) Means() []float64 {
	return b.perColumn(func(col []float64) float64 { return stat.Mean(col, nil) })
}

// Variances returns the per-element unbiased variance.
func (b Batch) Variances() []float64 {
	return b.perColumn(func(col []float64) float64 { return stat.Variance(col, nil) })
}

// CentralMoments returns the per-element biased central moment of order k.
func (b Batch) CentralMoments(k float64) []float64 {
	return b.perColumn(func(col []float64) float64 { return stat.Moment(k, col, nil) })
}

// RawMoments returns the per-element mean of x^k.
func (b Batch) RawMoments(k float64) []float64 {
	return b.perColumn(func(col []float64) float64 {
		pow := make([]float64, len(col))
		for i, v := range col {
			pow[i] = math.Pow(v, k)
		}
		return stat.Mean(pow, nil)
	})
}

// Covariances returns the per-element unbiased covariance of a and b.
func Covariances(a, b Batch) []float64 {
	out := make([]float64, a.Width())
	for i := range out {
		out[i] = stat.Covariance(a.Column(i), b.Column(i), nil)
	}
	return out
}

func (b Batch) perColumn(f func(col []float64) float64) []float64 {
	out := make([]float64, b.Width())
	for i := range out {
		out[i] = f(b.Column(i))
	}
	return out
}

// === Assertions ===

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == 0 && got == 0 {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}

// AssertVectorRelClose compares two vectors elementwise with relative
// tolerance and stops at the first failing element.
func AssertVectorRelClose(t *testing.T, name string, want, got []float64, relTol float64) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("%s: length %d, want %d", name, len(got), len(want))
	}
	for i := range want {
		if want[i] == 0 && got[i] == 0 {
			continue
		}
		diff := math.Abs(want[i] - got[i])
		maxVal := math.Max(math.Abs(want[i]), math.Abs(got[i]))
		if diff/maxVal > relTol {
			t.Fatalf("%s[%d]: got %v, want %v (relDiff=%v)", name, i, got[i], want[i], diff/maxVal)
		}
	}
}
