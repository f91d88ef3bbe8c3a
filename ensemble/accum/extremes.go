package accum

import (
	"fmt"
	"math"
)

// MinMax tracks elementwise extremes and the simulation that produced each.
type MinMax struct {
	Min, Max           []float64
	MinOwner, MaxOwner []int32
	Increment          int
}

// NewMinMax allocates an empty MinMax of the given width.
func NewMinMax(size int) *MinMax {
	return &MinMax{
		Min:      make([]float64, size),
		Max:      make([]float64, size),
		MinOwner: make([]int32, size),
		MaxOwner: make([]int32, size),
	}
}

// Size returns the vector width.
func (m *MinMax) Size() int { return len(m.Min) }

// Update folds one sample produced by simulation owner.
func (m *MinMax) Update(x []float64, owner int32) error {
	if len(x) != len(m.Min) {
		return fmt.Errorf("minmax: sample has %d elements, want %d: %w", len(x), len(m.Min), ErrSizeMismatch)
	}
	if m.Increment == 0 {
		copy(m.Min, x)
		copy(m.Max, x)
		for i := range x {
			m.MinOwner[i] = owner
			m.MaxOwner[i] = owner
		}
	} else {
		for i, v := range x {
			if v < m.Min[i] {
				m.Min[i] = v
				m.MinOwner[i] = owner
			}
			if v > m.Max[i] {
				m.Max[i] = v
				m.MaxOwner[i] = owner
			}
		}
	}
	m.Increment++
	return nil
}

// Merge folds the extremes of other into m.
func (m *MinMax) Merge(other *MinMax) error {
	if other.Size() != m.Size() {
		return fmt.Errorf("minmax: merge size %d into %d: %w", other.Size(), m.Size(), ErrSizeMismatch)
	}
	if other.Increment == 0 {
		return nil
	}
	if m.Increment == 0 {
		copy(m.Min, other.Min)
		copy(m.Max, other.Max)
		copy(m.MinOwner, other.MinOwner)
		copy(m.MaxOwner, other.MaxOwner)
		m.Increment = other.Increment
		return nil
	}
	for i := range m.Min {
		if other.Min[i] < m.Min[i] {
			m.Min[i], m.MinOwner[i] = other.Min[i], other.MinOwner[i]
		}
		if other.Max[i] > m.Max[i] {
			m.Max[i], m.MaxOwner[i] = other.Max[i], other.MaxOwner[i]
		}
	}
	m.Increment += other.Increment
	return nil
}

// Threshold counts, per element, how many samples exceeded Value.
type Threshold struct {
	Value float64
	Count []int32
}

// NewThreshold allocates a zeroed Threshold of the given width.
func NewThreshold(size int, value float64) *Threshold {
	return &Threshold{Value: value, Count: make([]int32, size)}
}

// Size returns the vector width.
func (t *Threshold) Size() int { return len(t.Count) }

// Update folds one sample.
func (t *Threshold) Update(x []float64) error {
	if len(x) != len(t.Count) {
		return fmt.Errorf("threshold: sample has %d elements, want %d: %w", len(x), len(t.Count), ErrSizeMismatch)
	}
	for i, v := range x {
		if v > t.Value {
			t.Count[i]++
		}
	}
	return nil
}

// Merge adds the exceedance counts of other, which must share Value.
func (t *Threshold) Merge(other *Threshold) error {
	if other.Size() != t.Size() || other.Value != t.Value {
		return fmt.Errorf("threshold: merge %v/%d into %v/%d: %w",
			other.Value, other.Size(), t.Value, t.Size(), ErrSizeMismatch)
	}
	for i, c := range other.Count {
		t.Count[i] += c
	}
	return nil
}

// Quantile is a stochastic-approximation estimator of the Alpha quantile.
// It keeps O(1) memory per element and never sorts.
type Quantile struct {
	Alpha      float64
	Increment  int
	MaxSamples int // expected number of samples, tunes the step decay
	Estimate   []float64
}

// NewQuantile allocates an empty Quantile of the given width.
func NewQuantile(size int, alpha float64, maxSamples int) *Quantile {
	return &Quantile{Alpha: alpha, MaxSamples: maxSamples, Estimate: make([]float64, size)}
}

// Size returns the vector width.
func (q *Quantile) Size() int { return len(q.Estimate) }

// Update folds one sample. The first sample initializes the estimate.
func (q *Quantile) Update(x []float64) error {
	if len(x) != len(q.Estimate) {
		return fmt.Errorf("quantile: sample has %d elements, want %d: %w", len(x), len(q.Estimate), ErrSizeMismatch)
	}
	if q.Increment == 0 {
		copy(q.Estimate, x)
		q.Increment = 1
		return nil
	}
	q.Increment++
	step := 1 / math.Pow(float64(q.Increment), q.gamma())
	for i, v := range x {
		if q.Estimate[i] >= v {
			q.Estimate[i] -= (1 - q.Alpha) * step
		} else {
			q.Estimate[i] += q.Alpha * step
		}
	}
	return nil
}

// gamma moves from 0.1 on the second sample to 1 at MaxSamples.
func (q *Quantile) gamma() float64 {
	if q.MaxSamples <= 1 {
		return 1
	}
	return float64(q.Increment-1)*0.9/float64(q.MaxSamples-1) + 0.1
}

// Merge combines two estimates of the same order by sample-weighted average.
// The recursion has no exact parallel form; this is an approximation.
func (q *Quantile) Merge(other *Quantile) error {
	if other.Size() != q.Size() || other.Alpha != q.Alpha {
		return fmt.Errorf("quantile: merge %v/%d into %v/%d: %w",
			other.Alpha, other.Size(), q.Alpha, q.Size(), ErrSizeMismatch)
	}
	if other.Increment == 0 {
		return nil
	}
	if q.Increment == 0 {
		copy(q.Estimate, other.Estimate)
		q.Increment = other.Increment
		return nil
	}
	n1, n2 := float64(q.Increment), float64(other.Increment)
	for i := range q.Estimate {
		q.Estimate[i] = (n1*q.Estimate[i] + n2*other.Estimate[i]) / (n1 + n2)
	}
	q.Increment += other.Increment
	return nil
}
