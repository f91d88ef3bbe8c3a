package accum

import (
	"fmt"
	"math"
)

// Moments keeps running power means m1..m4 up to MaxOrder and the central
// moments derived from them.
type Moments struct {
	M1, M2, M3, M4         []float64
	Theta2, Theta3, Theta4 []float64
	Increment              int
	MaxOrder               int
}

// NewMoments allocates only the orders up to maxOrder (1..4).
func NewMoments(size, maxOrder int) *Moments {
	if maxOrder < 1 || maxOrder > 4 {
		panic(fmt.Sprintf("Moments: maxOrder must be in [1,4], got %d", maxOrder))
	}
	m := &Moments{MaxOrder: maxOrder}
	m.M1 = make([]float64, size)
	if maxOrder >= 2 {
		m.M2 = make([]float64, size)
		m.Theta2 = make([]float64, size)
	}
	if maxOrder >= 3 {
		m.M3 = make([]float64, size)
		m.Theta3 = make([]float64, size)
	}
	if maxOrder >= 4 {
		m.M4 = make([]float64, size)
		m.Theta4 = make([]float64, size)
	}
	return m
}

// Size returns the vector width.
func (m *Moments) Size() int { return len(m.M1) }

// Update folds one sample into the power means.
func (m *Moments) Update(x []float64) error {
	if len(x) != len(m.M1) {
		return fmt.Errorf("moments: sample has %d elements, want %d: %w", len(x), len(m.M1), ErrSizeMismatch)
	}
	m.Increment++
	n := float64(m.Increment)
	for i, v := range x {
		m.M1[i] += (v - m.M1[i]) / n
		if m.MaxOrder >= 2 {
			v2 := v * v
			m.M2[i] += (v2 - m.M2[i]) / n
			if m.MaxOrder >= 3 {
				m.M3[i] += (v2*v - m.M3[i]) / n
				if m.MaxOrder >= 4 {
					m.M4[i] += (v2*v2 - m.M4[i]) / n
				}
			}
		}
	}
	if m.Increment > 1 {
		m.updateCentral()
	}
	return nil
}

// updateCentral recomputes the central moments from the power means.
func (m *Moments) updateCentral() {
	for i := range m.M1 {
		m1 := m.M1[i]
		if m.MaxOrder >= 2 {
			m.Theta2[i] = m.M2[i] - m1*m1
		}
		if m.MaxOrder >= 3 {
			m.Theta3[i] = m.M3[i] - 3*m1*m.M2[i] + 2*m1*m1*m1
		}
		if m.MaxOrder >= 4 {
			m.Theta4[i] = m.M4[i] - 4*m1*m.M3[i] + 6*m1*m1*m.M2[i] - 3*m1*m1*m1*m1
		}
	}
}

// Mean returns the running mean.
func (m *Moments) Mean() []float64 { return m.M1 }

// Variance returns the unbiased variance theta2·n/(n-1), or nil when order 2
// is not tracked. Zero before the second sample.
func (m *Moments) Variance() []float64 {
	if m.MaxOrder < 2 {
		return nil
	}
	out := make([]float64, len(m.M1))
	if m.Increment < 2 {
		return out
	}
	n := float64(m.Increment)
	for i := range out {
		out[i] = m.Theta2[i] * n / (n - 1)
	}
	return out
}

// Skewness returns theta3 / theta2^1.5, or nil when order 3 is not tracked.
func (m *Moments) Skewness() []float64 {
	if m.MaxOrder < 3 {
		return nil
	}
	out := make([]float64, len(m.M1))
	for i := range out {
		if m.Theta2[i] > 0 {
			out[i] = m.Theta3[i] / math.Pow(m.Theta2[i], 1.5)
		}
	}
	return out
}

// Kurtosis returns theta4 / theta3², or nil when order 4 is not tracked.
//
// The denominator is theta3² and not theta2²; this matches the statistics
// produced by existing studies and is kept until that output format changes.
func (m *Moments) Kurtosis() []float64 {
	if m.MaxOrder < 4 {
		return nil
	}
	out := make([]float64, len(m.M1))
	for i := range out {
		d := m.Theta3[i] * m.Theta3[i]
		if d > 0 {
			out[i] = m.Theta4[i] / d
		}
	}
	return out
}

// Merge combines other into m as if every sample of other had been folded
// into m. Both sides must track the same orders and width.
func (m *Moments) Merge(other *Moments) error {
	if other.MaxOrder != m.MaxOrder || other.Size() != m.Size() {
		return fmt.Errorf("moments: merge order %d/%d size %d/%d: %w",
			m.MaxOrder, other.MaxOrder, m.Size(), other.Size(), ErrSizeMismatch)
	}
	if other.Increment == 0 {
		return nil
	}
	n1, n2 := float64(m.Increment), float64(other.Increment)
	n := n1 + n2
	mix := func(a, b []float64) {
		for i := range a {
			a[i] += n2 * (b[i] - a[i]) / n
		}
	}
	mix(m.M1, other.M1)
	if m.MaxOrder >= 2 {
		mix(m.M2, other.M2)
	}
	if m.MaxOrder >= 3 {
		mix(m.M3, other.M3)
	}
	if m.MaxOrder >= 4 {
		mix(m.M4, other.M4)
	}
	m.Increment += other.Increment
	if m.Increment > 1 {
		m.updateCentral()
	}
	return nil
}
