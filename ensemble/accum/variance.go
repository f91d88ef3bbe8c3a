package accum

import "fmt"

// Variance is the one-vector specialization of Covariance: a Welford running
// mean and unbiased running variance.
type Variance struct {
	Variance  []float64
	Mean      []float64
	Increment int
}

// NewVariance allocates a zeroed Variance of the given width.
func NewVariance(size int) *Variance {
	return &Variance{
		Variance: make([]float64, size),
		Mean:     make([]float64, size),
	}
}

// Size returns the vector width.
func (v *Variance) Size() int { return len(v.Mean) }

// Update folds one sample.
func (v *Variance) Update(x []float64) error {
	if len(x) != len(v.Mean) {
		return fmt.Errorf("variance: sample has %d elements, want %d: %w", len(x), len(v.Mean), ErrSizeMismatch)
	}
	v.Increment++
	n := float64(v.Increment)
	for i, xi := range x {
		old := v.Mean[i]
		v.Mean[i] += (xi - old) / n
		if v.Increment > 1 {
			v.Variance[i] = (v.Variance[i]*(n-2) + (xi-v.Mean[i])*(xi-old)) / (n - 1)
		}
	}
	return nil
}

// Merge combines other into v with the pooled-variance identity.
func (v *Variance) Merge(other *Variance) error {
	if other.Size() != v.Size() {
		return fmt.Errorf("variance: merge size %d into %d: %w", other.Size(), v.Size(), ErrSizeMismatch)
	}
	if other.Increment == 0 {
		return nil
	}
	if v.Increment == 0 {
		copy(v.Mean, other.Mean)
		copy(v.Variance, other.Variance)
		v.Increment = other.Increment
		return nil
	}
	n1, n2 := float64(v.Increment), float64(other.Increment)
	n := n1 + n2
	for i := range v.Mean {
		delta := other.Mean[i] - v.Mean[i]
		m2 := v.Variance[i]*(n1-1) + other.Variance[i]*(n2-1) + delta*delta*n1*n2/n
		v.Mean[i] += n2 * delta / n
		v.Variance[i] = m2 / (n - 1)
	}
	v.Increment += other.Increment
	return nil
}

// Covariance tracks the unbiased running covariance of two parallel vectors.
type Covariance struct {
	Covariance []float64
	MeanA      []float64
	MeanB      []float64
	Increment  int
}

// NewCovariance allocates a zeroed Covariance of the given width.
func NewCovariance(size int) *Covariance {
	return &Covariance{
		Covariance: make([]float64, size),
		MeanA:      make([]float64, size),
		MeanB:      make([]float64, size),
	}
}

// Size returns the vector width.
func (c *Covariance) Size() int { return len(c.MeanA) }

// Update folds one pair of samples. MeanA is updated before the covariance
// and MeanB after it; the covariance term pairs the new mean of A with the
// previous mean of B.
func (c *Covariance) Update(a, b []float64) error {
	if len(a) != len(c.MeanA) || len(b) != len(c.MeanA) {
		return fmt.Errorf("covariance: samples have %d/%d elements, want %d: %w",
			len(a), len(b), len(c.MeanA), ErrSizeMismatch)
	}
	c.Increment++
	n := float64(c.Increment)
	for i := range a {
		c.MeanA[i] += (a[i] - c.MeanA[i]) / n
		if c.Increment > 1 {
			c.Covariance[i] = (c.Covariance[i]*(n-2) + (a[i]-c.MeanA[i])*(b[i]-c.MeanB[i])) / (n - 1)
		}
		c.MeanB[i] += (b[i] - c.MeanB[i]) / n
	}
	return nil
}

// Merge combines other into c. The cross term is n1·n2·ΔA·ΔB/n.
func (c *Covariance) Merge(other *Covariance) error {
	if other.Size() != c.Size() {
		return fmt.Errorf("covariance: merge size %d into %d: %w", other.Size(), c.Size(), ErrSizeMismatch)
	}
	if other.Increment == 0 {
		return nil
	}
	if c.Increment == 0 {
		copy(c.Covariance, other.Covariance)
		copy(c.MeanA, other.MeanA)
		copy(c.MeanB, other.MeanB)
		c.Increment = other.Increment
		return nil
	}
	n1, n2 := float64(c.Increment), float64(other.Increment)
	n := n1 + n2
	for i := range c.MeanA {
		da := other.MeanA[i] - c.MeanA[i]
		db := other.MeanB[i] - c.MeanB[i]
		c2 := c.Covariance[i]*(n1-1) + other.Covariance[i]*(n2-1) + da*db*n1*n2/n
		c.MeanA[i] += n2 * da / n
		c.MeanB[i] += n2 * db / n
		c.Covariance[i] = c2 / (n - 1)
	}
	c.Increment += other.Increment
	return nil
}
