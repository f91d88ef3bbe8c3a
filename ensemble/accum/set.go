// Package accum implements the fixed-memory incremental statistics folded in
// one sample vector at a time.
//
// Every kernel is owned by the single server rank hosting its slot; partial
// results from different owners are only combined through Merge.
package accum

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized reports an accumulator set used before it was
	// sized. Fatal: continuing would corrupt statistics.
	ErrNotInitialized = errors.New("accum: accumulator set used before valid")
	// ErrSizeMismatch reports a sample or merge partner of the wrong width.
	ErrSizeMismatch = errors.New("accum: vector size mismatch")
)

// Feature flag bits, persisted in checkpoint headers.
const (
	FlagMean uint32 = 1 << iota
	FlagVariance
	FlagSkewness
	FlagKurtosis
	FlagMinMax
	FlagThreshold
	FlagQuantile
)

// Config selects which statistics a study computes.
type Config struct {
	Mean       bool
	Variance   bool
	Skewness   bool
	Kurtosis   bool
	MinMax     bool
	Thresholds []float64 // one exceedance counter per value
	Quantiles  []float64 // one estimator per order in (0,1)
	// QuantileMaxSamples is the expected number of samples per slot, usually
	// the number of simulations of the study.
	QuantileMaxSamples int
}

// MaxOrder returns the highest moment order required, 0 when none is.
func (c Config) MaxOrder() int {
	switch {
	case c.Kurtosis:
		return 4
	case c.Skewness:
		return 3
	case c.Variance:
		return 2
	case c.Mean:
		return 1
	default:
		return 0
	}
}

// Flags packs the enabled families into a bit set.
func (c Config) Flags() uint32 {
	var f uint32
	if c.Mean {
		f |= FlagMean
	}
	if c.Variance {
		f |= FlagVariance
	}
	if c.Skewness {
		f |= FlagSkewness
	}
	if c.Kurtosis {
		f |= FlagKurtosis
	}
	if c.MinMax {
		f |= FlagMinMax
	}
	if len(c.Thresholds) > 0 {
		f |= FlagThreshold
	}
	if len(c.Quantiles) > 0 {
		f |= FlagQuantile
	}
	return f
}

// Validate checks parameter ranges.
func (c Config) Validate() error {
	for _, a := range c.Quantiles {
		if a <= 0 || a >= 1 {
			return fmt.Errorf("quantile order must be in (0,1), got %v", a)
		}
	}
	if len(c.Quantiles) > 0 && c.QuantileMaxSamples < 1 {
		return fmt.Errorf("quantile max samples must be >= 1, got %d", c.QuantileMaxSamples)
	}
	return nil
}

// Set is the group of accumulators of one (field, slot, time step).
// Nil members are families the study does not compute.
type Set struct {
	Size       int
	Moments    *Moments
	MinMax     *MinMax
	Thresholds []*Threshold
	Quantiles  []*Quantile
}

// NewSet allocates the families enabled in cfg for vectors of width size.
func NewSet(cfg Config, size int) (*Set, error) {
	if size <= 0 {
		return nil, fmt.Errorf("accumulator set of size %d: %w", size, ErrNotInitialized)
	}
	s := &Set{Size: size}
	if order := cfg.MaxOrder(); order > 0 {
		s.Moments = NewMoments(size, order)
	}
	if cfg.MinMax {
		s.MinMax = NewMinMax(size)
	}
	for _, v := range cfg.Thresholds {
		s.Thresholds = append(s.Thresholds, NewThreshold(size, v))
	}
	for _, a := range cfg.Quantiles {
		s.Quantiles = append(s.Quantiles, NewQuantile(size, a, cfg.QuantileMaxSamples))
	}
	return s, nil
}

// Valid reports whether the set may be updated.
func (s *Set) Valid() bool {
	return s != nil && s.Size > 0
}

// Update folds one sample produced by simulation owner into every family.
func (s *Set) Update(x []float64, owner int32) error {
	if !s.Valid() {
		return ErrNotInitialized
	}
	if len(x) != s.Size {
		return fmt.Errorf("accumulator set: sample has %d elements, want %d: %w", len(x), s.Size, ErrSizeMismatch)
	}
	if s.Moments != nil {
		if err := s.Moments.Update(x); err != nil {
			return err
		}
	}
	if s.MinMax != nil {
		if err := s.MinMax.Update(x, owner); err != nil {
			return err
		}
	}
	for _, t := range s.Thresholds {
		if err := t.Update(x); err != nil {
			return err
		}
	}
	for _, q := range s.Quantiles {
		if err := q.Update(x); err != nil {
			return err
		}
	}
	return nil
}

// Increment returns the number of samples folded, 0 when nothing is tracked
// with a counter.
func (s *Set) Increment() int {
	switch {
	case s.Moments != nil:
		return s.Moments.Increment
	case s.MinMax != nil:
		return s.MinMax.Increment
	case len(s.Quantiles) > 0:
		return s.Quantiles[0].Increment
	default:
		return 0
	}
}

// Merge combines a set accumulated independently with the same Config.
func (s *Set) Merge(other *Set) error {
	if !s.Valid() || !other.Valid() {
		return ErrNotInitialized
	}
	if s.Size != other.Size || (s.Moments == nil) != (other.Moments == nil) ||
		(s.MinMax == nil) != (other.MinMax == nil) ||
		len(s.Thresholds) != len(other.Thresholds) || len(s.Quantiles) != len(other.Quantiles) {
		return fmt.Errorf("accumulator set: merge of differently configured sets: %w", ErrSizeMismatch)
	}
	if s.Moments != nil {
		if err := s.Moments.Merge(other.Moments); err != nil {
			return err
		}
	}
	if s.MinMax != nil {
		if err := s.MinMax.Merge(other.MinMax); err != nil {
			return err
		}
	}
	for i, t := range s.Thresholds {
		if err := t.Merge(other.Thresholds[i]); err != nil {
			return err
		}
	}
	for i, q := range s.Quantiles {
		if err := q.Merge(other.Quantiles[i]); err != nil {
			return err
		}
	}
	return nil
}
