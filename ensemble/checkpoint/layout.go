// Package checkpoint persists accumulator slots and the simulation registry so
// a server rank can resume a study without reprocessing past messages.
//
// One slot file holds every time step of one (field, consumer rank, producer
// rank) segment. The registry lives in its own file. All integers and floats
// use wire.ByteOrder.
//
// Slot file layout:
//
//	header   magic "ENSC", version, field name, consumer, producer,
//	         vect_size, time steps, feature flags, moment order,
//	         thresholds, quantile orders and max samples, sobol method, params
//	moments  per step: tag byte (0xFF when the step never received data,
//	         otherwise the moment order), m1..mk, theta2..thetak, increment
//	minmax   per present step, when enabled
//	thresh   per present step and threshold, when enabled
//	quantile per present step and order, when enabled
//	sobol    per step: presence byte, iteration, estimator state
//	trailer  simulation count, then id, word count, folded-step words
package checkpoint

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ensemble-stats/ensemble-stats/ensemble/accum"
	"github.com/ensemble-stats/ensemble-stats/ensemble/registry"
	"github.com/ensemble-stats/ensemble-stats/ensemble/sobol"
)

var (
	// ErrCorrupt reports a file that cannot be decoded. Fatal.
	ErrCorrupt = errors.New("checkpoint: corrupt file")
	// ErrMismatch reports a file written under a different configuration. Fatal.
	ErrMismatch = errors.New("checkpoint: configuration mismatch")
	// ErrNotFound reports a missing file; the caller cold-starts.
	ErrNotFound = errors.New("checkpoint: not found")
)

const (
	slotMagic     = "ENSC"
	registryMagic = "ENSR"
	version       = 1

	stepAbsent uint8 = 0xFF
)

// Layout fingerprints the study configuration a slot is written under.
// Restoring under a different Layout fails with ErrMismatch.
type Layout struct {
	TimeSteps int
	Stats     accum.Config
	Sobol     sobol.Method // 0 when the study computes no indices
	Params    int
}

// Check returns an ErrMismatch describing the first difference with o.
func (l Layout) Check(o Layout) error {
	switch {
	case l.TimeSteps != o.TimeSteps:
		return fmt.Errorf("time steps %d, want %d: %w", o.TimeSteps, l.TimeSteps, ErrMismatch)
	case l.Stats.Flags() != o.Stats.Flags():
		return fmt.Errorf("feature flags %#x, want %#x: %w", o.Stats.Flags(), l.Stats.Flags(), ErrMismatch)
	case !slices.Equal(l.Stats.Thresholds, o.Stats.Thresholds):
		return fmt.Errorf("thresholds %v, want %v: %w", o.Stats.Thresholds, l.Stats.Thresholds, ErrMismatch)
	case !slices.Equal(l.Stats.Quantiles, o.Stats.Quantiles):
		return fmt.Errorf("quantile orders %v, want %v: %w", o.Stats.Quantiles, l.Stats.Quantiles, ErrMismatch)
	case len(l.Stats.Quantiles) > 0 && l.Stats.QuantileMaxSamples != o.Stats.QuantileMaxSamples:
		return fmt.Errorf("quantile max samples %d, want %d: %w",
			o.Stats.QuantileMaxSamples, l.Stats.QuantileMaxSamples, ErrMismatch)
	case l.Sobol != o.Sobol:
		return fmt.Errorf("sobol method %v, want %v: %w", o.Sobol, l.Sobol, ErrMismatch)
	case l.Sobol != 0 && l.Params != o.Params:
		return fmt.Errorf("%d parameters, want %d: %w", o.Params, l.Params, ErrMismatch)
	}
	return nil
}

// configFromFlags rebuilds the boolean part of an accum.Config.
func configFromFlags(flags uint32) accum.Config {
	return accum.Config{
		Mean:     flags&accum.FlagMean != 0,
		Variance: flags&accum.FlagVariance != 0,
		Skewness: flags&accum.FlagSkewness != 0,
		Kurtosis: flags&accum.FlagKurtosis != 0,
		MinMax:   flags&accum.FlagMinMax != 0,
	}
}

// Slot is the complete state of one (field, consumer, producer) segment.
//
// Thread-safety: NOT thread-safe. Owned by the rank's message loop; the store
// only reads it while the loop is paused for a checkpoint.
type Slot struct {
	Field    string
	Consumer int
	Producer int
	Size     int

	// Stats holds one accumulator set per time step, nil until the step
	// receives its first sample.
	Stats []*accum.Set
	// Sobol holds one estimator per time step for Sobol studies, nil otherwise.
	Sobol []*sobol.State
	// Folded records, per simulation, the time steps already folded into
	// this slot.
	Folded map[int32]*registry.Bitset
}

// NewSlot allocates an empty slot of width size for layout.
func NewSlot(field string, consumer, producer, size int, layout Layout) *Slot {
	s := &Slot{
		Field:    field,
		Consumer: consumer,
		Producer: producer,
		Size:     size,
		Stats:    make([]*accum.Set, layout.TimeSteps),
		Folded:   make(map[int32]*registry.Bitset),
	}
	if layout.Sobol != 0 {
		s.Sobol = make([]*sobol.State, layout.TimeSteps)
	}
	return s
}

// Header is the decoded identity and configuration of a slot file.
type Header struct {
	Version  uint32
	Field    string
	Consumer int
	Producer int
	VectSize int
	MaxOrder int
	Layout   Layout
}
