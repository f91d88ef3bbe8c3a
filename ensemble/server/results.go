package server

import (
	"fmt"

	"github.com/ensemble-stats/ensemble-stats/ensemble/accum"
	"github.com/ensemble-stats/ensemble-stats/ensemble/sobol"
)

// Statistic names a per-element result. The names double as the stat names
// of CONFIDENCE_INTERVAL notifications.
type Statistic string

const (
	StatMean     Statistic = "mean"
	StatVariance Statistic = "variance"
	StatSkewness Statistic = "skewness"
	StatKurtosis Statistic = "kurtosis"
	StatMin      Statistic = "min"
	StatMax      Statistic = "max"

	// Indexed statistics: index selects the threshold, the quantile order, or
	// the Sobol parameter.
	StatThreshold  Statistic = "threshold"
	StatQuantile   Statistic = "quantile"
	StatFirstOrder Statistic = "sobol_first_order"
	StatTotalOrder Statistic = "sobol_total_order"
)

// Notifications carry the stat name as a plain string.
const (
	statFirstOrderName = string(StatFirstOrder)
	statTotalOrderName = string(StatTotalOrder)
)

// LocalRange returns the global offset and length of this rank's slice of
// field.
func (s *Server) LocalRange(name string) (start, size int, err error) {
	f, ok := s.fields[name]
	if !ok {
		return 0, 0, fmt.Errorf("field %q: %w", name, ErrUnknownField)
	}
	return f.partition.ConsumerStart(s.cfg.Rank), f.partition.ConsumerSizes[s.cfg.Rank], nil
}

// Result assembles stat over this rank's slice of field at step, one segment
// per producer in global order. It fails with ErrNoData while any segment has
// not received the step.
func (s *Server) Result(name string, step int, stat Statistic, index int) ([]float64, error) {
	f, ok := s.fields[name]
	if !ok {
		return nil, fmt.Errorf("field %q: %w", name, ErrUnknownField)
	}
	if step < 0 || step >= s.cfg.TimeSteps {
		return nil, fmt.Errorf("time step %d out of range [0,%d)", step, s.cfg.TimeSteps)
	}
	out := make([]float64, 0, f.partition.ConsumerSizes[s.cfg.Rank])
	for _, seg := range f.segments {
		slot := f.slots[seg.Producer]
		var part []float64
		var err error
		switch stat {
		case StatFirstOrder, StatTotalOrder:
			part, err = sobolResult(slot.Sobol, step, stat, index)
		default:
			set := slot.Stats[step]
			if set == nil {
				return nil, fmt.Errorf("field %q producer %d step %d: %w", name, seg.Producer, step, ErrNoData)
			}
			part, err = setResult(set, stat, index)
		}
		if err != nil {
			return nil, fmt.Errorf("field %q producer %d step %d: %w", name, seg.Producer, step, err)
		}
		out = append(out, part...)
	}
	return out, nil
}

func setResult(set *accum.Set, stat Statistic, index int) ([]float64, error) {
	m := set.Moments
	order := 0
	if m != nil {
		order = m.MaxOrder
	}
	switch stat {
	case StatMean:
		if order < 1 {
			break
		}
		return append([]float64(nil), m.Mean()...), nil
	case StatVariance:
		if order < 2 {
			break
		}
		return m.Variance(), nil
	case StatSkewness:
		if order < 3 {
			break
		}
		return m.Skewness(), nil
	case StatKurtosis:
		if order < 4 {
			break
		}
		return m.Kurtosis(), nil
	case StatMin, StatMax:
		if set.MinMax == nil {
			break
		}
		if stat == StatMin {
			return append([]float64(nil), set.MinMax.Min...), nil
		}
		return append([]float64(nil), set.MinMax.Max...), nil
	case StatThreshold:
		if index < 0 || index >= len(set.Thresholds) {
			break
		}
		counts := set.Thresholds[index].Count
		out := make([]float64, len(counts))
		for i, c := range counts {
			out[i] = float64(c)
		}
		return out, nil
	case StatQuantile:
		if index < 0 || index >= len(set.Quantiles) {
			break
		}
		return append([]float64(nil), set.Quantiles[index].Estimate...), nil
	}
	return nil, fmt.Errorf("statistic %s[%d] is not computed by this study", stat, index)
}

func sobolResult(states []*sobol.State, step int, stat Statistic, index int) ([]float64, error) {
	if states == nil {
		return nil, fmt.Errorf("statistic %s is not computed by this study", stat)
	}
	st := states[step]
	if st == nil {
		return nil, ErrNoData
	}
	if index < 0 || index >= st.Params {
		return nil, fmt.Errorf("parameter %d out of range [0,%d)", index, st.Params)
	}
	if stat == StatFirstOrder {
		return append([]float64(nil), st.FirstOrder(index)...), nil
	}
	return append([]float64(nil), st.TotalOrder(index)...), nil
}

// Samples returns the number of samples folded into every segment of field
// at step, keyed by producer rank.
func (s *Server) Samples(name string, step int) (map[int]int, error) {
	f, ok := s.fields[name]
	if !ok {
		return nil, fmt.Errorf("field %q: %w", name, ErrUnknownField)
	}
	out := make(map[int]int, len(f.slots))
	for producer, slot := range f.slots {
		if step >= 0 && step < len(slot.Stats) && slot.Stats[step] != nil {
			out[producer] = slot.Stats[step].Increment()
		} else {
			out[producer] = 0
		}
	}
	return out, nil
}
