// Package sobol estimates first- and total-order Sobol sensitivity indices
// incrementally, one pick-freeze group at a time.
//
// A group holds the outputs of two independent baseline draws A and B, and for
// every parameter p the output Y_p of A with parameter p taken from B.
package sobol

import (
	"errors"
	"fmt"
	"math"

	"github.com/ensemble-stats/ensemble-stats/ensemble/accum"
)

// DegenerateEpsilon is the denominator below which an index is reported as 0.
const DegenerateEpsilon = 1e-12

// MinIntervalIteration is the first iteration with a confidence interval.
const MinIntervalIteration = 4

// ErrGroupShape reports a group whose vector count or widths are wrong.
var ErrGroupShape = errors.New("sobol: malformed sample group")

// Method selects the estimator formula; fixed for a whole study.
type Method uint8

const (
	// Martinez uses correlation coefficients and supports confidence intervals.
	Martinez Method = iota + 1
	// Jansen uses sums of squared differences, no confidence interval.
	Jansen
)

// String returns the configuration name of the method.
func (m Method) String() string {
	switch m {
	case Martinez:
		return "martinez"
	case Jansen:
		return "jansen"
	default:
		return fmt.Sprintf("method(%d)", uint8(m))
	}
}

// ParseMethod converts a configuration string into a Method.
// Empty string defaults to Martinez.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "", "martinez":
		return Martinez, nil
	case "jansen":
		return Jansen, nil
	default:
		return 0, fmt.Errorf("unknown sobol method %q", s)
	}
}

// State is the Sobol estimator of one (field, slot, time step). Exactly one
// of Martinez and Jansen is set, matching Method.
type State struct {
	Method    Method
	Size      int
	Params    int
	Iteration int
	Martinez  *MartinezState
	Jansen    *JansenState
}

// MartinezState holds the variance and covariance kernels behind the
// correlation-based indices.
type MartinezState struct {
	VarianceA *accum.Variance
	VarianceB *accum.Variance
	Params    []MartinezParam
}

// MartinezParam is the per-parameter part of MartinezState.
type MartinezParam struct {
	VarianceY  *accum.Variance
	FirstCov   *accum.Covariance // cov(B, Y_p)
	TotalCov   *accum.Covariance // cov(A, Y_p)
	FirstOrder []float64
	TotalOrder []float64
	// Interval holds the worst first- and total-order interval widths.
	Interval [2]float64
}

// JansenState holds the running sums behind the Jansen indices.
type JansenState struct {
	VarianceA *accum.Variance
	Params    []JansenParam
}

// JansenParam is the per-parameter part of JansenState.
type JansenParam struct {
	SumA       []float64 // Σ (A - Y_p)²
	SumB       []float64 // Σ (B - Y_p)²
	FirstOrder []float64
	TotalOrder []float64
}

// NewState allocates an estimator for vectors of width size and params
// parameters.
func NewState(method Method, size, params int) (*State, error) {
	if size <= 0 || params <= 0 {
		return nil, fmt.Errorf("sobol state of size %d with %d parameters: %w", size, params, accum.ErrNotInitialized)
	}
	s := &State{Method: method, Size: size, Params: params}
	switch method {
	case Martinez:
		m := &MartinezState{
			VarianceA: accum.NewVariance(size),
			VarianceB: accum.NewVariance(size),
			Params:    make([]MartinezParam, params),
		}
		for p := range m.Params {
			m.Params[p] = MartinezParam{
				VarianceY:  accum.NewVariance(size),
				FirstCov:   accum.NewCovariance(size),
				TotalCov:   accum.NewCovariance(size),
				FirstOrder: make([]float64, size),
				TotalOrder: make([]float64, size),
				Interval:   [2]float64{2, 2},
			}
		}
		s.Martinez = m
	case Jansen:
		j := &JansenState{
			VarianceA: accum.NewVariance(size),
			Params:    make([]JansenParam, params),
		}
		for p := range j.Params {
			j.Params[p] = JansenParam{
				SumA:       make([]float64, size),
				SumB:       make([]float64, size),
				FirstOrder: make([]float64, size),
				TotalOrder: make([]float64, size),
			}
		}
		s.Jansen = j
	default:
		return nil, fmt.Errorf("sobol state: unknown method %d", method)
	}
	return s, nil
}

// Update folds one pick-freeze group: baselines a and b and one perturbed
// output per parameter, in parameter order.
func (s *State) Update(a, b []float64, perturbed [][]float64) error {
	if len(perturbed) != s.Params {
		return fmt.Errorf("sobol: %d perturbed vectors, want %d: %w", len(perturbed), s.Params, ErrGroupShape)
	}
	if len(a) != s.Size || len(b) != s.Size {
		return fmt.Errorf("sobol: baselines have %d/%d elements, want %d: %w", len(a), len(b), s.Size, ErrGroupShape)
	}
	for p, y := range perturbed {
		if len(y) != s.Size {
			return fmt.Errorf("sobol: parameter %d has %d elements, want %d: %w", p, len(y), s.Size, ErrGroupShape)
		}
	}
	s.Iteration++
	switch s.Method {
	case Martinez:
		return s.Martinez.update(a, b, perturbed, s.Iteration)
	case Jansen:
		return s.Jansen.update(a, b, perturbed, s.Iteration)
	}
	return fmt.Errorf("sobol: unknown method %d", s.Method)
}

// FirstOrder returns the first-order indices of parameter p.
func (s *State) FirstOrder(p int) []float64 {
	if s.Method == Martinez {
		return s.Martinez.Params[p].FirstOrder
	}
	return s.Jansen.Params[p].FirstOrder
}

// TotalOrder returns the total-order indices of parameter p.
func (s *State) TotalOrder(p int) []float64 {
	if s.Method == Martinez {
		return s.Martinez.Params[p].TotalOrder
	}
	return s.Jansen.Params[p].TotalOrder
}

// Interval returns the first- and total-order confidence interval widths of
// parameter p. ok is false for Jansen and before MinIntervalIteration.
func (s *State) Interval(p int) (first, total float64, ok bool) {
	if s.Method != Martinez || s.Iteration < MinIntervalIteration {
		return 0, 0, false
	}
	iv := s.Martinez.Params[p].Interval
	return iv[0], iv[1], true
}

// MaxInterval returns the widest interval over all parameters, for both
// orders. ok follows Interval.
func (s *State) MaxInterval() (first, total float64, ok bool) {
	for p := 0; p < s.Params; p++ {
		f, t, valid := s.Interval(p)
		if !valid {
			return 0, 0, false
		}
		first, total = math.Max(first, f), math.Max(total, t)
	}
	return first, total, true
}

// Converged reports whether every parameter's interval widths are below
// threshold. Jansen states never converge.
func (s *State) Converged(threshold float64) bool {
	first, total, ok := s.MaxInterval()
	return ok && first < threshold && total < threshold
}

func (m *MartinezState) update(a, b []float64, perturbed [][]float64, iteration int) error {
	if err := m.VarianceA.Update(a); err != nil {
		return err
	}
	if err := m.VarianceB.Update(b); err != nil {
		return err
	}
	var z float64
	if iteration >= MinIntervalIteration {
		z = 1.96 / math.Sqrt(float64(iteration-3))
	}
	for p, y := range perturbed {
		par := &m.Params[p]
		if err := par.VarianceY.Update(y); err != nil {
			return err
		}
		if err := par.FirstCov.Update(b, y); err != nil {
			return err
		}
		if err := par.TotalCov.Update(a, y); err != nil {
			return err
		}
		var wFirst, wTotal float64
		for i := range y {
			varY := par.VarianceY.Variance[i]
			flatFirst := degenerate(m.VarianceB.Variance[i], varY)
			flatTotal := degenerate(m.VarianceA.Variance[i], varY)
			rhoFirst := correlation(par.FirstCov.Covariance[i], m.VarianceB.Variance[i], varY)
			rhoTotal := correlation(par.TotalCov.Covariance[i], m.VarianceA.Variance[i], varY)
			par.FirstOrder[i] = rhoFirst
			par.TotalOrder[i] = 0
			if !flatTotal {
				par.TotalOrder[i] = 1 - rhoTotal
			}
			// Flat elements carry no information and do not widen the interval.
			if iteration >= MinIntervalIteration {
				if !flatFirst {
					wFirst = math.Max(wFirst, fisherWidth(rhoFirst, z))
				}
				if !flatTotal {
					wTotal = math.Max(wTotal, fisherWidth(rhoTotal, z))
				}
			}
		}
		if iteration >= MinIntervalIteration {
			par.Interval = [2]float64{wFirst, wTotal}
		}
	}
	return nil
}

func (j *JansenState) update(a, b []float64, perturbed [][]float64, iteration int) error {
	if err := j.VarianceA.Update(a); err != nil {
		return err
	}
	norm := float64(2*iteration - 1)
	for p, y := range perturbed {
		par := &j.Params[p]
		for i := range y {
			da, db := a[i]-y[i], b[i]-y[i]
			par.SumA[i] += da * da
			par.SumB[i] += db * db
			varA := j.VarianceA.Variance[i]
			if varA < DegenerateEpsilon {
				par.TotalOrder[i] = 0
				par.FirstOrder[i] = 0
				continue
			}
			par.TotalOrder[i] = par.SumA[i] / norm / varA
			par.FirstOrder[i] = 1 - par.SumB[i]/norm/varA
		}
	}
	return nil
}

// correlation returns cov/sqrt(varX·varY), 0 for a flat field.
func correlation(cov, varX, varY float64) float64 {
	if degenerate(varX, varY) {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}

func degenerate(varX, varY float64) bool {
	d := varX * varY
	return d <= 0 || math.Sqrt(d) < DegenerateEpsilon
}

// fisherWidth is the width of the Fisher z-transform interval around rho.
func fisherWidth(rho, z float64) float64 {
	rho = math.Max(-1, math.Min(1, rho))
	a := math.Atanh(rho)
	return math.Tanh(a+z) - math.Tanh(a-z)
}
