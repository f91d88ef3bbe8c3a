package accum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_MaxOrderAndFlags(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		order int
		flags uint32
	}{
		{"none", Config{}, 0, 0},
		{"mean", Config{Mean: true}, 1, FlagMean},
		{"variance", Config{Mean: true, Variance: true}, 2, FlagMean | FlagVariance},
		{"skewness only", Config{Skewness: true}, 3, FlagSkewness},
		{"kurtosis", Config{Kurtosis: true, MinMax: true}, 4, FlagKurtosis | FlagMinMax},
		{"thresholds", Config{Thresholds: []float64{1}}, 0, FlagThreshold},
		{"quantiles", Config{Quantiles: []float64{0.5}, QuantileMaxSamples: 3}, 0, FlagQuantile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.order, tt.cfg.MaxOrder())
			assert.Equal(t, tt.flags, tt.cfg.Flags())
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, Config{Quantiles: []float64{0.1, 0.9}, QuantileMaxSamples: 10}.Validate())
	assert.Error(t, Config{Quantiles: []float64{1}, QuantileMaxSamples: 10}.Validate())
	assert.Error(t, Config{Quantiles: []float64{0.5}}.Validate())
}

func TestNewSet_AllocatesConfiguredFamilies(t *testing.T) {
	cfg := Config{Variance: true, MinMax: true, Thresholds: []float64{0, 1}, Quantiles: []float64{0.5}, QuantileMaxSamples: 4}
	s, err := NewSet(cfg, 5)
	require.NoError(t, err)

	assert.Equal(t, 2, s.Moments.MaxOrder)
	assert.NotNil(t, s.MinMax)
	assert.Len(t, s.Thresholds, 2)
	assert.Len(t, s.Quantiles, 1)

	require.NoError(t, s.Update([]float64{1, 2, 3, 4, 5}, 9))
	require.NoError(t, s.Update([]float64{5, 4, 3, 2, 1}, 8))
	assert.Equal(t, 2, s.Increment())
	assert.Equal(t, []float64{3, 3, 3, 3, 3}, s.Moments.Mean())
	assert.Equal(t, []int32{2, 2, 2, 2, 2}, s.Thresholds[0].Count)
	assert.Equal(t, []int32{1, 2, 2, 2, 1}, s.Thresholds[1].Count)
}

func TestSet_UsedBeforeValid(t *testing.T) {
	_, err := NewSet(Config{Mean: true}, 0)
	assert.ErrorIs(t, err, ErrNotInitialized)

	var s *Set
	assert.ErrorIs(t, s.Update([]float64{1}, 0), ErrNotInitialized)
	assert.ErrorIs(t, (&Set{}).Update(nil, 0), ErrNotInitialized)
}

func TestSet_Merge(t *testing.T) {
	cfg := Config{Mean: true, MinMax: true, Thresholds: []float64{2}}
	a, err := NewSet(cfg, 2)
	require.NoError(t, err)
	b, err := NewSet(cfg, 2)
	require.NoError(t, err)
	require.NoError(t, a.Update([]float64{1, 3}, 1))
	require.NoError(t, b.Update([]float64{3, 5}, 2))

	require.NoError(t, a.Merge(b))

	assert.Equal(t, []float64{2, 4}, a.Moments.Mean())
	assert.Equal(t, []float64{3, 5}, a.MinMax.Max)
	assert.Equal(t, []int32{1, 2}, a.Thresholds[0].Count)

	other, err := NewSet(Config{Mean: true}, 2)
	require.NoError(t, err)
	assert.ErrorIs(t, a.Merge(other), ErrSizeMismatch)
}
