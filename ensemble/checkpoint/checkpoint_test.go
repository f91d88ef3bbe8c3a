package checkpoint

import (
	"context"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemble-stats/ensemble-stats/ensemble/accum"
	"github.com/ensemble-stats/ensemble-stats/ensemble/registry"
	"github.com/ensemble-stats/ensemble-stats/ensemble/sobol"
)

const testSteps = 5

func fullLayout(method sobol.Method) Layout {
	return Layout{
		TimeSteps: testSteps,
		Stats: accum.Config{
			Mean: true, Variance: true, Skewness: true, Kurtosis: true, MinMax: true,
			Thresholds:         []float64{0.25, 0.75},
			Quantiles:          []float64{0.1, 0.5},
			QuantileMaxSamples: 40,
		},
		Sobol:  method,
		Params: 2,
	}
}

// populate folds random samples into steps 0, 1 and 3 of a new slot.
func populate(t *testing.T, layout Layout, size int, seed int64) *Slot {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	vec := func() []float64 {
		v := make([]float64, size)
		for i := range v {
			v[i] = rng.Float64()
		}
		return v
	}
	slot := NewSlot("temperature", 1, 2, size, layout)
	for _, step := range []int{0, 1, 3} {
		set, err := accum.NewSet(layout.Stats, size)
		require.NoError(t, err)
		slot.Stats[step] = set
		if layout.Sobol != 0 {
			slot.Sobol[step], err = sobol.NewState(layout.Sobol, size, layout.Params)
			require.NoError(t, err)
		}
		for sim := int32(0); sim < 12; sim++ {
			a, b := vec(), vec()
			require.NoError(t, set.Update(a, sim))
			if layout.Sobol != 0 {
				require.NoError(t, slot.Sobol[step].Update(a, b, [][]float64{vec(), vec()}))
			}
			if _, ok := slot.Folded[sim]; !ok {
				slot.Folded[sim] = registry.NewBitset(testSteps)
			}
			slot.Folded[sim].Set(step)
		}
	}
	return slot
}

func headerOf(slot *Slot, layout Layout) Header {
	return Header{Field: slot.Field, Consumer: slot.Consumer, Producer: slot.Producer, VectSize: slot.Size, Layout: layout}
}

func TestSlot_RoundTripIsBitIdentical(t *testing.T) {
	for _, method := range []sobol.Method{sobol.Martinez, sobol.Jansen} {
		t.Run(method.String(), func(t *testing.T) {
			// GIVEN a slot with every family enabled and two absent steps
			layout := fullLayout(method)
			slot := populate(t, layout, 7, 11)

			// WHEN it is encoded and restored under the same configuration
			buf, err := EncodeSlot(slot, layout)
			require.NoError(t, err)
			got, err := DecodeSlot(buf, headerOf(slot, layout))

			// THEN the restored state is identical, absent steps included
			require.NoError(t, err)
			assert.Equal(t, slot, got)
			assert.Nil(t, got.Stats[2])
			assert.Nil(t, got.Sobol[4])
		})
	}
}

func TestSlot_RoundTripWithoutSobol(t *testing.T) {
	layout := Layout{TimeSteps: testSteps, Stats: accum.Config{Mean: true, MinMax: true}}
	slot := populate(t, layout, 3, 5)

	buf, err := EncodeSlot(slot, layout)
	require.NoError(t, err)
	got, err := DecodeSlot(buf, headerOf(slot, layout))
	require.NoError(t, err)
	assert.Equal(t, slot, got)
	assert.Nil(t, got.Sobol)
}

func TestSlot_RestoreRejectsDifferentConfiguration(t *testing.T) {
	layout := fullLayout(sobol.Martinez)
	slot := populate(t, layout, 4, 3)
	buf, err := EncodeSlot(slot, layout)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(h *Header)
	}{
		{"vect size", func(h *Header) { h.VectSize = 5 }},
		{"producer", func(h *Header) { h.Producer = 0 }},
		{"time steps", func(h *Header) { h.Layout.TimeSteps = 6 }},
		{"flags", func(h *Header) { h.Layout.Stats.Kurtosis = false }},
		{"thresholds", func(h *Header) { h.Layout.Stats.Thresholds = []float64{0.25} }},
		{"quantile max samples", func(h *Header) { h.Layout.Stats.QuantileMaxSamples = 41 }},
		{"sobol method", func(h *Header) { h.Layout.Sobol = sobol.Jansen }},
		{"params", func(h *Header) { h.Layout.Params = 3 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			want := headerOf(slot, fullLayout(sobol.Martinez))
			tc.mutate(&want)
			_, err := DecodeSlot(buf, want)
			assert.ErrorIs(t, err, ErrMismatch)
		})
	}
}

func TestSlot_CorruptFiles(t *testing.T) {
	layout := fullLayout(sobol.Martinez)
	slot := populate(t, layout, 4, 9)
	buf, err := EncodeSlot(slot, layout)
	require.NoError(t, err)
	want := headerOf(slot, layout)

	_, err = DecodeSlot(buf[:len(buf)-3], want)
	assert.ErrorIs(t, err, ErrCorrupt, "truncated trailer")

	_, err = DecodeSlot(append(append([]byte(nil), buf...), 0), want)
	assert.ErrorIs(t, err, ErrCorrupt, "trailing byte")

	bad := append([]byte(nil), buf...)
	bad[0] ^= 0xff
	_, err = DecodeSlot(bad, want)
	assert.ErrorIs(t, err, ErrCorrupt, "magic")

	_, err = ReadHeader(buf[:10])
	assert.ErrorIs(t, err, ErrCorrupt, "truncated header")
}

func TestDecode_UsesHeaderConfiguration(t *testing.T) {
	layout := fullLayout(sobol.Jansen)
	slot := populate(t, layout, 2, 21)
	buf, err := EncodeSlot(slot, layout)
	require.NoError(t, err)

	h, got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, "temperature", h.Field)
	assert.Equal(t, 4, h.MaxOrder)
	assert.NoError(t, layout.Check(h.Layout))
	assert.Equal(t, 12, got.Stats[1].Increment())
}

func TestStore_SaveAndLoad(t *testing.T) {
	store := NewStore(t.TempDir() + "/rank-0")
	layout := fullLayout(sobol.Martinez)

	// GIVEN no checkpoint yet
	_, err := store.LoadSlot(Header{Field: "temperature", Consumer: 1, Producer: 2, VectSize: 3, Layout: layout})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.LoadRegistry(testSteps)
	require.ErrorIs(t, err, ErrNotFound)

	// WHEN several slots are saved in parallel
	slots := []*Slot{populate(t, layout, 3, 1), populate(t, layout, 3, 2)}
	slots[1].Producer = 3
	require.NoError(t, store.SaveSlots(context.Background(), slots, layout))

	// THEN each loads back from its own file and no temporary file remains
	for _, s := range slots {
		got, err := store.LoadSlot(headerOf(s, layout))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRegistry_RoundTrip(t *testing.T) {
	epoch := time.Unix(1_700_000_000, 250)
	reg := registry.New(testSteps)
	reg.Announce(4, "job-4", []float64{0.5, -2}, epoch)
	reg.Touch(4, epoch.Add(time.Second))
	_, err := reg.MarkStep(4, 3)
	require.NoError(t, err)
	reg.RequestDrop(9, "job-9")
	reg.Ensure(12)
	reg.Announce(7, "job-7", nil, epoch)
	reg.Touch(7, epoch)
	reg.Sweep(epoch.Add(time.Hour), time.Minute)

	store := NewStore(t.TempDir())
	require.NoError(t, store.SaveRegistry(reg))
	got, err := store.LoadRegistry(testSteps)
	require.NoError(t, err)
	assert.Equal(t, reg.Records(), got.Records())

	rec, ok := got.Get(12)
	require.True(t, ok)
	assert.True(t, rec.LastMessage.IsZero())

	_, err = DecodeRegistry(EncodeRegistry(reg), testSteps+1)
	assert.ErrorIs(t, err, ErrMismatch)

	// a negative step count takes the stored one
	stored, err := DecodeRegistry(EncodeRegistry(reg), -1)
	require.NoError(t, err)
	assert.Equal(t, testSteps, stored.TimeSteps())
}

func TestLayout_Check(t *testing.T) {
	l := fullLayout(0)
	assert.NoError(t, l.Check(l))

	// parameter count only matters for Sobol studies
	other := l
	other.Params = 9
	assert.NoError(t, l.Check(other))
}
