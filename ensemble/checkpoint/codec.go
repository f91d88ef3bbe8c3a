package checkpoint

import (
	"fmt"
	"math"
	"time"

	"github.com/ensemble-stats/ensemble-stats/ensemble/accum"
	"github.com/ensemble-stats/ensemble-stats/ensemble/registry"
	"github.com/ensemble-stats/ensemble-stats/ensemble/sobol"
	"github.com/ensemble-stats/ensemble-stats/ensemble/wire"
)

// === Slot files ===

// EncodeSlot serializes slot under layout.
func EncodeSlot(slot *Slot, layout Layout) ([]byte, error) {
	if len(slot.Stats) != layout.TimeSteps {
		return nil, fmt.Errorf("slot %s/%d/%d has %d steps, layout has %d: %w",
			slot.Field, slot.Consumer, slot.Producer, len(slot.Stats), layout.TimeSteps, ErrMismatch)
	}
	if (layout.Sobol != 0) != (slot.Sobol != nil) {
		return nil, fmt.Errorf("slot %s/%d/%d sobol state does not match layout: %w",
			slot.Field, slot.Consumer, slot.Producer, ErrMismatch)
	}
	w := wire.NewWriter(4096)
	writeHeader(w, slot, layout)
	cfg := layout.Stats
	order := cfg.MaxOrder()

	for _, set := range slot.Stats {
		if set == nil {
			w.Uint8(stepAbsent)
			continue
		}
		w.Uint8(uint8(order))
		if order > 0 {
			writeMoments(w, set.Moments)
		}
	}
	if cfg.MinMax {
		for _, set := range slot.Stats {
			if set == nil {
				continue
			}
			w.Float64s(set.MinMax.Min)
			w.Float64s(set.MinMax.Max)
			w.Int32s(set.MinMax.MinOwner)
			w.Int32s(set.MinMax.MaxOwner)
			w.Int32(int32(set.MinMax.Increment))
		}
	}
	for _, set := range slot.Stats {
		if set == nil {
			continue
		}
		for _, t := range set.Thresholds {
			w.Int32s(t.Count)
		}
	}
	for _, set := range slot.Stats {
		if set == nil {
			continue
		}
		for _, q := range set.Quantiles {
			w.Int32(int32(q.Increment))
			w.Float64s(q.Estimate)
		}
	}
	for _, st := range slot.Sobol {
		if st == nil {
			w.Uint8(0)
			continue
		}
		w.Uint8(1)
		writeSobol(w, st)
	}

	ids := sortedIDs(slot.Folded)
	w.Int32(int32(len(ids)))
	for _, id := range ids {
		words := slot.Folded[id].Words()
		w.Int32(id)
		w.Int32(int32(len(words)))
		w.Uint32s(words)
	}
	return w.Bytes(), nil
}

func writeHeader(w *wire.Writer, slot *Slot, layout Layout) {
	w.Uint32(magicWord(slotMagic))
	w.Uint32(version)
	w.CString(slot.Field)
	w.Int32(int32(slot.Consumer))
	w.Int32(int32(slot.Producer))
	w.Int32(int32(slot.Size))
	w.Int32(int32(layout.TimeSteps))
	w.Uint32(layout.Stats.Flags())
	w.Uint8(uint8(layout.Stats.MaxOrder()))
	w.Int32(int32(len(layout.Stats.Thresholds)))
	w.Float64s(layout.Stats.Thresholds)
	w.Int32(int32(len(layout.Stats.Quantiles)))
	w.Float64s(layout.Stats.Quantiles)
	w.Int32(int32(layout.Stats.QuantileMaxSamples))
	w.Uint8(uint8(layout.Sobol))
	w.Int32(int32(layout.Params))
}

func writeMoments(w *wire.Writer, m *accum.Moments) {
	for _, v := range [][]float64{m.M1, m.M2, m.M3, m.M4} {
		if v != nil {
			w.Float64s(v)
		}
	}
	for _, v := range [][]float64{m.Theta2, m.Theta3, m.Theta4} {
		if v != nil {
			w.Float64s(v)
		}
	}
	w.Int32(int32(m.Increment))
}

func writeVariance(w *wire.Writer, v *accum.Variance) {
	w.Float64s(v.Variance)
	w.Float64s(v.Mean)
	w.Int32(int32(v.Increment))
}

func writeCovariance(w *wire.Writer, c *accum.Covariance) {
	w.Float64s(c.Covariance)
	w.Float64s(c.MeanA)
	w.Float64s(c.MeanB)
	w.Int32(int32(c.Increment))
}

func writeSobol(w *wire.Writer, st *sobol.State) {
	w.Int32(int32(st.Iteration))
	switch st.Method {
	case sobol.Martinez:
		writeVariance(w, st.Martinez.VarianceA)
		writeVariance(w, st.Martinez.VarianceB)
		for _, p := range st.Martinez.Params {
			writeVariance(w, p.VarianceY)
			writeCovariance(w, p.FirstCov)
			writeCovariance(w, p.TotalCov)
			w.Float64s(p.FirstOrder)
			w.Float64s(p.TotalOrder)
			w.Float64(p.Interval[0])
			w.Float64(p.Interval[1])
		}
	case sobol.Jansen:
		writeVariance(w, st.Jansen.VarianceA)
		for _, p := range st.Jansen.Params {
			w.Float64s(p.SumA)
			w.Float64s(p.SumB)
			w.Float64s(p.FirstOrder)
			w.Float64s(p.TotalOrder)
		}
	}
}

// ReadHeader decodes only the header of a slot file.
func ReadHeader(buf []byte) (*Header, error) {
	r := wire.NewReader(buf)
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func readHeader(r *wire.Reader) (*Header, error) {
	if m := r.Uint32("magic"); r.Err() == nil && m != magicWord(slotMagic) {
		return nil, fmt.Errorf("bad slot magic %#x: %w", m, ErrCorrupt)
	}
	h := &Header{Version: r.Uint32("version")}
	if r.Err() == nil && h.Version != version {
		return nil, fmt.Errorf("unsupported slot version %d: %w", h.Version, ErrCorrupt)
	}
	h.Field = r.CString("field name")
	h.Consumer = int(r.Int32("consumer"))
	h.Producer = int(r.Int32("producer"))
	h.VectSize = int(r.Int32("vect size"))
	h.Layout.TimeSteps = int(r.Int32("time steps"))
	h.Layout.Stats = configFromFlags(r.Uint32("flags"))
	h.MaxOrder = int(r.Uint8("moment order"))
	h.Layout.Stats.Thresholds = r.Float64s(count(r, "threshold count"), "thresholds")
	h.Layout.Stats.Quantiles = r.Float64s(count(r, "quantile count"), "quantile orders")
	h.Layout.Stats.QuantileMaxSamples = int(r.Int32("quantile max samples"))
	h.Layout.Sobol = sobol.Method(r.Uint8("sobol method"))
	h.Layout.Params = int(r.Int32("params"))
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("slot header: %v: %w", err, ErrCorrupt)
	}
	if h.VectSize <= 0 || h.Layout.TimeSteps < 0 || h.MaxOrder != h.Layout.Stats.MaxOrder() {
		return nil, fmt.Errorf("slot header: vect size %d, %d time steps, moment order %d: %w",
			h.VectSize, h.Layout.TimeSteps, h.MaxOrder, ErrCorrupt)
	}
	if h.Layout.Sobol != 0 && (h.Layout.Sobol != sobol.Martinez && h.Layout.Sobol != sobol.Jansen || h.Layout.Params <= 0) {
		return nil, fmt.Errorf("slot header: sobol method %v with %d params: %w",
			h.Layout.Sobol, h.Layout.Params, ErrCorrupt)
	}
	return h, nil
}

// count reads a non-negative element count; a negative one poisons the reader.
func count(r *wire.Reader, what string) int {
	n := int(r.Int32(what))
	if n < 0 {
		r.Fail(fmt.Errorf("negative %s %d: %w", what, n, wire.ErrMalformed))
		return 0
	}
	return n
}

// DecodeSlot restores a slot written for the segment described by want. The
// header must match want exactly; anything else is ErrMismatch.
func DecodeSlot(buf []byte, want Header) (*Slot, error) {
	r := wire.NewReader(buf)
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if h.Field != want.Field || h.Consumer != want.Consumer || h.Producer != want.Producer {
		return nil, fmt.Errorf("slot file is %s/%d/%d, want %s/%d/%d: %w",
			h.Field, h.Consumer, h.Producer, want.Field, want.Consumer, want.Producer, ErrMismatch)
	}
	if h.VectSize != want.VectSize {
		return nil, fmt.Errorf("slot %s/%d/%d: vect size %d, want %d: %w",
			h.Field, h.Consumer, h.Producer, h.VectSize, want.VectSize, ErrMismatch)
	}
	if err := want.Layout.Check(h.Layout); err != nil {
		return nil, fmt.Errorf("slot %s/%d/%d: %w", h.Field, h.Consumer, h.Producer, err)
	}
	return decodeBody(r, h, want.Layout)
}

// Decode restores a slot under the configuration recorded in its own header.
func Decode(buf []byte) (*Header, *Slot, error) {
	r := wire.NewReader(buf)
	h, err := readHeader(r)
	if err != nil {
		return nil, nil, err
	}
	slot, err := decodeBody(r, h, h.Layout)
	if err != nil {
		return nil, nil, err
	}
	return h, slot, nil
}

func decodeBody(r *wire.Reader, h *Header, layout Layout) (*Slot, error) {
	slot := NewSlot(h.Field, h.Consumer, h.Producer, h.VectSize, layout)
	cfg := layout.Stats
	order := cfg.MaxOrder()

	for step := range slot.Stats {
		tag := r.Uint8("moment tag")
		if r.Err() != nil {
			break
		}
		if tag == stepAbsent {
			continue
		}
		if int(tag) != order {
			return nil, fmt.Errorf("step %d: moment order %d, want %d: %w", step, tag, order, ErrCorrupt)
		}
		set, err := accum.NewSet(cfg, h.VectSize)
		if err != nil {
			return nil, fmt.Errorf("step %d: %v: %w", step, err, ErrCorrupt)
		}
		if set.Moments != nil {
			readMoments(r, set.Moments)
		}
		slot.Stats[step] = set
	}
	for _, set := range slot.Stats {
		if set == nil || set.MinMax == nil {
			continue
		}
		r.Float64sInto(set.MinMax.Min, "min")
		r.Float64sInto(set.MinMax.Max, "max")
		readInt32sInto(r, set.MinMax.MinOwner, "min owner")
		readInt32sInto(r, set.MinMax.MaxOwner, "max owner")
		set.MinMax.Increment = int(r.Int32("minmax increment"))
	}
	for _, set := range slot.Stats {
		if set == nil {
			continue
		}
		for _, t := range set.Thresholds {
			readInt32sInto(r, t.Count, "threshold counts")
		}
	}
	for _, set := range slot.Stats {
		if set == nil {
			continue
		}
		for _, q := range set.Quantiles {
			q.Increment = int(r.Int32("quantile increment"))
			r.Float64sInto(q.Estimate, "quantile estimate")
		}
	}
	for step := range slot.Sobol {
		present := r.Uint8("sobol presence")
		if r.Err() != nil || present == 0 {
			continue
		}
		st, err := sobol.NewState(layout.Sobol, h.VectSize, layout.Params)
		if err != nil {
			return nil, fmt.Errorf("step %d: %v: %w", step, err, ErrCorrupt)
		}
		readSobol(r, st)
		slot.Sobol[step] = st
	}

	n := count(r, "simulation count")
	for i := 0; i < n && r.Err() == nil; i++ {
		id := r.Int32("simulation id")
		words := r.Uint32s(count(r, "bitmap words"), "bitmap")
		if r.Err() != nil {
			break
		}
		bits, err := registry.BitsetFromWords(layout.TimeSteps, words)
		if err != nil {
			return nil, fmt.Errorf("simulation %d: %v: %w", id, err, ErrCorrupt)
		}
		slot.Folded[id] = bits
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("slot %s/%d/%d: %v: %w", h.Field, h.Consumer, h.Producer, err, ErrCorrupt)
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("slot %s/%d/%d: %d trailing bytes: %w",
			h.Field, h.Consumer, h.Producer, r.Remaining(), ErrCorrupt)
	}
	return slot, nil
}

func readMoments(r *wire.Reader, m *accum.Moments) {
	for _, v := range [][]float64{m.M1, m.M2, m.M3, m.M4} {
		if v != nil {
			r.Float64sInto(v, "power mean")
		}
	}
	for _, v := range [][]float64{m.Theta2, m.Theta3, m.Theta4} {
		if v != nil {
			r.Float64sInto(v, "central moment")
		}
	}
	m.Increment = int(r.Int32("moments increment"))
}

func readVariance(r *wire.Reader, v *accum.Variance) {
	r.Float64sInto(v.Variance, "variance")
	r.Float64sInto(v.Mean, "mean")
	v.Increment = int(r.Int32("variance increment"))
}

func readCovariance(r *wire.Reader, c *accum.Covariance) {
	r.Float64sInto(c.Covariance, "covariance")
	r.Float64sInto(c.MeanA, "mean a")
	r.Float64sInto(c.MeanB, "mean b")
	c.Increment = int(r.Int32("covariance increment"))
}

func readSobol(r *wire.Reader, st *sobol.State) {
	st.Iteration = int(r.Int32("sobol iteration"))
	switch st.Method {
	case sobol.Martinez:
		readVariance(r, st.Martinez.VarianceA)
		readVariance(r, st.Martinez.VarianceB)
		for i := range st.Martinez.Params {
			p := &st.Martinez.Params[i]
			readVariance(r, p.VarianceY)
			readCovariance(r, p.FirstCov)
			readCovariance(r, p.TotalCov)
			r.Float64sInto(p.FirstOrder, "first order")
			r.Float64sInto(p.TotalOrder, "total order")
			p.Interval[0] = r.Float64("first order interval")
			p.Interval[1] = r.Float64("total order interval")
		}
	case sobol.Jansen:
		readVariance(r, st.Jansen.VarianceA)
		for i := range st.Jansen.Params {
			p := &st.Jansen.Params[i]
			r.Float64sInto(p.SumA, "sum a")
			r.Float64sInto(p.SumB, "sum b")
			r.Float64sInto(p.FirstOrder, "first order")
			r.Float64sInto(p.TotalOrder, "total order")
		}
	}
}

func readInt32sInto(r *wire.Reader, dst []int32, what string) {
	for i := range dst {
		dst[i] = r.Int32(what)
	}
}

// === Registry file ===

// zeroTime marks a record that never received a message.
const zeroTime int64 = math.MinInt64

// EncodeRegistry serializes every record of reg.
func EncodeRegistry(reg *registry.Registry) []byte {
	w := wire.NewWriter(1024)
	w.Uint32(magicWord(registryMagic))
	w.Uint32(version)
	w.Int32(int32(reg.TimeSteps()))
	recs := reg.Records()
	w.Int32(int32(len(recs)))
	for _, rec := range recs {
		w.Int32(rec.ID)
		w.CString(rec.JobID)
		w.Uint8(uint8(rec.Status))
		w.Uint8(uint8(rec.JobStatus))
		if rec.LastMessage.IsZero() {
			w.Int64(zeroTime)
		} else {
			w.Int64(rec.LastMessage.UnixNano())
		}
		if rec.TimedOut {
			w.Uint8(1)
		} else {
			w.Uint8(0)
		}
		w.Int32(int32(len(rec.Parameters)))
		w.Float64s(rec.Parameters)
		words := rec.Steps.Words()
		w.Int32(int32(len(words)))
		w.Uint32s(words)
	}
	return w.Bytes()
}

// DecodeRegistry restores a registry for a study of timeSteps steps. A
// negative timeSteps accepts the count stored in the file.
func DecodeRegistry(buf []byte, timeSteps int) (*registry.Registry, error) {
	r := wire.NewReader(buf)
	if m := r.Uint32("magic"); r.Err() == nil && m != magicWord(registryMagic) {
		return nil, fmt.Errorf("bad registry magic %#x: %w", m, ErrCorrupt)
	}
	if v := r.Uint32("version"); r.Err() == nil && v != version {
		return nil, fmt.Errorf("unsupported registry version %d: %w", v, ErrCorrupt)
	}
	stored := int(r.Int32("time steps"))
	switch {
	case r.Err() != nil:
		return nil, fmt.Errorf("registry header: %v: %w", r.Err(), ErrCorrupt)
	case timeSteps < 0 && stored > 0:
		timeSteps = stored
	case stored != timeSteps:
		return nil, fmt.Errorf("registry has %d time steps, want %d: %w", stored, timeSteps, ErrMismatch)
	}
	reg := registry.New(timeSteps)
	n := count(r, "record count")
	for i := 0; i < n && r.Err() == nil; i++ {
		rec := &registry.Record{
			ID:        r.Int32("simulation id"),
			JobID:     r.CString("job id"),
			Status:    registry.Status(r.Uint8("status")),
			JobStatus: registry.JobStatus(r.Uint8("job status")),
		}
		if ns := r.Int64("last message"); ns != zeroTime {
			rec.LastMessage = time.Unix(0, ns)
		}
		rec.TimedOut = r.Uint8("timeout flag") != 0
		rec.Parameters = r.Float64s(count(r, "parameter count"), "parameters")
		words := r.Uint32s(count(r, "bitmap words"), "bitmap")
		if r.Err() != nil {
			break
		}
		if len(rec.Parameters) == 0 {
			rec.Parameters = nil
		}
		steps, err := registry.BitsetFromWords(timeSteps, words)
		if err != nil {
			return nil, fmt.Errorf("simulation %d: %v: %w", rec.ID, err, ErrCorrupt)
		}
		rec.Steps = steps
		if err := reg.Put(rec); err != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrCorrupt)
		}
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("registry: %v: %w", err, ErrCorrupt)
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("registry: %d trailing bytes: %w", r.Remaining(), ErrCorrupt)
	}
	return reg, nil
}

func magicWord(s string) uint32 {
	return wire.ByteOrder.Uint32([]byte(s))
}
