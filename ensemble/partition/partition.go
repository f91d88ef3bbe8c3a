// Package partition maps a field vector distributed over the producer ranks of
// one simulation onto the consumer ranks of the server, and computes the
// routing plan of contiguous segments between them.
package partition

import (
	"errors"
	"fmt"
)

// ErrConfigurationMismatch reports producer and consumer sides that do not
// describe the same global vector. It is a configuration bug, never retried.
var ErrConfigurationMismatch = errors.New("partition: producer and consumer sizes disagree")

// Mode selects how producer data reaches the consumers.
type Mode int

const (
	// Distributed routes every producer slice directly to the consumers that
	// own it ("N-to-M").
	Distributed Mode = iota
	// Gathered collects the whole vector on producer rank 0 first ("1-to-M").
	Gathered
)

// String returns the configuration name of the mode.
func (m Mode) String() string {
	switch m {
	case Distributed:
		return "distributed"
	case Gathered:
		return "gathered"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode converts a configuration string into a Mode.
// Empty string defaults to Distributed.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "distributed", "n-to-m":
		return Distributed, nil
	case "gathered", "1-to-m":
		return Gathered, nil
	default:
		return Distributed, fmt.Errorf("unknown routing mode %q", s)
	}
}

// Segment is one message of the routing plan: Length consecutive elements
// starting at global index Offset, sent by Producer to Consumer.
type Segment struct {
	Producer int
	Consumer int
	Offset   int // global index of the first element
	Length   int
}

// ProducerOffset returns the position of the segment inside the producer's
// local buffer, given the producer's first global index.
func (s Segment) ProducerOffset(producerStart int) int {
	return s.Offset - producerStart
}

// FieldPartition is the immutable routing plan of one field.
//
// Invariant: sum(ProducerSizes) == sum(ConsumerSizes) == GlobalSize, and Plan
// covers [0, GlobalSize) exactly once in increasing order. A gathered plan
// holds exactly one segment per consumer, empty for consumers owning nothing.
type FieldPartition struct {
	Name          string
	GlobalSize    int
	Mode          Mode
	ProducerSizes []int // sizes as supplied by the simulation
	ConsumerSizes []int
	Plan          []Segment

	// SendCounts[p][c] and SendOffsets[p][c] index producer p's local buffer.
	SendCounts  [][]int
	SendOffsets [][]int
	// RecvCounts[c][p] and RecvOffsets[c][p] index consumer c's local slice.
	RecvCounts  [][]int
	RecvOffsets [][]int

	producerStarts []int // global index of each effective producer's first element
	consumerStarts []int
}

// ConsumerSizes splits globalSize over consumers ranks; the lowest-index
// consumers absorb the remainder.
func ConsumerSizes(globalSize, consumers int) []int {
	sizes := make([]int, consumers)
	if consumers <= 0 {
		return sizes
	}
	base, rem := globalSize/consumers, globalSize%consumers
	for c := range sizes {
		sizes[c] = base
		if c < rem {
			sizes[c]++
		}
	}
	return sizes
}

// New builds the partition of a field whose global size is split as
// producerSizes on the simulation side and balanced over consumers ranks.
func New(name string, globalSize int, producerSizes []int, consumers int, mode Mode) (*FieldPartition, error) {
	if consumers <= 0 {
		return nil, fmt.Errorf("field %q: consumer count must be > 0, got %d: %w", name, consumers, ErrConfigurationMismatch)
	}
	return Build(name, globalSize, producerSizes, ConsumerSizes(globalSize, consumers), mode)
}

// Build computes the routing plan for explicit producer and consumer sizes.
// It fails with ErrConfigurationMismatch when both sides disagree on globalSize.
func Build(name string, globalSize int, producerSizes, consumerSizes []int, mode Mode) (*FieldPartition, error) {
	if len(producerSizes) == 0 || len(consumerSizes) == 0 {
		return nil, fmt.Errorf("field %q: %d producers, %d consumers: %w",
			name, len(producerSizes), len(consumerSizes), ErrConfigurationMismatch)
	}
	ps, err := sum(producerSizes)
	if err != nil {
		return nil, fmt.Errorf("field %q producers: %w", name, err)
	}
	cs, err := sum(consumerSizes)
	if err != nil {
		return nil, fmt.Errorf("field %q consumers: %w", name, err)
	}
	if ps != globalSize || cs != globalSize {
		return nil, fmt.Errorf("field %q: global size %d, producers sum to %d, consumers sum to %d: %w",
			name, globalSize, ps, cs, ErrConfigurationMismatch)
	}

	fp := &FieldPartition{
		Name:          name,
		GlobalSize:    globalSize,
		Mode:          mode,
		ProducerSizes: append([]int(nil), producerSizes...),
		ConsumerSizes: append([]int(nil), consumerSizes...),
	}

	effective := fp.ProducerSizes
	if mode == Gathered {
		// Rank 0 owns the whole vector after the gather; the others send nothing.
		effective = make([]int, len(producerSizes))
		effective[0] = globalSize
	}
	fp.producerStarts = prefix(effective)
	fp.consumerStarts = prefix(fp.ConsumerSizes)
	if mode == Gathered {
		fp.Plan = fp.gathered()
	} else {
		fp.Plan = sweep(effective, fp.ConsumerSizes)
	}
	fp.tabulate()
	return fp, nil
}

// sweep walks the global index space once with a producer cursor and a
// consumer cursor. Every cursor advance closes the current segment.
func sweep(producerSizes, consumerSizes []int) []Segment {
	var plan []Segment
	p, c := 0, 0
	pLeft, cLeft := producerSizes[0], consumerSizes[0]
	offset := 0
	for {
		for pLeft == 0 && p < len(producerSizes)-1 {
			p++
			pLeft = producerSizes[p]
		}
		for cLeft == 0 && c < len(consumerSizes)-1 {
			c++
			cLeft = consumerSizes[c]
		}
		if pLeft == 0 || cLeft == 0 {
			return plan
		}
		n := min(pLeft, cLeft)
		plan = append(plan, Segment{Producer: p, Consumer: c, Offset: offset, Length: n})
		offset += n
		pLeft -= n
		cLeft -= n
	}
}

// gathered is the plan of rank 0 after the gather: exactly one segment per
// consumer, zero-length for consumers that own no element.
func (fp *FieldPartition) gathered() []Segment {
	plan := make([]Segment, len(fp.ConsumerSizes))
	for c, n := range fp.ConsumerSizes {
		plan[c] = Segment{Producer: 0, Consumer: c, Offset: fp.consumerStarts[c], Length: n}
	}
	return plan
}

// tabulate derives the per-rank count and offset tables from the plan.
// Ranks with nothing to exchange keep all-zero rows.
func (fp *FieldPartition) tabulate() {
	np, nc := len(fp.ProducerSizes), len(fp.ConsumerSizes)
	fp.SendCounts, fp.SendOffsets = grid(np, nc), grid(np, nc)
	fp.RecvCounts, fp.RecvOffsets = grid(nc, np), grid(nc, np)
	for _, s := range fp.Plan {
		fp.SendCounts[s.Producer][s.Consumer] += s.Length
		fp.SendOffsets[s.Producer][s.Consumer] = s.Offset - fp.producerStarts[s.Producer]
		fp.RecvCounts[s.Consumer][s.Producer] += s.Length
		fp.RecvOffsets[s.Consumer][s.Producer] = s.Offset - fp.consumerStarts[s.Consumer]
	}
}

// Producers returns the number of producer ranks.
func (fp *FieldPartition) Producers() int { return len(fp.ProducerSizes) }

// Consumers returns the number of consumer ranks.
func (fp *FieldPartition) Consumers() int { return len(fp.ConsumerSizes) }

// Outgoing returns the segments producer rank sends, in plan order.
// A rank with nothing to send gets an empty, non-nil slice.
func (fp *FieldPartition) Outgoing(producer int) []Segment {
	out := make([]Segment, 0)
	for _, s := range fp.Plan {
		if s.Producer == producer {
			out = append(out, s)
		}
	}
	return out
}

// Incoming returns the segments consumer rank receives, in plan order.
// A rank with nothing to receive gets an empty, non-nil slice.
func (fp *FieldPartition) Incoming(consumer int) []Segment {
	in := make([]Segment, 0)
	for _, s := range fp.Plan {
		if s.Consumer == consumer {
			in = append(in, s)
		}
	}
	return in
}

// LocalMessageCount returns how many plan messages producer rank sends.
func (fp *FieldPartition) LocalMessageCount(producer int) int {
	if fp.Mode == Gathered {
		if producer == 0 {
			return len(fp.Plan)
		}
		return 0
	}
	return len(fp.Outgoing(producer))
}

// ExpectedMessages returns how many data messages consumer rank receives per
// time step of one simulation. Empty segments are never sent.
func (fp *FieldPartition) ExpectedMessages(consumer int) int {
	n := 0
	for _, s := range fp.Incoming(consumer) {
		if s.Length > 0 {
			n++
		}
	}
	return n
}

// Message is one routed slice ready to be sent.
type Message struct {
	Segment Segment
	Data    []float64
}

// Route splits the local buffer of producer rank into plan messages.
// In Gathered mode only rank 0 routes, with the full gathered vector; empty
// segments yield empty messages.
func (fp *FieldPartition) Route(producer int, local []float64) ([]Message, error) {
	if producer < 0 || producer >= len(fp.ProducerSizes) {
		return nil, fmt.Errorf("field %q: producer rank %d out of range [0,%d): %w",
			fp.Name, producer, len(fp.ProducerSizes), ErrConfigurationMismatch)
	}
	want := fp.localSize(producer)
	if len(local) != want {
		return nil, fmt.Errorf("field %q producer %d: local buffer has %d elements, want %d: %w",
			fp.Name, producer, len(local), want, ErrConfigurationMismatch)
	}
	start := fp.producerStarts[producer]
	var msgs []Message
	for _, s := range fp.Outgoing(producer) {
		off := s.ProducerOffset(start)
		msgs = append(msgs, Message{Segment: s, Data: local[off : off+s.Length]})
	}
	return msgs, nil
}

func (fp *FieldPartition) localSize(producer int) int {
	if fp.Mode == Gathered {
		if producer == 0 {
			return fp.GlobalSize
		}
		return 0
	}
	return fp.ProducerSizes[producer]
}

// ProducerStart returns the global index of producer rank's first element.
func (fp *FieldPartition) ProducerStart(producer int) int { return fp.producerStarts[producer] }

// ConsumerStart returns the global index of consumer rank's first element.
func (fp *FieldPartition) ConsumerStart(consumer int) int { return fp.consumerStarts[consumer] }

func sum(sizes []int) (int, error) {
	total := 0
	for i, s := range sizes {
		if s < 0 {
			return 0, fmt.Errorf("rank %d has negative size %d: %w", i, s, ErrConfigurationMismatch)
		}
		total += s
	}
	return total, nil
}

func prefix(sizes []int) []int {
	starts := make([]int, len(sizes))
	acc := 0
	for i, s := range sizes {
		starts[i] = acc
		acc += s
	}
	return starts
}

func grid(rows, cols int) [][]int {
	g := make([][]int, rows)
	for i := range g {
		g[i] = make([]int, cols)
	}
	return g
}
