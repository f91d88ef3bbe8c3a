// Package wire encodes and decodes the binary messages exchanged with
// simulations and the study launcher.
//
// Control messages start with a 4-byte tag followed by a tag-specific
// payload. Data messages carry no tag. All integers are 4-byte little-endian,
// all floats 8-byte IEEE 754, strings NUL-terminated.
package wire

import (
	"errors"
	"fmt"
)

// ErrUnknownTag reports a control message with an unrecognized tag.
var ErrUnknownTag = errors.New("wire: unknown message tag")

// Tag identifies the type of a control message.
type Tag int32

const (
	TagHello Tag = iota + 1
	TagJob
	TagDrop
	TagStop
	TagTimeout
	TagSimuStatus
	TagServer
	TagConfidenceInterval
	TagAlive
)

var tagNames = map[Tag]string{
	TagHello:              "HELLO",
	TagJob:                "JOB",
	TagDrop:               "DROP",
	TagStop:               "STOP",
	TagTimeout:            "TIMEOUT",
	TagSimuStatus:         "SIMU_STATUS",
	TagServer:             "SERVER",
	TagConfidenceInterval: "CONFIDENCE_INTERVAL",
	TagAlive:              "ALIVE",
}

// String returns the protocol name of the tag.
func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TAG(%d)", int32(t))
}

// NoTimeout is the simulation id of a TIMEOUT message with nothing to report.
const NoTimeout int32 = -1

// Message is a decoded control message.
type Message interface {
	Tag() Tag
}

// Hello opens a session with the launcher.
type Hello struct{}

// Stop asks the server to exit after the in-flight message.
type Stop struct{}

// Alive is the launcher's liveness check; the server echoes it.
type Alive struct{}

// Job announces a simulation and its parameter set.
type Job struct {
	SimulationID int32
	JobID        string
	Parameters   []float64
}

// Drop asks the server to drop a simulation.
type Drop struct {
	SimulationID int32
	JobID        string
}

// Timeout reports a silent simulation, NoTimeout when none.
type Timeout struct {
	SimulationID int32
}

// Status codes carried by SIMU_STATUS.
const (
	StatusFinished int32 = 1
	StatusDropped  int32 = 2
)

// SimuStatus reports the status of a simulation.
type SimuStatus struct {
	SimulationID int32
	Status       int32
}

// Server identifies a server rank and the node it runs on.
type Server struct {
	Rank int32
	Node string
}

// ConfidenceInterval reports the current interval width of a statistic.
type ConfidenceInterval struct {
	Stat  string
	Field string
	Value float64
}

func (Hello) Tag() Tag              { return TagHello }
func (Stop) Tag() Tag               { return TagStop }
func (Alive) Tag() Tag              { return TagAlive }
func (Job) Tag() Tag                { return TagJob }
func (Drop) Tag() Tag               { return TagDrop }
func (Timeout) Tag() Tag            { return TagTimeout }
func (SimuStatus) Tag() Tag         { return TagSimuStatus }
func (Server) Tag() Tag             { return TagServer }
func (ConfidenceInterval) Tag() Tag { return TagConfidenceInterval }

// Encode serializes a control message, tag first.
func Encode(m Message) []byte {
	w := NewWriter(64)
	w.Int32(int32(m.Tag()))
	switch v := m.(type) {
	case Job:
		w.Int32(v.SimulationID)
		w.CString(v.JobID)
		w.Float64s(v.Parameters)
	case Drop:
		w.Int32(v.SimulationID)
		w.CString(v.JobID)
	case Timeout:
		w.Int32(v.SimulationID)
	case SimuStatus:
		w.Int32(v.SimulationID)
		w.Int32(v.Status)
	case Server:
		w.Int32(v.Rank)
		w.CString(v.Node)
	case ConfidenceInterval:
		w.CString(v.Stat)
		w.CString(v.Field)
		w.Float64(v.Value)
	}
	return w.Bytes()
}

// Decode parses a control message. A JOB message's parameter count is the
// number of doubles left after its job id.
func Decode(buf []byte) (Message, error) {
	r := NewReader(buf)
	tag := Tag(r.Int32("tag"))
	if err := r.Err(); err != nil {
		return nil, err
	}
	var m Message
	switch tag {
	case TagHello:
		m = Hello{}
	case TagStop:
		m = Stop{}
	case TagAlive:
		m = Alive{}
	case TagJob:
		job := Job{SimulationID: r.Int32("simulation id"), JobID: r.CString("job id")}
		if r.Err() == nil && r.Remaining()%8 != 0 {
			r.Fail(fmt.Errorf("JOB parameters: %d trailing bytes: %w", r.Remaining(), ErrMalformed))
		}
		job.Parameters = r.Float64s(r.Remaining()/8, "parameters")
		m = job
	case TagDrop:
		m = Drop{SimulationID: r.Int32("simulation id"), JobID: r.CString("job id")}
	case TagTimeout:
		m = Timeout{SimulationID: r.Int32("simulation id")}
	case TagSimuStatus:
		m = SimuStatus{SimulationID: r.Int32("simulation id"), Status: r.Int32("status")}
	case TagServer:
		m = Server{Rank: r.Int32("rank"), Node: r.CString("node")}
	case TagConfidenceInterval:
		m = ConfidenceInterval{Stat: r.CString("stat name"), Field: r.CString("field name"), Value: r.Float64("value")}
	default:
		return nil, fmt.Errorf("tag %d: %w", int32(tag), ErrUnknownTag)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%v message: %w", tag, err)
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("%v message: %d trailing bytes: %w", tag, r.Remaining(), ErrMalformed)
	}
	return m, nil
}

// FieldNameWidth is the fixed width of the field name in data messages.
const FieldNameWidth = 128

// SimuData carries one routed segment of a field at one time step. Vectors
// holds the baseline, then for Sobol studies the second baseline and one
// perturbed vector per parameter.
type SimuData struct {
	TimeStep     int32
	SimulationID int32
	ClientRank   int32
	Field        string
	Vectors      [][]float64
}

// VectSize returns the common vector width, 0 when there are none.
func (d *SimuData) VectSize() int {
	if len(d.Vectors) == 0 {
		return 0
	}
	return len(d.Vectors[0])
}

// EncodeData serializes a data message.
func EncodeData(d *SimuData) ([]byte, error) {
	size := d.VectSize()
	for i, v := range d.Vectors {
		if len(v) != size {
			return nil, fmt.Errorf("vector %d has %d elements, want %d: %w", i, len(v), size, ErrMalformed)
		}
	}
	w := NewWriter(16 + FieldNameWidth + 8*size*len(d.Vectors))
	w.Int32(d.TimeStep)
	w.Int32(d.SimulationID)
	w.Int32(d.ClientRank)
	w.Int32(int32(size))
	if err := w.FixedString(d.Field, FieldNameWidth); err != nil {
		return nil, err
	}
	for _, v := range d.Vectors {
		w.Float64s(v)
	}
	return w.Bytes(), nil
}

// DecodeData parses a data message. The number of vectors is the payload
// size divided by the vector width and must be exact.
func DecodeData(buf []byte) (*SimuData, error) {
	r := NewReader(buf)
	d := &SimuData{
		TimeStep:     r.Int32("time step"),
		SimulationID: r.Int32("simulation id"),
		ClientRank:   r.Int32("client rank"),
	}
	size := int(r.Int32("vect size"))
	d.Field = r.FixedString(FieldNameWidth, "field name")
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("data message header: %w", err)
	}
	if size < 0 {
		return nil, fmt.Errorf("data message vect size %d: %w", size, ErrMalformed)
	}
	if size == 0 {
		if r.Remaining() != 0 {
			return nil, fmt.Errorf("data message with empty vectors has %d payload bytes: %w", r.Remaining(), ErrMalformed)
		}
		return d, nil
	}
	if r.Remaining()%(8*size) != 0 {
		return nil, fmt.Errorf("data message payload of %d bytes is not a multiple of %d doubles: %w",
			r.Remaining(), size, ErrMalformed)
	}
	n := r.Remaining() / (8 * size)
	d.Vectors = make([][]float64, n)
	for i := range d.Vectors {
		d.Vectors[i] = r.Float64s(size, "vector")
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return d, nil
}
