// Package registry tracks the lifecycle of every simulation of a study:
// liveness, job announcements and drops, and which time steps have been fully
// folded into the statistics.
package registry

import (
	"fmt"
	"slices"
	"time"
)

// Status is the data-driven state of a simulation.
type Status uint8

const (
	Idle Status = iota
	Active
	DropRequested
	DropConfirmed
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case DropRequested:
		return "drop_requested"
	case DropConfirmed:
		return "drop_confirmed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// JobStatus is the control-driven state of a simulation's job.
type JobStatus uint8

const (
	Unknown JobStatus = iota
	Known
	Dropped
)

// String returns the lowercase name of the job status.
func (s JobStatus) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Known:
		return "known"
	case Dropped:
		return "dropped"
	default:
		return fmt.Sprintf("job_status(%d)", uint8(s))
	}
}

// Record is the state of one simulation. Records are never removed, only
// marked dropped or timed out.
type Record struct {
	ID          int32
	JobID       string
	Status      Status
	JobStatus   JobStatus
	LastMessage time.Time
	TimedOut    bool
	Parameters  []float64
	Steps       *Bitset // one bit per time step, set once fully folded
}

// Registry owns the records of one server rank.
//
// Thread-safety: NOT thread-safe. Mutated only by the rank's message loop.
type Registry struct {
	timeSteps int
	records   map[int32]*Record
}

// New creates an empty registry for a study of timeSteps steps.
func New(timeSteps int) *Registry {
	return &Registry{timeSteps: timeSteps, records: make(map[int32]*Record)}
}

// TimeSteps returns the number of time steps per simulation.
func (r *Registry) TimeSteps() int { return r.timeSteps }

// Len returns the number of known simulations.
func (r *Registry) Len() int { return len(r.records) }

// Get returns the record of id, if any.
func (r *Registry) Get(id int32) (*Record, bool) {
	rec, ok := r.records[id]
	return rec, ok
}

// Ensure returns the record of id, creating an idle one on first mention.
func (r *Registry) Ensure(id int32) *Record {
	if rec, ok := r.records[id]; ok {
		return rec
	}
	rec := &Record{ID: id, Steps: NewBitset(r.timeSteps)}
	r.records[id] = rec
	return rec
}

// Put inserts or replaces a record, used when restoring a checkpoint.
func (r *Registry) Put(rec *Record) error {
	if rec.Steps == nil || rec.Steps.Len() != r.timeSteps {
		return fmt.Errorf("simulation %d: step bitmap must have %d bits", rec.ID, r.timeSteps)
	}
	r.records[rec.ID] = rec
	return nil
}

// IDs returns the known simulation ids in increasing order.
func (r *Registry) IDs() []int32 {
	ids := make([]int32, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Records returns the records ordered by id.
func (r *Registry) Records() []*Record {
	ids := r.IDs()
	out := make([]*Record, len(ids))
	for i, id := range ids {
		out[i] = r.records[id]
	}
	return out
}

// Reset forgets every simulation.
func (r *Registry) Reset() {
	r.records = make(map[int32]*Record)
}

// === Control-driven transitions ===

// Announce records a job announcement with its parameter set. Announcing a
// timed-out or dropped simulation again makes it known afresh.
func (r *Registry) Announce(id int32, jobID string, params []float64, now time.Time) *Record {
	rec := r.Ensure(id)
	rec.JobID = jobID
	rec.JobStatus = Known
	rec.TimedOut = false
	rec.Parameters = append([]float64(nil), params...)
	rec.LastMessage = now
	if rec.Status == DropRequested || rec.Status == DropConfirmed {
		rec.Status = Idle
	}
	return rec
}

// RequestDrop marks the job dropped; the visible status waits for the
// acknowledgement of the rank owning global state.
func (r *Registry) RequestDrop(id int32, jobID string) *Record {
	rec := r.Ensure(id)
	if jobID != "" {
		rec.JobID = jobID
	}
	rec.JobStatus = Dropped
	rec.Status = DropRequested
	return rec
}

// ConfirmDrop acknowledges a requested drop. It returns false when no drop
// was pending.
func (r *Registry) ConfirmDrop(id int32) bool {
	rec, ok := r.records[id]
	if !ok || rec.Status != DropRequested {
		return false
	}
	rec.Status = DropConfirmed
	return true
}

// === Data-driven transitions ===

// Touch records the arrival of a data message.
func (r *Registry) Touch(id int32, now time.Time) *Record {
	rec := r.Ensure(id)
	rec.LastMessage = now
	if rec.Status == Idle && !rec.Steps.Full() {
		rec.Status = Active
	}
	return rec
}

// Sweep is the pull-based liveness check: every active, known simulation
// silent for longer than window is flagged, set idle, and reported once.
// Fully processed simulations are never reported.
func (r *Registry) Sweep(now time.Time, window time.Duration) []int32 {
	var timedOut []int32
	for _, id := range r.IDs() {
		rec := r.records[id]
		if rec.Status != Active || rec.JobStatus != Known || rec.Steps.Full() {
			continue
		}
		if rec.LastMessage.Add(window).Before(now) {
			rec.TimedOut = true
			rec.Status = Idle
			timedOut = append(timedOut, id)
		}
	}
	return timedOut
}

// MarkStep records that step of simulation id is fully folded. It reports
// whether the simulation is now fully processed; a fully processed active
// simulation goes back to idle.
func (r *Registry) MarkStep(id int32, step int) (bool, error) {
	if step < 0 || step >= r.timeSteps {
		return false, fmt.Errorf("simulation %d: time step %d out of range [0,%d)", id, step, r.timeSteps)
	}
	rec := r.Ensure(id)
	rec.Steps.Set(step)
	if !rec.Steps.Full() {
		return false, nil
	}
	if rec.Status == Active {
		rec.Status = Idle
	}
	return true, nil
}

// StepDone reports whether step of simulation id is fully folded.
func (r *Registry) StepDone(id int32, step int) bool {
	rec, ok := r.records[id]
	if !ok || step < 0 || step >= r.timeSteps {
		return false
	}
	return rec.Steps.Test(step)
}

// FullyProcessed reports whether every step of simulation id is folded.
func (r *Registry) FullyProcessed(id int32) bool {
	rec, ok := r.records[id]
	return ok && rec.Steps.Full()
}

// Completed returns the number of fully processed simulations.
func (r *Registry) Completed() int {
	n := 0
	for _, rec := range r.records {
		if rec.Steps.Full() {
			n++
		}
	}
	return n
}
