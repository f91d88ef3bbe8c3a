// Package server implements one server rank of a study: the field map, the
// accumulator slots this rank owns, the simulation registry, and the
// sequential message loop that folds data and reacts to control messages.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ensemble-stats/ensemble-stats/ensemble/accum"
	"github.com/ensemble-stats/ensemble-stats/ensemble/checkpoint"
	"github.com/ensemble-stats/ensemble-stats/ensemble/partition"
	"github.com/ensemble-stats/ensemble-stats/ensemble/registry"
	"github.com/ensemble-stats/ensemble-stats/ensemble/sobol"
	"github.com/ensemble-stats/ensemble-stats/ensemble/wire"
)

// Notifier delivers server-to-launcher messages.
type Notifier interface {
	Notify(ctx context.Context, msg wire.Message) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, msg wire.Message) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, msg wire.Message) error { return f(ctx, msg) }

// Kind distinguishes the two inbound channels.
type Kind uint8

const (
	KindControl Kind = iota + 1
	KindData
)

// Envelope is one inbound message with its channel.
type Envelope struct {
	Kind    Kind
	Payload []byte
}

// Source delivers inbound messages. Next blocks until a message is available
// or ctx is done, and returns io.EOF once the source is exhausted.
type Source interface {
	Next(ctx context.Context) (Envelope, error)
}

// Committer is implemented by sources that acknowledge what they delivered.
// Run commits only after the state fed by those messages is checkpointed, so
// a restart replays everything the checkpoint lacks.
type Committer interface {
	Commit(ctx context.Context) error
}

// field is a registered field with the slots this rank owns, keyed by
// producer rank.
type field struct {
	partition *partition.FieldPartition
	segments  []partition.Segment // incoming, in global order
	slots     map[int]*checkpoint.Slot
}

// Server is the context object of one server rank.
//
// Thread-safety: NOT thread-safe. Every method runs on the goroutine driving
// the message loop.
type Server struct {
	cfg       Config
	layout    checkpoint.Layout
	fields    map[string]*field
	registry  *registry.Registry
	notifier  Notifier
	store     *checkpoint.Store
	committer Committer
	now       func() time.Time
	log       *logrus.Entry

	lastSweep      time.Time
	lastCheckpoint time.Time
	anomalies      int
}

// New creates a server rank. Fields must be registered before data arrives.
func New(cfg Config, notifier Notifier) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		layout:   cfg.Layout(),
		fields:   make(map[string]*field),
		registry: registry.New(cfg.TimeSteps),
		notifier: notifier,
		now:      time.Now,
		log:      logrus.WithField("rank", cfg.Rank),
	}
	if cfg.CheckpointDir != "" {
		s.store = checkpoint.NewStore(cfg.CheckpointDir)
	}
	return s, nil
}

// SetClock replaces the wall clock, for tests and replays.
func (s *Server) SetClock(now func() time.Time) { s.now = now }

// Config returns the validated configuration.
func (s *Server) Config() Config { return s.cfg }

// Registry exposes the simulation registry.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Anomalies returns the number of protocol anomalies dropped by Run.
func (s *Server) Anomalies() int { return s.anomalies }

// === Field registration ===

// RegisterField builds the routing plan of a field distributed over
// producerSizes and allocates one empty slot per incoming segment.
func (s *Server) RegisterField(name string, globalSize int, producerSizes []int) error {
	if _, ok := s.fields[name]; ok {
		return fmt.Errorf("field %q: %w", name, ErrDuplicateField)
	}
	if name == "" || len(name) >= wire.FieldNameWidth {
		return fmt.Errorf("field name %q must have 1 to %d bytes", name, wire.FieldNameWidth-1)
	}
	fp, err := partition.New(name, globalSize, producerSizes, s.cfg.Consumers, s.cfg.Mode)
	if err != nil {
		return err
	}
	f := &field{
		partition: fp,
		slots:     make(map[int]*checkpoint.Slot),
	}
	for _, seg := range fp.Incoming(s.cfg.Rank) {
		if seg.Length > 0 {
			f.segments = append(f.segments, seg)
		}
	}
	for _, seg := range f.segments {
		f.slots[seg.Producer] = checkpoint.NewSlot(name, s.cfg.Rank, seg.Producer, seg.Length, s.layout)
	}
	s.fields[name] = f
	s.log.WithFields(logrus.Fields{"field": name, "segments": len(f.segments)}).
		Debugf("registered field of %d elements over %d producers", globalSize, len(producerSizes))
	return nil
}

// Fields returns the registered field names in sorted order.
func (s *Server) Fields() []string {
	names := make([]string, 0, len(s.fields))
	for name := range s.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Partition returns the routing plan of a registered field.
func (s *Server) Partition(name string) (*partition.FieldPartition, error) {
	f, ok := s.fields[name]
	if !ok {
		return nil, fmt.Errorf("field %q: %w", name, ErrUnknownField)
	}
	return f.partition, nil
}

// slots returns every slot of this rank, ordered by field then producer.
func (s *Server) slots() []*checkpoint.Slot {
	var out []*checkpoint.Slot
	for _, name := range s.Fields() {
		f := s.fields[name]
		for _, seg := range f.segments {
			out = append(out, f.slots[seg.Producer])
		}
	}
	return out
}

// === Dispatch ===

// Handle applies one inbound message.
func (s *Server) Handle(ctx context.Context, env Envelope) error {
	switch env.Kind {
	case KindControl:
		return s.HandleControl(ctx, env.Payload)
	case KindData:
		return s.HandleData(ctx, env.Payload)
	default:
		return fmt.Errorf("envelope kind %d: %w", env.Kind, wire.ErrMalformed)
	}
}

// HandleControl applies one control message. STOP is reported as an error
// that Run treats as a graceful exit.
func (s *Server) HandleControl(ctx context.Context, buf []byte) error {
	msg, err := wire.Decode(buf)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case wire.Hello:
		return s.notify(ctx, wire.Server{Rank: int32(s.cfg.Rank), Node: s.cfg.Node})
	case wire.Alive:
		return s.notify(ctx, wire.Alive{})
	case wire.Job:
		if s.cfg.Sobol != 0 && len(m.Parameters) != s.cfg.Params {
			s.log.WithField("simulation", m.SimulationID).
				Warnf("job %s announces %d parameters, study has %d", m.JobID, len(m.Parameters), s.cfg.Params)
		}
		s.registry.Announce(m.SimulationID, m.JobID, m.Parameters, s.now())
		s.log.WithField("simulation", m.SimulationID).Debugf("job %s announced", m.JobID)
		return nil
	case wire.Drop:
		s.registry.RequestDrop(m.SimulationID, m.JobID)
		s.registry.ConfirmDrop(m.SimulationID)
		s.log.WithField("simulation", m.SimulationID).Infof("job %s dropped", m.JobID)
		if s.cfg.Rank == 0 {
			return s.notify(ctx, wire.SimuStatus{SimulationID: m.SimulationID, Status: wire.StatusDropped})
		}
		return nil
	case wire.Stop:
		return errStop
	default:
		return fmt.Errorf("%v: %w", msg.Tag(), ErrUnexpectedMessage)
	}
}

// HandleData folds one data message into the slot of its producer rank,
// then updates the step bitmap of the simulation.
func (s *Server) HandleData(ctx context.Context, buf []byte) error {
	d, err := wire.DecodeData(buf)
	if err != nil {
		return err
	}
	f, ok := s.fields[d.Field]
	if !ok {
		return fmt.Errorf("field %q: %w", d.Field, ErrUnknownField)
	}
	slot, ok := f.slots[int(d.ClientRank)]
	if !ok {
		return fmt.Errorf("field %q producer %d: %w", d.Field, d.ClientRank, ErrUnknownSlot)
	}
	step := int(d.TimeStep)
	switch {
	case step < 0 || step >= s.cfg.TimeSteps:
		return fmt.Errorf("time step %d out of range [0,%d): %w", step, s.cfg.TimeSteps, wire.ErrMalformed)
	case len(d.Vectors) != s.cfg.Vectors():
		return fmt.Errorf("%d vectors, want %d: %w", len(d.Vectors), s.cfg.Vectors(), wire.ErrMalformed)
	case d.VectSize() != slot.Size:
		return fmt.Errorf("field %q producer %d: vect size %d, want %d: %w",
			d.Field, d.ClientRank, d.VectSize(), slot.Size, wire.ErrMalformed)
	}

	s.registry.Touch(d.SimulationID, s.now())
	folded, ok := slot.Folded[d.SimulationID]
	if !ok {
		folded = registry.NewBitset(s.cfg.TimeSteps)
		slot.Folded[d.SimulationID] = folded
	}
	if folded.Test(step) {
		return fmt.Errorf("simulation %d step %d of %q/%d: %w", d.SimulationID, step, d.Field, d.ClientRank, ErrDuplicateStep)
	}
	if err := s.fold(slot, step, d.SimulationID, d.Vectors); err != nil {
		return err
	}
	folded.Set(step)
	return s.markStep(ctx, d.SimulationID, step)
}

// fold updates the accumulators of slot at step. Both Sobol baselines are
// independent draws and feed the classic statistics.
func (s *Server) fold(slot *checkpoint.Slot, step int, sim int32, vectors [][]float64) error {
	set := slot.Stats[step]
	if set == nil {
		var err error
		if set, err = accum.NewSet(s.cfg.Stats, slot.Size); err != nil {
			return err
		}
		slot.Stats[step] = set
	}
	baselines := vectors[:min(2, len(vectors))]
	for _, x := range baselines {
		if err := set.Update(x, sim); err != nil {
			return err
		}
	}
	if s.cfg.Sobol == 0 {
		return nil
	}
	st := slot.Sobol[step]
	if st == nil {
		var err error
		if st, err = sobol.NewState(s.cfg.Sobol, slot.Size, s.cfg.Params); err != nil {
			return err
		}
		slot.Sobol[step] = st
	}
	return st.Update(vectors[0], vectors[1], vectors[2:])
}

// markStep sets the registry bit of (sim, step) once every slot of every
// field on this rank has folded it.
func (s *Server) markStep(ctx context.Context, sim int32, step int) error {
	if s.registry.StepDone(sim, step) {
		return nil
	}
	for _, f := range s.fields {
		for _, slot := range f.slots {
			bits, ok := slot.Folded[sim]
			if !ok || !bits.Test(step) {
				return nil
			}
		}
	}
	done, err := s.registry.MarkStep(sim, step)
	if err != nil || !done {
		return err
	}
	s.log.WithField("simulation", sim).Debug("simulation fully processed")
	return s.notify(ctx, wire.SimuStatus{SimulationID: sim, Status: wire.StatusFinished})
}

func (s *Server) notify(ctx context.Context, msg wire.Message) error {
	if s.notifier == nil {
		return nil
	}
	if err := s.notifier.Notify(ctx, msg); err != nil {
		return fmt.Errorf("notifying %v: %w", msg.Tag(), err)
	}
	return nil
}

// === Periodic work ===

// Sweep runs the liveness check, emits one TIMEOUT per newly silent
// simulation, and for Sobol studies reports the worst confidence interval
// width of every field.
func (s *Server) Sweep(ctx context.Context) error {
	now := s.now()
	s.lastSweep = now
	for _, id := range s.registry.Sweep(now, s.cfg.Timeout) {
		s.log.WithField("simulation", id).Warnf("no data for %v, timed out", s.cfg.Timeout)
		if err := s.notify(ctx, wire.Timeout{SimulationID: id}); err != nil {
			return err
		}
	}
	if s.cfg.Sobol != sobol.Martinez {
		return nil
	}
	for _, name := range s.Fields() {
		first, total, ok := s.worstInterval(name)
		if !ok {
			continue
		}
		for _, ci := range []wire.ConfidenceInterval{
			{Stat: statFirstOrderName, Field: name, Value: first},
			{Stat: statTotalOrderName, Field: name, Value: total},
		} {
			if err := s.notify(ctx, ci); err != nil {
				return err
			}
		}
	}
	return nil
}

// worstInterval returns the widest interval over the slots and steps of a
// field that have one.
func (s *Server) worstInterval(name string) (first, total float64, ok bool) {
	for _, slot := range s.fields[name].slots {
		for _, st := range slot.Sobol {
			if st == nil {
				continue
			}
			f, t, valid := st.MaxInterval()
			if !valid {
				continue
			}
			first, total, ok = max(first, f), max(total, t), true
		}
	}
	return first, total, ok
}

// CheckConvergence reports whether every parameter's confidence interval, at
// every time step of every slot, is narrower than threshold. It is false for
// studies without Martinez indices and while any step lacks data.
func (s *Server) CheckConvergence(threshold float64) bool {
	if s.cfg.Sobol != sobol.Martinez || len(s.fields) == 0 {
		return false
	}
	for _, f := range s.fields {
		for _, slot := range f.slots {
			for _, st := range slot.Sobol {
				if st == nil || !st.Converged(threshold) {
					return false
				}
			}
		}
	}
	return true
}

// === Message loop ===

// Run reads and applies messages until STOP, convergence, exhaustion of src,
// or a fatal error. Protocol anomalies are logged and dropped. A final
// checkpoint is written on every graceful exit.
func (s *Server) Run(ctx context.Context, src Source) error {
	start := s.now()
	s.lastSweep, s.lastCheckpoint = start, start
	s.committer, _ = src.(Committer)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := s.cfg.SweepInterval - s.now().Sub(s.lastSweep)
		nctx, cancel := context.WithTimeout(ctx, max(wait, time.Millisecond))
		env, err := src.Next(nctx)
		cancel()

		switch {
		case errors.Is(err, io.EOF):
			s.log.Info("source exhausted")
			return s.finish(ctx)
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// idle: fall through to periodic work
		case err != nil:
			return err
		default:
			err = s.Handle(ctx, env)
			switch {
			case errors.Is(err, errStop):
				s.log.Info("stop requested")
				return s.finish(ctx)
			case IsFatal(err):
				return err
			case err != nil:
				s.anomalies++
				s.log.WithError(err).Warn("dropping message")
			}
		}

		if done, err := s.tick(ctx); err != nil || done {
			if err != nil {
				return err
			}
			return s.finish(ctx)
		}
	}
}

// tick runs the periodic sweep and checkpoint when due. It reports whether
// the study converged.
func (s *Server) tick(ctx context.Context) (bool, error) {
	now := s.now()
	if now.Sub(s.lastSweep) >= s.cfg.SweepInterval {
		if err := s.Sweep(ctx); err != nil {
			s.log.WithError(err).Warn("sweep notification failed")
		}
		if s.store == nil {
			// nothing is ever persisted, acknowledge at the sweep cadence
			_ = s.commit(ctx)
		}
		if s.cfg.ConvergenceThreshold > 0 && s.CheckConvergence(s.cfg.ConvergenceThreshold) {
			s.log.Infof("all confidence intervals below %v, stopping early", s.cfg.ConvergenceThreshold)
			return true, nil
		}
	}
	if s.store != nil && s.cfg.CheckpointInterval > 0 && now.Sub(s.lastCheckpoint) >= s.cfg.CheckpointInterval {
		if err := s.Persist(ctx); IsFatal(err) {
			return false, err
		}
	}
	return false, nil
}

func (s *Server) finish(ctx context.Context) error {
	if err := s.Persist(ctx); IsFatal(err) {
		return err
	}
	return nil
}

// Persist writes a checkpoint and, once it is on disk, commits the source
// position. A failed checkpoint leaves the position uncommitted.
func (s *Server) Persist(ctx context.Context) error {
	if err := s.Checkpoint(ctx); err != nil {
		return err
	}
	return s.commit(ctx)
}

func (s *Server) commit(ctx context.Context) error {
	if s.committer == nil {
		return nil
	}
	if err := s.committer.Commit(ctx); err != nil {
		s.log.WithError(err).Warn("commit of consumed messages failed")
		return err
	}
	return nil
}
