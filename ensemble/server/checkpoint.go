package server

import (
	"context"
	"errors"

	"github.com/ensemble-stats/ensemble-stats/ensemble/checkpoint"
)

// Checkpoint writes every slot and the registry. I/O failures are logged and
// returned without aborting the study; only configuration errors are fatal.
func (s *Server) Checkpoint(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.lastCheckpoint = s.now()
	slots := s.slots()
	if err := s.store.SaveSlots(ctx, slots, s.layout); err != nil {
		s.log.WithError(err).Warn("checkpoint of slots skipped")
		return err
	}
	if err := s.store.SaveRegistry(s.registry); err != nil {
		s.log.WithError(err).Warn("checkpoint of registry skipped")
		return err
	}
	s.log.Debugf("checkpointed %d slots and %d simulations to %s", len(slots), s.registry.Len(), s.store.Dir())
	return nil
}

// Restore reloads the registry and every registered slot from the checkpoint
// directory. Missing or unreadable files leave the corresponding state cold;
// corrupt or mismatched files are fatal. Fields must be registered first.
func (s *Server) Restore() error {
	if s.store == nil {
		return nil
	}
	reg, err := s.store.LoadRegistry(s.cfg.TimeSteps)
	switch {
	case err == nil:
		s.registry = reg
	case IsFatal(err):
		return err
	case errors.Is(err, checkpoint.ErrNotFound):
		s.log.Warn("no registry checkpoint, cold start")
	default:
		s.log.WithError(err).Warn("registry checkpoint unreadable, cold start")
	}

	restored := 0
	for _, name := range s.Fields() {
		f := s.fields[name]
		for _, seg := range f.segments {
			want := checkpoint.Header{
				Field:    name,
				Consumer: s.cfg.Rank,
				Producer: seg.Producer,
				VectSize: seg.Length,
				Layout:   s.layout,
			}
			slot, err := s.store.LoadSlot(want)
			switch {
			case err == nil:
				f.slots[seg.Producer] = slot
				restored++
			case IsFatal(err):
				return err
			default:
				s.log.WithError(err).WithField("field", name).Warnf("slot of producer %d not restored", seg.Producer)
			}
		}
	}
	s.log.Infof("restored %d slots and %d simulations", restored, s.registry.Len())
	return nil
}
