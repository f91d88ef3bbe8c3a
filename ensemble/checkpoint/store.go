package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/ensemble-stats/ensemble-stats/ensemble/registry"
)

// RegistryFile is the name of the registry checkpoint inside a store.
const RegistryFile = "registry.ckpt"

// Store reads and writes checkpoint files under one directory, usually one
// per server rank.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir. The directory is created on the
// first save.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// SlotPath returns the file holding the given segment.
func (s *Store) SlotPath(field string, consumer, producer int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.c%d.p%d.ckpt", field, consumer, producer))
}

// SaveSlot writes one slot atomically.
func (s *Store) SaveSlot(slot *Slot, layout Layout) error {
	buf, err := EncodeSlot(slot, layout)
	if err != nil {
		return err
	}
	return s.writeFile(s.SlotPath(slot.Field, slot.Consumer, slot.Producer), buf)
}

// SaveSlots writes slots in parallel, bounded by GOMAXPROCS. It returns the
// first error; files already renamed into place stay valid.
func (s *Store) SaveSlots(ctx context.Context, slots []*Slot, layout Layout) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, slot := range slots {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return s.SaveSlot(slot, layout)
		})
	}
	return g.Wait()
}

// LoadSlot restores the segment described by want. A missing file yields
// ErrNotFound.
func (s *Store) LoadSlot(want Header) (*Slot, error) {
	buf, err := s.readFile(s.SlotPath(want.Field, want.Consumer, want.Producer))
	if err != nil {
		return nil, err
	}
	return DecodeSlot(buf, want)
}

// SaveRegistry writes the registry atomically.
func (s *Store) SaveRegistry(reg *registry.Registry) error {
	return s.writeFile(filepath.Join(s.dir, RegistryFile), EncodeRegistry(reg))
}

// LoadRegistry restores the registry. A missing file yields ErrNotFound.
func (s *Store) LoadRegistry(timeSteps int) (*registry.Registry, error) {
	buf, err := s.readFile(filepath.Join(s.dir, RegistryFile))
	if err != nil {
		return nil, err
	}
	return DecodeRegistry(buf, timeSteps)
}

func (s *Store) readFile(path string) ([]byte, error) {
	buf, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	return buf, nil
}

// writeFile replaces path through a temporary file so a crash mid-write
// leaves the previous checkpoint intact.
func (s *Store) writeFile(path string, buf []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating checkpoint file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming %s: %w", path, err)
	}
	return nil
}

func sortedIDs(m map[int32]*registry.Bitset) []int32 {
	ids := make([]int32, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
