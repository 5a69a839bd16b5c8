package index

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Index owns the current Snapshot.
type Index struct {
	current atomic.Pointer[Snapshot]
}

// New returns an Index serving an empty snapshot.
func New() *Index {
	idx := &Index{}
	idx.current.Store(Empty())
	return idx
}

// Current returns the snapshot readers should use. The returned value
// stays valid and unchanged for as long as the caller holds it.
func (i *Index) Current() *Snapshot {
	return i.current.Load()
}

// Publish makes s the current snapshot. A snapshot whose generation does
// not advance past the current one is refused, which keeps publication
// monotonic when a background sync and a store reload race.
func (i *Index) Publish(s *Snapshot) error {
	for {
		old := i.current.Load()
		if s.generation <= old.generation {
			return fmt.Errorf("snapshot generation %d does not advance current generation %d", s.generation, old.generation)
		}
		if i.current.CompareAndSwap(old, s) {
			logrus.WithFields(logrus.Fields{
				"generation": s.generation,
				"branches":   s.Len(),
				"packages":   s.PackageCount(),
			}).Info("Published index snapshot")
			return nil
		}
	}
}
