// Package index holds the published view of every indexed package.
//
// A Snapshot is immutable once built. The Index hands out the current one
// with a single atomic load and replaces it with a single atomic store, so
// readers never see a half-built view and never need a lock.
package index

import (
	"sort"
	"time"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/models"
)

// Hit is one pkgname together with the branch that declares it.
type Hit struct {
	Package     *models.Package
	PackageBase string
	State       models.BranchState
}

// Snapshot is a point-in-time view of all records and branch states.
type Snapshot struct {
	generation uint64
	createdAt  time.Time

	entries map[string]models.IndexEntry // by branch (pkgbase)
	owners  map[string]string            // pkgname -> branch
	names   []string                     // sorted pkgnames
	tokens  map[string][]string          // description token -> pkgnames
	terms   []string                     // sorted keys of tokens
	fields  map[Field]map[string][]string
}

// Empty returns a snapshot with no entries at generation zero.
func Empty() *Snapshot {
	return NewBuilder(0).Build()
}

// Generation is strictly increasing across published snapshots.
func (s *Snapshot) Generation() uint64 { return s.generation }

func (s *Snapshot) CreatedAt() time.Time { return s.createdAt }

// Len returns the number of indexed branches.
func (s *Snapshot) Len() int { return len(s.entries) }

// PackageCount returns the number of distinct pkgnames.
func (s *Snapshot) PackageCount() int { return len(s.names) }

// Entry returns the record and branch state indexed for a branch.
func (s *Snapshot) Entry(branch string) (models.IndexEntry, bool) {
	e, ok := s.entries[branch]
	return e, ok
}

// Entries returns every entry ordered by branch name.
func (s *Snapshot) Entries() []models.IndexEntry {
	out := make([]models.IndexEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].State.Name < out[j].State.Name })
	return out
}

// Resolve maps a package repository name to the commit it is indexed at.
// Unknown and removed packages report false.
func (s *Snapshot) Resolve(pkgbase string) (string, bool) {
	e, ok := s.entries[pkgbase]
	if !ok {
		return "", false
	}
	return e.State.HeadCommit, true
}

// LookupExact finds packages by exact pkgname. Names that are not indexed
// are absent from the result.
func (s *Snapshot) LookupExact(names []string) map[string]Hit {
	out := make(map[string]Hit, len(names))
	for _, name := range names {
		if hit, ok := s.hit(name); ok {
			out[name] = hit
		}
	}
	return out
}

func (s *Snapshot) hit(name string) (Hit, bool) {
	branch, ok := s.owners[name]
	if !ok {
		return Hit{}, false
	}
	e := s.entries[branch]
	pkg, ok := e.Record.Package(name)
	if !ok {
		return Hit{}, false
	}
	return Hit{Package: pkg, PackageBase: e.Record.PackageBase, State: e.State}, true
}
