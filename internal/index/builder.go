package index

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/models"
)

// Builder assembles a Snapshot. It is not safe for concurrent use.
type Builder struct {
	generation uint64
	createdAt  time.Time
	entries    map[string]models.IndexEntry
}

// NewBuilder starts a snapshot with the given generation.
func NewBuilder(generation uint64) *Builder {
	return &Builder{
		generation: generation,
		createdAt:  time.Now(),
		entries:    make(map[string]models.IndexEntry),
	}
}

// Add stages an entry, replacing any earlier entry for the same branch.
// Entries missing either half are rejected.
func (b *Builder) Add(e models.IndexEntry) error {
	if !e.Valid() {
		return models.NewError(models.ErrStorage, e.State.Name, fmt.Errorf("incomplete index entry"))
	}
	b.entries[e.State.Name] = e
	return nil
}

// Len returns the number of staged entries.
func (b *Builder) Len() int { return len(b.entries) }

// Build derives the lookup structures and returns the finished snapshot.
// The builder must not be used afterwards.
func (b *Builder) Build() *Snapshot {
	s := &Snapshot{
		generation: b.generation,
		createdAt:  b.createdAt,
		entries:    b.entries,
		owners:     make(map[string]string),
		tokens:     make(map[string][]string),
		fields:     make(map[Field]map[string][]string),
	}
	b.entries = nil

	branches := make([]string, 0, len(s.entries))
	for name := range s.entries {
		branches = append(branches, name)
	}
	// The first branch in lexical order owns a pkgname declared twice.
	sort.Strings(branches)

	for _, branch := range branches {
		e := s.entries[branch]
		for i := range e.Record.Packages {
			pkg := &e.Record.Packages[i]
			if _, taken := s.owners[pkg.Name]; taken {
				continue
			}
			s.owners[pkg.Name] = branch
			s.names = append(s.names, pkg.Name)
			s.indexPackage(pkg)
		}
	}

	sort.Strings(s.names)
	for tok, names := range s.tokens {
		s.tokens[tok] = sortedUnique(names)
		s.terms = append(s.terms, tok)
	}
	sort.Strings(s.terms)
	for _, m := range s.fields {
		for k, names := range m {
			m[k] = sortedUnique(names)
		}
	}

	return s
}

func (s *Snapshot) indexPackage(pkg *models.Package) {
	for _, tok := range tokenize(pkg.Description) {
		s.tokens[tok] = append(s.tokens[tok], pkg.Name)
	}
	for field, values := range fieldValues(pkg) {
		m := s.fields[field]
		if m == nil {
			m = make(map[string][]string)
			s.fields[field] = m
		}
		for _, v := range values {
			key := DependencyName(v)
			if key == "" {
				continue
			}
			m[key] = append(m[key], pkg.Name)
		}
	}
}

func fieldValues(pkg *models.Package) map[Field][]string {
	return map[Field][]string{
		FieldDepends:      pkg.Depends,
		FieldMakeDepends:  pkg.MakeDepends,
		FieldOptDepends:   pkg.OptDepends,
		FieldCheckDepends: pkg.CheckDepends,
		FieldProvides:     pkg.Provides,
		FieldConflicts:    pkg.Conflicts,
		FieldReplaces:     pkg.Replaces,
		FieldGroups:       pkg.Groups,
	}
}

// DependencyName strips the version constraint and optdepends reason from
// a dependency string: "foo>=1.2" and "foo: for bar" both yield "foo".
func DependencyName(dep string) string {
	if i := strings.IndexAny(dep, "<>=:"); i >= 0 {
		dep = dep[:i]
	}
	return strings.ToLower(strings.TrimSpace(dep))
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '+' && r != '_' && r != '.'
	})
}

func sortedUnique(in []string) []string {
	sort.Strings(in)
	out := in[:0]
	for i, v := range in {
		if i == 0 || v != in[i-1] {
			out = append(out, v)
		}
	}
	return out
}
