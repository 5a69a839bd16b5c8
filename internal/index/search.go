package index

import (
	"sort"
	"strings"
)

// Field selects what a search query is matched against.
type Field string

const (
	FieldName         Field = "name"
	FieldNameDesc     Field = "name-desc"
	FieldDepends      Field = "depends"
	FieldMakeDepends  Field = "makedepends"
	FieldOptDepends   Field = "optdepends"
	FieldCheckDepends Field = "checkdepends"
	FieldProvides     Field = "provides"
	FieldConflicts    Field = "conflicts"
	FieldReplaces     Field = "replaces"
	FieldGroups       Field = "groups"
)

// ParseField maps a search field name to a Field. The empty string selects
// the default, name-desc.
func ParseField(s string) (Field, bool) {
	switch f := Field(s); f {
	case "":
		return FieldNameDesc, true
	case FieldName, FieldNameDesc, FieldDepends, FieldMakeDepends, FieldOptDepends,
		FieldCheckDepends, FieldProvides, FieldConflicts, FieldReplaces, FieldGroups:
		return f, true
	}
	return "", false
}

// match ranks, best first.
const (
	rankExact = iota
	rankPrefix
	rankSubstring
	rankDescription
)

type ranked struct {
	name string
	rank int
}

// Search returns the packages matching query on the given field.
//
// Name searches rank an exact name first, then names starting with the
// query, then names containing it, then (for name-desc) packages whose
// description matches every query token. Relation fields (depends,
// provides, groups, ...) match the bare relation name exactly. Ties are
// broken by package name.
func (s *Snapshot) Search(query string, field Field) []Hit {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	var matches []ranked
	switch field {
	case FieldName, FieldNameDesc:
		matches = s.searchNames(query)
		if field == FieldNameDesc {
			matches = s.addDescriptionMatches(matches, query)
		}
	default:
		for _, name := range s.fields[field][DependencyName(query)] {
			matches = append(matches, ranked{name: name, rank: rankExact})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].rank != matches[j].rank {
			return matches[i].rank < matches[j].rank
		}
		return matches[i].name < matches[j].name
	})

	hits := make([]Hit, 0, len(matches))
	for _, m := range matches {
		if hit, ok := s.hit(m.name); ok {
			hits = append(hits, hit)
		}
	}
	return hits
}

func (s *Snapshot) searchNames(query string) []ranked {
	var out []ranked
	for _, name := range s.names {
		lower := strings.ToLower(name)
		switch {
		case lower == query:
			out = append(out, ranked{name: name, rank: rankExact})
		case strings.HasPrefix(lower, query):
			out = append(out, ranked{name: name, rank: rankPrefix})
		case strings.Contains(lower, query):
			out = append(out, ranked{name: name, rank: rankSubstring})
		}
	}
	return out
}

func (s *Snapshot) addDescriptionMatches(matches []ranked, query string) []ranked {
	words := tokenize(query)
	if len(words) == 0 {
		return matches
	}

	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		seen[m.name] = true
	}

	var result map[string]bool
	for _, w := range words {
		found := make(map[string]bool)
		for _, term := range s.terms {
			if !strings.Contains(term, w) {
				continue
			}
			for _, name := range s.tokens[term] {
				if result == nil || result[name] {
					found[name] = true
				}
			}
		}
		result = found
		if len(result) == 0 {
			return matches
		}
	}

	for name := range result {
		if !seen[name] {
			matches = append(matches, ranked{name: name, rank: rankDescription})
		}
	}
	return matches
}
