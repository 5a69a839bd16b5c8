package models

import "sort"

// Package is one installable pkgname declared by a .SRCINFO file, with the
// pkgbase-level defaults already applied.
type Package struct {
	Name          string   `msgpack:"name"`
	Version       string   `msgpack:"version"`
	Description   string   `msgpack:"desc,omitempty"`
	URL           string   `msgpack:"url,omitempty"`
	Licenses      []string `msgpack:"license,omitempty"`
	Architectures []string `msgpack:"arch,omitempty"`
	Depends       []string `msgpack:"depends,omitempty"`
	MakeDepends   []string `msgpack:"makedepends,omitempty"`
	CheckDepends  []string `msgpack:"checkdepends,omitempty"`
	OptDepends    []string `msgpack:"optdepends,omitempty"`
	Provides      []string `msgpack:"provides,omitempty"`
	Conflicts     []string `msgpack:"conflicts,omitempty"`
	Replaces      []string `msgpack:"replaces,omitempty"`
	Groups        []string `msgpack:"groups,omitempty"`

	// Keys the parser has no field for, by literal key name.
	Extra map[string][]string `msgpack:"extra,omitempty"`
}

// PackageRecord is the parsed form of one branch's .SRCINFO. It is built
// once by the parser and never modified afterwards; a re-sync replaces it.
type PackageRecord struct {
	PackageBase string    `msgpack:"pkgbase"`
	Packages    []Package `msgpack:"packages"`
}

// Names returns the pkgnames declared by the record, sorted.
func (r *PackageRecord) Names() []string {
	names := make([]string, 0, len(r.Packages))
	for _, p := range r.Packages {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}

// Package returns the package with the given pkgname.
func (r *PackageRecord) Package(name string) (*Package, bool) {
	for i := range r.Packages {
		if r.Packages[i].Name == name {
			return &r.Packages[i], true
		}
	}
	return nil, false
}
