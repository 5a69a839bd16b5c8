package srcinfo

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/models"
)

// archFields may carry architecture suffixes and are folded into their
// base key.
var archFields = []string{
	"depends",
	"makedepends",
	"checkdepends",
	"optdepends",
	"provides",
	"conflicts",
	"replaces",
}

// knownKeys are consumed into typed fields; everything else goes to Extra.
var knownKeys = map[string]bool{
	"pkgdesc": true,
	"url":     true,
	"license": true,
	"arch":    true,
	"groups":  true,
	"epoch":   true,
	"pkgver":  true,
	"pkgrel":  true,
}

func init() {
	for _, f := range archFields {
		knownKeys[f] = true
	}
}

// properties is the effective key set of one package after inheritance.
type properties struct {
	keys  []string
	props map[string][]string
}

func inherit(base, pkg *block) *properties {
	p := &properties{props: make(map[string][]string, len(base.props)+len(pkg.props))}
	// Keys are overridden whole: a pkgname section that sets depends does
	// not see the pkgbase depends at all.
	for _, k := range pkg.keys {
		p.keys = append(p.keys, k)
		p.props[k] = pkg.props[k]
	}
	for _, k := range base.keys {
		if _, ok := p.props[k]; ok {
			continue
		}
		p.keys = append(p.keys, k)
		p.props[k] = base.props[k]
	}
	return p
}

func (p *properties) first(key string) string {
	if v := p.props[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (p *properties) list(key string) []string {
	return dedup(nil, p.props[key])
}

// archList returns the values of key followed by the values of every
// key_<arch> variant whose arch is selected.
func (p *properties) archList(key string, opts Options) []string {
	out := dedup(nil, p.props[key])

	prefix := key + "_"
	var arches []string
	for _, k := range p.keys {
		if arch, ok := strings.CutPrefix(k, prefix); ok && arch != "" && selected(arch, opts) {
			arches = append(arches, arch)
		}
	}
	sort.Strings(arches)
	for _, arch := range arches {
		out = dedup(out, p.props[prefix+arch])
	}
	return out
}

func selected(arch string, opts Options) bool {
	if len(opts.Arches) == 0 {
		return true
	}
	for _, a := range opts.Arches {
		if a == arch {
			return true
		}
	}
	return false
}

func isArchVariant(key string) bool {
	for _, f := range archFields {
		if rest, ok := strings.CutPrefix(key, f+"_"); ok && rest != "" {
			return true
		}
	}
	return false
}

func dedup(dst, src []string) []string {
	for _, v := range src {
		dup := false
		for _, have := range dst {
			if have == v {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}

func buildPackage(base, b *block, opts Options) (*models.Package, error) {
	p := inherit(base, b)

	version, err := p.version()
	if err != nil {
		return nil, parseError(base.name, 0, fmt.Errorf("package %s: %w", b.name, err))
	}

	pkg := &models.Package{
		Name:          b.name,
		Version:       version,
		Description:   p.first("pkgdesc"),
		URL:           p.first("url"),
		Licenses:      p.list("license"),
		Architectures: p.list("arch"),
		Depends:       p.archList("depends", opts),
		MakeDepends:   p.archList("makedepends", opts),
		CheckDepends:  p.archList("checkdepends", opts),
		OptDepends:    p.archList("optdepends", opts),
		Provides:      p.archList("provides", opts),
		Conflicts:     p.archList("conflicts", opts),
		Replaces:      p.archList("replaces", opts),
		Groups:        p.list("groups"),
	}

	for _, k := range p.keys {
		if knownKeys[k] || isArchVariant(k) {
			continue
		}
		if pkg.Extra == nil {
			pkg.Extra = make(map[string][]string)
		}
		pkg.Extra[k] = append([]string(nil), p.props[k]...)
	}

	return pkg, nil
}

// version renders [epoch:]pkgver-pkgrel.
func (p *properties) version() (string, error) {
	pkgver := p.first("pkgver")
	if pkgver == "" {
		return "", fmt.Errorf("missing pkgver")
	}
	pkgrel := p.first("pkgrel")
	if pkgrel == "" {
		pkgrel = "1"
	}
	if epoch := p.first("epoch"); epoch != "" && epoch != "0" {
		return fmt.Sprintf("%s:%s-%s", epoch, pkgver, pkgrel), nil
	}
	return fmt.Sprintf("%s-%s", pkgver, pkgrel), nil
}
