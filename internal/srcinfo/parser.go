// Package srcinfo parses the .SRCINFO files that every AUR package ships.
package srcinfo

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/models"
)

const maxLineLength = 1 << 20

// Options controls how architecture-specific keys are folded.
type Options struct {
	// Arches lists the architectures whose suffixed keys (depends_x86_64 and
	// friends) are merged into the base list. Empty merges all of them.
	Arches []string
}

// block holds the raw key/value pairs of a pkgbase or pkgname section.
type block struct {
	name  string
	keys  []string // first-appearance order
	props map[string][]string
}

func newBlock(name string) *block {
	return &block{name: name, props: make(map[string][]string)}
}

func (b *block) add(key, value string) {
	vals, seen := b.props[key]
	if !seen {
		b.keys = append(b.keys, key)
	}
	// An empty value still declares the key, which lets a pkgname block
	// clear an inherited list.
	if value != "" {
		vals = append(vals, value)
	}
	b.props[key] = vals
}

// Parse parses a .SRCINFO file into a PackageRecord. The file must open
// with a pkgbase line. Every pkgname section inherits the pkgbase keys it
// does not set itself; a file without pkgname sections describes a single
// package named after its pkgbase.
func Parse(data []byte, opts Options) (*models.PackageRecord, error) {
	base, pkgs, err := scan(data)
	if err != nil {
		return nil, err
	}

	if len(pkgs) == 0 {
		pkgs = []*block{newBlock(base.name)}
	}

	record := &models.PackageRecord{
		PackageBase: base.name,
		Packages:    make([]models.Package, 0, len(pkgs)),
	}
	seen := make(map[string]bool, len(pkgs))
	for _, b := range pkgs {
		if seen[b.name] {
			return nil, parseError(base.name, 0, fmt.Errorf("duplicate pkgname %q", b.name))
		}
		seen[b.name] = true

		pkg, err := buildPackage(base, b, opts)
		if err != nil {
			return nil, err
		}
		record.Packages = append(record.Packages, *pkg)
	}

	return record, nil
}

func scan(data []byte) (*block, []*block, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil, parseError("", 0, fmt.Errorf("empty input"))
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)

	var (
		base    *block
		current *block
		pkgs    []*block
		lineNo  int
	)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, nil, parseError(blockName(base), lineNo, fmt.Errorf("expected key = value, got %q", line))
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			return nil, nil, parseError(blockName(base), lineNo, fmt.Errorf("empty key"))
		}

		switch key {
		case "pkgbase":
			if base != nil {
				return nil, nil, parseError(base.name, lineNo, fmt.Errorf("second pkgbase %q", value))
			}
			if value == "" {
				return nil, nil, parseError("", lineNo, fmt.Errorf("empty pkgbase"))
			}
			base = newBlock(value)
			current = base
		case "pkgname":
			if base == nil {
				return nil, nil, parseError("", lineNo, fmt.Errorf("pkgname before pkgbase"))
			}
			if value == "" {
				return nil, nil, parseError(base.name, lineNo, fmt.Errorf("empty pkgname"))
			}
			current = newBlock(value)
			pkgs = append(pkgs, current)
		default:
			if current == nil {
				return nil, nil, parseError("", lineNo, fmt.Errorf("key %q before pkgbase", key))
			}
			current.add(key, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, parseError(blockName(base), lineNo, err)
	}
	if base == nil {
		return nil, nil, parseError("", lineNo, fmt.Errorf("no pkgbase declared"))
	}

	return base, pkgs, nil
}

func blockName(b *block) string {
	if b == nil {
		return ""
	}
	return b.name
}

func parseError(pkgbase string, line int, err error) error {
	if line > 0 {
		err = fmt.Errorf("line %d: %w", line, err)
	}
	return models.NewError(models.ErrParseFailure, pkgbase, err)
}
