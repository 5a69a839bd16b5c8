package gitproto

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/capability"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/models"
)

// ServiceUploadPack is the only service the mirror offers.
const ServiceUploadPack = "git-upload-pack"

// DefaultBranch is the single ref every virtual repository exposes.
const DefaultBranch = plumbing.Master

// advertisedCapabilities is the fixed capability set, in wire order.
var advertisedCapabilities = []capability.Capability{
	capability.MultiACK,
	capability.ThinPack,
	capability.Sideband,
	capability.Sideband64k,
	capability.OFSDelta,
	capability.Shallow,
	capability.DeepenSince,
	capability.DeepenNot,
	capability.DeepenRelative,
	capability.NoProgress,
	capability.IncludeTag,
	capability.MultiACKDetailed,
	capability.NoDone,
}

// WriteAdvertisement writes the smart-HTTP info/refs response for a
// repository whose only branch is master at commit sha.
func WriteAdvertisement(w io.Writer, sha, agent string) error {
	if !isHash(sha) {
		return fmt.Errorf("invalid commit %q", sha)
	}
	hash := plumbing.NewHash(sha)

	ar := packp.NewAdvRefs()
	ar.Prefix = [][]byte{
		[]byte("# service=" + ServiceUploadPack),
		pktline.Flush,
	}
	ar.Head = &hash
	ar.References[DefaultBranch.String()] = hash

	for _, c := range advertisedCapabilities {
		if err := ar.Capabilities.Add(c); err != nil {
			return err
		}
	}
	if err := ar.Capabilities.Add(capability.SymRef, plumbing.HEAD.String()+":"+DefaultBranch.String()); err != nil {
		return err
	}
	if err := ar.Capabilities.Add(capability.ObjectFormat, "sha1"); err != nil {
		return err
	}
	if err := ar.Capabilities.Add(capability.Agent, agent); err != nil {
		return err
	}

	return ar.Encode(w)
}

// WriteError writes a protocol-level error as an ERR pkt-line.
func WriteError(w io.Writer, msg string) error {
	return (&pktline.ErrorLine{Text: msg}).Encode(w)
}

// ReadBranches decodes an upstream upload-pack advertisement and returns
// its refs/heads/* branches. A stream that ends before the terminating
// flush-pkt is an error, never a short list.
func ReadBranches(r io.Reader) ([]models.Branch, error) {
	ar := packp.NewAdvRefs()
	if err := ar.Decode(r); err != nil {
		return nil, fmt.Errorf("failed to decode ref advertisement: %w", err)
	}

	const prefix = "refs/heads/"
	branches := make([]models.Branch, 0, len(ar.References))
	for name, hash := range ar.References {
		branch, ok := strings.CutPrefix(name, prefix)
		if !ok || branch == "" {
			continue
		}
		branches = append(branches, models.Branch{Name: branch, Commit: hash.String()})
	}
	return branches, nil
}
