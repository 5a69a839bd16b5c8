// Package gitproto reads and writes the parts of the Git smart-HTTP
// protocol (v0/v1, stateless RPC) that the mirror needs: upload-pack
// requests and ref advertisements.
package gitproto

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/pktline"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/models"
)

// UploadRequest is one stateless upload-pack request body.
type UploadRequest struct {
	Wants        []string
	Capabilities []string // as sent on the first want line, in order
	Shallows     []string
	Deepen       []string // raw "deepen ..." argument lines
	Filter       string
	Haves        []string
	Done         bool
}

// Cacheable reports whether the response to r depends only on the wanted
// commit and the negotiated shape, never on objects the client holds.
func (r *UploadRequest) Cacheable() bool {
	return len(r.Haves) == 0 && len(r.Shallows) == 0 && r.Done
}

// HasCapability reports whether the client asked for a capability,
// ignoring any argument.
func (r *UploadRequest) HasCapability(name string) bool {
	for _, c := range r.Capabilities {
		if c == name || strings.HasPrefix(c, name+"=") {
			return true
		}
	}
	return false
}

func violation(format string, args ...any) error {
	return models.NewError(models.ErrProtocolViolation, "", fmt.Errorf(format, args...))
}

// DecodeUploadRequest parses an upload-pack request. Anything outside the
// grammar is reported as a ProtocolViolation.
func DecodeUploadRequest(r io.Reader) (*UploadRequest, error) {
	req := &UploadRequest{}
	s := pktline.NewScanner(r)

	// Want section, terminated by a flush-pkt.
	flushed := false
	for s.Scan() {
		line := strings.TrimSuffix(string(s.Bytes()), "\n")
		if line == "" {
			flushed = true
			break
		}

		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "want":
			sha, caps, _ := strings.Cut(arg, " ")
			if !isHash(sha) {
				return nil, violation("invalid want %q", sha)
			}
			if len(req.Wants) == 0 && caps != "" {
				req.Capabilities = strings.Fields(caps)
			} else if caps != "" {
				return nil, violation("capabilities after the first want line")
			}
			req.Wants = append(req.Wants, sha)
		case "shallow":
			if !isHash(arg) {
				return nil, violation("invalid shallow %q", arg)
			}
			req.Shallows = append(req.Shallows, arg)
		case "deepen", "deepen-since", "deepen-not":
			if arg == "" {
				return nil, violation("%s without argument", cmd)
			}
			req.Deepen = append(req.Deepen, line)
		case "filter":
			if arg == "" || req.Filter != "" {
				return nil, violation("invalid filter line")
			}
			req.Filter = arg
		default:
			return nil, violation("unexpected line %q in want section", truncate(line))
		}
	}
	if err := scanErr(s); err != nil {
		return nil, err
	}
	if !flushed {
		return nil, violation("want section not terminated by flush-pkt")
	}
	if len(req.Wants) == 0 {
		return nil, violation("no want lines")
	}

	// Have section: have lines, optional flush-pkts, ended by done or EOF.
	for s.Scan() {
		line := strings.TrimSuffix(string(s.Bytes()), "\n")
		switch {
		case line == "":
			continue
		case line == "done":
			req.Done = true
		case strings.HasPrefix(line, "have "):
			sha := strings.TrimPrefix(line, "have ")
			if !isHash(sha) {
				return nil, violation("invalid have %q", sha)
			}
			req.Haves = append(req.Haves, sha)
			continue
		default:
			return nil, violation("unexpected line %q in have section", truncate(line))
		}
		break
	}
	if err := scanErr(s); err != nil {
		return nil, err
	}
	if req.Done {
		if s.Scan() {
			return nil, violation("data after done")
		}
		if err := scanErr(s); err != nil {
			return nil, err
		}
	}

	return req, nil
}

// Encode writes the request in canonical form.
func (r *UploadRequest) Encode(w io.Writer) error {
	e := pktline.NewEncoder(w)

	for i, want := range r.Wants {
		if i == 0 && len(r.Capabilities) > 0 {
			if err := e.Encodef("want %s %s\n", want, strings.Join(r.Capabilities, " ")); err != nil {
				return err
			}
			continue
		}
		if err := e.Encodef("want %s\n", want); err != nil {
			return err
		}
	}
	for _, sha := range r.Shallows {
		if err := e.Encodef("shallow %s\n", sha); err != nil {
			return err
		}
	}
	for _, d := range r.Deepen {
		if err := e.Encodef("%s\n", d); err != nil {
			return err
		}
	}
	if r.Filter != "" {
		if err := e.Encodef("filter %s\n", r.Filter); err != nil {
			return err
		}
	}
	if err := e.Flush(); err != nil {
		return err
	}

	for _, sha := range r.Haves {
		if err := e.Encodef("have %s\n", sha); err != nil {
			return err
		}
	}
	if r.Done {
		return e.EncodeString("done\n")
	}
	if len(r.Haves) > 0 {
		return e.Flush()
	}
	return nil
}

func scanErr(s *pktline.Scanner) error {
	err := s.Err()
	if err == nil {
		return nil
	}
	var errLine *pktline.ErrorLine
	if errors.As(err, &errLine) {
		return violation("client sent error: %s", errLine.Text)
	}
	return violation("malformed pkt-line: %w", err)
}

func isHash(s string) bool {
	return len(s) == 40 && plumbing.IsHash(s)
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
