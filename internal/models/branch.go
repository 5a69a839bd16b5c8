package models

import "time"

// BranchState records which upstream commit a branch was indexed at.
type BranchState struct {
	Name       string    `msgpack:"name"`
	HeadCommit string    `msgpack:"head"`
	SyncedAt   time.Time `msgpack:"synced_at"`
}

// Branch is a remote branch as listed by the upstream mirror.
type Branch struct {
	Name   string
	Commit string
}

// IndexEntry pairs a record with the branch state it was parsed from. The
// two always travel together so no snapshot or store row can hold one
// without the other.
type IndexEntry struct {
	State  BranchState
	Record *PackageRecord
}

// Valid reports whether the entry is complete and self-consistent.
func (e IndexEntry) Valid() bool {
	return e.Record != nil &&
		e.State.Name != "" &&
		e.State.HeadCommit != "" &&
		len(e.Record.Packages) > 0
}
