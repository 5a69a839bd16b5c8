package syncer

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Summary counts what a pass did.
type Summary struct {
	Listed    int
	Unchanged int
	Updated   int
	Added     int
	Removed   int

	ParseFailed int
	FetchFailed int
	// Missing counts branches without a .SRCINFO at their tip.
	Missing int

	Packages   int
	Generation uint64
	Published  bool
	Elapsed    time.Duration
}

// Failed is the number of changed branches that were skipped.
func (s *Summary) Failed() int {
	return s.ParseFailed + s.FetchFailed + s.Missing
}

func (s *Summary) String() string {
	return fmt.Sprintf("%s branches listed: %s updated, %s added, %s removed, %s unchanged, %s failed (%d parse, %d fetch, %d missing); %s packages at generation %d in %s",
		humanize.Comma(int64(s.Listed)),
		humanize.Comma(int64(s.Updated)),
		humanize.Comma(int64(s.Added)),
		humanize.Comma(int64(s.Removed)),
		humanize.Comma(int64(s.Unchanged)),
		humanize.Comma(int64(s.Failed())),
		s.ParseFailed, s.FetchFailed, s.Missing,
		humanize.Comma(int64(s.Packages)),
		s.Generation,
		s.Elapsed.Round(time.Millisecond),
	)
}
