package rpc

// Response is the AUR RPC v5 envelope.
type Response struct {
	Error       string `json:"error,omitempty"`
	ResultCount int    `json:"resultcount"`
	Results     any    `json:"results"`
	Type        string `json:"type"`
	Version     *int   `json:"version"`
}

// SearchResult is one package in a search response.
type SearchResult struct {
	ID             int     `json:"ID"`
	Name           string  `json:"Name"`
	Description    string  `json:"Description"`
	PackageBase    string  `json:"PackageBase"`
	PackageBaseID  int     `json:"PackageBaseID"`
	Version        string  `json:"Version"`
	URL            string  `json:"URL"`
	URLPath        string  `json:"URLPath"`
	Maintainer     string  `json:"Maintainer"`
	NumVotes       int     `json:"NumVotes"`
	Popularity     float64 `json:"Popularity"`
	FirstSubmitted int64   `json:"FirstSubmitted"`
	LastModified   int64   `json:"LastModified"`
	OutOfDate      *int64  `json:"OutOfDate"`
}

// InfoResult adds the relation lists returned by info requests.
type InfoResult struct {
	SearchResult
	Submitter     string   `json:"Submitter"`
	License       []string `json:"License"`
	Depends       []string `json:"Depends"`
	MakeDepends   []string `json:"MakeDepends"`
	OptDepends    []string `json:"OptDepends"`
	CheckDepends  []string `json:"CheckDepends"`
	Provides      []string `json:"Provides"`
	Conflicts     []string `json:"Conflicts"`
	Replaces      []string `json:"Replaces"`
	Groups        []string `json:"Groups"`
	Keywords      []string `json:"Keywords"`
	CoMaintainers []string `json:"CoMaintainers"`
}
