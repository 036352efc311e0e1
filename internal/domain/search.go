package domain

import "strings"

type Credentials struct {
	Username string
	Password string
}

func (c Credentials) Empty() bool {
	return strings.TrimSpace(c.Username) == "" || c.Password == ""
}

// SearchOptions selects which descriptor fields are resolved per result.
type SearchOptions struct {
	WantDescriptor bool
	WantHash       bool
}

func (o SearchOptions) Resolve() bool {
	return o.WantDescriptor || o.WantHash
}

type SearchQuery struct {
	Text string
	SearchOptions
}

// SearchRequest is what the HTTP front-end and the CLI hand to the search service.
type SearchRequest struct {
	Query        string
	Credentials  Credentials
	ForceRefresh bool
	SearchOptions
}

// ResultRow is one download reference extracted from the results table.
type ResultRow struct {
	Title        string
	DetailLink   string
	Size         string
	Seeders      int
	ForeignAudio bool
}

type TorrentDescriptor struct {
	MagnetURI string
	InfoHash  string
}

func (d TorrentDescriptor) IsEmpty() bool {
	return d.MagnetURI == "" && d.InfoHash == ""
}

type SearchResult struct {
	Name       string `json:"name"`
	Size       string `json:"size"`
	Seeders    int    `json:"seeders"`
	BGAudio    bool   `json:"bgAudio"`
	MagnetLink string `json:"magnetlink,omitempty"`
	InfoHash   string `json:"infohash,omitempty"`
	Link       string `json:"link,omitempty"`
}

// NewSearchResult merges a row with whatever descriptor fields were requested.
func NewSearchResult(row ResultRow, link string, descriptor TorrentDescriptor, options SearchOptions) SearchResult {
	result := SearchResult{
		Name:    row.Title,
		Size:    row.Size,
		Seeders: row.Seeders,
		BGAudio: row.ForeignAudio,
		Link:    link,
	}
	if options.WantDescriptor {
		result.MagnetLink = descriptor.MagnetURI
	}
	if options.WantHash {
		result.InfoHash = descriptor.InfoHash
	}
	return result
}

func CloneResults(results []SearchResult) []SearchResult {
	if results == nil {
		return nil
	}
	return append([]SearchResult(nil), results...)
}
