// Package models contains the shared data structures of the acquisition pipeline
package models

// SearchItem is one result returned by the site search API.
type SearchItem struct {
	Session string `json:"session"`
	Title   string `json:"title"`
}

// Episode is one releasable episode of a series as listed by the release API.
// Num is the parsed whole episode number; the API occasionally lists
// fractional specials, which are dropped during decoding.
type Episode struct {
	Num     int
	Session string
}

// Candidate describes one playback source scraped from a play page.
// Src is opaque and usually needs further resolution before it yields a
// manifest. Audio, Resolution and AV1 mirror the page's data attributes and
// are empty when the attribute is absent.
type Candidate struct {
	Src        string `json:"src"`
	Audio      string `json:"audio,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	AV1        string `json:"av1,omitempty"`
}

// IsAV1 reports whether the candidate is flagged as the AV1-encoded variant.
func (c Candidate) IsAV1() bool { return c.AV1 == "1" }

// Status values emitted once per lifecycle transition of an episode job.
const (
	StatusFetchingLink       = "Fetching link"
	StatusExtractingPlaylist = "Extracting playlist"
	StatusDownloading        = "Downloading"
	StatusDone               = "Done"
	StatusFailed             = "Failed"
	StatusCancelled          = "Cancelled"
	StatusNoMatchingSource   = "No matching source"
)

// StatusUpdate is one coarse lifecycle transition for an episode.
// Path is set only for StatusDone and points at the finished file's folder.
type StatusUpdate struct {
	Episode int
	Status  string
	Path    string
}

// ProgressEvent is a rate-limited progress sample for one episode download.
// Done and Total share one unit within a job: segments completed for the
// parallel strategy, milliseconds of media processed for the passthrough
// strategy. Throughput is units per second since the previous sample.
type ProgressEvent struct {
	Episode    int
	Done       int64
	Total      int64
	Throughput float64
	ElapsedSec int64
}
