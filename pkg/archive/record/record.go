// Package record defines the persisted state the archive keeps per
// entry: the current version plus the append-only history of
// superseded versions.
package record

import "time"

// Version is one superseded copy of a document.
type Version struct {
	Fingerprint string    `json:"fingerprint"`
	Path        string    `json:"path"`
	ArchivedAt  time.Time `json:"archived_at"`
}

// Record is the archive state for a single entry. There is at most one
// record per identifier; History is ordered most-recent-first and is
// never truncated.
type Record struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Path        string    `json:"path"`
	FetchedAt   time.Time `json:"fetched_at"`
	History     []Version `json:"history,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate store state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	out := *r
	out.History = make([]Version, len(r.History))
	copy(out.History, r.History)

	return &out
}
