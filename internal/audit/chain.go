package audit

import (
	"context"
	"fmt"
	"time"
)

// Source streams audit entries in ascending timestamp order. The Mongo
// adapter implements it over a cursor; tests use an in-memory slice.
type Source interface {
	// Next returns the next entry, or nil once the stream is exhausted.
	Next(ctx context.Context) (*Entry, error)
}

// IssueKind classifies a finding from a chain walk.
type IssueKind string

const (
	// IssueBadSignature means the entry's signature does not cover its
	// current field values: the entry was altered after writing, or was
	// signed with a different key.
	IssueBadSignature IssueKind = "bad_signature"

	// IssueBrokenLink means the entry's previousHash does not match the
	// preceding entry: an entry was removed, reordered, or written by a
	// concurrent writer racing on the same predecessor.
	IssueBrokenLink IssueKind = "broken_link"

	// IssueUnexpectedLink means the first entry carries a previousHash,
	// which only happens when the head of the log was deleted.
	IssueUnexpectedLink IssueKind = "unexpected_link"
)

// Issue is one integrity finding.
type Issue struct {
	Index     int // zero-based position in the walk
	Timestamp time.Time
	Kind      IssueKind
	Detail    string
}

// Report summarizes a chain walk.
type Report struct {
	Checked int
	Issues  []Issue
}

// OK reports whether the walk found no integrity issues.
func (r Report) OK() bool {
	return len(r.Issues) == 0
}

// CheckChain walks entries forward from the earliest, verifying every
// signature and recomputing every previousHash link. Findings accumulate in
// the report rather than aborting the walk; only a source error stops it,
// returning the partial report alongside the error.
func CheckChain(ctx context.Context, key []byte, src Source) (Report, error) {
	var report Report
	var prev *Entry

	for {
		entry, err := src.Next(ctx)
		if err != nil {
			return report, fmt.Errorf("read entry %d: %w", report.Checked, err)
		}
		if entry == nil {
			return report, nil
		}

		idx := report.Checked
		if !VerifySignature(key, *entry) {
			report.Issues = append(report.Issues, Issue{
				Index:     idx,
				Timestamp: entry.Timestamp,
				Kind:      IssueBadSignature,
				Detail:    "signature does not match entry fields",
			})
		}

		switch {
		case prev == nil && entry.PreviousHash != "":
			report.Issues = append(report.Issues, Issue{
				Index:     idx,
				Timestamp: entry.Timestamp,
				Kind:      IssueUnexpectedLink,
				Detail:    "first entry carries a previous hash",
			})
		case prev != nil && entry.PreviousHash != ChainHash(*prev):
			report.Issues = append(report.Issues, Issue{
				Index:     idx,
				Timestamp: entry.Timestamp,
				Kind:      IssueBrokenLink,
				Detail:    fmt.Sprintf("previous hash does not match entry %d", idx-1),
			})
		}

		report.Checked++
		prev = entry
	}
}
