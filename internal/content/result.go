package content

import (
	"github.com/MarcoPoloResearchLab/shelfsync/internal/activity"
)

// Outcome describes what a handler did with one transaction.
type Outcome string

const (
	// OutcomeApplied means a new row was written.
	OutcomeApplied Outcome = "applied"
	// OutcomeSynced means an optimistic local row was confirmed by the feed.
	OutcomeSynced Outcome = "synced"
	// OutcomeDuplicate means the transaction was already reflected locally.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeSuperseded means a newer edit of the same object is already stored.
	OutcomeSuperseded Outcome = "superseded"
	// OutcomeDeferred means the dependency is missing and a pending row was queued.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeStillPending means a reprocessed transaction is still missing its dependency.
	OutcomeStillPending Outcome = "still_pending"
	// OutcomeRejected means the transaction is valid but not acceptable.
	OutcomeRejected Outcome = "rejected"
	// OutcomeRecordedEmpty means the transaction arrived without payload.
	OutcomeRecordedEmpty Outcome = "recorded_empty"
)

// Reason qualifies deferred and rejected outcomes.
type Reason string

const (
	ReasonMissingParent  Reason = "missing_parent"
	ReasonMissingTarget  Reason = "missing_target"
	ReasonNotAuthor      Reason = "not_author"
	ReasonSenderMismatch Reason = "sender_mismatch"
	ReasonMissingSender  Reason = "missing_sender"
	ReasonUnrecognized   Reason = "unrecognized"
)

// Result is the typed per-transaction handler result.
type Result struct {
	TrxID   string
	Kind    activity.Kind
	Outcome Outcome
	Reason  Reason
}

// Waiting reports whether the transaction still waits on a dependency.
func (r Result) Waiting() bool {
	return r.Outcome == OutcomeDeferred || r.Outcome == OutcomeStillPending
}

// BatchReport aggregates handler results for one Apply call.
type BatchReport struct {
	Results       []Result
	TouchedBooks  []string
	TouchedCovers []string
	// Woken counts pending rows made due because their dependency arrived.
	Woken         int
}

// Counts tallies results by outcome.
func (r BatchReport) Counts() map[Outcome]int {
	counts := make(map[Outcome]int)
	for _, result := range r.Results {
		counts[result.Outcome]++
	}
	return counts
}

// ResultFor returns the result recorded for trxID.
func (r BatchReport) ResultFor(trxID string) (Result, bool) {
	for _, result := range r.Results {
		if result.TrxID == trxID {
			return result, true
		}
	}
	return Result{}, false
}

// AppliedKinds lists the kinds for which at least one transaction changed the store.
func (r BatchReport) AppliedKinds() []activity.Kind {
	seen := make(map[activity.Kind]bool)
	var kinds []activity.Kind
	for _, result := range r.Results {
		switch result.Outcome {
		case OutcomeApplied, OutcomeSynced:
		default:
			continue
		}
		if seen[result.Kind] {
			continue
		}
		seen[result.Kind] = true
		kinds = append(kinds, result.Kind)
	}
	return kinds
}

func (r *BatchReport) merge(other BatchReport) {
	r.Results = append(r.Results, other.Results...)
	r.TouchedBooks = appendUnique(r.TouchedBooks, other.TouchedBooks...)
	r.TouchedCovers = appendUnique(r.TouchedCovers, other.TouchedCovers...)
	r.Woken += other.Woken
}

func appendUnique(target []string, values ...string) []string {
	for _, value := range values {
		found := false
		for _, existing := range target {
			if existing == value {
				found = true
				break
			}
		}
		if !found {
			target = append(target, value)
		}
	}
	return target
}
