package voting

import "time"

// Subject is the part of a proposal the transition rules read.
type Subject struct {
	Status      Status
	BaseVersion int64
	ExpiresAt   time.Time
}

type Reason string

const (
	ReasonUnchanged Reason = "unchanged"
	ReasonStale     Reason = "entity_changed"
	ReasonMajority  Reason = "majority_approved"
	ReasonOutvoted  Reason = "window_closed_without_majority"
	ReasonNoVotes   Reason = "window_closed_without_votes"
	ReasonOpen      Reason = "voting_open"
)

type Decision struct {
	Next   Status
	Reason Reason
}

// Changes reports whether applying the decision moves the subject.
func (d Decision) Changes(from Status) bool {
	return d.Next != from
}

// Evaluate is the single transition function of the proposal lifecycle.
// Staleness is checked before approval so that a proposal written against
// an older entity version is never applied over a newer one.
func Evaluate(subject Subject, tally Tally, entityVersion int64, now time.Time) Decision {
	if subject.Status != StatusPending {
		return Decision{Next: subject.Status, Reason: ReasonUnchanged}
	}
	if entityVersion > subject.BaseVersion {
		return Decision{Next: StatusNeedsReview, Reason: ReasonStale}
	}
	if tally.Majority() {
		return Decision{Next: StatusApproved, Reason: ReasonMajority}
	}
	if now.After(subject.ExpiresAt) {
		if tally.Votes > 0 || tally.Total > 0 {
			return Decision{Next: StatusRejected, Reason: ReasonOutvoted}
		}
		return Decision{Next: StatusExpired, Reason: ReasonNoVotes}
	}
	return Decision{Next: StatusPending, Reason: ReasonOpen}
}

// AcceptsVotes reports whether a vote cast at now may be recorded.
func AcceptsVotes(subject Subject, now time.Time) bool {
	return subject.Status == StatusPending && !now.After(subject.ExpiresAt)
}

// Due reports whether a pending proposal has a time- or version-driven
// transition waiting, without looking at its votes.
func Due(subject Subject, entityVersion int64, now time.Time) bool {
	return subject.Status == StatusPending && (entityVersion > subject.BaseVersion || now.After(subject.ExpiresAt))
}
