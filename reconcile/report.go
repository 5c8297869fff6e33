package reconcile

import (
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/pairing/types"
)

// Counts is how many anomalies of one kind were found and how many were repaired.
type Counts struct {
	Found int `json:"found"`
	Fixed int `json:"fixed"`
}

func (c *Counts) add(fixed bool) {
	c.Found++
	if fixed {
		c.Fixed++
	}
}

// Report summarizes one reconciliation pass.
type Report struct {
	Kind       types.RecordKind `json:"kind"`
	StartedAt  int64            `json:"startedAt"`
	FinishedAt int64            `json:"finishedAt"`
	DurationMs int64            `json:"durationMs"`

	QueueMatchConflicts   Counts `json:"queueMatchConflicts"`
	CorruptedData         Counts `json:"corruptedData"`
	OrphanedMatches       Counts `json:"orphanedMatches"`
	StaleInCall           Counts `json:"staleInCall"`
	AbandonedQueueEntries Counts `json:"abandonedQueueEntries"`
	AbandonedMatches      Counts `json:"abandonedMatches"`
	ExpiredLeftBehind     Counts `json:"expiredLeftBehind"`
	StaleLocks            Counts `json:"staleLocks"`
	StaleAloneTimers      Counts `json:"staleAloneTimers"`

	UsersRequeued int `json:"usersRequeued"`
}

func newReport(startedAt int64) Report {
	return Report{Kind: types.KindReconcileReport, StartedAt: startedAt}
}

func (r Report) RecordKind() types.RecordKind { return types.KindReconcileReport }

func (r Report) Validate() error {
	if r.Kind != types.KindReconcileReport {
		return eris.Wrapf(types.ErrCorruptRecord, "expected record kind %q, got %q", types.KindReconcileReport, r.Kind)
	}
	if r.StartedAt <= 0 || r.FinishedAt < r.StartedAt {
		return eris.Wrapf(types.ErrCorruptRecord, "report has invalid timestamps %d..%d", r.StartedAt, r.FinishedAt)
	}
	return nil
}

// Issue names one kind of anomaly in a report.
type Issue struct {
	Name   string
	Counts Counts
}

// Issues lists every anomaly kind in a stable order.
func (r Report) Issues() []Issue {
	return []Issue{
		{"queue_match_conflicts", r.QueueMatchConflicts},
		{"corrupted_data", r.CorruptedData},
		{"orphaned_matches", r.OrphanedMatches},
		{"stale_in_call", r.StaleInCall},
		{"abandoned_queue_entries", r.AbandonedQueueEntries},
		{"abandoned_matches", r.AbandonedMatches},
		{"expired_left_behind", r.ExpiredLeftBehind},
		{"stale_locks", r.StaleLocks},
		{"stale_alone_timers", r.StaleAloneTimers},
	}
}

func (r Report) TotalFound() int {
	total := 0
	for _, issue := range r.Issues() {
		total += issue.Counts.Found
	}
	return total
}

func (r Report) TotalFixed() int {
	total := 0
	for _, issue := range r.Issues() {
		total += issue.Counts.Fixed
	}
	return total
}
