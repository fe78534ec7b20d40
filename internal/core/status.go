package core

import "fmt"

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusSubmitted  JobStatus = "submitted"
	JobStatusProcessing JobStatus = "processing"
	JobStatusHeld       JobStatus = "held"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusCanceled   JobStatus = "canceled"
	JobStatusAborted    JobStatus = "aborted"
	JobStatusTimedOut   JobStatus = "timed_out"
)

var statusRank = map[JobStatus]int{
	JobStatusPending:    0,
	JobStatusSubmitted:  1,
	JobStatusProcessing: 2,
	JobStatusHeld:       2,
	JobStatusCompleted:  3,
	JobStatusCanceled:   3,
	JobStatusAborted:    3,
	JobStatusTimedOut:   3,
}

// ActiveStatuses are polled every reconciliation cycle.
var ActiveStatuses = []JobStatus{
	JobStatusPending,
	JobStatusSubmitted,
	JobStatusProcessing,
	JobStatusHeld,
}

// TerminalStatuses never change once reached, barring a provisional cancel.
var TerminalStatuses = []JobStatus{
	JobStatusCompleted,
	JobStatusCanceled,
	JobStatusAborted,
	JobStatusTimedOut,
}

func (s JobStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

func (s JobStatus) IsTerminal() bool {
	return statusRank[s] == 3 && s.Valid()
}

func (s JobStatus) IsActive() bool {
	return s.Valid() && !s.IsTerminal()
}

// CheckTransition reports whether a job currently in from may move to to.
// Moving to the same status is not a transition and returns ErrNoChange.
// cancelPending marks a user cancel the spooler has not confirmed yet; such a
// job may still be overtaken by a real completed or aborted outcome.
func CheckTransition(from, to JobStatus, cancelPending bool) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidStatus, from, to)
	}
	if from == to {
		return ErrNoChange
	}
	if from.IsTerminal() {
		if cancelPending && from == JobStatusCanceled &&
			(to == JobStatusCompleted || to == JobStatusAborted) {
			return nil
		}
		return fmt.Errorf("%w: %s is terminal", ErrDowngrade, from)
	}
	if statusRank[to] < statusRank[from] {
		return fmt.Errorf("%w: %s -> %s", ErrDowngrade, from, to)
	}
	return nil
}

// SpoolerState is the IPP job-state enum reported by CUPS.
type SpoolerState int

const (
	SpoolerPending    SpoolerState = 3
	SpoolerHeld       SpoolerState = 4
	SpoolerProcessing SpoolerState = 5
	SpoolerStopped    SpoolerState = 6
	SpoolerCanceled   SpoolerState = 7
	SpoolerAborted    SpoolerState = 8
	SpoolerCompleted  SpoolerState = 9
)

var spoolerStatusMap = map[SpoolerState]JobStatus{
	SpoolerPending:    JobStatusSubmitted,
	SpoolerHeld:       JobStatusHeld,
	SpoolerProcessing: JobStatusProcessing,
	SpoolerStopped:    JobStatusHeld,
	SpoolerCanceled:   JobStatusCanceled,
	SpoolerAborted:    JobStatusAborted,
	SpoolerCompleted:  JobStatusCompleted,
}

func (s SpoolerState) String() string {
	switch s {
	case SpoolerPending:
		return "pending"
	case SpoolerHeld:
		return "pending-held"
	case SpoolerProcessing:
		return "processing"
	case SpoolerStopped:
		return "processing-stopped"
	case SpoolerCanceled:
		return "canceled"
	case SpoolerAborted:
		return "aborted"
	case SpoolerCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// LocalStatus maps a spooler state to the local status. ok is false for
// states outside the IPP enum.
func (s SpoolerState) LocalStatus() (JobStatus, bool) {
	st, ok := spoolerStatusMap[s]
	return st, ok
}

func (s SpoolerState) IsTerminal() bool {
	return s == SpoolerCanceled || s == SpoolerAborted || s == SpoolerCompleted
}
