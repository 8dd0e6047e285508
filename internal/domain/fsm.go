package domain

import "fmt"

// validTransitions lists every allowed status change. A job moves forward only.
var validTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning},
	JobStatusRunning: {JobStatusDone, JobStatusError},
	JobStatusDone:    {},
	JobStatusError:   {},
}

// ValidateTransition returns ErrInvalidTransition if from cannot move to to.
func ValidateTransition(from, to JobStatus) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// IsTerminal reports whether no further transition is possible from status.
func IsTerminal(status JobStatus) bool {
	return status == JobStatusDone || status == JobStatusError
}

// Rank orders statuses along the lifecycle. Terminal states share the top rank.
func Rank(status JobStatus) int {
	switch status {
	case JobStatusPending:
		return 0
	case JobStatusRunning:
		return 1
	case JobStatusDone, JobStatusError:
		return 2
	default:
		return -1
	}
}
