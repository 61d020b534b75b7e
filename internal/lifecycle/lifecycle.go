// Package lifecycle defines submission statuses and the transitions between
// them.
package lifecycle

import (
	"errors"
	"fmt"
)

type Status string

const (
	StatusPrivate        Status = "private"
	StatusDraftGenerated Status = "draft_generated"
	// StatusApproved exists in stored data from older moderation flows. Records
	// in it can still be decided, but nothing moves a record into it.
	StatusApproved  Status = "approved"
	StatusPublished Status = "published"
	StatusRejected  Status = "rejected"
)

var ErrUnknownStatus = errors.New("unknown status")

var transitions = map[Status][]Status{
	StatusPrivate:        {StatusDraftGenerated},
	StatusDraftGenerated: {StatusPublished, StatusRejected},
	StatusApproved:       {StatusPublished, StatusRejected},
}

// TransitionError reports a status change the graph does not allow. From is
// the record's actual status at the time of the attempt.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("cannot move submission from %s to %s", e.From, e.To)
}

func Parse(value string) (Status, error) {
	status := Status(value)
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, value)
	}
	return status, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusPrivate, StatusDraftGenerated, StatusApproved, StatusPublished, StatusRejected:
		return true
	default:
		return false
	}
}

func (s Status) IsTerminal() bool {
	return s == StatusPublished || s == StatusRejected
}

// Decidable reports whether a moderator may publish or reject from s.
func (s Status) Decidable() bool {
	return s == StatusDraftGenerated || s == StatusApproved
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Check returns a *TransitionError when from -> to is not an edge.
func Check(from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// Pending lists the non-terminal statuses, in display order.
func Pending() []Status {
	return []Status{StatusDraftGenerated, StatusApproved, StatusPrivate}
}

// Outcomes lists the statuses a moderator decision may target.
func Outcomes() []Status {
	return []Status{StatusPublished, StatusRejected}
}
