package outbox

import "fmt"

// Status represents a valid outbox record lifecycle state.
type Status string

const (
	// StatusPending marks a record waiting for the relay to pick it up.
	StatusPending Status = "PENDING"
	// StatusClaimed marks a record leased by a relay instance. Claims are
	// only used when the relay runs with a claim lease enabled.
	StatusClaimed Status = "CLAIMED"
	// StatusPublished marks a record confirmed by the broker. Terminal.
	StatusPublished Status = "PUBLISHED"
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusClaimed, StatusPublished:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from status to next is allowed.
// Published records never return to an earlier state.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusClaimed || next == StatusPublished
	case StatusClaimed:
		return next == StatusPending || next == StatusPublished
	case StatusPublished:
		return false
	default:
		return false
	}
}

func (status Status) String() string {
	return string(status)
}
