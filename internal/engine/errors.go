package engine

import (
	"errors"
	"fmt"

	"reviewline/internal/review"
)

// Guard failures. The server maps each of these to a distinct UI outcome;
// none of them is an infrastructure error.
var (
	// ErrNotStarted: no stream exists for the review id.
	ErrNotStarted = errors.New("review has not been started")
	// ErrStartedByAnotherUser: the caller is not the starting author. Kept
	// distinct from ErrNotStarted even though both present as not-found.
	ErrStartedByAnotherUser = errors.New("review was started by another user")
	// ErrBeingPublished: the publish workflow owns the review now.
	ErrBeingPublished = errors.New("review is being published")
	// ErrPublished: the review is immutable.
	ErrPublished = errors.New("review has been published")
)

// Infrastructure failures, wrapped around their cause so the full chain is
// loggable while callers match on the sentinel.
var (
	ErrUnableToHandleCommand = errors.New("unable to handle command")
	ErrUnableToQuery         = errors.New("unable to query")
)

// AlreadyStartedError carries the id of the author's open review for the same
// subject so the caller can redirect into it.
type AlreadyStartedError struct {
	ReviewID string
}

func (e AlreadyStartedError) Error() string {
	return fmt.Sprintf("review %s was already started for this subject", e.ReviewID)
}

// IncompleteError rejects a publish request, naming the first missing step.
type IncompleteError struct {
	Missing review.Step
}

func (e IncompleteError) Error() string {
	return fmt.Sprintf("review is incomplete: next expected step is %s", e.Missing)
}

// ValidationError rejects a malformed answer payload. Field-level, never a 5xx.
type ValidationError struct {
	Step   review.Step
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid answer for %s: %s", e.Step, e.Reason)
}

func commandErr(err error) error {
	return fmt.Errorf("%w: %w", ErrUnableToHandleCommand, err)
}

func queryErr(err error) error {
	return fmt.Errorf("%w: %w", ErrUnableToQuery, err)
}
