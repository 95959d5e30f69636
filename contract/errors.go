package contract

import "errors"

// Failure kinds surfaced by core operations. Every rejection wraps exactly
// one of these with fmt.Errorf("...: %w", ...) so callers can branch with
// errors.Is and surface the specific kind instead of a generic failure.
// A rejected operation leaves all ledger state unchanged.
var (
	// ErrUnauthorized: caller is not on the relevant allow-list or does not
	// hold the required role/index.
	ErrUnauthorized = errors.New("unauthorized")

	// Idempotency guards. Expected outcomes of racing submissions; callers
	// should not retry.
	ErrAlreadyRegistered = errors.New("already registered")
	ErrAlreadyActivated  = errors.New("already activated")
	ErrAlreadyVoted      = errors.New("already voted")
	ErrAlreadyClaimed    = errors.New("already claimed")

	// Input / economic validation. Caller must correct and resubmit.
	ErrInvalidFlightWindow  = errors.New("invalid flight window")
	ErrIncorrectFee         = errors.New("incorrect fee")
	ErrInsufficientCoverage = errors.New("insufficient coverage")

	// ErrConsensusNotReached: governance precondition unmet.
	ErrConsensusNotReached = errors.New("consensus not reached")

	// ErrRequestNotOpen: stale oracle interaction with a resolved request.
	ErrRequestNotOpen = errors.New("request not open")

	// ErrNotFound: no record for the given key.
	ErrNotFound = errors.New("not found")
)

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
