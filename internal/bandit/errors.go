package bandit

import "errors"

var (
	// ErrUnknownArm is returned when a reward update names an arm that
	// was never registered. Input error, surfaced to the caller.
	ErrUnknownArm = errors.New("unknown bandit arm")

	// ErrNoArms is returned when selection is requested before any arm
	// has been registered.
	ErrNoArms = errors.New("no arms registered")

	// ErrSingularMatrix indicates the precision matrix failed its
	// conditioning check during inversion. Fatal: it means the ridge
	// regularization is insufficient and must never be swallowed.
	ErrSingularMatrix = errors.New("precision matrix is singular")

	// ErrDimensionMismatch is returned when a context vector does not
	// match the configured feature count.
	ErrDimensionMismatch = errors.New("context vector dimension mismatch")
)
