package sensor

import "errors"

// Per-sweep and per-sample failure classes. Callers wrap these with context
// and test with errors.Is.
var (
	// ErrStaleInput marks a pose or sweep older than data already consumed.
	ErrStaleInput = errors.New("stale input")
	// ErrInsufficientCoverage means the inertial buffer does not yet span the
	// requested interval. The sweep should be retried later.
	ErrInsufficientCoverage = errors.New("insufficient inertial coverage")
	// ErrShortInertialWindow means too few inertial samples fall inside the
	// interval to deskew reliably.
	ErrShortInertialWindow = errors.New("short inertial window")
	// ErrUnmatchedOverwrite reports a pending sweep replaced by a newer one.
	ErrUnmatchedOverwrite = errors.New("unmatched sweep overwritten")
	// ErrOrderingViolation reports a sample whose timestamp does not advance.
	// It indicates an upstream contract breach and is escalated.
	ErrOrderingViolation = errors.New("timestamp ordering violation")
	// ErrInvalidPose reports a pose whose orientation cannot be normalized.
	ErrInvalidPose = errors.New("invalid pose orientation")
	// ErrOutsideTrajectory reports points whose capture time is not covered
	// by the propagated trajectory.
	ErrOutsideTrajectory = errors.New("point outside trajectory")
)
