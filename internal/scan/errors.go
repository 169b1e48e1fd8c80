package scan

import "errors"

// Sentinel errors returned by the scan core. Callers match them with errors.Is;
// implementations wrap them with context.
var (
	// ErrAdmissionConflict means a running job already exists for the category.
	ErrAdmissionConflict = errors.New("admission conflict")
	// ErrSecurityBlocked means the posture gate refuses new scans until reset.
	ErrSecurityBlocked = errors.New("security blocked")
	// ErrUnknownJob means the job id does not exist.
	ErrUnknownJob = errors.New("unknown job")
	// ErrInvalidTransition means the job is already terminal.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrValidation means the caller supplied invalid input.
	ErrValidation = errors.New("validation error")
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("not found")
)
