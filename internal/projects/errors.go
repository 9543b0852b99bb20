package projects

import (
	"errors"
	"fmt"
)

var (
	// ErrDocumentNotFound indicates that the referenced document has no snapshot row.
	ErrDocumentNotFound = errors.New("projects: document not found")
	// ErrVersionConflict indicates that the caller must refetch the current version and resubmit.
	ErrVersionConflict = errors.New("projects: version conflict")
	// ErrDuplicateVersion indicates that another submission already claimed a target version slot.
	ErrDuplicateVersion = errors.New("projects: duplicate version")
	// ErrStoreUnavailable indicates that the durable store failed.
	ErrStoreUnavailable = errors.New("projects: store unavailable")
	// ErrSnapshotDiverged indicates that replaying the log does not reproduce the stored snapshot.
	ErrSnapshotDiverged = errors.New("projects: snapshot diverged from log")

	errMissingStore = errors.New("version store is required")
)

// ServiceError tags a failure with a stable "<operation>.<reason>" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ConflictError reports the authoritative version a rejected submission must rebase on.
type ConflictError struct {
	DocumentID     DocumentID
	BaseVersion    Version
	CurrentVersion Version
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: document %d base %d current %d", ErrVersionConflict, e.DocumentID, e.BaseVersion, e.CurrentVersion)
}

func (e *ConflictError) Unwrap() error {
	return ErrVersionConflict
}

// AsConflict extracts the ConflictError carried by err, if any.
func AsConflict(err error) (*ConflictError, bool) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}
