package projects

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidDocumentID indicates that a document identifier is not positive.
	ErrInvalidDocumentID = errors.New("projects: invalid document id")
	// ErrInvalidVersion indicates that a version number is negative.
	ErrInvalidVersion = errors.New("projects: invalid version")
	// ErrInvalidOperation indicates that an operation payload is empty or cannot be applied.
	ErrInvalidOperation = errors.New("projects: invalid operation")
	// ErrInvalidState indicates that a snapshot state blob is empty or malformed.
	ErrInvalidState = errors.New("projects: invalid state")
)

const emptyStateBlob = "{}"

// DocumentID represents a validated project document identifier.
type DocumentID int64

// NewDocumentID validates the value and returns a DocumentID.
func NewDocumentID(value int64) (DocumentID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDocumentID, value)
	}
	return DocumentID(value), nil
}

// Int64 returns the identifier as an int64.
func (id DocumentID) Int64() int64 {
	return int64(id)
}

// Version is a per-document sequence number; it also counts applied operations.
type Version int64

// NewVersion validates the value and returns a Version.
func NewVersion(value int64) (Version, error) {
	if value < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidVersion, value)
	}
	return Version(value), nil
}

// Int64 returns the version as an int64.
func (version Version) Int64() int64 {
	return int64(version)
}

// OperationPayload stores a validated, otherwise opaque operation payload.
type OperationPayload string

// NewOperationPayload validates raw input and returns an OperationPayload.
func NewOperationPayload(rawInput string) (OperationPayload, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOperation)
	}
	return OperationPayload(trimmed), nil
}

// String returns the payload as a string.
func (payload OperationPayload) String() string {
	return string(payload)
}

// StateBlob stores serialized application state for a document.
type StateBlob string

// NewStateBlob validates raw input and returns a StateBlob.
func NewStateBlob(rawInput string) (StateBlob, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidState)
	}
	if !json.Valid([]byte(trimmed)) {
		return "", fmt.Errorf("%w: not json", ErrInvalidState)
	}
	return StateBlob(trimmed), nil
}

// String returns the state blob as a string.
func (state StateBlob) String() string {
	return string(state)
}

// VersionedOperation is an operation payload with its claimed version slot.
type VersionedOperation struct {
	Version Version
	Payload OperationPayload
}

// SnapshotRecord captures the stored snapshot of a document.
type SnapshotRecord struct {
	documentID DocumentID
	state      StateBlob
	version    Version
	updatedAt  time.Time
}

// DocumentID returns the snapshot's document identifier.
func (record SnapshotRecord) DocumentID() DocumentID {
	return record.documentID
}

// State returns the materialized document state.
func (record SnapshotRecord) State() StateBlob {
	return record.state
}

// Version returns the high-water mark of the document's operation log.
func (record SnapshotRecord) Version() Version {
	return record.version
}

// UpdatedAt returns the time of the last commit.
func (record SnapshotRecord) UpdatedAt() time.Time {
	return record.updatedAt
}

// OperationRecord captures an operation stored in the log.
type OperationRecord struct {
	documentID DocumentID
	version    Version
	payload    OperationPayload
	insertedAt time.Time
}

// DocumentID returns the operation's document identifier.
func (record OperationRecord) DocumentID() DocumentID {
	return record.documentID
}

// Version returns the version slot claimed by the operation.
func (record OperationRecord) Version() Version {
	return record.version
}

// Payload returns the operation payload.
func (record OperationRecord) Payload() OperationPayload {
	return record.payload
}

// InsertedAt returns the time the operation was committed.
func (record OperationRecord) InsertedAt() time.Time {
	return record.insertedAt
}
