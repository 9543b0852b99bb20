package projects

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/chorus/internal/keyedlock"
	"go.uber.org/zap"
)

const (
	opCoordinatorNew        = "projects.coordinator.new"
	opSubmitOperations      = "projects.submit_operations"
	opGetSnapshot           = "projects.get_snapshot"
	opGetOperationsSince    = "projects.get_operations_since"
	fieldDocumentID         = "document_id"
	fieldBaseVersion        = "base_version"
	fieldCurrentVersion     = "current_version"
	reasonMissingStore      = "missing_store"
	reasonDocumentNotFound  = "document_not_found"
	reasonBaseVersionAhead  = "base_version_ahead"
	reasonVersionRaceLost   = "version_race_lost"
	reasonOperationRejected = "operation_rejected"
	reasonStoreFailed       = "store_failed"
)

var noOpLogger = zap.NewNop()

// CommitObserver receives every non-empty committed batch. It runs while the
// document is locked, so calls for one document arrive in version order.
type CommitObserver func(SubmitResult)

// CoordinatorConfig describes the dependencies of a Coordinator.
type CoordinatorConfig struct {
	Store    VersionStore
	Reducer  Reducer
	Clock    func() time.Time
	Observer CommitObserver
	Logger   *zap.Logger
}

// Coordinator accepts operation batches against a claimed base version and
// owns the allocation of version numbers. Submissions to one document are
// serialized within the process; the store arbitrates between processes.
type Coordinator struct {
	store         VersionStore
	reducer       Reducer
	clock         func() time.Time
	observer      CommitObserver
	documentLocks *keyedlock.Locker[DocumentID]
	logger        *zap.Logger
}

// NewCoordinator validates the configuration and returns a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opCoordinatorNew, reasonMissingStore, errMissingStore)
	}
	reducer := cfg.Reducer
	if reducer == nil {
		reducer = NewMergePatchReducer()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Coordinator{
		store:         cfg.Store,
		reducer:       reducer,
		clock:         clock,
		observer:      cfg.Observer,
		documentLocks: keyedlock.New[DocumentID](),
		logger:        logger,
	}, nil
}

// SubmitResult describes a committed (or empty) submission.
type SubmitResult struct {
	DocumentID   DocumentID
	FirstVersion Version
	NewVersion   Version
	AppliedCount int
	CommittedAt  time.Time
}

// Submit appends the batch after the document's current version.
//
// A base version ahead of the current version is rejected with a ConflictError.
// Any base version at or behind it is accepted: the batch is appended after the
// current high-water mark. When a concurrent submission claims the same slots
// first, the caller receives a ConflictError with the re-read current version.
func (c *Coordinator) Submit(ctx context.Context, documentID DocumentID, baseVersion Version, payloads []OperationPayload) (SubmitResult, error) {
	unlock := c.documentLocks.Lock(documentID)
	defer unlock()

	snapshot, err := c.store.ReadSnapshot(ctx, documentID)
	if err != nil {
		return SubmitResult{}, c.storeError(opSubmitOperations, documentID, err)
	}

	current := snapshot.Version()
	if baseVersion > current {
		conflict := &ConflictError{DocumentID: documentID, BaseVersion: baseVersion, CurrentVersion: current}
		c.logger.Info("submission base version ahead of document",
			zap.Int64(fieldDocumentID, documentID.Int64()),
			zap.Int64(fieldBaseVersion, baseVersion.Int64()),
			zap.Int64(fieldCurrentVersion, current.Int64()))
		return SubmitResult{}, newServiceError(opSubmitOperations, reasonBaseVersionAhead, conflict)
	}

	if len(payloads) == 0 {
		return SubmitResult{
			DocumentID:   documentID,
			FirstVersion: current,
			NewVersion:   current,
			AppliedCount: 0,
			CommittedAt:  snapshot.UpdatedAt(),
		}, nil
	}

	state := snapshot.State()
	operations := make([]VersionedOperation, 0, len(payloads))
	for index, payload := range payloads {
		next, applyErr := c.reducer.Apply(state, payload)
		if applyErr != nil {
			c.logError(opSubmitOperations, reasonOperationRejected, applyErr,
				zap.Int64(fieldDocumentID, documentID.Int64()),
				zap.Int("operation_index", index))
			return SubmitResult{}, newServiceError(opSubmitOperations, reasonOperationRejected, applyErr)
		}
		state = next
		operations = append(operations, VersionedOperation{
			Version: current + Version(index+1),
			Payload: payload,
		})
	}

	committedAt := c.clock().UTC()
	appendErr := c.store.AppendOperations(ctx, documentID, current, operations, state, committedAt)
	if errors.Is(appendErr, ErrDuplicateVersion) {
		latest, readErr := c.store.ReadSnapshot(ctx, documentID)
		if readErr != nil {
			return SubmitResult{}, c.storeError(opSubmitOperations, documentID, readErr)
		}
		conflict := &ConflictError{DocumentID: documentID, BaseVersion: baseVersion, CurrentVersion: latest.Version()}
		c.logger.Info("submission lost version race",
			zap.Int64(fieldDocumentID, documentID.Int64()),
			zap.Int64(fieldBaseVersion, baseVersion.Int64()),
			zap.Int64(fieldCurrentVersion, latest.Version().Int64()))
		return SubmitResult{}, newServiceError(opSubmitOperations, reasonVersionRaceLost, conflict)
	}
	if appendErr != nil {
		return SubmitResult{}, c.storeError(opSubmitOperations, documentID, appendErr)
	}

	result := SubmitResult{
		DocumentID:   documentID,
		FirstVersion: current + 1,
		NewVersion:   current + Version(len(operations)),
		AppliedCount: len(operations),
		CommittedAt:  committedAt,
	}
	if c.observer != nil {
		c.observer(result)
	}
	return result, nil
}

// Snapshot returns the document snapshot, creating an empty one on first access.
func (c *Coordinator) Snapshot(ctx context.Context, documentID DocumentID) (SnapshotRecord, error) {
	snapshot, err := c.store.EnsureSnapshot(ctx, documentID, c.clock().UTC())
	if err != nil {
		return SnapshotRecord{}, c.storeError(opGetSnapshot, documentID, err)
	}
	return snapshot, nil
}

// OperationsSince returns every operation committed after the given version, in version order.
func (c *Coordinator) OperationsSince(ctx context.Context, documentID DocumentID, sinceExclusive Version) ([]OperationRecord, error) {
	operations, err := c.store.ReadOperationsFrom(ctx, documentID, sinceExclusive)
	if err != nil {
		return nil, c.storeError(opGetOperationsSince, documentID, err)
	}
	return operations, nil
}

func (c *Coordinator) storeError(operation string, documentID DocumentID, err error) error {
	if errors.Is(err, ErrDocumentNotFound) {
		return newServiceError(operation, reasonDocumentNotFound, err)
	}
	c.logError(operation, reasonStoreFailed, err, zap.Int64(fieldDocumentID, documentID.Int64()))
	if !errors.Is(err, ErrStoreUnavailable) {
		err = storeFailure(err)
	}
	return newServiceError(operation, reasonStoreFailed, err)
}

func (c *Coordinator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("projects coordinator error", attrs...)
}
