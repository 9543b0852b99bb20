package projects

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const (
	opReplay             = "projects.replay"
	opVerifySnapshot     = "projects.verify_snapshot"
	opRepairSnapshot     = "projects.repair_snapshot"
	reasonLogGap         = "log_gap"
	reasonReplayRejected = "replay_rejected"
)

// ReplayResult is the document state rebuilt from the operation log.
type ReplayResult struct {
	State   StateBlob
	Version Version
}

// SnapshotVerification compares the stored snapshot with a replay of the log.
type SnapshotVerification struct {
	Stored     SnapshotRecord
	Replayed   ReplayResult
	Consistent bool
}

// Replay rebuilds the document state by applying every logged operation to an empty state.
func (c *Coordinator) Replay(ctx context.Context, documentID DocumentID) (ReplayResult, error) {
	operations, err := c.store.ReadOperationsFrom(ctx, documentID, 0)
	if err != nil {
		return ReplayResult{}, c.storeError(opReplay, documentID, err)
	}

	state := StateBlob(emptyStateBlob)
	var version Version
	for _, operation := range operations {
		if operation.Version() != version+1 {
			gapErr := fmt.Errorf("%w: expected version %d, found %d", ErrSnapshotDiverged, version+1, operation.Version())
			c.logError(opReplay, reasonLogGap, gapErr, zap.Int64(fieldDocumentID, documentID.Int64()))
			return ReplayResult{}, newServiceError(opReplay, reasonLogGap, gapErr)
		}
		next, applyErr := c.reducer.Apply(state, operation.Payload())
		if applyErr != nil {
			c.logError(opReplay, reasonReplayRejected, applyErr,
				zap.Int64(fieldDocumentID, documentID.Int64()),
				zap.Int64("version", operation.Version().Int64()))
			return ReplayResult{}, newServiceError(opReplay, reasonReplayRejected, applyErr)
		}
		state = next
		version = operation.Version()
	}
	return ReplayResult{State: state, Version: version}, nil
}

// VerifySnapshot reports whether the stored snapshot matches a full replay of the log.
func (c *Coordinator) VerifySnapshot(ctx context.Context, documentID DocumentID) (SnapshotVerification, error) {
	stored, err := c.store.ReadSnapshot(ctx, documentID)
	if err != nil {
		return SnapshotVerification{}, c.storeError(opVerifySnapshot, documentID, err)
	}
	replayed, err := c.Replay(ctx, documentID)
	if err != nil {
		return SnapshotVerification{}, err
	}
	consistent := stored.Version() == replayed.Version && c.reducer.Equivalent(stored.State(), replayed.State)
	return SnapshotVerification{
		Stored:     stored,
		Replayed:   replayed,
		Consistent: consistent,
	}, nil
}

// RepairSnapshot overwrites the stored snapshot with the replayed state when they differ.
func (c *Coordinator) RepairSnapshot(ctx context.Context, documentID DocumentID) (SnapshotRecord, error) {
	unlock := c.documentLocks.Lock(documentID)
	defer unlock()

	verification, err := c.VerifySnapshot(ctx, documentID)
	if err != nil {
		return SnapshotRecord{}, err
	}
	if verification.Consistent {
		return verification.Stored, nil
	}

	c.logger.Warn("repairing diverged snapshot",
		zap.Int64(fieldDocumentID, documentID.Int64()),
		zap.Int64("stored_version", verification.Stored.Version().Int64()),
		zap.Int64("replayed_version", verification.Replayed.Version.Int64()))

	repairedAt := c.clock().UTC()
	if err := c.store.WriteSnapshot(ctx, documentID, verification.Replayed.Version, verification.Replayed.State, repairedAt); err != nil {
		return SnapshotRecord{}, c.storeError(opRepairSnapshot, documentID, err)
	}
	repaired, err := c.store.ReadSnapshot(ctx, documentID)
	if err != nil {
		return SnapshotRecord{}, c.storeError(opRepairSnapshot, documentID, err)
	}
	return repaired, nil
}
