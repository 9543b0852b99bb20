package projects

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnDocumentID     = "document_id"
	columnVersion        = "version"
	queryDocument        = columnDocumentID + " = ?"
	queryDocumentVersion = columnDocumentID + " = ? AND " + columnVersion + " = ?"
	queryDocumentSince   = columnDocumentID + " = ? AND " + columnVersion + " > ?"
	orderVersionAsc      = columnVersion + " ASC"
	pgUniqueViolation    = "23505"
)

var errNonContiguousBatch = errors.New("projects: operations must claim contiguous versions after the expected version")

// VersionStore is the durable ledger of operations and snapshots consumed by the Coordinator.
type VersionStore interface {
	EnsureSnapshot(ctx context.Context, documentID DocumentID, createdAt time.Time) (SnapshotRecord, error)
	ReadSnapshot(ctx context.Context, documentID DocumentID) (SnapshotRecord, error)
	WriteSnapshot(ctx context.Context, documentID DocumentID, version Version, state StateBlob, updatedAt time.Time) error
	AppendOperations(ctx context.Context, documentID DocumentID, expectedVersion Version, operations []VersionedOperation, state StateBlob, committedAt time.Time) error
	ReadOperationsFrom(ctx context.Context, documentID DocumentID, sinceExclusive Version) ([]OperationRecord, error)
}

// GormVersionStore implements VersionStore on a relational database through GORM.
type GormVersionStore struct {
	db *gorm.DB
}

// NewGormVersionStore wraps the provided database handle.
func NewGormVersionStore(db *gorm.DB) (*GormVersionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("projects: database connection required")
	}
	return &GormVersionStore{db: db}, nil
}

// EnsureSnapshot creates an empty snapshot at version 0 unless one already exists.
func (store *GormVersionStore) EnsureSnapshot(ctx context.Context, documentID DocumentID, createdAt time.Time) (SnapshotRecord, error) {
	seed := Snapshot{
		DocumentID:       documentID.Int64(),
		StateBlob:        emptyStateBlob,
		Version:          0,
		UpdatedAtSeconds: createdAt.UTC().Unix(),
	}
	if err := store.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return SnapshotRecord{}, storeFailure(err)
	}
	return store.ReadSnapshot(ctx, documentID)
}

// ReadSnapshot loads the snapshot row of a document.
func (store *GormVersionStore) ReadSnapshot(ctx context.Context, documentID DocumentID) (SnapshotRecord, error) {
	var snapshot Snapshot
	err := store.db.WithContext(ctx).Where(queryDocument, documentID.Int64()).Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SnapshotRecord{}, ErrDocumentNotFound
	}
	if err != nil {
		return SnapshotRecord{}, storeFailure(err)
	}
	return snapshotRecordFromModel(snapshot), nil
}

// WriteSnapshot replaces the state and version pointer of an existing snapshot.
func (store *GormVersionStore) WriteSnapshot(ctx context.Context, documentID DocumentID, version Version, state StateBlob, updatedAt time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&Snapshot{}).
		Where(queryDocument, documentID.Int64()).
		Updates(map[string]any{
			"state_blob":   state.String(),
			"version":      version.Int64(),
			"updated_at_s": updatedAt.UTC().Unix(),
		})
	if result.Error != nil {
		return storeFailure(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// AppendOperations inserts the operations and advances the snapshot in one transaction.
// The snapshot only advances when its version still equals expectedVersion; a moved
// version or a taken (document_id, version) slot yields ErrDuplicateVersion and no writes.
func (store *GormVersionStore) AppendOperations(ctx context.Context, documentID DocumentID, expectedVersion Version, operations []VersionedOperation, state StateBlob, committedAt time.Time) error {
	if len(operations) == 0 {
		return nil
	}
	for index, operation := range operations {
		if operation.Version != expectedVersion+Version(index+1) {
			return fmt.Errorf("%w: slot %d holds version %d", errNonContiguousBatch, index, operation.Version)
		}
	}

	committedAtSeconds := committedAt.UTC().Unix()
	newVersion := operations[len(operations)-1].Version

	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		advance := transaction.Model(&Snapshot{}).
			Where(queryDocumentVersion, documentID.Int64(), expectedVersion.Int64()).
			Updates(map[string]any{
				"state_blob":   state.String(),
				"version":      newVersion.Int64(),
				"updated_at_s": committedAtSeconds,
			})
		if advance.Error != nil {
			return advance.Error
		}
		if advance.RowsAffected == 0 {
			var count int64
			if err := transaction.Model(&Snapshot{}).Where(queryDocument, documentID.Int64()).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrDocumentNotFound
			}
			return ErrDuplicateVersion
		}

		rows := make([]Operation, 0, len(operations))
		for _, operation := range operations {
			rows = append(rows, Operation{
				DocumentID:        documentID.Int64(),
				Version:           operation.Version.Int64(),
				Payload:           operation.Payload.String(),
				InsertedAtSeconds: committedAtSeconds,
			})
		}
		if err := transaction.Create(&rows).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateVersion
			}
			return err
		}
		return nil
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDuplicateVersion), errors.Is(err, ErrDocumentNotFound):
		return err
	default:
		return storeFailure(err)
	}
}

// ReadOperationsFrom returns the operations after sinceExclusive in ascending version order.
func (store *GormVersionStore) ReadOperationsFrom(ctx context.Context, documentID DocumentID, sinceExclusive Version) ([]OperationRecord, error) {
	if _, err := store.ReadSnapshot(ctx, documentID); err != nil {
		return nil, err
	}

	var operations []Operation
	if err := store.db.WithContext(ctx).
		Where(queryDocumentSince, documentID.Int64(), sinceExclusive.Int64()).
		Order(orderVersionAsc).
		Find(&operations).Error; err != nil {
		return nil, storeFailure(err)
	}

	records := make([]OperationRecord, 0, len(operations))
	for _, operation := range operations {
		records = append(records, OperationRecord{
			documentID: DocumentID(operation.DocumentID),
			version:    Version(operation.Version),
			payload:    OperationPayload(operation.Payload),
			insertedAt: time.Unix(operation.InsertedAtSeconds, 0).UTC(),
		})
	}
	return records, nil
}

func snapshotRecordFromModel(snapshot Snapshot) SnapshotRecord {
	return SnapshotRecord{
		documentID: DocumentID(snapshot.DocumentID),
		state:      StateBlob(snapshot.StateBlob),
		version:    Version(snapshot.Version),
		updatedAt:  time.Unix(snapshot.UpdatedAtSeconds, 0).UTC(),
	}
}

func storeFailure(err error) error {
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
