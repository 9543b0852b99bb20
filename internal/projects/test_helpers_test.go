package projects

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const fixedUnixSeconds = 1700000000

func fixedClock() time.Time {
	return time.Unix(fixedUnixSeconds, 0).UTC()
}

func mustDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "projects.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := database.AutoMigrate(&Snapshot{}, &Operation{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func mustStore(t *testing.T, database *gorm.DB) *GormVersionStore {
	t.Helper()
	store, err := NewGormVersionStore(database)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func mustCoordinator(t *testing.T, store VersionStore) *Coordinator {
	t.Helper()
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Store: store,
		Clock: fixedClock,
	})
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	return coordinator
}

func mustDocumentID(t *testing.T, value int64) DocumentID {
	t.Helper()
	id, err := NewDocumentID(value)
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	return id
}

func mustPayloads(t *testing.T, values ...string) []OperationPayload {
	t.Helper()
	payloads := make([]OperationPayload, 0, len(values))
	for _, value := range values {
		payload, err := NewOperationPayload(value)
		if err != nil {
			t.Fatalf("unexpected payload error: %v", err)
		}
		payloads = append(payloads, payload)
	}
	return payloads
}

func mustOpenDocument(t *testing.T, coordinator *Coordinator, documentID DocumentID) SnapshotRecord {
	t.Helper()
	snapshot, err := coordinator.Snapshot(context.Background(), documentID)
	if err != nil {
		t.Fatalf("failed to open document: %v", err)
	}
	return snapshot
}

func storedVersions(t *testing.T, database *gorm.DB, documentID DocumentID) []int64 {
	t.Helper()
	var versions []int64
	if err := database.Model(&Operation{}).
		Where("document_id = ?", documentID.Int64()).
		Order("version ASC").
		Pluck("version", &versions).Error; err != nil {
		t.Fatalf("failed to load stored versions: %v", err)
	}
	return versions
}

func assertContiguous(t *testing.T, versions []int64, expectedHighWater int64) {
	t.Helper()
	if int64(len(versions)) != expectedHighWater {
		t.Fatalf("expected %d stored versions, got %d (%v)", expectedHighWater, len(versions), versions)
	}
	for index, version := range versions {
		if version != int64(index+1) {
			t.Fatalf("expected version %d at index %d, got %d", index+1, index, version)
		}
	}
}

// racingStore runs a competing action right before delegating the first append,
// after the coordinator has already read the version it intends to extend.
type racingStore struct {
	VersionStore
	beforeAppend func()
}

func (store *racingStore) AppendOperations(ctx context.Context, documentID DocumentID, expectedVersion Version, operations []VersionedOperation, state StateBlob, committedAt time.Time) error {
	if store.beforeAppend != nil {
		race := store.beforeAppend
		store.beforeAppend = nil
		race()
	}
	return store.VersionStore.AppendOperations(ctx, documentID, expectedVersion, operations, state, committedAt)
}
