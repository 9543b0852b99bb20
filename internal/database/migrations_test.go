package database

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/chorus/internal/projects"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsRepairsSnapshotVersions(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&projects.Snapshot{}, &projects.Operation{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	lagging := projects.Snapshot{DocumentID: 1, StateBlob: "{}", Version: 1}
	ahead := projects.Snapshot{DocumentID: 2, StateBlob: `{"stale":true}`, Version: 5}
	gapped := projects.Snapshot{DocumentID: 3, StateBlob: `{"kept":true}`, Version: 1}
	if err := database.Create([]*projects.Snapshot{&lagging, &ahead, &gapped}).Error; err != nil {
		testContext.Fatalf("failed to insert snapshots: %v", err)
	}
	operations := []projects.Operation{
		{DocumentID: 1, Version: 1, Payload: `{"a":1}`},
		{DocumentID: 1, Version: 2, Payload: `{"b":2}`},
		{DocumentID: 1, Version: 3, Payload: `{"c":3}`},
		{DocumentID: 3, Version: 2, Payload: `{"d":4}`},
	}
	if err := database.Create(&operations).Error; err != nil {
		testContext.Fatalf("failed to insert operations: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var repaired []projects.Snapshot
	if err := database.Order("document_id ASC").Find(&repaired).Error; err != nil {
		testContext.Fatalf("failed to reload snapshots: %v", err)
	}
	if len(repaired) != 3 {
		testContext.Fatalf("expected three snapshots, got %d", len(repaired))
	}
	if repaired[0].Version != 3 {
		testContext.Fatalf("expected lagging snapshot to reach version 3, got %d", repaired[0].Version)
	}
	var state map[string]int
	if err := json.Unmarshal([]byte(repaired[0].StateBlob), &state); err != nil {
		testContext.Fatalf("failed to decode repaired state: %v", err)
	}
	if state["a"] != 1 || state["b"] != 2 || state["c"] != 3 {
		testContext.Fatalf("expected repaired state to fold every logged operation, got %s", repaired[0].StateBlob)
	}
	if repaired[1].Version != 0 || repaired[1].StateBlob != "{}" {
		testContext.Fatalf("expected snapshot without operations to reset to an empty version 0, got %d %s", repaired[1].Version, repaired[1].StateBlob)
	}
	if repaired[2].Version != 1 || repaired[2].StateBlob != `{"kept":true}` {
		testContext.Fatalf("expected snapshot over a gapped log to stay untouched, got %d %s", repaired[2].Version, repaired[2].StateBlob)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationRepairSnapshotVersions).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "once.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&projects.Snapshot{}, &projects.Operation{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	if err := applyMigrations(database, nil); err != nil {
		testContext.Fatalf("first run failed: %v", err)
	}

	drifted := projects.Snapshot{DocumentID: 9, StateBlob: "{}", Version: 4}
	if err := database.Create(&drifted).Error; err != nil {
		testContext.Fatalf("failed to insert snapshot: %v", err)
	}
	if err := applyMigrations(database, nil); err != nil {
		testContext.Fatalf("second run failed: %v", err)
	}

	var stored projects.Snapshot
	if err := database.Where("document_id = ?", 9).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload snapshot: %v", err)
	}
	if stored.Version != 4 {
		testContext.Fatalf("expected applied migration to be skipped, got version %d", stored.Version)
	}
}

func TestOpenMigratesEveryTable(testContext *testing.T) {
	database, err := Open(DriverSQLite, filepath.Join(testContext.TempDir(), "open.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"project_snapshots", "project_operations", "voice_sessions", "user_identities", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
	if _, err := Open("mysql", "dsn", nil); err == nil {
		testContext.Fatalf("expected unsupported driver to be rejected")
	}
}
