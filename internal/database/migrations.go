package database

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/chorus/internal/projects"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRepairSnapshotVersions = "2026-10-01_repair_project_snapshot_versions"

// Snapshots predating the transactional append could lag the log.
const divergedSnapshotsSQL = `SELECT project_snapshots.document_id
FROM project_snapshots
WHERE project_snapshots.version <> (
	SELECT COALESCE(MAX(project_operations.version), 0)
	FROM project_operations
	WHERE project_operations.document_id = project_snapshots.document_id
)
ORDER BY project_snapshots.document_id ASC`

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB, *zap.Logger) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	migrations := []migrationDefinition{
		{name: migrationRepairSnapshotVersions, apply: repairSnapshotVersions},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(transaction *gorm.DB) error {
			if err := migration.apply(transaction, logger); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return transaction.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// repairSnapshotVersions rebuilds version and state of every diverged snapshot
// from its operation log. Documents whose log has a gap or cannot be replayed
// are left as they are.
func repairSnapshotVersions(db *gorm.DB, logger *zap.Logger) error {
	var documentIDs []int64
	if err := db.Raw(divergedSnapshotsSQL).Scan(&documentIDs).Error; err != nil {
		return err
	}
	if len(documentIDs) == 0 {
		return nil
	}

	store, err := projects.NewGormVersionStore(db)
	if err != nil {
		return err
	}
	coordinator, err := projects.NewCoordinator(projects.CoordinatorConfig{Store: store, Logger: logger})
	if err != nil {
		return err
	}
	ctx := context.Background()
	for _, rawID := range documentIDs {
		documentID, err := projects.NewDocumentID(rawID)
		if err != nil {
			return err
		}
		if _, err := coordinator.RepairSnapshot(ctx, documentID); err != nil {
			if errors.Is(err, projects.ErrSnapshotDiverged) || errors.Is(err, projects.ErrInvalidOperation) {
				logger.Warn("snapshot left unrepaired", zap.Int64("document_id", rawID), zap.Error(err))
				continue
			}
			return err
		}
	}
	return nil
}
