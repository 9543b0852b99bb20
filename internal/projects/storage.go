package projects

// Snapshot stores the materialized state and version pointer of a project document.
type Snapshot struct {
	DocumentID       int64  `gorm:"column:document_id;primaryKey;autoIncrement:false"`
	StateBlob        string `gorm:"column:state_blob;type:text;not null"`
	Version          int64  `gorm:"column:version;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Snapshot) TableName() string {
	return "project_snapshots"
}

// Operation stores an append-only operation in a document's log.
type Operation struct {
	OperationID       int64  `gorm:"column:operation_id;primaryKey;autoIncrement"`
	DocumentID        int64  `gorm:"column:document_id;not null;uniqueIndex:idx_project_operation_slot,priority:1"`
	Version           int64  `gorm:"column:version;not null;uniqueIndex:idx_project_operation_slot,priority:2"`
	Payload           string `gorm:"column:payload;type:text;not null"`
	InsertedAtSeconds int64  `gorm:"column:inserted_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Operation) TableName() string {
	return "project_operations"
}
