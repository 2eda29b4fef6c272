package postgres

import (
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/runbox/internal/audit"
)

// ExecutionRecordModel maps to the "execution_records" table.
// No UpdatedAt or DeletedAt: the trail is append-only and pruned by age.
type ExecutionRecordModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID  string    `gorm:"index"`
	Outcome    string    `gorm:"not null;index"`
	Status     int       `gorm:"not null"`
	DurationMS int64     `gorm:"not null;default:0"`
	CodeBytes  int       `gorm:"not null;default:0"`
	Error      string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"index"`
}

func (ExecutionRecordModel) TableName() string { return "execution_records" }

// Models lists every table, in creation order. The SQLite backend migrates
// the same set.
func Models() []any {
	return []any{
		&ExecutionRecordModel{},
	}
}

func toRecordModel(rec audit.Record) ExecutionRecordModel {
	id := rec.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return ExecutionRecordModel{
		ID:         id,
		SessionID:  rec.SessionID,
		Outcome:    rec.Outcome,
		Status:     rec.Status,
		DurationMS: rec.DurationMS,
		CodeBytes:  rec.CodeBytes,
		Error:      rec.Error,
		CreatedAt:  createdAt,
	}
}

func toRecordDomain(m *ExecutionRecordModel) audit.Record {
	return audit.Record{
		ID:         m.ID,
		SessionID:  m.SessionID,
		Outcome:    m.Outcome,
		Status:     m.Status,
		DurationMS: m.DurationMS,
		CodeBytes:  m.CodeBytes,
		Error:      m.Error,
		CreatedAt:  m.CreatedAt,
	}
}
