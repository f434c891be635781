package db

import (
	"errors"

	"gorm.io/gorm"
)

// SyncSchema creates/updates tables and indexes from models.
func SyncSchema(db *gorm.DB) error {
	if db == nil {
		return errors.New("db is required")
	}
	if err := db.AutoMigrate(
		&Credential{},
		&TaskRecord{},
		&TaskUpdateRecord{},
	); err != nil {
		return err
	}
	for _, stmt := range []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_task_updates_task_seq ON task_updates(task_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_last_modified ON tasks(last_modified DESC);`,
	} {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
