package history

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	dbmodel "flowwatch/internal/db"
	"flowwatch/internal/protocol"
	"flowwatch/internal/task"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Entry struct {
	TaskID       string
	Goal         string
	State        task.State
	Result       json.RawMessage
	Error        json.RawMessage
	PendingRunID string
	UpdateCount  int
	CreatedAt    time.Time
	LastModified time.Time
	CompletedAt  time.Time
}

type UpdateEntry struct {
	Seq        int
	Kind       protocol.Kind
	Status     string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore uses a db opened by the caller. Caller must not close the db while
// the store is in use.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Store{db: db, now: time.Now}, nil
}

// RecordTask upserts the task row and appends log entries not yet stored.
// Snapshots without an id are skipped.
func (s *Store) RecordTask(snap task.Snapshot) error {
	if s == nil || s.db == nil {
		return errors.New("history store is not initialized")
	}
	id := strings.TrimSpace(snap.ID)
	if id == "" {
		return nil
	}
	now := s.now().UTC().Unix()
	row := dbmodel.TaskRecord{
		TaskID:       id,
		Goal:         snap.Goal,
		State:        string(snap.State),
		ResultJSON:   string(snap.Result),
		UpdateCount:  len(snap.Log),
		CreatedAt:    now,
		LastModified: now,
	}
	if snap.Failure != nil {
		raw, err := json.Marshal(snap.Failure)
		if err != nil {
			return err
		}
		row.ErrorJSON = string(raw)
	}
	if snap.PendingApproval != nil {
		row.PendingRunID = snap.PendingApproval.WorkflowRunID
	}
	if snap.State.Terminal() {
		row.CompletedAt = now
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "task_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"goal":           gorm.Expr("CASE WHEN excluded.goal != '' THEN excluded.goal ELSE tasks.goal END"),
				"state":          row.State,
				"result_json":    row.ResultJSON,
				"error_json":     row.ErrorJSON,
				"pending_run_id": row.PendingRunID,
				"update_count":   row.UpdateCount,
				"last_modified":  now,
				"completed_at":   row.CompletedAt,
			}),
		}).Create(&row).Error; err != nil {
			return err
		}

		var stored int64
		if err := tx.Model(&dbmodel.TaskUpdateRecord{}).Where("task_id = ?", id).Count(&stored).Error; err != nil {
			return err
		}
		if int(stored) >= len(snap.Log) {
			return nil
		}
		rows := make([]dbmodel.TaskUpdateRecord, 0, len(snap.Log)-int(stored))
		for i := int(stored); i < len(snap.Log); i++ {
			u := snap.Log[i]
			rows = append(rows, dbmodel.TaskUpdateRecord{
				TaskID:      id,
				Seq:         i,
				Kind:        string(u.Kind),
				Status:      u.Status,
				PayloadJSON: string(u.Raw),
				ReceivedAt:  u.ReceivedAt.UTC().UnixMilli(),
			})
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
}

func (s *Store) List(limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("history store is not initialized")
	}
	if limit <= 0 {
		limit = 20
	}
	rows := make([]dbmodel.TaskRecord, 0, limit)
	if err := s.db.Order("last_modified DESC").Order("task_id").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, Entry{
			TaskID:       row.TaskID,
			Goal:         row.Goal,
			State:        task.State(row.State),
			Result:       rawOrNil(row.ResultJSON),
			Error:        rawOrNil(row.ErrorJSON),
			PendingRunID: row.PendingRunID,
			UpdateCount:  row.UpdateCount,
			CreatedAt:    unixOrZero(row.CreatedAt),
			LastModified: unixOrZero(row.LastModified),
			CompletedAt:  unixOrZero(row.CompletedAt),
		})
	}
	return entries, nil
}

func (s *Store) Updates(taskID string) ([]UpdateEntry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("history store is not initialized")
	}
	var rows []dbmodel.TaskUpdateRecord
	if err := s.db.Where("task_id = ?", strings.TrimSpace(taskID)).Order("seq").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]UpdateEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, UpdateEntry{
			Seq:        row.Seq,
			Kind:       protocol.Kind(row.Kind),
			Status:     row.Status,
			Payload:    rawOrNil(row.PayloadJSON),
			ReceivedAt: time.UnixMilli(row.ReceivedAt).UTC(),
		})
	}
	return out, nil
}

func (s *Store) Clear() error {
	if s == nil || s.db == nil {
		return errors.New("history store is not initialized")
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&dbmodel.TaskUpdateRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("1 = 1").Delete(&dbmodel.TaskRecord{}).Error
	})
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func unixOrZero(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}
