// Package taskstore is the durable, queryable counterpart to the
// orchestrator's in-memory Task: every batch and its per-address
// results are mirrored into Postgres via GORM. This complements,
// rather than replaces, the file-based result store — it gives task
// status and results a backing that outlives the process.
package taskstore

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"mailverify/models"
)

// Store is a thin CRUD layer over models.TaskRecord/TaskResultRecord.
// A nil DB makes every write method a no-op returning nil — callers
// that run with DBEnabled=false transparently skip durable
// persistence — while GetTask returns an error.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) enabled() bool { return s.db != nil }

// CreateTask inserts a new TaskRecord in pending status.
func (s *Store) CreateTask(taskID, method string, total int) error {
	if !s.enabled() {
		return nil
	}
	record := models.TaskRecord{
		TaskID: taskID,
		Method: method,
		Status: models.TaskPending,
		Total:  total,
	}
	return s.db.Create(&record).Error
}

// MarkRunning sets status=running and records the start time.
func (s *Store) MarkRunning(taskID string) error {
	if !s.enabled() {
		return nil
	}
	now := time.Now()
	return s.db.Model(&models.TaskRecord{}).
		Where("task_id = ?", taskID).
		Updates(map[string]interface{}{"status": models.TaskRunning, "started_at": &now}).Error
}

// RecordResult appends result under taskID and increments the task's
// completed counter.
func (s *Store) RecordResult(taskID string, result models.VerificationResult) error {
	if !s.enabled() {
		return nil
	}

	var task models.TaskRecord
	if err := s.db.Where("task_id = ?", taskID).First(&task).Error; err != nil {
		return fmt.Errorf("lookup task %s: %w", taskID, err)
	}

	row := models.TaskResultRecord{
		TaskRecordID: task.ID,
		Address:      result.Address,
		Verdict:      string(result.Verdict),
		Reason:       result.Reason,
		Provider:     string(result.Provider),
		Method:       string(result.Method),
		VerifiedAt:   result.Timestamp,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return err
	}

	return s.db.Model(&task).Update("completed", gorm.Expr("completed + ?", 1)).Error
}

// MarkCompleted sets status=completed and records the completion
// time, satisfying the Task invariant completed_count = len(addresses).
func (s *Store) MarkCompleted(taskID string) error {
	if !s.enabled() {
		return nil
	}
	now := time.Now()
	return s.db.Model(&models.TaskRecord{}).
		Where("task_id = ?", taskID).
		Updates(map[string]interface{}{"status": models.TaskCompleted, "completed_at": &now}).Error
}

// MarkFailed sets status=failed.
func (s *Store) MarkFailed(taskID string) error {
	if !s.enabled() {
		return nil
	}
	return s.db.Model(&models.TaskRecord{}).
		Where("task_id = ?", taskID).
		Update("status", models.TaskFailed).Error
}

// GetTask loads a task and its results by task ID.
func (s *Store) GetTask(taskID string) (*models.TaskRecord, error) {
	if !s.enabled() {
		return nil, fmt.Errorf("taskstore: durable store disabled")
	}
	var task models.TaskRecord
	if err := s.db.Preload("Results").Where("task_id = ?", taskID).First(&task).Error; err != nil {
		return nil, err
	}
	return &task, nil
}
