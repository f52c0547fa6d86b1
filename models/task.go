package models

import (
	"time"

	"gorm.io/gorm"
)

// TaskRecord is the durable, queryable representation of a batch
// verification task — the GORM-backed counterpart of the in-memory
// Task the orchestrator mutates while the batch runs.
type TaskRecord struct {
	gorm.Model
	TaskID      string     `gorm:"uniqueIndex;not null" json:"task_id"`
	Method      string     `gorm:"not null" json:"method"`
	Status      TaskStatus `gorm:"not null;default:pending" json:"status"`
	Total       int        `gorm:"not null" json:"total"`
	Completed   int        `gorm:"not null;default:0" json:"completed"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	Results []TaskResultRecord `gorm:"foreignKey:TaskRecordID" json:"-"`
}

// TaskResultRecord stores one address's VerificationResult under a
// task, mirroring models.VerificationResult but addressable by its
// owning task for Engine.TaskResults.
type TaskResultRecord struct {
	gorm.Model
	TaskRecordID uint      `gorm:"not null;index" json:"-"`
	Address      string    `gorm:"not null;index" json:"address"`
	Verdict      string    `gorm:"not null" json:"verdict"`
	Reason       string    `json:"reason"`
	Provider     string    `json:"provider"`
	Method       string    `json:"method"`
	VerifiedAt   time.Time `json:"verified_at"`
}
