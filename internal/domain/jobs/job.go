package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	TypePlanRegenerate = "plan_regenerate"

	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// DefaultMaxAttempts bounds job-level redelivery. Each retry is a new billed
// generation attempt, so this stays small and the per-plan attempt cap is
// the real ceiling.
const DefaultMaxAttempts = 3

type Job struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobType     string         `gorm:"not null;index;column:job_type" json:"job_type"`
	PlanID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"plan_id"`
	UserID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	Status      string         `gorm:"not null;index;column:status" json:"status"`
	Priority    int            `gorm:"not null;default:0;column:priority" json:"priority"`
	Attempts    int            `gorm:"not null;default:0;column:attempts" json:"attempts"`
	MaxAttempts int            `gorm:"not null;default:3;column:max_attempts" json:"max_attempts"`
	Payload     datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	Result      datatypes.JSON `gorm:"column:result;type:jsonb" json:"result,omitempty"`
	Error       string         `gorm:"column:error" json:"error,omitempty"`
	Retryable   bool           `gorm:"not null;default:false;column:retryable" json:"retryable"`
	CreatedAt   time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	StartedAt   *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Job) TableName() string { return "job" }
