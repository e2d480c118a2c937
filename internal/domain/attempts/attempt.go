package attempts

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Attempt statuses. A row is created as reserved and sealed exactly once as
// success or failure; rows are append-only after finalization.
const (
	StatusReserved = "reserved"
	StatusSuccess  = "success"
	StatusFailure  = "failure"
)

// FailureClass is the closed classification taxonomy attached to every
// failed attempt; it drives job-level retry policy.
type FailureClass string

const (
	FailValidation    FailureClass = "validation"
	FailProviderError FailureClass = "provider_error"
	FailRateLimit     FailureClass = "rate_limit"
	FailTimeout       FailureClass = "timeout"
	FailCapped        FailureClass = "capped"
)

// RetryableAtJobLevel reports whether a job wrapping a generation that
// failed with class fc should be retried. Validation and capped failures
// are terminal; everything transient is worth another billed attempt,
// subject to the per-plan cap.
func (fc FailureClass) RetryableAtJobLevel() bool {
	switch fc {
	case FailProviderError, FailRateLimit, FailTimeout:
		return true
	default:
		return false
	}
}

type GenerationAttempt struct {
	ID             uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	PlanID         uuid.UUID      `gorm:"type:uuid;not null;index;uniqueIndex:uq_attempt_plan_seq,priority:1" json:"plan_id"`
	UserID         uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	Seq            int            `gorm:"not null;column:seq;uniqueIndex:uq_attempt_plan_seq,priority:2" json:"seq"`
	Status         string         `gorm:"not null;index;column:status" json:"status"`
	FailureClass   string         `gorm:"column:failure_class;index" json:"failure_class,omitempty"`
	DurationMs     int64          `gorm:"not null;default:0;column:duration_ms" json:"duration_ms"`
	ModulesCount   int            `gorm:"not null;default:0;column:modules_count" json:"modules_count"`
	TasksCount     int            `gorm:"not null;default:0;column:tasks_count" json:"tasks_count"`
	TopicTruncated bool           `gorm:"not null;default:false;column:topic_truncated" json:"topic_truncated"`
	NotesTruncated bool           `gorm:"not null;default:false;column:notes_truncated" json:"notes_truncated"`
	MinutesClamped bool           `gorm:"not null;default:false;column:minutes_clamped" json:"minutes_clamped"`
	InputHash      string         `gorm:"not null;column:input_hash;index" json:"input_hash"`
	ProviderMeta   datatypes.JSON `gorm:"column:provider_meta;type:jsonb" json:"provider_meta,omitempty"`
	StartedAt      time.Time      `gorm:"not null;column:started_at;index" json:"started_at"`
	FinalizedAt    *time.Time     `gorm:"column:finalized_at" json:"finalized_at,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (GenerationAttempt) TableName() string { return "generation_attempt" }
