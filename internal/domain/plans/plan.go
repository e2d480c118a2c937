package plans

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Stored defaults applied when a plan is created without explicit effort
// fields, and when an override explicitly clears one.
const (
	DefaultModuleMinutes = 60
	DefaultTaskMinutes   = 20
	DefaultWeeksPlanned  = 4
)

type Plan struct {
	ID            uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID        uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	Topic         string         `gorm:"not null;column:topic" json:"topic"`
	Notes         string         `gorm:"column:notes" json:"notes,omitempty"`
	ModuleMinutes int            `gorm:"not null;default:60;column:module_minutes" json:"module_minutes"`
	TaskMinutes   int            `gorm:"not null;default:20;column:task_minutes" json:"task_minutes"`
	WeeksPlanned  int            `gorm:"not null;default:4;column:weeks_planned" json:"weeks_planned"`
	StartDate     *time.Time     `gorm:"column:start_date" json:"start_date,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Plan) TableName() string { return "plan" }

type PlanModule struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	PlanID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"plan_id"`
	Position    int            `gorm:"not null;column:position" json:"position"`
	Title       string         `gorm:"not null;column:title" json:"title"`
	Description string         `gorm:"column:description" json:"description,omitempty"`
	Metadata    datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (PlanModule) TableName() string { return "plan_module" }

type PlanTask struct {
	ID               uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ModuleID         uuid.UUID `gorm:"type:uuid;not null;index" json:"module_id"`
	Position         int       `gorm:"not null;column:position" json:"position"`
	Title            string    `gorm:"not null;column:title" json:"title"`
	EstimatedMinutes int       `gorm:"not null;column:estimated_minutes" json:"estimated_minutes"`
	CreatedAt        time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt        time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (PlanTask) TableName() string { return "plan_task" }
