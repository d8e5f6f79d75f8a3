// internal/models/run.go
package models

import (
	"time"

	"gorm.io/datatypes"
)

// ScrapeRun records one orchestrated run and its per-source counters.
type ScrapeRun struct {
	BaseModel
	Status     RunStatus      `json:"status" gorm:"type:varchar(20);not null;index"`
	Trigger    string         `json:"trigger" gorm:"size:20"`
	StartedAt  time.Time      `json:"started_at" gorm:"not null;index"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Summary    datatypes.JSON `json:"summary"`
}
