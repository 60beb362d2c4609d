package models

import (
	"time"

	"github.com/gt-insights/enrollment-api/pkg/enrollment"
)

// JobStatus captures background job lifecycle states. Jobs move
// pending -> processing -> completed|failed; the last two are terminal.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is the persisted record of one enrollment query job. Query is stored
// as JSONB so workers can re-read the full request from the job row alone.
type Job struct {
	ID           string           `db:"id" json:"id"`
	Status       JobStatus        `db:"status" json:"status"`
	Progress     int              `db:"progress" json:"progress"`
	Message      string           `db:"message" json:"message"`
	Query        enrollment.Query `db:"query" json:"query"`
	FileName     *string          `db:"file_name" json:"file_name,omitempty"`
	CSVData      *string          `db:"csv_data" json:"csv_data,omitempty"`
	ResultURL    *string          `db:"result_url" json:"result_url,omitempty"`
	ErrorMessage *string          `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time        `db:"updated_at" json:"updated_at"`
}

// RoomCapacity maps a physical room to its seat count, keyed by building
// code and room number as they appear in section meeting data.
type RoomCapacity struct {
	BuildingCode string `db:"building_code" json:"building_code"`
	Room         string `db:"room" json:"room"`
	Capacity     int    `db:"capacity" json:"capacity"`
}

// BuildingMapping links the building names used in meeting locations to the
// short codes the capacity data is keyed by.
type BuildingMapping struct {
	Building     string `db:"building" json:"building"`
	BuildingCode string `db:"building_code" json:"building_code"`
}
