package run

import (
	"time"

	"github.com/ahmethakanbesel/expiry-archiver/internal/pipeline"
)

type Status string

const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusCompleted, StatusFailed, StatusInterrupted:
		return true
	}
	return false
}

// Trigger records what started a run.
type Trigger string

const (
	TriggerOnce     Trigger = "once"
	TriggerSchedule Trigger = "schedule"
	TriggerAPI      Trigger = "api"
)

// Run is the persisted history entry of one archive run. Succeeded and
// Failures are only filled when a single run is fetched.
type Run struct {
	ID             string             `json:"id"`
	Trigger        Trigger            `json:"trigger"`
	Status         Status             `json:"status"`
	Expiry         time.Time          `json:"expiry"`
	Total          int                `json:"total"`
	SucceededCount int                `json:"succeededCount"`
	FailedCount    int                `json:"failedCount"`
	Succeeded      []string           `json:"succeeded,omitempty"`
	Failures       []pipeline.Failure `json:"failures,omitempty"`
	ArchiveName    string             `json:"archiveName,omitempty"`
	ArchiveSize    int64              `json:"archiveSize"`
	Delivered      bool               `json:"delivered"`
	Error          string             `json:"error,omitempty"`
	StartedAt      time.Time          `json:"startedAt"`
	FinishedAt     *time.Time         `json:"finishedAt,omitempty"`
}

// apply copies a pipeline summary into the run.
func (r *Run) apply(s *pipeline.Summary) {
	r.Total = s.Total()
	r.Succeeded = s.Succeeded
	r.Failures = s.Failed
	r.SucceededCount = len(s.Succeeded)
	r.FailedCount = len(s.Failed)
	r.ArchiveName = s.ArchiveName
	r.ArchiveSize = s.ArchiveSize
	r.Delivered = s.Delivered
}
