package run

import (
	"time"

	"github.com/google/uuid"

	"github.com/ahmethakanbesel/expiry-archiver/internal/apperror"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type GetRunRequest struct {
	ID string
}

func (r GetRunRequest) Validate() *apperror.AppError {
	if _, err := uuid.Parse(r.ID); err != nil {
		return apperror.New(apperror.BadRequest, "invalid run id")
	}
	return nil
}

type ListRunsRequest struct {
	Status Status
	Limit  int
}

func (r *ListRunsRequest) Validate() *apperror.AppError {
	if r.Status != "" && !r.Status.Valid() {
		return apperror.New(apperror.BadRequest, "invalid status")
	}
	if r.Limit < 0 {
		return apperror.New(apperror.BadRequest, "limit must not be negative")
	}
	if r.Limit == 0 {
		r.Limit = defaultListLimit
	}
	r.Limit = min(r.Limit, maxListLimit)
	return nil
}

// StartRunRequest asks for a run outside the schedule. An empty Expiry
// means today.
type StartRunRequest struct {
	Trigger Trigger
	Expiry  string
}

func (r StartRunRequest) Validate() *apperror.AppError {
	switch r.Trigger {
	case TriggerOnce, TriggerSchedule, TriggerAPI:
	default:
		return apperror.New(apperror.BadRequest, "invalid trigger")
	}
	if r.Expiry != "" {
		if _, err := time.Parse(time.DateOnly, r.Expiry); err != nil {
			return apperror.New(apperror.BadRequest, "invalid expiry format, expected YYYY-MM-DD")
		}
	}
	return nil
}
