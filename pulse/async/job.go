// Package async runs batch enrichment jobs and tracks their progress.
package async

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/bookenrich/enrich"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCanceled   JobStatus = "canceled"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusQueued, JobStatusProcessing,
		JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is allowed
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCanceled
}

// ItemStatus is the state of one item within a job
type ItemStatus string

const (
	ItemQueued     ItemStatus = "queued"
	ItemProcessing ItemStatus = "processing"
	ItemComplete   ItemStatus = "complete"
	ItemError      ItemStatus = "error"
)

// ItemProgress tracks one input item. Index is assigned on append and never changes.
type ItemProgress struct {
	Index  int             `json:"index"`
	Status ItemStatus      `json:"status"`
	Input  json.RawMessage `json:"input"`
	Result *enrich.Result  `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Summary counts item outcomes: created from providers, updated from the
// cache, skipped when nothing was found, failed on error.
type Summary struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Job is a batch submitted by one client
type Job struct {
	ID          string         `json:"jobId"`
	OwnerID     string         `json:"-"`
	Pipeline    string         `json:"pipeline"`
	Status      JobStatus      `json:"status"`
	TotalItems  int            `json:"totalItems"`
	Processed   int            `json:"processedCount"`
	Items       []ItemProgress `json:"items,omitempty"`
	Summary     Summary        `json:"summary"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	ExpiresAt   time.Time      `json:"expiresAt"`
}

// NewJob creates a queued job that expires retention after now
func NewJob(ownerID, pipeline string, retention time.Duration, now time.Time) *Job {
	return &Job{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Pipeline:  pipeline,
		Status:    JobStatusQueued,
		Items:     []ItemProgress{},
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(retention),
	}
}

// Expired reports whether the retention window has passed
func (j *Job) Expired(now time.Time) bool {
	return !now.Before(j.ExpiresAt)
}

// Start marks the job as processing
func (j *Job) Start(now time.Time) {
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
}

// Complete marks the job as completed
func (j *Job) Complete(now time.Time) {
	j.finish(JobStatusCompleted, now)
}

// Fail marks the job as failed with an error message
func (j *Job) Fail(err error, now time.Time) {
	j.Error = err.Error()
	j.finish(JobStatusFailed, now)
}

// Cancel marks the job as canceled
func (j *Job) Cancel(now time.Time) {
	j.finish(JobStatusCanceled, now)
}

func (j *Job) finish(status JobStatus, now time.Time) {
	j.Status = status
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// clone returns a deep enough copy for callers outside the tracker lock.
// Results are shared since they are never modified.
func (j *Job) clone(withItems bool) *Job {
	c := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	c.Items = nil
	if withItems {
		c.Items = make([]ItemProgress, len(j.Items))
		copy(c.Items, j.Items)
	}
	return &c
}
