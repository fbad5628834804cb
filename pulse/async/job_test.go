package async

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/teranos/bookenrich/errors"
)

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, JobStatusQueued.Terminal())
	assert.False(t, JobStatusProcessing.Terminal())
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatusCanceled.Terminal())

	assert.True(t, IsValidStatus("processing"))
	assert.False(t, IsValidStatus("running"))
}

func TestNewJob(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	job := NewJob("client-1", PipelineBatchEnrichment, 2*time.Hour, now)

	assert.Len(t, job.ID, 36)
	assert.Equal(t, JobStatusQueued, job.Status)
	assert.Equal(t, now.Add(2*time.Hour), job.ExpiresAt)
	assert.False(t, job.Expired(now.Add(time.Hour)))
	assert.True(t, job.Expired(now.Add(2*time.Hour)))

	other := NewJob("client-1", PipelineBatchEnrichment, time.Hour, now)
	assert.NotEqual(t, job.ID, other.ID)
}

func TestJobTransitions(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	job := NewJob("c", PipelineCSVImport, time.Hour, now)

	job.Start(now.Add(time.Second))
	assert.Equal(t, JobStatusProcessing, job.Status)
	assert.Nil(t, job.CompletedAt)

	job.Fail(errors.New("detector offline"), now.Add(2*time.Second))
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "detector offline", job.Error)
	if assert.NotNil(t, job.CompletedAt) {
		assert.Equal(t, now.Add(2*time.Second), *job.CompletedAt)
	}
}

func TestJobCloneIsIndependent(t *testing.T) {
	now := time.Now()
	job := NewJob("c", PipelineCSVImport, time.Hour, now)
	job.Items = append(job.Items, ItemProgress{Index: 0, Status: ItemQueued})

	withItems := job.clone(true)
	withItems.Items[0].Status = ItemError
	assert.Equal(t, ItemQueued, job.Items[0].Status)

	assert.Nil(t, job.clone(false).Items)
}
