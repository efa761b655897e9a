package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinext/extraction-engine/internal/domain"
)

func newTestJob(id, conv, group string) *domain.Job {
	return &domain.Job{
		JobID:           id,
		ConversationID:  conv,
		TemplateGroupID: group,
		Status:          domain.JobPending,
		SectionStates:   map[string]domain.SectionState{},
	}
}

func TestRegistry_StartTracksJobByIDAndGroup(t *testing.T) {
	r := NewRegistry()
	job := newTestJob("job-1", "conv-1", "group-1")
	_, cancel := context.WithCancel(context.Background())

	preempted := r.start(job, cancel)
	assert.Nil(t, preempted)

	got, ok := r.Snapshot("job-1")
	require.True(t, ok)
	assert.Equal(t, domain.JobPending, got.Status)

	byGroup, ok := r.byGroup[groupKey{"conv-1", "group-1"}]
	require.True(t, ok)
	assert.Same(t, job, byGroup.job)
}

func TestRegistry_StartPreemptsRunningJobInSameGroup(t *testing.T) {
	r := NewRegistry()
	firstCancelled := false

	first := newTestJob("job-1", "conv-1", "group-1")
	first.Status = domain.JobRunning
	r.start(first, func() { firstCancelled = true })

	second := newTestJob("job-2", "conv-1", "group-1")
	preempted := r.start(second, func() {})
	require.NotNil(t, preempted)
	preempted()

	assert.True(t, firstCancelled)
	firstSnapshot, ok := r.Snapshot("job-1")
	require.True(t, ok)
	assert.Equal(t, domain.JobCancelled, firstSnapshot.Status)
}

func TestRegistry_StartDoesNotPreemptDifferentGroup(t *testing.T) {
	r := NewRegistry()
	first := newTestJob("job-1", "conv-1", "group-1")
	first.Status = domain.JobRunning
	r.start(first, func() {})

	second := newTestJob("job-2", "conv-2", "group-2")
	preempted := r.start(second, func() {})
	assert.Nil(t, preempted)

	firstSnapshot, ok := r.Snapshot("job-1")
	require.True(t, ok)
	assert.Equal(t, domain.JobRunning, firstSnapshot.Status)
}

func TestRegistry_CancelIsIdempotent(t *testing.T) {
	r := NewRegistry()
	calls := 0
	job := newTestJob("job-1", "conv-1", "group-1")
	job.Status = domain.JobRunning
	r.start(job, func() { calls++ })

	require.NoError(t, r.Cancel("job-1"))
	require.NoError(t, r.Cancel("job-1"))

	assert.Equal(t, 1, calls)
	snapshot, ok := r.Snapshot("job-1")
	require.True(t, ok)
	assert.Equal(t, domain.JobCancelled, snapshot.Status)
}

func TestRegistry_CancelUnknownJobReturnsError(t *testing.T) {
	r := NewRegistry()
	err := r.Cancel("does-not-exist")
	assert.Error(t, err)
}

func TestRegistry_CancelDoesNotReopenAlreadyTerminalJob(t *testing.T) {
	r := NewRegistry()
	job := newTestJob("job-1", "conv-1", "group-1")
	job.Status = domain.JobCompleted
	r.start(job, func() {})

	require.NoError(t, r.Cancel("job-1"))
	snapshot, ok := r.Snapshot("job-1")
	require.True(t, ok)
	assert.Equal(t, domain.JobCompleted, snapshot.Status)
}
