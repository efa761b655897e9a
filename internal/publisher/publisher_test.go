package publisher

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinext/extraction-engine/internal/platform/logger"
)

type countingSink struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (s *countingSink) Deliver(ctx context.Context, jobID string, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail {
		return assert.AnError
	}
	return nil
}

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.New("development")
	require.NoError(t, err)
	return log
}

func TestPublish_DeliversOnce(t *testing.T) {
	sink := &countingSink{}
	p := New(testLogger(t), sink)

	err := p.Publish(context.Background(), "job-1", "conv-1", Event{SectionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 1, sink.calls)
}

func TestPublish_IsIdempotentByConversationAndSectionID(t *testing.T) {
	sink := &countingSink{}
	p := New(testLogger(t), sink)

	require.NoError(t, p.Publish(context.Background(), "job-1", "conv-1", Event{SectionID: "s1"}))
	require.NoError(t, p.Publish(context.Background(), "job-1", "conv-1", Event{SectionID: "s1"}))

	assert.Equal(t, 1, sink.calls)
}

func TestPublish_DistinctSectionsBothDeliver(t *testing.T) {
	sink := &countingSink{}
	p := New(testLogger(t), sink)

	require.NoError(t, p.Publish(context.Background(), "job-1", "conv-1", Event{SectionID: "s1"}))
	require.NoError(t, p.Publish(context.Background(), "job-1", "conv-1", Event{SectionID: "s2"}))

	assert.Equal(t, 2, sink.calls)
}

// TestPublish_SameSectionIDDistinctConversationsBothDeliver guards the
// multi-tenant case this Publisher is shared across: two unrelated
// conversations both naming a section "s1" must not collide in the
// dedup map.
func TestPublish_SameSectionIDDistinctConversationsBothDeliver(t *testing.T) {
	sink := &countingSink{}
	p := New(testLogger(t), sink)

	require.NoError(t, p.Publish(context.Background(), "job-1", "conv-1", Event{SectionID: "s1"}))
	require.NoError(t, p.Publish(context.Background(), "job-2", "conv-2", Event{SectionID: "s1"}))

	assert.Equal(t, 2, sink.calls)
}

// TestPublish_PreemptedJobRerunDoesNotDoublePublish models a job that
// gets preempted and re-run for the same conversation: the re-run
// shares section_ids with the job it preempted, and must not
// re-deliver any section_id the first run already published.
func TestPublish_PreemptedJobRerunDoesNotDoublePublish(t *testing.T) {
	sink := &countingSink{}
	p := New(testLogger(t), sink)

	require.NoError(t, p.Publish(context.Background(), "job-1", "conv-1", Event{SectionID: "subjective"}))
	require.NoError(t, p.Publish(context.Background(), "job-2", "conv-1", Event{SectionID: "subjective"}))

	assert.Equal(t, 1, sink.calls)
}
