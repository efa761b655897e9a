package contextcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinext/extraction-engine/internal/domain"
)

func TestCache_PutThenGet(t *testing.T) {
	c := New()
	require.NoError(t, c.Put(domain.SectionResult{SectionID: "s1", Content: "hello"}))

	got, ok := c.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "hello", got.Content)
}

func TestCache_DuplicateWriteErrors(t *testing.T) {
	c := New()
	require.NoError(t, c.Put(domain.SectionResult{SectionID: "s1"}))
	err := c.Put(domain.SectionResult{SectionID: "s1"})
	assert.Error(t, err)
}

func TestCache_GetAllReturnsOnlyKnownSections(t *testing.T) {
	c := New()
	require.NoError(t, c.Put(domain.SectionResult{SectionID: "s1", Content: "a"}))
	require.NoError(t, c.Put(domain.SectionResult{SectionID: "s2", Content: "b"}))

	got := c.GetAll([]string{"s1", "s2", "missing"})
	assert.Len(t, got, 2)
}

func TestCache_GetUnknownSectionIsNotFound(t *testing.T) {
	c := New()
	_, ok := c.Get("nope")
	assert.False(t, ok)
}
