package chunker

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinext/extraction-engine/internal/domain"
)

func makeLines(n int) []domain.LineRecord {
	lines := make([]domain.LineRecord, n)
	speaker := "Doctor"
	for i := 0; i < n; i++ {
		if i%2 == 1 {
			speaker = "Patient"
		} else {
			speaker = "Doctor"
		}
		lines[i] = domain.LineRecord{
			LineNo:  i + 1,
			Speaker: speaker,
			Text:    fmt.Sprintf("line number %d contains some clinical discussion text", i+1),
		}
	}
	return lines
}

func TestChunk_EmptyInputProducesNoChunks(t *testing.T) {
	assert.Nil(t, Chunk("conv-1", nil, DefaultPolicy()))
}

func TestChunk_SingleLineProducesOneChunk(t *testing.T) {
	lines := makeLines(1)
	chunks := Chunk("conv-1", lines, DefaultPolicy())
	require.Len(t, chunks, 1)
	assert.Equal(t, 1, chunks[0].FirstLine)
	assert.Equal(t, 1, chunks[0].LastLine)
}

func TestChunk_CoversEveryLineAtLeastOnce(t *testing.T) {
	lines := makeLines(500)
	chunks := Chunk("conv-1", lines, DefaultPolicy())
	require.NotEmpty(t, chunks)

	covered := make(map[int]bool)
	for _, c := range chunks {
		for ln := c.FirstLine; ln <= c.LastLine; ln++ {
			covered[ln] = true
		}
	}
	for _, l := range lines {
		assert.True(t, covered[l.LineNo], "line %d not covered by any chunk", l.LineNo)
	}
}

func TestChunk_ConsecutiveChunksOverlapWhenMultipleChunksExist(t *testing.T) {
	lines := makeLines(500)
	chunks := Chunk("conv-1", lines, DefaultPolicy())
	require.Greater(t, len(chunks), 1)
	for i := 1; i < len(chunks); i++ {
		assert.LessOrEqual(t, chunks[i].FirstLine, chunks[i-1].LastLine,
			"chunk %d should overlap the tail of chunk %d", i, i-1)
	}
}

func TestChunk_NeverSplitsALine(t *testing.T) {
	lines := makeLines(200)
	chunks := Chunk("conv-1", lines, DefaultPolicy())
	for _, c := range chunks {
		assert.LessOrEqual(t, c.FirstLine, c.LastLine)
	}
}

func TestChunk_StableChunkIDForSameInput(t *testing.T) {
	lines := makeLines(50)
	a := Chunk("conv-1", lines, DefaultPolicy())
	b := Chunk("conv-1", lines, DefaultPolicy())
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].ChunkID, b[i].ChunkID)
	}
}
