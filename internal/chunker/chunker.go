// Package chunker groups normalized transcript lines into overlapping
// semantic windows for vector indexing, preserving line-number
// metadata via a greedy rune-walk with line-span tracking and a
// speaker-boundary snap.
package chunker

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"github.com/clinext/extraction-engine/internal/domain"
)

// approxCharsPerToken is a rough chars-per-token ratio for English
// clinical text, used only to size chunks without a real tokenizer.
const approxCharsPerToken = 4

// Policy controls how lines are grouped into chunks.
type Policy struct {
	TargetTokens            int
	OverlapTokens           int
	RespectSpeakerBoundaries bool
	MinLines                int
	MaxLines                int
}

// DefaultPolicy returns the default chunking parameters.
func DefaultPolicy() Policy {
	return Policy{
		TargetTokens:             1500,
		OverlapTokens:            150,
		RespectSpeakerBoundaries: true,
		MinLines:                 1,
		MaxLines:                 400,
	}
}

// Chunk splits lines into overlapping windows per policy. Every line
// is covered by at least one chunk; a chunk never splits a line.
func Chunk(conversationID string, lines []domain.LineRecord, policy Policy) []domain.Chunk {
	if len(lines) == 0 {
		return nil
	}
	if policy.TargetTokens <= 0 {
		policy.TargetTokens = DefaultPolicy().TargetTokens
	}
	if policy.MinLines <= 0 {
		policy.MinLines = 1
	}
	if policy.MaxLines <= 0 {
		policy.MaxLines = len(lines)
	}

	targetChars := policy.TargetTokens * approxCharsPerToken
	overlapChars := policy.OverlapTokens * approxCharsPerToken

	var chunks []domain.Chunk
	start := 0
	for start < len(lines) {
		end := start
		size := 0
		for end < len(lines) {
			lineLen := len(lines[end].Text) + 1
			nextSize := size + lineLen
			lineCount := end - start + 1
			if lineCount > policy.MinLines && nextSize > targetChars {
				break
			}
			if lineCount >= policy.MaxLines {
				end++
				size = nextSize
				break
			}
			size = nextSize
			end++
		}
		if end <= start {
			end = start + 1
		}

		if policy.RespectSpeakerBoundaries {
			end = snapToSpeakerBoundary(lines, start, end)
		}
		if end <= start {
			end = start + 1
		}

		chunkLines := lines[start:end]
		text := joinLines(chunkLines)
		c := domain.Chunk{
			ChunkID:        chunkID(conversationID, chunkLines[0].LineNo, chunkLines[len(chunkLines)-1].LineNo),
			ConversationID: conversationID,
			FirstLine:      chunkLines[0].LineNo,
			LastLine:       chunkLines[len(chunkLines)-1].LineNo,
			Text:           text,
		}
		chunks = append(chunks, c)

		if end >= len(lines) {
			break
		}

		// advance start so the next chunk overlaps the tail of this one
		overlapStart := end
		accumulated := 0
		for overlapStart > start {
			accumulated += len(lines[overlapStart-1].Text) + 1
			if accumulated >= overlapChars {
				break
			}
			overlapStart--
		}
		if overlapStart <= start {
			overlapStart = end
		}
		start = overlapStart
	}

	return chunks
}

// snapToSpeakerBoundary nudges end forward to the next speaker change
// within a small slack window, preferring not to split a turn.
func snapToSpeakerBoundary(lines []domain.LineRecord, start, end int) int {
	if end >= len(lines) {
		return end
	}
	slack := 10
	limit := end + slack
	if limit > len(lines) {
		limit = len(lines)
	}
	boundarySpeaker := lines[end-1].Speaker
	for i := end; i < limit; i++ {
		if lines[i].Speaker != "" && lines[i].Speaker != boundarySpeaker {
			return i
		}
	}
	return end
}

func joinLines(lines []domain.LineRecord) string {
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		if l.Speaker != "" {
			b.WriteString(l.Speaker)
			b.WriteString(": ")
		}
		b.WriteString(l.Text)
	}
	return b.String()
}

func chunkID(conversationID string, first, last int) string {
	h := sha1.New()
	h.Write([]byte(conversationID))
	h.Write([]byte{0})
	h.Write([]byte(itoa(first)))
	h.Write([]byte{'-'})
	h.Write([]byte(itoa(last)))
	return hex.EncodeToString(h.Sum(nil))[:20]
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
