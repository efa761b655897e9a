// Package transcript normalizes raw speaker-annotated encounter text
// into indexed LineRecords with stable byte offsets.
package transcript

import (
	"regexp"
	"strings"

	"github.com/clinext/extraction-engine/internal/domain"
	"github.com/clinext/extraction-engine/internal/platform/apierr"
)

var (
	numberedPrefixRe = regexp.MustCompile(`^\s*(\d+)\s*[:|]\s*`)
	speakerPrefixRe  = regexp.MustCompile(`^(Doctor|Patient|Dr\.|Pt\.|Nurse|Clinician)\s*[:]\s*`)
	consentPhraseRe  = regexp.MustCompile(`(?i)(recording\s+this|consent\s+to\s+record|ok(ay)?\s+to\s+record)`)
)

// MaxBytes bounds the decoded input size normalize() will accept. A
// caller-configured limit is threaded in by the orchestrator; this is
// only the package default used when none is supplied.
const MaxBytes = 10 * 1024 * 1024

// Result is the normalizer's output: the line records plus ambient
// signals picked up along the way.
type Result struct {
	Lines           []domain.LineRecord
	Language        string
	ConsentDetected bool
}

// Normalize converts raw_text into an ordered slice of LineRecord.
// languageHint, if non-empty, is used as-is; otherwise a coarse
// heuristic is applied. maxBytes <= 0 falls back to MaxBytes.
func Normalize(rawText string, languageHint string, maxBytes int) (Result, error) {
	if maxBytes <= 0 {
		maxBytes = MaxBytes
	}
	if len(rawText) == 0 {
		return Result{}, apierr.InvalidTranscript(errEmptyTranscript)
	}
	if len(rawText) > maxBytes {
		return Result{}, apierr.InvalidTranscript(errOversizeTranscript)
	}

	raw := strings.ReplaceAll(rawText, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")
	rawLines := strings.Split(raw, "\n")
	// A trailing newline terminates the last line; it does not start an
	// extra empty one.
	if len(rawLines) > 1 && rawLines[len(rawLines)-1] == "" {
		rawLines = rawLines[:len(rawLines)-1]
	}

	lines := make([]domain.LineRecord, 0, len(rawLines))
	byteOffset := 0
	nextAuto := 1
	explicitNumbering := false
	lastExplicit := 0

	for idx, original := range rawLines {
		lineByteLen := len(original)
		if idx < len(rawLines)-1 {
			lineByteLen++ // account for the newline consumed by Split
		}
		byteStart := byteOffset
		byteOffset += lineByteLen

		text := strings.TrimRight(original, " \t")

		lineNo := nextAuto
		if m := numberedPrefixRe.FindStringSubmatch(text); m != nil {
			n := atoiSafe(m[1])
			if n > lastExplicit {
				explicitNumbering = true
				lineNo = n
				lastExplicit = n
				text = text[len(m[0]):]
			}
		}
		if !explicitNumbering {
			lineNo = nextAuto
		}
		nextAuto = lineNo + 1

		speaker := ""
		if m := speakerPrefixRe.FindStringSubmatch(text); m != nil {
			speaker = strings.TrimSuffix(m[1], ".")
			text = strings.TrimSpace(text[len(m[0]):])
		}

		lines = append(lines, domain.LineRecord{
			LineNo:    lineNo,
			Speaker:   speaker,
			Text:      text,
			ByteStart: byteStart,
			ByteEnd:   byteStart + len(original),
		})
	}

	language := strings.TrimSpace(languageHint)
	if language == "" {
		language = detectLanguage(raw)
	}

	consent := false
	for i := 0; i < len(lines) && i < 10; i++ {
		if consentPhraseRe.MatchString(lines[i].Text) {
			consent = true
			break
		}
	}

	return Result{Lines: lines, Language: language, ConsentDetected: consent}, nil
}

// Reassemble reconstructs the canonical-newline text from LineRecords.
func Reassemble(lines []domain.LineRecord) string {
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = l.Text
	}
	return strings.Join(parts, "\n")
}

func detectLanguage(text string) string {
	frenchMarkers := []string{" le ", " la ", " des ", " patient ", "bonjour", "madame", "monsieur"}
	lower := strings.ToLower(text)
	hits := 0
	for _, m := range frenchMarkers {
		if strings.Contains(lower, m) {
			hits++
		}
	}
	if hits >= 2 {
		return "fr"
	}
	return "en"
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

var (
	errEmptyTranscript    = plainError("empty transcript")
	errOversizeTranscript = plainError("transcript exceeds configured maximum byte length")
)

type plainError string

func (e plainError) Error() string { return string(e) }
