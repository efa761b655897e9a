package transcript

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinext/extraction-engine/internal/platform/apierr"
)

func TestNormalize_EmptyTranscriptRejected(t *testing.T) {
	_, err := Normalize("", "", 0)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeInvalidTranscript, apierr.Code(err))
}

func TestNormalize_OversizeTranscriptRejected(t *testing.T) {
	_, err := Normalize("Doctor: hello", "", 5)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeInvalidTranscript, apierr.Code(err))
}

func TestNormalize_SpeakerAndNumberedPrefixes(t *testing.T) {
	raw := "1: Doctor: How are you feeling today?\n2: Patient: My knee hurts.\n"
	result, err := Normalize(raw, "en", 0)
	require.NoError(t, err)
	require.Len(t, result.Lines, 2)

	assert.Equal(t, 1, result.Lines[0].LineNo)
	assert.Equal(t, "Doctor", result.Lines[0].Speaker)
	assert.Equal(t, "How are you feeling today?", result.Lines[0].Text)

	assert.Equal(t, 2, result.Lines[1].LineNo)
	assert.Equal(t, "Patient", result.Lines[1].Speaker)
	assert.Equal(t, "My knee hurts.", result.Lines[1].Text)
}

func TestNormalize_AutoNumbersWhenNoExplicitPrefix(t *testing.T) {
	raw := "Doctor: Hello\nPatient: Hi"
	result, err := Normalize(raw, "en", 0)
	require.NoError(t, err)
	require.Len(t, result.Lines, 2)
	assert.Equal(t, 1, result.Lines[0].LineNo)
	assert.Equal(t, 2, result.Lines[1].LineNo)
}

func TestNormalize_DetectsConsentPhraseNearTop(t *testing.T) {
	raw := "Doctor: Is it okay to record this visit?\nPatient: Yes, go ahead.\n"
	result, err := Normalize(raw, "en", 0)
	require.NoError(t, err)
	assert.True(t, result.ConsentDetected)
}

func TestNormalize_DetectsFrenchByHeuristic(t *testing.T) {
	raw := "Bonjour madame, le patient des symptomes sont la douleur.\n"
	result, err := Normalize(raw, "", 0)
	require.NoError(t, err)
	assert.Equal(t, "fr", result.Language)
}

func TestNormalize_BlankLineHasEqualByteStartAndEnd(t *testing.T) {
	raw := "Doctor: Hello\n\nPatient: Hi"
	result, err := Normalize(raw, "en", 0)
	require.NoError(t, err)
	require.Len(t, result.Lines, 3)
	assert.Equal(t, "", result.Lines[1].Text)
	assert.Equal(t, result.Lines[1].ByteStart, result.Lines[1].ByteEnd)
}

func TestReassemble_RoundTripsLineText(t *testing.T) {
	raw := "1: Doctor: first line\n2: Patient: second line"
	result, err := Normalize(raw, "en", 0)
	require.NoError(t, err)
	assert.Equal(t, "first line\nsecond line", Reassemble(result.Lines))
}
