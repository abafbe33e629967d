package raggen

import (
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitNarrativeShortTextIsSingleChunk(t *testing.T) {
	text := "  We run after-school robotics programs in rural districts.  "
	chunks := SplitNarrative(text, 500, 50)

	require.Len(t, chunks, 1)
	assert.Equal(t, "We run after-school robotics programs in rural districts.", chunks[0])
}

func TestSplitNarrativeKeepsSentencesWhole(t *testing.T) {
	var sentences []string
	for i := 0; i < 12; i++ {
		sentences = append(sentences, fmt.Sprintf("Program number %d serves students across three counties every year.", i))
	}
	text := strings.Join(sentences, " ")

	chunks := SplitNarrative(text, 200, 30)
	require.Greater(t, len(chunks), 1)

	endsAtBoundary := regexp.MustCompile(`[.!?]["')\]]*$`)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 200)
		assert.Regexp(t, endsAtBoundary, c)
	}
	for _, s := range sentences {
		found := false
		for _, c := range chunks {
			if strings.Contains(c, s) {
				found = true
				break
			}
		}
		assert.True(t, found, "sentence missing from every chunk: %s", s)
	}
}

func TestSplitNarrativeCarriesOverlapBetweenChunks(t *testing.T) {
	var sentences []string
	for i := 0; i < 12; i++ {
		sentences = append(sentences, fmt.Sprintf("Cohort %d completed the training track with strong attendance results.", i))
	}
	chunks := SplitNarrative(strings.Join(sentences, " "), 200, 30)
	require.Greater(t, len(chunks), 1)

	for i := 1; i < len(chunks); i++ {
		tail := overlapTail(chunks[i-1], 30)
		require.NotEmpty(t, tail)
		assert.True(t, strings.HasPrefix(chunks[i], tail),
			"chunk %d does not start with the tail of chunk %d", i, i-1)
	}
}

func TestSplitNarrativeHardWrapsOversizedSentence(t *testing.T) {
	long := strings.Repeat("abcdefghij", 120) + "."
	chunks := SplitNarrative(long, 300, 30)

	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 300)
	}
	// Consecutive windows share the configured overlap.
	assert.Equal(t, chunks[0][270:300], chunks[1][:30])
}

func TestSplitNarrativeEmptyInput(t *testing.T) {
	assert.Nil(t, SplitNarrative("", 500, 50))
	assert.Nil(t, SplitNarrative("   \n\t  ", 500, 50))
}

func TestSplitNarrativeDefaults(t *testing.T) {
	var sentences []string
	for i := 0; i < 30; i++ {
		sentences = append(sentences, fmt.Sprintf("Entry %d documents one delivered workshop session.", i))
	}
	chunks := SplitNarrative(strings.Join(sentences, " "), 0, -1)

	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 500)
	}
}

func TestSplitNarrativeIsDeterministic(t *testing.T) {
	text := strings.Repeat("Each season the team publishes outcomes for every funded site. ", 20)

	first := SplitNarrative(text, 250, 40)
	second := SplitNarrative(text, 250, 40)
	require.Equal(t, first, second)

	for i := range first {
		assert.Equal(t, ChunkID("user_u1", i, first[i]), ChunkID("user_u1", i, second[i]))
	}
}

func TestChunkIDDiscriminates(t *testing.T) {
	id := ChunkID("user_u1", 0, "alpha")

	assert.Len(t, id, 36)
	assert.Equal(t, id, ChunkID("user_u1", 0, "alpha"))
	assert.NotEqual(t, id, ChunkID("user_u1", 1, "alpha"))
	assert.NotEqual(t, id, ChunkID("user_u2", 0, "alpha"))
	assert.NotEqual(t, id, ChunkID("user_u1", 0, "beta"))
}
