// Package raggen generates six-section application drafts for a saved
// grant, grounded in the user's business profile via retrieval over the
// vector index.
package raggen

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// sentencePattern captures runs ending in sentence punctuation, including
// trailing quotes/brackets.
var sentencePattern = regexp.MustCompile(`[^.!?]+[.!?]+["')\]]*\s*`)

// SplitNarrative windows the profile narrative into ~size-character chunks
// with ~overlap characters carried between neighbors. Sentences stay whole
// unless a single sentence exceeds the window, which is hard-wrapped.
func SplitNarrative(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if size <= 0 {
		size = 500
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 10
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		tail := overlapTail(current.String(), overlap)
		current.Reset()
		if tail != "" {
			current.WriteString(tail)
		}
	}

	for _, sentence := range splitSentences(text) {
		// Oversized sentence: emit what we have, then hard-wrap it.
		if len(sentence) > size {
			flush()
			current.Reset()
			for _, piece := range hardWrap(sentence, size, overlap) {
				chunks = append(chunks, piece)
			}
			continue
		}

		if current.Len() > 0 && current.Len()+len(sentence)+1 > size {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sentence)
	}

	if s := strings.TrimSpace(current.String()); s != "" {
		// Avoid a trailing chunk that is only the carried overlap.
		if len(chunks) == 0 || !strings.HasSuffix(chunks[len(chunks)-1], s) {
			chunks = append(chunks, s)
		}
	}
	return chunks
}

// ChunkID derives the deterministic id for a chunk: same namespace, slot,
// and text always produce the same id, so re-chunking an unchanged
// narrative overwrites rather than duplicates.
func ChunkID(namespace string, index int, text string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s|%d|%s", namespace, index, text))).String()
}

func splitSentences(text string) []string {
	matches := sentencePattern.FindAllString(text, -1)
	var sentences []string
	consumed := 0
	for _, m := range matches {
		consumed += len(m)
		if s := strings.TrimSpace(m); s != "" {
			sentences = append(sentences, s)
		}
	}
	// Text after the last terminator still counts.
	if rest := strings.TrimSpace(text[consumed:]); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

// overlapTail returns the last ~n characters of s, starting at a word
// boundary so the carried context reads naturally.
func overlapTail(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || s == "" {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	tail := string(runes[len(runes)-n:])
	if idx := strings.IndexByte(tail, ' '); idx >= 0 && idx+1 < len(tail) {
		tail = tail[idx+1:]
	}
	return tail
}

func hardWrap(s string, size, overlap int) []string {
	runes := []rune(s)
	step := size - overlap
	if step <= 0 {
		step = size
	}

	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, strings.TrimSpace(string(runes[start:end])))
		if end == len(runes) {
			break
		}
	}
	return out
}
