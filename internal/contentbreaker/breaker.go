// Package contentbreaker implements the Content Breaker (spec.md §4.2): it
// splits a growing text buffer into platform-shaped chunks at natural
// boundaries, without ever cutting inside a fenced code block when a safe
// boundary exists within the search window.
package contentbreaker

import "strings"

// Breaker holds no state; a single instance is safe to share across sessions.
type Breaker struct{}

// New creates a Breaker.
func New() *Breaker {
	return &Breaker{}
}

// Break splits buffer into (firstChunk, remainder).
//
//   - If len(buffer) <= softThreshold, the whole buffer fits and is returned
//     unsplit (remainder == "").
//   - Otherwise the breaker searches, in order of preference, for a
//     blank-line, paragraph, sentence-ending punctuation, or whitespace
//     boundary within [softThreshold, min(len(buffer), hardThreshold)],
//     skipping any boundary that falls inside an open fenced code block.
//   - If len(buffer) > hardThreshold and no safe natural boundary was found,
//     the breaker hard-cuts exactly at hardThreshold.
//   - If len(buffer) <= hardThreshold and no safe natural boundary was
//     found, the buffer is returned unsplit — it still fits within the
//     platform's hard limit, so forcing an ugly cut buys nothing.
//
// Break is idempotent over already-broken input: calling it again on either
// returned half never produces a further split that this pass wouldn't also
// have produced from scratch, since each half already satisfies the size
// invariant that governs splitting.
func (b *Breaker) Break(buffer string, softThreshold, hardThreshold int) (firstChunk, remainder string) {
	if softThreshold <= 0 {
		softThreshold = hardThreshold
	}
	if len(buffer) <= softThreshold {
		return buffer, ""
	}

	windowEnd := len(buffer)
	if windowEnd > hardThreshold {
		windowEnd = hardThreshold
	}

	if idx, ok := findBoundary(buffer, softThreshold, windowEnd); ok {
		return strings.TrimRight(buffer[:idx], " \t\n"), strings.TrimLeft(buffer[idx:], "\n")
	}

	if len(buffer) > hardThreshold {
		return buffer[:hardThreshold], buffer[hardThreshold:]
	}

	return buffer, ""
}

// findBoundary looks for the best split point in (start, end], preferring
// (in order) blank lines, paragraph breaks, sentence endings, then
// whitespace — always the rightmost candidate of the best available kind,
// so the first chunk is as full as the window allows. Boundaries inside an
// open fenced code block are skipped.
func findBoundary(buffer string, start, end int) (int, bool) {
	if end > len(buffer) {
		end = len(buffer)
	}
	if start < 0 {
		start = 0
	}
	if start >= end {
		return 0, false
	}

	fences := fenceOffsets(buffer[:end])

	candidates := []func(string, int, int) (int, bool){
		findBlankLine,
		findParagraphBreak,
		findSentenceEnd,
		findWhitespace,
	}

	for _, find := range candidates {
		if idx, ok := find(buffer, start, end); ok && !insideFence(fences, idx) {
			return idx, true
		}
	}
	return 0, false
}

// fenceOffsets returns the byte offsets of every "```" occurrence in s.
func fenceOffsets(s string) []int {
	var offsets []int
	for i := 0; i+3 <= len(s); i++ {
		if s[i] == '`' && s[i+1] == '`' && s[i+2] == '`' {
			offsets = append(offsets, i)
			i += 2
		}
	}
	return offsets
}

// insideFence reports whether idx falls strictly inside an open code fence,
// i.e. an odd number of fence markers precede it.
func insideFence(fences []int, idx int) bool {
	count := 0
	for _, f := range fences {
		if f < idx {
			count++
		} else {
			break
		}
	}
	return count%2 == 1
}

func findBlankLine(buffer string, start, end int) (int, bool) {
	return findLastIndexInWindow(buffer, "\n\n", start, end, 2)
}

func findParagraphBreak(buffer string, start, end int) (int, bool) {
	return findLastIndexInWindow(buffer, "\n", start, end, 1)
}

func findSentenceEnd(buffer string, start, end int) (int, bool) {
	best := -1
	for _, sep := range []string{". ", "! ", "? ", ".\n", "!\n", "?\n"} {
		if idx, ok := findLastIndexInWindow(buffer, sep, start, end, 2); ok && idx > best {
			best = idx
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

func findWhitespace(buffer string, start, end int) (int, bool) {
	for i := end; i > start; i-- {
		if i <= len(buffer) && (buffer[i-1] == ' ' || buffer[i-1] == '\t') {
			return i, true
		}
	}
	return 0, false
}

// findLastIndexInWindow returns the offset just past the last occurrence of
// sep within buffer[start:end], or ok=false if none is found.
func findLastIndexInWindow(buffer, sep string, start, end, skip int) (int, bool) {
	if end > len(buffer) {
		end = len(buffer)
	}
	window := buffer[:end]
	last := -1
	from := 0
	for {
		idx := strings.Index(window[from:], sep)
		if idx < 0 {
			break
		}
		abs := from + idx
		if abs >= start {
			last = abs
		}
		from = abs + len(sep)
		if from >= len(window) {
			break
		}
	}
	if last < 0 {
		return 0, false
	}
	return last + skip, true
}
