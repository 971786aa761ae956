package vectorize

// Chunk splits text into overlapping windows of at most size characters.
// Each split prefers the last newline inside the window, then the last
// space, then a hard cut. Consecutive chunks share overlap characters of
// context.
func Chunk(text string, size, overlap int) []string {
	spans := chunkSpans(text, size, overlap)
	if len(spans) == 0 {
		return nil
	}
	chunks := make([]string, len(spans))
	for i, span := range spans {
		chunks[i] = span.Text
	}
	return chunks
}

// chunkSpan is one chunk plus its start offset in the source text
type chunkSpan struct {
	Text  string
	Start int
}

func chunkSpans(text string, size, overlap int) []chunkSpan {
	if size <= 0 {
		return nil
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 2
	}
	if len(text) == 0 {
		return nil
	}
	if len(text) <= size {
		return []chunkSpan{{Text: text}}
	}

	var chunks []chunkSpan
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			chunks = append(chunks, chunkSpan{Text: text[start:], Start: start})
			break
		}

		cut := splitPoint(text[start:end], overlap)
		chunks = append(chunks, chunkSpan{Text: text[start : start+cut], Start: start})

		next := start + cut - overlap
		if next <= start {
			// overlap swallowed the whole advance; force progress
			next = start + cut
		}
		start = next
	}
	return chunks
}

// splitPoint finds the best cut position within a window: after the last
// newline, else after the last space, else the window end. The backward
// search covers only the last overlap bytes so an early boundary never
// shrinks the chunk below size-overlap.
func splitPoint(window string, overlap int) int {
	floor := len(window) - overlap
	if floor < 1 {
		floor = 1
	}
	for i := len(window) - 1; i >= floor; i-- {
		if window[i] == '\n' {
			return i + 1
		}
	}
	for i := len(window) - 1; i >= floor; i-- {
		if window[i] == ' ' {
			return i + 1
		}
	}
	return len(window)
}
