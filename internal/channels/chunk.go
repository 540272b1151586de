package channels

import (
	"strings"
	"unicode/utf8"
)

// ChunkMode selects how oversized outbound text is split.
type ChunkMode string

const (
	// ChunkModeLength fills each chunk up to the limit, preferring markdown-safe boundaries.
	ChunkModeLength ChunkMode = "length"
	// ChunkModeNewline packs whole lines; a line is never split.
	ChunkModeNewline ChunkMode = "newline"
)

// ParseChunkMode maps a config value to a ChunkMode. Unknown values fall back to length.
func ParseChunkMode(s string) ChunkMode {
	if ChunkMode(strings.ToLower(strings.TrimSpace(s))) == ChunkModeNewline {
		return ChunkModeNewline
	}
	return ChunkModeLength
}

// ChunkText splits text into ordered pieces of at most limit runes.
// Text that already fits is returned as a single chunk; empty text yields no chunks.
// In newline mode a single line longer than limit is emitted as its own oversized chunk.
func ChunkText(text string, limit int, mode ChunkMode) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	if mode == ChunkModeNewline {
		return chunkByNewline(text, limit)
	}
	return ChunkMarkdown(text, limit)
}

func chunkByNewline(text string, limit int) []string {
	var chunks []string
	var buf strings.Builder
	bufLen := 0

	flush := func() {
		if bufLen > 0 {
			chunks = append(chunks, buf.String())
			buf.Reset()
			bufLen = 0
		}
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		n := utf8.RuneCountInString(line)
		if bufLen > 0 && bufLen+n > limit {
			flush()
		}
		if n > limit {
			chunks = append(chunks, line)
			continue
		}
		buf.WriteString(line)
		bufLen += n
	}
	flush()
	return chunks
}

// fenceSpan is a fenced code block: [start, end) covers the opening line through the closing line.
type fenceSpan struct {
	start, end int
	open       string // opening fence line, e.g. "```go"
	marker     string // "```" or "~~~"
}

func (f fenceSpan) contains(pos int) bool { return pos > f.start && pos < f.end }

// ChunkMarkdown greedily splits markdown into chunks of at most limit runes.
// Break points are chosen in order of preference: blank line, newline, space.
// A break never lands inside a fenced code block while a boundary outside one
// exists; when a fence itself is too long it is closed at the end of the chunk
// and reopened with the same info string at the start of the next.
func ChunkMarkdown(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	fences := findFences(text)
	var chunks []string
	prefix := ""
	pos := 0

	for pos < len(text) {
		budget := limit - utf8.RuneCountInString(prefix)
		if budget < 1 {
			prefix, budget = "", limit
		}
		end := advanceRunes(text, pos, budget)
		if end >= len(text) {
			chunks = append(chunks, prefix+text[pos:])
			break
		}

		if bp := lastSafeBreak(text, pos, end, fences); bp > pos {
			chunks = append(chunks, prefix+text[pos:bp])
			prefix = ""
			pos = bp
			continue
		}

		f, inFence := fenceAt(fences, end)
		if !inFence {
			chunks = append(chunks, prefix+text[pos:end])
			prefix = ""
			pos = end
			continue
		}

		// Split inside the fence: reserve room for "\n" + closing marker.
		// Below that room the fence cannot be kept and the text is cut as is.
		room := budget - len(f.marker) - 1
		if room < 1 {
			chunks = append(chunks, prefix+text[pos:end])
			prefix = ""
			pos = end
			continue
		}
		end = advanceRunes(text, pos, room)
		bp := end
		if idx := strings.LastIndexByte(text[pos:end], '\n'); idx >= 0 {
			bp = pos + idx + 1
		}
		body := text[pos:bp]
		if !strings.HasSuffix(body, "\n") {
			body += "\n"
		}
		chunks = append(chunks, prefix+body+f.marker)
		prefix = f.open + "\n"
		pos = bp
	}
	return chunks
}

// advanceRunes returns the byte offset n runes after pos (at least one rune, at most len(s)).
func advanceRunes(s string, pos, n int) int {
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && pos < len(s); i++ {
		_, size := utf8.DecodeRuneInString(s[pos:])
		pos += size
	}
	return pos
}

func lastSafeBreak(text string, pos, end int, fences []fenceSpan) int {
	window := text[pos:end]
	half := pos + len(window)/2

	find := func(sep string, floor int) int {
		search := window
		for {
			idx := strings.LastIndex(search, sep)
			if idx < 0 {
				return -1
			}
			bp := pos + idx + len(sep)
			if bp <= floor {
				return -1
			}
			if !insideFence(fences, bp) {
				return bp
			}
			search = search[:idx]
		}
	}

	for _, try := range []struct {
		sep   string
		floor int
	}{
		{"\n\n", half},
		{"\n", half},
		{" ", half},
		{"\n", pos},
		{" ", pos},
	} {
		if bp := find(try.sep, try.floor); bp > 0 {
			return bp
		}
	}
	return -1
}

func insideFence(fences []fenceSpan, pos int) bool {
	_, ok := fenceAt(fences, pos)
	return ok
}

func fenceAt(fences []fenceSpan, pos int) (fenceSpan, bool) {
	for _, f := range fences {
		if f.contains(pos) {
			return f, true
		}
	}
	return fenceSpan{}, false
}

func findFences(text string) []fenceSpan {
	var spans []fenceSpan
	var cur *fenceSpan

	for offset := 0; offset < len(text); {
		next := len(text)
		if idx := strings.IndexByte(text[offset:], '\n'); idx >= 0 {
			next = offset + idx + 1
		}
		line := strings.TrimRight(text[offset:next], "\r\n")
		trimmed := strings.TrimLeft(line, " ")

		if cur == nil {
			if marker := fenceMarker(trimmed); marker != "" {
				cur = &fenceSpan{start: offset, open: trimmed, marker: marker}
			}
		} else if isFenceClose(trimmed, cur.marker) {
			cur.end = next
			spans = append(spans, *cur)
			cur = nil
		}
		offset = next
	}
	if cur != nil {
		cur.end = len(text)
		spans = append(spans, *cur)
	}
	return spans
}

func fenceMarker(line string) string {
	for _, ch := range []byte{'`', '~'} {
		n := 0
		for n < len(line) && line[n] == ch {
			n++
		}
		if n >= 3 {
			if ch == '`' && strings.ContainsRune(line[n:], '`') {
				return ""
			}
			return line[:n]
		}
	}
	return ""
}

func isFenceClose(line, marker string) bool {
	t := strings.TrimSpace(line)
	if len(t) < len(marker) {
		return false
	}
	for i := 0; i < len(t); i++ {
		if t[i] != marker[0] {
			return false
		}
	}
	return true
}
