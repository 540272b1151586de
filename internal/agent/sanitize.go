package agent

import (
	"regexp"
	"strings"
	"unicode"
)

// cliMarker prefixes the answer line in clawdbot's decorated output.
const cliMarker = "│ ◇"

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// CleanOutput turns raw agent stdout into the user-facing reply:
//  1. ANSI escapes are removed.
//  2. If a line carries the CLI answer marker, the text after it is the reply.
//  3. Thinking tags and <final> wrappers are stripped.
//  4. Repeated paragraphs are collapsed and leading blank lines dropped.
func CleanOutput(raw string) string {
	out := strings.TrimSpace(ansiPattern.ReplaceAllString(raw, ""))
	if out == "" {
		return ""
	}

	for _, line := range strings.Split(out, "\n") {
		if i := strings.LastIndex(line, cliMarker); i >= 0 {
			out = strings.TrimSpace(line[i+len(cliMarker):])
			break
		}
	}

	out = stripThinkingTags(out)
	out = stripFinalTags(out)
	out = collapseConsecutiveDuplicateBlocks(out)
	return strings.TrimSpace(stripLeadingBlankLines(out))
}

// cleanLine is the streaming view of one stdout line: escapes removed and
// box-drawing decoration trimmed.
func cleanLine(line string) string {
	line = ansiPattern.ReplaceAllString(line, "")
	if i := strings.LastIndex(line, cliMarker); i >= 0 {
		return strings.TrimSpace(line[i+len(cliMarker):])
	}
	trimmed := strings.TrimSpace(strings.Trim(line, "│┌└◇◆●○ "))
	if trimmed == "" {
		return ""
	}
	return strings.TrimRight(line, " \t")
}

// --- Thinking tags ---

var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
	regexp.MustCompile(`(?is)<antthinking>.*?</antthinking>`),
}

func stripThinkingTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") &&
		!strings.Contains(lower, "<antthinking") {
		return content
	}
	for _, pat := range thinkingTagPatterns {
		content = pat.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}

// <final> and </final> are removed; the text inside is kept.
var finalTagPattern = regexp.MustCompile(`(?i)<\s*/?\s*final\s*>`)

func stripFinalTags(content string) string {
	if !strings.Contains(strings.ToLower(content), "final") {
		return content
	}
	return finalTagPattern.ReplaceAllString(content, "")
}

func collapseConsecutiveDuplicateBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}
	var result []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(result) > 0 && trimmed == strings.TrimSpace(result[len(result)-1]) {
			continue
		}
		result = append(result, block)
	}
	return strings.Join(result, "\n\n")
}

var leadingBlankLinesPattern = regexp.MustCompile(`^(?:[ \t]*\r?\n)+`)

func stripLeadingBlankLines(content string) string {
	return leadingBlankLinesPattern.ReplaceAllString(content, "")
}

// silentToken is the answer an agent gives when it chooses not to reply.
const silentToken = "NO_REPLY"

// IsSilentReply reports whether the agent chose not to answer (NO_REPLY token).
func IsSilentReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if trimmed == silentToken {
		return true
	}
	if strings.HasPrefix(trimmed, silentToken) && !isWordChar(rune(trimmed[len(silentToken)])) {
		return true
	}
	if strings.HasSuffix(trimmed, silentToken) {
		before := trimmed[:len(trimmed)-len(silentToken)]
		return !isWordChar(rune(before[len(before)-1]))
	}
	return false
}

// StreamableLen returns how many leading bytes of a partial answer can be
// shown while the agent may still be writing the silent-reply token. An
// answer that opens with the token shows nothing; a trailing word that could
// still grow into the token is held back.
func StreamableLen(text string) int {
	lead := strings.TrimLeftFunc(text, unicode.IsSpace)
	if strings.HasPrefix(lead, silentToken) {
		rest := lead[len(silentToken):]
		if rest == "" || !isWordChar(rune(rest[0])) {
			return 0
		}
	}

	n := len(text)
	body := strings.TrimRightFunc(text, unicode.IsSpace)
	for k := min(len(silentToken), len(body)); k > 0; k-- {
		if !strings.HasSuffix(body, silentToken[:k]) {
			continue
		}
		start := len(body) - k
		if start == 0 || !isWordChar(rune(body[start-1])) {
			n = start
			break
		}
	}
	if strings.TrimSpace(text[:n]) == "" {
		return 0
	}
	return n
}

// StripSilentToken removes a trailing silent-reply token from text.
func StripSilentToken(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasSuffix(trimmed, silentToken) {
		return trimmed
	}
	return strings.TrimSpace(trimmed[:len(trimmed)-len(silentToken)])
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
