package feishu

import (
	"encoding/json"
	"regexp"
	"strings"
)

var orderedListItem = regexp.MustCompile(`^([ \t]*)(\d{1,9})([.)])[ \t]+`)

// NeutralizeOrderedLists bolds ordered-list markers ("1. x" → "**1.** x",
// "1) x" → "**1)** x") so the post renderer keeps the author's numbering
// instead of renumbering or merging the items. Lines inside fenced code
// blocks are left alone.
func NeutralizeOrderedLists(text string) string {
	if !strings.ContainsAny(text, ".)") {
		return text
	}
	lines := strings.Split(text, "\n")
	fence := ""
	for i, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		if fence != "" {
			if strings.HasPrefix(trimmed, fence) && strings.Trim(trimmed, fence[:1]) == "" {
				fence = ""
			}
			continue
		}
		if m := openingFence(trimmed); m != "" {
			fence = m
			continue
		}
		if loc := orderedListItem.FindStringSubmatchIndex(line); loc != nil {
			indent := line[loc[2]:loc[3]]
			marker := line[loc[4]:loc[7]]
			lines[i] = indent + "**" + marker + "** " + line[loc[1]:]
		}
	}
	return strings.Join(lines, "\n")
}

func openingFence(line string) string {
	for _, marker := range []string{"```", "~~~"} {
		if strings.HasPrefix(line, marker) {
			n := len(marker)
			for n < len(line) && line[n] == marker[0] {
				n++
			}
			return line[:n]
		}
	}
	return ""
}

// buildPostContent wraps markdown in a single-paragraph post using the "md" tag.
func buildPostContent(text string) string {
	content := map[string]interface{}{
		"zh_cn": map[string]interface{}{
			"content": [][]map[string]interface{}{
				{
					{
						"tag":  "md",
						"text": text,
					},
				},
			},
		},
	}
	data, _ := json.Marshal(content)
	return string(data)
}
