package feishu

import (
	"fmt"
	"regexp"
	"strings"
)

// maxCardTables is the number of table components a single card may carry.
// Further tables stay in the markdown as text.
const maxCardTables = 5

// Card is an interactive card in schema 2.0.
type Card struct {
	Schema string     `json:"schema"`
	Config CardConfig `json:"config"`
	Body   CardBody   `json:"body"`
}

type CardConfig struct {
	WideScreenMode bool `json:"wide_screen_mode"`
	UpdateMulti    bool `json:"update_multi"`
}

type CardBody struct {
	Elements []CardElement `json:"elements"`
}

// CardElement is a single body component (markdown, table, ...).
type CardElement map[string]interface{}

// SegmentType distinguishes the parts of a card body.
type SegmentType string

const (
	SegmentMarkdown SegmentType = "markdown"
	SegmentTable    SegmentType = "table"
)

// CardSegment is either a run of markdown or a table parsed from GFM syntax.
type CardSegment struct {
	Type    SegmentType
	Content string     // markdown segments
	Table   *TableData // table segments
}

// TableData is a parsed GFM table.
type TableData struct {
	Header []string
	Rows   [][]string
}

var tableSeparator = regexp.MustCompile(`^\s*\|?\s*:?-+:?\s*(\|\s*:?-+:?\s*)*\|?\s*$`)

// SplitCardSegments splits text around GFM table blocks. Tables inside fenced
// code blocks are not recognized. Adjacent markdown lines are merged.
func SplitCardSegments(text string) []CardSegment {
	lines := strings.Split(text, "\n")
	var segs []CardSegment
	var md []string
	fence := ""

	flushMD := func() {
		if len(md) == 0 {
			return
		}
		content := strings.Join(md, "\n")
		md = nil
		if strings.TrimSpace(content) == "" {
			return
		}
		segs = append(segs, CardSegment{Type: SegmentMarkdown, Content: content})
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimLeft(line, " ")

		if fence != "" {
			md = append(md, line)
			if strings.HasPrefix(trimmed, fence) && strings.Trim(trimmed, fence[:1]) == "" {
				fence = ""
			}
			continue
		}
		if f := openingFence(trimmed); f != "" {
			fence = f
			md = append(md, line)
			continue
		}

		if i+1 < len(lines) && strings.Contains(line, "|") && isTableSeparator(lines[i+1]) {
			header := splitTableRow(line)
			if len(header) == len(splitTableRow(lines[i+1])) {
				table := &TableData{Header: header}
				j := i + 2
				for ; j < len(lines); j++ {
					if strings.TrimSpace(lines[j]) == "" || !strings.Contains(lines[j], "|") {
						break
					}
					table.Rows = append(table.Rows, normalizeRow(splitTableRow(lines[j]), len(header)))
				}
				flushMD()
				segs = append(segs, CardSegment{Type: SegmentTable, Table: table})
				i = j - 1
				continue
			}
		}
		md = append(md, line)
	}
	flushMD()
	return segs
}

func isTableSeparator(line string) bool {
	return strings.Contains(line, "-") && strings.Contains(line, "|") && tableSeparator.MatchString(line)
}

func splitTableRow(line string) []string {
	s := strings.TrimSpace(line)
	s = strings.TrimPrefix(s, "|")
	s = strings.TrimSuffix(s, "|")

	var cells []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && i+1 < len(s) && s[i+1] == '|':
			cur.WriteByte('|')
			i++
		case s[i] == '|':
			cells = append(cells, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteByte(s[i])
		}
	}
	return append(cells, strings.TrimSpace(cur.String()))
}

func normalizeRow(cells []string, n int) []string {
	if len(cells) > n {
		return cells[:n]
	}
	for len(cells) < n {
		cells = append(cells, "")
	}
	return cells
}

// BuildCard renders text as an updatable schema 2.0 card. GFM tables become
// table components; everything else is a markdown element.
func BuildCard(text string) Card {
	card := Card{
		Schema: "2.0",
		Config: CardConfig{WideScreenMode: true, UpdateMulti: true},
	}

	tables := 0
	for _, seg := range SplitCardSegments(text) {
		switch seg.Type {
		case SegmentTable:
			if tables < maxCardTables {
				card.Body.Elements = append(card.Body.Elements, tableElement(seg.Table))
				tables++
				continue
			}
			card.Body.Elements = append(card.Body.Elements, markdownElement(tableMarkdown(seg.Table)))
		default:
			card.Body.Elements = append(card.Body.Elements, markdownElement(seg.Content))
		}
	}
	if len(card.Body.Elements) == 0 {
		card.Body.Elements = append(card.Body.Elements, markdownElement(text))
	}
	return card
}

func markdownElement(content string) CardElement {
	return CardElement{"tag": "markdown", "content": content}
}

func tableElement(t *TableData) CardElement {
	columns := make([]map[string]interface{}, len(t.Header))
	for i, h := range t.Header {
		columns[i] = map[string]interface{}{
			"name":         fmt.Sprintf("col_%d", i),
			"display_name": h,
			"data_type":    "lark_md",
			"width":        "auto",
		}
	}
	rows := make([]map[string]interface{}, len(t.Rows))
	for r, row := range t.Rows {
		m := make(map[string]interface{}, len(row))
		for i, cell := range row {
			m[fmt.Sprintf("col_%d", i)] = cell
		}
		rows[r] = m
	}
	pageSize := len(rows)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > 10 {
		pageSize = 10
	}
	return CardElement{
		"tag":          "table",
		"page_size":    pageSize,
		"row_height":   "low",
		"header_style": map[string]interface{}{"bold": true, "background_style": "grey"},
		"columns":      columns,
		"rows":         rows,
	}
}

func tableMarkdown(t *TableData) string {
	var sb strings.Builder
	sb.WriteString("| " + strings.Join(t.Header, " | ") + " |\n")
	sep := make([]string, len(t.Header))
	for i := range sep {
		sep[i] = "---"
	}
	sb.WriteString("| " + strings.Join(sep, " | ") + " |")
	for _, row := range t.Rows {
		sb.WriteString("\n| " + strings.Join(row, " | ") + " |")
	}
	return sb.String()
}
