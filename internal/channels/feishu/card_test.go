package feishu

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSplitCardSegments(t *testing.T) {
	text := "Summary:\n\n| name | qty |\n|:---|---:|\n| apple | 3 |\n| pear | 5 |\n\nThat's all."
	segs := SplitCardSegments(text)
	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3: %+v", len(segs), segs)
	}
	if segs[0].Type != SegmentMarkdown || !strings.Contains(segs[0].Content, "Summary:") {
		t.Errorf("segment 0 = %+v", segs[0])
	}
	tbl := segs[1].Table
	if segs[1].Type != SegmentTable || tbl == nil {
		t.Fatalf("segment 1 = %+v, want table", segs[1])
	}
	if strings.Join(tbl.Header, ",") != "name,qty" {
		t.Errorf("header = %v", tbl.Header)
	}
	if len(tbl.Rows) != 2 || tbl.Rows[1][0] != "pear" || tbl.Rows[1][1] != "5" {
		t.Errorf("rows = %v", tbl.Rows)
	}
	if segs[2].Type != SegmentMarkdown || !strings.Contains(segs[2].Content, "That's all.") {
		t.Errorf("segment 2 = %+v", segs[2])
	}
}

func TestSplitCardSegments_IgnoresTablesInFences(t *testing.T) {
	text := "```\n| a | b |\n|---|---|\n```"
	segs := SplitCardSegments(text)
	if len(segs) != 1 || segs[0].Type != SegmentMarkdown {
		t.Errorf("fenced table should stay markdown, got %+v", segs)
	}
}

func TestSplitCardSegments_RaggedRows(t *testing.T) {
	segs := SplitCardSegments("| a | b |\n|---|---|\n| 1 |\n| 1 | 2 | 3 |")
	if len(segs) != 1 || segs[0].Table == nil {
		t.Fatalf("segments = %+v", segs)
	}
	for i, row := range segs[0].Table.Rows {
		if len(row) != 2 {
			t.Errorf("row %d has %d cells, want 2", i, len(row))
		}
	}
}

func TestBuildCard(t *testing.T) {
	card := BuildCard("hello\n\n| a | b |\n|---|---|\n| 1 | 2 |")
	if card.Schema != "2.0" || !card.Config.UpdateMulti || !card.Config.WideScreenMode {
		t.Errorf("card header = %+v %+v", card.Schema, card.Config)
	}
	if len(card.Body.Elements) != 2 {
		t.Fatalf("elements = %d, want 2", len(card.Body.Elements))
	}
	if card.Body.Elements[0]["tag"] != "markdown" || card.Body.Elements[1]["tag"] != "table" {
		t.Errorf("element tags = %v, %v", card.Body.Elements[0]["tag"], card.Body.Elements[1]["tag"])
	}

	data, err := json.Marshal(card)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"update_multi":true`) {
		t.Errorf("card JSON missing update_multi: %s", data)
	}
}

func TestBuildCard_TableCap(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < maxCardTables+2; i++ {
		sb.WriteString("| h |\n|---|\n| v |\n\ntext\n\n")
	}
	card := BuildCard(sb.String())
	tables := 0
	for _, el := range card.Body.Elements {
		if el["tag"] == "table" {
			tables++
		}
	}
	if tables != maxCardTables {
		t.Errorf("table components = %d, want %d", tables, maxCardTables)
	}
}

func TestBuildCard_EmptyText(t *testing.T) {
	card := BuildCard("")
	if len(card.Body.Elements) != 1 {
		t.Errorf("empty card should carry one markdown element, got %d", len(card.Body.Elements))
	}
}
