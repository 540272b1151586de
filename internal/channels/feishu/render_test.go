package feishu

import "testing"

func TestSelectFormat(t *testing.T) {
	tests := []struct {
		name string
		mode RenderMode
		text string
		want Format
	}{
		{"raw forces text", RenderRaw, "```go\nx\n```", FormatText},
		{"card forces card", RenderCard, "hello", FormatCard},
		{"fenced code", RenderAuto, "a\n```\ncode\n```\n", FormatCard},
		{"table", RenderAuto, "| a | b |\n|---|---|\n|1|2|", FormatCard},
		{"plain prose", RenderAuto, "The meeting moved to Thursday afternoon.", FormatText},
		{"bold", RenderAuto, "this is **important**", FormatCard},
		{"italic", RenderAuto, "this is *subtle*", FormatCard},
		{"strikethrough", RenderAuto, "this is ~~gone~~", FormatCard},
		{"bullet list", RenderAuto, "- one\n- two", FormatCard},
		{"ordered list", RenderAuto, "1. one\n2. two", FormatCard},
		{"thematic break", RenderAuto, "above\n\n---\n\nbelow", FormatCard},
		{"indented code", RenderAuto, "intro\n\n    code line\n", FormatCard},
		{"font tag", RenderAuto, "status: <font color='red'>down</font>", FormatCard},
		{"text_tag", RenderAuto, "<text_tag color='blue'>new</text_tag> release", FormatCard},
		{"lone asterisk", RenderAuto, "2 * 3 = 6", FormatText},
		{"snake case", RenderAuto, "set max_retry_count in the file", FormatText},
		{"empty", RenderAuto, "", FormatText},
		{"unknown mode behaves as auto", RenderMode("fancy"), "plain words", FormatText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SelectFormat(tt.mode, tt.text); got != tt.want {
				t.Errorf("SelectFormat(%q, %q) = %q, want %q", tt.mode, tt.text, got, tt.want)
			}
		})
	}
}

func TestSelectFormat_Deterministic(t *testing.T) {
	inputs := []string{"a\n```\ncode\n```\n", "| a | b |\n|---|---|\n|1|2|", "just words"}
	for _, in := range inputs {
		first := SelectFormat(RenderAuto, in)
		for i := 0; i < 5; i++ {
			if got := SelectFormat(RenderAuto, in); got != first {
				t.Fatalf("SelectFormat(auto, %q) changed between calls: %q then %q", in, first, got)
			}
		}
	}
}

func TestParseRenderMode(t *testing.T) {
	tests := map[string]RenderMode{
		"raw":   RenderRaw,
		"CARD":  RenderCard,
		"auto":  RenderAuto,
		"":      RenderAuto,
		"other": RenderAuto,
	}
	for in, want := range tests {
		if got := ParseRenderMode(in); got != want {
			t.Errorf("ParseRenderMode(%q) = %q, want %q", in, got, want)
		}
	}
}
