package feishu

import (
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
)

// RenderMode is the configured reply rendering policy.
type RenderMode string

const (
	RenderAuto RenderMode = "auto"
	RenderRaw  RenderMode = "raw"
	RenderCard RenderMode = "card"
)

// ParseRenderMode maps a config value to a RenderMode. Unknown values fall back to auto.
func ParseRenderMode(s string) RenderMode {
	switch RenderMode(strings.ToLower(strings.TrimSpace(s))) {
	case RenderRaw:
		return RenderRaw
	case RenderCard:
		return RenderCard
	default:
		return RenderAuto
	}
}

// Format is the message type a reply is sent as.
type Format string

const (
	FormatText Format = "text"
	FormatCard Format = "card"
)

// SelectFormat resolves the format for one reply.
func SelectFormat(mode RenderMode, text string) Format {
	switch mode {
	case RenderRaw:
		return FormatText
	case RenderCard:
		return FormatCard
	default:
		if hasRichMarkdown(text) {
			return FormatCard
		}
		return FormatText
	}
}

var (
	mdParser = goldmark.New(
		goldmark.WithExtensions(extension.Table, extension.Strikethrough),
	).Parser()

	richTagPattern = regexp.MustCompile(`<(font|text_tag)\b[^>]*>`)
)

// hasRichMarkdown reports whether text contains any construct that renders
// better in a card: code blocks, tables, emphasis, strikethrough, lists,
// thematic breaks, or inline font/text_tag markup.
func hasRichMarkdown(src string) bool {
	if strings.TrimSpace(src) == "" {
		return false
	}
	if richTagPattern.MatchString(src) {
		return true
	}

	doc := mdParser.Parse(text.NewReader([]byte(src)), parser.WithContext(parser.NewContext()))
	found := false
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindFencedCodeBlock, ast.KindCodeBlock, ast.KindEmphasis,
			ast.KindList, ast.KindThematicBreak,
			extast.KindTable, extast.KindStrikethrough:
			found = true
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return found
}
