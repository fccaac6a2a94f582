// ABOUTME: Plain-text conversation previews from markdown message content
// ABOUTME: Parses with goldmark, keeps text nodes only, collapses whitespace and truncates

// Package preview renders the one-line "last message" text shown in the
// conversation list.
package preview

import (
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/2389/orbit-sync/internal/model"
)

// DefaultMax is the preview length used by Message.
const DefaultMax = 80

// DeletedText is shown for soft-deleted messages.
const DeletedText = "message deleted"

var md = goldmark.New()

// Message returns the preview of a message.
func Message(m model.Message) string {
	if m.Deleted {
		return DeletedText
	}
	return Text(m.Text(), DefaultMax)
}

// Text strips markdown formatting from content and returns at most max
// runes, ending in an ellipsis when cut. max <= 0 disables truncation.
func Text(content string, max int) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}

	src := []byte(content)
	doc := md.Parser().Parse(text.NewReader(src))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if n.Type() == ast.TypeBlock && n.PreviousSibling() != nil {
			b.WriteByte(' ')
		}
		switch node := n.(type) {
		case *ast.Text:
			b.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(node.Value)
		case *ast.AutoLink:
			b.Write(node.Label(src))
			return ast.WalkSkipChildren, nil
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(src))
				b.WriteByte(' ')
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	return truncate(strings.Join(strings.Fields(b.String()), " "), max)
}

func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	if max == 1 {
		return "…"
	}
	runes := []rune(s)
	return strings.TrimRight(string(runes[:max-1]), " ") + "…"
}
