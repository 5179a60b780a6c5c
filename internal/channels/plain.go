package channels

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// PlainText renders markdown as readable unformatted text: emphasis and
// headings lose their markers, links keep their URL in parentheses and list
// items get a "- " prefix.
func PlainText(src string) string {
	source := []byte(src)
	doc := markdown.Parser().Parse(text.NewReader(source))

	var buf bytes.Buffer
	newline := func() {
		if buf.Len() > 0 && !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
			buf.WriteByte('\n')
		}
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				buf.Write(node.Segment.Value(source))
				if node.HardLineBreak() || node.SoftLineBreak() {
					buf.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				buf.Write(node.Value)
			}
		case *ast.AutoLink:
			if entering {
				buf.Write(node.URL(source))
			}
			return ast.WalkSkipChildren, nil
		case *ast.Link:
			if !entering {
				dest := string(node.Destination)
				if dest != "" && !strings.HasSuffix(buf.String(), dest) {
					buf.WriteString(" (" + dest + ")")
				}
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				newline()
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					buf.Write(seg.Value(source))
				}
				newline()
				buf.WriteByte('\n')
			}
			return ast.WalkSkipChildren, nil
		case *ast.ListItem:
			if entering {
				newline()
				buf.WriteString("- ")
			} else {
				newline()
			}
		case *ast.Paragraph, *ast.Heading, *ast.TextBlock:
			if !entering {
				newline()
				if _, inItem := n.Parent().(*ast.ListItem); !inItem {
					buf.WriteByte('\n')
				}
			}
		case *ast.List, *ast.Blockquote:
			if !entering {
				newline()
				buf.WriteByte('\n')
			}
		case *ast.ThematicBreak:
			if entering {
				newline()
				buf.WriteByte('\n')
			}
		}
		return ast.WalkContinue, nil
	})

	out := strings.TrimSpace(buf.String())
	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	return out
}
