package whatsapp

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Language models tend to answer in markdown no matter how the prompt
// is phrased. WhatsApp renders its own lightweight formatting instead
// (*bold*, _italic_, ```monospace```), so replies are parsed as
// CommonMark and re-rendered in that dialect before sending.

var md = goldmark.New()

var blankRuns = regexp.MustCompile(`\n{3,}`)

// FlattenMarkdown converts markdown to WhatsApp-formatted plain text.
// Headings become bold lines, links become "label (url)", and code
// blocks keep their fences, which WhatsApp renders as monospace.
func FlattenMarkdown(input string) string {
	source := []byte(input)
	doc := md.Parser().Parse(text.NewReader(source))

	var sb strings.Builder
	renderBlocks(&sb, doc, source, "")

	out := strings.TrimSpace(sb.String())
	return blankRuns.ReplaceAllString(out, "\n\n")
}

func renderBlocks(sb *strings.Builder, parent ast.Node, source []byte, indent string) {
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		renderBlock(sb, n, source, indent)
	}
}

func renderBlock(sb *strings.Builder, n ast.Node, source []byte, indent string) {
	switch n := n.(type) {
	case *ast.Heading:
		sb.WriteString(indent + "*" + inlineText(n, source) + "*\n\n")

	case *ast.Paragraph:
		sb.WriteString(indent + inlineText(n, source) + "\n\n")

	case *ast.TextBlock:
		sb.WriteString(indent + inlineText(n, source) + "\n")

	case *ast.FencedCodeBlock:
		sb.WriteString("```\n" + rawLines(n, source) + "```\n\n")

	case *ast.CodeBlock:
		sb.WriteString("```\n" + rawLines(n, source) + "```\n\n")

	case *ast.List:
		renderList(sb, n, source, indent)
		sb.WriteString("\n")

	case *ast.Blockquote:
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			sb.WriteString(indent + "> " + inlineText(c, source) + "\n")
		}
		sb.WriteString("\n")

	case *ast.ThematicBreak:
		sb.WriteString(indent + "---\n\n")

	default:
		sb.WriteString(indent + inlineText(n, source) + "\n\n")
	}
}

func renderList(sb *strings.Builder, list *ast.List, source []byte, indent string) {
	idx := list.Start
	if idx == 0 {
		idx = 1
	}
	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		marker := "- "
		if list.IsOrdered() {
			marker = fmt.Sprintf("%d. ", idx)
			idx++
		}

		wroteMarker := false
		for c := item.FirstChild(); c != nil; c = c.NextSibling() {
			if nested, ok := c.(*ast.List); ok {
				if !wroteMarker {
					sb.WriteString(indent + marker + "\n")
					wroteMarker = true
				}
				renderList(sb, nested, source, indent+"  ")
				continue
			}
			if !wroteMarker {
				sb.WriteString(indent + marker)
				wroteMarker = true
			} else {
				sb.WriteString(indent + "  ")
			}
			sb.WriteString(inlineText(c, source) + "\n")
		}
		if !wroteMarker {
			sb.WriteString(indent + marker + "\n")
		}
	}
}

// rawLines concatenates a block node's source line segments verbatim.
func rawLines(n ast.Node, source []byte) string {
	var sb strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(source))
	}
	s := sb.String()
	if s != "" && !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}

func inlineText(n ast.Node, source []byte) string {
	var sb strings.Builder
	appendInline(&sb, n, source)
	return sb.String()
}

func appendInline(sb *strings.Builder, parent ast.Node, source []byte) {
	for c := parent.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(source))
			if t.HardLineBreak() {
				sb.WriteString("\n")
			} else if t.SoftLineBreak() {
				sb.WriteString(" ")
			}
		case *ast.String:
			sb.Write(t.Value)
		case *ast.CodeSpan:
			sb.WriteString("`")
			appendInline(sb, t, source)
			sb.WriteString("`")
		case *ast.Emphasis:
			mark := "_"
			if t.Level >= 2 {
				mark = "*"
			}
			sb.WriteString(mark)
			appendInline(sb, t, source)
			sb.WriteString(mark)
		case *ast.Link:
			label := inlineText(t, source)
			dest := string(t.Destination)
			if label == "" || label == dest {
				sb.WriteString(dest)
			} else {
				fmt.Fprintf(sb, "%s (%s)", label, dest)
			}
		case *ast.AutoLink:
			sb.Write(t.URL(source))
		case *ast.Image:
			// Alt text only; WhatsApp has no inline images in text.
			appendInline(sb, t, source)
		default:
			appendInline(sb, t, source)
		}
	}
}
