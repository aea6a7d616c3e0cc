package markdown

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/toc"
)

// Section is the plain text under one heading, with its header hierarchy.
type Section struct {
	Index      int    // Position in document (0, 1, 2...)
	HeaderPath string // Hierarchy: "# Doc Title > ## Section Name"
	Text       string // Plain text, paragraphs separated by blank lines
}

// Sectioner turns markdown into plain-text sections split at headings.
type Sectioner struct {
	parser   goldmark.Markdown
	maxDepth int
}

// NewSectioner creates a sectioner that splits at headings up to maxDepth.
// maxDepth <= 0 splits at H1-H3.
func NewSectioner(maxDepth int) *Sectioner {
	if maxDepth <= 0 {
		maxDepth = 3
	}
	md := goldmark.New(
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
	)
	return &Sectioner{
		parser:   md,
		maxDepth: maxDepth,
	}
}

// Sections parses source and returns its sections in document order.
// Markup is stripped; code blocks keep their raw lines. Text before the
// first heading forms a section with an empty header path.
func (s *Sectioner) Sections(source []byte) ([]Section, error) {
	reader := text.NewReader(source)
	doc := s.parser.Parser().Parse(reader)

	tree, err := toc.Inspect(doc, source,
		toc.MinDepth(1),
		toc.MaxDepth(s.maxDepth),
		toc.Compact(true),
	)
	if err != nil {
		return nil, fmt.Errorf("inspect TOC: %w", err)
	}

	paths := make(map[string]string)
	flattenPaths(tree.Items, nil, paths)

	var (
		sections []Section
		current  = Section{}
		parts    []string
	)
	closeSection := func() {
		body := strings.TrimSpace(strings.Join(parts, "\n\n"))
		if body != "" {
			current.Index = len(sections)
			current.Text = body
			sections = append(sections, current)
		}
		parts = nil
	}

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if heading, ok := n.(*ast.Heading); ok && heading.Level <= s.maxDepth {
			if path, ok := paths[headingID(heading)]; ok {
				closeSection()
				current = Section{HeaderPath: path}
			}
		}
		if body := strings.TrimSpace(blockText(n, source)); body != "" {
			parts = append(parts, body)
		}
	}
	closeSection()

	return sections, nil
}

// flattenPaths maps each TOC item ID to its formatted header path.
func flattenPaths(items toc.Items, ancestors []string, out map[string]string) {
	for _, item := range items {
		current := append(append([]string(nil), ancestors...), string(item.Title))
		if len(item.ID) > 0 {
			out[string(item.ID)] = formatHeaderPath(current)
		}
		if len(item.Items) > 0 {
			flattenPaths(item.Items, current, out)
		}
	}
}

// formatHeaderPath builds a header hierarchy string.
// Example: ["Installation", "Prerequisites"] -> "# Installation > ## Prerequisites"
func formatHeaderPath(path []string) string {
	if len(path) == 0 {
		return ""
	}

	var parts []string
	for i, segment := range path {
		prefix := strings.Repeat("#", i+1)
		parts = append(parts, fmt.Sprintf("%s %s", prefix, segment))
	}

	return strings.Join(parts, " > ")
}

func headingID(h *ast.Heading) string {
	id, ok := h.AttributeString("id")
	if !ok {
		return ""
	}
	if b, ok := id.([]byte); ok {
		return string(b)
	}
	return ""
}

// blockText renders a block node as plain text.
func blockText(n ast.Node, source []byte) string {
	switch n.Kind() {
	case ast.KindParagraph, ast.KindTextBlock, ast.KindHeading:
		return inlineText(n, source)
	case ast.KindFencedCodeBlock, ast.KindCodeBlock:
		var buf bytes.Buffer
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			buf.Write(seg.Value(source))
		}
		return buf.String()
	case ast.KindHTMLBlock, ast.KindThematicBreak:
		return ""
	}

	var parts []string
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t := strings.TrimSpace(blockText(c, source)); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// inlineText concatenates the text leaves under n.
func inlineText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := node.(type) {
		case *ast.Text:
			buf.Write(v.Segment.Value(source))
			if v.HardLineBreak() {
				buf.WriteByte('\n')
			} else if v.SoftLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(v.Value)
		case *ast.AutoLink:
			buf.Write(v.Label(source))
			return ast.WalkSkipChildren, nil
		case *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return buf.String()
}
