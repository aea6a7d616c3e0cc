package loader

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
	"github.com/lu4p/cat/docxtxt"
	"golang.org/x/text/unicode/norm"
)

var (
	blankRun  = regexp.MustCompile(`\n{3,}`)
	lineSpace = regexp.MustCompile(`[ \t\f\v]+`)

	errBinary = errors.New("binary content")
	errEmpty  = errors.New("no extractable text")
)

// Normalize applies NFKC, unifies line endings, strips control characters
// and collapses runs of blank lines.
func Normalize(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = norm.NFKC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(lineSpace.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	s = blankRun.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func readText(data []byte) ([]Unit, error) {
	head := data
	if len(head) > 8192 {
		head = head[:8192]
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return nil, errBinary
	}
	return []Unit{{Text: string(data)}}, nil
}

// readHTML extracts visible text, one paragraph per block element.
func readHTML(data []byte) ([]Unit, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	doc.Find("script, style, noscript, template, nav, svg").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, tr, pre, blockquote, section, article, h1, h2, h3, h4, h5, h6").
		Each(func(_ int, s *goquery.Selection) {
			s.AppendHtml("\n\n")
		})

	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	text := root.Text()
	if title := strings.TrimSpace(doc.Find("head title").Text()); title != "" {
		text = title + "\n\n" + text
	}
	if strings.TrimSpace(text) == "" {
		return nil, errEmpty
	}
	return []Unit{{Text: text}}, nil
}

// readPDF extracts plain text, one unit per page. Pages that fail to
// decode are skipped; a file with no readable page is an error.
func readPDF(path string) ([]Unit, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	var units []Unit
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(make(map[string]*pdf.Font))
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		units = append(units, Unit{Text: text, Location: fmt.Sprintf("page %d", i)})
	}
	if len(units) == 0 {
		return nil, errEmpty
	}
	return units, nil
}

// readDOCX extracts the body text of a Word document, including tables
// and text boxes.
func readDOCX(path string) ([]Unit, error) {
	text, err := docxtxt.ToStr(path)
	if err != nil {
		return nil, fmt.Errorf("read docx: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, errEmpty
	}
	return []Unit{{Text: text}}, nil
}
