package loader

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestDetectFormat(t *testing.T) {
	f, err := DetectFormat("notes/README.MD", "")
	require.NoError(t, err)
	assert.Equal(t, FormatMarkdown, f)

	f, err = DetectFormat("page.htm", "")
	require.NoError(t, err)
	assert.Equal(t, FormatHTML, f)

	f, err = DetectFormat("no-extension", FormatText)
	require.NoError(t, err)
	assert.Equal(t, FormatText, f, "hint overrides extension")

	_, err = DetectFormat("image.png", "")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = DetectFormat("file.txt", Format("xlsx"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestLoad_Text(t *testing.T) {
	path := writeFile(t, "a.txt", []byte("Line one.\r\n\r\n\r\n\r\nLine   two.\x07"))

	units, format, err := New(nil).Load(context.Background(), path, "")
	require.NoError(t, err)

	assert.Equal(t, FormatText, format)
	require.Len(t, units, 1)
	assert.Equal(t, "Line one.\n\nLine two.", units[0].Text)
}

func TestLoad_BinaryTextIsLoadError(t *testing.T) {
	path := writeFile(t, "bin.txt", []byte{0x00, 0x01, 0x02, 'a'})

	_, _, err := New(nil).Load(context.Background(), path, "")

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, path, loadErr.Path)
}

func TestLoad_Markdown(t *testing.T) {
	path := writeFile(t, "doc.md", []byte("# Guide\n\nIntro **bold**.\n\n## Setup\n\nRun it.\n"))

	units, _, err := New(nil).Load(context.Background(), path, "")
	require.NoError(t, err)

	require.Len(t, units, 2)
	assert.Equal(t, "# Guide", units[0].Location)
	assert.Contains(t, units[0].Text, "Intro bold.")
	assert.Equal(t, "# Guide > ## Setup", units[1].Location)
}

func TestLoad_HTML(t *testing.T) {
	html := `<html><head><title>Page</title><style>p{color:red}</style></head>
<body><nav>menu</nav><p>First paragraph.</p><p>Second<br>line.</p><script>var x=1;</script></body></html>`
	path := writeFile(t, "p.html", []byte(html))

	units, _, err := New(nil).Load(context.Background(), path, "")
	require.NoError(t, err)
	require.Len(t, units, 1)

	text := units[0].Text
	assert.Contains(t, text, "Page")
	assert.Contains(t, text, "First paragraph.")
	assert.Contains(t, text, "Second\nline.")
	assert.NotContains(t, text, "var x")
	assert.NotContains(t, text, "color:red")
	assert.NotContains(t, text, "menu")
}

const (
	docxContentTypes = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
<Default Extension="xml" ContentType="application/xml"/>
<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
</Types>`
	docxRels = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>
</Relationships>`
	docxBody = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p><w:r><w:t>Hello</w:t></w:r><w:r><w:t xml:space="preserve"> world.</w:t></w:r></w:p>
<w:tbl><w:tr><w:tc><w:p><w:r><w:t>Voltage rating</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>230 volts</w:t></w:r></w:p></w:tc></w:tr></w:tbl>
<w:p><w:r><w:t>Second paragraph.</w:t></w:r></w:p>
</w:body></w:document>`
)

func writeDOCX(t *testing.T, parts map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "d.docx")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, name := range []string{"[Content_Types].xml", "_rels/.rels", "word/document.xml"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(parts[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func TestLoad_DOCX(t *testing.T) {
	path := writeDOCX(t, map[string]string{
		"[Content_Types].xml": docxContentTypes,
		"_rels/.rels":         docxRels,
		"word/document.xml":   docxBody,
	})

	units, format, err := New(nil).Load(context.Background(), path, "")
	require.NoError(t, err)

	assert.Equal(t, FormatDOCX, format)
	require.Len(t, units, 1)
	assert.Contains(t, units[0].Text, "Hello world.")
	assert.Contains(t, units[0].Text, "Voltage rating")
	assert.Contains(t, units[0].Text, "230 volts")
	assert.Contains(t, units[0].Text, "Second paragraph.")
}

func TestLoad_CorruptDOCXIsLoadError(t *testing.T) {
	path := writeFile(t, "empty.docx", []byte("PK not a zip archive"))

	_, format, err := New(nil).Load(context.Background(), path, "")

	assert.Equal(t, FormatDOCX, format)
	var loadErr *LoadError
	assert.ErrorAs(t, err, &loadErr)
}

func TestLoad_CorruptPDFIsLoadError(t *testing.T) {
	path := writeFile(t, "broken.pdf", []byte("%PDF-1.4 not really a pdf"))

	_, format, err := New(nil).Load(context.Background(), path, "")

	assert.Equal(t, FormatPDF, format)
	var loadErr *LoadError
	assert.ErrorAs(t, err, &loadErr)
}

func TestLoad_Unsupported(t *testing.T) {
	path := writeFile(t, "x.png", []byte("png"))

	_, _, err := New(nil).Load(context.Background(), path, "")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestLoad_MissingFile(t *testing.T) {
	_, _, err := New(nil).Load(context.Background(), filepath.Join(t.TempDir(), "gone.txt"), "")

	var loadErr *LoadError
	assert.ErrorAs(t, err, &loadErr)
}
