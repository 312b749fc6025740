// Package converttest builds small source documents for tests.
package converttest

import (
	"archive/zip"
	"bytes"
	"fmt"
	"os"
	"strings"
	"testing"
)

// WritePDF writes a valid PDF with one page per entry in pages, each page
// showing its text in Helvetica.
func WritePDF(t testing.TB, path string, pages []string) {
	t.Helper()
	if err := os.WriteFile(path, BuildPDF(pages), 0o644); err != nil {
		t.Fatalf("write pdf: %v", err)
	}
}

// BuildPDF returns the bytes of a PDF with one page per entry in pages.
func BuildPDF(pages []string) []byte {
	n := len(pages)
	// 1 catalog, 2 pages tree, 3 font, then a page and a content stream per page.
	objects := make([]string, 3+2*n)

	kids := make([]string, n)
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	objects[0] = "<< /Type /Catalog /Pages 2 0 R >>"
	objects[1] = fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), n)
	objects[2] = "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>"

	for i, text := range pages {
		pageNum := 4 + 2*i
		contentNum := pageNum + 1
		objects[pageNum-1] = fmt.Sprintf(
			"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>",
			contentNum,
		)
		stream := fmt.Sprintf("BT /F1 18 Tf 72 720 Td (%s) Tj ET", escapePDFString(text))
		objects[contentNum-1] = fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream)
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func escapePDFString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)
	return r.Replace(s)
}

// WriteEPUB writes an EPUB whose spine lists one XHTML document per entry in
// sections, in order. Empty or whitespace-only entries produce sections with
// no visible text.
func WriteEPUB(t testing.TB, path string, sections []string) {
	t.Helper()
	data, err := BuildEPUB(sections)
	if err != nil {
		t.Fatalf("build epub: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write epub: %v", err)
	}
}

func BuildEPUB(sections []string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	// The mimetype entry must come first and be stored uncompressed.
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	if err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte("application/epub+zip")); err != nil {
		return nil, err
	}

	files := []struct{ name, body string }{
		{"META-INF/container.xml", `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`},
		{"OEBPS/content.opf", packageDocument(len(sections))},
	}
	for i, text := range sections {
		files = append(files, struct{ name, body string }{
			fmt.Sprintf("OEBPS/text/section%02d.xhtml", i+1),
			sectionDocument(i+1, text),
		})
	}

	for _, f := range files {
		w, err := zw.Create(f.name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(f.body)); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func packageDocument(n int) string {
	var manifest, spine strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&manifest, `    <item id="s%02d" href="text/section%02d.xhtml" media-type="application/xhtml+xml"/>`+"\n", i, i)
		fmt.Fprintf(&spine, `    <itemref idref="s%02d"/>`+"\n", i)
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="id">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:identifier id="id">test-book</dc:identifier>
    <dc:title>Test Book</dc:title>
  </metadata>
  <manifest>
%s  </manifest>
  <spine>
%s  </spine>
</package>`, manifest.String(), spine.String())
}

func sectionDocument(index int, text string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml">
<head><title>Section %d</title><style>p { margin: 0 }</style></head>
<body><p>%s</p></body>
</html>`, index, text)
}
