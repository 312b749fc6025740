package convert

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/dunamismax/pagemill/internal/domain"
	"golang.org/x/net/html"
)

const containerPath = "META-INF/container.xml"

// EPUBConverter emits one page per non-empty section, walking sections in
// spine order. The page count is only known after a full walk, so every run
// walks all sections and emits pages past the resume point.
type EPUBConverter struct {
	Canvas Canvas
}

func NewEPUBConverter() *EPUBConverter {
	return &EPUBConverter{Canvas: LetterCanvas(DefaultDPI)}
}

func (c *EPUBConverter) Kind() domain.SourceKind {
	return domain.SourceKindEPUB
}

func (c *EPUBConverter) Count(ctx context.Context, src Source) (int, error) {
	total := 0
	err := walkSections(ctx, src.Path, func(int, string) error {
		total++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (c *EPUBConverter) Convert(ctx context.Context, src Source, resumeFrom int, target Target) (Result, error) {
	if err := target.validate(); err != nil {
		return Result{}, err
	}
	if resumeFrom < 0 {
		return Result{}, domain.NewConversionError(domain.ConversionCorruptSource, 0, fmt.Errorf("resume point must be >= 0, got %d", resumeFrom))
	}

	canvas := c.Canvas
	if canvas.Width == 0 {
		canvas = LetterCanvas(DefaultDPI)
	}

	var res Result
	err := walkSections(ctx, src.Path, func(page int, text string) error {
		res.TotalPages = page
		if page <= resumeFrom {
			return nil
		}
		raster, err := encodePNG(canvas.Typeset(text))
		if err != nil {
			return domain.NewConversionError(domain.ConversionRender, page, err)
		}
		if err := target.commit(ctx, page, encodeArtifact(raster)); err != nil {
			return err
		}
		res.Rendered++
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		return res, err
	}
	if err := checkResume(resumeFrom, res.TotalPages); err != nil {
		return res, domain.NewConversionError(domain.ConversionCorruptSource, 0, err)
	}
	return res, nil
}

// walkSections calls fn with a 1-based page index for every section that has
// visible text.
func walkSections(ctx context.Context, epubPath string, fn func(page int, text string) error) error {
	zr, err := zip.OpenReader(epubPath)
	if err != nil {
		return domain.NewConversionError(domain.ConversionCorruptSource, 0, fmt.Errorf("open epub: %w", err))
	}
	defer zr.Close()

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	sections, err := sectionOrder(files)
	if err != nil {
		return domain.NewConversionError(domain.ConversionCorruptSource, 0, err)
	}

	page := 0
	for _, name := range sections {
		if err := ctx.Err(); err != nil {
			return err
		}

		f, ok := files[name]
		if !ok {
			return domain.NewConversionError(domain.ConversionCorruptSource, page+1, fmt.Errorf("section %s missing from archive", name))
		}
		text, err := sectionText(f)
		if err != nil {
			return domain.NewConversionError(domain.ConversionCorruptSource, page+1, fmt.Errorf("read section %s: %w", name, err))
		}
		if strings.TrimSpace(text) == "" {
			continue
		}

		page++
		if err := fn(page, text); err != nil {
			return err
		}
	}
	return nil
}

type containerDoc struct {
	Rootfiles []struct {
		FullPath  string `xml:"full-path,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"rootfiles>rootfile"`
}

type packageDoc struct {
	Manifest []struct {
		ID        string `xml:"id,attr"`
		Href      string `xml:"href,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"manifest>item"`
	Spine []struct {
		IDRef string `xml:"idref,attr"`
	} `xml:"spine>itemref"`
}

// sectionOrder lists archive paths of the document sections in reading order:
// the package spine, else XHTML manifest items by href, else every HTML file
// in the archive by name.
func sectionOrder(files map[string]*zip.File) ([]string, error) {
	opfPath, err := packagePath(files)
	if err != nil {
		return nil, err
	}
	if opfPath == "" {
		return htmlFiles(files), nil
	}

	opfFile, ok := files[opfPath]
	if !ok {
		return nil, fmt.Errorf("package document %s missing from archive", opfPath)
	}
	var pkg packageDoc
	if err := decodeXML(opfFile, &pkg); err != nil {
		return nil, fmt.Errorf("parse package document: %w", err)
	}

	base := path.Dir(opfPath)
	hrefs := make(map[string]string, len(pkg.Manifest))
	var xhtml []string
	for _, item := range pkg.Manifest {
		resolved, err := resolveHref(base, item.Href)
		if err != nil {
			return nil, err
		}
		hrefs[item.ID] = resolved
		if isHTMLMediaType(item.MediaType) {
			xhtml = append(xhtml, resolved)
		}
	}

	var order []string
	for _, ref := range pkg.Spine {
		href, ok := hrefs[ref.IDRef]
		if !ok {
			return nil, fmt.Errorf("spine references unknown item %q", ref.IDRef)
		}
		order = append(order, href)
	}
	if len(order) == 0 {
		sort.Strings(xhtml)
		order = xhtml
	}
	return order, nil
}

func packagePath(files map[string]*zip.File) (string, error) {
	if f, ok := files[containerPath]; ok {
		var doc containerDoc
		if err := decodeXML(f, &doc); err != nil {
			return "", fmt.Errorf("parse container: %w", err)
		}
		for _, rf := range doc.Rootfiles {
			if rf.FullPath != "" && (rf.MediaType == "" || rf.MediaType == "application/oebps-package+xml") {
				return rf.FullPath, nil
			}
		}
	}

	var candidates []string
	for name := range files {
		if strings.EqualFold(path.Ext(name), ".opf") {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return "", nil
	}
	sort.Strings(candidates)
	return candidates[0], nil
}

func htmlFiles(files map[string]*zip.File) []string {
	var names []string
	for name := range files {
		switch strings.ToLower(path.Ext(name)) {
		case ".xhtml", ".html", ".htm":
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func resolveHref(base, href string) (string, error) {
	if i := strings.IndexByte(href, '#'); i >= 0 {
		href = href[:i]
	}
	unescaped, err := url.PathUnescape(href)
	if err != nil {
		return "", fmt.Errorf("invalid manifest href %q: %w", href, err)
	}
	return path.Join(base, unescaped), nil
}

func isHTMLMediaType(mediaType string) bool {
	switch strings.ToLower(strings.TrimSpace(mediaType)) {
	case "application/xhtml+xml", "text/html":
		return true
	default:
		return false
	}
}

func decodeXML(f *zip.File, v any) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return xml.NewDecoder(rc).Decode(v)
}

func sectionText(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	doc, err := html.Parse(rc)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	collectText(&b, doc)
	return strings.TrimSpace(collapseBlankLines(b.String())), nil
}

var skippedElements = map[string]bool{
	"head": true, "script": true, "style": true, "title": true, "noscript": true,
}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "section": true,
	"article": true, "blockquote": true, "pre": true, "hr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

func collectText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		if skippedElements[n.Data] {
			return
		}
	}

	for child := n.FirstChild; child != nil; child = child.NextSibling {
		collectText(b, child)
	}
	if n.Type == html.ElementNode && blockElements[n.Data] {
		b.WriteByte('\n')
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
