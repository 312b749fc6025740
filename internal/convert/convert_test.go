package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/dunamismax/pagemill/internal/artifact"
	"github.com/dunamismax/pagemill/internal/checkpoint"
	"github.com/dunamismax/pagemill/internal/convert/converttest"
	"github.com/dunamismax/pagemill/internal/domain"
)

type fixture struct {
	root        string
	output      *artifact.LocalStore
	checkpoints *checkpoint.FileStore
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	output, err := artifact.NewLocalStore(filepath.Join(root, "content"))
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	checkpoints, err := checkpoint.NewFileStore(filepath.Join(root, "checkpoints"))
	if err != nil {
		t.Fatalf("new checkpoint store: %v", err)
	}
	return fixture{root: root, output: output, checkpoints: checkpoints}
}

func (f fixture) target(jobID string) Target {
	return Target{JobID: jobID, Output: f.output, Checkpoints: f.checkpoints, Fingerprint: "fp"}
}

// orderedCheckpoints fails Save if the artifact for that page is not stored yet.
type orderedCheckpoints struct {
	checkpoint.Store
	output *artifact.LocalStore
	saved  []int
}

func (o *orderedCheckpoints) Save(ctx context.Context, cp domain.Checkpoint) error {
	if _, err := o.output.Read(ctx, cp.JobID, cp.LastPage); err != nil {
		return fmt.Errorf("checkpoint saved before artifact: %w", err)
	}
	o.saved = append(o.saved, cp.LastPage)
	return o.Store.Save(ctx, cp)
}

type fakeRenderer struct {
	rendered []int
	failAt   int
}

func (r *fakeRenderer) RenderPage(_ context.Context, page int) ([]byte, error) {
	if page == r.failAt {
		return nil, errors.New("bad page stream")
	}
	r.rendered = append(r.rendered, page)
	return []byte(fmt.Sprintf("raster-%d", page)), nil
}

func (r *fakeRenderer) Close() error { return nil }

func fakePDF(total int, r *fakeRenderer) *PDFConverter {
	return &PDFConverter{
		Counter:  func(string) (int, error) { return total, nil },
		Renderer: func(string, int) (PageRenderer, error) { return r, nil },
	}
}

func TestPDFConverterResumesAfterCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := &fakeRenderer{}
	ordered := &orderedCheckpoints{Store: f.checkpoints, output: f.output}
	target := f.target("doc")
	target.Checkpoints = ordered

	res, err := fakePDF(5, r).Convert(ctx, Source{Path: "doc.pdf", Kind: domain.SourceKindPDF}, 3, target)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if res.TotalPages != 5 || res.Rendered != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if fmt.Sprint(r.rendered) != "[4 5]" {
		t.Fatalf("expected only pages 4 and 5 rendered, got %v", r.rendered)
	}
	if fmt.Sprint(ordered.saved) != "[4 5]" {
		t.Fatalf("unexpected checkpoint saves: %v", ordered.saved)
	}

	cp, ok, err := f.checkpoints.Load(ctx, "doc")
	if err != nil || !ok || cp.LastPage != 5 || cp.Fingerprint != "fp" {
		t.Fatalf("unexpected checkpoint %+v ok=%v err=%v", cp, ok, err)
	}
}

func TestPDFConverterReportsRenderFailure(t *testing.T) {
	f := newFixture(t)
	r := &fakeRenderer{failAt: 3}

	_, err := fakePDF(5, r).Convert(context.Background(), Source{Path: "doc.pdf"}, 0, f.target("doc"))
	var convErr *domain.ConversionError
	if !errors.As(err, &convErr) {
		t.Fatalf("expected conversion error, got %v", err)
	}
	if convErr.Kind != domain.ConversionRender || convErr.Page != 3 {
		t.Fatalf("unexpected conversion error: %+v", convErr)
	}

	cp, ok, _ := f.checkpoints.Load(context.Background(), "doc")
	if !ok || cp.LastPage != 2 {
		t.Fatalf("expected checkpoint at page 2 before failure, got %+v ok=%v", cp, ok)
	}
}

func TestPDFConverterStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	r := &fakeRenderer{}
	target := f.target("doc")
	target.OnPage = func(page int) {
		if page == 2 {
			cancel()
		}
	}

	res, err := fakePDF(5, r).Convert(ctx, Source{Path: "doc.pdf"}, 0, target)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Rendered != 2 {
		t.Fatalf("expected 2 pages before stop, got %d", res.Rendered)
	}
}

func TestPDFConverterRendersRealDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := filepath.Join(f.root, "doc.pdf")
	converttest.WritePDF(t, src, []string{"one", "two", "three", "four", "five"})

	c := NewPDFConverter()
	n, err := c.Count(ctx, Source{Path: src, Kind: domain.SourceKindPDF})
	if err != nil || n != 5 {
		t.Fatalf("expected 5 pages, got %d err=%v", n, err)
	}

	res, err := c.Convert(ctx, Source{Path: src, Kind: domain.SourceKindPDF}, 0, f.target("doc"))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if res.TotalPages != 5 || res.Rendered != 5 {
		t.Fatalf("unexpected result: %+v", res)
	}

	for page := 1; page <= 5; page++ {
		data, err := f.output.Read(ctx, "doc", page)
		if err != nil {
			t.Fatalf("read page %d: %v", page, err)
		}
		raster, err := DecodeArtifact(data)
		if err != nil {
			t.Fatalf("decode page %d: %v", page, err)
		}
		if !bytes.HasPrefix(raster, []byte("\x89PNG")) {
			t.Fatalf("page %d is not a png", page)
		}
	}
}

func TestPDFConverterRejectsCorruptSource(t *testing.T) {
	f := newFixture(t)
	src := filepath.Join(f.root, "bad.pdf")
	if err := os.WriteFile(src, []byte("%PDF-1.4\nnot really"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := NewPDFConverter().Convert(context.Background(), Source{Path: src}, 0, f.target("bad"))
	var convErr *domain.ConversionError
	if !errors.As(err, &convErr) || convErr.Kind != domain.ConversionCorruptSource {
		t.Fatalf("expected corrupt source error, got %v", err)
	}
}

func TestEPUBConverterSkipsEmptySections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := filepath.Join(f.root, "book.epub")
	converttest.WriteEPUB(t, src, []string{"Chapter one", "", "Chapter two", "   \n\t ", "Chapter three"})

	c := NewEPUBConverter()
	res, err := c.Convert(ctx, Source{Path: src, Kind: domain.SourceKindEPUB}, 0, f.target("book"))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if res.TotalPages != 3 || res.Rendered != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}

	entries, err := os.ReadDir(f.output.JobDir("book"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if fmt.Sprint(names) != "[content_001.b64 content_002.b64 content_003.b64]" {
		t.Fatalf("unexpected artifacts: %v", names)
	}

	n, err := c.Count(ctx, Source{Path: src})
	if err != nil || n != 3 {
		t.Fatalf("expected count 3, got %d err=%v", n, err)
	}
}

func TestEPUBConverterResumeMatchesFullRun(t *testing.T) {
	ctx := context.Background()
	sections := []string{"alpha", "beta", "", "gamma", "delta"}

	full := newFixture(t)
	fullSrc := filepath.Join(full.root, "book.epub")
	converttest.WriteEPUB(t, fullSrc, sections)
	if _, err := NewEPUBConverter().Convert(ctx, Source{Path: fullSrc}, 0, full.target("book")); err != nil {
		t.Fatalf("full convert: %v", err)
	}

	resumed := newFixture(t)
	resumedSrc := filepath.Join(resumed.root, "book.epub")
	converttest.WriteEPUB(t, resumedSrc, sections)
	res, err := NewEPUBConverter().Convert(ctx, Source{Path: resumedSrc}, 2, resumed.target("book"))
	if err != nil {
		t.Fatalf("resumed convert: %v", err)
	}
	if res.TotalPages != 4 || res.Rendered != 2 {
		t.Fatalf("unexpected resumed result: %+v", res)
	}

	for page := 3; page <= 4; page++ {
		want, _ := full.output.Read(ctx, "book", page)
		got, err := resumed.output.Read(ctx, "book", page)
		if err != nil {
			t.Fatalf("read resumed page %d: %v", page, err)
		}
		if !bytes.Equal(want, got) {
			t.Fatalf("page %d differs between full and resumed runs", page)
		}
	}
	if _, err := resumed.output.Read(ctx, "book", 1); err == nil {
		t.Fatal("resumed run must not emit pages at or before the resume point")
	}
}

func TestEPUBConverterRejectsNonArchive(t *testing.T) {
	f := newFixture(t)
	src := filepath.Join(f.root, "book.epub")
	if err := os.WriteFile(src, []byte("plain text"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := NewEPUBConverter().Convert(context.Background(), Source{Path: src}, 0, f.target("book"))
	var convErr *domain.ConversionError
	if !errors.As(err, &convErr) || convErr.Kind != domain.ConversionCorruptSource {
		t.Fatalf("expected corrupt source error, got %v", err)
	}
}

func TestSetSelect(t *testing.T) {
	set := DefaultSet()
	for _, kind := range domain.SourceKinds {
		c, err := set.Select(kind)
		if err != nil {
			t.Fatalf("select %s: %v", kind, err)
		}
		if c.Kind() != kind {
			t.Fatalf("select %s returned %s converter", kind, c.Kind())
		}
	}
	if _, err := set.Select("docx"); !errors.Is(err, domain.ErrUnsupportedSource) {
		t.Fatalf("expected unsupported source, got %v", err)
	}
}

func TestCanvasTypesetIsDeterministic(t *testing.T) {
	canvas := LetterCanvas(72)
	text := "A line long enough to wrap across the page several times over " +
		"with averyveryveryveryveryveryveryveryveryveryveryveryveryverylongtoken inside."
	first, err := encodePNG(canvas.Typeset(text))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	second, err := encodePNG(canvas.Typeset(text))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("typesetting the same text twice produced different rasters")
	}
	if b := canvas.Typeset("").Bounds(); b.Dx() != 612 || b.Dy() != 792 {
		t.Fatalf("unexpected canvas size %v", b)
	}
}
