package convert

import (
	"context"
	"errors"
	"fmt"

	"github.com/dunamismax/pagemill/internal/domain"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// PageCounter reads a document's page count from its structure.
type PageCounter func(path string) (int, error)

// PageRenderer rasterizes pages of one open document to PNG.
type PageRenderer interface {
	RenderPage(ctx context.Context, page int) ([]byte, error)
	Close() error
}

// RendererFactory opens a document for rendering at dpi.
type RendererFactory func(path string, dpi int) (PageRenderer, error)

type PDFConverter struct {
	Counter  PageCounter
	Renderer RendererFactory
	DPI      int
}

func NewPDFConverter() *PDFConverter {
	return &PDFConverter{
		Counter:  pdfcpuPageCount,
		Renderer: newPageRenderer,
		DPI:      DefaultDPI,
	}
}

func pdfcpuPageCount(path string) (int, error) {
	return pdfapi.PageCountFile(path)
}

func (c *PDFConverter) Kind() domain.SourceKind {
	return domain.SourceKindPDF
}

func (c *PDFConverter) Count(_ context.Context, src Source) (int, error) {
	total, err := c.Counter(src.Path)
	if err != nil {
		return 0, domain.NewConversionError(domain.ConversionCorruptSource, 0, fmt.Errorf("read page count: %w", err))
	}
	if total < 1 {
		return 0, domain.NewConversionError(domain.ConversionCorruptSource, 0, errors.New("document has no pages"))
	}
	return total, nil
}

func (c *PDFConverter) Convert(ctx context.Context, src Source, resumeFrom int, target Target) (Result, error) {
	if err := target.validate(); err != nil {
		return Result{}, err
	}

	total, err := c.Count(ctx, src)
	if err != nil {
		return Result{}, err
	}
	if err := checkResume(resumeFrom, total); err != nil {
		return Result{}, domain.NewConversionError(domain.ConversionCorruptSource, 0, err)
	}
	if resumeFrom == total {
		return Result{TotalPages: total}, nil
	}

	dpi := c.DPI
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	renderer, err := c.Renderer(src.Path, dpi)
	if err != nil {
		return Result{}, domain.NewConversionError(domain.ConversionCorruptSource, 0, err)
	}
	defer renderer.Close()

	res := Result{TotalPages: total}
	for page := resumeFrom + 1; page <= total; page++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		raster, err := renderer.RenderPage(ctx, page)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			return res, domain.NewConversionError(domain.ConversionRender, page, err)
		}
		if err := target.commit(ctx, page, encodeArtifact(raster)); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			return res, err
		}
		res.Rendered++
	}
	return res, nil
}
