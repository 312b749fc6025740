//go:build !govips || !cgo

package convert

import (
	"context"
	"fmt"
	"os"

	"github.com/ledongthuc/pdf"
)

func Startup() error {
	return nil
}

func Shutdown() {}

func newPageRenderer(path string, dpi int) (PageRenderer, error) {
	return openTextRenderer(path, dpi)
}

// textRenderer typesets each page's extracted text onto a blank canvas. It
// needs no native libraries and is deterministic for a given source.
type textRenderer struct {
	file   *os.File
	reader *pdf.Reader
	canvas Canvas
}

func openTextRenderer(path string, dpi int) (r *textRenderer, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("open pdf: %v", rec)
		}
	}()

	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	return &textRenderer{file: f, reader: reader, canvas: LetterCanvas(dpi)}, nil
}

func (r *textRenderer) RenderPage(ctx context.Context, page int) (raster []byte, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if page < 1 || page > r.reader.NumPage() {
		return nil, fmt.Errorf("page %d out of range 1..%d", page, r.reader.NumPage())
	}

	text, err := r.pageText(page)
	if err != nil {
		return nil, err
	}
	return encodePNG(r.canvas.Typeset(text))
}

func (r *textRenderer) pageText(page int) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("extract text: %v", rec)
		}
	}()

	p := r.reader.Page(page)
	if p.V.IsNull() {
		return "", nil
	}
	text, err = p.GetPlainText(nil)
	if err != nil {
		return "", fmt.Errorf("extract text: %w", err)
	}
	return text, nil
}

func (r *textRenderer) Close() error {
	return r.file.Close()
}
