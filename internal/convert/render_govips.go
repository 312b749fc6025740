//go:build govips && cgo

package convert

import (
	"context"
	"fmt"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var (
	startupOnce sync.Once
	shutdownMu  sync.Mutex
	started     bool
)

func Startup() error {
	startupOnce.Do(func() {
		vips.LoggingSettings(nil, vips.LogLevelWarning)
		vips.Startup(&vips.Config{
			MaxCacheFiles: 0,
			MaxCacheMem:   128 * 1024 * 1024,
			MaxCacheSize:  100,
		})

		shutdownMu.Lock()
		started = true
		shutdownMu.Unlock()
	})
	return nil
}

func Shutdown() {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()
	if !started {
		return
	}
	vips.Shutdown()
	started = false
}

func newPageRenderer(path string, dpi int) (PageRenderer, error) {
	if err := Startup(); err != nil {
		return nil, err
	}
	return vipsRenderer{path: path, dpi: dpi}, nil
}

// vipsRenderer rasterizes pages through libvips' PDF loader.
type vipsRenderer struct {
	path string
	dpi  int
}

func (r vipsRenderer) RenderPage(ctx context.Context, page int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	params := vips.NewImportParams()
	params.Page.Set(page - 1)
	params.NumPages.Set(1)
	params.Density.Set(r.dpi)

	img, err := vips.LoadImageFromFile(r.path, params)
	if err != nil {
		return nil, fmt.Errorf("load page %d: %w", page, err)
	}
	defer img.Close()

	if img.HasAlpha() {
		if err := img.Flatten(&vips.Color{R: 255, G: 255, B: 255}); err != nil {
			return nil, fmt.Errorf("flatten page %d: %w", page, err)
		}
	}

	png, _, err := img.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return png, nil
}

func (vipsRenderer) Close() error {
	return nil
}
