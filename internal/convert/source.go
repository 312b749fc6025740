package convert

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/dunamismax/pagemill/internal/domain"
	"github.com/gabriel-vasile/mimetype"
)

var expectedMIME = map[domain.SourceKind][]string{
	domain.SourceKindPDF: {"application/pdf"},
	// Archives that do not store the mimetype entry first are still zips.
	domain.SourceKindEPUB: {"application/epub+zip", "application/zip"},
}

// Resolve finds <root>/<jobID>.<ext>, trying each supported extension in
// order. The first existing file wins. A file whose content does not match
// its extension is reported as a corrupt source.
func Resolve(root, jobID string) (Source, error) {
	if err := domain.ValidateJobID(jobID); err != nil {
		return Source{}, fmt.Errorf("%w: %v", domain.ErrSourceMissing, err)
	}

	for _, kind := range domain.SourceKinds {
		p := filepath.Join(root, jobID+"."+string(kind))
		info, err := os.Stat(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return Source{}, fmt.Errorf("stat source %s: %w", p, err)
		}
		if info.IsDir() {
			continue
		}

		if err := verifyContent(p, kind); err != nil {
			return Source{}, err
		}
		return Source{Path: p, Kind: kind}, nil
	}

	return Source{}, fmt.Errorf("%w: no pdf or epub for job %s under %s", domain.ErrSourceMissing, jobID, root)
}

func verifyContent(p string, kind domain.SourceKind) error {
	detected, err := mimetype.DetectFile(p)
	if err != nil {
		return domain.NewConversionError(domain.ConversionCorruptSource, 0, fmt.Errorf("detect content type: %w", err))
	}
	for m := detected; m != nil; m = m.Parent() {
		for _, want := range expectedMIME[kind] {
			if m.Is(want) {
				return nil
			}
		}
	}
	return domain.NewConversionError(
		domain.ConversionCorruptSource,
		0,
		fmt.Errorf("%s has content type %s, expected %s", filepath.Base(p), detected.String(), kind),
	)
}

// Fingerprint returns the xxhash64 of the file contents as hex.
func Fingerprint(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash source: %w", err)
	}
	return strconv.FormatUint(h.Sum64(), 16), nil
}
