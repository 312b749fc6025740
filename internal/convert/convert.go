// Package convert turns a source document into page artifacts one page at a
// time. Converters write through a Target, which stores the artifact before
// advancing the job checkpoint, and never change job status themselves.
package convert

import (
	"context"
	"errors"
	"fmt"

	"github.com/dunamismax/pagemill/internal/artifact"
	"github.com/dunamismax/pagemill/internal/checkpoint"
	"github.com/dunamismax/pagemill/internal/domain"
)

// Source is a resolved source document on local disk.
type Source struct {
	Path string
	Kind domain.SourceKind
}

// Target receives the pages produced for one job.
type Target struct {
	JobID       string
	Output      artifact.Store
	Checkpoints checkpoint.Store
	// Fingerprint is recorded with every checkpoint so a later resume can
	// detect that the source changed.
	Fingerprint string
	// OnPage is called after a page is committed.
	OnPage func(page int)
}

// commit stores page data and then advances the checkpoint. A crash between
// the two steps re-renders the page on resume rather than skipping it.
func (t Target) commit(ctx context.Context, page int, data []byte) error {
	if err := t.Output.Write(ctx, t.JobID, page, data); err != nil {
		return domain.NewConversionError(domain.ConversionOutput, page, err)
	}
	cp := domain.Checkpoint{JobID: t.JobID, LastPage: page, Fingerprint: t.Fingerprint}
	if err := t.Checkpoints.Save(ctx, cp); err != nil {
		return domain.NewConversionError(domain.ConversionCheckpoint, page, err)
	}
	if t.OnPage != nil {
		t.OnPage(page)
	}
	return nil
}

func (t Target) validate() error {
	if err := domain.ValidateJobID(t.JobID); err != nil {
		return err
	}
	if t.Output == nil {
		return errors.New("output store is required")
	}
	if t.Checkpoints == nil {
		return errors.New("checkpoint store is required")
	}
	return nil
}

type Result struct {
	// TotalPages is the final page count of the document.
	TotalPages int
	// Rendered counts pages produced by this call, excluding resumed ones.
	Rendered int
}

type Converter interface {
	Kind() domain.SourceKind
	// Count reports the page count without producing artifacts.
	Count(ctx context.Context, src Source) (int, error)
	// Convert produces pages resumeFrom+1 onward. Failures are returned as a
	// *domain.ConversionError; context cancellation is returned as is.
	Convert(ctx context.Context, src Source, resumeFrom int, target Target) (Result, error)
}

// Set is the closed set of converters, one per supported source kind.
type Set struct {
	PDF  Converter
	EPUB Converter
}

// DefaultSet wires the converters for the current build.
func DefaultSet() Set {
	return Set{
		PDF:  NewPDFConverter(),
		EPUB: NewEPUBConverter(),
	}
}

func (s Set) Select(kind domain.SourceKind) (Converter, error) {
	var c Converter
	switch kind {
	case domain.SourceKindPDF:
		c = s.PDF
	case domain.SourceKindEPUB:
		c = s.EPUB
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedSource, kind)
	}
	return c, nil
}

func checkResume(resumeFrom, total int) error {
	if resumeFrom < 0 {
		return fmt.Errorf("resume point must be >= 0, got %d", resumeFrom)
	}
	if resumeFrom > total {
		return fmt.Errorf("resume point %d is past the last page %d", resumeFrom, total)
	}
	return nil
}
