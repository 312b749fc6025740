package reconcile

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/dunamismax/pagemill/internal/artifact"
	"github.com/dunamismax/pagemill/internal/convert"
	"github.com/dunamismax/pagemill/internal/convert/converttest"
	"github.com/dunamismax/pagemill/internal/domain"
	"github.com/dunamismax/pagemill/internal/store"
)

func setup(t *testing.T) (*Reconciler, *store.MemoryJobStore, *artifact.LocalStore, string) {
	t.Helper()
	root := t.TempDir()
	sources := filepath.Join(root, "books")
	output, err := artifact.NewLocalStore(filepath.Join(root, "processed"))
	if err != nil {
		t.Fatalf("new output store: %v", err)
	}
	jobs := store.NewMemoryJobStore(store.Options{})
	r, err := New(log.New(io.Discard, "", 0), jobs, output, convert.DefaultSet(), sources)
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return r, jobs, output, sources
}

func seedDone(t *testing.T, jobs *store.MemoryJobStore, output *artifact.LocalStore, id string, pageCount, artifacts int) {
	t.Helper()
	ctx := context.Background()
	if err := jobs.Create(ctx, domain.Job{ID: id, Status: domain.JobStatusDone, PageCount: &pageCount}); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	for page := 1; page <= artifacts; page++ {
		if err := output.Write(ctx, id, page, []byte("x")); err != nil {
			t.Fatalf("write artifact: %v", err)
		}
	}
}

func TestCheckDetectsMismatches(t *testing.T) {
	r, jobs, output, sources := setup(t)
	ctx := context.Background()
	if err := mkdir(sources); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	converttest.WritePDF(t, filepath.Join(sources, "ok.pdf"), []string{"a", "b", "c"})
	seedDone(t, jobs, output, "ok", 3, 3)

	converttest.WritePDF(t, filepath.Join(sources, "short.pdf"), []string{"a", "b", "c"})
	seedDone(t, jobs, output, "short", 3, 2)

	converttest.WriteEPUB(t, filepath.Join(sources, "grown.epub"), []string{"a", "b", "c", "d"})
	seedDone(t, jobs, output, "grown", 3, 3)

	seedDone(t, jobs, output, "gone", 2, 2)

	cases := []struct {
		id      string
		ok      bool
		missing bool
	}{
		{"ok", true, false},
		{"short", false, false},
		{"grown", false, false},
		{"gone", false, true},
	}
	for _, tc := range cases {
		job, _, _ := jobs.Get(ctx, tc.id)
		m, ok, err := r.Check(ctx, job)
		if err != nil {
			t.Fatalf("check %s: %v", tc.id, err)
		}
		if ok != tc.ok || m.SourceMissing != tc.missing {
			t.Fatalf("check %s: ok=%v mismatch=%+v", tc.id, ok, m)
		}
		if !ok && !errors.Is(m.Err(), domain.ErrReconciliationMismatch) {
			t.Fatalf("mismatch for %s does not wrap the reconciliation signal", tc.id)
		}
	}
}

func TestSweepRequeuesMismatchedJobs(t *testing.T) {
	r, jobs, output, sources := setup(t)
	r.pageSize = 2
	ctx := context.Background()
	if err := mkdir(sources); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	for _, id := range []string{"a", "b", "c"} {
		converttest.WritePDF(t, filepath.Join(sources, id+".pdf"), []string{"1", "2"})
		seedDone(t, jobs, output, id, 2, 2)
	}
	converttest.WritePDF(t, filepath.Join(sources, "d.pdf"), []string{"1", "2"})
	seedDone(t, jobs, output, "d", 2, 1)
	if err := jobs.Create(ctx, domain.Job{ID: "pending"}); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	report, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Checked != 4 || report.Requeued != 1 || report.Errors != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	d, _, _ := jobs.Get(ctx, "d")
	if d.Status != domain.JobStatusPending || d.ErrorDetail == nil {
		t.Fatalf("expected d requeued with reason, got %+v", d)
	}
	a, _, _ := jobs.Get(ctx, "a")
	if a.Status != domain.JobStatusDone {
		t.Fatalf("consistent job was touched: %+v", a)
	}
}

func mkdir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
