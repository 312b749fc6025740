package artifact

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
)

func TestLocalStoreWritesContiguousNames(t *testing.T) {
	root := t.TempDir()
	s, err := NewLocalStore(root)
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	ctx := context.Background()

	for page := 1; page <= 3; page++ {
		if err := s.Write(ctx, "doc", page, []byte("page")); err != nil {
			t.Fatalf("write page %d: %v", page, err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(root, "doc"))
	if err != nil {
		t.Fatalf("read output dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	want := []string{"content_001.b64", "content_002.b64", "content_003.b64"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected artifact names: %v", names)
	}

	n, err := s.Count(ctx, "doc")
	if err != nil || n != 3 {
		t.Fatalf("expected count 3, got %d err=%v", n, err)
	}
}

func TestLocalStorePurgeTwiceIsNoop(t *testing.T) {
	root := t.TempDir()
	s, err := NewLocalStore(root)
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	ctx := context.Background()

	if err := s.Write(ctx, "doc", 1, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Purge(ctx, "doc"); err != nil {
		t.Fatalf("first purge: %v", err)
	}
	if err := s.Purge(ctx, "doc"); err != nil {
		t.Fatalf("second purge: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "doc")); !os.IsNotExist(err) {
		t.Fatalf("expected job dir to be gone, stat err=%v", err)
	}
	if n, err := s.Count(ctx, "doc"); err != nil || n != 0 {
		t.Fatalf("expected empty count after purge, got %d err=%v", n, err)
	}
}

func TestLocalStoreCountIgnoresStrayFiles(t *testing.T) {
	root := t.TempDir()
	s, err := NewLocalStore(root)
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	dir := filepath.Join(root, "doc")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"content_001.b64", ".content_002.b64.tmp", "notes.txt", "content_x.b64"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if n, err := s.Count(context.Background(), "doc"); err != nil || n != 1 {
		t.Fatalf("expected count 1, got %d err=%v", n, err)
	}
}

func TestLocalStoreRejectsBadInput(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	ctx := context.Background()
	if err := s.Write(ctx, "doc", 0, nil); err == nil {
		t.Fatal("expected error for page 0")
	}
	if err := s.Write(ctx, "../escape", 1, nil); err == nil {
		t.Fatal("expected error for path escaping job id")
	}
}

func TestPageFromName(t *testing.T) {
	cases := map[string]int{
		"content_001.b64":  1,
		"content_042.b64":  42,
		"content_1000.b64": 1000,
	}
	for name, want := range cases {
		got, ok := PageFromName(name)
		if !ok || got != want {
			t.Fatalf("PageFromName(%q) = %d, %v", name, got, ok)
		}
	}
	for _, name := range []string{"content_000.b64", "content_01.b64", "content_001.txt", "x"} {
		if _, ok := PageFromName(name); ok {
			t.Fatalf("PageFromName(%q) should not match", name)
		}
	}
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeObjects) WriteObject(_ context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[key] = append([]byte(nil), data...)
	return nil
}

func (f *fakeObjects) ListKeys(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *fakeObjects) RemovePrefix(_ context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			delete(f.objects, k)
		}
	}
	return nil
}

func TestObjectStoreLayoutAndPurge(t *testing.T) {
	client := &fakeObjects{}
	s, err := NewObjectStore(client, "/artifacts/")
	if err != nil {
		t.Fatalf("new object store: %v", err)
	}
	ctx := context.Background()

	for page := 1; page <= 2; page++ {
		if err := s.Write(ctx, "doc", page, []byte("x")); err != nil {
			t.Fatalf("write page %d: %v", page, err)
		}
	}
	if err := s.Write(ctx, "doc-2", 1, []byte("x")); err != nil {
		t.Fatalf("write other job: %v", err)
	}
	if _, ok := client.objects["artifacts/doc/content_002.b64"]; !ok {
		t.Fatalf("unexpected keys: %v", client.objects)
	}

	if n, err := s.Count(ctx, "doc"); err != nil || n != 2 {
		t.Fatalf("expected count 2, got %d err=%v", n, err)
	}

	for i := 0; i < 2; i++ {
		if err := s.Purge(ctx, "doc"); err != nil {
			t.Fatalf("purge %d: %v", i, err)
		}
	}
	if n, _ := s.Count(ctx, "doc"); n != 0 {
		t.Fatalf("expected empty job after purge, got %d", n)
	}
	if n, _ := s.Count(ctx, "doc-2"); n != 1 {
		t.Fatalf("purge leaked into sibling job, count=%d", n)
	}
}
