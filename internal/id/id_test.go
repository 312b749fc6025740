package id

import (
	"strings"
	"testing"
)

func TestWorkerUsesConfiguredName(t *testing.T) {
	if got := Worker("  node-a "); got != "node-a" {
		t.Fatalf("expected node-a, got %q", got)
	}
}

func TestWorkerGeneratedIDsDiffer(t *testing.T) {
	a, b := Worker(""), Worker("")
	if a == b {
		t.Fatalf("expected distinct owners, got %q twice", a)
	}
	if strings.Count(a, "-") < 2 {
		t.Fatalf("unexpected owner format %q", a)
	}
}

func TestNewIsUnique(t *testing.T) {
	if New() == New() {
		t.Fatal("expected unique ids")
	}
}
