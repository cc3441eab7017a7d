package persona

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolve_DefaultWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	if got := Resolve(); got != Default {
		t.Fatalf("expected default persona, got %q", got)
	}
}

func TestResolve_FileOverrides(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("You are Kensaku, a research companion.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	if got := Resolve(); got != "You are Kensaku, a research companion." {
		t.Fatalf("expected override persona, got %q", got)
	}
}

func TestResolve_FindsFileInParent(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("Parent persona"), 0o644); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(dir, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(nested)

	if got := Resolve(); got != "Parent persona" {
		t.Fatalf("expected parent persona, got %q", got)
	}
}

func TestResolve_EmptyFileFallsBack(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("   \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	if got := Resolve(); got != Default {
		t.Fatalf("expected default persona, got %q", got)
	}
}
