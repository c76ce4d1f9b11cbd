package registry

import (
	"os"
	"path/filepath"
	"testing"

	"modelworker/internal/params"
)

func TestScanDirFiltersGGUF(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"b.gguf", "a.GGUF", "not-model.txt", "model.bin"} {
		if err := os.WriteFile(filepath.Join(dir, f), []byte(""), 0o644); err != nil {
			t.Fatalf("write temp file: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.gguf"), 0o755); err != nil {
		t.Fatal(err)
	}
	deploys, err := ScanDir(dir, "")
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(deploys) != 2 || deploys[0].Name != "a" || deploys[1].Name != "b" {
		t.Fatalf("deploys = %+v", deploys)
	}
	d := deploys[1]
	if d.Provider != params.ProviderLlamaServer || d.Class != params.ProviderLlamaServer || d.Path != filepath.Join(dir, "b.gguf") {
		t.Fatalf("deploy = %+v", d)
	}
	if d.LlamaBin != "llama-server" || d.Concurrency != 1 {
		t.Fatalf("schema defaults not applied: %+v", d)
	}
}

func TestScanDirExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if err := os.MkdirAll(filepath.Join(home, "models"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, "models", "x.gguf"), []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	deploys, err := ScanDir("~/models", params.ProviderLlamaCpp)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(deploys) != 1 || deploys[0].Provider != params.ProviderLlamaCpp {
		t.Fatalf("deploys = %+v", deploys)
	}
}

func TestScanDirErrors(t *testing.T) {
	if _, err := ScanDir(filepath.Join(t.TempDir(), "missing"), ""); err == nil {
		t.Fatal("expected error for missing dir")
	}
	if _, err := ScanDir(t.TempDir(), params.ProviderOpenAI); err == nil {
		t.Fatal("expected error for proxy provider")
	}
}

func TestMergeKeepsExplicit(t *testing.T) {
	explicit := []params.Deploy{{Name: "a", Provider: params.ProviderOpenAI}}
	scanned := []params.Deploy{{Name: "a", Provider: params.ProviderLlamaServer}, {Name: "b"}}
	got := Merge(explicit, scanned)
	if len(got) != 2 || got[0].Provider != params.ProviderOpenAI || got[1].Name != "b" {
		t.Fatalf("merge = %+v", got)
	}
}
