package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewJSONLevel(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := New(Options{Level: "warn", Format: "json", Out: &buf})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer closer.Close()
	log.Info().Msg("hidden")
	log.Warn().Str("model", "m").Msg("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"model":"m"`) {
		t.Fatalf("out = %q", out)
	}
}

func TestNewRejectsUnknown(t *testing.T) {
	if _, _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatal("expected level error")
	}
	if _, _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("expected format error")
	}
	if lvl, _ := ParseLevel("WARNING"); lvl != zerolog.WarnLevel {
		t.Fatalf("lvl = %v", lvl)
	}
}

func TestLogDirKeepsNewestFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"modelworker-2001-01-01T00-00-00.000.log", "modelworker-2002-01-01T00-00-00.000.log"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	var buf bytes.Buffer
	log, closer, err := New(Options{Format: "json", Dir: dir, MaxFiles: 2, Out: &buf})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.Info().Msg("to file")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}
	files, _ := filepath.Glob(filepath.Join(dir, "modelworker-*.log"))
	if len(files) != 2 {
		t.Fatalf("files = %v", files)
	}
	if _, err := os.Stat(filepath.Join(dir, "modelworker-2001-01-01T00-00-00.000.log")); !os.IsNotExist(err) {
		t.Fatal("oldest log file not removed")
	}
	var found bool
	for _, f := range files {
		b, _ := os.ReadFile(f)
		found = found || strings.Contains(string(b), "to file")
	}
	if !found || !strings.Contains(buf.String(), "to file") {
		t.Fatal("log line not written to both outputs")
	}
}
