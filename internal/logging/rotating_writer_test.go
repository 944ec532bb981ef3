package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRotatingWriterDailyAndSize(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "papertutord.log")
	day := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	now := day

	w, err := newRotatingWriter(base, 16, 0, func() time.Time { return now })
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("0123456789\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := w.Write([]byte("abcdefghij\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	now = day.Add(24 * time.Hour)
	if _, err := w.Write([]byte("next day\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	for _, name := range []string{"papertutord-2026-10-01.log", "papertutord-2026-10-01-2.log", "papertutord-2026-10-02.log"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
	pointer, err := os.ReadFile(base)
	if err != nil {
		t.Fatalf("read pointer: %v", err)
	}
	if !strings.Contains(string(pointer), "next day") && !strings.Contains(string(pointer), "2026-10-02") {
		t.Fatalf("pointer does not reference the current file: %q", pointer)
	}
}

func TestRotatingWriterRetention(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "app.log")
	day := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	now := day

	w, err := newRotatingWriter(base, 1<<20, 2, func() time.Time { return now })
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	defer w.Close()

	for i := 0; i < 4; i++ {
		now = day.Add(time.Duration(i) * 24 * time.Hour)
		if _, err := w.Write([]byte("line\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
		// Distinct modification times keep the ordering deterministic.
		mod := time.Now().Add(time.Duration(i-10) * time.Minute)
		_ = os.Chtimes(filepath.Join(dir, "app-"+now.Format("2006-01-02")+".log"), mod, mod)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "app-*.log"))
	if len(matches) != 2 {
		t.Fatalf("expected 2 retained files, got %v", matches)
	}
	for _, m := range matches {
		if !strings.Contains(m, "2026-10-03") && !strings.Contains(m, "2026-10-04") {
			t.Fatalf("unexpected retained file %s", m)
		}
	}
}

func TestRotatingWriterDisabled(t *testing.T) {
	w, err := NewRotatingWriter("-", 0, 0)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	if n, err := w.Write([]byte("dropped")); err != nil || n != 7 {
		t.Fatalf("unexpected write %d %v", n, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestParseLevelAndLogger(t *testing.T) {
	if ParseLevel("DEBUG") != LevelDebug || ParseLevel("warning") != LevelWarn || ParseLevel("") != LevelInfo {
		t.Fatalf("unexpected level parsing")
	}
	if !LevelDebug.Enabled(LevelInfo) || LevelWarn.Enabled(LevelInfo) {
		t.Fatalf("unexpected level gating")
	}
	var buf bytes.Buffer
	New(&buf, "settlement").Printf("settled")
	if !strings.HasPrefix(buf.String(), "[settlement] ") || !strings.Contains(buf.String(), "settled") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
