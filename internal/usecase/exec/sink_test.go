package exec

import (
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestSinkSmallOutputStaysInMemory(t *testing.T) {
	s := NewSink(1024, t.TempDir(), nil, slog.Default())

	if err := s.Push("hello "); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := s.Push("world\n"); err != nil {
		t.Fatalf("push: %v", err)
	}

	res := s.Dump("")
	if res.Text != "hello world\n" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.Truncated {
		t.Fatal("small output should not be truncated")
	}
	if res.SpillPath != "" {
		t.Fatalf("unexpected spill file %s", res.SpillPath)
	}
}

func TestSinkSpillHoldsCompleteOutput(t *testing.T) {
	dir := t.TempDir()
	s := NewSink(16, dir, nil, slog.Default())

	var want strings.Builder
	for i := 0; i < 10; i++ {
		chunk := strings.Repeat("abcd", 2) // 8 bytes each
		want.WriteString(chunk)
		if err := s.Push(chunk); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	res := s.Dump("")
	if !res.Truncated {
		t.Fatal("expected truncation once output exceeds the threshold")
	}
	if res.SpillPath == "" {
		t.Fatal("expected a spill file")
	}
	data, err := os.ReadFile(res.SpillPath)
	if err != nil {
		t.Fatalf("read spill: %v", err)
	}
	if string(data) != want.String() {
		t.Fatalf("spill file is not the complete output: got %d bytes, want %d", len(data), want.Len())
	}
	if !strings.HasPrefix(res.Text, "…") {
		t.Fatalf("truncated text should start with ellipsis marker, got %q", res.Text[:10])
	}
	if !strings.Contains(res.Text, res.SpillPath) {
		t.Fatal("dump text should name the spill file")
	}
}

func TestSinkBufferKeepsTail(t *testing.T) {
	s := NewSink(8, t.TempDir(), nil, slog.Default())

	s.Push("0123456789") // exceeds threshold immediately
	s.Push("ABCDEFGH")

	res := s.Dump("")
	stripped := strings.TrimPrefix(res.Text, "…")
	// Tail of "0123456789ABCDEFGH" bounded to 8 bytes.
	if !strings.HasPrefix(stripped, "ABCDEFGH") {
		t.Fatalf("expected the most recent tail, got %q", stripped)
	}
}

func TestSinkNoticePrepended(t *testing.T) {
	s := NewSink(1024, t.TempDir(), nil, slog.Default())
	s.Push("partial output\n")

	res := s.Dump("command timed out after 5s")
	if !strings.HasPrefix(res.Text, "[command timed out after 5s]\n") {
		t.Fatalf("notice not prepended: %q", res.Text)
	}
	if !strings.Contains(res.Text, "partial output\n") {
		t.Fatal("accumulated output missing from dump")
	}
}

func TestSinkDumpIdempotent(t *testing.T) {
	s := NewSink(1024, t.TempDir(), nil, slog.Default())
	s.Push("once\n")

	first := s.Dump("")
	second := s.Dump("")
	if first.Text != second.Text || first.Truncated != second.Truncated {
		t.Fatal("repeated dump should return identical content")
	}

	if err := s.Push("late"); err == nil {
		t.Fatal("push after finalize should fail")
	}
}

func TestSinkObserverSeesRawChunks(t *testing.T) {
	var seen []string
	s := NewSink(1024, t.TempDir(), func(chunk string) {
		seen = append(seen, chunk)
	}, slog.Default())

	raw := "colou\x1b[31mred\x1b[0m\r\n"
	s.Push(raw)

	if len(seen) != 1 || seen[0] != raw {
		t.Fatalf("observer should receive the raw chunk, got %q", seen)
	}
	res := s.Dump("")
	if res.Text != "coloured\n" {
		t.Fatalf("committed chunk should be sanitized, got %q", res.Text)
	}
}

func TestSinkObserverPanicDoesNotPoisonSink(t *testing.T) {
	s := NewSink(1024, t.TempDir(), func(string) {
		panic("observer bug")
	}, slog.Default())

	if err := s.Push("survives\n"); err != nil {
		t.Fatalf("push: %v", err)
	}
	if got := s.Dump("").Text; got != "survives\n" {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestSinkSpillFailureDegradesToMemory(t *testing.T) {
	dir := t.TempDir()
	// Remove the directory so spill creation fails.
	os.RemoveAll(dir)
	s := NewSink(4, dir, nil, slog.Default())

	s.Push("0123456789")
	s.Push("ABCD")

	res := s.Dump("")
	if !res.Truncated {
		t.Fatal("degraded sink still reports truncation")
	}
	if res.SpillPath != "" {
		t.Fatal("degraded sink must not report a spill path")
	}
	stripped := strings.TrimPrefix(res.Text, "…")
	if stripped != "ABCD" {
		t.Fatalf("expected bounded tail ABCD, got %q", stripped)
	}
}

func TestSanitizeChunk(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"crlf", "a\r\nb", "a\nb"},
		{"bare cr", "progress 1\rprogress 2", "progress 1\nprogress 2"},
		{"ansi color", "\x1b[1;32mok\x1b[0m", "ok"},
		{"cursor movement", "\x1b[2Kline", "line"},
		{"keeps tab and newline", "a\tb\n", "a\tb\n"},
		{"drops bell and backspace", "a\x07b\x08c", "abc"},
		{"drops del", "a\x7fb", "ab"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := sanitizeChunk(tc.in); got != tc.want {
				t.Fatalf("sanitizeChunk(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSinkNormalizesCRLFSplitAcrossChunks(t *testing.T) {
	cases := []struct {
		name   string
		chunks []string
		want   string
	}{
		{"crlf split at boundary", []string{"a\r", "\nb"}, "a\nb"},
		{"crlf split with empty chunk between", []string{"a\r", "", "\nb"}, "a\nb"},
		{"bare cr at boundary", []string{"a\r", "b"}, "a\nb"},
		{"cr run across boundary", []string{"a\r", "\r\nb"}, "a\n\nb"},
		{"unsplit control", []string{"a\r\nb"}, "a\nb"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewSink(1024, t.TempDir(), nil, slog.Default())
			for _, chunk := range tc.chunks {
				if err := s.Push(chunk); err != nil {
					t.Fatalf("push: %v", err)
				}
			}
			if got := s.Dump("").Text; got != tc.want {
				t.Fatalf("chunks %q accumulated to %q, want %q", tc.chunks, got, tc.want)
			}
		})
	}
}
