package exec

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"

	"runbox/internal/domain"
)

// SpillFilePrefix names spill files so the retention sweep can find them.
const SpillFilePrefix = "runbox-spill-"

// DumpResult is the materialized content of a finalized sink.
type DumpResult struct {
	Text      string
	Truncated bool
	SpillPath string
}

// Sink is a bounded-memory accumulator for a stream of output chunks.
// The buffer holds at most threshold bytes; once content exceeds it, the
// complete output spills to a uniquely named temp file and the buffer
// keeps only the most recent tail. Once spilling starts it never stops
// for that sink. Created fresh per invocation, finalized exactly once.
type Sink struct {
	mu        sync.Mutex
	threshold int
	dir       string
	observer  domain.ChunkFunc
	logger    *slog.Logger

	buf         []byte
	spill       *os.File
	spillPath   string
	spillBroken bool
	pendingCR   bool
	finalized   bool
}

// NewSink creates a sink bounded to threshold bytes of memory. dir is
// where spill files are created; empty selects the OS temp dir. observer,
// when non-nil, receives every raw chunk synchronously before it is
// committed.
func NewSink(threshold int, dir string, observer domain.ChunkFunc, logger *slog.Logger) *Sink {
	if threshold <= 0 {
		threshold = 64 * 1024
	}
	return &Sink{
		threshold: threshold,
		dir:       dir,
		observer:  observer,
		logger:    logger,
	}
}

// Push appends a chunk to the sink. The observer sees the raw chunk
// first; observer panics are swallowed and never affect sink state. The
// chunk is then sanitized and committed to the buffer and, once spilling
// is active, to the spill file.
func (s *Sink) Push(chunk string) error {
	s.notifyObserver(chunk)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return domain.NewSubSystemError("sink", "Sink.Push", domain.ErrUnavailable, "sink already finalized")
	}

	chunk = s.sanitize(chunk)
	if chunk == "" {
		return nil
	}

	if s.spill == nil && !s.spillBroken && len(s.buf)+len(chunk) > s.threshold {
		s.openSpill()
	}
	if s.spill != nil {
		if _, err := s.spill.WriteString(chunk); err != nil {
			s.degradeSpill(err)
		}
	}

	s.buf = append(s.buf, chunk...)
	if len(s.buf) > s.threshold && (s.spill != nil || s.spillBroken) {
		s.buf = s.buf[len(s.buf)-s.threshold:]
	}
	return nil
}

// openSpill lazily creates the spill file, seeded with everything buffered
// so far so the file holds the complete output. Creation or seeding
// failures degrade the sink to its bounded in-memory record.
func (s *Sink) openSpill() {
	f, err := os.CreateTemp(s.dir, SpillFilePrefix+"*.log")
	if err != nil {
		s.spillBroken = true
		if s.logger != nil {
			s.logger.Warn("spill file creation failed, keeping bounded tail only", "error", err)
		}
		return
	}
	if _, err := f.Write(s.buf); err != nil {
		s.spill, s.spillPath = f, f.Name()
		s.degradeSpill(err)
		return
	}
	s.spill = f
	s.spillPath = f.Name()
}

// degradeSpill handles a failed spill write: the file can no longer be a
// complete record, so it is discarded and the sink continues memory-only.
func (s *Sink) degradeSpill(err error) {
	if s.logger != nil {
		s.logger.Warn("spill write failed, discarding spill file", "path", s.spillPath, "error", err)
	}
	s.spill.Close()
	os.Remove(s.spillPath)
	s.spill = nil
	s.spillPath = ""
	s.spillBroken = true
}

func (s *Sink) notifyObserver(chunk string) {
	if s.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil && s.logger != nil {
			s.logger.Debug("chunk observer panicked", "panic", r)
		}
	}()
	s.observer(chunk)
}

// Dump finalizes the sink: the spill writer is flushed and closed, and the
// accumulated content is returned. Truncated is true iff output exceeded
// the memory bound; the in-memory tail is then prefixed with an ellipsis
// marker. A non-empty notice is prepended as a bracketed annotation line.
// Calling Dump more than once returns the same content without side effects.
func (s *Sink) Dump(notice string) DumpResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.finalized {
		s.finalized = true
		if s.spill != nil {
			if err := s.spill.Sync(); err != nil && s.logger != nil {
				s.logger.Warn("spill sync failed", "path", s.spillPath, "error", err)
			}
			s.spill.Close()
		}
	}

	truncated := s.spill != nil || s.spillBroken
	text := string(s.buf)
	if truncated {
		text = "…" + text
	}
	if s.spillPath != "" {
		text += fmt.Sprintf("\n[output truncated; full output in %s]", s.spillPath)
	}
	if notice != "" {
		text = "[" + notice + "]\n" + text
	}

	return DumpResult{
		Text:      text,
		Truncated: truncated,
		SpillPath: s.spillPath,
	}
}

// sanitize normalizes one chunk, carrying CR state across chunk
// boundaries: a chunk ending in CR commits an LF, and a following chunk
// starting with LF drops it, so a CRLF split across two pushes yields the
// same bytes as the unsplit stream. Callers hold s.mu.
func (s *Sink) sanitize(chunk string) string {
	if chunk == "" {
		return ""
	}
	if s.pendingCR {
		s.pendingCR = false
		if chunk[0] == '\n' {
			chunk = chunk[1:]
		}
	}
	if strings.HasSuffix(chunk, "\r") {
		s.pendingCR = true
	}
	return sanitizeChunk(chunk)
}

// csiRe matches ANSI CSI escape sequences (colors, cursor movement).
var csiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// sanitizeChunk normalizes control characters: CRLF and bare CR become LF,
// ANSI escape sequences are stripped, and remaining C0 controls other than
// newline and tab are dropped.
func sanitizeChunk(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = csiRe.ReplaceAllString(s, "")

	if !strings.ContainsFunc(s, isDroppedControl) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if !isDroppedControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isDroppedControl(r rune) bool {
	if r == '\n' || r == '\t' {
		return false
	}
	return r < 0x20 || r == 0x7f
}
