// Package journal persists simulation events as zstd-compressed JSON lines.
// A Writer is an engine sink; files rotate every UTC hour and are named
// <prefix>-YYYY-MM-DD-HH.jsonl.zst.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/agentsim/core"
)

// Options configures a Writer.
type Options struct {
	// Prefix names the journal files. Defaults to "events".
	Prefix string
	// Kinds restricts the journal to these event kinds. Empty keeps all.
	Kinds []core.EventKind
	// Now returns the clock used for rotation. Defaults to time.Now.
	Now func() time.Time
}

// Writer appends events to hourly journal files. It is safe for concurrent use.
type Writer struct {
	dir   string
	opts  Options
	kinds map[core.EventKind]bool

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
	written int
}

// NewWriter creates a writer below dir. Files are created lazily.
func NewWriter(dir string, optFns ...func(o *Options)) *Writer {
	opts := Options{Prefix: "events", Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Prefix == "" {
		opts.Prefix = "events"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	var kinds map[core.EventKind]bool
	if len(opts.Kinds) > 0 {
		kinds = make(map[core.EventKind]bool, len(opts.Kinds))
		for _, k := range opts.Kinds {
			kinds[k] = true
		}
	}
	return &Writer{dir: dir, opts: opts, kinds: kinds}
}

// Emit writes ev as one JSON line and flushes it to the file, so every
// emitted event is readable before Close.
func (w *Writer) Emit(ev core.Event) error {
	if w.kinds != nil && !w.kinds[ev.Kind] {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.opts.Now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return fmt.Errorf("journal: rotate: %w", err)
		}
	}

	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("journal: encode %s: %w", ev.Kind, err)
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	w.written++
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

// Written returns the number of journaled events.
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Close flushes and closes the current file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *Writer) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	return nil
}

func (w *Writer) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *Writer) pathForHour(hour string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s-%s.jsonl.zst", w.opts.Prefix, hour))
}

// Files lists the journal files for prefix below dir in chronological order.
func Files(dir, prefix string) ([]string, error) {
	if prefix == "" {
		prefix = "events"
	}
	paths, err := filepath.Glob(filepath.Join(dir, prefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// ReadFile decodes every event of one journal file. A file appended to
// after a reopen holds several zstd frames; all are read.
func ReadFile(path string) ([]core.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read decodes events from a zstd-compressed JSONL stream.
func Read(r io.Reader) ([]core.Event, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	defer dec.Close()

	var out []core.Event
	jd := json.NewDecoder(dec)
	for {
		var ev core.Event
		if err := jd.Decode(&ev); err != nil {
			// A file still being written ends in an unfinished frame.
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return out, nil
			}
			return out, fmt.Errorf("journal: decode event %d: %w", len(out)+1, err)
		}
		out = append(out, ev)
	}
}
