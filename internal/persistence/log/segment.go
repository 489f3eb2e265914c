package log

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const segmentLayout = "2006-01-02-15"

// segment is one open hourly file: the file, its zstd stream and the line encoder on top.
type segment struct {
	hour string
	f    *os.File
	zw   *zstd.Encoder
	bw   *bufio.Writer
	enc  *json.Encoder
}

func (s *segment) close() error {
	ferr := s.bw.Flush()
	if err := s.zw.Close(); err != nil && ferr == nil {
		ferr = err
	}
	if err := s.f.Close(); err != nil && ferr == nil {
		ferr = err
	}
	return ferr
}

// segmentWriter appends JSON lines to <dir>/<prefix>-<hour>.jsonl.zst, starting a new file every UTC hour.
// Reopening an hour appends a fresh zstd frame to the same file.
type segmentWriter struct {
	dir    string
	prefix string
	now    func() time.Time

	mu  sync.Mutex
	cur *segment
}

func newSegmentWriter(dir, prefix string) *segmentWriter {
	return &segmentWriter{dir: dir, prefix: prefix, now: time.Now}
}

func (w *segmentWriter) write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	hour := w.now().UTC().Format(segmentLayout)
	if w.cur == nil || w.cur.hour != hour {
		if err := w.open(hour); err != nil {
			return err
		}
	}
	return w.cur.enc.Encode(v)
}

// flush ends the current zstd block so readers see every line written so far.
func (w *segmentWriter) flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cur == nil {
		return nil
	}
	if err := w.cur.bw.Flush(); err != nil {
		return err
	}
	return w.cur.zw.Flush()
}

func (w *segmentWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cur == nil {
		return nil
	}
	err := w.cur.close()
	w.cur = nil
	return err
}

func (w *segmentWriter) open(hour string) error {
	if w.cur != nil {
		err := w.cur.close()
		w.cur = nil
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(w.dir, w.prefix+"-"+hour+".jsonl.zst")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	bw := bufio.NewWriterSize(zw, 64*1024)
	w.cur = &segment{hour: hour, f: f, zw: zw, bw: bw, enc: json.NewEncoder(bw)}
	return nil
}

// Files lists the hourly files written under dir for prefix, oldest first.
func Files(dir, prefix string) ([]string, error) {
	out, err := filepath.Glob(filepath.Join(dir, prefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// ReadJSONL decodes every line of a journal file into fn. Concatenated frames are fine.
func ReadJSONL(path string, fn func(line json.RawMessage) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	jd := json.NewDecoder(dec)
	for {
		var raw json.RawMessage
		if err := jd.Decode(&raw); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
}
