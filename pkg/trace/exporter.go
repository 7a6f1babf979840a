//go:build tracing

package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Enabled reports whether the file exporter is compiled in.
const Enabled = true

// ErrClosed is returned by Export after Close.
var ErrClosed = errors.New("trace exporter closed")

// FileExporter appends one JSON line per operation to a file. When the next
// line would push the file past the size limit, the file is shifted to
// path.1 (path.1 to path.2 and so on) and a fresh file is started; at most
// maxRotatedFiles generations are kept.
type FileExporter struct {
	mu     sync.Mutex
	path   string
	opts   fileOptions
	f      *os.File
	size   int64
	closed bool
}

// NewFileExporter opens (or creates) the trace file at path. An empty path
// yields a no-op exporter.
func NewFileExporter(path string, opts ...FileExporterOption) (Exporter, error) {
	if path == "" {
		return &NoopExporter{}, nil
	}

	o := fileOptions{maxSizeBytes: 10 << 20, maxRotatedFiles: 5}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}

	fe := &FileExporter{path: path, opts: o}
	if err := fe.open(); err != nil {
		return nil, err
	}
	return fe, nil
}

func (fe *FileExporter) open() error {
	f, err := os.OpenFile(fe.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat trace file: %w", err)
	}
	fe.f = f
	fe.size = info.Size()
	return nil
}

// Export appends record as a single line.
func (fe *FileExporter) Export(ctx context.Context, record *TraceRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode trace record: %w", err)
	}
	line = append(line, '\n')

	fe.mu.Lock()
	defer fe.mu.Unlock()

	if fe.closed {
		return ErrClosed
	}

	// a record larger than the limit still gets its own file
	if fe.size > 0 && fe.size+int64(len(line)) > fe.opts.maxSizeBytes {
		if err := fe.rotate(); err != nil {
			return fmt.Errorf("rotate trace file: %w", err)
		}
	}

	n, err := fe.f.Write(line)
	fe.size += int64(n)
	if err != nil {
		return fmt.Errorf("write trace record: %w", err)
	}
	return nil
}

// rotate shifts generations and reopens path. Caller holds mu.
func (fe *FileExporter) rotate() error {
	if err := fe.f.Close(); err != nil {
		return err
	}

	keep := fe.opts.maxRotatedFiles
	if keep < 1 {
		keep = 1
	}
	generation := func(i int) string { return fmt.Sprintf("%s.%d", fe.path, i) }

	if err := os.Remove(generation(keep)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	for i := keep - 1; i >= 1; i-- {
		if err := os.Rename(generation(i), generation(i+1)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if err := os.Rename(fe.path, generation(1)); err != nil {
		return err
	}
	return fe.open()
}

// Close syncs and closes the file. It is safe to call more than once.
func (fe *FileExporter) Close() error {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	if fe.closed {
		return nil
	}
	fe.closed = true

	syncErr := fe.f.Sync()
	closeErr := fe.f.Close()
	return errors.Join(syncErr, closeErr)
}
