package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/cwbudde/lmcirclefit/internal/fit"
)

const (
	traceFile        = "trace.jsonl"
	archiveTraceFile = "trace.jsonl.zst"
)

// TraceEntry is one line of the iteration trace: a trial step of the fitter
// or, for terminal phases, its final state.
type TraceEntry struct {
	Outer     int        `json:"outer"`
	Inner     int        `json:"inner"`
	Lambda    float64    `json:"lambda"`
	Sigma     float64    `json:"sigma"`
	Gradient  float64    `json:"gradient"`
	Params    [3]float64 `json:"params"` // a, b, r of the trial
	Accepted  bool       `json:"accepted"`
	Phase     string     `json:"phase"`
	Rejection string     `json:"rejection,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// NewTraceEntry converts an observed fitter step
func NewTraceEntry(s fit.Step) TraceEntry {
	return TraceEntry{
		Outer:     s.Outer,
		Inner:     s.Inner,
		Lambda:    s.Lambda,
		Sigma:     s.Trial.S,
		Gradient:  s.Trial.G,
		Params:    [3]float64{s.Trial.A, s.Trial.B, s.Trial.R},
		Accepted:  s.Accepted,
		Phase:     s.Phase.String(),
		Rejection: s.Rejection,
		Timestamp: time.Now(),
	}
}

func tracePath(baseDir, jobID string) string {
	return filepath.Join(baseDir, "jobs", jobID, traceFile)
}

func archivePath(baseDir, jobID string) string {
	return filepath.Join(baseDir, "jobs", jobID, archiveTraceFile)
}

// TraceWriter appends entries to <baseDir>/jobs/<jobID>/trace.jsonl.
// It is buffered and safe for concurrent use.
type TraceWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
}

// NewTraceWriter opens the trace file of jobID, truncating it unless append is set.
func NewTraceWriter(baseDir, jobID string, append bool) (*TraceWriter, error) {
	path := tracePath(baseDir, jobID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create job directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if append {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	return &TraceWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
		path:   path,
	}, nil
}

// Write buffers one JSON line
func (tw *TraceWriter) Write(entry TraceEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal trace entry: %w", err)
	}

	tw.mu.Lock()
	defer tw.mu.Unlock()

	if _, err := tw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write trace entry: %w", err)
	}
	if err := tw.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return nil
}

// Flush writes buffered entries and syncs the file
func (tw *TraceWriter) Flush() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace writer: %w", err)
	}
	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync trace file: %w", err)
	}
	return nil
}

// Close flushes and closes the trace file
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		tw.file.Close()
		return fmt.Errorf("failed to flush on close: %w", err)
	}
	if err := tw.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// Path returns the trace file location
func (tw *TraceWriter) Path() string {
	return tw.path
}

// TraceReader iterates over a trace, plain or zstd archived.
type TraceReader struct {
	file    *os.File
	dec     *zstd.Decoder
	scanner *bufio.Scanner
}

// NewTraceReader opens the plain trace of jobID, falling back to the archive.
func NewTraceReader(baseDir, jobID string) (*TraceReader, error) {
	file, err := os.Open(tracePath(baseDir, jobID))
	if err == nil {
		return newTraceReader(file, nil), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	file, err = os.Open(archivePath(baseDir, jobID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &NotFoundError{JobID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open trace archive: %w", err)
	}

	dec, err := zstd.NewReader(file, zstd.WithDecoderConcurrency(1))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return newTraceReader(file, dec), nil
}

func newTraceReader(file *os.File, dec *zstd.Decoder) *TraceReader {
	var src io.Reader = file
	if dec != nil {
		src = dec
	}
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &TraceReader{file: file, dec: dec, scanner: scanner}
}

// Read returns the next entry, or io.EOF at the end of the trace.
func (tr *TraceReader) Read() (*TraceEntry, error) {
	if !tr.scanner.Scan() {
		if err := tr.scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan trace line: %w", err)
		}
		return nil, io.EOF
	}

	var entry TraceEntry
	if err := json.Unmarshal(tr.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trace entry: %w", err)
	}
	return &entry, nil
}

// ReadAll reads the remaining entries
func (tr *TraceReader) ReadAll() ([]TraceEntry, error) {
	var entries []TraceEntry
	for {
		entry, err := tr.Read()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
}

// Close releases the decoder and the file
func (tr *TraceReader) Close() error {
	if tr.dec != nil {
		tr.dec.Close()
	}
	if err := tr.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// ArchiveTrace compresses the plain trace of jobID into trace.jsonl.zst and
// removes the plain file. It returns the archive path.
func ArchiveTrace(baseDir, jobID string) (string, error) {
	src, err := os.Open(tracePath(baseDir, jobID))
	if errors.Is(err, fs.ErrNotExist) {
		return "", &NotFoundError{JobID: jobID}
	}
	if err != nil {
		return "", fmt.Errorf("failed to open trace file: %w", err)
	}
	defer src.Close()

	dst := archivePath(baseDir, jobID)
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create trace archive: %w", err)
	}

	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	n, err := io.Copy(enc, src)
	if err == nil {
		err = enc.Close()
	} else {
		enc.Close()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to compress trace: %w", err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to rename trace archive: %w", err)
	}
	src.Close()
	if err := os.Remove(tracePath(baseDir, jobID)); err != nil {
		return "", fmt.Errorf("failed to remove plain trace: %w", err)
	}

	slog.Debug("Trace archived", "jobID", jobID, "path", dst, "bytes", n)
	return dst, nil
}

// DeleteTrace removes the plain and archived trace of jobID. Missing files
// are not an error.
func DeleteTrace(baseDir, jobID string) error {
	for _, path := range []string{tracePath(baseDir, jobID), archivePath(baseDir, jobID)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete trace file: %w", err)
		}
	}
	return nil
}
