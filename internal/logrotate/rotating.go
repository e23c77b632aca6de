// Package logrotate implements an append-only log made of numbered subfiles
// (path.0, path.1, ...) that rotates by size and keeps a bounded number of
// subfiles. It can be written by one process and tailed by others.
package logrotate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxFileSize     = 100_000
	DefaultNumFilesToKeep  = 5
	DefaultTimestampFormat = "2006-01-02 15:04:05"
)

// subfileWriter is the open active subfile.
type subfileWriter interface {
	io.WriteCloser
	Name() string
}

// RotatingFile is safe for concurrent use. Each instance carries its own read
// cursor, so independent readers should use independent instances.
type RotatingFile struct {
	path            string
	maxFileSize     int64
	numFilesToKeep  int
	timestampFormat string

	mu          sync.Mutex
	w           subfileWriter
	wIndex      int
	wSize       int64
	atLineStart bool

	cursorSet    bool
	cursorIndex  int
	cursorOffset int64
}

type Option func(*RotatingFile)

// WithMaxFileSize sets the size in bytes at which the active subfile rotates.
func WithMaxFileSize(n int64) Option {
	return func(r *RotatingFile) { r.maxFileSize = n }
}

// WithNumFilesToKeep sets how many subfiles survive pruning.
func WithNumFilesToKeep(n int) Option {
	return func(r *RotatingFile) { r.numFilesToKeep = n }
}

// WithTimestamps prefixes every written line with the current time.
// An empty format selects DefaultTimestampFormat.
func WithTimestamps(format string) Option {
	return func(r *RotatingFile) {
		if format == "" {
			format = DefaultTimestampFormat
		}
		r.timestampFormat = format
	}
}

// New returns a RotatingFile rooted at path. No file is created until the
// first Write.
func New(path string, opts ...Option) (*RotatingFile, error) {
	r := &RotatingFile{
		path:           path,
		maxFileSize:    DefaultMaxFileSize,
		numFilesToKeep: DefaultNumFilesToKeep,
		atLineStart:    true,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.maxFileSize < 1 {
		return nil, fmt.Errorf("max file size must be at least 1, got %d", r.maxFileSize)
	}
	if r.numFilesToKeep < 2 {
		return nil, fmt.Errorf("number of files to keep must be at least 2, got %d", r.numFilesToKeep)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return r, nil
}

// Path returns the logical root path (without subfile suffix).
func (r *RotatingFile) Path() string {
	return r.path
}

func (r *RotatingFile) subfilePath(index int) string {
	return r.path + "." + strconv.Itoa(index)
}

// subfileIndices lists existing subfile indices, oldest first.
func (r *RotatingFile) subfileIndices() ([]int, error) {
	dir, base := filepath.Dir(r.path), filepath.Base(r.path)+"."
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list subfiles: %w", err)
	}

	var indices []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, base) {
			continue
		}
		index, err := strconv.Atoi(strings.TrimPrefix(name, base))
		if err != nil || index < 0 {
			continue
		}
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices, nil
}

// SubfilePaths returns the paths of all existing subfiles, oldest first.
func (r *RotatingFile) SubfilePaths() ([]string, error) {
	indices, err := r.subfileIndices()
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(indices))
	for _, i := range indices {
		paths = append(paths, r.subfilePath(i))
	}
	return paths, nil
}

// LatestSubfilePath returns the subfile currently being written, or the path
// the first subfile will have if none exists yet.
func (r *RotatingFile) LatestSubfilePath() string {
	indices, err := r.subfileIndices()
	if err != nil || len(indices) == 0 {
		return r.subfilePath(0)
	}
	return r.subfilePath(indices[len(indices)-1])
}

// Write appends p to the active subfile. The write is never split across
// subfiles: if it would push the active subfile to the size limit, a new
// subfile is started first.
func (r *RotatingFile) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.openWriter(); err != nil {
		return 0, err
	}

	data := r.stamp(p)
	if r.wSize > 0 && r.wSize+int64(len(data)) >= r.maxFileSize {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := r.w.Write(data)
	r.wSize += int64(n)
	if err != nil {
		// Count only bytes of p; timestamp prefixes are not the caller's.
		written := min(max(n-(len(data)-len(p)), 0), len(p))
		return written, fmt.Errorf("write %s: %w", r.w.Name(), err)
	}
	return len(p), nil
}

// WriteString is a convenience wrapper around Write.
func (r *RotatingFile) WriteString(s string) (int, error) {
	return r.Write([]byte(s))
}

// openWriter resumes the newest existing subfile, so a restarted writer keeps
// appending where the previous one stopped.
func (r *RotatingFile) openWriter() error {
	if r.w != nil {
		return nil
	}

	indices, err := r.subfileIndices()
	if err != nil {
		return err
	}
	index := 0
	if len(indices) > 0 {
		index = indices[len(indices)-1]
	}

	f, err := os.OpenFile(r.subfilePath(index), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open subfile: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat subfile: %w", err)
	}

	r.w, r.wIndex, r.wSize = f, index, info.Size()
	r.atLineStart = true
	if r.wSize > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, r.wSize-1); err == nil {
			r.atLineStart = last[0] == '\n'
		}
	}
	return nil
}

func (r *RotatingFile) rotate() error {
	if err := r.w.Close(); err != nil {
		return fmt.Errorf("close subfile: %w", err)
	}
	r.w = nil

	next := r.wIndex + 1
	f, err := os.OpenFile(r.subfilePath(next), os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open subfile: %w", err)
	}
	r.w, r.wIndex, r.wSize = f, next, 0

	return r.prune()
}

// prune deletes the oldest subfiles until numFilesToKeep remain. The write
// handle always points at the newest subfile, so it is never pruned.
func (r *RotatingFile) prune() error {
	indices, err := r.subfileIndices()
	if err != nil {
		return err
	}
	for len(indices) > r.numFilesToKeep {
		if err := os.Remove(r.subfilePath(indices[0])); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove subfile: %w", err)
		}
		indices = indices[1:]
	}
	return nil
}

func (r *RotatingFile) stamp(p []byte) []byte {
	if r.timestampFormat == "" {
		return p
	}

	prefix := time.Now().Format(r.timestampFormat) + " | "
	var buf bytes.Buffer
	for len(p) > 0 {
		if r.atLineStart {
			buf.WriteString(prefix)
			r.atLineStart = false
		}
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			buf.Write(p)
			break
		}
		buf.Write(p[:i+1])
		p = p[i+1:]
		r.atLineStart = true
	}
	return buf.Bytes()
}

// Read returns everything written after the cursor, across subfile
// boundaries, and advances the cursor to the end.
func (r *RotatingFile) Read() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readLocked()
}

// ReadLines is Read split into lines. Lines keep their trailing newline; a
// line spanning two subfiles is returned whole.
func (r *RotatingFile) ReadLines() ([]string, error) {
	data, err := r.Read()
	if err != nil {
		return nil, err
	}
	return splitLines(data), nil
}

func (r *RotatingFile) readLocked() ([]byte, error) {
	indices, err := r.subfileIndices()
	if err != nil {
		return nil, err
	}
	if len(indices) == 0 {
		return nil, nil
	}
	if !r.cursorSet || r.cursorIndex < indices[0] {
		r.cursorSet, r.cursorIndex, r.cursorOffset = true, indices[0], 0
	}

	var buf bytes.Buffer
	for _, index := range indices {
		if index < r.cursorIndex {
			continue
		}
		var offset int64
		if index == r.cursorIndex {
			offset = r.cursorOffset
		}
		end, err := readFrom(r.subfilePath(index), offset, &buf)
		if errors.Is(err, fs.ErrNotExist) {
			// Pruned between listing and reading.
			continue
		}
		if err != nil {
			return nil, err
		}
		r.cursorIndex, r.cursorOffset = index, end
	}
	return buf.Bytes(), nil
}

// readFrom copies path from offset into buf and returns the new end offset.
// A subfile shorter than offset was recreated and is read from the start.
func readFrom(path string, offset int64, buf *bytes.Buffer) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat subfile: %w", err)
	}
	if info.Size() < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek subfile: %w", err)
	}
	n, err := io.Copy(buf, f)
	if err != nil {
		return 0, fmt.Errorf("read subfile: %w", err)
	}
	return offset + n, nil
}

// Seek moves the read cursor. Position 0 rewinds to the oldest retained
// subfile; any other position is an offset within the active subfile.
func (r *RotatingFile) Seek(position int64) error {
	if position < 0 {
		return fmt.Errorf("invalid seek position %d", position)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	indices, err := r.subfileIndices()
	if err != nil {
		return err
	}
	if len(indices) == 0 {
		r.cursorSet, r.cursorIndex, r.cursorOffset = true, 0, 0
		return nil
	}
	if position == 0 {
		r.cursorSet, r.cursorIndex, r.cursorOffset = true, indices[0], 0
		return nil
	}
	r.cursorSet, r.cursorIndex, r.cursorOffset = true, indices[len(indices)-1], position
	return nil
}

// Tell returns the cursor as (subfile index, offset).
func (r *RotatingFile) Tell() (int, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursorIndex, r.cursorOffset
}

// Tail returns the last n lines across all retained subfiles and leaves the
// cursor at the end, so a following Read returns only new output.
func (r *RotatingFile) Tail(n int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cursorSet = false
	data, err := r.readLocked()
	if err != nil {
		return nil, err
	}
	lines := splitLines(data)
	if n <= 0 {
		return nil, nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// Close releases the write handle. The instance can still be read, and a
// later Write reopens the newest subfile.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeWriter()
}

func (r *RotatingFile) closeWriter() error {
	if r.w == nil {
		return nil
	}
	err := r.w.Close()
	r.w = nil
	return err
}

// Delete closes the file and removes every subfile.
func (r *RotatingFile) Delete() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_ = r.closeWriter()
	indices, err := r.subfileIndices()
	if err != nil {
		return err
	}
	for _, i := range indices {
		if err := os.Remove(r.subfilePath(i)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove subfile: %w", err)
		}
	}
	r.cursorSet, r.cursorIndex, r.cursorOffset = false, 0, 0
	return nil
}

func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	lines := strings.SplitAfter(string(data), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
