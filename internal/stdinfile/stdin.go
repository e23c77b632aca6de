// Package stdinfile provides a named pipe used as the standard input of a
// detached job, plus a marker file that exists while the job is waiting for
// input, so other processes can tell when to prompt.
package stdinfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const DefaultRetryInterval = 100 * time.Millisecond

// ErrNoReader is returned by Write when no process has the pipe open for reading.
var ErrNoReader = errors.New("no reader attached to stdin")

type File struct {
	path          string
	blockingPath  string
	retryInterval time.Duration

	mu      sync.Mutex
	h       *os.File
	closed  bool
	blocked bool

	lineMu sync.Mutex
	lines  *bufio.Reader
}

type Option func(*File)

// WithRetryInterval sets how long a reader waits for data before it marks
// itself as blocked and retries.
func WithRetryInterval(d time.Duration) Option {
	return func(f *File) {
		if d > 0 {
			f.retryInterval = d
		}
	}
}

func New(path string, opts ...Option) *File {
	f := &File{
		path:          path,
		blockingPath:  path + ".block",
		retryInterval: DefaultRetryInterval,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *File) Path() string         { return f.path }
func (f *File) BlockingPath() string { return f.blockingPath }

// Blocked reports whether a reader is currently waiting for input.
func (f *File) Blocked() bool {
	_, err := os.Stat(f.blockingPath)
	return err == nil
}

func (f *File) ensureFIFO() error {
	info, err := os.Stat(f.path)
	if err == nil {
		if info.Mode()&fs.ModeNamedPipe == 0 {
			return fmt.Errorf("%s exists and is not a FIFO", f.path)
		}
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat stdin: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create stdin directory: %w", err)
	}
	if err := unix.Mkfifo(f.path, 0o600); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("create stdin fifo: %w", err)
	}
	return nil
}

// Write pushes p into the pipe. It never blocks waiting for a reader.
func (f *File) Write(p []byte) (int, error) {
	if err := f.ensureFIFO(); err != nil {
		return 0, err
	}
	w, err := os.OpenFile(f.path, os.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		if errors.Is(err, syscall.ENXIO) {
			return 0, ErrNoReader
		}
		return 0, fmt.Errorf("open stdin for writing: %w", err)
	}
	defer w.Close()
	return w.Write(p)
}

// WriteLine writes s terminated by a newline.
func (f *File) WriteLine(s string) error {
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	_, err := f.Write([]byte(s))
	return err
}

func (f *File) open() (*os.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, io.EOF
	}
	if f.h != nil {
		return f.h, nil
	}
	if err := f.ensureFIFO(); err != nil {
		return nil, err
	}
	// Read-write keeps a writer attached, so open never blocks and reads
	// never see EOF between writers.
	h, err := os.OpenFile(f.path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open stdin: %w", err)
	}
	f.h = h
	return h, nil
}

// Read blocks until data arrives or the file is closed. While it waits with
// nothing to read, the blocking marker exists.
func (f *File) Read(p []byte) (int, error) {
	for {
		h, err := f.open()
		if err != nil {
			return 0, err
		}
		if err := h.SetReadDeadline(time.Now().Add(f.retryInterval)); err != nil {
			if errors.Is(err, os.ErrClosed) {
				return 0, io.EOF
			}
			return 0, fmt.Errorf("set stdin deadline: %w", err)
		}

		n, err := h.Read(p)
		if n > 0 {
			f.setBlocked(false)
			return n, nil
		}
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			f.setBlocked(true)
		case errors.Is(err, os.ErrClosed), errors.Is(err, io.EOF):
			return 0, io.EOF
		case err != nil:
			return 0, fmt.Errorf("read stdin: %w", err)
		}
	}
}

// ReadLine returns the next line including its newline.
func (f *File) ReadLine() (string, error) {
	f.lineMu.Lock()
	defer f.lineMu.Unlock()

	if f.lines == nil {
		f.lines = bufio.NewReader(f)
	}
	return f.lines.ReadString('\n')
}

func (f *File) setBlocked(blocked bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed || f.blocked == blocked {
		return
	}
	if blocked {
		if m, err := os.OpenFile(f.blockingPath, os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
			m.Close()
		}
	} else {
		os.Remove(f.blockingPath)
	}
	f.blocked = blocked
}

// Close unblocks pending readers with io.EOF and removes the marker. The
// FIFO itself stays in place.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	f.blocked = false
	if err := os.Remove(f.blockingPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stdin marker: %w", err)
	}
	if f.h != nil {
		return f.h.Close()
	}
	return nil
}

// Remove closes the file and deletes the FIFO and marker from disk.
func (f *File) Remove() error {
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stdin fifo: %w", err)
	}
	return nil
}
