package stdinfile

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineResult struct {
	line string
	err  error
}

func readLineAsync(f *File) <-chan lineResult {
	ch := make(chan lineResult, 1)
	go func() {
		line, err := f.ReadLine()
		ch <- lineResult{line, err}
	}()
	return ch
}

func TestRead_BlockingMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.stdin")
	reader := New(path, WithRetryInterval(20*time.Millisecond))
	defer reader.Close()

	result := readLineAsync(reader)

	require.Eventually(t, func() bool {
		_, err := os.Stat(reader.BlockingPath())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, reader.Blocked())

	writer := New(path)
	require.NoError(t, writer.WriteLine("hello"))

	select {
	case res := <-result:
		require.NoError(t, res.err)
		assert.Equal(t, "hello\n", res.line)
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not receive the line")
	}

	_, err := os.Stat(reader.BlockingPath())
	assert.True(t, os.IsNotExist(err))
}

func TestRead_CreatesFIFO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "input.stdin")
	reader := New(path, WithRetryInterval(10*time.Millisecond))
	defer reader.Close()

	result := readLineAsync(reader)

	// The write only succeeds once the reader has created and opened the FIFO.
	require.Eventually(t, func() bool {
		return New(path).WriteLine("x") == nil
	}, 2*time.Second, 10*time.Millisecond)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeNamedPipe)

	res := <-result
	require.NoError(t, res.err)
	assert.Equal(t, "x\n", res.line)
}

func TestWrite_NoReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.stdin")

	_, err := New(path).Write([]byte("lost\n"))
	assert.ErrorIs(t, err, ErrNoReader)
}

func TestClose_UnblocksReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.stdin")
	reader := New(path, WithRetryInterval(10*time.Millisecond))

	result := readLineAsync(reader)
	require.Eventually(t, reader.Blocked, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, reader.Close())

	select {
	case res := <-result:
		assert.ErrorIs(t, res.err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("reader was not unblocked by Close")
	}
	assert.False(t, reader.Blocked())
}

func TestNew_NotAFIFO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.stdin")
	require.NoError(t, os.WriteFile(path, []byte("plain"), 0o644))

	_, err := New(path).Write([]byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a FIFO")
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.stdin")
	f := New(path)
	require.NoError(t, f.ensureFIFO())

	require.NoError(t, f.Remove())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
