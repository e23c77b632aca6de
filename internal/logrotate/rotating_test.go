package logrotate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFile(t *testing.T, opts ...Option) *RotatingFile {
	t.Helper()
	r, err := New(filepath.Join(t.TempDir(), "logs", "job.log"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

// chunk returns a string of exactly n bytes ending in a newline.
func chunk(i, n int) string {
	prefix := fmt.Sprintf("write-%02d ", i)
	return prefix + strings.Repeat("x", n-len(prefix)-1) + "\n"
}

func TestNew_InvalidOptions(t *testing.T) {
	dir := t.TempDir()

	_, err := New(filepath.Join(dir, "a.log"), WithMaxFileSize(0))
	require.Error(t, err)

	_, err = New(filepath.Join(dir, "a.log"), WithNumFilesToKeep(1))
	require.Error(t, err)
}

func TestWrite_RotationBound(t *testing.T) {
	r := newTestFile(t, WithMaxFileSize(100), WithNumFilesToKeep(2))

	var writes []string
	for i := 0; i < 10; i++ {
		s := chunk(i, 50)
		writes = append(writes, s)
		n, err := r.WriteString(s)
		require.NoError(t, err)
		assert.Equal(t, 50, n)
	}

	paths, err := r.SubfilePaths()
	require.NoError(t, err)
	assert.Len(t, paths, 2)
	assert.Equal(t, r.path+".8", paths[0])
	assert.Equal(t, r.path+".9", paths[1])

	data, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, writes[8]+writes[9], string(data))
}

func TestWrite_NoDataLossWithinRetention(t *testing.T) {
	r := newTestFile(t, WithMaxFileSize(100), WithNumFilesToKeep(3))

	var all strings.Builder
	for i := 0; i < 6; i++ {
		s := chunk(i, 30)
		all.WriteString(s)
		_, err := r.WriteString(s)
		require.NoError(t, err)
	}

	data, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, all.String(), string(data))
}

func TestWrite_NeverSplitsLargeWrite(t *testing.T) {
	r := newTestFile(t, WithMaxFileSize(10), WithNumFilesToKeep(2))

	_, err := r.WriteString("short\n")
	require.NoError(t, err)
	big := strings.Repeat("y", 40) + "\n"
	_, err = r.WriteString(big)
	require.NoError(t, err)

	content, err := os.ReadFile(r.LatestSubfilePath())
	require.NoError(t, err)
	assert.Equal(t, big, string(content))
}

func TestReadLines_AcrossSubfileBoundary(t *testing.T) {
	r := newTestFile(t, WithMaxFileSize(20), WithNumFilesToKeep(3))

	_, err := r.WriteString("first line\nsecond ")
	require.NoError(t, err)
	_, err = r.WriteString("half continues\n")
	require.NoError(t, err)

	paths, err := r.SubfilePaths()
	require.NoError(t, err)
	require.Len(t, paths, 2)

	lines, err := r.ReadLines()
	require.NoError(t, err)
	assert.Equal(t, []string{"first line\n", "second half continues\n"}, lines)
}

func TestRead_CursorAdvances(t *testing.T) {
	r := newTestFile(t)

	_, err := r.WriteString("one\n")
	require.NoError(t, err)
	data, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, "one\n", string(data))

	data, err = r.Read()
	require.NoError(t, err)
	assert.Empty(t, data)

	_, err = r.WriteString("two\n")
	require.NoError(t, err)
	data, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, "two\n", string(data))
}

func TestRead_IndependentReaders(t *testing.T) {
	writer := newTestFile(t, WithMaxFileSize(12), WithNumFilesToKeep(5))
	reader, err := New(writer.Path(), WithMaxFileSize(12), WithNumFilesToKeep(5))
	require.NoError(t, err)

	_, err = writer.WriteString("alpha\n")
	require.NoError(t, err)
	lines, err := reader.ReadLines()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha\n"}, lines)

	_, err = writer.WriteString("beta\n")
	require.NoError(t, err)
	_, err = writer.WriteString("gamma\n")
	require.NoError(t, err)

	lines, err = reader.ReadLines()
	require.NoError(t, err)
	assert.Equal(t, []string{"beta\n", "gamma\n"}, lines)
}

func TestSeek(t *testing.T) {
	r := newTestFile(t, WithMaxFileSize(10), WithNumFilesToKeep(2))

	for i := 0; i < 4; i++ {
		_, err := r.WriteString(fmt.Sprintf("line-%d\n", i))
		require.NoError(t, err)
	}
	_, err := r.Read()
	require.NoError(t, err)

	// Rewind lands on the oldest retained subfile, not a pruned one.
	require.NoError(t, r.Seek(0))
	index, offset := r.Tell()
	assert.Equal(t, 2, index)
	assert.Equal(t, int64(0), offset)
	data, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, "line-2\nline-3\n", string(data))

	require.NoError(t, r.Seek(5))
	data, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, "3\n", string(data))

	require.Error(t, r.Seek(-1))
}

func TestTail(t *testing.T) {
	r := newTestFile(t, WithMaxFileSize(15), WithNumFilesToKeep(5))

	for i := 0; i < 6; i++ {
		_, err := r.WriteString(fmt.Sprintf("row %d\n", i))
		require.NoError(t, err)
	}

	lines, err := r.Tail(3)
	require.NoError(t, err)
	assert.Equal(t, []string{"row 3\n", "row 4\n", "row 5\n"}, lines)

	data, err := r.Read()
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestWrite_ResumesLatestSubfile(t *testing.T) {
	first := newTestFile(t, WithMaxFileSize(10), WithNumFilesToKeep(3))
	_, err := first.WriteString("aaaa\n")
	require.NoError(t, err)
	_, err = first.WriteString("bbbb\n")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := New(first.Path(), WithMaxFileSize(10), WithNumFilesToKeep(3))
	require.NoError(t, err)
	defer second.Close()
	_, err = second.WriteString("c\n")
	require.NoError(t, err)

	content, err := os.ReadFile(first.Path() + ".1")
	require.NoError(t, err)
	assert.Equal(t, "bbbb\nc\n", string(content))
}

func TestWrite_Timestamps(t *testing.T) {
	r := newTestFile(t, WithTimestamps("15:04"))

	_, err := r.WriteString("partial ")
	require.NoError(t, err)
	_, err = r.WriteString("done\nnext\n")
	require.NoError(t, err)

	lines, err := r.ReadLines()
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Regexp(t, `^\d\d:\d\d \| partial done\n$`, lines[0])
	assert.Regexp(t, `^\d\d:\d\d \| next\n$`, lines[1])
}

// shortWriter accepts at most limit bytes per write and then fails.
type shortWriter struct {
	subfileWriter
	limit int
}

func (w *shortWriter) Write(p []byte) (int, error) {
	n, _ := w.subfileWriter.Write(p[:min(len(p), w.limit)])
	return n, errors.New("no space left on device")
}

func TestWrite_PartialWriteReportsBytesWritten(t *testing.T) {
	r := newTestFile(t)
	_, err := r.WriteString("first\n")
	require.NoError(t, err)
	r.w = &shortWriter{subfileWriter: r.w, limit: 4}

	n, err := r.WriteString("second\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no space left")
	assert.Equal(t, 4, n)

	all, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, "first\nseco", string(all))
}

func TestWrite_PartialWriteExcludesTimestamps(t *testing.T) {
	r := newTestFile(t, WithTimestamps("15:04"))
	_, err := r.WriteString("first\n")
	require.NoError(t, err)
	// "HH:MM | " is 8 bytes, so 10 bytes carry 2 bytes of the payload.
	r.w = &shortWriter{subfileWriter: r.w, limit: 10}

	n, err := r.WriteString("abc\n")
	require.Error(t, err)
	assert.Equal(t, 2, n)

	r.w = &shortWriter{subfileWriter: r.w.(*shortWriter).subfileWriter, limit: 3}
	n, err = r.WriteString("xyz\n")
	require.Error(t, err)
	assert.Equal(t, 0, n)
}

func TestDelete(t *testing.T) {
	r := newTestFile(t, WithMaxFileSize(5), WithNumFilesToKeep(3))
	for i := 0; i < 3; i++ {
		_, err := r.WriteString(fmt.Sprintf("%d\n", i))
		require.NoError(t, err)
	}

	require.NoError(t, r.Delete())

	paths, err := r.SubfilePaths()
	require.NoError(t, err)
	assert.Empty(t, paths)
}
