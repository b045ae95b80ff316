package collector

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendTo(t *testing.T, path, text string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(text)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func nextLine(t *testing.T, tailer *LogTailer) string {
	t.Helper()
	select {
	case line := <-tailer.Lines:
		return line
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for line")
		return ""
	}
}

func assertNoLine(t *testing.T, tailer *LogTailer) {
	t.Helper()
	select {
	case line := <-tailer.Lines:
		t.Fatalf("unexpected line %q", line)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestLogTailerSkipsExistingContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latest.log")
	appendTo(t, path, "old line\n")

	tailer := NewLogTailer(path, 20*time.Millisecond)
	require.NoError(t, tailer.Start())
	defer tailer.Stop()

	appendTo(t, path, "new line\n")
	assert.Equal(t, "new line", nextLine(t, tailer))
}

func TestLogTailerStopTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latest.log")
	appendTo(t, path, "")

	tailer := NewLogTailer(path, 20*time.Millisecond)
	require.NoError(t, tailer.Start())
	tailer.Stop()
	assert.NotPanics(t, tailer.Stop)
}

func TestLogTailerHoldsPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latest.log")
	appendTo(t, path, "")

	tailer := NewLogTailer(path, 20*time.Millisecond)
	require.NoError(t, tailer.Start())
	defer tailer.Stop()

	appendTo(t, path, "[14:05:00] <Ste")
	assertNoLine(t, tailer)

	appendTo(t, path, "ve> hi\r\n\nsecond\n")
	assert.Equal(t, "[14:05:00] <Steve> hi", nextLine(t, tailer))
	assert.Equal(t, "second", nextLine(t, tailer))
}

func TestLogTailerWaitsForFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latest.log")

	tailer := NewLogTailer(path, 20*time.Millisecond)
	require.NoError(t, tailer.Start())
	defer tailer.Stop()

	appendTo(t, path, "first\n")
	assert.Equal(t, "first", nextLine(t, tailer))
}

func TestLogTailerCopyTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latest.log")
	appendTo(t, path, "")

	tailer := NewLogTailer(path, 20*time.Millisecond)
	require.NoError(t, tailer.Start())
	defer tailer.Stop()

	appendTo(t, path, "a fairly long line before rotation\n")
	assert.Equal(t, "a fairly long line before rotation", nextLine(t, tailer))

	require.NoError(t, os.Truncate(path, 0))
	// Give the tailer a chance to observe the shrink before new writes
	time.Sleep(100 * time.Millisecond)
	appendTo(t, path, "after\n")
	assert.Equal(t, "after", nextLine(t, tailer))
}

func TestLogTailerFollowsReplacement(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "latest.log")
	appendTo(t, path, "")

	tailer := NewLogTailer(path, 20*time.Millisecond)
	require.NoError(t, tailer.Start())
	defer tailer.Stop()

	appendTo(t, path, "before\n")
	assert.Equal(t, "before", nextLine(t, tailer))

	require.NoError(t, os.Rename(path, filepath.Join(dir, "2026-03-01-1.log")))
	appendTo(t, path, "fresh file\n")
	assert.Equal(t, "fresh file", nextLine(t, tailer))
}

func TestReadLastLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latest.log")
	appendTo(t, path, "one\ntwo\r\n\nthree\nfour\n")

	lines, err := ReadLastLines(path, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"two", "three", "four"}, lines)

	lines, err = ReadLastLines(path, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three", "four"}, lines)
}

func TestReadLastLinesMissingFile(t *testing.T) {
	lines, err := ReadLastLines(filepath.Join(t.TempDir(), "nope.log"), 5)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestReadLastLinesSkipsCutLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latest.log")
	filler := strings.Repeat("x", 1000) + "\n"
	appendTo(t, path, strings.Repeat(filler, 300)+"tail\n")

	lines, err := ReadLastLines(path, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, lines)
	assert.Equal(t, "tail", lines[len(lines)-1])
	for _, l := range lines[:len(lines)-1] {
		assert.Len(t, l, 1000)
	}
}
