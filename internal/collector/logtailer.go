package collector

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// LogTailer streams lines appended to a log file. Lines already in the file
// when Start is called are skipped; a file that appears later, or replaces
// the tailed one, is read from its beginning.
type LogTailer struct {
	path     string
	interval time.Duration
	file     *os.File
	position int64
	partial  string
	Lines    chan string
	Errors   chan error
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLogTailer creates a new log tailer. interval is the fallback poll
// period used when no file system notification arrives.
func NewLogTailer(path string, interval time.Duration) *LogTailer {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &LogTailer{
		path:     filepath.Clean(path),
		interval: interval,
		Lines:    make(chan string, 100),
		Errors:   make(chan error, 10),
		done:     make(chan struct{}),
	}
}

// Start begins tailing the log file from its current end. A missing file is
// not an error: the tailer waits for it to be created.
func (t *LogTailer) Start() error {
	file, err := os.Open(t.path)
	switch {
	case err == nil:
		pos, err := file.Seek(0, io.SeekEnd)
		if err != nil {
			file.Close()
			return fmt.Errorf("seeking to end: %w", err)
		}
		t.file = file
		t.position = pos
	case errors.Is(err, os.ErrNotExist):
		log.Printf("Log file %s does not exist yet, waiting for it", t.path)
	default:
		return fmt.Errorf("opening log file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("Warning: file notifications unavailable, polling %s: %v", t.path, err)
		watcher = nil
	} else if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		log.Printf("Warning: cannot watch %s, polling instead: %v", filepath.Dir(t.path), err)
		watcher.Close()
		watcher = nil
	}

	t.wg.Add(1)
	go t.tailLoop(watcher)
	return nil
}

// Stop stops the tailer and waits for its goroutine to exit. Later calls
// are no-ops.
func (t *LogTailer) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		t.wg.Wait()
		if t.file != nil {
			t.file.Close()
			t.file = nil
		}
	})
}

// tailLoop reads new content on every notification or tick
func (t *LogTailer) tailLoop(watcher *fsnotify.Watcher) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var watchErrors chan error
	if watcher != nil {
		defer watcher.Close()
		events = watcher.Events
		watchErrors = watcher.Errors
	}

	for {
		if err := t.check(); err != nil {
			select {
			case t.Errors <- err:
			default:
			}
		}

		select {
		case <-t.done:
			return
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != t.path {
				continue
			}
		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			log.Printf("Log watcher error for %s: %v", t.path, err)
		}
	}
}

// check opens the file if needed, follows replacement and reads new lines
func (t *LogTailer) check() error {
	if t.file == nil {
		file, err := os.Open(t.path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		t.file = file
		t.position = 0
		t.partial = ""
	}

	if replaced, err := t.replaced(); err != nil {
		return err
	} else if replaced {
		// Finish the old file before switching to the new one
		if err := t.readNewContent(); err != nil {
			return err
		}
		t.file.Close()
		t.file = nil
		return t.check()
	}

	return t.readNewContent()
}

// replaced reports whether the path now names a different file than the
// one held open, as after a rename-and-create rotation
func (t *LogTailer) replaced() (bool, error) {
	current, err := os.Stat(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat log path: %w", err)
	}
	held, err := t.file.Stat()
	if err != nil {
		return false, fmt.Errorf("stat file: %w", err)
	}
	return !os.SameFile(current, held), nil
}

// readNewContent reads any new content since last read
func (t *LogTailer) readNewContent() error {
	stat, err := t.file.Stat()
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}

	// Handle copytruncate: file size smaller than position
	if stat.Size() < t.position {
		t.position = 0
		t.partial = ""
	}

	// No new content
	if stat.Size() == t.position {
		return nil
	}

	reader := bufio.NewReader(io.NewSectionReader(t.file, t.position, stat.Size()-t.position))
	for {
		chunk, err := reader.ReadString('\n')
		t.position += int64(len(chunk))
		if err == io.EOF {
			// Partial line - keep it until the rest is written
			t.partial += chunk
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading line: %w", err)
		}

		line := t.partial + chunk[:len(chunk)-1]
		t.partial = ""
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		if line == "" {
			continue
		}

		select {
		case t.Lines <- line:
		case <-t.done:
			return nil
		}
	}
}

// ReadLastLines returns up to n complete lines from the end of the file at
// path, reading at most the trailing 256KiB. A missing file yields no lines.
func ReadLastLines(path string, n int) ([]string, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}

	const window = 256 << 10
	offset := stat.Size() - window
	if offset < 0 {
		offset = 0
	}

	scanner := bufio.NewScanner(io.NewSectionReader(file, offset, stat.Size()-offset))
	scanner.Buffer(make([]byte, 64<<10), window)
	lines := []string{}
	first := offset > 0
	for scanner.Scan() {
		if first {
			// Starts mid-line
			first = false
			continue
		}
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading log file: %w", err)
	}

	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
