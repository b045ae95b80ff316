package collector

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/klauspost/compress/gzip"

	"github.com/ernie/blockbridge/internal/domain"
)

// historyLayout renders like an en-GB locale string: "01/03/2026, 14:03:59"
const historyLayout = "02/01/2006, 15:04:05"

// HistoryReader derives first-join and last-seen times from the server's
// log archive. A line's time is the containing file's modification date
// combined with the line's [HH:MM:SS] clock, shifted by a fixed offset.
type HistoryReader struct {
	dir    string
	offset time.Duration
	zone   *time.Location // zone the result is rendered in
	local  *time.Location // zone the file dates and clocks are read in
}

// NewHistoryReader creates a HistoryReader over dir
func NewHistoryReader(dir string, offset time.Duration, zone string) (*HistoryReader, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", zone, err)
	}
	return &HistoryReader{dir: dir, offset: offset, zone: loc, local: time.Local}, nil
}

type logFile struct {
	path  string
	mtime time.Time
}

// logFiles returns the *.log and *.log.gz files in modification-time order
func (h *HistoryReader) logFiles() ([]logFile, error) {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return nil, err
	}

	var files []logFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, ".log") || strings.HasSuffix(name, ".log.gz")) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{path: filepath.Join(h.dir, name), mtime: info.ModTime()})
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })
	return files, nil
}

// PlayHistory returns when player first joined and was last seen. It
// returns nil when the logs hold no trace of the player or no logs exist.
func (h *HistoryReader) PlayHistory(player string) (*domain.PlayHistory, error) {
	files, err := h.logFiles()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing logs: %w", err)
	}

	name := regexp.QuoteMeta(player)
	joinRe := regexp.MustCompile(`\b` + name + ` joined the game\b`)
	leaveRe := regexp.MustCompile(`\b` + name + ` left the game\b`)

	var firstJoin, lastSeen time.Time
	for _, f := range files {
		err := h.scanFile(f, func(ts time.Time, line string) {
			if joinRe.MatchString(line) {
				if firstJoin.IsZero() || ts.Before(firstJoin) {
					firstJoin = ts
				}
				if lastSeen.IsZero() || ts.After(lastSeen) {
					lastSeen = ts
				}
			}
			if leaveRe.MatchString(line) {
				if lastSeen.IsZero() || ts.After(lastSeen) {
					lastSeen = ts
				}
			}
		})
		if err != nil {
			log.Printf("Warning: skipping unreadable log %s: %v", f.path, err)
		}
	}

	if firstJoin.IsZero() && lastSeen.IsZero() {
		return nil, nil
	}
	return &domain.PlayHistory{
		FirstJoin: h.render(firstJoin),
		LastSeen:  h.render(lastSeen),
	}, nil
}

func (h *HistoryReader) render(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.In(h.zone).Format(historyLayout)
}

// scanFile calls fn for each line of f that starts with a clock
func (h *HistoryReader) scanFile(f logFile, fn func(time.Time, string)) error {
	file, err := os.Open(f.path)
	if err != nil {
		return err
	}
	defer file.Close()

	var r io.Reader = file
	if strings.HasSuffix(f.path, ".gz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return fmt.Errorf("opening gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	day := f.mtime.In(h.local)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		match := clockRegex.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		hh, _ := strconv.Atoi(match[1])
		mm, _ := strconv.Atoi(match[2])
		ss, _ := strconv.Atoi(match[3])
		ts := time.Date(day.Year(), day.Month(), day.Day(), hh, mm, ss, 0, h.local).Add(h.offset)
		fn(ts, line)
	}
	return scanner.Err()
}
