package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const dailyLayout = "2006-01-02"

// DailyFile is an io.Writer appending to <dir>/YYYY-MM-DD.txt, switching files at midnight.
type DailyFile struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

// NewDailyFile returns a writer rooted at dir. The directory is created lazily.
func NewDailyFile(dir string) *DailyFile {
	return &DailyFile{dir: dir, now: time.Now}
}

func (d *DailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	day := d.now().Format(dailyLayout)
	if d.file == nil || day != d.day {
		if d.file != nil {
			_ = d.file.Close()
			d.file = nil
		}
		if err := os.MkdirAll(d.dir, 0o755); err != nil {
			return 0, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(d.dir, day+".txt"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return 0, fmt.Errorf("open log file: %w", err)
		}
		d.file = f
		d.day = day
	}
	return d.file.Write(p)
}

// Close closes the current file.
func (d *DailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

// Prune removes daily files older than retention and returns the removed names.
func (d *DailyFile) Prune(retention time.Duration) ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	cutoff := d.now().Add(-retention)

	var removed []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".txt") {
			continue
		}
		day, err := time.ParseInLocation(dailyLayout, strings.TrimSuffix(name, ".txt"), cutoff.Location())
		if err != nil || !day.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(d.dir, name)); err != nil {
			return removed, err
		}
		removed = append(removed, name)
	}
	sort.Strings(removed)
	return removed, nil
}
