package recorder

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// MetadataHeader lists the columns of the bolid metadata log
var MetadataHeader = []string{"filename", "noise", "peak_frequency", "magnitude", "duration"}

// CsvLog appends semicolon separated records to hourly files named
// <dir>/<YYYYMMDDHH>0000_<origin>_meta.csv. A new file starts with a
// "# "-prefixed header line.
type CsvLog struct {
	mu      sync.Mutex
	dir     string
	origin  string
	header  []string
	hour    string
	file    *os.File
	writer  *csv.Writer
	written uint64
}

// NewCsvLog creates a log. Files are created lazily on the first write.
func NewCsvLog(dir, origin string, header []string) *CsvLog {
	return &CsvLog{dir: dir, origin: sanitize(origin), header: header}
}

// PathFor returns the file a record stamped t is written to
func (l *CsvLog) PathFor(t time.Time) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s0000_%s_meta.csv", t.UTC().Format("2006010215"), l.origin))
}

// Write appends record to the file for the hour of t
func (l *CsvLog) Write(t time.Time, record []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	hour := t.UTC().Format("2006010215")
	if hour != l.hour || l.writer == nil {
		if err := l.rotate(t); err != nil {
			return err
		}
		l.hour = hour
	}

	if err := l.writer.Write(record); err != nil {
		return fmt.Errorf("failed to write metadata record: %w", err)
	}
	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		return fmt.Errorf("failed to flush metadata log: %w", err)
	}
	l.written++
	return nil
}

func (l *CsvLog) rotate(t time.Time) error {
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			log.Printf("Warning: error closing previous metadata log: %v", err)
		}
		l.file, l.writer = nil, nil
	}

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}

	filename := l.PathFor(t)
	file, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open metadata log: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat metadata log: %w", err)
	}
	if stat.Size() == 0 && len(l.header) > 0 {
		if _, err := file.WriteString("# " + strings.Join(l.header, ";") + "\n"); err != nil {
			file.Close()
			return fmt.Errorf("failed to write metadata header: %w", err)
		}
		log.Printf("Created new metadata log file: %s", filename)
	}

	l.file = file
	l.writer = csv.NewWriter(file)
	l.writer.Comma = ';'
	return nil
}

// Written returns the number of records appended
func (l *CsvLog) Written() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written
}

// Close closes the current file
func (l *CsvLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file, l.writer, l.hour = nil, nil, ""
	return err
}

// FileBase builds the base name shared by all files of one snapshot:
// <YYYYMMDDHHMMSSmmm>_<origin>_<kind>
func FileBase(t time.Time, origin, kind string) string {
	t = t.UTC()
	return fmt.Sprintf("%s%03d_%s_%s", t.Format("20060102150405"), t.Nanosecond()/int(time.Millisecond), sanitize(origin), sanitize(kind))
}

func sanitize(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', ':':
			return '-'
		}
		return r
	}, s)
}
