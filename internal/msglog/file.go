package msglog

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/andy6609/roomchat-server/internal/metrics"
)

// rotatingFile appends lines to chat_YYYYMMDD[.N].log inside dir. A file is
// closed and the next sequence number opened once it reaches maxBytes; a new
// calendar day starts again at sequence 0. Callers serialize access.
type rotatingFile struct {
	dir      string
	maxBytes int64
	now      func() time.Time

	f    *os.File
	w    *bufio.Writer
	size int64
	day  string
	seq  int
}

func openRotatingFile(dir string, maxBytes int64, now func() time.Time) (*rotatingFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	rf := &rotatingFile{dir: dir, maxBytes: maxBytes, now: now}
	if err := rf.open(rf.now().Format("20060102"), 0); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *rotatingFile) name(day string, seq int) string {
	if seq == 0 {
		return filepath.Join(rf.dir, "chat_"+day+".log")
	}
	return filepath.Join(rf.dir, fmt.Sprintf("chat_%s.%d.log", day, seq))
}

// open picks the first file for day at or after seq that still has room and
// opens it for appending.
func (rf *rotatingFile) open(day string, seq int) error {
	for {
		info, err := os.Stat(rf.name(day, seq))
		if errors.Is(err, fs.ErrNotExist) || (err == nil && info.Size() < rf.maxBytes) {
			break
		}
		if err != nil {
			return fmt.Errorf("stat log file: %w", err)
		}
		seq++
	}

	path := rf.name(day, seq)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	rf.f = f
	rf.w = bufio.NewWriter(f)
	rf.size = info.Size()
	rf.day = day
	rf.seq = seq
	return nil
}

// Path is the file currently being appended to.
func (rf *rotatingFile) Path() string {
	return rf.name(rf.day, rf.seq)
}

func (rf *rotatingFile) WriteLine(line string) error {
	if day := rf.now().Format("20060102"); day != rf.day {
		if err := rf.rotate(day, 0); err != nil {
			return err
		}
	}

	n, err := rf.w.WriteString(line + "\n")
	rf.size += int64(n)
	metrics.LogBytesWritten.Add(float64(n))
	if err != nil {
		return fmt.Errorf("write log file: %w", err)
	}

	if rf.size >= rf.maxBytes {
		return rf.rotate(rf.day, rf.seq+1)
	}
	return nil
}

// rotate flushes and closes the current file before opening the next one,
// so nothing already written is lost or reordered.
func (rf *rotatingFile) rotate(day string, seq int) error {
	if err := rf.Close(); err != nil {
		return err
	}
	metrics.LogRotations.Inc()
	return rf.open(day, seq)
}

func (rf *rotatingFile) Flush() error {
	if rf.f == nil {
		return nil
	}
	if err := rf.w.Flush(); err != nil {
		return fmt.Errorf("flush log file: %w", err)
	}
	return rf.f.Sync()
}

func (rf *rotatingFile) Close() error {
	if rf.f == nil {
		return nil
	}
	flushErr := rf.Flush()
	closeErr := rf.f.Close()
	rf.f = nil
	rf.w = nil
	return errors.Join(flushErr, closeErr)
}
