// Package msglog keeps a bounded in-memory history of chat messages per room
// and, optionally, appends every message to a rotating log file.
package msglog

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultMaxPerRoom   = 1000
	DefaultMaxFileBytes = 10 * 1024 * 1024
)

type Config struct {
	MaxPerRoom   int
	Persist      bool
	Dir          string
	MaxFileBytes int64
}

// Log is safe for concurrent use. The cache and the file have separate locks
// so readers never wait on disk I/O.
type Log struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	cacheMu sync.RWMutex
	rooms   map[string][]Message
	total   int

	fileMu   sync.Mutex
	file     *rotatingFile
	failOnce rate.Sometimes
}

// New builds a Log. When persistence is requested but the file cannot be
// opened, the log keeps working in memory only.
func New(cfg Config, logger *slog.Logger) *Log {
	return newWithClock(cfg, logger, time.Now)
}

func newWithClock(cfg Config, logger *slog.Logger, now func() time.Time) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxPerRoom <= 0 {
		cfg.MaxPerRoom = DefaultMaxPerRoom
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = DefaultMaxFileBytes
	}

	l := &Log{
		cfg:      cfg,
		logger:   logger.With("component", "msglog"),
		now:      now,
		rooms:    make(map[string][]Message),
		failOnce: rate.Sometimes{First: 1},
	}

	if cfg.Persist {
		f, err := openRotatingFile(cfg.Dir, cfg.MaxFileBytes, now)
		if err != nil {
			l.persistFailed(err)
		} else {
			l.file = f
			l.logger.Info("persisting messages", "file", f.Path())
		}
	}
	return l
}

func (l *Log) persistFailed(err error) {
	l.failOnce.Do(func() {
		l.logger.Error("message persistence disabled", "dir", l.cfg.Dir, "error", err)
	})
}

// Persisting reports whether messages are currently written to disk.
func (l *Log) Persisting() bool {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()
	return l.file != nil
}

// CurrentFile is the path being appended to, or "" when not persisting.
func (l *Log) CurrentFile() string {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()
	if l.file == nil {
		return ""
	}
	return l.file.Path()
}

// Store appends m to its room's history, dropping the oldest entry once the
// room is full, and writes it to the file when persisting.
func (l *Log) Store(m Message) {
	if m.Timestamp.IsZero() {
		m.Timestamp = l.now()
	}

	l.cacheMu.Lock()
	msgs := append(l.rooms[m.Room], m)
	if len(msgs) > l.cfg.MaxPerRoom {
		msgs = msgs[len(msgs)-l.cfg.MaxPerRoom:]
	} else {
		l.total++
	}
	l.rooms[m.Room] = msgs
	l.cacheMu.Unlock()

	l.fileMu.Lock()
	defer l.fileMu.Unlock()
	if l.file == nil {
		return
	}
	if err := l.file.WriteLine(m.String()); err != nil {
		l.file.Close()
		l.file = nil
		l.persistFailed(err)
	}
}

// GetRecent returns up to n of the newest messages in room, oldest first.
func (l *Log) GetRecent(room string, n int) []Message {
	if n <= 0 {
		return nil
	}
	l.cacheMu.RLock()
	defer l.cacheMu.RUnlock()

	msgs := l.rooms[room]
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// GetBySender returns up to n of the newest messages sent by senderID across
// all rooms, oldest first.
func (l *Log) GetBySender(senderID int64, n int) []Message {
	if n <= 0 {
		return nil
	}
	l.cacheMu.RLock()
	var out []Message
	for _, msgs := range l.rooms {
		for _, m := range msgs {
			if m.SenderID == senderID {
				out = append(out, m)
			}
		}
	}
	l.cacheMu.RUnlock()

	sortByTime(out)
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Search finds messages whose content contains query, ignoring case. An empty
// room searches every room. At most max results are returned, oldest first.
func (l *Log) Search(query, room string, max int) []Message {
	if query == "" || max <= 0 {
		return nil
	}
	needle := strings.ToLower(query)

	l.cacheMu.RLock()
	var out []Message
	for name, msgs := range l.rooms {
		if room != "" && name != room {
			continue
		}
		for _, m := range msgs {
			if strings.Contains(strings.ToLower(m.Content), needle) {
				out = append(out, m)
			}
		}
	}
	l.cacheMu.RUnlock()

	sortByTime(out)
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// TotalCount is the number of messages currently held in memory.
func (l *Log) TotalCount() int {
	l.cacheMu.RLock()
	defer l.cacheMu.RUnlock()
	return l.total
}

// Clear drops the in-memory history of room, or of every room when room is
// empty. Persisted lines are untouched.
func (l *Log) Clear(room string) {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	if room == "" {
		l.rooms = make(map[string][]Message)
		l.total = 0
		return
	}
	l.total -= len(l.rooms[room])
	delete(l.rooms, room)
}

func (l *Log) Flush() error {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Flush()
}

// Close flushes and closes the file. Store keeps caching in memory afterwards.
func (l *Log) Close() error {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func sortByTime(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
