// Package diag defines the optional diagnostic sink the caching core reports
// notable events to (stale generation removal, cache misses without fallback,
// failed background writes). Every component accepts a nil Sink and behaves
// identically without one.
package diag

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Level 表示诊断条目的级别。
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Sink 接收自由文本的分级诊断条目。
type Sink interface {
	Record(level Level, message string)
}

// Entry 是 Ring 中保存的一条诊断记录。
type Entry struct {
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
}

// Emit 向 sink 写入格式化条目，sink 为空时什么都不做。
func Emit(s Sink, level Level, format string, args ...interface{}) {
	if s == nil {
		return
	}
	s.Record(level, fmt.Sprintf(format, args...))
}

// Ring 在内存中保留最近 size 条诊断记录，超出后覆盖最旧的条目。
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
	now     func() time.Time
}

// NewRing 创建容量为 size 的 Ring；size <= 0 时退化为容量 1。
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1
	}
	return &Ring{
		entries: make([]Entry, size),
		now:     time.Now,
	}
}

func (r *Ring) Record(level Level, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = Entry{Time: r.now().UTC(), Level: level, Message: message}
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// Entries 按时间顺序（最旧在前）返回当前保留的记录副本。
func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Entry(nil), r.entries[:r.next]...)
	}
	out := make([]Entry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

type logrusSink struct {
	logger *logrus.Logger
}

// Logrus 把诊断条目转写到结构化日志，action 固定为 diagnostic。
func Logrus(logger *logrus.Logger) Sink {
	if logger == nil {
		return nil
	}
	return logrusSink{logger: logger}
}

func (s logrusSink) Record(level Level, message string) {
	entry := s.logger.WithField("action", "diagnostic")
	switch level {
	case LevelError:
		entry.Error(message)
	case LevelWarn:
		entry.Warn(message)
	default:
		entry.Info(message)
	}
}
