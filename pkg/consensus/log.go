package consensus

import "time"

// Entry is a single record of the replicated log.
type Entry struct {
	Term      uint64    `json:"term"`
	Index     uint64    `json:"index"` // 1-based, contiguous
	Command   []byte    `json:"command"`
	CreatedAt time.Time `json:"createdAt"`
}

// Log is an in-memory, append-only sequence of entries. Index 0 is the
// empty prefix with term 0.
type Log struct {
	entries []Entry
}

func (l *Log) LastIndex() uint64 {
	return uint64(len(l.entries))
}

func (l *Log) LastTerm() uint64 {
	return l.TermAt(l.LastIndex())
}

// TermAt returns the term of the entry at index, or 0 when index is 0 or
// past the end.
func (l *Log) TermAt(index uint64) uint64 {
	if index == 0 || index > l.LastIndex() {
		return 0
	}
	return l.entries[index-1].Term
}

func (l *Log) Get(index uint64) (Entry, bool) {
	if index == 0 || index > l.LastIndex() {
		return Entry{}, false
	}
	return l.entries[index-1], true
}

// From returns up to max entries starting at index. max <= 0 means all.
func (l *Log) From(index uint64, max int) []Entry {
	if index == 0 {
		index = 1
	}
	if index > l.LastIndex() {
		return nil
	}
	src := l.entries[index-1:]
	if max > 0 && len(src) > max {
		src = src[:max]
	}
	out := make([]Entry, len(src))
	copy(out, src)
	return out
}

// Append adds e at the tail. The caller guarantees e.Index == LastIndex()+1.
func (l *Log) Append(e Entry) {
	l.entries = append(l.entries, e)
}

// TruncateFrom removes index and everything after it.
func (l *Log) TruncateFrom(index uint64) {
	if index == 0 || index > l.LastIndex() {
		return
	}
	l.entries = l.entries[:index-1]
}

// LastIndexOfTerm returns the highest index holding an entry of term, or 0.
func (l *Log) LastIndexOfTerm(term uint64) uint64 {
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Term == term {
			return uint64(i + 1)
		}
		if l.entries[i].Term < term {
			break
		}
	}
	return 0
}

// IsUpToDate reports whether a log ending at (lastIndex, lastTerm) is at
// least as up to date as l.
func (l *Log) IsUpToDate(lastIndex, lastTerm uint64) bool {
	if lastTerm != l.LastTerm() {
		return lastTerm > l.LastTerm()
	}
	return lastIndex >= l.LastIndex()
}
