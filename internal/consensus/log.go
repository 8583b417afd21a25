package consensus

import "sync"

// raftLog is an in-memory, mutex-guarded replicated log, 1-indexed like the
// Raft papers (index 0 is a sentinel with term 0), generalizing
// original_source's LogStorage (original_source/crates/raft/src/
// log_storage.rs) from an async BTreeMap<u64, Entry> into a slice a
// single-writer-per-term node can append to and truncate directly.
type raftLog struct {
	mu      sync.RWMutex
	entries []LogEntry // entries[0] is the sentinel
}

func newLog() *raftLog {
	return &raftLog{entries: []LogEntry{{Term: 0, Index: 0}}}
}

func (l *raftLog) lastIndexLocked() uint64 { return l.entries[len(l.entries)-1].Index }
func (l *raftLog) lastTermLocked() uint64  { return l.entries[len(l.entries)-1].Term }

func (l *raftLog) lastIndexAndTerm() (uint64, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndexLocked(), l.lastTermLocked()
}

// at returns the entry at index, or the zero value if it does not exist.
func (l *raftLog) at(index uint64) LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index >= uint64(len(l.entries)) {
		return LogEntry{}
	}
	return l.entries[index]
}

func (l *raftLog) termAt(index uint64) uint64 {
	return l.at(index).Term
}

// append adds one entry with the next index, returning its assigned index.
func (l *raftLog) append(term uint64, req *Request, mem *Membership) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := l.lastIndexLocked() + 1
	l.entries = append(l.entries, LogEntry{Term: term, Index: idx, Request: req, Membership: mem})
	return idx
}

// truncateFrom drops every entry at or after index, used when a follower's
// log conflicts with the leader's and must be rewritten.
func (l *raftLog) truncateFrom(index uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index >= uint64(len(l.entries)) {
		return
	}
	l.entries = l.entries[:index]
}

// appendFollower appends entries sent by the leader starting at startIndex,
// truncating any conflicting suffix first.
func (l *raftLog) appendFollower(startIndex uint64, entries []LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range entries {
		idx := startIndex + uint64(i)
		if idx < uint64(len(l.entries)) {
			if l.entries[idx].Term == e.Term {
				continue
			}
			l.entries = l.entries[:idx]
		}
		l.entries = append(l.entries, e)
	}
}

func (l *raftLog) sliceFrom(index uint64) []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index >= uint64(len(l.entries)) {
		return nil
	}
	out := make([]LogEntry, len(l.entries)-int(index))
	copy(out, l.entries[index:])
	return out
}
