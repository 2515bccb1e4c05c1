package lockmgr

import (
	"sort"
)

// Mode is the strength a lock or critical section is held in.
type Mode int

const (
	// Read is shared with other readers.
	Read Mode = iota + 1
	// NonExWrite is shared with other non-exclusive writers but excludes readers.
	NonExWrite
	// Write excludes everyone else.
	Write
)

func (m Mode) String() string {
	switch m {
	case Read:
		return "read"
	case NonExWrite:
		return "nonex_write"
	case Write:
		return "write"
	default:
		return "unknown"
	}
}

func (m Mode) valid() bool {
	return m >= Read && m <= Write
}

// compatible reports whether a holder in mode a lets another party in
// with mode b.
func compatible(a, b Mode) bool {
	return a == b && a != Write
}

// merge returns the weakest mode that satisfies both a and b.
func merge(a, b Mode) Mode {
	if a == b {
		return a
	}
	return Write
}

// LockSet names keys to take together, grouped by mode. A key listed in more
// than one group is taken in the merged mode.
type LockSet struct {
	Read       []string
	NonExWrite []string
	Write      []string
}

type request struct {
	name string
	mode Mode
}

// ordered flattens the set into one request per key, sorted by key. Taking
// keys in this total order is what prevents two multi-key acquirers from
// deadlocking each other.
func (s LockSet) ordered() []request {
	modes := make(map[string]Mode)
	add := func(names []string, mode Mode) {
		for _, name := range names {
			if prev, ok := modes[name]; ok {
				modes[name] = merge(prev, mode)
				continue
			}
			modes[name] = mode
		}
	}
	add(s.Read, Read)
	add(s.NonExWrite, NonExWrite)
	add(s.Write, Write)

	out := make([]request, 0, len(modes))
	for name, mode := range modes {
		out = append(out, request{name: name, mode: mode})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
