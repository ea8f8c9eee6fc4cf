// Package procmap snapshots a traced process's address space from
// /proc/[pid]/maps, so that a raw address hit by a breakpoint or seen on
// the stack can be attributed to the file (if any) backing that region.
package procmap

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Entry is one mapped region of a process's address space.
type Entry struct {
	Begin    uint64
	End      uint64
	Offset   uint64
	Filename string // empty for anonymous mappings
}

// Map is an ordered snapshot of a process's mappings, in /proc/maps
// order (ascending by address).
type Map struct {
	Entries []Entry
}

// Read parses /proc/[pid]/maps for pid into a Map.
func Read(pid int) (*Map, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, fmt.Errorf("procmap: open %d: %w", pid, err)
	}
	defer f.Close()

	m := &Map{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		entry, ok, err := parseLine(scanner.Text())
		if err != nil {
			return nil, fmt.Errorf("procmap: parse %d: %w", pid, err)
		}
		if ok {
			m.Entries = append(m.Entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("procmap: read %d: %w", pid, err)
	}
	return m, nil
}

// parseLine parses one /proc/pid/maps line, e.g.:
//
//	7f1234560000-7f1234580000 r-xp 00000000 08:01 1234 /lib/x86_64-linux-gnu/libc.so.6
func parseLine(line string) (Entry, bool, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Entry{}, false, fmt.Errorf("malformed line %q", line)
	}

	rangeParts := strings.SplitN(fields[0], "-", 2)
	if len(rangeParts) != 2 {
		return Entry{}, false, fmt.Errorf("malformed range %q", fields[0])
	}
	begin, err := strconv.ParseUint(rangeParts[0], 16, 64)
	if err != nil {
		return Entry{}, false, fmt.Errorf("malformed begin address %q: %w", rangeParts[0], err)
	}
	end, err := strconv.ParseUint(rangeParts[1], 16, 64)
	if err != nil {
		return Entry{}, false, fmt.Errorf("malformed end address %q: %w", rangeParts[1], err)
	}

	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Entry{}, false, fmt.Errorf("malformed offset %q: %w", fields[2], err)
	}

	var filename string
	if len(fields) >= 6 {
		filename = fields[5]
		if strings.HasPrefix(filename, "[") {
			// Pseudo-mappings ([heap], [stack], [vdso], ...) are not
			// backed by a file we can resolve symbols from.
			filename = ""
		}
	}

	return Entry{Begin: begin, End: end, Offset: offset, Filename: filename}, true, nil
}

// EntryFor returns the mapping containing addr, if any.
func (m *Map) EntryFor(addr uint64) (Entry, bool) {
	for _, e := range m.Entries {
		if addr >= e.Begin && addr < e.End {
			return e, true
		}
	}
	return Entry{}, false
}
