// Package report folds a persisted trace's events onto its call-stack
// tree and renders the resulting per-function allocation summary as an
// ASCII tree, in the same shape as allocscope's original non-interactive
// report. The interactive, collapsible browser from the original is not
// reimplemented here (see DESIGN.md); this package only produces the
// static, redirect-to-a-file report.
package report

import (
	"database/sql"
	"fmt"
	"io"
	"sort"
)

// entry is one stack_entry row joined with its location.
type entry struct {
	id       int64
	next     sql.NullInt64
	function string
	address  uint64
	offset   uint64
}

// summary is the running and peak allocation state folded onto one
// stack entry. MaximumTotal is the high-water mark of RunningTotal ever
// reached while folding events in time order; AllocCount/FreeCount are
// cumulative counts of every allocation whose captured stack passed
// through this entry, including allocations made by deeper (more
// inner) entries, since folding walks every ancestor of an event's
// stack, not just its leaf.
type summary struct {
	runningTotal int64
	maximumTotal uint64
	allocCount   uint64
	freeCount    uint64
}

// Summarize reads every stack_entry/location row and every event from
// db and folds the events onto the stack-entry tree, returning the
// per-entry summaries keyed by stack_entry id.
func Summarize(db *sql.DB) (map[int64]entry, map[int64]*summary, error) {
	entries, err := loadEntries(db)
	if err != nil {
		return nil, nil, fmt.Errorf("report: load entries: %w", err)
	}

	summaries := make(map[int64]*summary)
	originStack := make(map[uint64]int64)
	originSize := make(map[uint64]uint64)

	rows, err := db.Query(`SELECT allocation, address, size, callstack FROM event ORDER BY id`)
	if err != nil {
		return nil, nil, fmt.Errorf("report: query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			allocation string
			address    int64
			size       sql.NullInt64
			callstack  sql.NullInt64
		)
		if err := rows.Scan(&allocation, &address, &size, &callstack); err != nil {
			return nil, nil, fmt.Errorf("report: scan event: %w", err)
		}
		if !callstack.Valid {
			continue
		}

		switch allocation {
		case "alloc":
			sz := uint64(size.Int64)
			originStack[uint64(address)] = callstack.Int64
			originSize[uint64(address)] = sz
			addToSummary(entries, summaries, callstack.Int64, int64(sz), true)
		case "free":
			origin, ok := originStack[uint64(address)]
			if !ok {
				continue
			}
			sz := originSize[uint64(address)]
			addToSummary(entries, summaries, origin, -int64(sz), false)
			delete(originStack, uint64(address))
			delete(originSize, uint64(address))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("report: read events: %w", err)
	}

	return entries, summaries, nil
}

// addToSummary walks from id up through every ancestor (following
// next) to the root, adding delta to each one's running total and
// bumping its alloc/free count. A frame's summary therefore reflects
// allocation flow through itself and every frame it called into.
func addToSummary(entries map[int64]entry, summaries map[int64]*summary, id int64, delta int64, isAlloc bool) {
	for {
		s, ok := summaries[id]
		if !ok {
			s = &summary{}
			summaries[id] = s
		}
		s.runningTotal += delta
		if s.runningTotal > 0 && uint64(s.runningTotal) > s.maximumTotal {
			s.maximumTotal = uint64(s.runningTotal)
		}
		if isAlloc {
			s.allocCount++
		} else {
			s.freeCount++
		}

		e, ok := entries[id]
		if !ok || !e.next.Valid {
			return
		}
		id = e.next.Int64
	}
}

func loadEntries(db *sql.DB) (map[int64]entry, error) {
	rows, err := db.Query(`
		SELECT se.id, se.next, l.function, l.address, l.offset
		FROM stack_entry se JOIN location l ON l.id = se.location`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make(map[int64]entry)
	for rows.Next() {
		var e entry
		var next sql.NullInt64
		var address int64
		if err := rows.Scan(&e.id, &next, &e.function, &address, &e.offset); err != nil {
			return nil, err
		}
		e.next = next
		e.address = uint64(address)
		entries[e.id] = e
	}
	return entries, rows.Err()
}

// Row is one line of the rendered report tree.
type Row struct {
	Depth             int
	FinalChildOfDepth []bool
	HasChildren       bool
	Function          string
	Address           uint64
	Offset            uint64
	MaximumSize       uint64
	TotalBlocks       uint64
	UnfreedBlocks     uint64
}

// BuildRows folds entries/summaries (from Summarize) into a depth-first
// tree of Rows, rooted at every entry whose next is NULL, descending
// only into entries that had at least one allocation pass through them
// (an ancestor of any allocating frame always qualifies, since folding
// propagates every event to the root). Children at each level are
// ordered by descending peak bytes.
func BuildRows(entries map[int64]entry, summaries map[int64]*summary) []Row {
	childrenOf := make(map[int64][]int64)
	var roots []int64
	for id, e := range entries {
		if _, ok := summaries[id]; !ok {
			continue
		}
		if e.next.Valid {
			if _, ok := summaries[e.next.Int64]; ok {
				childrenOf[e.next.Int64] = append(childrenOf[e.next.Int64], id)
			}
		} else {
			roots = append(roots, id)
		}
	}

	sortByBytes := func(ids []int64) {
		sort.Slice(ids, func(i, j int) bool { return summaries[ids[i]].maximumTotal > summaries[ids[j]].maximumTotal })
	}
	sortByBytes(roots)
	for id := range childrenOf {
		sortByBytes(childrenOf[id])
	}

	var rows []Row
	var walk func(id int64, depth int, finalChildOfDepth []bool)
	walk = func(id int64, depth int, finalChildOfDepth []bool) {
		e := entries[id]
		s := summaries[id]
		children := childrenOf[id]

		rows = append(rows, Row{
			Depth:             depth,
			FinalChildOfDepth: append([]bool(nil), finalChildOfDepth...),
			HasChildren:       len(children) > 0,
			Function:          e.function,
			Address:           e.address,
			Offset:            e.offset,
			MaximumSize:       s.maximumTotal,
			TotalBlocks:       s.allocCount,
			UnfreedBlocks:     unfreed(s),
		})

		for i, childID := range children {
			isFinal := i == len(children)-1
			walk(childID, depth+1, append(finalChildOfDepth, isFinal))
		}
	}

	for i, rootID := range roots {
		isFinal := i == len(roots)-1
		walk(rootID, 0, []bool{isFinal})
	}

	return rows
}

func unfreed(s *summary) uint64 {
	if s.allocCount <= s.freeCount {
		return 0
	}
	return s.allocCount - s.freeCount
}

// FormatTableValue formats value right-justified in a 5-character field,
// scaling by divisor (1024 for byte counts, 1000 for block/leak counts)
// through k/M/G/T/P suffixes once it reaches 99999.
func FormatTableValue(value, divisor uint64) string {
	switch {
	case value < 99999:
		return fmt.Sprintf("%5d", value)
	case value/divisor < 9999:
		return fmt.Sprintf("%4dk", value/divisor)
	case value/divisor/divisor < 9999:
		return fmt.Sprintf("%4dM", value/divisor/divisor)
	case value/divisor/divisor/divisor < 9999:
		return fmt.Sprintf("%4dG", value/divisor/divisor/divisor)
	case value/divisor/divisor/divisor/divisor < 9999:
		return fmt.Sprintf("%4dT", value/divisor/divisor/divisor/divisor)
	default:
		return fmt.Sprintf("%4dP", value/divisor/divisor/divisor/divisor/divisor)
	}
}

// FormatFunctionTreeRow renders row's function name with ASCII tree
// indentation showing its depth and whether it is the last child at
// each ancestor level.
func FormatFunctionTreeRow(row Row) string {
	indent := ""
	for depth := 0; depth < row.Depth; depth++ {
		if depth == row.Depth-1 {
			indent += "+-"
		} else if row.FinalChildOfDepth[depth] {
			indent += "  "
		} else {
			indent += "| "
		}
	}

	var name string
	switch {
	case row.Function != "" && row.Offset > 0:
		name = fmt.Sprintf("%s + %#x", row.Function, row.Offset)
	case row.Function != "":
		name = row.Function
	default:
		name = fmt.Sprintf("%#x", row.Address)
	}

	connector := ""
	if row.HasChildren {
		connector = "| "
	}
	return fmt.Sprintf("%s%s%s", indent, connector, name)
}

// Generate writes the full text report (version banner, column header,
// one line per row of the depth-first tree from BuildRows, siblings
// ordered by descending peak bytes) to w.
func Generate(w io.Writer, db *sql.DB, version string) error {
	entries, summaries, err := Summarize(db)
	if err != nil {
		return err
	}
	rows := BuildRows(entries, summaries)

	fmt.Fprintf(w, "%s memory report\n\n", version)
	fmt.Fprintln(w, "BYTES BLOCK LEAKS   Function")
	for _, row := range rows {
		fmt.Fprintf(w, "%s %s %s %s\n",
			FormatTableValue(row.MaximumSize, 1024),
			FormatTableValue(row.TotalBlocks, 1000),
			FormatTableValue(row.UnfreedBlocks, 1000),
			FormatFunctionTreeRow(row),
		)
	}
	return nil
}
