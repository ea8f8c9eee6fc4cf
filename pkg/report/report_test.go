package report

import (
	"testing"

	"github.com/mkimball-labs/heaptrace/pkg/sink"
)

func TestFormatTableValueBoundaries(t *testing.T) {
	cases := []struct {
		value, divisor uint64
		want           string
	}{
		{0, 1024, "    0"},
		{99998, 1024, "99998"},
		{99999, 1024, "  97k"},
		{1024 * 5000, 1024, "5000k"},
		{1024 * 1024 * 5000, 1024, "5000M"},
	}
	for _, c := range cases {
		if got := FormatTableValue(c.value, c.divisor); got != c.want {
			t.Errorf("FormatTableValue(%d, %d) = %q, want %q", c.value, c.divisor, got, c.want)
		}
	}
}

func TestFormatFunctionTreeRow(t *testing.T) {
	root := Row{Depth: 0, FinalChildOfDepth: []bool{true}, HasChildren: true, Function: "main"}
	if got, want := FormatFunctionTreeRow(root), "| main"; got != want {
		t.Errorf("root row = %q, want %q", got, want)
	}

	child := Row{Depth: 1, FinalChildOfDepth: []bool{true, true}, HasChildren: false, Function: "malloc", Offset: 0x10}
	if got, want := FormatFunctionTreeRow(child), "+-malloc + 0x10"; got != want {
		t.Errorf("child row = %q, want %q", got, want)
	}
}

func TestSummarizeFoldsAllocAndFreeOntoAncestors(t *testing.T) {
	s, err := sink.Create(":memory:", 1)
	if err != nil {
		t.Fatalf("sink.Create: %v", err)
	}
	defer s.Close()

	stack := []sink.Frame{
		{Address: 0x2000, Function: "malloc", Offset: 0},
		{Address: 0x1000, Function: "do_work", Offset: 0x20},
		{Address: 0x500, Function: "main", Offset: 0x40},
	}
	callstackID, err := s.InsertCallstack(stack)
	if err != nil {
		t.Fatalf("InsertCallstack: %v", err)
	}

	if err := s.CompleteAlloc(10, 0x9000, 256, callstackID); err != nil {
		t.Fatalf("CompleteAlloc: %v", err)
	}
	if err := s.CompleteFree(11, 0x9000, callstackID); err != nil {
		t.Fatalf("CompleteFree: %v", err)
	}

	entries, summaries, err := Summarize(s.DB())
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}

	rows := BuildRows(entries, summaries)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows (main -> do_work -> malloc), got %d", len(rows))
	}

	for _, row := range rows {
		if row.MaximumSize != 256 {
			t.Errorf("row %q: maximum size = %d, want 256 (peak before the free)", row.Function, row.MaximumSize)
		}
		if row.TotalBlocks != 1 {
			t.Errorf("row %q: total blocks = %d, want 1", row.Function, row.TotalBlocks)
		}
		if row.UnfreedBlocks != 0 {
			t.Errorf("row %q: unfreed blocks = %d, want 0 after the matching free", row.Function, row.UnfreedBlocks)
		}
	}

	if rows[0].Function != "main" || rows[0].Depth != 0 {
		t.Errorf("expected the outermost row to be main at depth 0, got %q at depth %d", rows[0].Function, rows[0].Depth)
	}
	if rows[len(rows)-1].Function != "malloc" {
		t.Errorf("expected the innermost row to be malloc, got %q", rows[len(rows)-1].Function)
	}
}

func TestSummarizeLeavesUnmatchedAllocUnfreed(t *testing.T) {
	s, err := sink.Create(":memory:", 1)
	if err != nil {
		t.Fatalf("sink.Create: %v", err)
	}
	defer s.Close()

	stack := []sink.Frame{{Address: 0x2000, Function: "malloc"}, {Address: 0x500, Function: "main"}}
	callstackID, err := s.InsertCallstack(stack)
	if err != nil {
		t.Fatalf("InsertCallstack: %v", err)
	}
	if err := s.CompleteAlloc(10, 0x9000, 128, callstackID); err != nil {
		t.Fatalf("CompleteAlloc: %v", err)
	}

	entries, summaries, err := Summarize(s.DB())
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	rows := BuildRows(entries, summaries)
	for _, row := range rows {
		if row.UnfreedBlocks != 1 {
			t.Errorf("row %q: unfreed blocks = %d, want 1 (never freed)", row.Function, row.UnfreedBlocks)
		}
	}
}
