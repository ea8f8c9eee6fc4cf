package procmap

import "testing"

func TestParseLineFileBacked(t *testing.T) {
	line := "7f1234560000-7f1234580000 r-xp 00001000 08:01 1234 /lib/x86_64-linux-gnu/libc.so.6"
	entry, ok, err := parseLine(line)
	if err != nil {
		t.Fatalf("parseLine: %v", err)
	}
	if !ok {
		t.Fatal("expected entry")
	}
	if entry.Begin != 0x7f1234560000 || entry.End != 0x7f1234580000 {
		t.Errorf("range = %#x-%#x", entry.Begin, entry.End)
	}
	if entry.Offset != 0x1000 {
		t.Errorf("offset = %#x, want 0x1000", entry.Offset)
	}
	if entry.Filename != "/lib/x86_64-linux-gnu/libc.so.6" {
		t.Errorf("filename = %q", entry.Filename)
	}
}

func TestParseLinePseudoMapping(t *testing.T) {
	line := "7ffeabcd0000-7ffeabcf1000 rw-p 00000000 00:00 0 [stack]"
	entry, ok, err := parseLine(line)
	if err != nil {
		t.Fatalf("parseLine: %v", err)
	}
	if !ok {
		t.Fatal("expected entry")
	}
	if entry.Filename != "" {
		t.Errorf("filename = %q, want empty for pseudo-mapping", entry.Filename)
	}
}

func TestParseLineAnonymous(t *testing.T) {
	line := "55a1000-55a2000 rw-p 00000000 00:00 0"
	entry, ok, err := parseLine(line)
	if err != nil {
		t.Fatalf("parseLine: %v", err)
	}
	if !ok || entry.Filename != "" {
		t.Errorf("entry = %+v, ok = %v", entry, ok)
	}
}

func TestEntryFor(t *testing.T) {
	m := &Map{Entries: []Entry{
		{Begin: 0x1000, End: 0x2000, Filename: "a"},
		{Begin: 0x3000, End: 0x4000, Filename: "b"},
	}}

	if e, ok := m.EntryFor(0x1500); !ok || e.Filename != "a" {
		t.Errorf("EntryFor(0x1500) = %+v, %v", e, ok)
	}
	if e, ok := m.EntryFor(0x3fff); !ok || e.Filename != "b" {
		t.Errorf("EntryFor(0x3fff) = %+v, %v", e, ok)
	}
	if _, ok := m.EntryFor(0x2500); ok {
		t.Error("EntryFor(0x2500) should not match a gap")
	}
}
