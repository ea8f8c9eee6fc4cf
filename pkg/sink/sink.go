// Package sink persists a trace as a SQLite file matching the schema
// allocscope's original Rust implementation wrote (trace/location/
// stack_entry/event), so the same companion report tooling can read
// files produced here. It implements the per-event completion policy
// that decides, for each allocator call, which rows an Alloc/Free/
// Realloc actually produces.
package sink

import (
	"database/sql"
	"fmt"
	"os"

	_ "modernc.org/sqlite" // registers the "sqlite" driver with database/sql
)

const schemaVersion = 1

const ddl = `
CREATE TABLE trace (
    version INTEGER NOT NULL,
    time    INTEGER NOT NULL
);
CREATE TABLE location (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    address  INTEGER NOT NULL,
    function TEXT    NOT NULL,
    offset   INTEGER NOT NULL
);
CREATE UNIQUE INDEX idx_location_identity ON location (address, function, offset);
CREATE TABLE stack_entry (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    location INTEGER NOT NULL REFERENCES location (id),
    next     INTEGER REFERENCES stack_entry (id)
);
CREATE UNIQUE INDEX idx_stack_entry_identity ON stack_entry (location, next);
CREATE INDEX idx_stack_entry_next ON stack_entry (next);
CREATE TABLE event (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    time       INTEGER NOT NULL,
    allocation TEXT    NOT NULL,
    address    INTEGER NOT NULL,
    size       INTEGER,
    callstack  INTEGER REFERENCES stack_entry (id)
);
`

// Allocation is the persisted kind of an event row.
type Allocation string

const (
	AllocationAlloc Allocation = "alloc"
	AllocationFree  Allocation = "free"
)

// Frame is one captured stack frame, as handed to InsertCallstack.
// Frames are ordered innermost first, matching pkg/unwind.Frame.
type Frame struct {
	Address  uint64
	Function string
	Offset   uint64
}

// Sink is a handle to one open trace file.
type Sink struct {
	db *sql.DB
	tx *sql.Tx // set between OpenTransaction and Commit; nil means autocommit per statement
}

// execQueryer is the subset of *sql.DB and *sql.Tx that insert helpers
// need, so they can run against whichever is currently open.
type execQueryer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// conn returns the open transaction if one exists, else the raw database
// handle (autocommitting each statement).
func (s *Sink) conn() execQueryer {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// OpenTransaction begins an explicit SQL transaction that every
// subsequent insert joins, so a whole trace commits (or fails) as one
// unit instead of autocommitting statement by statement.
func (s *Sink) OpenTransaction() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sink: open transaction: %w", err)
	}
	s.tx = tx
	return nil
}

// Commit commits the transaction opened by OpenTransaction. It is a
// no-op if no transaction is open.
func (s *Sink) Commit() error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sink: commit: %w", err)
	}
	return nil
}

// Create creates a fresh trace file at path (removing any existing file
// of the same name, matching the original's truncate-on-create
// behavior) and writes its version/time header row.
func Create(path string, unixTime int64) (*Sink, error) {
	if path != ":memory:" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("sink: remove existing %q: %w", path, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sink: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sink: create schema: %w", err)
	}
	if _, err := db.Exec(`INSERT INTO trace (version, time) VALUES (?, ?)`, schemaVersion, unixTime); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sink: write trace header: %w", err)
	}

	return &Sink{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Sink) Close() error {
	return s.db.Close()
}

// InsertCallstack persists frames (innermost first) as a stack_entry
// linked list and returns the id of the innermost entry, for use as an
// event's callstack foreign key. Frames are inserted outermost first so
// that each more-inner entry's next points at the previously inserted,
// more-outer entry — terminating the list at next = NULL on the
// outermost frame.
func (s *Sink) InsertCallstack(frames []Frame) (int64, error) {
	var next sql.NullInt64
	var innermostID int64

	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		locID, err := s.insertLocation(f.Address, f.Function, f.Offset)
		if err != nil {
			return 0, fmt.Errorf("sink: insert location for frame %d: %w", i, err)
		}
		entryID, err := s.insertStackEntry(locID, next)
		if err != nil {
			return 0, fmt.Errorf("sink: insert stack entry for frame %d: %w", i, err)
		}
		next = sql.NullInt64{Int64: entryID, Valid: true}
		innermostID = entryID
	}

	return innermostID, nil
}

func (s *Sink) insertLocation(address uint64, function string, offset uint64) (int64, error) {
	_, err := s.conn().Exec(
		`INSERT INTO location (address, function, offset)
		 SELECT ?, ?, ?
		 WHERE NOT EXISTS (
		     SELECT 1 FROM location WHERE address = ? AND function = ? AND offset = ?
		 )`,
		address, function, offset, address, function, offset,
	)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.conn().QueryRow(
		`SELECT id FROM location WHERE address = ? AND function = ? AND offset = ?`,
		address, function, offset,
	).Scan(&id)
	return id, err
}

func (s *Sink) insertStackEntry(location int64, next sql.NullInt64) (int64, error) {
	var err error
	if next.Valid {
		_, err = s.conn().Exec(
			`INSERT INTO stack_entry (location, next)
			 SELECT ?, ? WHERE NOT EXISTS (
			     SELECT 1 FROM stack_entry WHERE location = ? AND next = ?
			 )`,
			location, next.Int64, location, next.Int64,
		)
	} else {
		_, err = s.conn().Exec(
			`INSERT INTO stack_entry (location, next)
			 SELECT ?, NULL WHERE NOT EXISTS (
			     SELECT 1 FROM stack_entry WHERE location = ? AND next IS NULL
			 )`,
			location, location,
		)
	}
	if err != nil {
		return 0, err
	}

	var id int64
	if next.Valid {
		err = s.conn().QueryRow(
			`SELECT id FROM stack_entry WHERE location = ? AND next = ?`, location, next.Int64,
		).Scan(&id)
	} else {
		err = s.conn().QueryRow(
			`SELECT id FROM stack_entry WHERE location = ? AND next IS NULL`, location,
		).Scan(&id)
	}
	return id, err
}

func (s *Sink) insertEvent(unixTime int64, allocation Allocation, address, size uint64, callstack int64) error {
	_, err := s.conn().Exec(
		`INSERT INTO event (time, allocation, address, size, callstack) VALUES (?, ?, ?, ?, ?)`,
		unixTime, string(allocation), address, size, callstack,
	)
	if err != nil {
		return fmt.Errorf("sink: insert event: %w", err)
	}
	return nil
}

// CompleteAlloc records an allocation of size bytes at address,
// attributed to the stack callstack. Per policy, an allocation whose
// return address is 0 (the call failed / returned NULL) is not
// recorded.
func (s *Sink) CompleteAlloc(unixTime int64, address, size uint64, callstack int64) error {
	if address == 0 {
		return nil
	}
	return s.insertEvent(unixTime, AllocationAlloc, address, size, callstack)
}

// CompleteFree records a free of address. A free of the null pointer is
// a no-op in every allocator this tool supports and is not recorded.
func (s *Sink) CompleteFree(unixTime int64, address uint64, callstack int64) error {
	if address == 0 {
		return nil
	}
	return s.insertEvent(unixTime, AllocationFree, address, 0, callstack)
}

// CompleteRealloc records the free/alloc pair implied by a realloc call:
// a free of originalAddress (if it was non-null and the call either
// returned a new address or requested size 0 — the two cases in which
// the original allocation no longer exists), followed by an alloc of
// address/size (if the call returned a non-null address).
func (s *Sink) CompleteRealloc(unixTime int64, originalAddress, address, size uint64, callstack int64) error {
	if originalAddress != 0 && (address != 0 || size == 0) {
		if err := s.CompleteFree(unixTime, originalAddress, callstack); err != nil {
			return err
		}
	}
	if address != 0 {
		if err := s.CompleteAlloc(unixTime, address, size, callstack); err != nil {
			return err
		}
	}
	return nil
}

// DB exposes the underlying *sql.DB for read-only report queries (see
// pkg/report), so that package need not duplicate the schema.
func (s *Sink) DB() *sql.DB {
	return s.db
}

// Kind is the shape of an allocator call in progress: a plain
// allocation, a free, or a realloc (which behaves like a free of its
// old address plus an alloc of its new one).
type Kind int

const (
	KindAlloc Kind = iota
	KindFree
	KindRealloc
)

type pendingEvent struct {
	Kind            Kind
	Size            uint64
	OriginalAddress uint64
	Callstack       int64
}

// Transaction tracks allocator calls that are in progress (breakpointed
// at entry, awaiting their return breakpoint) per thread, and completes
// them into Sink rows once a return value is known. It mirrors
// allocscope's original per-pid RecordInProgress table.
type Transaction struct {
	sink       *Sink
	inProgress map[int]pendingEvent
}

// NewTransaction creates a Transaction writing into sink.
func (s *Sink) NewTransaction() *Transaction {
	return &Transaction{sink: s, inProgress: make(map[int]pendingEvent)}
}

// StartEvent records that thread tid has entered an allocator call of
// the given kind, to be completed once its return value (or, for Free,
// its argument) is known. size and originalAddress are only meaningful
// for Alloc/Realloc and Realloc respectively.
func (t *Transaction) StartEvent(tid int, kind Kind, size, originalAddress uint64, callstack int64) {
	t.inProgress[tid] = pendingEvent{Kind: kind, Size: size, OriginalAddress: originalAddress, Callstack: callstack}
}

// InProgress reports whether tid has a call started but not yet
// completed, so a breakpoint re-entered by the same thread (a nested
// allocator call, e.g. calloc calling malloc internally) can be
// recognized and skipped rather than double-counted.
func (t *Transaction) InProgress(tid int) bool {
	_, ok := t.inProgress[tid]
	return ok
}

// CompleteEvent finishes tid's in-progress call using address as its
// result (the return value for Alloc/Realloc, or the freed pointer for
// Free) and removes it from the in-progress table. It is a no-op if tid
// has no in-progress call.
func (t *Transaction) CompleteEvent(tid int, unixTime int64, address uint64) error {
	pending, ok := t.inProgress[tid]
	if !ok {
		return nil
	}
	delete(t.inProgress, tid)

	switch pending.Kind {
	case KindAlloc:
		return t.sink.CompleteAlloc(unixTime, address, pending.Size, pending.Callstack)
	case KindFree:
		return t.sink.CompleteFree(unixTime, address, pending.Callstack)
	case KindRealloc:
		return t.sink.CompleteRealloc(unixTime, pending.OriginalAddress, address, pending.Size, pending.Callstack)
	default:
		return fmt.Errorf("sink: complete event: unknown kind %v", pending.Kind)
	}
}
