// Package audit records vend decisions in a hash-chained SQLite log.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration
)

// Outcome classifies how a request was decided.
type Outcome string

const (
	OutcomeVended Outcome = "vended" // credentials or a role name were served
	OutcomeEmpty  Outcome = "empty"  // no mapping or unidentified caller, empty body served
	OutcomeDenied Outcome = "denied" // request rejected before dispatch
	OutcomeError  Outcome = "error"  // backend failure while serving
)

// Event is one vend decision.
type Event struct {
	Route     string
	Principal string
	Role      string
	Outcome   Outcome
}

// Entry is an event as stored, chained to its predecessor by hash.
type Entry struct {
	Sequence  uint64
	Timestamp time.Time
	Event     Event
	PrevHash  string
	Hash      string
}

// computeHash calculates SHA-256(seq || ts || route || principal || role || outcome || prev).
func (e *Entry) computeHash() string {
	h := sha256.New()

	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, e.Sequence)
	h.Write(seqBytes)

	h.Write([]byte(e.Timestamp.Format(time.RFC3339Nano)))
	h.Write([]byte(e.Event.Route))
	h.Write([]byte(e.Event.Principal))
	h.Write([]byte(e.Event.Role))
	h.Write([]byte(e.Event.Outcome))
	h.Write([]byte(e.PrevHash))

	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks the entry's hash against its contents.
func (e *Entry) Verify() bool {
	return e.Hash == e.computeHash()
}

// Log is an append-only decision log backed by SQLite. Sequences are
// 1-indexed so seq 0 can mean "no predecessor".
type Log struct {
	db       *sql.DB
	mu       sync.Mutex
	lastHash string
	lastSeq  uint64

	now func() time.Time
}

// Open opens or creates a decision log at the given path.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS decisions (
			seq       INTEGER PRIMARY KEY,
			ts        TEXT NOT NULL,
			route     TEXT NOT NULL,
			principal TEXT NOT NULL,
			role      TEXT NOT NULL,
			outcome   TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			hash      TEXT NOT NULL UNIQUE
		);
		CREATE INDEX IF NOT EXISTS idx_decisions_principal ON decisions(principal);
		CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(ts);
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	l := &Log{db: db, now: time.Now}
	if err := l.loadTail(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) loadTail() error {
	row := l.db.QueryRow(`SELECT seq, hash FROM decisions ORDER BY seq DESC LIMIT 1`)
	var seq uint64
	var hash string
	err := row.Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading audit tail: %w", err)
	}
	l.lastSeq = seq
	l.lastHash = hash
	return nil
}

// Record appends one decision to the chain.
func (l *Log) Record(ev Event) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &Entry{
		Sequence:  l.lastSeq + 1,
		Timestamp: l.now().UTC(),
		Event:     ev,
		PrevHash:  l.lastHash,
	}
	entry.Hash = entry.computeHash()

	_, err := l.db.Exec(`
		INSERT INTO decisions (seq, ts, route, principal, role, outcome, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.Sequence, entry.Timestamp.Format(time.RFC3339Nano),
		ev.Route, ev.Principal, ev.Role, string(ev.Outcome), entry.PrevHash, entry.Hash)
	if err != nil {
		return nil, fmt.Errorf("inserting audit entry: %w", err)
	}

	l.lastSeq = entry.Sequence
	l.lastHash = entry.Hash
	return entry, nil
}

// Entries returns stored decisions from startSeq to endSeq inclusive.
func (l *Log) Entries(startSeq, endSeq uint64) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT seq, ts, route, principal, role, outcome, prev_hash, hash
		FROM decisions WHERE seq >= ? AND seq <= ?
		ORDER BY seq
	`, startSeq, endSeq)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var tsStr, outcome string
		if err := rows.Scan(&e.Sequence, &tsStr, &e.Event.Route, &e.Event.Principal,
			&e.Event.Role, &outcome, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, tsStr)
		e.Event.Outcome = Outcome(outcome)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// VerifyChain walks the whole log and reports the first broken link, if any.
func (l *Log) VerifyChain() error {
	l.mu.Lock()
	last := l.lastSeq
	l.mu.Unlock()

	entries, err := l.Entries(1, last)
	if err != nil {
		return err
	}

	prevHash := ""
	for _, e := range entries {
		if e.PrevHash != prevHash {
			return fmt.Errorf("audit chain broken at seq %d: prev hash mismatch", e.Sequence)
		}
		if !e.Verify() {
			return fmt.Errorf("audit chain broken at seq %d: entry hash mismatch", e.Sequence)
		}
		prevHash = e.Hash
	}
	return nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}
