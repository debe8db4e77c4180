package risk

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// PersistentStore persists per-venue circuit-breaker state so a restarted
// gate does not forget a venue it had just throttled. Optional: a nil
// PersistentStore leaves the gate's state purely in-memory, as before.
type PersistentStore interface {
	LoadVenueState() (venueState map[string]CircuitState, consecutiveFailures map[string]int, throttledAt map[string]time.Time, err error)
	SaveVenueState(venue string, circuit CircuitState, consecutiveFailures int, throttledAt time.Time) error
}

// SQLiteStore is a PersistentStore backed by modernc.org/sqlite, the
// teacher's embedded-database driver for local relational state — reused
// here for durable venue state instead of the teacher's portfolio/ledger
// rows, since both are "small local state that must survive a restart".
// modernc.org/sqlite is a pure-Go driver, so this carries no cgo toolchain
// dependency into the engine.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if necessary) the venue-state database at
// path and ensures its schema exists.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS venue_state (
		venue TEXT PRIMARY KEY,
		circuit TEXT NOT NULL,
		consecutive_failures INTEGER NOT NULL,
		throttled_at_unix INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// LoadVenueState reads every row back into the gate's three per-venue maps.
func (s *SQLiteStore) LoadVenueState() (map[string]CircuitState, map[string]int, map[string]time.Time, error) {
	rows, err := s.db.Query(`SELECT venue, circuit, consecutive_failures, throttled_at_unix FROM venue_state`)
	if err != nil {
		return nil, nil, nil, err
	}
	defer rows.Close()

	venueState := make(map[string]CircuitState)
	consecutiveFailures := make(map[string]int)
	throttledAt := make(map[string]time.Time)
	for rows.Next() {
		var venue, circuit string
		var failures int
		var throttledUnix int64
		if err := rows.Scan(&venue, &circuit, &failures, &throttledUnix); err != nil {
			return nil, nil, nil, err
		}
		venueState[venue] = CircuitState(circuit)
		consecutiveFailures[venue] = failures
		if throttledUnix > 0 {
			throttledAt[venue] = time.Unix(throttledUnix, 0)
		}
	}
	return venueState, consecutiveFailures, throttledAt, rows.Err()
}

// SaveVenueState upserts one venue's row.
func (s *SQLiteStore) SaveVenueState(venue string, circuit CircuitState, consecutiveFailures int, throttledAt time.Time) error {
	_, err := s.db.Exec(`INSERT INTO venue_state (venue, circuit, consecutive_failures, throttled_at_unix)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(venue) DO UPDATE SET
			circuit = excluded.circuit,
			consecutive_failures = excluded.consecutive_failures,
			throttled_at_unix = excluded.throttled_at_unix`,
		venue, string(circuit), consecutiveFailures, throttledAt.Unix())
	return err
}
