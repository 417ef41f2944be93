// Package store is the optional long-term archive for probe and VoIP
// results, supplementing the in-memory scheduler history ring (which
// is bounded and lost on restart) with a SQLite-backed table an
// operator can query after the fact. Disabled by default.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ProbeRecord is one archived scheduler probe result.
type ProbeRecord struct {
	ID               int64     `db:"id"`
	DestinationLabel string    `db:"destination_label"`
	DestinationAddr  string    `db:"destination_addr"`
	Timestamp        time.Time `db:"timestamp"`
	RoutingDaemon    string    `db:"routing_daemon"`
	RTTAvgMs         float64   `db:"rtt_avg_ms"`
	RTTMinMs         float64   `db:"rtt_min_ms"`
	RTTMaxMs         float64   `db:"rtt_max_ms"`
	JitterMs         float64   `db:"jitter_ms"`
	LossPct          float64   `db:"loss_pct"`
	HopCount         int       `db:"hop_count"`
}

// VoIPRecord is one archived VoIP probe result.
type VoIPRecord struct {
	ID         int64     `db:"id"`
	Timestamp  time.Time `db:"timestamp"`
	Number     string    `db:"phone_number"`
	Status     string    `db:"status"`
	SIPRTTMs   int64     `db:"sip_rtt_ms"`
	MediaRTTMs int64     `db:"media_rtt_ms"`
	JitterMs   float64   `db:"jitter_ms"`
	LossPct    float64   `db:"loss_pct"`
}

// Store wraps a sqlx handle over a modernc.org/sqlite file, with its
// schema initialised on open.
type Store struct {
	*sqlx.DB
}

// Open connects to path (or an in-memory database for ":memory:"),
// creating its parent directory and initialising the schema if
// necessary.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}

	connStr := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: create data directory: %w", err)
		}
		connStr += "?_journal_mode=WAL&_sync=NORMAL&_foreign_keys=ON"
	}

	db, err := sqlx.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	s := &Store{DB: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS probe_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		destination_label TEXT NOT NULL,
		destination_addr TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		routing_daemon TEXT NOT NULL DEFAULT '',
		rtt_avg_ms REAL NOT NULL DEFAULT 0,
		rtt_min_ms REAL NOT NULL DEFAULT 0,
		rtt_max_ms REAL NOT NULL DEFAULT 0,
		jitter_ms REAL NOT NULL DEFAULT 0,
		loss_pct REAL NOT NULL DEFAULT 0,
		hop_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_probe_results_dest_time
		ON probe_results(destination_label, timestamp);

	CREATE TABLE IF NOT EXISTS voip_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		phone_number TEXT NOT NULL,
		status TEXT NOT NULL,
		sip_rtt_ms INTEGER NOT NULL DEFAULT 0,
		media_rtt_ms INTEGER NOT NULL DEFAULT 0,
		jitter_ms REAL NOT NULL DEFAULT 0,
		loss_pct REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_voip_results_number_time
		ON voip_results(phone_number, timestamp);
	`
	if _, err := s.Exec(schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// InsertProbeResult archives one scheduler probe result.
func (s *Store) InsertProbeResult(r ProbeRecord) error {
	_, err := s.NamedExec(`
		INSERT INTO probe_results
			(destination_label, destination_addr, timestamp, routing_daemon,
			 rtt_avg_ms, rtt_min_ms, rtt_max_ms, jitter_ms, loss_pct, hop_count)
		VALUES
			(:destination_label, :destination_addr, :timestamp, :routing_daemon,
			 :rtt_avg_ms, :rtt_min_ms, :rtt_max_ms, :jitter_ms, :loss_pct, :hop_count)`,
		r)
	return err
}

// InsertVoIPResult archives one VoIP probe result.
func (s *Store) InsertVoIPResult(r VoIPRecord) error {
	_, err := s.NamedExec(`
		INSERT INTO voip_results
			(timestamp, phone_number, status, sip_rtt_ms, media_rtt_ms, jitter_ms, loss_pct)
		VALUES
			(:timestamp, :phone_number, :status, :sip_rtt_ms, :media_rtt_ms, :jitter_ms, :loss_pct)`,
		r)
	return err
}

// RecentProbeResults returns up to limit rows for destination, most
// recent first.
func (s *Store) RecentProbeResults(destination string, limit int) ([]ProbeRecord, error) {
	var rows []ProbeRecord
	err := s.Select(&rows, `
		SELECT * FROM probe_results
		WHERE destination_label = ?
		ORDER BY timestamp DESC
		LIMIT ?`, destination, limit)
	return rows, err
}

// RecentVoIPResults returns up to limit rows for number, most recent
// first.
func (s *Store) RecentVoIPResults(number string, limit int) ([]VoIPRecord, error) {
	var rows []VoIPRecord
	err := s.Select(&rows, `
		SELECT * FROM voip_results
		WHERE phone_number = ?
		ORDER BY timestamp DESC
		LIMIT ?`, number, limit)
	return rows, err
}

// PruneOlderThan deletes archived rows older than cutoff, keeping the
// archive bounded on long-running nodes with no operator attention.
func (s *Store) PruneOlderThan(cutoff time.Time) error {
	if _, err := s.Exec(`DELETE FROM probe_results WHERE timestamp < ?`, cutoff); err != nil {
		return fmt.Errorf("store: pruning probe_results: %w", err)
	}
	if _, err := s.Exec(`DELETE FROM voip_results WHERE timestamp < ?`, cutoff); err != nil {
		return fmt.Errorf("store: pruning voip_results: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.DB.Close()
}
