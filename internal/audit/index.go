package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Index is a SQLite projection of the sinks for fast filtered queries.
// The sink files stay the source of truth and the only thing the Verifier
// trusts; the index can be dropped and rebuilt from them at any time.
//
// Index implements Observer, so passing it to Open keeps it current.
type Index struct {
	db *sql.DB
}

// QueryParams filters Index.Query. Zero values mean "no filter".
type QueryParams struct {
	Chain    string // chain key: a channel name or RootChain
	Name     string // logger name, exact match
	MinLevel Level
	Since    string // RFC 3339 timestamp or a duration such as "1h"
	Limit    int
}

// IndexedRecord is a query result.
type IndexedRecord struct {
	Chain  string `json:"chain"`
	Line   int    `json:"line"`
	Record Record `json:"record"`
}

// OpenIndex opens (or creates) the index database at path.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite index %s: %w", path, err)
	}

	// WAL lets the serving process write while the CLI reads.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			chain          TEXT    NOT NULL,
			line           INTEGER NOT NULL,
			ts             TEXT    NOT NULL,
			level          TEXT    NOT NULL,
			level_no       INTEGER NOT NULL DEFAULT 0,
			name           TEXT    NOT NULL DEFAULT '',
			message        TEXT    NOT NULL DEFAULT '',
			fields         TEXT    NOT NULL DEFAULT '',
			prev_signature TEXT    NOT NULL,
			signature      TEXT    NOT NULL,
			PRIMARY KEY (chain, line)
		);
		CREATE INDEX IF NOT EXISTS idx_records_ts ON records(ts);
		CREATE INDEX IF NOT EXISTS idx_records_name ON records(name);
		CREATE INDEX IF NOT EXISTS idx_records_level ON records(level_no);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	return &Index{db: db}, nil
}

// Close closes the database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// RecordAppended implements Observer. Failures are logged; the sink write
// has already succeeded and is what matters.
func (idx *Index) RecordAppended(chain string, line int, rec Record) {
	if err := insertRecord(idx.db, chain, line, rec); err != nil {
		slog.Error("sqlite index insert failed", "chain", chain, "line", line, "error", err)
	}
}

// AppendFailed implements Observer.
func (idx *Index) AppendFailed(string, error) {}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertRecord(db execer, chain string, line int, rec Record) error {
	fields := ""
	if len(rec.Fields) > 0 {
		data, err := json.Marshal(rec.Fields)
		if err != nil {
			return err
		}
		fields = string(data)
	}
	levelNo := 0
	if lvl, err := ParseLevel(rec.Level); err == nil {
		levelNo = int(lvl)
	}

	_, err := db.Exec(
		`INSERT OR REPLACE INTO records (chain, line, ts, level, level_no, name, message, fields, prev_signature, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		chain, line, rec.Timestamp, rec.Level, levelNo, rec.Name, rec.Message,
		fields, rec.PrevSignature, rec.Signature,
	)
	return err
}

// Rebuild replaces the rows of chain with the parseable records of the
// sink at path. Returns the number of records indexed.
func (idx *Index) Rebuild(chain, path string) (int, error) {
	records, err := ReadRecords(path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}

	tx, err := idx.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM records WHERE chain = ?`, chain); err != nil {
		return 0, fmt.Errorf("clearing %s rows: %w", chain, err)
	}
	for _, nr := range records {
		if err := insertRecord(tx, chain, nr.Line, nr.Record); err != nil {
			return 0, fmt.Errorf("indexing %s line %d: %w", chain, nr.Line, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(records), nil
}

// Query returns matching records, newest first.
func (idx *Index) Query(params QueryParams) ([]IndexedRecord, error) {
	// Stored timestamps are fixed-width UTC, so since is normalized to the
	// same form before the string comparison.
	if params.Since != "" {
		if strings.Contains(params.Since, "T") {
			t, err := time.Parse(time.RFC3339Nano, params.Since)
			if err != nil {
				return nil, fmt.Errorf("invalid since timestamp %q: %w", params.Since, err)
			}
			params.Since = t.UTC().Format(TimeFormat)
		} else {
			d, err := time.ParseDuration(params.Since)
			if err != nil {
				return nil, fmt.Errorf("invalid since duration %q: %w", params.Since, err)
			}
			params.Since = time.Now().UTC().Add(-d).Format(TimeFormat)
		}
	}

	query := "SELECT chain, line, ts, level, name, message, fields, prev_signature, signature FROM records WHERE 1=1"
	var args []any

	if params.Chain != "" {
		query += " AND chain = ?"
		args = append(args, params.Chain)
	}
	if params.Name != "" {
		query += " AND name = ?"
		args = append(args, params.Name)
	}
	if params.MinLevel > 0 {
		query += " AND level_no >= ?"
		args = append(args, int(params.MinLevel))
	}
	if params.Since != "" {
		query += " AND ts >= ?"
		args = append(args, params.Since)
	}

	query += " ORDER BY ts DESC, chain, line DESC"

	if params.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, params.Limit)
	}

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sqlite index: %w", err)
	}
	defer rows.Close()

	var out []IndexedRecord
	for rows.Next() {
		var (
			r      IndexedRecord
			fields string
		)
		if err := rows.Scan(&r.Chain, &r.Line, &r.Record.Timestamp, &r.Record.Level, &r.Record.Name,
			&r.Record.Message, &fields, &r.Record.PrevSignature, &r.Record.Signature); err != nil {
			return nil, fmt.Errorf("scanning sqlite row: %w", err)
		}
		if fields != "" {
			var parsed map[string]any
			if jsonErr := json.Unmarshal([]byte(fields), &parsed); jsonErr == nil {
				r.Record.Fields = parsed
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
