// Package offlinesync extends state synchronization with a durable SQLite
// layer: writes persist locally before they propagate, queue while
// disconnected, and replay in timestamp order once the room reconnects
// (spec.md §4.8).
package offlinesync

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/peerhub/peerhub/internal/hlc"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the three-partition durable layer backing one offline sync room:
// state (by key), pending (by id, ordered by ts), and meta (lastSync, hlc)
// (spec.md §4.8 "A local key-value store with three logical partitions").
type Store struct {
	db *sql.DB
}

// storedEntry mirrors syncroom's wire entry shape for durable storage.
type storedEntry struct {
	Key     string
	Value   json.RawMessage
	HLC     hlc.HLC
	From    string
	Version uint32
	Deleted bool
}

// PendingOp is a durable, replayable write made while offline
// (spec.md §3 "OfflineOperation").
type PendingOp struct {
	ID    string
	Type  string // "set" | "delete"
	Key   string
	Value json.RawMessage
	HLC   hlc.HLC
	TS    int64
}

// Open creates or migrates the SQLite database at dsn.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("offlinesync: open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("offlinesync: set WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("offlinesync: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// PutState upserts a state-partition entry.
func (s *Store) PutState(e storedEntry) error {
	var value *string
	if e.Value != nil {
		v := string(e.Value)
		value = &v
	}
	deleted := 0
	if e.Deleted {
		deleted = 1
	}
	_, err := s.db.Exec(`INSERT INTO sync_state (key, value, hlc_ts, hlc_count, hlc_node, from_fp, version, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, hlc_ts=excluded.hlc_ts, hlc_count=excluded.hlc_count,
			hlc_node=excluded.hlc_node, from_fp=excluded.from_fp, version=excluded.version, deleted=excluded.deleted`,
		e.Key, value, e.HLC.TS, e.HLC.Counter, e.HLC.Node, e.From, e.Version, deleted)
	if err != nil {
		return fmt.Errorf("offlinesync: put state %q: %w", e.Key, err)
	}
	return nil
}

// DeleteState physically removes a key. Nothing in this package calls it:
// application deletes go through PutState with Deleted=true, and tombstones
// are not reaped from the store.
func (s *Store) DeleteState(key string) error {
	if _, err := s.db.Exec(`DELETE FROM sync_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("offlinesync: delete state %q: %w", key, err)
	}
	return nil
}

// LoadState restores every stored entry, keyed by key, for startup restore
// (spec.md §4.8 "On init, restore HLC and state from store").
func (s *Store) LoadState() (map[string]storedEntry, error) {
	rows, err := s.db.Query(`SELECT key, value, hlc_ts, hlc_count, hlc_node, from_fp, version, deleted FROM sync_state`)
	if err != nil {
		return nil, fmt.Errorf("offlinesync: load state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]storedEntry)
	for rows.Next() {
		var e storedEntry
		var value *string
		var deleted int
		if err := rows.Scan(&e.Key, &value, &e.HLC.TS, &e.HLC.Counter, &e.HLC.Node, &e.From, &e.Version, &deleted); err != nil {
			return nil, fmt.Errorf("offlinesync: scan state row: %w", err)
		}
		if value != nil {
			e.Value = json.RawMessage(*value)
		}
		e.Deleted = deleted != 0
		out[e.Key] = e
	}
	return out, rows.Err()
}

// AppendPending durably queues op (spec.md §4.8 "append to pending").
func (s *Store) AppendPending(op PendingOp) error {
	var value *string
	if op.Value != nil {
		v := string(op.Value)
		value = &v
	}
	_, err := s.db.Exec(`INSERT INTO sync_pending (id, op_type, key, value, hlc_ts, hlc_count, hlc_node, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.Type, op.Key, value, op.HLC.TS, op.HLC.Counter, op.HLC.Node, op.TS)
	if err != nil {
		return fmt.Errorf("offlinesync: append pending %q: %w", op.ID, err)
	}
	return nil
}

// PendingCount reports how many operations are currently queued, for
// MAX_PENDING_OPS enforcement.
func (s *Store) PendingCount() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sync_pending`).Scan(&n); err != nil {
		return 0, fmt.Errorf("offlinesync: count pending: %w", err)
	}
	return n, nil
}

// ListPending returns every queued operation in ts order
// (spec.md §3 "OfflineOperation ... replayed in ts order on reconnect").
func (s *Store) ListPending() ([]PendingOp, error) {
	rows, err := s.db.Query(`SELECT id, op_type, key, value, hlc_ts, hlc_count, hlc_node, ts FROM sync_pending ORDER BY ts`)
	if err != nil {
		return nil, fmt.Errorf("offlinesync: list pending: %w", err)
	}
	defer rows.Close()

	var out []PendingOp
	for rows.Next() {
		var op PendingOp
		var value *string
		if err := rows.Scan(&op.ID, &op.Type, &op.Key, &value, &op.HLC.TS, &op.HLC.Counter, &op.HLC.Node, &op.TS); err != nil {
			return nil, fmt.Errorf("offlinesync: scan pending row: %w", err)
		}
		if value != nil {
			op.Value = json.RawMessage(*value)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// RemovePending deletes one replayed operation.
func (s *Store) RemovePending(id string) error {
	if _, err := s.db.Exec(`DELETE FROM sync_pending WHERE id = ?`, id); err != nil {
		return fmt.Errorf("offlinesync: remove pending %q: %w", id, err)
	}
	return nil
}

const metaRowID = "singleton"

// SaveMeta persists lastSync and the current HLC (spec.md §4.8 "meta
// (by id, holding lastSync and hlc)").
func (s *Store) SaveMeta(lastSync int64, current hlc.HLC) error {
	_, err := s.db.Exec(`INSERT INTO sync_meta (id, last_sync, hlc_ts, hlc_count, hlc_node)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_sync=excluded.last_sync, hlc_ts=excluded.hlc_ts,
			hlc_count=excluded.hlc_count, hlc_node=excluded.hlc_node`,
		metaRowID, lastSync, current.TS, current.Counter, current.Node)
	if err != nil {
		return fmt.Errorf("offlinesync: save meta: %w", err)
	}
	return nil
}

// LoadMeta restores lastSync and the last-known HLC, if any was ever saved.
func (s *Store) LoadMeta() (lastSync int64, current hlc.HLC, found bool, err error) {
	var ts, count sql.NullInt64
	var node sql.NullString
	row := s.db.QueryRow(`SELECT last_sync, hlc_ts, hlc_count, hlc_node FROM sync_meta WHERE id = ?`, metaRowID)
	if scanErr := row.Scan(&lastSync, &ts, &count, &node); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return 0, hlc.HLC{}, false, nil
		}
		return 0, hlc.HLC{}, false, fmt.Errorf("offlinesync: load meta: %w", scanErr)
	}
	current = hlc.HLC{TS: ts.Int64, Counter: uint32(count.Int64), Node: node.String}
	return lastSync, current, true, nil
}
