// Package metadatastore is the Backend service's sqlite-backed persistence
// for NDSFile rows and NDSConfig records, plus the Dispatcher's atomic task
// reservation (§4.5) and lease janitor (§4.6). Open/migrate is adapted
// directly from the teacher's internal/db.Open: same modernc.org/sqlite DSN
// (WAL + busy_timeout), same idempotent CREATE TABLE IF NOT EXISTS migration
// style tolerating "duplicate"/"already exists" on ALTER TABLE, same boot-time
// stuck-row recovery sweep. ClaimTask generalizes the teacher's
// jobs.Store.ClaimNext (internal/jobs/store_extra.go): a single
// BEGIN/SELECT-oldest-eligible/UPDATE/COMMIT transaction is still how one
// worker atomically reserves one unit of work, just against NDSFile rows
// gated by Parsed state and (re)claimable leases rather than a jobs table.
package metadatastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gaby/ndsfabric/internal/ndsmodel"
)

// ErrNoEligibleTask is returned by ClaimTask when nothing is pending.
var ErrNoEligibleTask = errors.New("metadatastore: no eligible task")

// ErrNotFound is returned when a lookup by key misses.
var ErrNotFound = errors.New("metadatastore: not found")

// Store owns the sqlite connection and all metadata-store operations.
type Store struct {
	db *sql.DB
}

// Open mirrors the teacher's db.Open: WAL + busy_timeout, bounded conns,
// idempotent migration, boot-time stuck-lease recovery.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetMaxIdleConns(4)

	s := &Store{db: sqlDB}
	if err := s.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nds_config (
			id INTEGER PRIMARY KEY,
			protocol TEXT NOT NULL,
			address TEXT NOT NULL,
			port INTEGER NOT NULL,
			account TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT '',
			mro_path TEXT NOT NULL DEFAULT '',
			mro_filter TEXT NOT NULL DEFAULT '',
			mdt_path TEXT NOT NULL DEFAULT '',
			mdt_filter TEXT NOT NULL DEFAULT '',
			switch INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE TABLE IF NOT EXISTS task_windows (
			nds_id INTEGER NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			PRIMARY KEY(nds_id, start_time, end_time)
		);`,
		`CREATE TABLE IF NOT EXISTS nds_files (
			file_hash TEXT PRIMARY KEY,
			nds_id INTEGER NOT NULL,
			file_path TEXT NOT NULL,
			sub_file_name TEXT NOT NULL,
			header_offset INTEGER NOT NULL,
			compress_size INTEGER NOT NULL,
			file_size INTEGER NOT NULL,
			flag_bits INTEGER NOT NULL,
			compress_type INTEGER NOT NULL,
			data_type TEXT NOT NULL,
			enodeb_id INTEGER NOT NULL,
			file_time INTEGER NOT NULL,
			parsed INTEGER NOT NULL DEFAULT 0,
			task_uuid TEXT NOT NULL DEFAULT '',
			lock_time INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_nds_files_nds_parsed ON nds_files(nds_id, parsed);`,
		`CREATE INDEX IF NOT EXISTS idx_nds_files_lock_time ON nds_files(parsed, lock_time);`,
		// Backward-compatible columns for deployments upgraded from an
		// earlier schema revision without task_uuid/lock_time.
		`ALTER TABLE nds_files ADD COLUMN task_uuid TEXT NOT NULL DEFAULT '';`,
		`ALTER TABLE nds_files ADD COLUMN lock_time INTEGER NOT NULL DEFAULT 0;`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			es := err.Error()
			if strings.Contains(es, "duplicate") || strings.Contains(es, "already exists") {
				continue
			}
			return err
		}
	}
	// Boot recovery: any row left Reserved by a worker that died holds a
	// stale TaskUUID/lock; reclaim it to Pending so the janitor doesn't have
	// to wait out the full lease timeout once on every restart.
	_, err := s.db.Exec(`UPDATE nds_files SET parsed=?, task_uuid='', lock_time=0 WHERE parsed=?`,
		int(ndsmodel.ParsedPending), int(ndsmodel.ParsedReserved))
	return err
}

// UpsertFiles inserts new NDSFile rows and updates existing ones keyed by
// FileHash, matching §4.4's "submit grouped rows, server dedupes by hash."
// Returns the count of rows actually inserted (new).
func (s *Store) UpsertFiles(ctx context.Context, files []ndsmodel.NDSFile) (inserted int, err error) {
	if len(files) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, f := range files {
		var existing int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM nds_files WHERE file_hash=?`, f.FileHash).Scan(&existing); err != nil {
			return 0, err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO nds_files (
				file_hash, nds_id, file_path, sub_file_name, header_offset,
				compress_size, file_size, flag_bits, compress_type, data_type,
				enodeb_id, file_time, parsed
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(file_hash) DO UPDATE SET
				file_path=excluded.file_path,
				header_offset=excluded.header_offset,
				compress_size=excluded.compress_size,
				file_size=excluded.file_size,
				flag_bits=excluded.flag_bits,
				compress_type=excluded.compress_type
		`,
			f.FileHash, f.NDSID, f.FilePath, f.SubFileName, f.HeaderOffset,
			f.CompressSize, f.FileSize, f.FlagBits, f.CompressType, string(f.DataType),
			f.ENodeBID, f.FileTime.Unix(), int(ndsmodel.ParsedPending),
		)
		if err != nil {
			return 0, err
		}
		if existing == 0 {
			inserted++
		}
	}
	return inserted, tx.Commit()
}

// RemoveFile deletes the row for fileHash, backing the Backend's
// DELETE /ndsfile/{hash} endpoint. The Scanner's vanished-archive cleanup
// goes through RemoveFilesByPath instead.
func (s *Store) RemoveFile(ctx context.Context, fileHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM nds_files WHERE file_hash=?`, fileHash)
	return err
}

// RemoveFilesByPath deletes every row for ndsID whose FilePath is in paths,
// used by the Scanner when a diff pass finds an archive no longer present on
// the NDS (§4.4 step 4 / invariant 4: "a FilePath no longer present on its
// NDS implies all rows with that (NDSID, FilePath) are deletable").
func (s *Store) RemoveFilesByPath(ctx context.Context, ndsID int64, paths []string) (int64, error) {
	if len(paths) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, p := range paths {
		res, err := tx.ExecContext(ctx, `DELETE FROM nds_files WHERE nds_id=? AND file_path=?`, ndsID, p)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, tx.Commit()
}

// ResetFile forces one row back to Pending, for the operator-facing
// POST /ndsfile/reset endpoint (§4.5 terminal-state escape hatch).
func (s *Store) ResetFile(ctx context.Context, fileHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE nds_files SET parsed=?, task_uuid='', lock_time=0 WHERE file_hash=?`,
		int(ndsmodel.ParsedPending), fileHash)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFiles returns the known file_path set for ndsID, for Scanner diffing
// (§4.4 step: dedupe against already-known files).
func (s *Store) ListFiles(ctx context.Context, ndsID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT file_path FROM nds_files WHERE nds_id=?`, ndsID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountPending reports rows still awaiting a worker for ndsID, backing
// §4.4's backlog-gating check ("don't rescan while work remains").
func (s *Store) CountPending(ctx context.Context, ndsID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nds_files WHERE nds_id=? AND parsed=?`,
		ndsID, int(ndsmodel.ParsedPending)).Scan(&n)
	return n, err
}

// ClaimTask atomically selects and reserves the oldest Pending row for any
// NDS (or a specific one, when ndsID > 0), the Dispatcher's core operation
// (§4.5): BEGIN, SELECT ... WHERE parsed=0 ORDER BY file_time ASC LIMIT 1,
// UPDATE parsed=1 + task_uuid + lock_time, COMMIT. Returns ErrNoEligibleTask
// when nothing is pending.
func (s *Store) ClaimTask(ctx context.Context, ndsID int64, taskUUID string) (*ndsmodel.NDSFile, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var row *sql.Row
	if ndsID > 0 {
		row = tx.QueryRowContext(ctx, `
			SELECT file_hash, nds_id, file_path, sub_file_name, header_offset,
				compress_size, file_size, flag_bits, compress_type, data_type,
				enodeb_id, file_time
			FROM nds_files WHERE nds_id=? AND parsed=? ORDER BY file_time ASC LIMIT 1`,
			ndsID, int(ndsmodel.ParsedPending))
	} else {
		row = tx.QueryRowContext(ctx, `
			SELECT file_hash, nds_id, file_path, sub_file_name, header_offset,
				compress_size, file_size, flag_bits, compress_type, data_type,
				enodeb_id, file_time
			FROM nds_files WHERE parsed=? ORDER BY file_time ASC LIMIT 1`,
			int(ndsmodel.ParsedPending))
	}

	var (
		f        ndsmodel.NDSFile
		dataType string
		fileTime int64
	)
	if err := row.Scan(&f.FileHash, &f.NDSID, &f.FilePath, &f.SubFileName, &f.HeaderOffset,
		&f.CompressSize, &f.FileSize, &f.FlagBits, &f.CompressType, &dataType,
		&f.ENodeBID, &fileTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoEligibleTask
		}
		return nil, err
	}
	f.DataType = ndsmodel.DataType(dataType)
	f.FileTime = time.Unix(fileTime, 0).UTC()

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `UPDATE nds_files SET parsed=?, task_uuid=?, lock_time=? WHERE file_hash=?`,
		int(ndsmodel.ParsedReserved), taskUUID, now.Unix(), f.FileHash); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	f.Parsed = ndsmodel.ParsedReserved
	f.TaskUUID = taskUUID
	f.LockTime = now
	return &f, nil
}

// UpdateParsed reports a Worker's terminal outcome for a reserved task,
// validated against the claiming TaskUUID so a stale worker can't clobber a
// row the janitor already reclaimed out from under it.
func (s *Store) UpdateParsed(ctx context.Context, fileHash, taskUUID string, state ndsmodel.Parsed) error {
	res, err := s.db.ExecContext(ctx, `UPDATE nds_files SET parsed=? WHERE file_hash=? AND task_uuid=?`,
		int(state), fileHash, taskUUID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReclaimExpiredLeases reverts any row reserved longer than leaseTimeout back
// to Pending, the lease janitor's sweep (§4.6), grounded on the teacher's
// health.Scheduler tick loop shape (see Janitor in janitor.go).
func (s *Store) ReclaimExpiredLeases(ctx context.Context, leaseTimeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-leaseTimeout).Unix()
	res, err := s.db.ExecContext(ctx, `UPDATE nds_files SET parsed=?, task_uuid='', lock_time=0 WHERE parsed=? AND lock_time<=?`,
		int(ndsmodel.ParsedPending), int(ndsmodel.ParsedReserved), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
