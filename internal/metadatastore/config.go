package metadatastore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/gaby/ndsfabric/internal/ndsmodel"
)

// ListNDS returns every registered NDS, for §6's GET /nds/list and for
// Gateway's POST /internal/update-pool bootstrap on startup.
func (s *Store) ListNDS(ctx context.Context) ([]ndsmodel.NDSConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, protocol, address, port, account, password,
		mro_path, mro_filter, mdt_path, mdt_filter, switch FROM nds_config ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ndsmodel.NDSConfig
	for rows.Next() {
		var c ndsmodel.NDSConfig
		var protocol string
		if err := rows.Scan(&c.ID, &protocol, &c.Address, &c.Port, &c.Account, &c.Password,
			&c.MROPath, &c.MROFilter, &c.MDTPath, &c.MDTFilter, &c.Switch); err != nil {
			return nil, err
		}
		c.Protocol = ndsmodel.Protocol(protocol)
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetNDS fetches one NDSConfig by ID.
func (s *Store) GetNDS(ctx context.Context, id int64) (*ndsmodel.NDSConfig, error) {
	var c ndsmodel.NDSConfig
	var protocol string
	err := s.db.QueryRowContext(ctx, `SELECT id, protocol, address, port, account, password,
		mro_path, mro_filter, mdt_path, mdt_filter, switch FROM nds_config WHERE id=?`, id).
		Scan(&c.ID, &protocol, &c.Address, &c.Port, &c.Account, &c.Password,
			&c.MROPath, &c.MROFilter, &c.MDTPath, &c.MDTFilter, &c.Switch)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Protocol = ndsmodel.Protocol(protocol)
	return &c, nil
}

// UpsertNDS creates or updates one NDSConfig row. This CRUD surface is a
// supplemented feature (§6 only described read-side nds/list); an NDS has to
// enter the system somewhere, and the Backend is the natural owner of its own
// configuration table.
func (s *Store) UpsertNDS(ctx context.Context, c ndsmodel.NDSConfig) (int64, error) {
	if c.ID != 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO nds_config (id, protocol, address, port, account, password,
				mro_path, mro_filter, mdt_path, mdt_filter, switch)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET
				protocol=excluded.protocol, address=excluded.address, port=excluded.port,
				account=excluded.account, password=excluded.password,
				mro_path=excluded.mro_path, mro_filter=excluded.mro_filter,
				mdt_path=excluded.mdt_path, mdt_filter=excluded.mdt_filter, switch=excluded.switch`,
			c.ID, string(c.Protocol), c.Address, c.Port, c.Account, c.Password,
			c.MROPath, c.MROFilter, c.MDTPath, c.MDTFilter, c.Switch)
		return c.ID, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO nds_config (protocol, address, port, account, password,
			mro_path, mro_filter, mdt_path, mdt_filter, switch)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		string(c.Protocol), c.Address, c.Port, c.Account, c.Password,
		c.MROPath, c.MROFilter, c.MDTPath, c.MDTFilter, c.Switch)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RemoveNDS deletes an NDSConfig and its task windows.
func (s *Store) RemoveNDS(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM nds_config WHERE id=?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_windows WHERE nds_id=?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ActiveTimeRanges returns the task windows currently registered for ndsID,
// used by Scanner to intersect candidate file times (§4.4 step 5).
func (s *Store) ActiveTimeRanges(ctx context.Context, ndsID int64) ([]ndsmodel.TimeRange, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT start_time, end_time FROM task_windows WHERE nds_id=?`, ndsID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ndsmodel.TimeRange
	for rows.Next() {
		var start, end int64
		if err := rows.Scan(&start, &end); err != nil {
			return nil, err
		}
		out = append(out, ndsmodel.TimeRange{
			StartTime: time.Unix(start, 0).UTC(),
			EndTime:   time.Unix(end, 0).UTC(),
		})
	}
	return out, rows.Err()
}

// AddTimeRange registers a new active task window for ndsID.
func (s *Store) AddTimeRange(ctx context.Context, ndsID int64, r ndsmodel.TimeRange) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO task_windows (nds_id, start_time, end_time) VALUES (?,?,?)`,
		ndsID, r.StartTime.Unix(), r.EndTime.Unix())
	return err
}
