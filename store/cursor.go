package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Cursor lifecycle statuses in update_control.
const (
	CursorInitial = "initial"
	CursorSuccess = "success"
	CursorError   = "error"
)

// cursorTimeLayout matches the upstream's fixed-width zero-padded timestamps,
// which is what makes lexicographic cursor comparison safe.
const cursorTimeLayout = "2006-01-02 15:04:05"

// EnsureControlTable creates the update_control cursor table on first use.
func (s *Store) EnsureControlTable(ctx context.Context) error {
	stmt := fmt.Sprintf(
		"CREATE TABLE %s (entity_type TEXT PRIMARY KEY, last_update TEXT, records_updated INTEGER, status TEXT)",
		s.quoteIdent("update_control"))

	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		if isDuplicateTable(err) {
			return nil
		}
		return errors.Wrap(err, "error creating update_control")
	}
	return nil
}

// Cursor returns the entity's incremental watermark. On first use it seeds a
// default: a lookback window in the past for incremental entities, or the
// empty string (no filter) for lookup tables without a natural incremental
// field. The returned value is passed verbatim as the $gt lower bound.
func (s *Store) Cursor(ctx context.Context, entityName string, incremental bool, lookback time.Duration) (string, error) {
	query := s.rebind("SELECT last_update FROM update_control WHERE entity_type = ?")

	var last sql.NullString
	err := s.db.QueryRowContext(ctx, query, entityName).Scan(&last)
	if err == nil {
		return last.String, nil
	}
	if err != sql.ErrNoRows {
		return "", errors.Wrapf(err, "error reading cursor for %s", entityName)
	}

	seed := ""
	if incremental {
		seed = time.Now().Add(-lookback).Format(cursorTimeLayout)
	}

	insert := s.rebind("INSERT INTO update_control (entity_type, last_update, records_updated, status) VALUES (?, ?, 0, ?)")
	if _, err := s.db.ExecContext(ctx, insert, entityName, seed, CursorInitial); err != nil {
		return "", errors.Wrapf(err, "error seeding cursor for %s", entityName)
	}

	return seed, nil
}

// AdvanceCursor records a successful run. newValue is the maximum incremental
// value observed among successfully upserted records, stored verbatim; when
// the run produced no records (empty newValue) the watermark is left unchanged
// and only the counters move. Full refreshes skip the Cursor read, so the
// entity's row may not exist yet; it is inserted on demand.
func (s *Store) AdvanceCursor(ctx context.Context, entityName, newValue string, recordsProcessed int) error {
	var query string
	var args []interface{}

	if newValue != "" {
		query = "UPDATE update_control SET last_update = ?, records_updated = ?, status = ? WHERE entity_type = ?"
		args = []interface{}{newValue, recordsProcessed, CursorSuccess, entityName}
	} else {
		query = "UPDATE update_control SET records_updated = ?, status = ? WHERE entity_type = ?"
		args = []interface{}{recordsProcessed, CursorSuccess, entityName}
	}

	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return errors.Wrapf(err, "error advancing cursor for %s", entityName)
	}

	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		insert := s.rebind("INSERT INTO update_control (entity_type, last_update, records_updated, status) VALUES (?, ?, ?, ?)")
		if _, err := s.db.ExecContext(ctx, insert, entityName, newValue, recordsProcessed, CursorSuccess); err != nil {
			return errors.Wrapf(err, "error advancing cursor for %s", entityName)
		}
	}
	return nil
}

// MarkCursorError flags a failed run without touching the watermark, so the
// next run retries the same window.
func (s *Store) MarkCursorError(ctx context.Context, entityName string) error {
	query := s.rebind("UPDATE update_control SET status = ? WHERE entity_type = ?")
	if _, err := s.db.ExecContext(ctx, query, CursorError, entityName); err != nil {
		return errors.Wrapf(err, "error marking cursor for %s", entityName)
	}
	return nil
}

// CursorStatus reads the stored status for an entity, mostly for operational
// tooling and tests.
func (s *Store) CursorStatus(ctx context.Context, entityName string) (string, error) {
	query := s.rebind("SELECT status FROM update_control WHERE entity_type = ?")

	var status sql.NullString
	if err := s.db.QueryRowContext(ctx, query, entityName).Scan(&status); err != nil {
		return "", errors.Wrapf(err, "error reading cursor status for %s", entityName)
	}
	return status.String, nil
}

func isDuplicateTable(err error) bool {
	return isDuplicateColumn(err)
}
