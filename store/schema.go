package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"fieldsync/models"
)

// Reconcile makes the entity's table able to hold every key present in the
// batch. The table is created on first use with the primary-key column typed
// per the entity descriptor; every other column is added on demand as TEXT,
// the safe universal supertype, since upstream field types are not
// contractually stable. Reconciliation is append-only: columns are never
// dropped, renamed or retyped. Safe to call before every batch.
func (s *Store) Reconcile(ctx context.Context, entity models.Entity, records []models.Record) error {
	existing, err := s.tableColumns(ctx, entity.Name)
	if err != nil {
		if createErr := s.createTable(ctx, entity); createErr != nil {
			return errors.Wrapf(createErr, "error creating table %s", entity.Name)
		}
		existing = map[string]bool{strings.ToLower(entity.PrimaryKeyField): true}
	}

	for _, key := range missingKeys(existing, records) {
		if err := s.addColumn(ctx, entity.Name, key); err != nil {
			if isDuplicateColumn(err) {
				continue
			}
			return errors.Wrapf(err, "error adding column %s.%s", entity.Name, key)
		}
		log.WithFields(log.Fields{"table": entity.Name, "column": key}).Info("added column for new upstream field")
	}

	return nil
}

// tableColumns reads the current column set through a zero-row select, which
// works identically across every supported driver.
func (s *Store) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s WHERE 1=0", s.quoteIdent(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	columns := make(map[string]bool, len(names))
	for _, n := range names {
		columns[strings.ToLower(n)] = true
	}
	return columns, nil
}

func (s *Store) createTable(ctx context.Context, entity models.Entity) error {
	pkType := "TEXT"
	if entity.PrimaryKeyType == "integer" {
		pkType = "INTEGER"
	}

	stmt := fmt.Sprintf("CREATE TABLE %s (%s %s PRIMARY KEY)",
		s.quoteIdent(entity.Name), s.quoteIdent(entity.PrimaryKeyField), pkType)

	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return err
	}

	log.WithFields(log.Fields{"table": entity.Name, "primary_key": entity.PrimaryKeyField}).Info("created table")
	return nil
}

func (s *Store) addColumn(ctx context.Context, table, column string) error {
	// sqlserver spells it without the COLUMN keyword
	keyword := "ADD COLUMN"
	if s.driver == "sqlserver" {
		keyword = "ADD"
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s %s %s TEXT",
		s.quoteIdent(table), keyword, s.quoteIdent(column)))
	return err
}

// missingKeys computes the union of record keys absent from the existing
// column set, sorted for deterministic DDL ordering.
func missingKeys(existing map[string]bool, records []models.Record) []string {
	seen := make(map[string]string)
	for _, record := range records {
		for key := range record {
			if !existing[strings.ToLower(key)] {
				seen[strings.ToLower(key)] = key
			}
		}
	}

	keys := make([]string, 0, len(seen))
	for _, original := range seen {
		keys = append(keys, original)
	}
	sort.Strings(keys)
	return keys
}

// isDuplicateColumn recognises the "column already exists" failure each
// driver reports in its own words; an idempotent retry, not an error.
func isDuplicateColumn(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") ||
		strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "duplicate column name")
}
