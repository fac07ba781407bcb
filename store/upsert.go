package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"fieldsync/models"
)

// UpsertResult aggregates the outcome of one Upsert call. Errors holds the
// per-record failures that were skipped without aborting the batch. Succeeded
// holds the records whose writes committed, so cursor advancement can be
// computed over exactly those and never past a failed record.
type UpsertResult struct {
	Inserted  int
	Updated   int
	Errors    []error
	Succeeded []models.Record
}

// Upsert writes records into the entity's table keyed by its primary-key
// field. Existing rows are updated column-by-column (columns absent from a
// record are left unchanged), new rows are inserted. Records without a
// primary-key value are skipped and recorded as errors. Writes are committed
// one transaction per batch; a failed commit loses only that batch, prior
// batches stand. Conflict policy is last-write-wins.
func (s *Store) Upsert(ctx context.Context, entity models.Entity, records []models.Record, batchSize int) (UpsertResult, error) {
	var result UpsertResult
	if batchSize <= 0 {
		batchSize = 100
	}

	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}

		if err := s.upsertBatch(ctx, entity, records[start:end], &result); err != nil {
			return result, errors.Wrapf(err, "error committing batch for %s", entity.Name)
		}
	}

	return result, nil
}

func (s *Store) upsertBatch(ctx context.Context, entity models.Entity, batch []models.Record, result *UpsertResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	var inserted, updated int
	var succeeded []models.Record

	for _, record := range batch {
		pk, ok := record[entity.PrimaryKeyField]
		if !ok || pk == nil {
			result.Errors = append(result.Errors, fmt.Errorf("record missing primary key %s", entity.PrimaryKeyField))
			log.WithFields(log.Fields{"table": entity.Name, "primary_key": entity.PrimaryKeyField}).Warn("skipping record without primary key")
			continue
		}

		ins, err := s.upsertRecord(ctx, tx, entity, pk, record)
		if err != nil {
			result.Errors = append(result.Errors, errors.Wrapf(err, "record %v", pk))
			log.WithFields(log.Fields{"table": entity.Name, "pk": pk, "error": err}).Warn("skipping record")
			continue
		}
		if ins {
			inserted++
		} else {
			updated++
		}
		succeeded = append(succeeded, record)
	}

	// counters reflect committed writes only; a failed commit contributes
	// nothing even though its statements executed
	if err := tx.Commit(); err != nil {
		return err
	}
	result.Inserted += inserted
	result.Updated += updated
	result.Succeeded = append(result.Succeeded, succeeded...)
	return nil
}

func (s *Store) upsertRecord(ctx context.Context, tx *sql.Tx, entity models.Entity, pk interface{}, record models.Record) (bool, error) {
	exists, err := s.rowExists(ctx, tx, entity, pk)
	if err != nil {
		return false, err
	}

	if exists {
		return false, s.updateRow(ctx, tx, entity, pk, record)
	}
	return true, s.insertRow(ctx, tx, entity, record)
}

func (s *Store) rowExists(ctx context.Context, tx *sql.Tx, entity models.Entity, pk interface{}) (bool, error) {
	query := s.rebind(fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ?",
		s.quoteIdent(entity.Name), s.quoteIdent(entity.PrimaryKeyField)))

	var one int
	err := tx.QueryRowContext(ctx, query, pk).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) updateRow(ctx context.Context, tx *sql.Tx, entity models.Entity, pk interface{}, record models.Record) error {
	var sets []string
	var values []interface{}

	for key, value := range record {
		if key == entity.PrimaryKeyField {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = ?", s.quoteIdent(key)))
		values = append(values, serializeValue(value))
	}
	if len(sets) == 0 {
		return nil
	}
	values = append(values, pk)

	query := s.rebind(fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		s.quoteIdent(entity.Name), strings.Join(sets, ", "), s.quoteIdent(entity.PrimaryKeyField)))

	_, err := tx.ExecContext(ctx, query, values...)
	return err
}

func (s *Store) insertRow(ctx context.Context, tx *sql.Tx, entity models.Entity, record models.Record) error {
	var columns, placeholders []string
	var values []interface{}

	for key, value := range record {
		columns = append(columns, s.quoteIdent(key))
		placeholders = append(placeholders, "?")
		values = append(values, serializeValue(value))
	}

	query := s.rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.quoteIdent(entity.Name), strings.Join(columns, ", "), strings.Join(placeholders, ", ")))

	_, err := tx.ExecContext(ctx, query, values...)
	return err
}

// serializeValue flattens nested objects and lists to their canonical JSON
// text so they round-trip through TEXT columns unchanged; scalars pass
// through to the driver as-is. json.Number becomes its verbatim upstream
// text, so integers never grow a decimal point in TEXT columns.
func serializeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}, []interface{}:
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprintf("%v", value)
		}
		return string(encoded)
	case json.Number:
		return v.String()
	default:
		return value
	}
}
