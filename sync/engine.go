// Package sync sequences the per-entity pipeline: cursor read, paginated
// fetch, schema reconciliation, upsert, cursor advance.
package sync

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"fieldsync/api"
	"fieldsync/models"
	"fieldsync/store"
)

// Engine owns one sync run. Entities are processed sequentially in the
// registry's dependency order; one entity's failure never blocks the others.
// The Engine exclusively owns cursor and table lifecycles.
type Engine struct {
	Session     *api.Session
	Store       *store.Store
	Entities    []models.Entity
	FullRefresh bool
	BatchSize   int
	Lookback    time.Duration
}

// Run authenticates and syncs every configured entity, returning the run
// summary. Only an authentication failure aborts the whole run; entity-level
// failures are isolated and reported through the summary.
func (e *Engine) Run(ctx context.Context) (*models.RunSummary, error) {
	summary := models.NewRunSummary()
	defer summary.Finish()

	if err := e.Session.Login(ctx); err != nil {
		return summary, fmt.Errorf("aborting run: %w", err)
	}

	if err := e.Store.EnsureControlTable(ctx); err != nil {
		return summary, fmt.Errorf("aborting run: %w", err)
	}

	for i, entity := range e.Entities {
		if ctx.Err() != nil {
			for _, remaining := range e.Entities[i:] {
				summary.Add(models.EntitySummary{Name: remaining.Name, Status: models.StatusSkipped})
			}
			log.WithFields(log.Fields{"run_id": summary.RunID}).Warn("run cancelled, remaining entities skipped")
			break
		}
		summary.Add(e.syncEntity(ctx, entity))
	}

	totals := summary.Totals()
	log.WithFields(log.Fields{
		"run_id":   summary.RunID,
		"status":   totals.Status,
		"fetched":  totals.Fetched,
		"inserted": totals.Inserted,
		"updated":  totals.Updated,
		"errors":   totals.Errors,
	}).Info("sync run finished")

	return summary, nil
}

func (e *Engine) syncEntity(ctx context.Context, entity models.Entity) (es models.EntitySummary) {
	start := time.Now()
	es = models.EntitySummary{Name: entity.Name, Status: models.StatusSuccess}
	defer func() {
		es.DurationMs = time.Since(start).Milliseconds()
		log.WithFields(log.Fields{
			"entity":   entity.Name,
			"status":   es.Status,
			"fetched":  es.Fetched,
			"inserted": es.Inserted,
			"updated":  es.Updated,
			"errors":   es.Errors,
		}).Info("entity sync finished")
	}()

	cursor := ""
	if !e.FullRefresh {
		var err error
		cursor, err = e.Store.Cursor(ctx, entity.Name, entity.Incremental(), e.Lookback)
		if err != nil {
			log.WithFields(log.Fields{"entity": entity.Name, "error": err}).Error("error reading cursor")
			es.Status = models.StatusFailed
			es.Errors++
			return es
		}
	}

	records, err := e.fetch(ctx, entity, cursor)
	if err != nil {
		// only cancellation propagates out of the fetch layer
		e.markError(ctx, entity)
		es.Status = models.StatusFailed
		es.Errors++
		return es
	}

	es.Fetched = len(records)
	if len(records) == 0 {
		// nothing new: cursor stays put, status flips back to success
		if err := e.Store.AdvanceCursor(ctx, entity.Name, "", 0); err != nil {
			log.WithFields(log.Fields{"entity": entity.Name, "error": err}).Error("error updating cursor")
		}
		return es
	}

	if err := e.Store.Reconcile(ctx, entity, records); err != nil {
		log.WithFields(log.Fields{"entity": entity.Name, "error": err}).Error("schema reconciliation failed")
		e.markError(ctx, entity)
		es.Status = models.StatusFailed
		es.Errors++
		return es
	}

	result, err := e.Store.Upsert(ctx, entity, records, e.BatchSize)
	es.Inserted = result.Inserted
	es.Updated = result.Updated
	es.Errors = len(result.Errors)
	if err != nil {
		// commit failure: prior batches stand, next run retries the window
		log.WithFields(log.Fields{"entity": entity.Name, "error": err}).Error("batch commit failed")
		e.markError(ctx, entity)
		if result.Inserted+result.Updated > 0 {
			es.Status = models.StatusPartial
		} else {
			es.Status = models.StatusFailed
		}
		es.Errors++
		return es
	}

	// records that failed their upsert must stay behind the watermark so the
	// next run's $gt filter refetches them
	newCursor := maxFieldValue(result.Succeeded, entity.IncrementalField)
	if err := e.Store.AdvanceCursor(ctx, entity.Name, newCursor, result.Inserted+result.Updated); err != nil {
		log.WithFields(log.Fields{"entity": entity.Name, "error": err}).Error("error advancing cursor")
		es.Status = models.StatusPartial
		return es
	}

	if es.Errors > 0 {
		es.Status = models.StatusPartial
	}
	return es
}

// fetch retrieves one entity's records: tasks go through the per-user month
// windows, everything else through a single incremental paramFilter query.
func (e *Engine) fetch(ctx context.Context, entity models.Entity, cursor string) ([]models.Record, error) {
	if entity.Name == "tasks" {
		return e.fetchTasks(ctx, entity, cursor)
	}

	var filter map[string]interface{}
	if entity.Incremental() && cursor != "" {
		filter = map[string]interface{}{
			entity.IncrementalField: map[string]interface{}{"$gt": cursor},
		}
	}

	return api.FetchAll(ctx, e.Session, entity.Endpoint, filter, entity.PageSize)
}

func (e *Engine) markError(ctx context.Context, entity models.Entity) {
	if err := e.Store.MarkCursorError(ctx, entity.Name); err != nil {
		log.WithFields(log.Fields{"entity": entity.Name, "error": err}).Error("error marking cursor")
	}
}

// maxFieldValue finds the maximum incremental-field value across the batch
// by lexicographic comparison, preserving the upstream's exact formatting.
// Empty when the field is unset or absent from every record.
func maxFieldValue(records []models.Record, field string) string {
	if field == "" {
		return ""
	}

	max := ""
	for _, record := range records {
		value, ok := record[field]
		if !ok || value == nil {
			continue
		}
		s, ok := value.(string)
		if !ok {
			s = fmt.Sprintf("%v", value)
		}
		if s > max {
			max = s
		}
	}
	return max
}
