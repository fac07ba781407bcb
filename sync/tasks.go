package sync

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"fieldsync/api"
	"fieldsync/models"
)

// The upstream task search cannot be filtered by a global incremental bound
// in every deployment, so tasks are fetched by iterating known user IDs over
// calendar-month windows and merging the results. This is a documented
// necessity of the upstream API, not a general pattern.

type monthWindow struct {
	start time.Time
	end   time.Time
}

// fetchTasks retrieves tasks for every known user across month windows from
// the cursor's month through the current month, deduplicating by the task
// primary key before the records reach the upsert engine.
func (e *Engine) fetchTasks(ctx context.Context, entity models.Entity, cursor string) ([]models.Record, error) {
	userIDs, err := e.userIDs(ctx)
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Warn("no users available for task windows, sync users first")
		return nil, nil
	}

	windows := monthWindows(windowStart(cursor, e.Lookback), time.Now())
	log.WithFields(log.Fields{"users": len(userIDs), "windows": len(windows)}).Info("fetching tasks by user and month")

	var tasks []models.Record
	seen := make(map[string]bool)

	for _, userID := range userIDs {
		for _, window := range windows {
			if err := ctx.Err(); err != nil {
				return tasks, err
			}

			filter := map[string]interface{}{
				"userId":    userID,
				"startDate": window.start.Format("2006-01-02T00:00:00"),
				"endDate":   window.end.Format("2006-01-02T23:59:59"),
			}

			records, err := api.FetchAll(ctx, e.Session, entity.Endpoint, filter, entity.PageSize)
			if err != nil {
				return tasks, err
			}

			for _, record := range records {
				pk, ok := record[entity.PrimaryKeyField]
				if !ok || pk == nil {
					// kept so the upsert engine counts it as a record error
					tasks = append(tasks, record)
					continue
				}
				key := fmt.Sprintf("%v", pk)
				if seen[key] {
					continue
				}
				seen[key] = true
				tasks = append(tasks, record)
			}
		}
	}

	return tasks, nil
}

// userIDs lists users from the already-synced users table, preferring active
// ones and falling back to all when the active column is not present yet.
func (e *Engine) userIDs(ctx context.Context) ([]int64, error) {
	userID := e.Store.Quote("userId")
	users := e.Store.Quote("users")

	ids, err := e.queryUserIDs(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE %s = 1", userID, users, e.Store.Quote("active")))
	if err != nil || len(ids) == 0 {
		ids, err = e.queryUserIDs(ctx, fmt.Sprintf("SELECT %s FROM %s", userID, users))
	}
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("users table is empty")
	}
	return ids, nil
}

func (e *Engine) queryUserIDs(ctx context.Context, query string) ([]int64, error) {
	rows, err := e.Store.DB().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// windowStart derives the first month to scan from the task cursor, falling
// back to the configured lookback when the cursor is absent or unparseable.
func windowStart(cursor string, lookback time.Duration) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, cursor); err == nil {
			return t
		}
	}
	return time.Now().Add(-lookback)
}

// monthWindows returns the calendar-month windows covering [start, now].
func monthWindows(start, now time.Time) []monthWindow {
	var windows []monthWindow

	first := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !first.After(now) {
		last := first.AddDate(0, 1, -1)
		windows = append(windows, monthWindow{start: first, end: last})
		first = first.AddDate(0, 1, 0)
	}

	return windows
}
