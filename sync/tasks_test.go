package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldsync/models"
)

func tasksEntity() models.Entity {
	return models.Entity{Name: "tasks", Endpoint: "/tasks/", PrimaryKeyField: "taskID", PrimaryKeyType: "integer", IncrementalField: "lastUpdate", PageSize: 50}
}

func TestMonthWindows(t *testing.T) {
	start := time.Date(2025, time.March, 15, 9, 30, 0, 0, time.UTC)
	now := time.Date(2025, time.May, 10, 0, 0, 0, 0, time.UTC)

	windows := monthWindows(start, now)
	require.Len(t, windows, 3)

	assert.Equal(t, time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC), windows[0].start)
	assert.Equal(t, time.Date(2025, time.March, 31, 0, 0, 0, 0, time.UTC), windows[0].end)
	assert.Equal(t, time.Date(2025, time.April, 30, 0, 0, 0, 0, time.UTC), windows[1].end)
	assert.Equal(t, time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC), windows[2].start)
	assert.Equal(t, time.Date(2025, time.May, 31, 0, 0, 0, 0, time.UTC), windows[2].end)
}

func TestMonthWindowsSingleMonth(t *testing.T) {
	now := time.Date(2025, time.February, 5, 0, 0, 0, 0, time.UTC)
	windows := monthWindows(now, now)
	require.Len(t, windows, 1)
	assert.Equal(t, time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC), windows[0].end)
}

func TestWindowStart(t *testing.T) {
	want := time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, want, windowStart("2025-06-01 10:00:00", 0))
	assert.Equal(t, want, windowStart("2025-06-01T10:00:00", 0))
	assert.Equal(t, time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC), windowStart("2025-06-01", 0))

	// unparseable cursors fall back to the lookback window
	fallback := windowStart("not a date", 30*24*time.Hour)
	assert.WithinDuration(t, time.Now().Add(-30*24*time.Hour), fallback, time.Minute)
}

// The same task returned in several user/month windows must reach the upsert
// engine once, and every request must carry the windowed filter.
func TestFetchTasksDeduplicatesAcrossWindows(t *testing.T) {
	var mu sync.Mutex
	var filters []map[string]interface{}
	var pageSizes []string

	mux := http.NewServeMux()
	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		pageSizes = append(pageSizes, r.URL.Query().Get("pageSize"))
		var filter map[string]interface{}
		_ = json.Unmarshal([]byte(r.URL.Query().Get("paramFilter")), &filter)
		filters = append(filters, filter)
		mu.Unlock()

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"result": []interface{}{
				map[string]interface{}{"taskID": 5, "customerId": 9, "taskStatus": 3},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := newTestStore(t)
	ctx := context.Background()

	seedUsers := []models.Record{
		{"userId": 1, "name": "ana", "active": 1},
		{"userId": 2, "name": "bruno", "active": 1},
	}
	require.NoError(t, st.Reconcile(ctx, usersEntity(), seedUsers))
	_, err := st.Upsert(ctx, usersEntity(), seedUsers, 100)
	require.NoError(t, err)

	engine := newEngine(srv, st, tasksEntity())
	cursor := time.Now().AddDate(0, -1, 0).Format(timeLayout)

	tasks, err := engine.fetchTasks(ctx, tasksEntity(), cursor)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, json.Number("5"), tasks[0]["taskID"])

	// 2 users over the cursor month and the current month
	require.Len(t, filters, 4)
	for _, ps := range pageSizes {
		assert.Equal(t, "50", ps)
	}
	queried := make(map[float64]int)
	for _, filter := range filters {
		assert.Contains(t, filter, "startDate")
		assert.Contains(t, filter, "endDate")
		if id, ok := filter["userId"].(float64); ok {
			queried[id]++
		}
	}
	assert.Equal(t, map[float64]int{1: 2, 2: 2}, queried)
}

// Without a synced users table there is nothing to window over; the entity
// reports zero records instead of failing the run.
func TestFetchTasksWithoutUsersTable(t *testing.T) {
	st := newTestStore(t)
	srv := httptest.NewServer(http.NewServeMux())
	defer srv.Close()

	engine := newEngine(srv, st, tasksEntity())
	tasks, err := engine.fetchTasks(context.Background(), tasksEntity(), "")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

// End to end: users sync first, then tasks windows draw from the users table.
func TestRunUsersThenTasks(t *testing.T) {
	recent := time.Now().Add(-time.Hour).Format(timeLayout)

	mux := http.NewServeMux()
	mux.HandleFunc("/login/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{"authenticated": true, "accessToken": "tok"},
		})
	})
	mux.HandleFunc("/users/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"result": []interface{}{
				map[string]interface{}{"userId": 7, "name": "ana", "active": 1, "lastUpdate": recent},
			},
		})
	})
	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"result": []interface{}{
				map[string]interface{}{"taskID": 42, "userToID": 7, "lastUpdate": recent},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := newTestStore(t)
	engine := newEngine(srv, st, usersEntity(), tasksEntity())

	summary, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Entities, 2)
	assert.Equal(t, models.StatusSuccess, summary.Entities[0].Status)
	assert.Equal(t, models.StatusSuccess, summary.Entities[1].Status)

	var count int
	require.NoError(t, st.DB().QueryRow(`SELECT COUNT(*) FROM "tasks"`).Scan(&count))
	assert.Equal(t, 1, count)
}
