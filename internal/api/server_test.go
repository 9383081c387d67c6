package api_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"duetrack/internal/api"
	"duetrack/internal/cache"
	"duetrack/internal/clock"
	"duetrack/internal/domain"
	"duetrack/internal/lifecycle"
	"duetrack/internal/queue"
	"duetrack/internal/store"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type counters struct{}

func (counters) Processed() int64 { return 7 }
func (counters) Failed() int64    { return 2 }

type fixture struct {
	srv   *httptest.Server
	queue *queue.Queue
	clock *clock.FakeClock
}

func newFixture(t *testing.T, opts api.Options) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", filepath.Join(t.TempDir(), "api.db")))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	require.NoError(t, queue.EnsureSchema(db))

	clk := clock.Fake(now)
	q := queue.New(lifecycle.DeadlineQueue, queue.NewSQLiteStore(db), clk)
	c := cache.New(cache.NewMemoryStore(128, time.Minute), time.Minute)
	svc := lifecycle.NewService(store.NewSQLiteStore(db), q, c, clk)

	srv := httptest.NewServer(api.NewServer(svc, c, opts))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, queue: q, clock: clk}
}

type reply struct {
	Message string          `json:"message"`
	Source  string          `json:"source"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (f *fixture) do(t *testing.T, method, path, owner, body string) (int, reply) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if owner != "" {
		req.Header.Set(api.OwnerHeader, owner)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out reply
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func (f *fixture) create(t *testing.T, owner, title string, lead time.Duration) domain.Task {
	t.Helper()
	code, out := f.do(t, http.MethodPost, "/tasks", owner,
		fmt.Sprintf(`{"title":%q,"deadline":%q}`, title, f.clock.Now().Add(lead).Format(time.RFC3339)))
	require.Equal(t, http.StatusCreated, code, out.Error)
	var task domain.Task
	require.NoError(t, json.Unmarshal(out.Data, &task))
	return task
}

func TestServer_RequiresOwner(t *testing.T) {
	f := newFixture(t, api.Options{})
	code, out := f.do(t, http.MethodGet, "/tasks", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Failed", out.Message)
}

func TestServer_CreateSchedulesDeadline(t *testing.T) {
	f := newFixture(t, api.Options{})
	task := f.create(t, "u1", "write report", 90*time.Second)

	assert.Equal(t, domain.StatusNew, task.Status)
	assert.Equal(t, "u1", task.OwnerID)
	_, ok, err := f.queue.Pending(context.Background(), task.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestServer_ListIsCachedUntilAWrite(t *testing.T) {
	f := newFixture(t, api.Options{})
	f.create(t, "u1", "first", time.Hour)

	code, out := f.do(t, http.MethodGet, "/tasks?sort=deadline", "u1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "db", out.Source)

	_, again := f.do(t, http.MethodGet, "/tasks?sort=deadline", "u1", "")
	assert.Equal(t, "cache", again.Source)
	assert.JSONEq(t, string(out.Data), string(again.Data))

	_, other := f.do(t, http.MethodGet, "/tasks?sort=deadline", "u2", "")
	assert.Equal(t, "db", other.Source)
	assert.JSONEq(t, `[]`, string(other.Data))

	f.create(t, "u1", "second", 2*time.Hour)
	_, fresh := f.do(t, http.MethodGet, "/tasks?sort=deadline", "u1", "")
	assert.Equal(t, "db", fresh.Source)
	var tasks []domain.Task
	require.NoError(t, json.Unmarshal(fresh.Data, &tasks))
	require.Len(t, tasks, 2)
	assert.Equal(t, "first", tasks[0].Title)
}

func TestServer_Stats(t *testing.T) {
	f := newFixture(t, api.Options{})
	a := f.create(t, "u1", "a", time.Hour)
	f.create(t, "u1", "b", time.Hour)
	code, _ := f.do(t, http.MethodPost, "/tasks/"+a.ID+"/start", "u1", "")
	require.Equal(t, http.StatusOK, code)

	code, out := f.do(t, http.MethodGet, "/tasks/stats", "u1", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"NEW":1,"IN_PROGRESS":1}`, string(out.Data))
}

func TestServer_ValidationAndLookupErrors(t *testing.T) {
	f := newFixture(t, api.Options{})
	task := f.create(t, "u1", "mine", time.Hour)

	code, out := f.do(t, http.MethodPost, "/tasks", "u1",
		fmt.Sprintf(`{"title":"soon","deadline":%q}`, now.Add(30*time.Second).Format(time.RFC3339)))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, out.Error, "deadline")

	code, _ = f.do(t, http.MethodPost, "/tasks", "u2",
		fmt.Sprintf(`{"title":"mine","deadline":%q}`, now.Add(time.Hour).Format(time.RFC3339)))
	assert.Equal(t, http.StatusBadRequest, code, "titles are unique across owners")

	code, _ = f.do(t, http.MethodGet, "/tasks?status=DONE", "u1", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/tasks", "u1", `{"title":`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodGet, "/tasks/"+task.ID, "u2", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodDelete, "/tasks/"+task.ID, "u2", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServer_PatchEditsAndCompletes(t *testing.T) {
	f := newFixture(t, api.Options{})
	task := f.create(t, "u1", "report", time.Hour)

	newDeadline := now.Add(3 * time.Hour)
	code, out := f.do(t, http.MethodPatch, "/tasks/"+task.ID, "u1",
		fmt.Sprintf(`{"description":"q3","deadline":%q}`, newDeadline.Format(time.RFC3339)))
	require.Equal(t, http.StatusOK, code, out.Error)
	e, ok, err := f.queue.Pending(context.Background(), task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, newDeadline, e.FireAt)

	code, _ = f.do(t, http.MethodPatch, "/tasks/"+task.ID, "u1", `{"status":"COMPLETED","title":"x"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodPatch, "/tasks/"+task.ID, "u1", `{"status":"OVERDUE"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, out = f.do(t, http.MethodPatch, "/tasks/"+task.ID, "u1", `{"status":"COMPLETED"}`)
	require.Equal(t, http.StatusOK, code)
	var done domain.Task
	require.NoError(t, json.Unmarshal(out.Data, &done))
	assert.Equal(t, domain.StatusCompleted, done.Status)
	assert.Equal(t, "q3", done.Description)
	_, ok, err = f.queue.Pending(context.Background(), task.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	code, out = f.do(t, http.MethodPost, "/tasks/"+task.ID+"/complete", "u1", "")
	assert.Equal(t, http.StatusBadRequest, code, "a completed task cannot be completed again")
	assert.Contains(t, out.Error, "already completed")
	code, _ = f.do(t, http.MethodPost, "/tasks/"+task.ID+"/start", "u1", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodDelete, "/tasks/"+task.ID, "u1", "")
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = f.do(t, http.MethodGet, "/tasks/"+task.ID, "u1", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	var down atomic.Bool
	f := newFixture(t, api.Options{
		Workers: counters{},
		Checks: map[string]func(context.Context) error{
			"redis": func(context.Context) error {
				if down.Load() {
					return errors.New("down")
				}
				return nil
			},
		},
	})

	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down.Store(true)
	resp, err = http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "duetrack_entries_processed_total 7")
	assert.Contains(t, string(body), "duetrack_entries_failed_total 2")
}
