package solarlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seen struct {
	method string
	path   string
	query  string
	apiKey string
	bearer string
	body   map[string]any
}

func newFake(t *testing.T, status int, reply any) (*httptest.Server, *seen) {
	t.Helper()
	s := &seen{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.method = r.Method
		s.path = r.URL.Path
		s.query = r.URL.RawQuery
		s.apiKey = r.Header.Get("X-Api-Key")
		s.bearer = r.Header.Get("Authorization")
		s.body = nil
		_ = json.NewDecoder(r.Body).Decode(&s.body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if reply != nil {
			_ = json.NewEncoder(w).Encode(reply)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, s
}

func TestSyncDryRun(t *testing.T) {
	srv, s := newFake(t, http.StatusOK, map[string]any{
		"project_id": "site 1",
		"dry_run":    true,
		"synced":     []string{"project_created"},
		"changes":    []map[string]any{{"code": "project_created", "from": false, "to": true, "provenance": "derived"}},
		"progress":   map[string]any{"admin_progress": 8.33, "overall_progress": 4.17},
	})
	c := New(srv.URL, "site 1")
	c.APIKey = "slk_test"

	res, err := c.Sync(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, s.method)
	assert.Equal(t, "/v1/projects/site 1/sync", s.path)
	assert.Equal(t, "dry_run=true", s.query)
	assert.Equal(t, "slk_test", s.apiKey)
	assert.True(t, res.DryRun)
	require.Len(t, res.Changes, 1)
	assert.Equal(t, "project_created", res.Changes[0].Code)
	assert.InDelta(t, 8.33, res.Progress.AdminProgress, 0.001)
}

func TestBearerTokenWinsOverAPIKey(t *testing.T) {
	srv, s := newFake(t, http.StatusOK, map[string]any{"overall_progress": 50})
	c := New(srv.URL, "p1")
	c.APIKey = "slk_test"
	c.BearerToken = "tok"

	p, err := c.Progress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", s.bearer)
	assert.Empty(t, s.apiKey)
	assert.Equal(t, "/v1/projects/p1/progress", s.path)
	assert.InDelta(t, 50.0, p.OverallProgress, 0.001)
}

func TestRecordManualSendsCompletion(t *testing.T) {
	srv, s := newFake(t, http.StatusOK, map[string]any{
		"state":  map[string]any{"code": "eng_installation", "is_completed": true, "provenance": "manual"},
		"change": map[string]any{"code": "eng_installation", "from": false, "to": true, "provenance": "manual"},
	})
	c := New(srv.URL, "p1")

	res, err := c.RecordManual(context.Background(), "eng_installation", true, "crew signed off")
	require.NoError(t, err)
	assert.Equal(t, "/v1/projects/p1/milestones/eng_installation/manual", s.path)
	assert.Equal(t, true, s.body["completed"])
	assert.Equal(t, "crew signed off", s.body["note"])
	require.NotNil(t, res.Change)
	assert.True(t, res.State.IsCompleted)
}

func TestPutDocumentAndDelete(t *testing.T) {
	srv, s := newFake(t, http.StatusOK, map[string]any{"id": "d1", "project_id": "p1", "is_current": true})
	c := New(srv.URL, "p1")
	code := "PERMIT"

	doc, err := c.PutDocument(context.Background(), "d1", DocumentInput{TypeCode: &code, AttachedFileCount: 1})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, s.method)
	assert.Equal(t, "/v1/projects/p1/documents/d1", s.path)
	assert.Equal(t, "PERMIT", s.body["type_code"])
	assert.Equal(t, "d1", doc.ID)

	del, ds := newFake(t, http.StatusNoContent, nil)
	c.BaseURL = del.URL
	require.NoError(t, c.DeleteDocument(context.Background(), "d1"))
	assert.Equal(t, http.MethodDelete, ds.method)
}

func TestEventsPageQuery(t *testing.T) {
	srv, s := newFake(t, http.StatusOK, map[string]any{
		"items":       []map[string]any{{"id": 7, "type": "milestone.derived", "entity_kind": "milestone"}},
		"next_cursor": "7",
	})
	c := New(srv.URL, "p1")

	page, err := c.EventsPage(context.Background(), 1, "9")
	require.NoError(t, err)
	assert.Equal(t, "cursor=9&limit=1", s.query)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "7", page.NextCursor)
}

func TestSyncAllUsesRootPath(t *testing.T) {
	srv, s := newFake(t, http.StatusOK, map[string]any{
		"items": []map[string]any{{"project_id": "p1"}, {"project_id": "p2", "error": "boom"}},
	})
	c := New(srv.URL, "")
	c.BasePath = ""

	items, err := c.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/sync", s.path)
	require.Len(t, items, 2)
	assert.Equal(t, "boom", items[1].Error)
}

func TestAPIErrorCarriesStatus(t *testing.T) {
	srv, _ := newFake(t, http.StatusNotFound, map[string]any{"error": map[string]any{"code": "unknown_milestone"}})
	c := New(srv.URL, "p1")

	_, err := c.RecordManual(context.Background(), "nope", true, "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "unknown_milestone")
}
