package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retrosd/retrosd/internal/catalogdb"
)

func newTestDB(t *testing.T) *catalogdb.DB {
	t.Helper()
	db, err := catalogdb.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestHandleSearchReturnsResults(t *testing.T) {
	db := newTestDB(t)
	id, err := db.UpsertRemoteRom(nil, "GB", "no-intro", "Pokemon Red (USA).gb", 1024, nil)
	require.NoError(t, err)
	require.NoError(t, db.UpsertMetadata(nil, catalogdb.Metadata{RemoteRomID: id, Title: "Pokemon Red"}))

	srv := New(db, 0)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/search?q=pokemon", nil)
	srv.handleSearch(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body["total"])
}

func TestHandleSearchFiltersByLocalOnly(t *testing.T) {
	db := newTestDB(t)
	id, err := db.UpsertRemoteRom(nil, "GB", "no-intro", "Pokemon Red (USA).gb", 1024, nil)
	require.NoError(t, err)
	require.NoError(t, db.UpsertMetadata(nil, catalogdb.Metadata{RemoteRomID: id, Title: "Pokemon Red"}))

	srv := New(db, 0)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/search?q=pokemon&local_only=true", nil)
	srv.handleSearch(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.EqualValues(t, 0, body["total"])
}

func TestHandleStatsReportsPerSystemCounts(t *testing.T) {
	db := newTestDB(t)
	_, err := db.UpsertRemoteRom(nil, "GBA", "no-intro", "Metroid Fusion (USA).gba", 2048, nil)
	require.NoError(t, err)

	srv := New(db, 0)
	rr := httptest.NewRecorder()
	srv.handleStats(rr, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	var stats []catalogdb.SystemStats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	require.Len(t, stats, 1)
	assert.Equal(t, "GBA", stats[0].System)
	assert.Equal(t, 1, stats[0].RemoteCount)
}

func TestHandleSyncStateRequiresSystemAndSource(t *testing.T) {
	db := newTestDB(t)
	srv := New(db, 0)
	rr := httptest.NewRecorder()
	srv.handleSyncState(rr, httptest.NewRequest(http.MethodGet, "/api/sync-state", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleSyncStateNotFoundWhenNeverSynced(t *testing.T) {
	db := newTestDB(t)
	srv := New(db, 0)
	rr := httptest.NewRecorder()
	srv.handleSyncState(rr, httptest.NewRequest(http.MethodGet, "/api/sync-state?system=GB&source=no-intro", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
