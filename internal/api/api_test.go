package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlipin/skytrack/internal/config"
	"github.com/mlipin/skytrack/internal/cpr"
	"github.com/mlipin/skytrack/internal/source"
	"github.com/mlipin/skytrack/internal/storage/sqlite"
	"github.com/mlipin/skytrack/internal/track"
	"github.com/mlipin/skytrack/internal/websocket"
	"github.com/mlipin/skytrack/internal/wire"
	"github.com/mlipin/skytrack/pkg/logger"
	"github.com/mlipin/skytrack/pkg/modes"
)

type stubAgg struct{}

func (stubAgg) Batches() <-chan []wire.Frame { return nil }
func (stubAgg) Stats() source.Stats          { return source.Stats{TotalSources: 1} }
func (stubAgg) ResetCounters()               {}

type fixture struct {
	store  *track.Store
	events *sqlite.EventStorage
	mux    http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.NewNop()

	store := track.NewStore(track.StoreConfig{}, log)
	resolver := cpr.NewResolver(cpr.Config{}, modes.NewDecoder(), log)
	svc := track.NewService(stubAgg{}, nil, resolver, store, nil, nil, nil, nil, track.ServiceConfig{}, log)

	events, err := sqlite.NewEventStorage(filepath.Join(t.TempDir(), "events.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { events.Close() })

	agg := source.NewAggregator(source.AggregatorConfig{}, nil, log)
	wsServer := websocket.NewServer(log)

	cfg := &config.Config{
		Station: config.StationConfig{Latitude: 52.258, Longitude: 3.918},
		Storage: config.StorageConfig{SQLitePath: ":memory:", MaxEventsAPI: 100},
	}

	router := NewRouter(svc, agg, events, cfg, log, wsServer)
	return &fixture{store: store, events: events, mux: router.Routes()}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func seedAircraft(store *track.Store) {
	now := time.Now().UTC()
	alt := 38000
	store.Merge(track.Update{
		ICAO:      "4840d6",
		Callsign:  "KLM1023",
		Timestamp: now,
		Position:  &track.Position{Lat: 52.2572, Lon: 3.9194, Timestamp: now},
	})
	store.Merge(track.Update{
		ICAO:       "40621d",
		AltitudeFt: &alt,
		Timestamp:  now,
		Position:   &track.Position{Lat: 51.99, Lon: 4.38, Surface: true, Timestamp: now},
	})
	store.Merge(track.Update{ICAO: "abc123", Callsign: "BAW99", Timestamp: now})
}

func TestGetAllAircraft(t *testing.T) {
	f := newFixture(t)
	seedAircraft(f.store)

	rec := f.get(t, "/api/v1/aircraft")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AircraftResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Count)
	assert.Equal(t, 1, resp.Counts.Airborne)
	assert.Equal(t, 1, resp.Counts.Surface)
	assert.Equal(t, 1, resp.Counts.NoPosition)

	// Sorted by ICAO.
	require.Len(t, resp.Aircraft, 3)
	assert.Equal(t, "40621d", resp.Aircraft[0].ICAO)
	assert.Equal(t, "4840d6", resp.Aircraft[1].ICAO)
	assert.Equal(t, "abc123", resp.Aircraft[2].ICAO)
}

func TestGetAllAircraftFilters(t *testing.T) {
	f := newFixture(t)
	seedAircraft(f.store)

	rec := f.get(t, "/api/v1/aircraft?callsign=klm")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp AircraftResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "KLM1023", resp.Aircraft[0].Callsign)

	rec = f.get(t, "/api/v1/aircraft?surface=true")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "40621d", resp.Aircraft[0].ICAO)

	rec = f.get(t, "/api/v1/aircraft?surface=false")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "4840d6", resp.Aircraft[0].ICAO)
}

func TestGetAircraftByICAO(t *testing.T) {
	f := newFixture(t)
	seedAircraft(f.store)

	rec := f.get(t, "/api/v1/aircraft/4840d6")
	require.Equal(t, http.StatusOK, rec.Code)

	var detail map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "4840d6", detail["icao"])
	assert.Equal(t, "KLM1023", detail["callsign"])
	// Station reference is configured, so the distance field is present.
	assert.Contains(t, detail, "station_distance_nm")
}

func TestGetAircraftByICAONotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/api/v1/aircraft/ffffff")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetStats(t *testing.T) {
	f := newFixture(t)
	seedAircraft(f.store)

	rec := f.get(t, "/api/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Pipeline.LiveAircraft)
	assert.Equal(t, 1, resp.Pipeline.TotalSources)
}

func TestGetEvents(t *testing.T) {
	f := newFixture(t)
	f.events.RecordSourceEvent("dump1090", "connected", time.Now().UTC())
	f.events.RecordConflict(track.Conflict{
		ICAO:      "4840d6",
		Kind:      track.ConflictPosition,
		Detail:    "moved 120.0 nm in 2.0 s",
		Timestamp: time.Now().UTC(),
	})

	rec := f.get(t, "/api/v1/events")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Count  int            `json:"count"`
		Events []sqlite.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "conflict", resp.Events[0].Type)
	assert.Equal(t, "source", resp.Events[1].Type)

	rec = f.get(t, "/api/v1/events?limit=1")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
}

func TestForceCleanup(t *testing.T) {
	f := newFixture(t)
	old := time.Now().UTC().Add(-time.Hour)
	f.store.Merge(track.Update{ICAO: "dead01", Timestamp: old})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/cleanup", nil)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp["expired"])
	assert.Equal(t, 0, f.store.Len())
}

func TestGetSources(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/api/v1/sources")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sources")
}
