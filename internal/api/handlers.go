package api

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mlipin/skytrack/internal/config"
	"github.com/mlipin/skytrack/internal/physics"
	"github.com/mlipin/skytrack/internal/source"
	"github.com/mlipin/skytrack/internal/storage/sqlite"
	"github.com/mlipin/skytrack/internal/track"
	"github.com/mlipin/skytrack/internal/websocket"
	"github.com/mlipin/skytrack/pkg/logger"
)

// Handler contains the API handlers
type Handler struct {
	trackService *track.Service
	aggregator   *source.Aggregator
	eventStorage *sqlite.EventStorage
	config       *config.Config
	logger       *logger.Logger
	wsServer     *websocket.Server
}

// NewHandler creates a new API handler
func NewHandler(trackService *track.Service, aggregator *source.Aggregator, eventStorage *sqlite.EventStorage, config *config.Config, logger *logger.Logger, wsServer *websocket.Server) *Handler {
	return &Handler{
		trackService: trackService,
		aggregator:   aggregator,
		eventStorage: eventStorage,
		config:       config,
		logger:       logger.Named("api-handler"),
		wsServer:     wsServer,
	}
}

// AircraftCounts breaks the live picture down by surface/airborne.
type AircraftCounts struct {
	Surface    int `json:"surface"`
	Airborne   int `json:"airborne"`
	NoPosition int `json:"no_position"`
}

// AircraftResponse is the payload for the aircraft list endpoint.
type AircraftResponse struct {
	Timestamp time.Time         `json:"timestamp"`
	Count     int               `json:"count"`
	Counts    AircraftCounts    `json:"counts"`
	Aircraft  []*track.Aircraft `json:"aircraft"`
}

// GetAllAircraft returns all live aircraft, optionally filtered by query
// parameters: callsign (substring), surface (true/false), last_seen_minutes.
func (h *Handler) GetAllAircraft(w http.ResponseWriter, r *http.Request) {
	aircraft := h.trackService.Aircraft()

	// Filter by callsign if provided
	if callsign := r.URL.Query().Get("callsign"); callsign != "" {
		filtered := make([]*track.Aircraft, 0)
		for _, a := range aircraft {
			if strings.Contains(strings.ToUpper(a.Callsign), strings.ToUpper(callsign)) {
				filtered = append(filtered, a)
			}
		}
		aircraft = filtered
	}

	// Filter by surface/airborne if provided; aircraft without a resolved
	// position match neither.
	if surfaceStr := r.URL.Query().Get("surface"); surfaceStr != "" {
		wantSurface := surfaceStr == "true"
		filtered := make([]*track.Aircraft, 0)
		for _, a := range aircraft {
			if a.Position != nil && a.Position.Surface == wantSurface {
				filtered = append(filtered, a)
			}
		}
		aircraft = filtered
	}

	// Filter by last seen time if provided
	if minutesStr := r.URL.Query().Get("last_seen_minutes"); minutesStr != "" {
		if minutes, err := strconv.Atoi(minutesStr); err == nil && minutes > 0 {
			cutoff := time.Now().UTC().Add(-time.Duration(minutes) * time.Minute)
			filtered := make([]*track.Aircraft, 0)
			for _, a := range aircraft {
				if a.LastSeen.After(cutoff) {
					filtered = append(filtered, a)
				}
			}
			aircraft = filtered
		}
	}

	sort.Slice(aircraft, func(i, j int) bool {
		return aircraft[i].ICAO < aircraft[j].ICAO
	})

	var counts AircraftCounts
	for _, a := range aircraft {
		switch {
		case a.Position == nil:
			counts.NoPosition++
		case a.Position.Surface:
			counts.Surface++
		default:
			counts.Airborne++
		}
	}

	WriteJSON(w, http.StatusOK, AircraftResponse{
		Timestamp: time.Now().UTC(),
		Count:     len(aircraft),
		Counts:    counts,
		Aircraft:  aircraft,
	})
}

// aircraftDetail adds the station-relative distance to the aircraft state.
type aircraftDetail struct {
	*track.Aircraft
	StationDistanceNM *float64 `json:"station_distance_nm,omitempty"`
}

// GetAircraftByICAO returns one aircraft by its ICAO hex address.
func (h *Handler) GetAircraftByICAO(w http.ResponseWriter, r *http.Request) {
	icao := strings.ToLower(chi.URLParam(r, "icao"))
	if icao == "" {
		http.Error(w, "Missing ICAO address", http.StatusBadRequest)
		return
	}

	aircraft, found := h.trackService.AircraftByICAO(icao)
	if !found {
		http.Error(w, "Aircraft not found", http.StatusNotFound)
		return
	}

	detail := aircraftDetail{Aircraft: aircraft}
	if aircraft.Position != nil && h.config.HasReference() {
		distNM := physics.DistanceNM(aircraft.Position.Lat, aircraft.Position.Lon,
			h.config.Station.Latitude, h.config.Station.Longitude)
		distNM = math.Round(distNM*10) / 10
		detail.StationDistanceNM = &distNM
	}

	WriteJSON(w, http.StatusOK, detail)
}

// StatsResponse combines pipeline and ingest statistics.
type StatsResponse struct {
	Timestamp time.Time       `json:"timestamp"`
	Pipeline  track.Stats     `json:"pipeline"`
	Sources   []source.Health `json:"sources"`
	WSClients int             `json:"ws_clients"`
}

// GetStats returns the current observability snapshot.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, StatsResponse{
		Timestamp: time.Now().UTC(),
		Pipeline:  h.trackService.StatsSnapshot(),
		Sources:   h.aggregator.SourceHealth(),
		WSClients: h.wsServer.ClientCount(),
	})
}

// GetSources returns per-source connection health.
func (h *Handler) GetSources(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"sources":   h.aggregator.SourceHealth(),
	})
}

// GetEvents returns recent journal events (conflicts and source transitions),
// newest first. The limit query parameter is capped by the configured maximum.
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	limit := h.config.Storage.MaxEventsAPI
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed < limit {
			limit = parsed
		}
	}

	events, err := h.eventStorage.RecentEvents(limit)
	if err != nil {
		h.logger.Error("Failed to read events", logger.Error(err))
		http.Error(w, "Failed to read events", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"count":     len(events),
		"events":    events,
	})
}

// ForceCleanup runs an immediate expiry and eviction pass.
func (h *Handler) ForceCleanup(w http.ResponseWriter, r *http.Request) {
	expired, evicted := h.trackService.ForceCleanup()
	h.logger.Info("Manual cleanup triggered",
		logger.Int("expired", expired),
		logger.Int("evicted", evicted))

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"expired": expired,
		"evicted": evicted,
	})
}

// HandleWebSocket upgrades the connection and hands it to the hub.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsServer.HandleConnection(w, r)
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
