// Package geocode resolves street addresses for fresh vehicle states.
// It runs as a bus handler behind the ingest dispatcher so lookups
// never touch the session hot path.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nuha.dev/fleettrack/internal/ingest"
	"nuha.dev/fleettrack/internal/store"
)

const (
	// suppressAge skips a new lookup while the cached address is
	// younger than this.
	suppressAge = 24 * time.Hour
	// suppressDeg skips a lookup while the vehicle moved less than
	// this in both axes (about 11 meters at the equator).
	suppressDeg = 1e-4

	requestTimeout = 5 * time.Second
)

type cacheEntry struct {
	lat, lon float64
	at       time.Time
}

// Geocoder reverse-geocodes state updates against a nominatim style
// endpoint and writes the result back through the store.
type Geocoder struct {
	baseURL string
	hc      *http.Client
	st      store.FleetStore
	logger  zerolog.Logger

	mu   sync.Mutex
	seen map[string]cacheEntry
}

func New(baseURL string, st store.FleetStore) *Geocoder {
	g := &Geocoder{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: requestTimeout},
		st:      st,
		seen:    make(map[string]cacheEntry),
	}
	g.logger = log.With().Str("module", "geocode").Logger()
	return g
}

// Handler returns the bus handler to register on the dispatcher.
func (g *Geocoder) Handler() bus.Handler {
	return bus.Handler{
		Handle: func(ctx context.Context, e bus.Event) {
			ev, ok := e.Data.(ingest.StateEvent)
			if !ok || ev.Vehicle == nil || ev.State == nil {
				return
			}
			g.handle(ctx, ev)
		},
		Matcher: "^" + ingest.TopicStateUpdated + "$",
	}
}

func (g *Geocoder) handle(ctx context.Context, ev ingest.StateEvent) {
	if !g.shouldLookup(ev.Vehicle.Id, ev.State.Lat, ev.State.Lon) {
		return
	}
	addr, err := g.Lookup(ctx, ev.State.Lat, ev.State.Lon)
	if err != nil {
		g.logger.Warn().Err(err).Str("vehicle", ev.Vehicle.Id).Msg("geocode_failed")
		return
	}
	if addr == "" {
		return
	}
	if err := g.st.SetStateAddress(ctx, ev.Vehicle.Id, addr); err != nil {
		g.logger.Warn().Err(err).Str("vehicle", ev.Vehicle.Id).Msg("geocode store update failed")
		return
	}
	g.remember(ev.Vehicle.Id, ev.State.Lat, ev.State.Lon)
}

func (g *Geocoder) shouldLookup(vehicleId string, lat, lon float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.seen[vehicleId]
	if !ok {
		return true
	}
	if time.Since(e.at) > suppressAge {
		return true
	}
	return math.Abs(e.lat-lat) > suppressDeg || math.Abs(e.lon-lon) > suppressDeg
}

func (g *Geocoder) remember(vehicleId string, lat, lon float64) {
	g.mu.Lock()
	g.seen[vehicleId] = cacheEntry{lat: lat, lon: lon, at: time.Now()}
	g.mu.Unlock()
}

type reverseResponse struct {
	DisplayName string `json:"display_name"`
}

// Lookup queries the reverse endpoint once, without the suppression
// cache. Exposed for the control plane.
func (g *Geocoder) Lookup(ctx context.Context, lat, lon float64) (string, error) {
	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%.6f", lat))
	q.Set("lon", fmt.Sprintf("%.6f", lon))
	q.Set("format", "jsonv2")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "fleettrack/1.0")
	resp, err := g.hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("reverse geocode status %d", resp.StatusCode)
	}
	var rr reverseResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return "", err
	}
	return rr.DisplayName, nil
}
