package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"nuha.dev/fleettrack/internal/ingest"
	"nuha.dev/fleettrack/internal/store"
	"nuha.dev/fleettrack/internal/store/impl/memstore"
)

func seedState(t *testing.T, st *memstore.Store, lat, lon float64) {
	t.Helper()
	st.AddVehicle(&store.Vehicle{Id: "v1", Code: "V1", GpsId: "68133", Active: true})
	_, _, err := st.SavePosition(context.Background(),
		&store.Position{VehicleId: "v1", DeviceId: "68133", GPSTime: time.Now().UTC(), ReportTime: time.Now().UTC(), Lat: lat, Lon: lon},
		&store.VehicleState{VehicleId: "v1", Lat: lat, Lon: lon, ConnStatus: store.StatusConnected, GPSTime: time.Now().UTC(), ReportTime: time.Now().UTC()})
	if err != nil {
		t.Fatal(err)
	}
}

func TestHandleWritesAddress(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		if r.URL.Query().Get("format") != "jsonv2" {
			t.Errorf("query %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"display_name":"Av. Corrientes 1234, Buenos Aires"}`))
	}))
	defer srv.Close()

	st := memstore.NewStore()
	seedState(t, st, -34.594233, -58.383200)
	g := New(srv.URL, st)

	ev := ingest.StateEvent{
		Vehicle: &store.Vehicle{Id: "v1"},
		State:   &store.VehicleState{VehicleId: "v1", Lat: -34.594233, Lon: -58.383200},
	}
	g.handle(context.Background(), ev)
	s, _ := st.LastState(context.Background(), "v1")
	if s.Address != "Av. Corrientes 1234, Buenos Aires" {
		t.Errorf("address %q", s.Address)
	}

	// same position again: suppressed
	g.handle(context.Background(), ev)
	if atomic.LoadInt64(&calls) != 1 {
		t.Errorf("lookup ran %d times", calls)
	}

	// a real move breaks suppression
	moved := ingest.StateEvent{
		Vehicle: &store.Vehicle{Id: "v1"},
		State:   &store.VehicleState{VehicleId: "v1", Lat: -34.60, Lon: -58.39},
	}
	g.handle(context.Background(), moved)
	if atomic.LoadInt64(&calls) != 2 {
		t.Errorf("lookup ran %d times after move", calls)
	}
}

func TestLookupFailureLeavesState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	st := memstore.NewStore()
	seedState(t, st, -34.59, -58.38)
	g := New(srv.URL, st)
	g.handle(context.Background(), ingest.StateEvent{
		Vehicle: &store.Vehicle{Id: "v1"},
		State:   &store.VehicleState{VehicleId: "v1", Lat: -34.59, Lon: -58.38},
	})
	s, _ := st.LastState(context.Background(), "v1")
	if s.Address != "" {
		t.Errorf("address %q", s.Address)
	}
	// failures must not poison the cache
	if !g.shouldLookup("v1", -34.59, -58.38) {
		t.Error("failed lookup was cached")
	}
}
