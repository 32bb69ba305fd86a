package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"nuha.dev/fleettrack/internal/gps/codec"
	_ "nuha.dev/fleettrack/internal/gps/codec/tq"
	"nuha.dev/fleettrack/internal/gps/manager"
	"nuha.dev/fleettrack/internal/store/impl/memstore"
	"nuha.dev/fleettrack/internal/util"
)

type nopIngest struct{}

func (nopIngest) Ingest(ctx context.Context, fix *codec.Fix) error { return nil }

func newTestApi(t *testing.T, adminKey string) (*Api, *manager.Manager) {
	t.Helper()
	logRoot := t.TempDir()
	mgr := manager.New(memstore.NewStore(), nopIngest{}, manager.Config{LogRoot: logRoot, LogLevel: "error"})
	api := NewApi(mgr, &ApiConfig{
		ListenAddr:   ":0",
		AdminKeyHash: util.CryptPwd(adminKey),
		LogRoot:      logRoot,
		ReceiverHost: "127.0.0.1",
	})
	return api, mgr
}

func TestMonitoringOpen(t *testing.T) {
	api, mgr := newTestApi(t, "secret")
	if _, err := mgr.StartReceiver(context.Background(), "127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	defer mgr.StopAll()

	rec := httptest.NewRecorder()
	api.r.ServeHTTP(rec, httptest.NewRequest("GET", "/monitoring", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var snaps []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &snaps); err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 || snaps[0]["protocol"] != "tq" {
		t.Errorf("body %s", rec.Body.String())
	}
}

func TestAdminKeyRequired(t *testing.T) {
	api, _ := newTestApi(t, "secret")

	req := httptest.NewRequest("POST", "/func/Echo", strings.NewReader(`{"message":"hi"}`))
	rec := httptest.NewRecorder()
	api.r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status %d", rec.Code)
	}

	req = httptest.NewRequest("POST", "/func/Echo", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("X-Admin-Key", "wrong")
	rec = httptest.NewRecorder()
	api.r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status %d", rec.Code)
	}

	req = httptest.NewRequest("POST", "/func/Echo", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("X-Admin-Key", "secret")
	rec = httptest.NewRecorder()
	api.r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("good key: status %d", rec.Code)
	}
	var echo map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &echo); err != nil {
		t.Fatal(err)
	}
	if echo["message"] != "hi" {
		t.Errorf("echo %v", echo)
	}
}

func TestReceiverLifecycleOverHTTP(t *testing.T) {
	api, mgr := newTestApi(t, "secret")
	defer mgr.StopAll()

	call := func(name, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/func/"+name, strings.NewReader(body))
		req.Header.Set("X-Admin-Key", "secret")
		rec := httptest.NewRecorder()
		api.r.ServeHTTP(rec, req)
		return rec
	}

	rec := call("StartReceiver", `{"port":-5}`)
	if rec.Code != http.StatusBadRequest && !strings.Contains(rec.Body.String(), "invalid_port") {
		t.Errorf("negative port: %d %s", rec.Code, rec.Body.String())
	}

	rec = call("StopReceiver", `{"port":65000}`)
	var res map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res["error"] != "not_running" {
		t.Errorf("stop unknown port: %v", res)
	}

	rec = call("ListReceiverLogs", `{"port":0}`)
	if rec.Code != http.StatusOK {
		t.Errorf("list logs: %d %s", rec.Code, rec.Body.String())
	}

	rec = call("TailReceiverLog", `{"path":"/etc/passwd","lines":5}`)
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res["error"] != "not_found" {
		t.Errorf("path escape answered %v", res)
	}

	rec = call("NoSuchFunction", `{}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown function: %d", rec.Code)
	}
}
