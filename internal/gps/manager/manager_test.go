package manager

import (
	"context"
	"errors"
	"testing"

	"nuha.dev/fleettrack/internal/gps/codec"
	_ "nuha.dev/fleettrack/internal/gps/codec/tq"
	"nuha.dev/fleettrack/internal/store"
	"nuha.dev/fleettrack/internal/store/impl/memstore"
)

type nopIngest struct{}

func (nopIngest) Ingest(ctx context.Context, fix *codec.Fix) error { return nil }

func newManager(t *testing.T) (*Manager, *memstore.Store) {
	t.Helper()
	st := memstore.NewStore()
	return New(st, nopIngest{}, Config{LogRoot: t.TempDir(), LogLevel: "error"}), st
}

func TestStartStopLifecycle(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()

	snap, err := m.StartReceiver(ctx, "127.0.0.1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Running || snap.Protocol != "tq" {
		t.Fatalf("snapshot %+v", snap)
	}
	if !m.IsRunning(0) {
		t.Error("receiver not tracked")
	}

	// starting an unknown port persisted a config for the next boot
	rc, err := st.ReceiverConfigByPort(ctx, 0)
	if err != nil || rc == nil || !rc.Active {
		t.Fatalf("config %+v err %v", rc, err)
	}

	if _, err := m.StartReceiver(ctx, "127.0.0.1", 0); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second start: %v", err)
	}

	stopped, err := m.StopReceiver(0)
	if err != nil {
		t.Fatal(err)
	}
	if stopped.Running || stopped.State != "stopped" {
		t.Errorf("stop snapshot %+v", stopped)
	}
	if m.IsRunning(0) {
		t.Error("receiver still tracked after stop")
	}
	if _, err := m.StopReceiver(0); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second stop: %v", err)
	}
}

func TestRestartAfterStop(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	if _, err := m.StartReceiver(ctx, "127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := m.StopReceiver(0); err != nil {
		t.Fatal(err)
	}
	if _, err := m.StartReceiver(ctx, "127.0.0.1", 0); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	defer m.StopAll()
	if len(m.RunningPorts()) != 1 {
		t.Errorf("ports %v", m.RunningPorts())
	}
}

func TestBootstrapIdempotent(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()
	st.CreateReceiverConfig(ctx, &store.ReceiverConfig{
		Port: 0, Transport: "tcp", Protocol: "tq", Active: true,
		MaxConnections: 10, MaxDevices: 10, TimeoutS: 30,
	})
	st.CreateReceiverConfig(ctx, &store.ReceiverConfig{
		Port: 1, Transport: "tcp", Protocol: "tq", Active: false,
		MaxConnections: 10, MaxDevices: 10, TimeoutS: 30,
	})

	if err := m.Bootstrap(ctx, "127.0.0.1"); err != nil {
		t.Fatal(err)
	}
	defer m.StopAll()
	if got := m.RunningPorts(); len(got) != 1 {
		t.Fatalf("running %v", got)
	}
	// a second bootstrap must not double-start or fail
	if err := m.Bootstrap(ctx, "127.0.0.1"); err != nil {
		t.Fatal(err)
	}
	if got := m.RunningPorts(); len(got) != 1 {
		t.Errorf("after rerun: %v", got)
	}
}

func TestGetAllSorted(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	if _, err := m.StartReceiver(ctx, "127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	defer m.StopAll()
	all := m.GetAll()
	if len(all) != 1 || all[0].Protocol != "tq" {
		t.Errorf("GetAll %+v", all)
	}
	if _, err := m.GetStats(12345); !errors.Is(err, ErrNotRunning) {
		t.Errorf("stats for unknown port: %v", err)
	}
}
