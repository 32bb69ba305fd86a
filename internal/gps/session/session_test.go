package session

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/fleettrack/internal/gps/codec"
	"nuha.dev/fleettrack/internal/gps/codec/tq"
	"nuha.dev/fleettrack/internal/gps/conn"
	"nuha.dev/fleettrack/internal/gps/stat"
)

type mockIngest struct {
	mu           sync.Mutex
	fixes        []*codec.Fix
	disconnected []string
	got          chan *codec.Fix
}

func newMockIngest() *mockIngest {
	return &mockIngest{got: make(chan *codec.Fix, 16)}
}

func (m *mockIngest) Ingest(ctx context.Context, fix *codec.Fix) error {
	m.mu.Lock()
	m.fixes = append(m.fixes, fix)
	m.mu.Unlock()
	m.got <- fix
	return nil
}

func (m *mockIngest) Disconnected(ctx context.Context, imei string) {
	m.mu.Lock()
	m.disconnected = append(m.disconnected, imei)
	m.mu.Unlock()
}

func discardLogger() log.Logger {
	return log.Logger{Level: log.ErrorLevel, Writer: &log.IOWriter{Writer: io.Discard}}
}

func startSession(t *testing.T, ing Ingester, st *stat.Stats, cfg Config) (net.Conn, *Session) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	server, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	cdc, _ := codec.New("tq")
	s := NewSession(conn.NewConn(server, 1), cdc, ing, st, discardLogger(), cfg, nil)
	s.Run()
	return client, s
}

func testFrame(seq int) []byte {
	return tq.Encode(&codec.Fix{
		RawID:    "0123456789",
		GPSTime:  time.Now().UTC().Add(-time.Minute),
		Lat:      -34.594233,
		Lon:      -58.383200,
		SpeedKmh: 50,
		Heading:  214,
		Seq:      seq,
		HasSeq:   true,
	})
}

func TestFrameToFixAndAck(t *testing.T) {
	ing := newMockIngest()
	st := stat.NewStats()
	client, s := startSession(t, ing, st, Config{})
	defer client.Close()
	defer s.Shutdown()

	if _, err := client.Write(testFrame(1)); err != nil {
		t.Fatal(err)
	}
	select {
	case fix := <-ing.got:
		if fix.IMEI != "56789" || fix.Seq != 1 {
			t.Errorf("fix %+v", fix)
		}
		if fix.ReportTime.IsZero() {
			t.Error("report time not stamped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fix never reached ingest")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	ack := string(buf[:n])
	if !strings.HasPrefix(ack, ">RGP") || !strings.Contains(ack, "ID=56789") {
		t.Errorf("ack %q", ack)
	}
	snap := st.Snapshot()
	if snap.Frames != 1 || snap.Fixes != 1 {
		t.Errorf("counters %+v", snap)
	}
}

func TestResyncAfterGarbage(t *testing.T) {
	ing := newMockIngest()
	st := stat.NewStats()
	client, s := startSession(t, ing, st, Config{})
	defer client.Close()
	defer s.Shutdown()

	payload := append([]byte("@@@noise@@@"), testFrame(7)...)
	if _, err := client.Write(payload); err != nil {
		t.Fatal(err)
	}
	select {
	case fix := <-ing.got:
		if fix.Seq != 7 {
			t.Errorf("fix %+v", fix)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame behind garbage was lost")
	}
}

func TestRejectSilence(t *testing.T) {
	ing := newMockIngest()
	st := stat.NewStats()
	client, s := startSession(t, ing, st, Config{})
	defer client.Close()
	defer s.Shutdown()

	// zero coordinates: rejected, and the tq family gets no reply
	noFix := []byte("$$" + "0123456789" + "170924" + "083015" +
		"0000.000000" + "00000.000000" + "000" + "000" + "0001" + "\r\n")
	if _, err := client.Write(noFix); err != nil {
		t.Fatal(err)
	}
	client.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 64)
	if n, err := client.Read(buf); err == nil {
		t.Fatalf("unexpected reply %q", buf[:n])
	}
	snap := st.Snapshot()
	if snap.Rejects[codec.RejectNoGPSFix] != 1 {
		t.Errorf("rejects %+v", snap.Rejects)
	}
	ing.mu.Lock()
	parsed := len(ing.fixes)
	ing.mu.Unlock()
	if parsed != 0 {
		t.Error("rejected frame reached ingest")
	}
}

func TestIdleTimeout(t *testing.T) {
	ing := newMockIngest()
	st := stat.NewStats()
	client, s := startSession(t, ing, st, Config{IdleTimeout: 200 * time.Millisecond})
	defer client.Close()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle session never closed")
	}
}

func TestDisconnectCallback(t *testing.T) {
	ing := newMockIngest()
	st := stat.NewStats()
	client, s := startSession(t, ing, st, Config{})

	if _, err := client.Write(testFrame(1)); err != nil {
		t.Fatal(err)
	}
	<-ing.got
	client.Close()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close on peer close")
	}
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if len(ing.disconnected) != 1 || ing.disconnected[0] != "56789" {
		t.Errorf("disconnect callbacks %v", ing.disconnected)
	}
}
