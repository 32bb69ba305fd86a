package personal

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"nuha.dev/fleettrack/internal/gps/codec"
)

const record = "0102076668133170924083015-34.594233-058.383200214900000000L00000000"

func TestFrame(t *testing.T) {
	c := &Personal{}
	wire := []byte("(" + record + ")")
	payload, n, err := c.Frame(wire)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(wire) {
		t.Errorf("consumed %d of %d", n, len(wire))
	}
	if string(payload) != record {
		t.Errorf("payload %q", payload)
	}
	_, _, err = c.Frame([]byte("(010"))
	if err != codec.ErrNeedMore {
		t.Errorf("short frame: %v", err)
	}
	_, _, err = c.Frame([]byte("x" + record + ")"))
	if err != codec.ErrMalformed {
		t.Errorf("bad marker: %v", err)
	}
	broken := []byte("(" + record + "x")
	_, _, err = c.Frame(broken)
	if err != codec.ErrMalformed {
		t.Errorf("bad trailer: %v", err)
	}
}

func TestDecode(t *testing.T) {
	c := &Personal{}
	fix, err := c.Decode([]byte(record))
	if err != nil {
		t.Fatal(err)
	}
	if fix.RawID != "2076668133" || fix.IMEI != "68133" {
		t.Errorf("identity: %q %q", fix.RawID, fix.IMEI)
	}
	want := time.Date(2024, 9, 17, 8, 30, 15, 0, time.UTC)
	if !fix.GPSTime.Equal(want) {
		t.Errorf("gps time %v", fix.GPSTime)
	}
	if math.Abs(fix.Lat-(-34.594233)) > 1e-9 {
		t.Errorf("lat %f", fix.Lat)
	}
	if math.Abs(fix.Lon-(-58.383200)) > 1e-9 {
		t.Errorf("lon %f", fix.Lon)
	}
	if fix.SpeedKmh != 4 {
		t.Errorf("speed %d", fix.SpeedKmh)
	}
	if fix.Heading != 149 {
		t.Errorf("heading %d", fix.Heading)
	}
	if fix.Event != "L" {
		t.Errorf("event %q", fix.Event)
	}
}

func TestDecodeNoFix(t *testing.T) {
	c := &Personal{}
	zero := record[:offLat] + "+00.000000" + "+000.000000" + record[offSpeed:]
	_, err := c.Decode([]byte(zero))
	var rej *codec.RejectError
	if !errors.As(err, &rej) || rej.Reason != codec.RejectNoGPSFix {
		t.Errorf("got %v", err)
	}
}

func TestDecodeUnknownSubtype(t *testing.T) {
	c := &Personal{}
	bad := "ABC" + record[3:]
	_, err := c.Decode([]byte(bad))
	var rej *codec.RejectError
	if !errors.As(err, &rej) || rej.Reason != codec.RejectUnknownSubtype {
		t.Errorf("got %v", err)
	}
}

func TestAckOnReject(t *testing.T) {
	c := &Personal{}
	if !c.AckOnReject() {
		t.Fatal("this family answers every frame")
	}
	zero := record[:offLat] + "+00.000000" + "+000.000000" + record[offSpeed:]
	ack := string(c.Ack([]byte(zero), nil))
	if !strings.HasPrefix(ack, ">RGP") || !strings.HasSuffix(ack, "<") {
		t.Fatalf("malformed ack %q", ack)
	}
	if !strings.Contains(ack, "ID=68133") {
		t.Errorf("ack lost the device identity: %q", ack)
	}
}

func TestAckOnDecode(t *testing.T) {
	c := &Personal{}
	fix, err := c.Decode([]byte(record))
	if err != nil {
		t.Fatal(err)
	}
	ack := string(c.Ack([]byte(record), fix))
	if !strings.Contains(ack, "ID=68133") || !strings.Contains(ack, ";&L;") {
		t.Errorf("ack %q", ack)
	}
}
