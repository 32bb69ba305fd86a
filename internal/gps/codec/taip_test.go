package codec

import (
	"strings"
	"testing"
	"time"
)

func xorOK(t *testing.T, ack string) {
	t.Helper()
	star := strings.LastIndexByte(ack, '*')
	if star < 0 || ack[len(ack)-1] != '<' {
		t.Fatalf("malformed reply %q", ack)
	}
	var sum byte
	for i := 0; i <= star; i++ {
		sum ^= ack[i]
	}
	const digits = "0123456789ABCDEF"
	want := string([]byte{digits[sum>>4], digits[sum&0xf]})
	if got := ack[star+1 : len(ack)-1]; got != want {
		t.Errorf("checksum %s, want %s", got, want)
	}
}

func TestBuildRGP(t *testing.T) {
	fix := &Fix{
		IMEI:     "56789",
		RawID:    "0123456789",
		GPSTime:  time.Date(2024, 9, 17, 8, 30, 15, 0, time.UTC),
		Lat:      -34.594233,
		Lon:      -58.383200,
		SpeedKmh: 50,
		Heading:  214,
		Seq:      42,
		HasSeq:   true,
		Event:    "L",
	}
	ack := string(BuildRGP(fix))
	if !strings.HasPrefix(ack, ">RGP170924083015") {
		t.Errorf("timestamp block wrong: %q", ack)
	}
	if !strings.Contains(ack, "-34.594233-058.383200") {
		t.Errorf("coordinates wrong: %q", ack)
	}
	if !strings.Contains(ack, ";&L;ID=56789;#0042*") {
		t.Errorf("trailer wrong: %q", ack)
	}
	xorOK(t, ack)
}

func TestBuildRGPNoFix(t *testing.T) {
	ack := string(BuildRGP(&Fix{RawID: "0123456789"}))
	if !strings.HasPrefix(ack, ">RGP000000000000") {
		t.Errorf("zero timestamp expected: %q", ack)
	}
	if !strings.Contains(ack, ";ID=0123456789;") {
		t.Errorf("raw id fallback missing: %q", ack)
	}
	xorOK(t, ack)
}
