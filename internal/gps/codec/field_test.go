package codec

import (
	"math"
	"testing"
	"time"
)

func TestDegrees(t *testing.T) {
	got, err := Degrees("34", "35.653980")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-34.594233) > 1e-6 {
		t.Errorf("got %f", got)
	}
	if _, err := Degrees("3x", "35.653980"); err == nil {
		t.Error("bad degrees accepted")
	}
	if _, err := Degrees("34", "bad"); err == nil {
		t.Error("bad minutes accepted")
	}
}

func TestParseDateTime(t *testing.T) {
	got, err := ParseDateTime("170924", "083015")
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 9, 17, 8, 30, 15, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v", got)
	}
	if _, err := ParseDateTime("1709", "083015"); err == nil {
		t.Error("short date accepted")
	}
}

func TestKnotsToKmh(t *testing.T) {
	if got := KnotsToKmh(2); got != 4 {
		t.Errorf("2 kn -> %d", got)
	}
	if got := KnotsToKmh(0); got != 0 {
		t.Errorf("0 kn -> %d", got)
	}
	if got := KnotsToKmh(27); got != 50 {
		t.Errorf("27 kn -> %d", got)
	}
}

func TestAllDigits(t *testing.T) {
	if !AllDigits("0123456789") || AllDigits("12a4") || AllDigits("") {
		t.Error()
	}
}

func TestRegistry(t *testing.T) {
	Register("fieldtest", func() Codec { return nil })
	if _, ok := New("fieldtest"); !ok {
		t.Error("registered codec not found")
	}
	if _, ok := New("no-such-codec"); ok {
		t.Error("unknown codec found")
	}
	found := false
	for _, n := range Names() {
		if n == "fieldtest" {
			found = true
		}
	}
	if !found {
		t.Error("Names misses registration")
	}
}
