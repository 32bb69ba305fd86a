package notify

import (
	"testing"

	"nuha.dev/fleettrack/internal/ingest"
	"nuha.dev/fleettrack/internal/store"
)

func TestPublicId(t *testing.T) {
	n, err := New(nil, "test-salt")
	if err != nil {
		t.Fatal(err)
	}
	a := n.PublicId("0f14d0ab-9605-4a62-a9e4-5ed26688389b")
	b := n.PublicId("7c9e6679-7425-40de-944b-e07fc1f90ae7")
	if a == "" || b == "" {
		t.Fatal("empty public id")
	}
	if a == b {
		t.Error("distinct vehicles share a public id")
	}
	if a != n.PublicId("0f14d0ab-9605-4a62-a9e4-5ed26688389b") {
		t.Error("public id not stable")
	}

	other, err := New(nil, "other-salt")
	if err != nil {
		t.Fatal(err)
	}
	if other.PublicId("0f14d0ab-9605-4a62-a9e4-5ed26688389b") == a {
		t.Error("salt has no effect")
	}
}

func TestPublishWithoutBroker(t *testing.T) {
	n, err := New(nil, "test-salt")
	if err != nil {
		t.Fatal(err)
	}
	// must be a silent no-op without a broker
	n.publish(ingest.StateEvent{
		Vehicle: &store.Vehicle{Id: "0f14d0ab-9605-4a62-a9e4-5ed26688389b", Code: "V1"},
		State:   &store.VehicleState{Lat: 1, Lon: 2},
	})
}
