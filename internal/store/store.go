package store

import (
	"context"
	"errors"
	"time"
)

const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// ErrDuplicate reports that a history append hit an already stored
// (vehicle, msg_uid) pair. It is the race fallback behind the cheap
// HasMsgUID check.
var ErrDuplicate = errors.New("duplicate position")

// TransientError marks store failures worth one retry (deadlocks,
// serialization failures, timeouts).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "store_transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

type Device struct {
	Id          string    `json:"id"`
	IMEI        string    `json:"imei"`
	Vendor      string    `json:"vendor"`
	Model       string    `json:"model"`
	Protocol    string    `json:"protocol"`
	InstalledAt time.Time `json:"installed_at"`
}

type Vehicle struct {
	Id     string `json:"id"`
	Code   string `json:"code"`
	Alias  string `json:"alias"`
	Plate  string `json:"plate"`
	VIN    string `json:"vin"`
	GpsId  string `json:"gps_id"`
	Active bool   `json:"active"`
}

// Position is one appended history row. VehicleId is empty when the
// device is not linked to any vehicle; the row is kept anyway.
type Position struct {
	Id         string    `json:"id"`
	VehicleId  string    `json:"vehicle_id,omitempty"`
	DeviceId   string    `json:"device_id"`
	GPSTime    time.Time `json:"gps_time"`
	ReportTime time.Time `json:"report_time"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	SpeedKmh   int       `json:"speed"`
	Heading    int       `json:"heading"`
	Altitude   float64   `json:"altitude"`
	Sats       int       `json:"sats"`
	HDOP       float64   `json:"hdop"`
	Ignition   bool      `json:"ignition"`
	BattMv     int       `json:"batt_mv"`
	MsgUID     string    `json:"msg_uid,omitempty"`
	Seq        int       `json:"seq"`
	HasSeq     bool      `json:"-"`
	Provider   string    `json:"provider"`
	Protocol   string    `json:"protocol"`
	Raw        []byte    `json:"-"`
	Valid      bool      `json:"is_valid"`
	Late       bool      `json:"is_late"`
	CreatedAt  time.Time `json:"created_at"`
}

// VehicleState is the single mutable latest-known row per vehicle.
type VehicleState struct {
	VehicleId      string    `json:"vehicle_id"`
	Lat            float64   `json:"lat"`
	Lon            float64   `json:"lon"`
	SpeedKmh       int       `json:"speed"`
	Heading        int       `json:"heading"`
	Altitude       float64   `json:"altitude"`
	Sats           int       `json:"sats"`
	HDOP           float64   `json:"hdop"`
	Ignition       bool      `json:"ignition"`
	BatteryPct     int       `json:"battery_pct"`
	ConnStatus     string    `json:"connection_status"`
	GPSTime        time.Time `json:"gps_time"`
	ReportTime     time.Time `json:"report_time"`
	LastUpdate     time.Time `json:"last_update"`
	LastPositionId string    `json:"last_position_id,omitempty"`
	Address        string    `json:"address,omitempty"`
	Raw            []byte    `json:"-"`
}

type ReceiverConfig struct {
	Port           int    `json:"port"`
	Transport      string `json:"transport"`
	Protocol       string `json:"protocol"`
	Active         bool   `json:"active"`
	MaxConnections int    `json:"max_connections"`
	MaxDevices     int    `json:"max_devices"`
	TimeoutS       int    `json:"timeout_s"`
	Priority       int    `json:"priority"`
}

// FleetStore is the persistence contract of the ingest pipeline and the
// receiver manager.
type FleetStore interface {
	// UpsertDevice fetches the device with the given IMEI, creating it
	// with defaults when unknown.
	UpsertDevice(ctx context.Context, imei, vendor, protocol string) (*Device, error)

	// VehicleByIMEI resolves the vehicle whose gps_id equals imei.
	// Returns nil (no error) when the device is unlinked.
	VehicleByIMEI(ctx context.Context, imei string) (*Vehicle, error)

	HasMsgUID(ctx context.Context, vehicleId, msgUID string) (bool, error)

	// LastState returns nil (no error) when the vehicle has no state row.
	LastState(ctx context.Context, vehicleId string) (*VehicleState, error)

	// SavePosition appends pos to the history, assigning pos.Id. When st
	// is non-nil the vehicle state is replaced in the same transaction,
	// but only while st.GPSTime is not older than the stored one; the
	// returned flag reports whether the replace was taken.
	SavePosition(ctx context.Context, pos *Position, st *VehicleState) (string, bool, error)

	SetStateAddress(ctx context.Context, vehicleId, address string) error
	MarkDisconnected(ctx context.Context, vehicleId, status string) error

	ActiveReceiverConfigs(ctx context.Context) ([]ReceiverConfig, error)
	// ReceiverConfigByPort returns nil (no error) when the port is unknown.
	ReceiverConfigByPort(ctx context.Context, port int) (*ReceiverConfig, error)
	CreateReceiverConfig(ctx context.Context, rc *ReceiverConfig) error
}
