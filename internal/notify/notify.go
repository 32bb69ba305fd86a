// Package notify publishes state updates to NATS for downstream
// consumers. Vehicle ids are masked with hashids so the internal
// uuids never leave the system.
package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	hashids "github.com/speps/go-hashids/v2"

	"nuha.dev/fleettrack/internal/ingest"
)

const subjectPrefix = "fleet.position."

// Message is the published payload.
type Message struct {
	PublicId   string    `json:"public_id"`
	Code       string    `json:"code"`
	Plate      string    `json:"plate"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	SpeedKmh   int       `json:"speed"`
	Heading    int       `json:"heading"`
	Ignition   bool      `json:"ignition"`
	ConnStatus string    `json:"connection_status"`
	Address    string    `json:"address,omitempty"`
	GPSTime    time.Time `json:"gps_time"`
}

type Notifier struct {
	nc     *nats.Conn
	hid    *hashids.HashID
	logger zerolog.Logger
}

// New builds a notifier. nc may be nil; the handler then becomes a
// no-op so the pipeline runs unchanged without a broker.
func New(nc *nats.Conn, salt string) (*Notifier, error) {
	hd := hashids.NewData()
	hd.Salt = salt
	hd.MinLength = 8
	hid, err := hashids.NewWithData(hd)
	if err != nil {
		return nil, err
	}
	n := &Notifier{nc: nc, hid: hid}
	n.logger = log.With().Str("module", "notify").Logger()
	return n, nil
}

func (n *Notifier) Handler() bus.Handler {
	return bus.Handler{
		Handle: func(ctx context.Context, e bus.Event) {
			ev, ok := e.Data.(ingest.StateEvent)
			if !ok || ev.Vehicle == nil || ev.State == nil {
				return
			}
			n.publish(ev)
		},
		Matcher: "^" + ingest.TopicStateUpdated + "$",
	}
}

// PublicId masks a vehicle uuid for external consumers.
func (n *Notifier) PublicId(vehicleId string) string {
	hex := strings.ReplaceAll(vehicleId, "-", "")
	s, err := n.hid.EncodeHex(hex)
	if err != nil {
		return ""
	}
	return s
}

func (n *Notifier) publish(ev ingest.StateEvent) {
	if n.nc == nil {
		return
	}
	msg := Message{
		PublicId:   n.PublicId(ev.Vehicle.Id),
		Code:       ev.Vehicle.Code,
		Plate:      ev.Vehicle.Plate,
		Lat:        ev.State.Lat,
		Lon:        ev.State.Lon,
		SpeedKmh:   ev.State.SpeedKmh,
		Heading:    ev.State.Heading,
		Ignition:   ev.State.Ignition,
		ConnStatus: ev.State.ConnStatus,
		Address:    ev.State.Address,
		GPSTime:    ev.State.GPSTime,
	}
	data, err := json.Marshal(&msg)
	if err != nil {
		n.logger.Error().Err(err).Msg("notify marshal failed")
		return
	}
	if err := n.nc.Publish(subjectPrefix+ev.Vehicle.Code, data); err != nil {
		n.logger.Warn().Err(err).Str("vehicle", ev.Vehicle.Id).Msg("notify publish failed")
	}
}
