// Package ingest is the hot path between device sessions and the fleet
// stores. One call per decoded fix: resolve the device, validate,
// deduplicate, append history, update vehicle state, then fan out side
// effects off the hot path.
package ingest

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nuha.dev/fleettrack/internal/gps/codec"
	"nuha.dev/fleettrack/internal/store"
)

const (
	maxFuture = time.Hour
	maxAge    = 30 * 24 * time.Hour
	dupWindow = 5 * time.Second
)

// Result reports what the pipeline did with one fix; used by tests and
// logged per fix.
type Result struct {
	Stored       bool
	StateUpdated bool
	Duplicate    bool
	Valid        bool
	Late         bool
	PositionId   string
	VehicleId    string
}

type Pipeline struct {
	st   store.FleetStore
	disp *Dispatcher
	log  zerolog.Logger
	now  func() time.Time
}

// New builds a pipeline. disp may be nil when side effects are disabled.
func New(st store.FleetStore, disp *Dispatcher) *Pipeline {
	p := &Pipeline{st: st, disp: disp, now: time.Now}
	p.log = log.With().Str("module", "ingest").Logger()
	return p
}

// Ingest never propagates store failures to the session; everything is
// captured and logged here. Only the caller's expired context surfaces,
// so a stuck store shows up as ingest_timeout at the session.
func (p *Pipeline) Ingest(ctx context.Context, fix *codec.Fix) error {
	_, err := p.Process(ctx, fix)
	return err
}

// Process runs the pipeline phases in order and reports the outcome.
func (p *Pipeline) Process(ctx context.Context, fix *codec.Fix) (Result, error) {
	res := Result{}

	// phase 1: device resolution; unknown devices are auto registered
	dev, err := p.st.UpsertDevice(ctx, fix.IMEI, "", fix.Protocol)
	if err != nil {
		return p.fail(res, err, "device resolution failed")
	}
	veh, err := p.st.VehicleByIMEI(ctx, fix.IMEI)
	if err != nil {
		return p.fail(res, err, "vehicle lookup failed")
	}
	if veh != nil {
		res.VehicleId = veh.Id
	}

	// phase 2: validation; invalid fixes are kept for forensics but can
	// never touch vehicle state
	now := p.now().UTC()
	res.Valid = p.validate(fix, now)

	var cur *store.VehicleState
	if veh != nil {
		cur, err = p.st.LastState(ctx, veh.Id)
		if err != nil {
			return p.fail(res, err, "state lookup failed")
		}
	}

	// phase 3: deduplication; duplicates are dropped, never written
	if veh != nil && res.Valid {
		if fix.MsgUID != "" {
			seen, err := p.st.HasMsgUID(ctx, veh.Id, fix.MsgUID)
			if err != nil {
				return p.fail(res, err, "msg_uid lookup failed")
			}
			if seen {
				res.Duplicate = true
				p.log.Debug().Str("imei", fix.IMEI).Str("msg_uid", fix.MsgUID).Msg("duplicate by msg_uid")
				return res, ctx.Err()
			}
		} else if cur != nil && fix.Lat == cur.Lat && fix.Lon == cur.Lon && absDur(fix.GPSTime.Sub(cur.GPSTime)) <= dupWindow {
			res.Duplicate = true
			p.log.Debug().Str("imei", fix.IMEI).Msg("duplicate by position window")
			return res, ctx.Err()
		}
	}

	// phase 4: lateness; late fixes are history-only
	if cur != nil && fix.GPSTime.Before(cur.GPSTime) {
		res.Late = true
	}

	pos := positionFromFix(fix, res, dev.Id)
	var vs *store.VehicleState
	if veh != nil && res.Valid && !res.Late {
		vs = stateFromFix(veh.Id, fix)
	}

	// phases 5+6: history append and state replace, one transaction
	var taken bool
	err = p.retry(ctx, func() error {
		var err error
		pos.Id = ""
		_, taken, err = p.st.SavePosition(ctx, pos, vs)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// lost the uid race to a parallel ingest
			res.Duplicate = true
			p.log.Debug().Str("imei", fix.IMEI).Str("msg_uid", fix.MsgUID).Msg("duplicate by unique index")
			return res, ctx.Err()
		}
		return p.fail(res, err, "position write failed")
	}
	res.Stored = true
	res.PositionId = pos.Id
	if vs != nil && !taken {
		// a racing ingest carried a newer gps_time; this fix is late
		res.Late = true
	}
	res.StateUpdated = vs != nil && taken

	// phase 7: side effects, after the state is durable
	if res.StateUpdated && p.disp != nil {
		vs.LastPositionId = pos.Id
		if !p.disp.Offer(StateEvent{Vehicle: veh, State: vs, PositionId: pos.Id}) {
			p.log.Warn().Str("vehicle", veh.Id).Msg("side effect queue full, event dropped")
		}
	}
	return res, ctx.Err()
}

// Disconnected is called by a session when its connection closes; the
// vehicle linked to imei is flagged so stale positions are visible as
// such.
func (p *Pipeline) Disconnected(ctx context.Context, imei string) {
	veh, err := p.st.VehicleByIMEI(ctx, imei)
	if err != nil || veh == nil {
		return
	}
	if err := p.st.MarkDisconnected(ctx, veh.Id, store.StatusDisconnected); err != nil {
		p.log.Error().Err(err).Str("imei", imei).Msg("disconnect mark failed")
	}
}

func (p *Pipeline) validate(fix *codec.Fix, now time.Time) bool {
	if fix.Lat < -90 || fix.Lat > 90 || fix.Lon < -180 || fix.Lon > 180 {
		return false
	}
	if fix.Lat == 0 && fix.Lon == 0 {
		return false
	}
	if fix.GPSTime.After(now.Add(maxFuture)) {
		return false
	}
	if fix.GPSTime.Before(now.Add(-maxAge)) {
		return false
	}
	return true
}

// retry runs op once more after a transient store failure, with jitter
// so racing retries spread out. Permanent failures return immediately.
func (p *Pipeline) retry(ctx context.Context, op func() error) error {
	err := op()
	var te *store.TransientError
	if !errors.As(err, &te) {
		return err
	}
	d := time.Duration(50+rand.Intn(100)) * time.Millisecond
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return ctx.Err()
	}
	return op()
}

func (p *Pipeline) fail(res Result, err error, msg string) (Result, error) {
	p.log.Error().Err(err).Msg(msg)
	return res, nil
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func positionFromFix(fix *codec.Fix, res Result, deviceId string) *store.Position {
	return &store.Position{
		VehicleId:  res.VehicleId,
		DeviceId:   deviceId,
		GPSTime:    fix.GPSTime,
		ReportTime: fix.ReportTime,
		Lat:        fix.Lat,
		Lon:        fix.Lon,
		SpeedKmh:   fix.SpeedKmh,
		Heading:    fix.Heading,
		Altitude:   fix.Altitude,
		Sats:       fix.Sats,
		HDOP:       fix.HDOP,
		Ignition:   fix.Ignition,
		BattMv:     fix.BattMv,
		MsgUID:     fix.MsgUID,
		Seq:        fix.Seq,
		HasSeq:     fix.HasSeq,
		Provider:   fix.RawID,
		Protocol:   fix.Protocol,
		Raw:        fix.Raw,
		Valid:      res.Valid,
		Late:       res.Late,
	}
}

func stateFromFix(vehicleId string, fix *codec.Fix) *store.VehicleState {
	return &store.VehicleState{
		VehicleId:  vehicleId,
		Lat:        fix.Lat,
		Lon:        fix.Lon,
		SpeedKmh:   fix.SpeedKmh,
		Heading:    fix.Heading,
		Altitude:   fix.Altitude,
		Sats:       fix.Sats,
		HDOP:       fix.HDOP,
		Ignition:   fix.Ignition,
		ConnStatus: store.StatusConnected,
		GPSTime:    fix.GPSTime,
		ReportTime: fix.ReportTime,
		Raw:        fix.Raw,
	}
}
