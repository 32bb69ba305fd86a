package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"

	"nuha.dev/fleettrack/internal/store"
)

// Store is the Postgres FleetStore. Position ids are k-sortable monoton
// values generated in process, so the history append never needs a
// RETURNING round trip for its id.
type Store struct {
	db  *pgxpool.Pool
	ids monoton.Monoton
	log log.Logger
}

func NewStore(db *pgxpool.Pool, node uint64) (*Store, error) {
	m, err := monoton.New(sequencer.NewMillisecond(), node, 0)
	if err != nil {
		return nil, err
	}
	st := &Store{db: db, ids: m}
	st.log = log.DefaultLogger
	st.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	return st, nil
}

// classify maps driver errors onto the store error kinds the pipeline
// retries or drops on.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) {
		switch pgerr.Code {
		case pgerrcode.UniqueViolation:
			return store.ErrDuplicate
		case pgerrcode.DeadlockDetected, pgerrcode.SerializationFailure, pgerrcode.LockNotAvailable:
			return &store.TransientError{Err: err}
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &store.TransientError{Err: err}
	}
	return err
}

func (st *Store) UpsertDevice(ctx context.Context, imei, vendor, protocol string) (*store.Device, error) {
	d := &store.Device{}
	row := st.db.QueryRow(ctx, `SELECT id,imei,vendor,model,protocol,installed_at FROM devices WHERE imei=$1`, imei)
	err := row.Scan(&d.Id, &d.IMEI, &d.Vendor, &d.Model, &d.Protocol, &d.InstalledAt)
	if err == nil {
		return d, nil
	}
	if err != pgx.ErrNoRows {
		return nil, classify(err)
	}
	row = st.db.QueryRow(ctx, `INSERT INTO devices (imei,vendor,protocol,installed_at) VALUES ($1,$2,$3,now())
		ON CONFLICT (imei) DO UPDATE SET imei=EXCLUDED.imei
		RETURNING id,imei,vendor,model,protocol,installed_at`, imei, vendor, protocol)
	err = row.Scan(&d.Id, &d.IMEI, &d.Vendor, &d.Model, &d.Protocol, &d.InstalledAt)
	if err != nil {
		return nil, classify(err)
	}
	st.log.Info().Str("imei", imei).Str("protocol", protocol).Msg("auto registered device")
	return d, nil
}

func (st *Store) VehicleByIMEI(ctx context.Context, imei string) (*store.Vehicle, error) {
	v := &store.Vehicle{}
	row := st.db.QueryRow(ctx, `SELECT id,code,alias,plate,vin,gps_id,active FROM vehicles WHERE gps_id=$1`, imei)
	err := row.Scan(&v.Id, &v.Code, &v.Alias, &v.Plate, &v.VIN, &v.GpsId, &v.Active)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return v, nil
}

func (st *Store) HasMsgUID(ctx context.Context, vehicleId, msgUID string) (bool, error) {
	var found bool
	row := st.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM position_history WHERE vehicle_id=$1 AND msg_uid=$2)`, vehicleId, msgUID)
	if err := row.Scan(&found); err != nil {
		return false, classify(err)
	}
	return found, nil
}

func (st *Store) LastState(ctx context.Context, vehicleId string) (*store.VehicleState, error) {
	s := &store.VehicleState{}
	var lpid *string
	row := st.db.QueryRow(ctx, `SELECT vehicle_id,lat,lon,speed,heading,altitude,sats,hdop,ignition,battery_pct,
		connection_status,gps_time,report_time,last_update,last_position_id,address
		FROM vehicle_state WHERE vehicle_id=$1`, vehicleId)
	err := row.Scan(&s.VehicleId, &s.Lat, &s.Lon, &s.SpeedKmh, &s.Heading, &s.Altitude, &s.Sats, &s.HDOP,
		&s.Ignition, &s.BatteryPct, &s.ConnStatus, &s.GPSTime, &s.ReportTime, &s.LastUpdate, &lpid, &s.Address)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	if lpid != nil {
		s.LastPositionId = *lpid
	}
	return s, nil
}

func (st *Store) SavePosition(ctx context.Context, pos *store.Position, vs *store.VehicleState) (string, bool, error) {
	tx, err := st.db.Begin(ctx)
	if err != nil {
		return "", false, classify(err)
	}
	defer tx.Rollback(context.Background())

	pos.Id = st.ids.Next()
	var vid, uid, seq interface{}
	if pos.VehicleId != "" {
		vid = pos.VehicleId
	}
	if pos.MsgUID != "" {
		uid = pos.MsgUID
	}
	if pos.HasSeq {
		seq = pos.Seq
	}
	_, err = tx.Exec(ctx, `INSERT INTO position_history
		(id,vehicle_id,device_id,gps_time,report_time,lat,lon,speed,heading,altitude,sats,hdop,ignition,
		 batt_mv,msg_uid,seq,provider,protocol,raw_payload,is_valid,is_late,created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,now())`,
		pos.Id, vid, pos.DeviceId, pos.GPSTime, pos.ReportTime, pos.Lat, pos.Lon, pos.SpeedKmh, pos.Heading,
		pos.Altitude, pos.Sats, pos.HDOP, pos.Ignition, pos.BattMv, uid, seq, pos.Provider, pos.Protocol,
		pos.Raw, pos.Valid, pos.Late)
	if err != nil {
		return "", false, classify(err)
	}

	taken := false
	if vs != nil {
		ct, err := tx.Exec(ctx, `INSERT INTO vehicle_state
			(vehicle_id,lat,lon,speed,heading,altitude,sats,hdop,ignition,battery_pct,connection_status,
			 gps_time,report_time,last_update,last_position_id,raw_blob)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,now(),$14,$15)
			ON CONFLICT (vehicle_id) DO UPDATE SET
			 lat=EXCLUDED.lat, lon=EXCLUDED.lon, speed=EXCLUDED.speed, heading=EXCLUDED.heading,
			 altitude=EXCLUDED.altitude, sats=EXCLUDED.sats, hdop=EXCLUDED.hdop, ignition=EXCLUDED.ignition,
			 battery_pct=EXCLUDED.battery_pct, connection_status=EXCLUDED.connection_status,
			 gps_time=EXCLUDED.gps_time, report_time=EXCLUDED.report_time, last_update=now(),
			 last_position_id=EXCLUDED.last_position_id, raw_blob=EXCLUDED.raw_blob
			WHERE vehicle_state.gps_time <= EXCLUDED.gps_time`,
			vs.VehicleId, vs.Lat, vs.Lon, vs.SpeedKmh, vs.Heading, vs.Altitude, vs.Sats, vs.HDOP,
			vs.Ignition, vs.BatteryPct, vs.ConnStatus, vs.GPSTime, vs.ReportTime, pos.Id, vs.Raw)
		if err != nil {
			return "", false, classify(err)
		}
		taken = ct.RowsAffected() > 0
	}
	if err := tx.Commit(ctx); err != nil {
		return "", false, classify(err)
	}
	return pos.Id, taken, nil
}

func (st *Store) SetStateAddress(ctx context.Context, vehicleId, address string) error {
	_, err := st.db.Exec(ctx, `UPDATE vehicle_state SET address=$2 WHERE vehicle_id=$1`, vehicleId, address)
	return classify(err)
}

func (st *Store) MarkDisconnected(ctx context.Context, vehicleId, status string) error {
	_, err := st.db.Exec(ctx, `UPDATE vehicle_state SET connection_status=$2, last_update=now() WHERE vehicle_id=$1`, vehicleId, status)
	return classify(err)
}

func (st *Store) ActiveReceiverConfigs(ctx context.Context) ([]store.ReceiverConfig, error) {
	rows, err := st.db.Query(ctx, `SELECT port,transport,protocol,active,max_connections,max_devices,timeout_s,priority
		FROM receiver_configs WHERE active = TRUE ORDER BY priority DESC, port`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	out := make([]store.ReceiverConfig, 0)
	for rows.Next() {
		rc := store.ReceiverConfig{}
		err := rows.Scan(&rc.Port, &rc.Transport, &rc.Protocol, &rc.Active, &rc.MaxConnections, &rc.MaxDevices, &rc.TimeoutS, &rc.Priority)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

func (st *Store) ReceiverConfigByPort(ctx context.Context, port int) (*store.ReceiverConfig, error) {
	rc := &store.ReceiverConfig{}
	row := st.db.QueryRow(ctx, `SELECT port,transport,protocol,active,max_connections,max_devices,timeout_s,priority
		FROM receiver_configs WHERE port=$1`, port)
	err := row.Scan(&rc.Port, &rc.Transport, &rc.Protocol, &rc.Active, &rc.MaxConnections, &rc.MaxDevices, &rc.TimeoutS, &rc.Priority)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return rc, nil
}

func (st *Store) CreateReceiverConfig(ctx context.Context, rc *store.ReceiverConfig) error {
	_, err := st.db.Exec(ctx, `INSERT INTO receiver_configs (port,transport,protocol,active,max_connections,max_devices,timeout_s,priority)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (port) DO NOTHING`,
		rc.Port, rc.Transport, rc.Protocol, rc.Active, rc.MaxConnections, rc.MaxDevices, rc.TimeoutS, rc.Priority)
	return classify(err)
}
