package codec

import (
	"time"

	"github.com/phuslu/log"
)

// Fix is the normalized result of decoding one device frame. Flags
// (valid/late/duplicate) are not part of the decode result; the ingest
// pipeline computes them.
type Fix struct {
	IMEI       string    // platform device id (last 5 digits of the wire id)
	RawID      string    // device id exactly as sent
	GPSTime    time.Time // UTC
	ReportTime time.Time // receive time, stamped by the session
	Lat        float64
	Lon        float64
	SpeedKmh   int
	Heading    int
	Altitude   float64
	Sats       int
	HDOP       float64
	Ignition   bool
	BattMv     int
	Seq        int
	HasSeq     bool
	MsgUID     string // empty when the protocol carries none
	Event      string
	Protocol   string
	Raw        []byte
}

func (f *Fix) MarshalObject(e *log.Entry) {
	e.Str("imei", f.IMEI).Time("gps_time", f.GPSTime).Float64("lat", f.Lat).Float64("lon", f.Lon).Int("speed", f.SpeedKmh).Int("heading", f.Heading)
	if f.HasSeq {
		e.Int("seq", f.Seq)
	}
	if f.MsgUID != "" {
		e.Str("msg_uid", f.MsgUID)
	}
}
