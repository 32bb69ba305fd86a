// Package personal implements the plain-text personal tracker record. One
// parenthesized 67-character record per frame; coordinates already come as
// signed decimal degrees:
//
//	( TTT DDDDDDDDDD DDMMYY HHMMSS ±DD.DDDDDD ±DDD.DDDDDD V HHH SSSSSSSS E OOOOOOOO )
//	  type device id date   time   latitude   longitude   kn hdg status   ev odometer
package personal

import (
	"strconv"

	"nuha.dev/fleettrack/internal/gps/codec"
)

const (
	recordLen  = 67
	offDev     = 3
	offDate    = 13
	offTime    = 19
	offLat     = 25
	offLon     = 35
	offSpeed   = 46
	offHeading = 47
	offStatus  = 50
	offEvent   = 58
	offOdo     = 59
)

func init() {
	codec.Register("personal", func() codec.Codec { return &Personal{} })
}

type Personal struct{}

func (p *Personal) Name() string { return "personal" }

func (p *Personal) Frame(buf []byte) ([]byte, int, error) {
	if len(buf) == 0 {
		return nil, 0, codec.ErrNeedMore
	}
	if buf[0] != '(' {
		return nil, 0, codec.ErrMalformed
	}
	if len(buf) < recordLen+2 {
		return nil, 0, codec.ErrNeedMore
	}
	if buf[recordLen+1] != ')' {
		return nil, 0, codec.ErrMalformed
	}
	return buf[1 : 1+recordLen], recordLen + 2, nil
}

func (p *Personal) Decode(frame []byte) (*codec.Fix, error) {
	if len(frame) != recordLen {
		return nil, codec.Reject(codec.RejectTruncated)
	}
	b := string(frame)
	if !codec.AllDigits(b[:offDev]) {
		return nil, codec.Reject(codec.RejectUnknownSubtype)
	}
	rawid := b[offDev:offDate]
	if !codec.AllDigits(rawid) {
		return nil, codec.Reject(codec.RejectTruncated)
	}
	gpst, err := codec.ParseDateTime(b[offDate:offTime], b[offTime:offLat])
	if err != nil {
		return nil, codec.Reject(codec.RejectTruncated)
	}
	lat, err := strconv.ParseFloat(b[offLat:offLon], 64)
	if err != nil {
		return nil, codec.Reject(codec.RejectTruncated)
	}
	lon, err := strconv.ParseFloat(b[offLon:offSpeed], 64)
	if err != nil {
		return nil, codec.Reject(codec.RejectTruncated)
	}
	if lat == 0 && lon == 0 {
		return nil, codec.Reject(codec.RejectNoGPSFix)
	}
	knots, err := strconv.Atoi(b[offSpeed:offHeading])
	if err != nil {
		return nil, codec.Reject(codec.RejectTruncated)
	}
	heading, err := strconv.Atoi(b[offHeading:offStatus])
	if err != nil {
		return nil, codec.Reject(codec.RejectTruncated)
	}
	fix := &codec.Fix{
		IMEI:     rawid[5:],
		RawID:    rawid,
		GPSTime:  gpst,
		Lat:      lat,
		Lon:      lon,
		SpeedKmh: codec.KnotsToKmh(float64(knots)),
		Heading:  heading,
		Event:    b[offEvent : offEvent+1],
		Protocol: "personal",
		Raw:      append([]byte(nil), frame...),
	}
	return fix, nil
}

func (p *Personal) Ack(frame []byte, fix *codec.Fix) []byte {
	if fix == nil {
		// this family wants a reply on every frame; answer rejects with
		// a no-fix RGP carrying whatever identity the record had
		stub := &codec.Fix{}
		if len(frame) >= offDate {
			stub.RawID = string(frame[offDev:offDate])
			if len(stub.RawID) == 10 {
				stub.IMEI = stub.RawID[5:]
			}
		}
		return codec.BuildRGP(stub)
	}
	return codec.BuildRGP(fix)
}

func (p *Personal) AckOnReject() bool { return true }
