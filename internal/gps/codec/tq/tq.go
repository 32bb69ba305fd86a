// Package tq implements the compact binary tracker family. Frames are two
// marker bytes, a fixed-layout ASCII-decimal payload and a CR LF trailer:
//
//	$$ DDDDDDDDDD DDMMYY HHMMSS DDMM.MMMMMM DDDMM.MMMMMM VVV HHH SSSS \r\n
//	   device id  date   time   latitude    longitude    kn  hdg seq
//
// Coordinates are NMEA degrees+minutes and carry no hemisphere letter;
// the platform default is southern/western, so both axes are negated.
package tq

import (
	"bytes"
	"strconv"

	"nuha.dev/fleettrack/internal/gps/codec"
)

const (
	marker     = "$$"
	payloadLen = 55
	frameLen   = 2 + payloadLen + 2
	offDate    = 10
	offTime    = 16
	offLat     = 22
	offLon     = 33
	offSpeed   = 45
	offHeading = 48
	offSeq     = 51
	zeroLat    = "0000.000000"
	zeroLon    = "00000.000000"
)

func init() {
	codec.Register("tq", func() codec.Codec { return &TQ{} })
}

type TQ struct{}

func (t *TQ) Name() string { return "tq" }

func (t *TQ) Frame(buf []byte) ([]byte, int, error) {
	if len(buf) < 2 {
		return nil, 0, codec.ErrNeedMore
	}
	if buf[0] != '$' || buf[1] != '$' {
		return nil, 0, codec.ErrMalformed
	}
	if len(buf) < frameLen {
		return nil, 0, codec.ErrNeedMore
	}
	if buf[frameLen-2] != '\r' || buf[frameLen-1] != '\n' {
		return nil, 0, codec.ErrMalformed
	}
	return buf[2 : 2+payloadLen], frameLen, nil
}

func (t *TQ) Decode(frame []byte) (*codec.Fix, error) {
	if len(frame) != payloadLen {
		return nil, codec.Reject(codec.RejectTruncated)
	}
	p := string(frame)
	rawid := p[:offDate]
	if !codec.AllDigits(rawid) {
		return nil, codec.Reject(codec.RejectUnknownSubtype)
	}
	gpst, err := codec.ParseDateTime(p[offDate:offTime], p[offTime:offLat])
	if err != nil {
		return nil, codec.Reject(codec.RejectTruncated)
	}
	if p[offLat:offLon] == zeroLat && p[offLon:offSpeed] == zeroLon {
		return nil, codec.Reject(codec.RejectNoGPSFix)
	}
	lat, err := codec.Degrees(p[offLat:offLat+2], p[offLat+2:offLon])
	if err != nil {
		return nil, err
	}
	lon, err := codec.Degrees(p[offLon:offLon+3], p[offLon+3:offSpeed])
	if err != nil {
		return nil, err
	}
	knots, err := strconv.Atoi(p[offSpeed:offHeading])
	if err != nil {
		return nil, codec.Reject(codec.RejectTruncated)
	}
	heading, err := strconv.Atoi(p[offHeading:offSeq])
	if err != nil {
		return nil, codec.Reject(codec.RejectTruncated)
	}
	seq, err := strconv.Atoi(p[offSeq:])
	if err != nil {
		return nil, codec.Reject(codec.RejectTruncated)
	}
	fix := &codec.Fix{
		IMEI:     rawid[5:],
		RawID:    rawid,
		GPSTime:  gpst,
		Lat:      -lat,
		Lon:      -lon,
		SpeedKmh: codec.KnotsToKmh(float64(knots)),
		Heading:  heading,
		Seq:      seq,
		HasSeq:   true,
		MsgUID:   rawid + "-" + p[offDate:offLat] + "-" + p[offSeq:],
		Protocol: "tq",
		Raw:      append([]byte(nil), frame...),
	}
	return fix, nil
}

func (t *TQ) Ack(frame []byte, fix *codec.Fix) []byte {
	if fix == nil {
		// vendor specifies silence on undecodable frames
		return nil
	}
	return codec.BuildRGP(fix)
}

func (t *TQ) AckOnReject() bool { return false }

// Encode builds a wire frame from a fix; used by the fake device tool.
func Encode(fix *codec.Fix) []byte {
	var b bytes.Buffer
	b.WriteString(marker)
	b.WriteString(fix.RawID)
	t := fix.GPSTime.UTC()
	b.WriteString(t.Format("020106"))
	b.WriteString(t.Format("150405"))
	b.WriteString(encodeNMEA(-fix.Lat, 2))
	b.WriteString(encodeNMEA(-fix.Lon, 3))
	kn := float64(fix.SpeedKmh) / 1.852
	b.WriteString(pad(int(kn+0.5), 3))
	b.WriteString(pad(fix.Heading, 3))
	b.WriteString(pad(fix.Seq, 4))
	b.WriteString("\r\n")
	return b.Bytes()
}

func encodeNMEA(deg float64, degWidth int) string {
	if deg < 0 {
		deg = -deg
	}
	whole := int(deg)
	minutes := (deg - float64(whole)) * 60
	ws := strconv.Itoa(whole)
	for len(ws) < degWidth {
		ws = "0" + ws
	}
	ms := strconv.FormatFloat(minutes, 'f', 6, 64)
	if minutes < 10 {
		ms = "0" + ms
	}
	return ws + ms
}

func pad(v, w int) string {
	s := strconv.Itoa(v)
	for len(s) < w {
		s = "0" + s
	}
	return s
}
