package codec

import (
	"fmt"
	"math"
)

// BuildRGP builds the TAIP-style position reply shared by the ASCII
// tracker families:
//
//	>RGP<date><time>-<lat>-<lon><vel><hdg><fix><age><hdop>;&<event>;ID=<dev>;#<seq>*<XOR><
//
// The XOR checksum covers every byte from '>' up to and including '*',
// emitted as two uppercase hex digits.
func BuildRGP(fix *Fix) []byte {
	date := "000000"
	clock := "000000"
	if !fix.GPSTime.IsZero() {
		t := fix.GPSTime.UTC()
		date = t.Format("020106")
		clock = t.Format("150405")
	}
	fixd := 3
	if fix.Lat == 0 && fix.Lon == 0 {
		fixd = 0
	}
	hdop := int(math.Round(fix.HDOP))
	if hdop < 1 {
		hdop = 1
	}
	event := fix.Event
	if event == "" {
		event = "0"
	}
	dev := fix.IMEI
	if dev == "" {
		dev = fix.RawID
	}
	body := fmt.Sprintf(">RGP%s%s-%09.6f-%010.6f%03d%03d%d2%02d;&%s;ID=%s;#%04d*",
		date, clock, math.Abs(fix.Lat), math.Abs(fix.Lon), fix.SpeedKmh, fix.Heading, fixd, hdop, event, dev, fix.Seq)
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return []byte(fmt.Sprintf("%s%02X<", body, sum))
}
