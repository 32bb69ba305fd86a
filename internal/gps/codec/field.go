package codec

import (
	"math"
	"strconv"
	"time"
)

// Degrees converts a NMEA-style coordinate split into whole degrees and
// decimal minutes to signed decimal degrees.
func Degrees(d, m string) (float64, error) {
	dd, err := strconv.Atoi(d)
	if err != nil {
		return 0, Reject(RejectTruncated)
	}
	mm, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, Reject(RejectTruncated)
	}
	return float64(dd) + mm/60, nil
}

// ParseDateTime builds a UTC timestamp from DDMMYY and HHMMSS blocks.
func ParseDateTime(ddmmyy, hhmmss string) (time.Time, error) {
	dmy, err := parseDT(ddmmyy)
	if err != nil {
		return time.Time{}, err
	}
	hms, err := parseDT(hhmmss)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(dmy[2]+2000, time.Month(dmy[1]), dmy[0], hms[0], hms[1], hms[2], 0, time.UTC), nil
}

func parseDT(p string) ([]int, error) {
	if len(p) != 6 {
		return nil, Reject(RejectTruncated)
	}
	out := make([]int, 3)
	for i := 0; i < 3; i++ {
		v, err := strconv.Atoi(p[i*2 : i*2+2])
		if err != nil {
			return nil, Reject(RejectTruncated)
		}
		out[i] = v
	}
	return out, nil
}

// KnotsToKmh converts the wire speed (knots) to the platform unit.
func KnotsToKmh(kn float64) int {
	return int(math.Round(kn * 1.852))
}

func AllDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}
