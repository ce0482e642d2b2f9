package fleetgw

/*------------------------------------------------------------------
 *
 * Purpose:	Various functions for dealing with latitude and
 *		longitude in tracker wire formats.
 *
 * Description: The ASCII dialects (GPS103, H02) transmit coordinates
 *		as degrees and decimal minutes, DDMM.mmmm for latitude
 *		and DDDMM.mmmm for longitude, with a separate hemisphere
 *		character.  Speeds are in knots.  Everything internal is
 *		decimal degrees and km/h.
 *
 *------------------------------------------------------------------*/

import (
	"fmt"
	"math"
	"strconv"
)

const knotsToKmh = 1.852

// parseDegMin converts a DDMM.mmmm (degDigits=2) or DDDMM.mmmm
// (degDigits=3) coordinate string to decimal degrees.  The value is
// always positive; the hemisphere is applied separately.
func parseDegMin(s string, degDigits int) (float64, error) {
	if len(s) < degDigits+2 {
		return 0, fmt.Errorf("coordinate %q too short for %d degree digits", s, degDigits)
	}
	deg, err := strconv.ParseFloat(s[:degDigits], 64)
	if err != nil {
		return 0, fmt.Errorf("coordinate %q: bad degrees: %w", s, err)
	}
	min, err := strconv.ParseFloat(s[degDigits:], 64)
	if err != nil {
		return 0, fmt.Errorf("coordinate %q: bad minutes: %w", s, err)
	}
	if min >= 60 {
		return 0, fmt.Errorf("coordinate %q: minutes out of range", s)
	}
	return deg + min/60, nil
}

// applyHemisphere gives the coordinate its sign.  South and West are
// negative.  Unknown hemisphere characters leave the value positive,
// matching what the trackers actually send on the equator/meridian.
func applyHemisphere(v float64, hemi byte) float64 {
	if hemi == 'S' || hemi == 's' || hemi == 'W' || hemi == 'w' {
		return -v
	}
	return v
}

// formatDegMin is the inverse of parseDegMin, used by the command
// channel and by tests.  Returns the unsigned DDMM.mmmm/DDDMM.mmmm
// string and the hemisphere character.
func formatDegMin(v float64, degDigits int, isLongitude bool) (string, byte) {
	var hemi byte
	if isLongitude {
		hemi = 'E'
		if v < 0 {
			hemi = 'W'
		}
	} else {
		hemi = 'N'
		if v < 0 {
			hemi = 'S'
		}
	}
	v = math.Abs(v)

	deg := int(v)
	min := (v - float64(deg)) * 60

	smin := fmt.Sprintf("%07.4f", min)
	// Due to roundoff, 59.99999 could come out as "60.0000".
	if smin[0] == '6' {
		smin = "00.0000"
		deg++
	}

	return fmt.Sprintf("%0*d%s", degDigits, deg, smin), hemi
}

// speedKnotsToKmh converts a knots figure from the wire to km/h.
func speedKnotsToKmh(kn float64) float64 {
	return kn * knotsToKmh
}

// validWGS84 rejects coordinates outside the WGS84 envelope and
// non-finite garbage from corrupt frames.
func validWGS84(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lon) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
