package fleetgw

/*------------------------------------------------------------------
 *
 * Purpose:	Decoder for the OsmAnd / Traccar Client dialect.
 *
 * Description: The phone app speaks bare HTTP:
 *
 *		  POST /?id=865224&lat=-9.93&lon=-76.23&timestamp=1700000000
 *		       &speed=0&bearing=0 HTTP/1.1\r\n
 *		  Host: ...\r\n
 *		  \r\n
 *
 *		Several requests may ride one connection back to back.
 *		The listener splits on the blank-line boundary and hands
 *		each request here.  Timestamps are absolute UTC seconds;
 *		speed is knots.
 *
 *------------------------------------------------------------------*/

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

type OsmAndDecoder struct{}

func NewOsmAndDecoder() *OsmAndDecoder {
	return &OsmAndDecoder{}
}

// Decode parses one HTTP request worth of bytes into at most one
// Position.  Malformed requests are skipped with a warning.
func (d *OsmAndDecoder) Decode(frame []byte, _ Transport) []Record {
	text := strings.TrimSpace(string(frame))
	if text == "" {
		return nil
	}

	// Only the request line matters; headers and body are noise.
	requestLine, _, _ := strings.Cut(text, "\r\n")
	fields := strings.Fields(requestLine)
	if len(fields) < 2 {
		Log.Warn("osmand: malformed request line", "line", truncateForLog(requestLine))
		return nil
	}

	u, err := url.Parse(fields[1])
	if err != nil {
		Log.Warn("osmand: unparseable target", "target", truncateForLog(fields[1]), "err", err)
		return nil
	}
	q := u.Query()

	imei := q.Get("id")
	if imei == "" {
		imei = q.Get("deviceid")
	}
	if imei == "" {
		Log.Warn("osmand: request without device id", "line", truncateForLog(requestLine))
		return nil
	}

	unixSecs, err := strconv.ParseInt(q.Get("timestamp"), 10, 64)
	if err != nil {
		Log.Warn("osmand: bad timestamp", "imei", imei, "value", q.Get("timestamp"))
		return nil
	}

	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lon, lonErr := strconv.ParseFloat(q.Get("lon"), 64)
	if latErr != nil || lonErr != nil || !validWGS84(lat, lon) {
		Log.Warn("osmand: bad coordinates", "imei", imei, "lat", q.Get("lat"), "lon", q.Get("lon"))
		return nil
	}

	speed := 0.0
	if kn, err := strconv.ParseFloat(q.Get("speed"), 64); err == nil {
		speed = speedKnotsToKmh(kn)
	}
	course := 0.0
	if b, err := strconv.ParseFloat(q.Get("bearing"), 64); err == nil {
		course = b
	}

	pos := PositionRecord{
		IMEI:      imei,
		Time:      time.Unix(unixSecs, 0).UTC(),
		Latitude:  lat,
		Longitude: lon,
		Speed:     speed,
		Course:    course,
		Valid:     true,
	}
	if batt := q.Get("batt"); batt != "" {
		pos.Extras = map[string]string{"battery": batt}
	}
	return []Record{pos}
}
