package fleetgw

/*------------------------------------------------------------------
 *
 * Purpose:	Decoder for the GPS103 / TK103 (Coban) dialect.
 *
 * Description: ASCII frames terminated by ';'.  Three shapes:
 *
 *		  123456789012345;
 *			Bare IMEI handshake.  The tracker expects the
 *			platform to keep the socket open.
 *
 *		  imei:IMEI,<cmd>,<yymmddHHMM[SS]>,...,F,hhmmss.000,A,
 *		  DDMM.mmmm,N|S,DDDMM.mmmm,E|W,speed,course,...;
 *			Position or alarm depending on <cmd>.
 *
 *		  imei:IMEI,vr,<index>,<count>,<hex>;
 *			One chunk of a camera photo.  Chunks are
 *			reassembled per connection and emitted as a
 *			single event once <count> chunks arrived.
 *
 *		Device clocks run in local fleet time (UTC-5 for the
 *		deployments this gateway serves); the decoder shifts to
 *		UTC on the way in.  Speed is knots on the wire.
 *
 *------------------------------------------------------------------*/

import (
	"strconv"
	"strings"
	"time"
)

// DefaultGPS103TimeOffset converts device-local GPS103 clocks to UTC.
// The fleets this gateway serves configure their trackers in UTC-5.
const DefaultGPS103TimeOffset = 5 * time.Hour

// gps103Commands maps the vendor command word to the canonical event
// vocabulary.  Position-class commands are handled separately.
var gps103Commands = map[string]string{
	"tracker":         EventPosition,
	"001":             EventPosition,
	"101":             EventPosition,
	"103":             EventPosition,
	"help me":         EventSOS,
	"low battery":     EventLowBattery,
	"move":            EventDeviceMoving,
	"speed":           EventOverspeed,
	"stockade":        EventGeofenceAlarm,
	"ac alarm":        EventPowerCut,
	"acc on":          EventIgnitionOn,
	"acc off":         EventIgnitionOff,
	"acc alarm":       EventAlarm,
	"sensor alarm":    EventAlarm,
	"door alarm":      EventDoorAlarm,
	"bonnet alarm":    EventBonnetAlarm,
	"footbrake alarm": EventFootBrakeAlarm,
	"accident alarm":  EventAccidentAlarm,
	"oil":             EventFuelLeak,
	"oil1":            EventFuelLeak,
	"oil2":            EventFuelLeak,
	"TPMS":            EventTPMS,
	"rfid":            EventRFID,
}

var gps103TyreFields = []string{
	"tyreStatus", "numTyres",
	"leftFrontPressure", "leftFrontTemperature", "leftFrontStatus",
	"rightFrontPressure", "rightFrontTemperature", "rightFrontStatus",
	"leftRearPressure", "leftRearTemperature", "leftRearStatus",
	"rightRearPressure", "rightRearTemperature", "rightRearStatus",
}

// GPS103Decoder holds the per-connection photo reassembly buffer.
type GPS103Decoder struct {
	timeOffset time.Duration

	photoIMEI   string
	photoTotal  int
	photoChunks []string

	now func() time.Time
}

func NewGPS103Decoder(timeOffset time.Duration) *GPS103Decoder {
	return &GPS103Decoder{timeOffset: timeOffset, now: time.Now}
}

// Decode parses one ';'-delimited frame (terminator already stripped).
func (d *GPS103Decoder) Decode(frame []byte, _ Transport) []Record {
	text := strings.TrimSpace(string(frame))
	if text == "" {
		return nil
	}

	if isAllDigits(text) {
		// Bare IMEI handshake.
		return []Record{ConnectionRecord{IMEI: text, Time: d.now().UTC()}}
	}

	if !strings.HasPrefix(text, "imei:") {
		Log.Warn("gps103: unrecognized frame prefix", "frame", truncateForLog(text))
		return nil
	}

	parts := strings.Split(text, ",")
	imei := strings.TrimPrefix(parts[0], "imei:")
	if imei == "" || len(parts) < 2 {
		Log.Warn("gps103: frame without command", "frame", truncateForLog(text))
		return nil
	}
	cmd := parts[1]

	if cmd == "vr" {
		return d.decodePhotoChunk(imei, parts)
	}

	eventType, extras := gps103EventType(cmd)
	if eventType == EventUnknown {
		Log.Debug("gps103: unknown command", "imei", imei, "cmd", cmd)
		return []Record{EventRecord{IMEI: imei, Type: EventUnknown, Time: d.now().UTC()}}
	}

	when := d.parseTime(parts)
	lat, lon, speed, course, valid, hasFix := gps103Fix(parts)

	if eventType == EventPosition {
		if !hasFix {
			Log.Warn("gps103: position frame without fix", "imei", imei, "frame", truncateForLog(text))
			return nil
		}
		return []Record{PositionRecord{
			IMEI:      imei,
			Time:      when,
			Latitude:  lat,
			Longitude: lon,
			Speed:     speed,
			Course:    course,
			Valid:     valid,
		}}
	}

	switch eventType {
	case EventTPMS:
		for i, name := range gps103TyreFields {
			if 3+i < len(parts) {
				extras[name] = parts[3+i]
			}
		}
	case EventRFID:
		if len(parts) > 3 {
			extras["tag"] = parts[3]
		}
	}

	return []Record{EventRecord{
		IMEI:      imei,
		Type:      eventType,
		Time:      when,
		Latitude:  lat,
		Longitude: lon,
		HasFix:    hasFix,
		Extras:    extras,
	}}
}

// gps103EventType resolves the command word, including the prefixed
// forms that carry a payload inside the command itself.
func gps103EventType(cmd string) (string, map[string]string) {
	extras := map[string]string{}
	switch {
	case strings.HasPrefix(cmd, "T:"):
		extras["temperature"] = strings.TrimPrefix(cmd, "T:")
		return EventTemperature, extras
	case strings.HasPrefix(cmd, "DTC"):
		extras["code"] = strings.TrimPrefix(cmd, "DTC")
		return EventFault, extras
	case strings.HasPrefix(cmd, "service"):
		extras["maintenance"] = "due"
		return EventFault, extras
	case strings.HasPrefix(cmd, "oil "):
		extras["percentage"] = strings.TrimSpace(strings.TrimPrefix(cmd, "oil "))
		return EventFuelLeak, extras
	}
	if t, ok := gps103Commands[cmd]; ok {
		return t, extras
	}
	return EventUnknown, extras
}

// parseTime reads the yymmddHHMM[SS] field and shifts device-local
// time to UTC.  A bad or missing field falls back to arrival time so a
// usable alarm is not lost over a broken clock.
func (d *GPS103Decoder) parseTime(parts []string) time.Time {
	if len(parts) < 3 || parts[2] == "" {
		return d.now().UTC()
	}
	raw := parts[2]
	layout := "0601021504"
	if len(raw) >= 12 {
		layout = "060102150405"
		raw = raw[:12]
	} else if len(raw) > 10 {
		raw = raw[:10]
	}
	t, err := time.ParseInLocation(layout, raw, time.UTC)
	if err != nil {
		Log.Warn("gps103: bad datetime field", "value", parts[2])
		return d.now().UTC()
	}
	return t.Add(d.timeOffset)
}

// gps103Fix locates the GPS block inside a frame.  Two patterns exist
// in the wild: a validity flag (A/V) somewhere in fields 3..7 with the
// coordinates right behind it, and the full "F,hhmmss.000,A" GPS block.
func gps103Fix(parts []string) (lat, lon, speed, course float64, valid, ok bool) {
	coordIdx := -1

	for i := 3; i < len(parts) && i < 8; i++ {
		if parts[i] == "A" || parts[i] == "V" {
			valid = parts[i] == "A"
			coordIdx = i + 1
			break
		}
	}

	for i, p := range parts {
		if p == "F" && i+2 < len(parts) && strings.HasSuffix(parts[i+1], ".000") &&
			(parts[i+2] == "A" || parts[i+2] == "V") {
			valid = parts[i+2] == "A"
			coordIdx = i + 3
			break
		}
	}

	if coordIdx < 0 || coordIdx+3 >= len(parts) {
		return 0, 0, 0, 0, false, false
	}

	rawLat, err := parseDegMin(parts[coordIdx], 2)
	if err != nil {
		Log.Warn("gps103: bad latitude", "value", parts[coordIdx], "err", err)
		return 0, 0, 0, 0, false, false
	}
	rawLon, err := parseDegMin(parts[coordIdx+2], 3)
	if err != nil {
		Log.Warn("gps103: bad longitude", "value", parts[coordIdx+2], "err", err)
		return 0, 0, 0, 0, false, false
	}
	lat = applyHemisphere(rawLat, hemiByte(parts[coordIdx+1]))
	lon = applyHemisphere(rawLon, hemiByte(parts[coordIdx+3]))
	if !validWGS84(lat, lon) {
		return 0, 0, 0, 0, false, false
	}

	if coordIdx+4 < len(parts) {
		if kn, err := strconv.ParseFloat(parts[coordIdx+4], 64); err == nil {
			speed = speedKnotsToKmh(kn)
		}
	}
	if coordIdx+5 < len(parts) {
		if c, err := strconv.ParseFloat(parts[coordIdx+5], 64); err == nil {
			course = c
		}
	}
	return lat, lon, speed, course, valid, true
}

// decodePhotoChunk accumulates "vr" camera frames.  Layout:
// imei:IMEI,vr,<index>,<count>,<hex>.  Any malformed chunk discards the
// whole accumulation; a camera retry starts clean.
func (d *GPS103Decoder) decodePhotoChunk(imei string, parts []string) []Record {
	if len(parts) < 5 {
		Log.Warn("gps103: short photo chunk", "imei", imei)
		d.resetPhoto()
		return nil
	}
	index, err1 := strconv.Atoi(parts[2])
	total, err2 := strconv.Atoi(parts[3])
	payload := strings.TrimSpace(parts[4])
	if err1 != nil || err2 != nil || total <= 0 || index < 1 || index > total || !isHexString(payload) {
		Log.Warn("gps103: malformed photo chunk", "imei", imei)
		d.resetPhoto()
		return nil
	}

	if d.photoIMEI != imei || d.photoTotal != total || index != len(d.photoChunks)+1 {
		if index != 1 {
			// Out-of-order chunk with nothing buffered; drop it.
			Log.Warn("gps103: photo chunk out of order", "imei", imei, "index", index)
			d.resetPhoto()
			return nil
		}
		d.photoIMEI = imei
		d.photoTotal = total
		d.photoChunks = d.photoChunks[:0]
	}
	d.photoChunks = append(d.photoChunks, payload)

	if len(d.photoChunks) < d.photoTotal {
		return nil
	}

	image := strings.Join(d.photoChunks, "")
	d.resetPhoto()
	return []Record{EventRecord{
		IMEI:   imei,
		Type:   EventPhoto,
		Time:   d.now().UTC(),
		Extras: map[string]string{"image": image},
	}}
}

func (d *GPS103Decoder) resetPhoto() {
	d.photoIMEI = ""
	d.photoTotal = 0
	d.photoChunks = nil
}

func hemiByte(s string) byte {
	if s == "" {
		return 0
	}
	return s[0]
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isHexString(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// truncateForLog keeps malformed-frame logging bounded.
func truncateForLog(s string) string {
	const max = 256
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
