package fleetgw

/*------------------------------------------------------------------
 *
 * Purpose:	Decoder for the H02 (Sinotrack) dialect.
 *
 * Description: Two wire shapes share a port:
 *
 *		  *HQ,imei,CMD,...#
 *			ASCII, '#'-terminated, possibly concatenated.
 *
 *		  $ <binary>
 *			Fixed-width packed BCD frame.
 *
 *		The V1 command is the regular position report.  A 32-bit
 *		status dword rides along; individual cleared bits signal
 *		vibration, SOS, overspeed and power-cut alarms, plus the
 *		ignition line.  Speed is knots on the wire.
 *
 *------------------------------------------------------------------*/

import (
	"strconv"
	"strings"
	"time"
)

// Status dword bit positions (bits are active-low on the wire: a
// cleared bit raises the alarm).
const (
	h02StatusVibration = 0
	h02StatusSOS       = 1
	h02StatusOverspeed = 2
	h02StatusIgnition  = 10
	h02StatusPowerCut  = 19
)

// h02BinaryFrameLen is the short packed-BCD frame: marker, 5-byte id,
// time, date, latitude, battery, longitude+flags, speed+course, status.
const h02BinaryFrameLen = 1 + 5 + 3 + 3 + 4 + 1 + 5 + 3 + 4

// Commands that carry the standard location block.
var h02LocationCommands = map[string]bool{
	"V1":  true,
	"VI1": true,
	"BC":  true,
}

// Commands that are plain keep-alives.
var h02HeartbeatCommands = map[string]bool{
	"XT":   true,
	"HTBT": true,
	"V0":   true,
}

// Cell-LBS report commands.  They identify the device but carry tower
// observations instead of a usable fix, so they count as a sighting
// only.
var h02CellCommands = map[string]bool{
	"NBR":  true,
	"LINK": true,
	"V3":   true,
	"VP1":  true,
}

// Configuration echo commands.  Decoded for the operator log, never
// forwarded as events.
var h02ConfigCommands = map[string]bool{
	"S20": true, "CR": true, "SF": true, "SF2": true, "CF": true,
	"CF2": true, "UR": true, "IP": true, "MP": true, "KC": true,
	"CQ": true, "RESET": true, "APN": true, "ACPC": true,
	"SIMEI": true, "SLAN": true, "CALB": true, "PWM": true,
	"INFO": true, "XT/NXT": true,
}

// H02Decoder is stateless; one instance per connection keeps the
// listener wiring uniform across protocols.
type H02Decoder struct {
	now func() time.Time
}

func NewH02Decoder() *H02Decoder {
	return &H02Decoder{now: time.Now}
}

// Decode parses one frame: either a '#'-delimited text frame with the
// terminator stripped, or a whole '$' binary frame.
func (d *H02Decoder) Decode(frame []byte, _ Transport) []Record {
	if len(frame) == 0 {
		return nil
	}
	if frame[0] == '$' {
		return d.decodeBinary(frame)
	}
	return d.decodeText(strings.TrimSpace(string(frame)))
}

func (d *H02Decoder) decodeText(text string) []Record {
	if text == "" {
		return nil
	}
	if !strings.HasPrefix(text, "*") {
		Log.Warn("h02: unrecognized frame prefix", "frame", truncateForLog(text))
		return nil
	}
	parts := strings.Split(strings.TrimSuffix(text, "#"), ",")
	if len(parts) < 3 {
		Log.Warn("h02: short frame", "frame", truncateForLog(text))
		return nil
	}
	imei := parts[1]
	cmd := parts[2]
	if imei == "" {
		Log.Warn("h02: frame without terminal id", "frame", truncateForLog(text))
		return nil
	}

	switch {
	case h02LocationCommands[cmd]:
		return d.decodeLocation(imei, parts, text)
	case cmd == "ALRM":
		recs := d.decodeLocation(imei, parts, text)
		return append(recs, d.alarmFromLocation(imei, parts, recs))
	case h02HeartbeatCommands[cmd]:
		return []Record{ConnectionRecord{IMEI: imei, Time: d.now().UTC()}}
	case h02CellCommands[cmd]:
		// Cell towers only; no GPS fix to forward.
		return []Record{ConnectionRecord{IMEI: imei, Time: d.now().UTC()}}
	case h02ConfigCommands[cmd]:
		Log.Debug("h02: configuration echo", "imei", imei, "cmd", cmd)
		return []Record{ConnectionRecord{IMEI: imei, Time: d.now().UTC()}}
	default:
		Log.Debug("h02: unknown command", "imei", imei, "cmd", cmd)
		return []Record{EventRecord{IMEI: imei, Type: EventUnknown, Time: d.now().UTC()}}
	}
}

// decodeLocation parses the standard V1-style block:
// *HQ,imei,V1,HHMMSS,A|V,DDMM.mmmm,N|S,DDDMM.mmmm,E|W,spd,crs,DDMMYY,status,...#
func (d *H02Decoder) decodeLocation(imei string, parts []string, raw string) []Record {
	if len(parts) < 13 {
		Log.Warn("h02: location frame too short", "frame", truncateForLog(raw))
		return nil
	}

	when, err := parseH02DateTime(parts[11], parts[3])
	if err != nil {
		Log.Warn("h02: bad datetime", "date", parts[11], "time", parts[3], "err", err)
		return nil
	}

	rawLat, err := parseDegMin(parts[5], 2)
	if err != nil {
		Log.Warn("h02: bad latitude", "value", parts[5], "err", err)
		return nil
	}
	rawLon, err := parseDegMin(parts[7], 3)
	if err != nil {
		Log.Warn("h02: bad longitude", "value", parts[7], "err", err)
		return nil
	}
	lat := applyHemisphere(rawLat, hemiByte(parts[6]))
	lon := applyHemisphere(rawLon, hemiByte(parts[8]))
	if !validWGS84(lat, lon) {
		Log.Warn("h02: coordinates out of range", "frame", truncateForLog(raw))
		return nil
	}

	speed := 0.0
	if kn, err := strconv.ParseFloat(parts[9], 64); err == nil {
		speed = speedKnotsToKmh(kn)
	}
	course := 0.0
	if c, err := strconv.ParseFloat(parts[10], 64); err == nil {
		course = c
	}

	pos := PositionRecord{
		IMEI:      imei,
		Time:      when,
		Latitude:  lat,
		Longitude: lon,
		Speed:     speed,
		Course:    course,
		Valid:     parts[4] == "A",
	}

	status, statusErr := strconv.ParseUint(strings.TrimSpace(parts[12]), 16, 32)
	if statusErr == nil {
		ignition := "off"
		if status&(1<<h02StatusIgnition) == 0 { // active-low
			ignition = "on"
		}
		pos.Extras = map[string]string{"ignition": ignition}
	}

	recs := []Record{pos}
	if statusErr == nil {
		recs = append(recs, h02StatusEvents(pos, uint32(status))...)
	}
	return recs
}

// h02StatusEvents derives alarm events from cleared status bits.
func h02StatusEvents(pos PositionRecord, status uint32) []Record {
	bitClear := func(n uint) bool { return status&(1<<n) == 0 }

	var events []Record
	emit := func(eventType string, extras map[string]string) {
		events = append(events, EventRecord{
			IMEI:      pos.IMEI,
			Type:      eventType,
			Time:      pos.Time,
			Latitude:  pos.Latitude,
			Longitude: pos.Longitude,
			HasFix:    true,
			Extras:    extras,
		})
	}

	if bitClear(h02StatusVibration) {
		emit(EventAlarm, map[string]string{"alarm": "vibration"})
	}
	if bitClear(h02StatusSOS) {
		emit(EventSOS, nil)
	}
	if bitClear(h02StatusOverspeed) {
		emit(EventOverspeed, nil)
	}
	if bitClear(h02StatusPowerCut) {
		emit(EventPowerCut, nil)
	}
	return events
}

// alarmFromLocation turns an ALRM frame into a device alarm event,
// reusing the position block when it parsed.
func (d *H02Decoder) alarmFromLocation(imei string, parts []string, recs []Record) Record {
	ev := EventRecord{IMEI: imei, Type: EventAlarm, Time: d.now().UTC()}
	for _, r := range recs {
		if pos, ok := r.(PositionRecord); ok {
			ev.Time = pos.Time
			ev.Latitude = pos.Latitude
			ev.Longitude = pos.Longitude
			ev.HasFix = true
		}
	}
	if len(parts) > 13 {
		ev.Extras = map[string]string{"power": parts[13]}
	}
	return ev
}

// parseH02DateTime combines the DDMMYY date and HHMMSS time fields.
// H02 clocks report UTC.
func parseH02DateTime(date, clock string) (time.Time, error) {
	t, err := time.ParseInLocation("020106150405", date+clock, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

/*
 * Binary variant.  Packed BCD, fixed width:
 *
 *	0     '$'
 *	1-5   terminal id, 10 BCD digits
 *	6-8   time HHMMSS (BCD)
 *	9-11  date DDMMYY (BCD)
 *	12-15 latitude DDMM.mmmm as 8 BCD digits
 *	16    battery level
 *	17-21 longitude DDDMM.mmmm as 9 BCD digits + flag nibble
 *	       flags: bit1 = valid, bit2 = north, bit3 = east
 *	22-24 speed as 3 BCD digits (knots) then course as 3 BCD digits
 *	25-28 status dword, big endian
 */

func (d *H02Decoder) decodeBinary(frame []byte) []Record {
	if len(frame) < h02BinaryFrameLen {
		Log.Warn("h02: short binary frame", "len", len(frame))
		return nil
	}

	imei := bcdDigits(frame[1:6])
	clock := bcdDigits(frame[6:9])
	date := bcdDigits(frame[9:12])

	when, err := parseH02DateTime(date, clock)
	if err != nil {
		Log.Warn("h02: bad binary datetime", "date", date, "time", clock, "err", err)
		return nil
	}

	latDigits := bcdDigits(frame[12:16]) // DDMMmmmm
	rawLat, err := parseDegMin(latDigits[:4]+"."+latDigits[4:], 2)
	if err != nil {
		Log.Warn("h02: bad binary latitude", "digits", latDigits, "err", err)
		return nil
	}

	battery := int(frame[16])

	lonDigits := bcdDigits(frame[17:22]) // DDDMMmmmm + flag nibble
	flags := lonDigits[9] - '0'
	lonDigits = lonDigits[:9]
	rawLon, err := parseDegMin(lonDigits[:5]+"."+lonDigits[5:], 3)
	if err != nil {
		Log.Warn("h02: bad binary longitude", "digits", lonDigits, "err", err)
		return nil
	}

	valid := flags&0x02 != 0
	lat := rawLat
	if flags&0x04 == 0 {
		lat = -lat
	}
	lon := rawLon
	if flags&0x08 == 0 {
		lon = -lon
	}
	if !validWGS84(lat, lon) {
		Log.Warn("h02: binary coordinates out of range", "lat", lat, "lon", lon)
		return nil
	}

	speedCourse := bcdDigits(frame[22:25]) // SSSCCC
	speedKn, _ := strconv.ParseFloat(speedCourse[:3], 64)
	course, _ := strconv.ParseFloat(speedCourse[3:], 64)

	pos := PositionRecord{
		IMEI:      imei,
		Time:      when,
		Latitude:  lat,
		Longitude: lon,
		Speed:     speedKnotsToKmh(speedKn),
		Course:    course,
		Valid:     valid,
		Extras:    map[string]string{"battery": strconv.Itoa(battery)},
	}

	status := uint32(frame[25])<<24 | uint32(frame[26])<<16 | uint32(frame[27])<<8 | uint32(frame[28])
	return append([]Record{pos}, h02StatusEvents(pos, status)...)
}

// bcdDigits expands packed BCD bytes to their decimal digit string.
// Nibbles above 9 come out as pseudo-digits so flag nibbles can be
// recovered by the caller.
func bcdDigits(b []byte) string {
	var sb strings.Builder
	for _, x := range b {
		sb.WriteByte('0' + x>>4)
		sb.WriteByte('0' + x&0x0f)
	}
	return sb.String()
}
