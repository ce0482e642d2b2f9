package fleetgw

/*------------------------------------------------------------------
 *
 * Purpose:	Decoder for the Teltonika binary protocol.
 *
 * Description: TCP connections open with an identification frame
 *		(2-byte length + ASCII IMEI) and then carry AVL batches:
 *
 *		  [4B preamble=0][4B data length][codec][n][records...][n][4B CRC]
 *
 *		UDP datagrams are self-contained:
 *
 *		  [2B length][2B packet id][1B type][1B avl packet id]
 *		  [2B imei length][imei][codec][n][records...]
 *
 *		Codecs 0x08, 0x8E and 0x10 share the record layout and
 *		differ in IO id/count widths; 0x07 (GH3000) is a compact
 *		bitmask format; 0x0C/0x0D are command channels that
 *		yield no records.  Speed in the 0x08 family is already
 *		km/h; GH3000 reports knots.
 *
 *		The IMEI learned from the identification frame is
 *		per-connection decoder state: AVL batches do not repeat
 *		it.
 *
 *------------------------------------------------------------------*/

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"
)

const (
	codecGH3000 = 0x07
	codec8      = 0x08
	codec8Ext   = 0x8E
	codec12     = 0x0C
	codec13     = 0x0D
	codec16     = 0x10
)

// gh3000Epoch is 2007-01-01 00:00:00 UTC, the base of the compact
// 30-bit timestamp.
var gh3000Epoch = time.Date(2007, 1, 1, 0, 0, 0, 0, time.UTC)

type teltonikaIOKind int

const (
	ioNumber teltonikaIOKind = iota
	ioSignedNumber
	ioFlag
	ioAlarm
)

type teltonikaIO struct {
	name  string
	scale float64
	kind  teltonikaIOKind
	// alarmType / alarmLabel drive derived events for ioAlarm entries.
	alarmType  string
	alarmLabel string
}

// Known IO parameters.  Anything absent decodes as a generic io_<id>
// extra so nothing on the wire is silently lost.
var teltonikaIOTable = map[uint16]teltonikaIO{
	1:   {name: "din1", kind: ioFlag},
	2:   {name: "din2", kind: ioFlag},
	3:   {name: "din3", kind: ioFlag},
	4:   {name: "din4", kind: ioFlag},
	9:   {name: "adc1", scale: 0.001},
	10:  {name: "adc2", scale: 0.001},
	11:  {name: "iccid"},
	16:  {name: "odometer"},
	21:  {name: "rssi"},
	31:  {name: "engineLoad"},
	32:  {name: "coolantTemp", kind: ioSignedNumber},
	36:  {name: "rpm"},
	66:  {name: "power", scale: 0.001},
	67:  {name: "battery", scale: 0.001},
	72:  {name: "temp1", scale: 0.1, kind: ioSignedNumber},
	73:  {name: "temp2", scale: 0.1, kind: ioSignedNumber},
	74:  {name: "temp3", scale: 0.1, kind: ioSignedNumber},
	75:  {name: "temp4", scale: 0.1, kind: ioSignedNumber},
	81:  {name: "obdSpeed"},
	82:  {name: "throttle"},
	84:  {name: "fuelLevel", scale: 0.1},
	85:  {name: "obdRpm"},
	239: {name: "ignition", kind: ioFlag},
	240: {name: "movement", kind: ioFlag},
	241: {name: "operator"},
	246: {name: "towAlarm", kind: ioAlarm, alarmType: EventAlarm, alarmLabel: "tow"},
	247: {name: "crashAlarm", kind: ioAlarm, alarmType: EventAccidentAlarm, alarmLabel: "crash"},
	249: {name: "jammingAlarm", kind: ioAlarm, alarmType: EventAlarm, alarmLabel: "jamming"},
	251: {name: "idleAlarm", kind: ioAlarm, alarmType: EventAlarm, alarmLabel: "idle"},
	252: {name: "powerCutAlarm", kind: ioAlarm, alarmType: EventPowerCut, alarmLabel: "powerCut"},
	253: {name: "harshBehavior", kind: ioAlarm, alarmType: EventAlarm, alarmLabel: "harsh"},
}

var harshBehaviorLabels = map[uint64]string{
	1: "acceleration",
	2: "braking",
	3: "cornering",
}

// TeltonikaDecoder keeps per-connection identification state.
type TeltonikaDecoder struct {
	imei string
	now  func() time.Time
}

func NewTeltonikaDecoder() *TeltonikaDecoder {
	return &TeltonikaDecoder{now: time.Now}
}

func (d *TeltonikaDecoder) Decode(frame []byte, transport Transport) []Record {
	if transport == TransportUDP {
		return d.decodeUDP(frame)
	}
	return d.decodeTCP(frame)
}

func (d *TeltonikaDecoder) decodeTCP(frame []byte) []Record {
	if len(frame) == 0 {
		return nil
	}
	if len(frame) == 1 && frame[0] == 0xFF {
		// UDP-style keepalive over TCP; some firmwares do this.
		return nil
	}

	if imei, ok := teltonikaIdentification(frame); ok {
		d.imei = imei
		return []Record{ConnectionRecord{IMEI: imei, Time: d.now().UTC()}}
	}

	if len(frame) < 12 {
		Log.Warn("teltonika: runt tcp frame", "len", len(frame))
		return nil
	}
	if binary.BigEndian.Uint32(frame[0:4]) != 0 {
		Log.Warn("teltonika: bad preamble", "imei", d.imei)
		return nil
	}
	dataLen := binary.BigEndian.Uint32(frame[4:8])
	if int(dataLen)+12 != len(frame) {
		// Whole batch is rejected; the connection stays usable.
		Log.Warn("teltonika: data length mismatch", "imei", d.imei,
			"declared", dataLen, "have", len(frame)-12)
		return nil
	}
	if d.imei == "" {
		Log.Warn("teltonika: avl batch before identification")
		return nil
	}

	r := &byteReader{data: frame[8 : 8+dataLen]}
	codec := r.u8()
	count := int(r.u8())

	recs, err := d.decodeAVLBatch(r, codec, count)
	if err != nil {
		Log.Warn("teltonika: rejecting batch", "imei", d.imei, "err", err)
		return nil
	}
	if codec == codec12 || codec == codec13 {
		// Command-channel payload is left unread; there is no
		// trailer count to verify.
		return nil
	}
	if tail := int(r.u8()); tail != count {
		Log.Warn("teltonika: record count trailer mismatch", "imei", d.imei,
			"head", count, "tail", tail)
		return nil
	}
	return recs
}

func (d *TeltonikaDecoder) decodeUDP(frame []byte) []Record {
	r := &byteReader{data: frame}
	r.u16() // length
	r.u16() // packet id
	r.u8()  // packet type
	r.u8()  // avl packet id
	imeiLen := int(r.u16())
	imei := string(r.bytes(imeiLen))
	codec := r.u8()
	count := int(r.u8())
	if r.err != nil {
		Log.Warn("teltonika: runt udp datagram", "len", len(frame))
		return nil
	}
	d.imei = imei

	recs, err := d.decodeAVLBatch(r, codec, count)
	if err != nil {
		Log.Warn("teltonika: rejecting udp batch", "imei", imei, "err", err)
		return nil
	}
	return recs
}

func (d *TeltonikaDecoder) decodeAVLBatch(r *byteReader, codec byte, count int) ([]Record, error) {
	switch codec {
	case codec8, codec8Ext, codec16:
	case codecGH3000:
	case codec12, codec13:
		// Command/response channel; nothing positional to forward.
		Log.Debug("teltonika: command channel frame", "imei", d.imei, "codec", codec)
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported codec 0x%02X", codec)
	}
	if count <= 0 || count > 255 {
		return nil, fmt.Errorf("implausible record count %d", count)
	}

	var recs []Record
	for i := 0; i < count; i++ {
		var (
			pos    PositionRecord
			events []EventRecord
			err    error
		)
		if codec == codecGH3000 {
			pos, err = d.decodeGH3000Record(r)
		} else {
			pos, events, err = d.decodeStandardRecord(r, codec)
		}
		if err != nil {
			return nil, fmt.Errorf("record %d/%d: %w", i+1, count, err)
		}
		recs = append(recs, pos)
		for _, ev := range events {
			recs = append(recs, ev)
		}
	}
	return recs, nil
}

// decodeStandardRecord handles the codec 8 / 8E / 16 shared layout.
func (d *TeltonikaDecoder) decodeStandardRecord(r *byteReader, codec byte) (PositionRecord, []EventRecord, error) {
	ms := r.u64()
	priority := r.u8()
	lon := float64(int32(r.u32())) / 1e7
	lat := float64(int32(r.u32())) / 1e7
	altitude := int16(r.u16())
	course := float64(r.u16())
	satellites := int(r.u8())
	speed := float64(r.u16()) // already km/h in this codec family

	var eventID uint16
	if codec == codec8Ext || codec == codec16 {
		eventID = r.u16()
	} else {
		eventID = uint16(r.u8())
	}
	if codec == codec16 {
		r.u8() // generation type
	}

	// Total IO count; individual buckets carry their own counts.
	if codec == codec8Ext {
		r.u16()
	} else {
		r.u8()
	}

	extras := map[string]string{
		"priority":   strconv.Itoa(int(priority)),
		"altitude":   strconv.Itoa(int(altitude)),
		"satellites": strconv.Itoa(satellites),
	}

	pos := PositionRecord{
		IMEI:      d.imei,
		Time:      time.UnixMilli(int64(ms)).UTC(),
		Latitude:  lat,
		Longitude: lon,
		Speed:     speed,
		Course:    course,
		Valid:     satellites > 0,
		Extras:    extras,
	}

	var events []EventRecord
	addIO := func(id uint16, value uint64, width int) {
		ev := d.applyIO(&pos, id, value, width, eventID)
		if ev != nil {
			events = append(events, *ev)
		}
	}

	for _, width := range []int{1, 2, 4, 8} {
		var n int
		if codec == codec8Ext {
			n = int(r.u16())
		} else {
			n = int(r.u8())
		}
		if r.err != nil {
			return pos, nil, r.err
		}
		for j := 0; j < n; j++ {
			var id uint16
			if codec == codec8Ext || codec == codec16 {
				id = r.u16()
			} else {
				id = uint16(r.u8())
			}
			var value uint64
			switch width {
			case 1:
				value = uint64(r.u8())
			case 2:
				value = uint64(r.u16())
			case 4:
				value = uint64(r.u32())
			case 8:
				value = r.u64()
			}
			addIO(id, value, width)
		}
	}

	// Codec 8E ends with a variable-length bucket.
	if codec == codec8Ext {
		n := int(r.u16())
		for j := 0; j < n; j++ {
			id := r.u16()
			length := int(r.u16())
			raw := r.bytes(length)
			if r.err != nil {
				return pos, nil, r.err
			}
			pos.Extras[fmt.Sprintf("io_%d", id)] = fmt.Sprintf("%x", raw)
		}
	}

	if !validWGS84(lat, lon) {
		return pos, nil, fmt.Errorf("coordinates out of range: %f,%f", lat, lon)
	}
	return pos, events, r.err
}

// applyIO folds one IO element into the position extras and derives an
// alarm event when warranted.  The triggering IO (eventID) decides
// whether a flag flip becomes an ignition event.
func (d *TeltonikaDecoder) applyIO(pos *PositionRecord, id uint16, value uint64, width int, eventID uint16) *EventRecord {
	io, known := teltonikaIOTable[id]
	if !known {
		pos.Extras[fmt.Sprintf("io_%d", id)] = strconv.FormatUint(value, 10)
		return nil
	}

	switch io.kind {
	case ioFlag:
		pos.Extras[io.name] = strconv.FormatBool(value > 0)
		if id == 239 && eventID == 239 {
			eventType := EventIgnitionOff
			if value > 0 {
				eventType = EventIgnitionOn
			}
			return d.eventAt(pos, eventType, nil)
		}
	case ioAlarm:
		if value == 0 {
			return nil
		}
		label := io.alarmLabel
		if id == 253 {
			if l, ok := harshBehaviorLabels[value]; ok {
				label = l
			}
		}
		pos.Extras[io.name] = label
		return d.eventAt(pos, io.alarmType, map[string]string{"alarm": label})
	case ioSignedNumber:
		signed := signedIOValue(value, width)
		pos.Extras[io.name] = formatScaled(float64(signed), io.scale)
	default:
		pos.Extras[io.name] = formatScaled(float64(value), io.scale)
	}
	return nil
}

func (d *TeltonikaDecoder) eventAt(pos *PositionRecord, eventType string, extras map[string]string) *EventRecord {
	return &EventRecord{
		IMEI:      pos.IMEI,
		Type:      eventType,
		Time:      pos.Time,
		Latitude:  pos.Latitude,
		Longitude: pos.Longitude,
		HasFix:    pos.Valid,
		Extras:    extras,
	}
}

// decodeGH3000Record handles the compact codec 0x07 layout.  Only the
// location element is decoded; the remaining bitmask elements are
// model-specific and skipped.
func (d *TeltonikaDecoder) decodeGH3000Record(r *byteReader) (PositionRecord, error) {
	ts := r.u32()
	when := gh3000Epoch.Add(time.Duration(ts&0x3FFFFFFF) * time.Second)

	pos := PositionRecord{
		IMEI:   d.imei,
		Time:   when,
		Extras: map[string]string{},
	}

	globalMask := r.u8()
	if globalMask&0x01 == 0 {
		pos.Valid = false
		return pos, r.err
	}

	locationMask := r.u8()
	if locationMask&0x01 != 0 {
		lat := float64(math.Float32frombits(r.u32()))
		lon := float64(math.Float32frombits(r.u32()))
		pos.Latitude = lat
		pos.Longitude = lon
		pos.Valid = validWGS84(lat, lon)
	}
	if locationMask&0x02 != 0 {
		pos.Extras["altitude"] = strconv.Itoa(int(r.u16()))
	}
	if locationMask&0x04 != 0 {
		pos.Course = float64(r.u8()) * 360.0 / 256.0
	}
	if locationMask&0x08 != 0 {
		pos.Speed = speedKnotsToKmh(float64(r.u8()))
	}
	if locationMask&0x10 != 0 {
		pos.Extras["satellites"] = strconv.Itoa(int(r.u8()))
	}
	if locationMask&0x20 != 0 {
		// Cell ID + LAC, present but unused.
		r.u32()
		r.u16()
	}
	if locationMask&0x40 != 0 {
		r.u8() // signal quality
	}
	if locationMask&0x80 != 0 {
		r.u32() // operator code
	}
	return pos, r.err
}

// teltonikaIdentification recognizes the 2-byte-length + ASCII IMEI
// opening frame.
func teltonikaIdentification(frame []byte) (string, bool) {
	if len(frame) < 3 {
		return "", false
	}
	n := int(binary.BigEndian.Uint16(frame[0:2]))
	if n == 0 || n+2 != len(frame) {
		return "", false
	}
	imei := string(frame[2:])
	if !isAllDigits(imei) {
		return "", false
	}
	return imei, true
}

// TeltonikaTCPAckFor builds the platform acknowledgement the tracker
// expects after a TCP frame: 0x01 for identification, the record count
// as a 4-byte integer for AVL batches, nothing for anything else.
func TeltonikaTCPAckFor(frame []byte) []byte {
	if _, ok := teltonikaIdentification(frame); ok {
		return []byte{0x01}
	}
	if len(frame) >= 12 && binary.BigEndian.Uint32(frame[0:4]) == 0 {
		codec := frame[8]
		if codec == codec12 || codec == codec13 {
			return nil
		}
		ack := make([]byte, 4)
		binary.BigEndian.PutUint32(ack, uint32(frame[9]))
		return ack
	}
	return nil
}

// TeltonikaUDPAckFor mirrors the datagram header back with the number
// of accepted records.
func TeltonikaUDPAckFor(frame []byte) []byte {
	if len(frame) < 10 {
		return nil
	}
	imeiLen := int(binary.BigEndian.Uint16(frame[6:8]))
	recordCountOff := 8 + imeiLen + 1
	if len(frame) <= recordCountOff {
		return nil
	}
	ack := []byte{
		0, 5, // length
		frame[2], frame[3], // packet id
		0x01,                    // packet type: ack
		frame[5],                // avl packet id
		frame[recordCountOff],   // accepted records
	}
	binary.BigEndian.PutUint16(ack[0:2], uint16(len(ack)-2))
	return ack
}

/*
 * Cursor over a byte slice.  Overruns latch an error and return
 * zeroes, so record decoding can run to completion and be rejected in
 * one place.
 */

type byteReader struct {
	data []byte
	off  int
	err  error
}

func (r *byteReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.data) {
		r.err = fmt.Errorf("frame truncated at offset %d (need %d bytes)", r.off, n)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *byteReader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *byteReader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *byteReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *byteReader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *byteReader) bytes(n int) []byte {
	if n < 0 {
		r.err = fmt.Errorf("negative length %d at offset %d", n, r.off)
		return nil
	}
	return r.take(n)
}

func signedIOValue(value uint64, width int) int64 {
	switch width {
	case 1:
		return int64(int8(value))
	case 2:
		return int64(int16(value))
	case 4:
		return int64(int32(value))
	default:
		return int64(value)
	}
}

func formatScaled(v, scale float64) string {
	if scale != 0 && scale != 1 {
		return strconv.FormatFloat(v*scale, 'f', -1, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
