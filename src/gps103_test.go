package fleetgw

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGPS103ForTest() *GPS103Decoder {
	d := NewGPS103Decoder(DefaultGPS103TimeOffset)
	d.now = func() time.Time { return time.Date(2026, 8, 24, 18, 0, 0, 0, time.UTC) }
	return d
}

func TestGPS103Handshake(t *testing.T) {
	d := newGPS103ForTest()
	recs := d.Decode([]byte("359710049100168"), TransportTCP)
	require.Len(t, recs, 1)
	conn, ok := recs[0].(ConnectionRecord)
	require.True(t, ok)
	assert.Equal(t, "359710049100168", conn.IMEI)
}

func TestGPS103Position(t *testing.T) {
	d := newGPS103ForTest()
	frame := "imei:359710049100168,tracker,2608241230,,F,173000.000,A,0956.1267,S,07614.3932,W,5.00,120.0"
	recs := d.Decode([]byte(frame), TransportTCP)
	require.Len(t, recs, 1)

	pos, ok := recs[0].(PositionRecord)
	require.True(t, ok)
	assert.Equal(t, "359710049100168", pos.IMEI)
	// Device clock is UTC-5, so 12:30 local is 17:30 UTC.
	assert.Equal(t, time.Date(2026, 8, 24, 17, 30, 0, 0, time.UTC), pos.Time)
	assert.InDelta(t, -9.9354445, pos.Latitude, 1e-6)
	assert.InDelta(t, -76.2398866, pos.Longitude, 1e-6)
	assert.InDelta(t, 9.26, pos.Speed, 1e-6, "5 knots in km/h")
	assert.InDelta(t, 120.0, pos.Course, 1e-9)
	assert.True(t, pos.Valid)
}

func TestGPS103PositionWithSeconds(t *testing.T) {
	d := newGPS103ForTest()
	frame := "imei:359710049100168,tracker,260824123045,,F,173045.000,A,0956.1267,S,07614.3932,W,0.00,0"
	recs := d.Decode([]byte(frame), TransportTCP)
	require.Len(t, recs, 1)
	pos := recs[0].(PositionRecord)
	assert.Equal(t, time.Date(2026, 8, 24, 17, 30, 45, 0, time.UTC), pos.Time)
}

func TestGPS103PositionWithoutFixDropped(t *testing.T) {
	d := newGPS103ForTest()
	recs := d.Decode([]byte("imei:359710049100168,tracker,2608241230,,L,"), TransportTCP)
	assert.Empty(t, recs)
}

func TestGPS103Alarms(t *testing.T) {
	tests := []struct {
		name     string
		cmd      string
		expected string
	}{
		{"sos", "help me", EventSOS},
		{"low battery", "low battery", EventLowBattery},
		{"power cut", "ac alarm", EventPowerCut},
		{"ignition on", "acc on", EventIgnitionOn},
		{"ignition off", "acc off", EventIgnitionOff},
		{"overspeed", "speed", EventOverspeed},
		{"geofence", "stockade", EventGeofenceAlarm},
		{"moving", "move", EventDeviceMoving},
		{"door", "door alarm", EventDoorAlarm},
		{"accident", "accident alarm", EventAccidentAlarm},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newGPS103ForTest()
			frame := "imei:359710049100168," + tt.cmd + ",2608241230,,F,173000.000,A,0956.1267,S,07614.3932,W,0.00,0"
			recs := d.Decode([]byte(frame), TransportTCP)
			require.Len(t, recs, 1)
			ev, ok := recs[0].(EventRecord)
			require.True(t, ok)
			assert.Equal(t, tt.expected, ev.Type)
			assert.True(t, ev.HasFix)
			assert.InDelta(t, -9.9354445, ev.Latitude, 1e-6)
		})
	}
}

func TestGPS103PrefixedCommands(t *testing.T) {
	d := newGPS103ForTest()

	recs := d.Decode([]byte("imei:359710049100168,T:28.5,2608241230"), TransportTCP)
	require.Len(t, recs, 1)
	ev := recs[0].(EventRecord)
	assert.Equal(t, EventTemperature, ev.Type)
	assert.Equal(t, "28.5", ev.Extras["temperature"])

	recs = d.Decode([]byte("imei:359710049100168,DTCP0301,2608241230"), TransportTCP)
	require.Len(t, recs, 1)
	ev = recs[0].(EventRecord)
	assert.Equal(t, EventFault, ev.Type)
	assert.Equal(t, "P0301", ev.Extras["code"])
}

func TestGPS103StructuredEvents(t *testing.T) {
	d := newGPS103ForTest()

	recs := d.Decode([]byte("imei:359710049100168,TPMS,2608241230,2.1"), TransportTCP)
	require.Len(t, recs, 1)
	ev := recs[0].(EventRecord)
	assert.Equal(t, "TPMS", ev.Type, "downstream clients match the exact casing")
	assert.Equal(t, "2.1", ev.Extras["tyreStatus"])

	recs = d.Decode([]byte("imei:359710049100168,rfid,2608241230,74AC0917"), TransportTCP)
	require.Len(t, recs, 1)
	ev = recs[0].(EventRecord)
	assert.Equal(t, "RFID", ev.Type)
	assert.Equal(t, "74AC0917", ev.Extras["tag"])
}

func TestGPS103UnknownCommand(t *testing.T) {
	d := newGPS103ForTest()
	recs := d.Decode([]byte("imei:359710049100168,zzz,2608241230"), TransportTCP)
	require.Len(t, recs, 1)
	ev := recs[0].(EventRecord)
	assert.Equal(t, EventUnknown, ev.Type)
}

func TestGPS103PhotoReassembly(t *testing.T) {
	d := newGPS103ForTest()

	assert.Empty(t, d.Decode([]byte("imei:359710049100168,vr,1,3,ffd8ff"), TransportTCP))
	assert.Empty(t, d.Decode([]byte("imei:359710049100168,vr,2,3,e000"), TransportTCP))
	recs := d.Decode([]byte("imei:359710049100168,vr,3,3,ffd9"), TransportTCP)
	require.Len(t, recs, 1)

	ev, ok := recs[0].(EventRecord)
	require.True(t, ok)
	assert.Equal(t, EventPhoto, ev.Type)
	assert.Equal(t, "ffd8ffe000ffd9", ev.Extras["image"])
}

func TestGPS103PhotoOutOfOrderDiscards(t *testing.T) {
	d := newGPS103ForTest()

	assert.Empty(t, d.Decode([]byte("imei:359710049100168,vr,1,2,aaaa"), TransportTCP))
	// Chunk 2 never arrives; a fresh sequence restarts cleanly.
	assert.Empty(t, d.Decode([]byte("imei:359710049100168,vr,1,2,bbbb"), TransportTCP))
	recs := d.Decode([]byte("imei:359710049100168,vr,2,2,cccc"), TransportTCP)
	require.Len(t, recs, 1)
	assert.Equal(t, "bbbbcccc", recs[0].(EventRecord).Extras["image"])

	// A chunk that is not hex poisons nothing beyond the current
	// accumulation.
	assert.Empty(t, d.Decode([]byte("imei:359710049100168,vr,1,2,zzzz"), TransportTCP))
	assert.Empty(t, d.Decode([]byte("imei:359710049100168,vr,2,2,dddd"), TransportTCP))
}

func TestGPS103BadClockFallsBackToArrival(t *testing.T) {
	d := newGPS103ForTest()
	frame := "imei:359710049100168,tracker,9999999999,,F,173000.000,A,0956.1267,S,07614.3932,W,0.00,0"
	recs := d.Decode([]byte(frame), TransportTCP)
	require.Len(t, recs, 1)
	assert.Equal(t, time.Date(2026, 8, 24, 18, 0, 0, 0, time.UTC), recs[0].(PositionRecord).Time)
}
