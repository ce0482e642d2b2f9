package fleetgw

/*------------------------------------------------------------------
 *
 * Purpose:	The records every protocol decoder normalizes into.
 *
 * Description: Decoders never touch the registry or the network; they
 *		turn one framed payload into zero or more records and the
 *		router decides what happens next.  Three record kinds
 *		exist: a connection (identification/heartbeat, refreshes
 *		last-seen only), a position fix, and a derived event.
 *
 *		Speeds are km/h and timestamps UTC by the time a record
 *		leaves a decoder, whatever the wire format used.
 *
 *------------------------------------------------------------------*/

import "time"

// Transport tells a decoder which flavor of socket a frame arrived on.
// Teltonika wraps UDP payloads differently from TCP ones.
type Transport int

const (
	TransportTCP Transport = iota
	TransportUDP
)

func (t Transport) String() string {
	if t == TransportUDP {
		return "udp"
	}
	return "tcp"
}

// Canonical event vocabulary.  These strings travel all the way to the
// mobile clients, so they follow the upstream platform's naming.
const (
	EventPosition       = "position"
	EventIgnitionOn     = "ignitionOn"
	EventIgnitionOff    = "ignitionOff"
	EventSOS            = "sos"
	EventLowBattery     = "lowBattery"
	EventDeviceMoving   = "deviceMoving"
	EventOverspeed      = "deviceOverspeed"
	EventGeofenceAlarm  = "geofenceAlarm"
	EventGeofenceEnter  = "geofenceEnter"
	EventGeofenceExit   = "geofenceExit"
	EventPowerCut       = "powerCut"
	EventAlarm          = "alarm"
	EventAccidentAlarm  = "accidentAlarm"
	EventBonnetAlarm    = "bonnetAlarm"
	EventFootBrakeAlarm = "footBrakeAlarm"
	EventDoorAlarm      = "doorAlarm"
	EventDeviceOffline  = "deviceOffline"
	EventFault          = "fault"
	EventFuelLeak       = "fuelLeak"
	EventTemperature    = "temperature"
	EventTPMS           = "TPMS"
	EventRFID           = "RFID"
	EventPhoto          = "photo"
	EventUnknown        = "unknown"
)

// Record is anything a decoder can emit.
type Record interface {
	// UniqueID is the tracker identity the record belongs to.
	UniqueID() string
}

// ConnectionRecord marks a device as alive without moving it: logins,
// heartbeats, cell-only reports.
type ConnectionRecord struct {
	IMEI string
	Time time.Time
}

func (r ConnectionRecord) UniqueID() string { return r.IMEI }

// PositionRecord is one GPS fix.
type PositionRecord struct {
	IMEI      string
	Time      time.Time
	Latitude  float64
	Longitude float64
	Speed     float64 // km/h
	Course    float64 // degrees, 0..360
	Valid     bool    // fix quality flag from the device

	// Extras carries protocol-specific attributes (battery, ignition,
	// satellites, raw IO values) as strings.
	Extras map[string]string
}

func (r PositionRecord) UniqueID() string { return r.IMEI }

// EventRecord is a discrete occurrence derived while decoding: an
// alarm bit, an ignition edge, a photo.  Events without a usable fix
// carry HasFix=false and the router fills coordinates from the
// registry.
type EventRecord struct {
	IMEI      string
	Type      string
	Time      time.Time
	Latitude  float64
	Longitude float64
	HasFix    bool
	Extras    map[string]string
}

func (r EventRecord) UniqueID() string { return r.IMEI }

const wallClockLayout = "2006-01-02 15:04:05"

// FormatWallClock renders a UTC timestamp the way the platform stores
// them.  The zero time renders empty.
func FormatWallClock(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(wallClockLayout)
}

// ParseWallClock is the inverse of FormatWallClock.
func ParseWallClock(s string) (time.Time, error) {
	return time.Parse(wallClockLayout, s)
}
