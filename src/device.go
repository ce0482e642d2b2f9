package fleetgw

import (
	"encoding/json"
	"time"
)

// DeviceStatus values mirror the upstream platform.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusUnknown = "unknown"
)

// WallTime is a UTC timestamp that serializes as the platform's
// wall-clock string ("YYYY-MM-DD HH:MM:SS"); the zero value serializes
// as null.
type WallTime struct {
	time.Time
}

func (t WallTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(FormatWallClock(t.Time))
}

func (t *WallTime) UnmarshalJSON(b []byte) error {
	var s *string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == nil || *s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := ParseWallClock(*s)
	if err != nil {
		// The admin API also emits RFC3339 in a few endpoints.
		parsed, err = time.Parse(time.RFC3339, *s)
		if err != nil {
			return err
		}
	}
	t.Time = parsed.UTC()
	return nil
}

// Device is the live state of one tracked vehicle.  The registry owns
// these; everything handed out of the registry is a value copy.
type Device struct {
	ID         int      `json:"id"`
	UniqueID   string   `json:"uniqueid"`
	Name       string   `json:"name"`
	Category   string   `json:"category"`
	Icon       string   `json:"icon,omitempty"`
	Model      string   `json:"model,omitempty"`
	Phone      string   `json:"phone,omitempty"`
	Contact    string   `json:"contact,omitempty"`
	Driver     string   `json:"driver,omitempty"`
	PositionID int      `json:"positionid,omitempty"`
	GroupID    int      `json:"groupid,omitempty"`
	Attributes string   `json:"attributes,omitempty"`
	Contactos  []string `json:"contactos,omitempty"`

	Latitude   float64  `json:"latitude"`
	Longitude  float64  `json:"longitude"`
	Speed      float64  `json:"speed"`
	Course     float64  `json:"course"`
	Status     string   `json:"status"`
	LastUpdate WallTime `json:"lastupdate"`
	LastStop   WallTime `json:"laststop"`
}

// Clone returns a copy safe to read outside the registry's write
// discipline.  Contactos is the only reference-typed field.
func (d Device) Clone() Device {
	out := d
	if d.Contactos != nil {
		out.Contactos = append([]string(nil), d.Contactos...)
	}
	return out
}
