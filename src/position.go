package fleetgw

/*------------------------------------------------------------------
 *
 * Purpose:	Apply decoded position fixes to the registry and derive
 *		geofence transitions.
 *
 * Description: One fix flows through four gates: resolve the device
 *		(with at most one opportunistic upstream refresh for
 *		unknown uniqueids), reject stale samples (lastupdate is
 *		strictly monotonic per device), fold the fix into the
 *		registry under the write lock, then compare the previous
 *		and current points against the device's geofences.
 *
 *		Geofence bindings are fetched per fix, never cached, so a
 *		newly bound fence applies to the very next sample; a
 *		store outage degrades to "no transitions detected" rather
 *		than stalling the fix path.
 *
 *------------------------------------------------------------------*/

import (
	"context"
)

// DeviceDirectory is the slice of DataClient the updater needs.
type DeviceDirectory interface {
	LoadAllDevices(ctx context.Context) ([]Device, error)
	GeofencesForDevice(ctx context.Context, deviceID int) ([]*Geofence, error)
}

// EventPublisher receives derived events.  The event engine implements
// this.
type EventPublisher interface {
	Publish(ctx context.Context, dev Device, ev EventRecord, geofenceName string)
}

// PositionUpdater owns the fix path.
type PositionUpdater struct {
	reg    *Registry
	dir    DeviceDirectory
	events EventPublisher
}

func NewPositionUpdater(reg *Registry, dir DeviceDirectory, events EventPublisher) *PositionUpdater {
	return &PositionUpdater{
		reg:    reg,
		dir:    dir,
		events: events,
	}
}

// Resolve looks up a device by uniqueid, refreshing the registry from
// upstream once when it is unknown.  The refresh is single-flight:
// concurrent misses while one is running just fail fast.
func (u *PositionUpdater) Resolve(ctx context.Context, uniqueID string) (Device, bool) {
	if dev, ok := u.reg.GetByUniqueID(uniqueID); ok {
		return dev, true
	}
	if !u.reg.TryBeginRefresh() {
		return Device{}, false
	}
	defer u.reg.EndRefresh()

	devices, err := u.dir.LoadAllDevices(ctx)
	if err != nil {
		Log.Warn("device refresh failed", "uniqueid", uniqueID, "err", err)
		return Device{}, false
	}
	u.reg.MergeSelective(devices)
	Log.Info("device table refreshed", "devices", len(devices), "trigger", uniqueID)

	return u.reg.GetByUniqueID(uniqueID)
}

// Apply folds one fix into the registry and publishes any geofence
// transitions it causes.
func (u *PositionUpdater) Apply(ctx context.Context, pos PositionRecord) {
	prev, ok := u.Resolve(ctx, pos.IMEI)
	if !ok {
		Log.Warn("position for unknown device", "uniqueid", pos.IMEI)
		return
	}

	// Out-of-order delivery happens when a tracker flushes its
	// offline buffer.  The registry keeps only the newest sample.
	if !prev.LastUpdate.IsZero() && !pos.Time.After(prev.LastUpdate.Time) {
		Log.Debug("stale position dropped", "uniqueid", pos.IMEI,
			"sample", FormatWallClock(pos.Time), "have", FormatWallClock(prev.LastUpdate.Time))
		return
	}

	if !pos.Valid {
		// No trustworthy coordinates; the device is alive, nothing
		// more.
		u.reg.Mutate(pos.IMEI, func(d *Device) {
			d.Status = StatusOnline
			d.LastUpdate = WallTime{pos.Time}
		})
		return
	}

	u.reg.Mutate(pos.IMEI, func(d *Device) {
		d.Latitude = pos.Latitude
		d.Longitude = pos.Longitude
		d.Speed = pos.Speed
		d.Course = pos.Course
		d.Status = StatusOnline
		d.LastUpdate = WallTime{pos.Time}
		if pos.Speed > 0 {
			d.LastStop = WallTime{pos.Time}
		}
	})

	u.detectTransitions(ctx, prev, pos)
}

// detectTransitions publishes geofenceEnter/geofenceExit for every
// fence whose containment changed between the previous point and this
// fix.  A device with no stored position yet produces no transitions.
func (u *PositionUpdater) detectTransitions(ctx context.Context, prev Device, pos PositionRecord) {
	if prev.LastUpdate.IsZero() {
		return
	}
	fences, err := u.dir.GeofencesForDevice(ctx, prev.ID)
	if err != nil {
		Log.Warn("geofence fetch failed", "deviceid", prev.ID, "err", err)
		return
	}
	for _, f := range fences {
		was := f.Contains(prev.Latitude, prev.Longitude)
		now := f.Contains(pos.Latitude, pos.Longitude)
		if was == now {
			continue
		}
		eventType := EventGeofenceEnter
		if was {
			eventType = EventGeofenceExit
		}
		u.events.Publish(ctx, prev, EventRecord{
			IMEI:      pos.IMEI,
			Type:      eventType,
			Time:      pos.Time,
			Latitude:  pos.Latitude,
			Longitude: pos.Longitude,
			HasFix:    true,
		}, f.Name)
	}
}
