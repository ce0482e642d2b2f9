package fleetgw

/*------------------------------------------------------------------
 *
 * Purpose:	Mark devices offline when they stop reporting.
 *
 * Description: A periodic sweep walks the registry and flips devices
 *		to offline once their lastupdate is older than the
 *		threshold.  Going offline forces the displayed speed to
 *		zero, because a stale nonzero speed reads as "still
 *		moving" on the map.
 *
 *		Only the online→offline edge produces a deviceOffline
 *		event; devices that were already offline or never
 *		reported stay silent.
 *
 *------------------------------------------------------------------*/

import (
	"context"
	"time"
)

const (
	livenessInterval  = 60 * time.Second
	livenessThreshold = 10 * time.Minute
)

// LivenessSweeper owns the offline sweep.
type LivenessSweeper struct {
	reg       *Registry
	events    EventPublisher
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time
}

func NewLivenessSweeper(reg *Registry, events EventPublisher) *LivenessSweeper {
	return &LivenessSweeper{
		reg:       reg,
		events:    events,
		interval:  livenessInterval,
		threshold: livenessThreshold,
		now:       time.Now,
	}
}

// Run sweeps until ctx is cancelled.
func (s *LivenessSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass.  Exported so a forced refresh can follow an
// operation that changed many devices at once.
func (s *LivenessSweeper) Sweep(ctx context.Context) {
	cutoff := s.now().UTC().Add(-s.threshold)

	var wentOffline []Device
	s.reg.MutateAll(func(d *Device) {
		if d.Status != StatusOnline {
			return
		}
		// A device with no timestamp at all cannot be proven
		// alive either.
		if d.LastUpdate.IsZero() || d.LastUpdate.Time.Before(cutoff) {
			d.Status = StatusOffline
			d.Speed = 0
			wentOffline = append(wentOffline, d.Clone())
		}
	})

	for _, dev := range wentOffline {
		Log.Info("device went offline", "uniqueid", dev.UniqueID,
			"name", dev.Name, "lastupdate", FormatWallClock(dev.LastUpdate.Time))
		s.events.Publish(ctx, dev, EventRecord{
			IMEI:      dev.UniqueID,
			Type:      EventDeviceOffline,
			Time:      s.now().UTC(),
			Latitude:  dev.Latitude,
			Longitude: dev.Longitude,
			HasFix:    !dev.LastUpdate.IsZero(),
		}, "")
	}
}
