package fleetgw

/*------------------------------------------------------------------
 *
 * Purpose:	Turn decoded events into notifications.
 *
 * Description: Every event fans out three ways: over the WebSocket hub
 *		to connected sessions, as Expo push notifications to the
 *		users assigned to the device, and for a small set of
 *		urgent types as WhatsApp messages to the device's
 *		emergency contacts.
 *
 *		Fan-out runs detached from the decode path with its own
 *		deadline, so a slow push provider never backs up a
 *		tracker socket.  Close waits for in-flight fan-outs.
 *
 *------------------------------------------------------------------*/

import (
	"context"
	"sync"
	"time"
)

// Event is the canonical payload every consumer sees: the WebSocket
// hub, the push notifier, and the HTTP surface all speak this shape.
type Event struct {
	DeviceID     int      `json:"deviceid"`
	Name         string   `json:"name"`
	UniqueID     string   `json:"uniqueid"`
	Type         string   `json:"type"`
	EventTime    WallTime `json:"eventtime"`
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	GeofenceName string   `json:"geofencename,omitempty"`
}

// whatsAppEvents is the urgent subset relayed to emergency contacts.
var whatsAppEvents = map[string]bool{
	EventPowerCut:      true,
	EventLowBattery:    true,
	EventSOS:           true,
	EventGeofenceEnter: true,
	EventGeofenceExit:  true,
}

// SubscriberSource resolves which users care about a device.
type SubscriberSource interface {
	UsersForDevice(ctx context.Context, deviceID int) ([]int, error)
}

// EventNotifier delivers events out of process.
type EventNotifier interface {
	NotifyUsers(ctx context.Context, userIDs []int, ev Event)
	NotifyContacts(ctx context.Context, contacts []string, ev Event)
}

// EventBroadcaster pushes events to live WebSocket sessions.
type EventBroadcaster interface {
	BroadcastEvent(ev Event, userIDs []int)
}

// EventEngine owns event fan-out.
type EventEngine struct {
	subs      SubscriberSource
	notifier  EventNotifier
	broadcast EventBroadcaster
	timeout   time.Duration

	wg sync.WaitGroup
}

func NewEventEngine(subs SubscriberSource, notifier EventNotifier, broadcast EventBroadcaster) *EventEngine {
	return &EventEngine{
		subs:      subs,
		notifier:  notifier,
		broadcast: broadcast,
		timeout:   30 * time.Second,
	}
}

// Publish fans an event out to everyone who should hear about it.  It
// returns immediately; delivery happens in the background.
func (e *EventEngine) Publish(ctx context.Context, dev Device, rec EventRecord, geofenceName string) {
	if rec.Type == EventUnknown || rec.Type == EventPosition {
		return
	}

	ev := Event{
		DeviceID:     dev.ID,
		Name:         dev.Name,
		UniqueID:     dev.UniqueID,
		Type:         rec.Type,
		EventTime:    WallTime{rec.Time},
		Latitude:     rec.Latitude,
		Longitude:    rec.Longitude,
		GeofenceName: geofenceName,
	}
	if !rec.HasFix {
		// Event arrived without coordinates; the last known
		// position is the best anyone can do.
		ev.Latitude = dev.Latitude
		ev.Longitude = dev.Longitude
	}

	contacts := append([]string(nil), dev.Contactos...)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		defer cancel()
		e.deliver(ctx, ev, contacts)
	}()
}

func (e *EventEngine) deliver(ctx context.Context, ev Event, contacts []string) {
	users, err := e.subs.UsersForDevice(ctx, ev.DeviceID)
	if err != nil {
		Log.Warn("subscriber lookup failed", "deviceid", ev.DeviceID,
			"type", ev.Type, "err", err)
	}

	Log.Info("event", "type", ev.Type, "deviceid", ev.DeviceID,
		"name", ev.Name, "users", len(users))

	if e.broadcast != nil {
		e.broadcast.BroadcastEvent(ev, users)
	}
	if len(users) > 0 {
		e.notifier.NotifyUsers(ctx, users, ev)
	}
	if whatsAppEvents[ev.Type] && len(contacts) > 0 {
		e.notifier.NotifyContacts(ctx, contacts, ev)
	}
}

// Close waits for in-flight fan-outs to finish.
func (e *EventEngine) Close() {
	e.wg.Wait()
}
