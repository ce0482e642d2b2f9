package fleetgw

/*------------------------------------------------------------------
 *
 * Purpose:	In-memory table of every device the gateway knows,
 *		keyed by internal id and by tracker uniqueid.
 *
 * Description: The registry is the single source of truth for live
 *		state.  Exactly one instance exists per process and is
 *		wired through construction, never global.
 *
 *		Write discipline: all mutation happens under the write
 *		lock, so two concurrent updates for one device apply in
 *		arrival order and no reader ever sees a torn lat/lon or
 *		status.  Reads hand out value copies; snapshots across
 *		many devices are per-device consistent but not a single
 *		atomic point in time.
 *
 *------------------------------------------------------------------*/

import (
	"sort"
	"sync"
)

// Registry holds the device table.  One per process.
type Registry struct {
	mu         sync.RWMutex
	byID       map[int]*Device
	byUniqueID map[string]*Device

	// Single-flight guard for opportunistic selective refreshes
	// triggered by unknown uniqueids.
	refreshing bool
}

func NewRegistry() *Registry {
	return &Registry{
		byID:       make(map[int]*Device),
		byUniqueID: make(map[string]*Device),
	}
}

// GetByID returns a copy of the device, if known.
func (r *Registry) GetByID(id int) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	if !ok {
		return Device{}, false
	}
	return d.Clone(), true
}

// GetByUniqueID returns a copy of the device, if known.
func (r *Registry) GetByUniqueID(uniqueID string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byUniqueID[uniqueID]
	if !ok {
		return Device{}, false
	}
	return d.Clone(), true
}

// Snapshot returns copies of the devices with the given ids, ordered
// by id, silently skipping unknown ones.
func (r *Registry) Snapshot(ids []int) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(ids))
	for _, id := range ids {
		if d, ok := r.byID[id]; ok {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns a copy of every device, ordered by id.
func (r *Registry) All() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of known devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// ReplaceAll atomically swaps in a full upstream refresh.  Devices
// removed upstream disappear here too.
func (r *Registry) ReplaceAll(devices []Device) {
	byID := make(map[int]*Device, len(devices))
	byUID := make(map[string]*Device, len(devices))
	for i := range devices {
		d := devices[i].Clone()
		if d.Status == "" {
			d.Status = StatusUnknown
		}
		byID[d.ID] = &d
		byUID[d.UniqueID] = &d
	}

	r.mu.Lock()
	r.byID = byID
	r.byUniqueID = byUID
	r.mu.Unlock()
}

// MergeSelective folds an upstream refresh into the table without
// removing anything.  Unknown devices are inserted whole; for known
// devices only the metadata whitelist is overwritten, and position
// fields only when the registry has no fresher sample.
func (r *Registry) MergeSelective(devices []Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range devices {
		in := devices[i]
		cur, ok := r.byID[in.ID]
		if !ok {
			d := in.Clone()
			if d.Status == "" {
				d.Status = StatusUnknown
			}
			r.byID[d.ID] = &d
			r.byUniqueID[d.UniqueID] = &d
			continue
		}

		cur.PositionID = in.PositionID
		cur.GroupID = in.GroupID
		cur.Attributes = in.Attributes
		cur.Phone = in.Phone
		cur.Model = in.Model
		cur.Contact = in.Contact
		cur.Category = in.Category
		cur.Icon = in.Icon
		cur.Driver = in.Driver
		if in.Contactos != nil {
			cur.Contactos = append([]string(nil), in.Contactos...)
		}
		if cur.LastUpdate.IsZero() || cur.LastUpdate.Time.Before(in.LastUpdate.Time) {
			cur.Latitude = in.Latitude
			cur.Longitude = in.Longitude
			cur.Speed = in.Speed
			cur.Course = in.Course
		}
	}
}

// Mutate applies f to the device with the given uniqueid under the
// write lock.  Returns false when the device is unknown.
func (r *Registry) Mutate(uniqueID string, f func(*Device)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byUniqueID[uniqueID]
	if !ok {
		return false
	}
	f(d)
	return true
}

// MutateAll applies f to every device under the write lock.  The
// liveness sweep uses this to mark offline transitions consistently.
func (r *Registry) MutateAll(f func(*Device)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.byID {
		f(d)
	}
}

// TryBeginRefresh claims the single selective-refresh slot.  Returns
// false when a refresh is already in flight.
func (r *Registry) TryBeginRefresh() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refreshing {
		return false
	}
	r.refreshing = true
	return true
}

// EndRefresh releases the refresh slot.
func (r *Registry) EndRefresh() {
	r.mu.Lock()
	r.refreshing = false
	r.mu.Unlock()
}
