package fleetgw

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDevice(id int, uniqueID string) Device {
	return Device{ID: id, UniqueID: uniqueID, Name: "unit-" + uniqueID, Category: "car"}
}

func TestRegistryReplaceAll(t *testing.T) {
	r := NewRegistry()
	r.ReplaceAll([]Device{testDevice(1, "a"), testDevice(2, "b")})
	assert.Equal(t, 2, r.Len())

	d, ok := r.GetByID(1)
	require.True(t, ok)
	assert.Equal(t, "a", d.UniqueID)
	assert.Equal(t, StatusUnknown, d.Status, "missing status defaults to unknown")

	d, ok = r.GetByUniqueID("b")
	require.True(t, ok)
	assert.Equal(t, 2, d.ID)

	// A device removed upstream disappears.
	r.ReplaceAll([]Device{testDevice(2, "b")})
	_, ok = r.GetByID(1)
	assert.False(t, ok)
	_, ok = r.GetByUniqueID("a")
	assert.False(t, ok)
}

func TestRegistryReadsAreCopies(t *testing.T) {
	r := NewRegistry()
	r.ReplaceAll([]Device{testDevice(1, "a")})

	d, _ := r.GetByID(1)
	d.Name = "scribbled"

	again, _ := r.GetByID(1)
	assert.Equal(t, "unit-a", again.Name)
}

func TestRegistrySnapshotOrderedAndFiltered(t *testing.T) {
	r := NewRegistry()
	r.ReplaceAll([]Device{testDevice(3, "c"), testDevice(1, "a"), testDevice(2, "b")})

	snap := r.Snapshot([]int{3, 99, 1})
	require.Len(t, snap, 2, "unknown ids are skipped")
	assert.Equal(t, 1, snap[0].ID)
	assert.Equal(t, 3, snap[1].ID)

	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, []int{all[0].ID, all[1].ID, all[2].ID}, []int{1, 2, 3})
}

func TestRegistryMergeSelective(t *testing.T) {
	r := NewRegistry()

	seeded := testDevice(1, "a")
	seeded.Latitude = -9.93
	seeded.Longitude = -76.23
	seeded.Speed = 40
	seeded.Status = StatusOnline
	seeded.LastUpdate = WallTime{time.Date(2026, 8, 24, 12, 30, 0, 0, time.UTC)}
	r.ReplaceAll([]Device{seeded})

	// Upstream has fresher metadata but an older stored position.
	incoming := testDevice(1, "a")
	incoming.Phone = "987654321"
	incoming.Driver = "MFlores"
	incoming.Contactos = []string{"912345678"}
	incoming.Latitude = -1
	incoming.Longitude = -1
	incoming.Speed = 0
	incoming.LastUpdate = WallTime{time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	r.MergeSelective([]Device{incoming, testDevice(2, "b")})

	d, _ := r.GetByID(1)
	assert.Equal(t, "987654321", d.Phone, "metadata overwritten")
	assert.Equal(t, "MFlores", d.Driver)
	assert.Equal(t, []string{"912345678"}, d.Contactos)
	assert.InDelta(t, -9.93, d.Latitude, 1e-9, "live position kept over stale upstream one")
	assert.InDelta(t, 40.0, d.Speed, 1e-9)
	assert.Equal(t, StatusOnline, d.Status, "status untouched by merge")

	_, ok := r.GetByID(2)
	assert.True(t, ok, "unknown devices inserted whole")
}

func TestRegistryMergeTakesFresherPosition(t *testing.T) {
	r := NewRegistry()
	stale := testDevice(1, "a")
	stale.LastUpdate = WallTime{time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	r.ReplaceAll([]Device{stale})

	incoming := testDevice(1, "a")
	incoming.Latitude = -9.93
	incoming.LastUpdate = WallTime{time.Date(2026, 8, 24, 12, 30, 0, 0, time.UTC)}
	r.MergeSelective([]Device{incoming})

	d, _ := r.GetByID(1)
	assert.InDelta(t, -9.93, d.Latitude, 1e-9)
}

func TestRegistryMutate(t *testing.T) {
	r := NewRegistry()
	r.ReplaceAll([]Device{testDevice(1, "a")})

	ok := r.Mutate("a", func(d *Device) { d.Speed = 55 })
	assert.True(t, ok)
	d, _ := r.GetByUniqueID("a")
	assert.InDelta(t, 55.0, d.Speed, 1e-9)

	assert.False(t, r.Mutate("nope", func(d *Device) { t.Fatal("must not run") }))
}

func TestRegistryRefreshSingleFlight(t *testing.T) {
	r := NewRegistry()
	require.True(t, r.TryBeginRefresh())
	assert.False(t, r.TryBeginRefresh(), "second claim fails while one is running")
	r.EndRefresh()
	assert.True(t, r.TryBeginRefresh())
	r.EndRefresh()
}

func TestRegistryConcurrentMutation(t *testing.T) {
	r := NewRegistry()
	r.ReplaceAll([]Device{testDevice(1, "a")})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Mutate("a", func(d *Device) { d.Course++ })
			_, _ = r.GetByUniqueID("a")
		}()
	}
	wg.Wait()

	d, _ := r.GetByUniqueID("a")
	assert.InDelta(t, 50.0, d.Course, 1e-9, "every mutation applied exactly once")
}
