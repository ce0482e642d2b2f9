package fleetgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu sync.Mutex

	userID      int
	credsErr    error
	assignments map[int][]int
	assignErr   error
	devices     []Device
	loadGate    chan struct{}
	loadCalls   int
	supportIDs  []int
	supportErr  error
	assigned    [][2]int
}

func (f *fakeBackend) ValidateCredentials(context.Context, string, string) (int, error) {
	if f.credsErr != nil {
		return 0, f.credsErr
	}
	return f.userID, nil
}

func (f *fakeBackend) DevicesForUser(_ context.Context, userID int) ([]int, error) {
	if f.assignErr != nil {
		return nil, f.assignErr
	}
	return f.assignments[userID], nil
}

func (f *fakeBackend) LoadAllDevices(context.Context) ([]Device, error) {
	f.mu.Lock()
	f.loadCalls++
	f.mu.Unlock()
	if f.loadGate != nil {
		<-f.loadGate
	}
	return append([]Device(nil), f.devices...), nil
}

func (f *fakeBackend) NearbySupportUsers(context.Context, float64, float64, string) ([]int, error) {
	if f.supportErr != nil {
		return nil, f.supportErr
	}
	return f.supportIDs, nil
}

func (f *fakeBackend) AssignDeviceToUser(_ context.Context, userID, deviceID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigned = append(f.assigned, [2]int{userID, deviceID})
	return nil
}

func (f *fakeBackend) assignedPairs() [][2]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]int(nil), f.assigned...)
}

func postJSON(t *testing.T, router http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw)))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSOSRequiresDeviceID(t *testing.T) {
	api := NewAPI(NewRegistry(), &fakeBackend{}, &fakePublisher{}, NewGuestTable(), nil)
	rec := postJSON(t, api.Router(), "/api/sos", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSOSUnknownDevice(t *testing.T) {
	api := NewAPI(NewRegistry(), &fakeBackend{}, &fakePublisher{}, NewGuestTable(), nil)
	rec := postJSON(t, api.Router(), "/api/sos", map[string]any{"deviceid": 99})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSOSPublishesAndAssignsSupport(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 30, 0, 0, time.UTC)

	dev := testDevice(7, "868683027758113")
	dev.Latitude = -9.93
	dev.Longitude = -76.23
	dev.LastUpdate = WallTime{now.Add(-time.Minute)}

	reg := NewRegistry()
	reg.ReplaceAll([]Device{dev})

	backend := &fakeBackend{supportIDs: []int{31, 32}}
	pub := &fakePublisher{}
	api := NewAPI(reg, backend, pub, NewGuestTable(), nil)
	api.now = func() time.Time { return now }

	rec := postJSON(t, api.Router(), "/api/sos", map[string]any{"deviceid": 7})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(7), decodeBody(t, rec)["deviceid"])

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventSOS, events[0].rec.Type)
	assert.Equal(t, now, events[0].rec.Time)
	assert.True(t, events[0].rec.HasFix)
	assert.InDelta(t, -9.93, events[0].rec.Latitude, 1e-9)

	assert.Eventually(t, func() bool {
		return len(backend.assignedPairs()) == 2
	}, 3*time.Second, 10*time.Millisecond, "support assignment runs in the background")
	assert.Contains(t, backend.assignedPairs(), [2]int{31, 7})
	assert.Contains(t, backend.assignedPairs(), [2]int{32, 7})
}

func TestUpdateDevicesRefreshes(t *testing.T) {
	reg := NewRegistry()
	backend := &fakeBackend{devices: []Device{testDevice(1, "a"), testDevice(2, "b")}}
	api := NewAPI(reg, backend, &fakePublisher{}, NewGuestTable(), nil)

	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/update-devices", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	assert.Eventually(t, func() bool {
		return reg.Len() == 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestUpdateDevicesSingleFlight(t *testing.T) {
	gate := make(chan struct{})
	backend := &fakeBackend{loadGate: gate}
	reg := NewRegistry()
	api := NewAPI(reg, backend, &fakePublisher{}, NewGuestTable(), nil)
	router := api.Router()

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/api/update-devices", nil))
	require.Equal(t, http.StatusAccepted, first.Code)
	assert.Equal(t, "accepted", decodeBody(t, first)["status"])

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/api/update-devices", nil))
	assert.Equal(t, http.StatusAccepted, second.Code)
	assert.Equal(t, "refresh already running", decodeBody(t, second)["status"])

	close(gate)
	assert.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return backend.loadCalls == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func shareBody(deviceID int, expires string) map[string]any {
	return map[string]any{
		"deviceid":   deviceID,
		"expires_at": expires,
		"usuario":    "flota@nwperu.pe",
		"contraseña": "secreto",
	}
}

func TestShareMintsToken(t *testing.T) {
	guests := NewGuestTable()
	defer guests.Shutdown()

	backend := &fakeBackend{userID: 11, assignments: map[int][]int{11: {7}}}
	api := NewAPI(NewRegistry(), backend, &fakePublisher{}, guests, nil)

	expires := FormatWallClock(time.Now().UTC().Add(time.Hour))
	rec := postJSON(t, api.Router(), "/api/share", shareBody(7, expires))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	assert.Equal(t, expires, body["expires_at"])

	deviceID, ok := guests.Lookup(token)
	assert.True(t, ok)
	assert.Equal(t, 7, deviceID)
}

func TestShareRejections(t *testing.T) {
	future := FormatWallClock(time.Now().UTC().Add(time.Hour))

	tests := []struct {
		name    string
		backend *fakeBackend
		body    map[string]any
		status  int
	}{
		{
			name:    "missing deviceid",
			backend: &fakeBackend{userID: 11},
			body:    shareBody(0, future),
			status:  http.StatusBadRequest,
		},
		{
			name:    "malformed expiry",
			backend: &fakeBackend{userID: 11},
			body:    shareBody(7, "mañana"),
			status:  http.StatusBadRequest,
		},
		{
			name:    "bad credentials",
			backend: &fakeBackend{credsErr: ErrInvalidCredentials},
			body:    shareBody(7, future),
			status:  http.StatusForbidden,
		},
		{
			name:    "auth upstream down",
			backend: &fakeBackend{credsErr: errors.New("connect refused")},
			body:    shareBody(7, future),
			status:  http.StatusBadGateway,
		},
		{
			name:    "device not theirs",
			backend: &fakeBackend{userID: 11, assignments: map[int][]int{11: {8, 9}}},
			body:    shareBody(7, future),
			status:  http.StatusForbidden,
		},
		{
			name:    "expiry in the past",
			backend: &fakeBackend{userID: 11, assignments: map[int][]int{11: {7}}},
			body:    shareBody(7, FormatWallClock(time.Now().UTC().Add(-time.Hour))),
			status:  http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guests := NewGuestTable()
			defer guests.Shutdown()
			api := NewAPI(NewRegistry(), tt.backend, &fakePublisher{}, guests, nil)
			rec := postJSON(t, api.Router(), "/api/share", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, 0, guests.Len())
		})
	}
}
