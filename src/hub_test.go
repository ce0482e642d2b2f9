package fleetgw

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCreds struct {
	userID int
	err    error
}

func (f *fakeCreds) ValidateCredentials(context.Context, string, string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.userID, nil
}

type fakeAssignments struct {
	devices map[int][]int
}

func (f *fakeAssignments) DevicesForUser(_ context.Context, userID int) ([]int, error) {
	return f.devices[userID], nil
}

func hubServer(t *testing.T, h *Hub) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialHub(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func deviceNames(t *testing.T, msg map[string]any) []string {
	t.Helper()
	devices, ok := msg["devices"].([]any)
	require.True(t, ok, "expected a snapshot message, got %v", msg)
	var names []string
	for _, d := range devices {
		names = append(names, d.(map[string]any)["name"].(string))
	}
	return names
}

func TestHubRejectsBadCredentials(t *testing.T) {
	h := NewHub(NewRegistry(), &fakeCreds{err: ErrInvalidCredentials}, &fakeAssignments{}, NewGuestTable())
	defer h.Shutdown()
	url := hubServer(t, h)

	_, resp, err := websocket.DefaultDialer.Dial(url+"?u=a&p=b", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHubAuthOutageIsNotForbidden(t *testing.T) {
	h := NewHub(NewRegistry(), &fakeCreds{err: errors.New("upstream down")}, &fakeAssignments{}, NewGuestTable())
	defer h.Shutdown()
	url := hubServer(t, h)

	_, resp, err := websocket.DefaultDialer.Dial(url+"?u=a&p=b", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestHubRejectsUnknownGuestToken(t *testing.T) {
	guests := NewGuestTable()
	defer guests.Shutdown()
	h := NewHub(NewRegistry(), &fakeCreds{}, &fakeAssignments{}, guests)
	defer h.Shutdown()
	url := hubServer(t, h)

	_, resp, err := websocket.DefaultDialer.Dial(url+"?t=deadbeef", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHubUserSnapshot(t *testing.T) {
	a := testDevice(1, "a")
	a.Name = "Camioneta 4"
	b := testDevice(2, "b")
	b.Name = "Volquete 2"
	other := testDevice(3, "c")
	other.Name = "Ajeno"

	reg := NewRegistry()
	reg.ReplaceAll([]Device{a, b, other})

	h := NewHub(reg, &fakeCreds{userID: 11},
		&fakeAssignments{devices: map[int][]int{11: {1, 2}}}, NewGuestTable())
	defer h.Shutdown()
	url := hubServer(t, h)

	conn := dialHub(t, url+"?u=flota&p=secreto")
	names := deviceNames(t, readMessage(t, conn))
	assert.ElementsMatch(t, []string{"Camioneta 4", "Volquete 2"}, names,
		"only assigned devices in the snapshot")
}

func TestHubGuestSnapshotIsScoped(t *testing.T) {
	dev := testDevice(7, "868683027758113")
	dev.Name = "Camioneta 4"
	reg := NewRegistry()
	reg.ReplaceAll([]Device{dev, testDevice(8, "x")})

	guests := NewGuestTable()
	defer guests.Shutdown()
	token := guests.Mint(7, time.Now().Add(time.Hour))
	require.NotEmpty(t, token)

	h := NewHub(reg, &fakeCreds{}, &fakeAssignments{}, guests)
	defer h.Shutdown()
	url := hubServer(t, h)

	conn := dialHub(t, url+"?t="+token)
	names := deviceNames(t, readMessage(t, conn))
	assert.Equal(t, []string{"Camioneta 4"}, names)
}

func TestHubGuestSnapshotEmptyArrayForUnknownDevice(t *testing.T) {
	guests := NewGuestTable()
	defer guests.Shutdown()
	token := guests.Mint(99, time.Now().Add(time.Hour)) // not in the registry

	h := NewHub(NewRegistry(), &fakeCreds{}, &fakeAssignments{}, guests)
	defer h.Shutdown()
	url := hubServer(t, h)

	conn := dialHub(t, url+"?t="+token)
	msg := readMessage(t, conn)
	devices, ok := msg["devices"].([]any)
	require.True(t, ok, "devices must be an array, not null: %v", msg)
	assert.Empty(t, devices)
}

func TestHubBroadcastTargeting(t *testing.T) {
	reg := NewRegistry()
	reg.ReplaceAll([]Device{testDevice(7, "a")})

	guests := NewGuestTable()
	defer guests.Shutdown()
	guestToken := guests.Mint(7, time.Now().Add(time.Hour))
	strayToken := guests.Mint(8, time.Now().Add(time.Hour))

	h := NewHub(reg, &fakeCreds{userID: 11},
		&fakeAssignments{devices: map[int][]int{11: {7}}}, guests)
	defer h.Shutdown()
	url := hubServer(t, h)

	user := dialHub(t, url+"?u=flota&p=secreto")
	guest := dialHub(t, url+"?t="+guestToken)
	stray := dialHub(t, url+"?t="+strayToken)

	// Drain initial snapshots so the next read is the event.
	readMessage(t, user)
	readMessage(t, guest)
	readMessage(t, stray)

	ev := Event{DeviceID: 7, Name: "Camioneta 4", Type: EventSOS}
	h.BroadcastEvent(ev, []int{11})

	msg := readMessage(t, user)
	require.Contains(t, msg, "event")
	assert.Equal(t, EventSOS, msg["event"].(map[string]any)["type"])

	msg = readMessage(t, guest)
	require.Contains(t, msg, "event")

	// The stray guest watches device 8 and must only ever see
	// snapshots for it.
	require.NoError(t, stray.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var strayMsg map[string]any
	if err := stray.ReadJSON(&strayMsg); err == nil {
		assert.NotContains(t, strayMsg, "event")
	}
}

func TestHubGuestExpiryClosesSession(t *testing.T) {
	reg := NewRegistry()
	reg.ReplaceAll([]Device{testDevice(7, "a")})

	guests := NewGuestTable()
	defer guests.Shutdown()
	token := guests.Mint(7, time.Now().Add(time.Hour))

	h := NewHub(reg, &fakeCreds{}, &fakeAssignments{}, guests)
	defer h.Shutdown()
	url := hubServer(t, h)

	conn := dialHub(t, url+"?t="+token)
	readMessage(t, conn)
	require.Equal(t, 1, h.SessionCount())

	guests.Revoke(token)

	assert.Eventually(t, func() bool {
		return h.SessionCount() == 0
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func TestHubBrokenSocketOnlyDropsItself(t *testing.T) {
	reg := NewRegistry()
	reg.ReplaceAll([]Device{testDevice(7, "a")})

	h := NewHub(reg, &fakeCreds{userID: 11},
		&fakeAssignments{devices: map[int][]int{11: {7}}}, NewGuestTable())
	defer h.Shutdown()
	url := hubServer(t, h)

	healthy := dialHub(t, url+"?u=flota&p=secreto")
	broken := dialHub(t, url+"?u=flota&p=secreto")
	readMessage(t, healthy)
	readMessage(t, broken)
	require.Equal(t, 2, h.SessionCount())

	_ = broken.Close()

	assert.Eventually(t, func() bool {
		return h.SessionCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	h.BroadcastEvent(Event{DeviceID: 7, Type: EventPowerCut}, []int{11})
	msg := readMessage(t, healthy)
	assert.Contains(t, msg, "event")
}

func TestHubShutdownClosesSessions(t *testing.T) {
	reg := NewRegistry()
	reg.ReplaceAll([]Device{testDevice(7, "a")})
	h := NewHub(reg, &fakeCreds{userID: 11},
		&fakeAssignments{devices: map[int][]int{11: {7}}}, NewGuestTable())
	url := hubServer(t, h)

	conn := dialHub(t, url+"?u=flota&p=secreto")
	readMessage(t, conn)

	h.Shutdown()
	assert.Equal(t, 0, h.SessionCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
