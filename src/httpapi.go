package fleetgw

/*------------------------------------------------------------------
 *
 * Purpose:	The gateway's own HTTP surface.
 *
 * Description: Three operations plus the WebSocket mount:
 *
 *		  POST /api/sos            panic button from the app
 *		  GET  /api/update-devices force a device-table refresh
 *		  POST /api/share          mint a guest share token
 *
 *		The surface is thin on purpose: anything authoritative
 *		happens upstream, and every handler answers fast, pushing
 *		slow work into the background.
 *
 *------------------------------------------------------------------*/

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// APIBackend is the slice of DataClient the HTTP surface needs.
type APIBackend interface {
	CredentialValidator
	AssignmentSource
	LoadAllDevices(ctx context.Context) ([]Device, error)
	NearbySupportUsers(ctx context.Context, lat, lon float64, category string) ([]int, error)
	AssignDeviceToUser(ctx context.Context, userID, deviceID int) error
}

// API wires the handlers.
type API struct {
	reg    *Registry
	data   APIBackend
	events EventPublisher
	guests *GuestTable
	socket http.Handler

	now func() time.Time
}

func NewAPI(reg *Registry, data APIBackend, events EventPublisher, guests *GuestTable, socket http.Handler) *API {
	return &API{
		reg:    reg,
		data:   data,
		events: events,
		guests: guests,
		socket: socket,
		now:    time.Now,
	}
}

// Router builds the route table.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/sos", a.handleSOS).Methods(http.MethodPost)
	r.HandleFunc("/api/update-devices", a.handleUpdateDevices).Methods(http.MethodGet)
	r.HandleFunc("/api/share", a.handleShare).Methods(http.MethodPost)
	if a.socket != nil {
		r.Handle("/api/socket", a.socket)
	}
	return r
}

// handleSOS synthesizes an sos event at the device's last position and
// kicks off support-team assignment in the background.
func (a *API) handleSOS(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID int `json:"deviceid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DeviceID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "deviceid required"})
		return
	}

	dev, ok := a.reg.GetByID(body.DeviceID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown device"})
		return
	}

	a.events.Publish(r.Context(), dev, EventRecord{
		IMEI:      dev.UniqueID,
		Type:      EventSOS,
		Time:      a.now().UTC(),
		Latitude:  dev.Latitude,
		Longitude: dev.Longitude,
		HasFix:    !dev.LastUpdate.IsZero(),
	}, "")

	// Support-team assignment can take a while; the panic button
	// must not wait for it.
	go a.assignSupport(dev)

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "deviceid": dev.ID})
}

func (a *API) assignSupport(dev Device) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	users, err := a.data.NearbySupportUsers(ctx, dev.Latitude, dev.Longitude, dev.Category)
	if err != nil {
		Log.Warn("support lookup failed", "deviceid", dev.ID, "err", err)
		return
	}
	for _, userID := range users {
		if err := a.data.AssignDeviceToUser(ctx, userID, dev.ID); err != nil {
			Log.Warn("support assignment failed", "deviceid", dev.ID,
				"userid", userID, "err", err)
		}
	}
	Log.Info("support assigned", "deviceid", dev.ID, "users", len(users))
}

// handleUpdateDevices triggers an asynchronous selective refresh of
// the device table.
func (a *API) handleUpdateDevices(w http.ResponseWriter, r *http.Request) {
	if !a.reg.TryBeginRefresh() {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh already running"})
		return
	}
	go func() {
		defer a.reg.EndRefresh()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		devices, err := a.data.LoadAllDevices(ctx)
		if err != nil {
			Log.Warn("device refresh failed", "err", err)
			return
		}
		a.reg.MergeSelective(devices)
		Log.Info("device table refreshed", "devices", len(devices), "trigger", "api")
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleShare validates the sharer, checks the device is theirs, and
// mints a guest token.
func (a *API) handleShare(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID  int    `json:"deviceid"`
		ExpiresAt string `json:"expires_at"`
		Usuario   string `json:"usuario"`
		Password  string `json:"contraseña"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DeviceID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "deviceid required"})
		return
	}

	expires, err := ParseWallClock(body.ExpiresAt)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed expires_at"})
		return
	}

	userID, err := a.data.ValidateCredentials(r.Context(), body.Usuario, body.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid credentials"})
		return
	}
	if err != nil {
		Log.Warn("share auth unavailable", "err", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "authentication unavailable"})
		return
	}

	ids, err := a.data.DevicesForUser(r.Context(), userID)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "assignment lookup failed"})
		return
	}
	if !containsInt(ids, body.DeviceID) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "device not assigned to user"})
		return
	}

	token := a.guests.Mint(body.DeviceID, expires.UTC())
	if token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "expiry must be in the future"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"token":      token,
		"expires_at": FormatWallClock(expires),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
