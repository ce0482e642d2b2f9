package fleetgw

/*------------------------------------------------------------------
 *
 * Purpose:	Typed facade over the admin API and the relational
 *		store.
 *
 * Description: The gateway holds no authoritative data of its own.
 *		Device metadata and push tokens come from the admin API;
 *		user/device/geofence bindings live in the traccar MySQL
 *		schema; credentials are validated against the traccar
 *		session endpoint.
 *
 *		Every call carries a timeout (default 10 s).  Transient
 *		failures (5xx, timeouts, dropped connections) and
 *		permanent ones (4xx) surface as distinct error shapes so
 *		callers can decide whether retrying next cycle makes
 *		sense.  A dropped DB connection gets one silent
 *		reconnect attempt.
 *
 *------------------------------------------------------------------*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	_ "github.com/go-sql-driver/mysql"
)

// ErrInvalidCredentials distinguishes a clean auth rejection from an
// upstream being down.
var ErrInvalidCredentials = errors.New("invalid credentials")

// UpstreamError is a non-2xx response from an upstream HTTP service.
type UpstreamError struct {
	Op     string
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: upstream status %d", e.Op, e.Status)
}

// Permanent reports whether retrying is pointless (4xx).
func (e *UpstreamError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500
}

// DeviceGeofence pairs a geofence with its owning name for event
// payloads.
type DeviceGeofence struct {
	Name string
	Area string
}

// DataClient is the gateway's only road to authoritative data.
type DataClient struct {
	cfg   Config
	db    *sql.DB
	httpc *http.Client
}

func NewDataClient(cfg Config) (*DataClient, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open relational store: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)

	return &DataClient{
		cfg:   cfg,
		db:    db,
		httpc: &http.Client{Timeout: cfg.UpstreamTimeout},
	}, nil
}

// Close releases the DB pool.  The HTTP client has no sockets worth
// waiting on beyond its idle pool.
func (c *DataClient) Close() error {
	c.httpc.CloseIdleConnections()
	return c.db.Close()
}

/*
 * Admin API.
 */

// LoadAllDevices fetches the complete device list with the latest
// stored position joined in.
func (c *DataClient) LoadAllDevices(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := c.getJSON(ctx, "loadAllDevices", c.adminURL("alldevices-info", nil), &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// PushTokensForUser returns the Expo tokens registered by a user for a
// given event type.  Users mute event classes individually, so the
// filter belongs upstream.
func (c *DataClient) PushTokensForUser(ctx context.Context, userID int, eventType string) ([]string, error) {
	var out struct {
		Tokens []string `json:"tokens"`
	}
	q := url.Values{"userid": {strconv.Itoa(userID)}, "event": {eventType}}
	if err := c.getJSON(ctx, "pushTokensForUser", c.adminURL("push-tokens", q), &out); err != nil {
		return nil, err
	}
	return out.Tokens, nil
}

// NearbySupportUsers returns support-team user ids close to a
// position, optionally filtered by vehicle category.
func (c *DataClient) NearbySupportUsers(ctx context.Context, lat, lon float64, category string) ([]int, error) {
	q := url.Values{
		"latitude":  {strconv.FormatFloat(lat, 'f', -1, 64)},
		"longitude": {strconv.FormatFloat(lon, 'f', -1, 64)},
	}
	if category != "" {
		q.Set("category", category)
	}
	var out struct {
		Users []int `json:"users"`
	}
	if err := c.getJSON(ctx, "nearbySupportUsers", c.adminURL("support-users", q), &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// ValidateCredentials checks a username/password pair against the
// traccar session endpoint.  Returns ErrInvalidCredentials on a clean
// rejection.
func (c *DataClient) ValidateCredentials(ctx context.Context, user, pass string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.UpstreamTimeout)
	defer cancel()

	form := url.Values{"email": {user}, "password": {pass}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		joinURL(c.cfg.TraccarURL, "api/session"), strings.NewReader(form.Encode()))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("validateCredentials: %w", err)
	}
	defer drainAndClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return 0, ErrInvalidCredentials
	default:
		return 0, &UpstreamError{Op: "validateCredentials", Status: resp.StatusCode}
	}

	var session struct {
		ID int `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return 0, fmt.Errorf("validateCredentials: decode session: %w", err)
	}
	if session.ID == 0 {
		return 0, ErrInvalidCredentials
	}
	return session.ID, nil
}

/*
 * Relational store.
 */

// UsersForDevice returns the ids of every user assigned to a device.
func (c *DataClient) UsersForDevice(ctx context.Context, deviceID int) ([]int, error) {
	return c.queryInts(ctx,
		"SELECT ud.userid FROM tc_user_device ud WHERE ud.deviceid = ?", deviceID)
}

// DevicesForUser returns the ids of every device assigned to a user.
func (c *DataClient) DevicesForUser(ctx context.Context, userID int) ([]int, error) {
	return c.queryInts(ctx,
		"SELECT ud.deviceid FROM tc_user_device ud WHERE ud.userid = ?", userID)
}

// GeofencesForDevice returns the parsed geofences bound to a device.
// Definitions that fail to parse are logged and skipped rather than
// wedging position processing.
func (c *DataClient) GeofencesForDevice(ctx context.Context, deviceID int) ([]*Geofence, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.UpstreamTimeout)
	defer cancel()

	const q = `SELECT g.name, g.area
		FROM tc_device_geofence dg
		JOIN tc_geofences g ON dg.geofenceid = g.id
		WHERE dg.deviceid = ?`

	rows, err := c.queryWithReconnect(ctx, q, deviceID)
	if err != nil {
		return nil, fmt.Errorf("geofencesForDevice: %w", err)
	}
	defer rows.Close()

	var fences []*Geofence
	for rows.Next() {
		var name, area string
		if err := rows.Scan(&name, &area); err != nil {
			return nil, fmt.Errorf("geofencesForDevice: scan: %w", err)
		}
		g, err := ParseGeofence(name, area)
		if err != nil {
			Log.Error("skipping unparseable geofence", "name", name, "err", err)
			continue
		}
		fences = append(fences, g)
	}
	return fences, rows.Err()
}

// AssignDeviceToUser creates a user↔device binding.  Idempotent: an
// existing binding is not an error.
func (c *DataClient) AssignDeviceToUser(ctx context.Context, userID, deviceID int) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.UpstreamTimeout)
	defer cancel()

	_, err := c.db.ExecContext(ctx,
		"INSERT IGNORE INTO tc_user_device (userid, deviceid) VALUES (?, ?)",
		userID, deviceID)
	if err != nil {
		return fmt.Errorf("assignDeviceToUser: %w", err)
	}
	return nil
}

func (c *DataClient) queryInts(ctx context.Context, q string, arg any) ([]int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.UpstreamTimeout)
	defer cancel()

	rows, err := c.queryWithReconnect(ctx, q, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// queryWithReconnect runs a query, pinging and retrying once when the
// pooled connection turns out to be dead.
func (c *DataClient) queryWithReconnect(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err == nil || ctx.Err() != nil {
		return rows, err
	}
	if pingErr := c.db.PingContext(ctx); pingErr != nil {
		return nil, err
	}
	return c.db.QueryContext(ctx, q, args...)
}

/*
 * HTTP plumbing.
 */

func (c *DataClient) adminURL(path string, q url.Values) string {
	u := joinURL(c.cfg.AdminURL, path)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *DataClient) getJSON(ctx context.Context, op, rawURL string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.UpstreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &UpstreamError{Op: op, Status: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

// drainAndClose empties a response body so the connection can be
// reused by the pool.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	_ = body.Close()
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
