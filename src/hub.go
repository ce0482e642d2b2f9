package fleetgw

/*------------------------------------------------------------------
 *
 * Purpose:	Live state over WebSocket.
 *
 * Description: Two kinds of session connect: authenticated users, who
 *		see every device assigned to them, and guests holding a
 *		share token scoped to exactly one device.
 *
 *		Each session gets an initial snapshot on connect and a
 *		fresh one every five seconds; assignments are refetched
 *		on each tick so granting or revoking a device shows up
 *		without reconnecting.  Events are pushed as they happen.
 *
 *		A broken socket only ever takes down its own session.
 *		gorilla/websocket allows one concurrent writer, so every
 *		session serializes writes behind its own mutex.
 *
 *------------------------------------------------------------------*/

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	hubRefreshInterval = 5 * time.Second
	hubWriteTimeout    = 10 * time.Second
)

// CredentialValidator checks a username/password pair and returns the
// platform user id.
type CredentialValidator interface {
	ValidateCredentials(ctx context.Context, user, pass string) (int, error)
}

// AssignmentSource resolves which devices a user may see.
type AssignmentSource interface {
	DevicesForUser(ctx context.Context, userID int) ([]int, error)
}

// Hub owns all WebSocket sessions.
type Hub struct {
	reg         *Registry
	creds       CredentialValidator
	assignments AssignmentSource
	guests      *GuestTable
	upgrader    websocket.Upgrader

	mu       sync.Mutex
	sessions map[*hubSession]bool
	closed   bool
}

type hubSession struct {
	conn *websocket.Conn

	// Exactly one of userID / guest deviceID is set.
	userID   int
	deviceID int
	token    string

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func NewHub(reg *Registry, creds CredentialValidator, assignments AssignmentSource, guests *GuestTable) *Hub {
	h := &Hub{
		reg:         reg,
		creds:       creds,
		assignments: assignments,
		guests:      guests,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Mobile clients connect from app schemes, not
			// browser origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[*hubSession]bool),
	}
	if guests != nil {
		guests.OnExpire(h.closeGuestSessions)
	}
	return h
}

// ServeHTTP authenticates and upgrades one WebSocket session.  Users
// pass u/p query parameters, guests pass t.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		userID   int
		deviceID int
		token    string
	)
	if t := q.Get("t"); t != "" {
		id, ok := h.guests.Lookup(t)
		if !ok {
			http.Error(w, "invalid or expired token", http.StatusForbidden)
			return
		}
		deviceID, token = id, t
	} else {
		id, err := h.creds.ValidateCredentials(r.Context(), q.Get("u"), q.Get("p"))
		if errors.Is(err, ErrInvalidCredentials) {
			http.Error(w, "invalid credentials", http.StatusForbidden)
			return
		}
		if err != nil {
			Log.Warn("socket auth unavailable", "err", err)
			http.Error(w, "authentication unavailable", http.StatusBadGateway)
			return
		}
		userID = id
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		Log.Debug("socket upgrade failed", "err", err)
		return
	}

	s := &hubSession{
		conn:     conn,
		userID:   userID,
		deviceID: deviceID,
		token:    token,
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.sessions[s] = true
	h.mu.Unlock()

	go h.refreshLoop(s)
	go h.readLoop(s)
}

// refreshLoop sends the initial snapshot and then one every tick until
// the session dies.
func (h *Hub) refreshLoop(s *hubSession) {
	ticker := time.NewTicker(hubRefreshInterval)
	defer ticker.Stop()

	for {
		if !h.sendSnapshot(s) {
			h.drop(s)
			return
		}
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
	}
}

func (h *Hub) sendSnapshot(s *hubSession) bool {
	// Always an array on the wire, never null.
	devices := []Device{}
	if s.deviceID != 0 {
		if d, ok := h.reg.GetByID(s.deviceID); ok {
			devices = append(devices, d)
		}
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), hubRefreshInterval)
		ids, err := h.assignments.DevicesForUser(ctx, s.userID)
		cancel()
		if err != nil {
			// Keep the session; skip this tick.
			Log.Warn("assignment refresh failed", "userid", s.userID, "err", err)
			return true
		}
		devices = append(devices, h.reg.Snapshot(ids)...)
	}
	return s.writeJSON(map[string]any{"devices": devices})
}

// readLoop exists to notice the peer going away; clients never send
// anything meaningful.
func (h *Hub) readLoop(s *hubSession) {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			h.drop(s)
			return
		}
	}
}

// BroadcastEvent pushes an event to every user session in userIDs and
// every guest session scoped to the event's device.
func (h *Hub) BroadcastEvent(ev Event, userIDs []int) {
	users := make(map[int]bool, len(userIDs))
	for _, id := range userIDs {
		users[id] = true
	}

	h.mu.Lock()
	targets := make([]*hubSession, 0, len(h.sessions))
	for s := range h.sessions {
		if (s.userID != 0 && users[s.userID]) ||
			(s.deviceID != 0 && s.deviceID == ev.DeviceID) {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range targets {
		wg.Add(1)
		go func(s *hubSession) {
			defer wg.Done()
			if !s.writeJSON(map[string]any{"event": ev}) {
				h.drop(s)
			}
		}(s)
	}
	// One slow session may burn its whole write deadline; the others
	// must not wait behind it.
	wg.Wait()
}

// closeGuestSessions force-closes every session holding the token.
// Wired as the guest table's expiry callback.
func (h *Hub) closeGuestSessions(token string) {
	h.mu.Lock()
	var targets []*hubSession
	for s := range h.sessions {
		if s.token != "" && s.token == token {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		h.drop(s)
	}
}

// SessionCount reports live sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown closes every session.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	targets := make([]*hubSession, 0, len(h.sessions))
	for s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		h.drop(s)
	}
}

func (h *Hub) drop(s *hubSession) {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
}

func (s *hubSession) writeJSON(v any) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
	return s.conn.WriteJSON(v) == nil
}
