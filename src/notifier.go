package fleetgw

/*------------------------------------------------------------------
 *
 * Purpose:	Out-of-process delivery: Expo push and WhatsApp.
 *
 * Description: Push goes through Expo's send endpoint, one POST per
 *		token, with per-event-type Spanish templates and a
 *		generic fallback.  Tokens are resolved per user and per
 *		event type so upstream mute preferences apply.
 *
 *		WhatsApp messages go to the device's emergency contacts
 *		through the fleet's WhatsApp bridge with a bearer token.
 *		Contact numbers are stored without country code; Peru's
 *		prefix is added here.
 *
 *		Failures are logged and dropped.  Notifications carry no
 *		delivery guarantee; the authoritative record is the
 *		platform, not the phone.
 *
 *------------------------------------------------------------------*/

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	expoPushURL = "https://exp.host/--/api/v2/push/send"

	// whatsAppCountryPrefix is prepended to stored contact numbers.
	whatsAppCountryPrefix = "51"
)

type pushTemplate struct {
	title string
	body  string // fmt template; %s is the device name
}

// pushTemplates keys the notification wording by event type.  Types
// missing here fall back to pushDefaultTemplate; types in
// suppressedPushTypes are never pushed.
var pushTemplates = map[string]pushTemplate{
	EventSOS:           {"🆘 SOS", "El vehículo %s activó el botón de pánico"},
	EventPowerCut:      {"⚠️ Corte de energía", "El vehículo %s reporta corte de alimentación"},
	EventLowBattery:    {"🔋 Batería baja", "El vehículo %s tiene batería baja"},
	EventIgnitionOn:    {"🔑 Encendido", "El vehículo %s encendió el motor"},
	EventIgnitionOff:   {"🔑 Apagado", "El vehículo %s apagó el motor"},
	EventOverspeed:     {"🚨 Exceso de velocidad", "El vehículo %s excede el límite de velocidad"},
	EventDeviceMoving:  {"🚗 En movimiento", "El vehículo %s está en movimiento"},
	EventGeofenceEnter: {"📍 Geocerca", "El vehículo %s ingresó a la geocerca"},
	EventGeofenceExit:  {"📍 Geocerca", "El vehículo %s salió de la geocerca"},
	EventGeofenceAlarm: {"📍 Geocerca", "El vehículo %s reporta alarma de geocerca"},
	EventDeviceOffline: {"📡 Sin señal", "El vehículo %s perdió conexión"},
	EventAccidentAlarm: {"🚨 Accidente", "El vehículo %s reporta un posible accidente"},
	EventDoorAlarm:     {"🚪 Puerta", "El vehículo %s reporta apertura de puerta"},
	EventFuelLeak:      {"⛽ Combustible", "El vehículo %s reporta fuga de combustible"},
}

var pushDefaultTemplate = pushTemplate{"Notificación", "El vehículo %s reporta el evento %s"}

var suppressedPushTypes = map[string]bool{
	EventPosition: true,
	EventUnknown:  true,
	EventPhoto:    true,
}

// TokenSource resolves a user's registered push tokens for one event
// type.
type TokenSource interface {
	PushTokensForUser(ctx context.Context, userID int, eventType string) ([]string, error)
}

// Notifier implements EventNotifier over Expo and the WhatsApp bridge.
type Notifier struct {
	cfg    Config
	tokens TokenSource

	// Test seams.
	pushURL string

	mu    sync.Mutex
	httpc *http.Client
}

func NewNotifier(cfg Config, tokens TokenSource) *Notifier {
	return &Notifier{cfg: cfg, tokens: tokens, pushURL: expoPushURL}
}

// client builds the shared HTTP client on first use.
func (n *Notifier) client() *http.Client {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.httpc == nil {
		n.httpc = &http.Client{Timeout: 15 * time.Second}
	}
	return n.httpc
}

// Close releases pooled connections.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.httpc != nil {
		n.httpc.CloseIdleConnections()
	}
}

// NotifyUsers pushes the event to every token of every listed user.
// Sends run concurrently so one slow token never delays the rest; the
// call still returns only once every send has finished.
func (n *Notifier) NotifyUsers(ctx context.Context, userIDs []int, ev Event) {
	if suppressedPushTypes[ev.Type] {
		return
	}
	title, body := renderPush(ev)
	var wg sync.WaitGroup
	for _, userID := range userIDs {
		tokens, err := n.tokens.PushTokensForUser(ctx, userID, ev.Type)
		if err != nil {
			Log.Warn("push token lookup failed", "userid", userID, "err", err)
			continue
		}
		for _, token := range tokens {
			wg.Add(1)
			go func(token string) {
				defer wg.Done()
				n.sendPush(ctx, token, title, body, ev)
			}(token)
		}
	}
	wg.Wait()
}

func renderPush(ev Event) (title, body string) {
	tpl, ok := pushTemplates[ev.Type]
	if !ok {
		tpl = pushDefaultTemplate
		return tpl.title, fmt.Sprintf(tpl.body, ev.Name, ev.Type)
	}
	body = fmt.Sprintf(tpl.body, ev.Name)
	if ev.GeofenceName != "" {
		body += " " + ev.GeofenceName
	}
	return tpl.title, body
}

// pushChannel keys the Android notification channel by event type, so
// the app can give emergencies their own importance and sound settings.
func pushChannel(eventType string) string {
	if _, ok := pushTemplates[eventType]; ok {
		return eventType
	}
	return "default"
}

func pushSound(eventType string) string {
	if whatsAppEvents[eventType] {
		return "emergency.wav"
	}
	return "default"
}

func (n *Notifier) sendPush(ctx context.Context, token, title, body string, ev Event) {
	sound := pushSound(ev.Type)
	channel := pushChannel(ev.Type)
	payload, err := json.Marshal(map[string]any{
		"to":        token,
		"title":     title,
		"body":      body,
		"sound":     sound,
		"channelId": channel,
		"data": map[string]any{
			"vehicleId": ev.DeviceID,
			"type":      ev.Type,
			"event":     ev,
		},
		"ios":     map[string]any{"sound": sound},
		"android": map[string]any{"channelId": channel, "sound": sound},
	})
	if err != nil {
		Log.Error("push marshal failed", "err", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.pushURL, bytes.NewReader(payload))
	if err != nil {
		Log.Error("push request failed", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client().Do(req)
	if err != nil {
		Log.Warn("push send failed", "type", ev.Type, "err", err)
		return
	}
	drainAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		Log.Warn("push rejected", "type", ev.Type, "status", resp.StatusCode)
	}
}

// NotifyContacts relays the event to emergency contact numbers over
// the WhatsApp bridge.
func (n *Notifier) NotifyContacts(ctx context.Context, contacts []string, ev Event) {
	if n.cfg.WhatsAppURL == "" {
		return
	}
	message := renderWhatsApp(ev)
	for _, contact := range contacts {
		contact = strings.TrimSpace(contact)
		if contact == "" {
			continue
		}
		if !strings.HasPrefix(contact, whatsAppCountryPrefix) {
			contact = whatsAppCountryPrefix + contact
		}
		n.sendWhatsApp(ctx, contact, message, ev)
	}
}

func renderWhatsApp(ev Event) string {
	_, body := renderPush(ev)
	return fmt.Sprintf("%s\n%s\nUbicación: https://maps.google.com/?q=%f,%f",
		body, FormatWallClock(ev.EventTime.Time), ev.Latitude, ev.Longitude)
}

func (n *Notifier) sendWhatsApp(ctx context.Context, number, message string, ev Event) {
	payload, err := json.Marshal(map[string]string{
		"number":  number,
		"message": message,
	})
	if err != nil {
		Log.Error("whatsapp marshal failed", "err", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WhatsAppURL, bytes.NewReader(payload))
	if err != nil {
		Log.Error("whatsapp request failed", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+n.cfg.WhatsAppToken)

	resp, err := n.client().Do(req)
	if err != nil {
		Log.Warn("whatsapp send failed", "type", ev.Type, "err", err)
		return
	}
	drainAndClose(resp.Body)
	if resp.StatusCode >= 300 {
		Log.Warn("whatsapp rejected", "type", ev.Type, "status", resp.StatusCode)
	}
}
