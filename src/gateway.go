package fleetgw

/*------------------------------------------------------------------
 *
 * Purpose:	Wire the pieces together and run them.
 *
 * Description: The gateway owns one of everything: registry, data
 *		client, tracker server, position updater, event engine,
 *		notifier, WebSocket hub, guest table, HTTP surface,
 *		liveness sweep, raw-frame capture.  Construction wires
 *		dependencies explicitly; Run blocks until the context is
 *		cancelled, then tears down in reverse order.
 *
 *		The gateway also routes: every record a decoder emits
 *		lands in Dispatch, which decides whether it is a
 *		liveness touch, a position fix, or an event.
 *
 *------------------------------------------------------------------*/

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Gateway is the whole process.
type Gateway struct {
	cfg Config

	data     *DataClient
	reg      *Registry
	guests   *GuestTable
	hub      *Hub
	notifier *Notifier
	engine   *EventEngine
	updater  *PositionUpdater
	server   *Server
	httpSrv  *http.Server
	liveness *LivenessSweeper
	rawlog   *RawLog
}

func NewGateway(cfg Config) (*Gateway, error) {
	data, err := NewDataClient(cfg)
	if err != nil {
		return nil, err
	}

	g := &Gateway{cfg: cfg, data: data, reg: NewRegistry(), guests: NewGuestTable()}

	g.hub = NewHub(g.reg, data, data, g.guests)
	g.notifier = NewNotifier(cfg, data)
	g.engine = NewEventEngine(data, g.notifier, g.hub)
	g.updater = NewPositionUpdater(g.reg, data, g.engine)
	g.liveness = NewLivenessSweeper(g.reg, g.engine)

	if cfg.RawLogDir != "" {
		g.rawlog, err = NewRawLog(cfg.RawLogDir)
		if err != nil {
			_ = data.Close()
			return nil, err
		}
	}

	var capture FrameCapture
	if g.rawlog != nil {
		capture = g.rawlog
	}
	g.server = NewServer(cfg, g, capture)

	api := NewAPI(g.reg, data, g.engine, g.guests, g.hub)
	g.httpSrv = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Dispatch routes one decoded record.  Implements RecordSink.
func (g *Gateway) Dispatch(ctx context.Context, rec Record) {
	switch rec := rec.(type) {
	case ConnectionRecord:
		if _, ok := g.updater.Resolve(ctx, rec.IMEI); !ok {
			Log.Warn("heartbeat from unknown device", "uniqueid", rec.IMEI)
			return
		}
		g.reg.Mutate(rec.IMEI, func(d *Device) {
			d.Status = StatusOnline
			if rec.Time.After(d.LastUpdate.Time) {
				d.LastUpdate = WallTime{rec.Time}
			}
		})
	case PositionRecord:
		g.updater.Apply(ctx, rec)
	case EventRecord:
		if rec.Type == EventUnknown {
			Log.Debug("unknown event dropped", "uniqueid", rec.IMEI)
			return
		}
		dev, ok := g.updater.Resolve(ctx, rec.IMEI)
		if !ok {
			Log.Warn("event from unknown device", "uniqueid", rec.IMEI, "type", rec.Type)
			return
		}
		g.engine.Publish(ctx, dev, rec, "")
	}
}

// Run seeds the registry, starts everything, and blocks until ctx is
// cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.seedRegistry(ctx); err != nil {
		return err
	}

	if err := g.server.Start(ctx); err != nil {
		return err
	}

	go g.liveness.Run(ctx)

	httpErr := make(chan error, 1)
	go func() {
		Log.Info("http listening", "addr", g.cfg.HTTPAddr)
		if err := g.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-httpErr:
		g.shutdown()
		return err
	}

	g.shutdown()
	return nil
}

// seedRegistry loads the device table before any socket opens, so the
// first fix already resolves.  A dead upstream at boot is retried a
// few times and then tolerated: the selective refresh path fills the
// table later.
func (g *Gateway) seedRegistry(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		devices, err := g.data.LoadAllDevices(ctx)
		if err == nil {
			g.reg.ReplaceAll(devices)
			Log.Info("device table loaded", "devices", len(devices))
			return nil
		}
		lastErr = err
		Log.Warn("initial device load failed", "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 2 * time.Second):
		}
	}
	Log.Error("starting with empty device table", "err", lastErr)
	return nil
}

func (g *Gateway) shutdown() {
	Log.Info("shutting down")

	// Stop intake first, then the consumers behind it.
	g.server.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = g.httpSrv.Shutdown(shutdownCtx)

	g.guests.Shutdown()
	g.hub.Shutdown()
	g.engine.Close()
	g.notifier.Close()
	if g.rawlog != nil {
		_ = g.rawlog.Close()
	}
	_ = g.data.Close()
	Log.Info("shutdown complete")
}
