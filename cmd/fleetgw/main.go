package main

/*------------------------------------------------------------------
 *
 * Purpose:	Main program for the fleet tracking gateway.
 *
 *		Listens for GPS103, H02, Teltonika and OsmAnd trackers,
 *		keeps the live device table, fans events out to the
 *		mobile apps, and serves the WebSocket/HTTP surface.
 *
 *------------------------------------------------------------------*/

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	fleetgw "github.com/nwperu/fleetgw/src"
)

func main() {
	var configFile = pflag.StringP("config-file", "c", "", "Optional YAML file overriding the endpoint table.")
	var logLevel = pflag.StringP("log-level", "l", "info", "Log level: debug, info, warn, error.")
	var logFile = pflag.String("log-file", "", "Also write logs to this file, with rotation.")
	var rawLogDir = pflag.String("raw-log-dir", "", "Capture raw tracker frames to daily files in this directory.")
	var osmandQuiet = pflag.Bool("osmand-quiet", false, "Do not reply HTTP 200 to OsmAnd clients.")
	pflag.Parse()

	if err := fleetgw.SetupLogging(*logLevel, *logFile); err != nil {
		fleetgw.Log.Fatal("logging setup failed", "err", err)
	}

	cfg, err := fleetgw.LoadConfig(*configFile)
	if err != nil {
		fleetgw.Log.Fatal("configuration invalid", "err", err)
	}
	if *rawLogDir != "" {
		cfg.RawLogDir = *rawLogDir
	}
	if *osmandQuiet {
		cfg.OsmAndQuiet = true
	}

	gw, err := fleetgw.NewGateway(cfg)
	if err != nil {
		fleetgw.Log.Fatal("gateway construction failed", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gw.Run(ctx); err != nil {
		fleetgw.Log.Fatal("gateway stopped", "err", err)
	}
}
