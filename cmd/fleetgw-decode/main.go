package main

/* Offline tracker-frame decoder, mostly for digging through raw-frame
 * captures.  Feed it bytes on stdin (or hex lines with --hex) and it
 * prints one JSON record per line. */

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	fleetgw "github.com/nwperu/fleetgw/src"
)

func main() {
	var protocol = pflag.StringP("protocol", "p", "", "Protocol: gps103, h02, teltonika or osmand.")
	var transport = pflag.StringP("transport", "t", "tcp", "Transport the frames arrived on: tcp or udp.")
	var hexInput = pflag.BoolP("hex", "x", false, "Input is one hex-encoded frame per line.")
	var timeOffset = pflag.Duration("time-offset", fleetgw.DefaultGPS103TimeOffset, "Device clock offset to UTC (gps103 only).")
	pflag.Parse()

	dec, err := decoderFor(*protocol, *timeOffset)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		pflag.Usage()
		os.Exit(1)
	}

	tr := fleetgw.TransportTCP
	if *transport == "udp" {
		tr = fleetgw.TransportUDP
	}

	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 4096), 10<<20)
	if !*hexInput {
		sc.Split(fleetgw.FrameSplitter(*protocol))
	}

	out := json.NewEncoder(os.Stdout)
	for sc.Scan() {
		frame := sc.Bytes()
		if *hexInput {
			raw := strings.TrimPrefix(strings.TrimSpace(sc.Text()), "hex:")
			frame, err = hex.DecodeString(raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "bad hex line: %s\n", err)
				continue
			}
		}
		for _, rec := range dec.Decode(frame, tr) {
			_ = out.Encode(describe(rec))
		}
	}
	if err := sc.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "read: %s\n", err)
		os.Exit(1)
	}
}

func decoderFor(protocol string, offset time.Duration) (fleetgw.Decoder, error) {
	switch protocol {
	case "gps103":
		return fleetgw.NewGPS103Decoder(offset), nil
	case "h02":
		return fleetgw.NewH02Decoder(), nil
	case "teltonika":
		return fleetgw.NewTeltonikaDecoder(), nil
	case "osmand":
		return fleetgw.NewOsmAndDecoder(), nil
	default:
		return nil, fmt.Errorf("unknown protocol %q", protocol)
	}
}

func describe(rec fleetgw.Record) map[string]any {
	switch rec := rec.(type) {
	case fleetgw.ConnectionRecord:
		return map[string]any{
			"kind": "connection",
			"imei": rec.IMEI,
			"time": fleetgw.FormatWallClock(rec.Time),
		}
	case fleetgw.PositionRecord:
		return map[string]any{
			"kind":      "position",
			"imei":      rec.IMEI,
			"time":      fleetgw.FormatWallClock(rec.Time),
			"latitude":  rec.Latitude,
			"longitude": rec.Longitude,
			"speed":     rec.Speed,
			"course":    rec.Course,
			"valid":     rec.Valid,
			"extras":    rec.Extras,
		}
	case fleetgw.EventRecord:
		return map[string]any{
			"kind":      "event",
			"imei":      rec.IMEI,
			"type":      rec.Type,
			"time":      fleetgw.FormatWallClock(rec.Time),
			"latitude":  rec.Latitude,
			"longitude": rec.Longitude,
			"hasfix":    rec.HasFix,
			"extras":    rec.Extras,
		}
	}
	return map[string]any{"kind": "unknown"}
}
