package fleetgw

/*------------------------------------------------------------------
 *
 * Purpose:	Tracker-facing sockets: framing and dispatch.
 *
 * Description: One listener per configured endpoint.  Each TCP
 *		connection gets its own decoder instance (GPS103 photo
 *		reassembly and Teltonika identification are per
 *		connection); UDP sockets share one decoder per packet
 *		since those frames are self-contained.
 *
 *		Framing is the only protocol knowledge that lives here:
 *		';' for GPS103, '#' text / fixed '$' binary for H02,
 *		blank-line-terminated requests for OsmAnd, and the
 *		length-prefixed Teltonika layouts.  Everything past the
 *		frame boundary belongs to the decoders.
 *
 *		A single tracker must never take the gateway down:
 *		oversized frames close that connection only, and decode
 *		failures are logged and skipped.
 *
 *------------------------------------------------------------------*/

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	ProtocolGPS103    = "gps103"
	ProtocolH02       = "h02"
	ProtocolTeltonika = "teltonika"
	ProtocolOsmAnd    = "osmand"
)

const (
	// maxFrameBytes caps buffered bytes per connection.  Anything
	// larger is a runaway or hostile peer.
	maxFrameBytes = 10 << 20

	// connIdleTimeout drops trackers that go silent.  Generous:
	// some firmwares heartbeat every few minutes.
	connIdleTimeout = 10 * time.Minute

	maxDatagram = 65507
)

// osmandOKResponse satisfies OsmAnd clients that wait for an HTTP
// status before sending the next fix.
var osmandOKResponse = []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")

// Decoder turns one framed payload into zero or more records.
type Decoder interface {
	Decode(frame []byte, transport Transport) []Record
}

// RecordSink receives every decoded record.  The router implements
// this; tests substitute a recorder.
type RecordSink interface {
	Dispatch(ctx context.Context, rec Record)
}

// FrameCapture receives every raw frame before decoding.  Nil disables
// capture.
type FrameCapture interface {
	Capture(protocol string, transport Transport, remote string, frame []byte)
}

// Server owns the tracker-facing sockets.
type Server struct {
	cfg     Config
	sink    RecordSink
	capture FrameCapture

	mu        sync.Mutex
	listeners []net.Listener
	udpConns  []net.PacketConn
	closed    bool

	wg sync.WaitGroup
}

func NewServer(cfg Config, sink RecordSink, capture FrameCapture) *Server {
	return &Server{cfg: cfg, sink: sink, capture: capture}
}

// Start binds every configured endpoint and begins serving.  It
// returns once all sockets are bound; serving continues until ctx is
// cancelled or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	for _, ep := range s.cfg.Endpoints {
		if err := s.startEndpoint(ctx, ep); err != nil {
			s.Shutdown()
			return err
		}
	}
	return nil
}

// Shutdown closes all sockets and waits for in-flight handlers.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	for _, l := range s.listeners {
		_ = l.Close()
	}
	for _, c := range s.udpConns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) startEndpoint(ctx context.Context, ep Endpoint) error {
	addr := fmt.Sprintf(":%d", ep.Port)
	switch ep.Transport {
	case "tcp":
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s %s: %w", ep.Protocol, addr, err)
		}
		s.mu.Lock()
		s.listeners = append(s.listeners, l)
		s.mu.Unlock()
		Log.Info("listening", "protocol", ep.Protocol, "transport", "tcp", "port", ep.Port)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.acceptLoop(ctx, l, ep)
		}()
	case "udp":
		pc, err := net.ListenPacket("udp", addr)
		if err != nil {
			return fmt.Errorf("listen %s %s: %w", ep.Protocol, addr, err)
		}
		s.mu.Lock()
		s.udpConns = append(s.udpConns, pc)
		s.mu.Unlock()
		Log.Info("listening", "protocol", ep.Protocol, "transport", "udp", "port", ep.Port)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.packetLoop(ctx, pc, ep)
		}()
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, l net.Listener, ep Endpoint) {
	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || ctx.Err() != nil {
				return
			}
			Log.Warn("accept failed", "protocol", ep.Protocol, "err", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn, ep)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn, ep Endpoint) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	Log.Debug("tracker connected", "protocol", ep.Protocol, "remote", remote)

	dec := newDecoder(ep)
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 4096), maxFrameBytes)
	sc.Split(FrameSplitter(ep.Protocol))

	for {
		_ = conn.SetReadDeadline(time.Now().Add(connIdleTimeout))
		if !sc.Scan() {
			break
		}
		frame := append([]byte(nil), sc.Bytes()...)
		if len(frame) == 0 {
			continue
		}
		if s.capture != nil {
			s.capture.Capture(ep.Protocol, TransportTCP, remote, frame)
		}

		recs := dec.Decode(frame, TransportTCP)
		s.reply(conn, ep, frame)
		for _, rec := range recs {
			s.sink.Dispatch(ctx, rec)
		}
		if ctx.Err() != nil {
			return
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		Log.Debug("tracker disconnected", "protocol", ep.Protocol, "remote", remote, "err", err)
	}
}

// reply writes whatever the protocol expects after a frame.
func (s *Server) reply(conn net.Conn, ep Endpoint, frame []byte) {
	var ack []byte
	switch ep.Protocol {
	case ProtocolTeltonika:
		ack = TeltonikaTCPAckFor(frame)
	case ProtocolOsmAnd:
		if !s.cfg.OsmAndQuiet {
			ack = osmandOKResponse
		}
	}
	if len(ack) == 0 {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(ack); err != nil {
		Log.Debug("ack write failed", "protocol", ep.Protocol, "err", err)
	}
}

func (s *Server) packetLoop(ctx context.Context, pc net.PacketConn, ep Endpoint) {
	dec := newDecoder(ep)
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || ctx.Err() != nil {
				return
			}
			Log.Warn("udp read failed", "protocol", ep.Protocol, "err", err)
			continue
		}
		frame := append([]byte(nil), buf[:n]...)
		if s.capture != nil {
			s.capture.Capture(ep.Protocol, TransportUDP, addr.String(), frame)
		}

		recs := dec.Decode(frame, TransportUDP)
		if ep.Protocol == ProtocolTeltonika && len(recs) > 0 {
			if ack := TeltonikaUDPAckFor(frame); len(ack) > 0 {
				_, _ = pc.WriteTo(ack, addr)
			}
		}
		for _, rec := range recs {
			s.sink.Dispatch(ctx, rec)
		}
	}
}

// newDecoder builds the per-connection decoder for an endpoint.
func newDecoder(ep Endpoint) Decoder {
	switch ep.Protocol {
	case ProtocolGPS103:
		return NewGPS103Decoder(ep.TimeOffset)
	case ProtocolH02:
		return NewH02Decoder()
	case ProtocolTeltonika:
		return NewTeltonikaDecoder()
	case ProtocolOsmAnd:
		return NewOsmAndDecoder()
	}
	panic("unknown protocol " + ep.Protocol)
}

// FrameSplitter returns the bufio.SplitFunc that frames a protocol's
// TCP byte stream.
func FrameSplitter(protocol string) bufio.SplitFunc {
	switch protocol {
	case ProtocolGPS103:
		return splitGPS103
	case ProtocolH02:
		return splitH02
	case ProtocolOsmAnd:
		return splitOsmAnd
	case ProtocolTeltonika:
		return splitTeltonika
	}
	panic("unknown protocol " + protocol)
}

// splitGPS103 yields ';'-delimited frames with the terminator
// stripped.
func splitGPS103(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexByte(data, ';'); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// splitH02 yields either a whole fixed-length '$' binary frame or a
// '#'-terminated text frame with the terminator kept (the decoder
// strips it).
func splitH02(data []byte, atEOF bool) (int, []byte, error) {
	start := 0
	for start < len(data) && (data[start] == '\r' || data[start] == '\n' || data[start] == ' ') {
		start++
	}
	if start == len(data) {
		return start, nil, nil
	}
	if data[start] == '$' {
		if len(data)-start < h02BinaryFrameLen {
			if atEOF {
				return len(data), nil, nil
			}
			return start, nil, nil
		}
		return start + h02BinaryFrameLen, data[start : start+h02BinaryFrameLen], nil
	}
	if i := bytes.IndexByte(data[start:], '#'); i >= 0 {
		return start + i + 1, data[start : start+i+1], nil
	}
	if atEOF {
		return len(data), data[start:], nil
	}
	return start, nil, nil
}

// splitOsmAnd yields one HTTP request worth of bytes, ending at the
// blank line after the headers.  OsmAnd sends GETs, so bodies are not
// a concern.
func splitOsmAnd(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return i + 4, data[:i+4], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// splitTeltonika distinguishes the three TCP shapes by their first
// bytes: a lone 0xFF keepalive, an AVL batch (4-byte zero preamble
// then a 4-byte payload length), or the length-prefixed IMEI
// identification.
func splitTeltonika(data []byte, atEOF bool) (int, []byte, error) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	if data[0] == 0xFF {
		return 1, data[:1], nil
	}
	if len(data) < 8 {
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
	if data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 0 {
		dataLen := int(data[4])<<24 | int(data[5])<<16 | int(data[6])<<8 | int(data[7])
		total := 8 + dataLen + 4
		if dataLen < 0 || total > maxFrameBytes {
			return 0, nil, fmt.Errorf("teltonika frame of %d bytes exceeds limit", total)
		}
		if len(data) < total {
			if atEOF {
				return len(data), data, nil
			}
			return 0, nil, nil
		}
		return total, data[:total], nil
	}
	// Identification: 2-byte length then the IMEI digits.
	n := int(data[0])<<8 | int(data[1])
	total := 2 + n
	if total > maxFrameBytes {
		return 0, nil, fmt.Errorf("teltonika identification of %d bytes exceeds limit", total)
	}
	if len(data) < total {
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
	return total, data[:total], nil
}
