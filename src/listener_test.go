package fleetgw

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scanAll(t *testing.T, protocol string, input []byte) [][]byte {
	t.Helper()
	sc := bufio.NewScanner(bytes.NewReader(input))
	sc.Buffer(make([]byte, 4096), maxFrameBytes)
	sc.Split(FrameSplitter(protocol))

	var frames [][]byte
	for sc.Scan() {
		frames = append(frames, append([]byte(nil), sc.Bytes()...))
	}
	require.NoError(t, sc.Err())
	return frames
}

func TestFrameSplitterGPS103(t *testing.T) {
	frames := scanAll(t, ProtocolGPS103,
		[]byte("359710049100168;imei:359710049100168,tracker,x;imei:359710049100168,acc on,y;"))
	require.Len(t, frames, 3)
	assert.Equal(t, "359710049100168", string(frames[0]))
	assert.Equal(t, "imei:359710049100168,tracker,x", string(frames[1]), "terminator stripped")
}

func TestFrameSplitterH02Text(t *testing.T) {
	frames := scanAll(t, ProtocolH02, []byte("*HQ,123,V1,a#*HQ,123,XT#\r\n*HQ,123,V1,b#"))
	require.Len(t, frames, 3)
	assert.Equal(t, "*HQ,123,V1,a#", string(frames[0]), "terminator kept for the decoder")
	assert.Equal(t, "*HQ,123,XT#", string(frames[1]))
	assert.Equal(t, "*HQ,123,V1,b#", string(frames[2]), "leading newlines skipped")
}

func TestFrameSplitterH02Binary(t *testing.T) {
	bin := make([]byte, h02BinaryFrameLen)
	bin[0] = '$'
	input := append(append([]byte("*HQ,123,XT#"), bin...), []byte("*HQ,123,V0#")...)

	frames := scanAll(t, ProtocolH02, input)
	require.Len(t, frames, 3)
	assert.Equal(t, byte('$'), frames[1][0])
	assert.Len(t, frames[1], h02BinaryFrameLen)
	assert.Equal(t, "*HQ,123,V0#", string(frames[2]))
}

func TestFrameSplitterOsmAnd(t *testing.T) {
	input := []byte("POST /?id=1&timestamp=1&lat=1&lon=2 HTTP/1.1\r\nHost: a\r\n\r\n" +
		"POST /?id=2&timestamp=2&lat=1&lon=2 HTTP/1.1\r\n\r\n")
	frames := scanAll(t, ProtocolOsmAnd, input)
	require.Len(t, frames, 2)
	assert.Contains(t, string(frames[0]), "id=1")
	assert.Contains(t, string(frames[1]), "id=2")
}

func TestFrameSplitterTeltonika(t *testing.T) {
	ident := teltonikaIdentFrame(testIMEI)
	batch := teltonikaTCPFrame(codec8,
		codec8Record(time.Date(2026, 8, 24, 12, 30, 0, 0, time.UTC), -9.93, -76.23, 0, 0, 5, 0, nil))
	keepalive := []byte{0xFF}

	input := append(append(append([]byte(nil), ident...), keepalive...), batch...)
	frames := scanAll(t, ProtocolTeltonika, input)
	require.Len(t, frames, 3)
	assert.Equal(t, ident, frames[0])
	assert.Equal(t, keepalive, frames[1])
	assert.Equal(t, batch, frames[2])
}

func TestFrameSplitterTeltonikaOversizedRejected(t *testing.T) {
	frame := make([]byte, 8)
	binary.BigEndian.PutUint32(frame[4:], maxFrameBytes)

	sc := bufio.NewScanner(bytes.NewReader(frame))
	sc.Split(FrameSplitter(ProtocolTeltonika))
	assert.False(t, sc.Scan())
	assert.Error(t, sc.Err())
}

type recordingSink struct {
	mu   sync.Mutex
	recs []Record
}

func (s *recordingSink) Dispatch(_ context.Context, rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
}

func (s *recordingSink) all() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.recs...)
}

func (s *recordingSink) waitFor(t *testing.T, n int) []Record {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if recs := s.all(); len(recs) >= n {
			return recs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d records, have %d", n, len(s.all()))
	return nil
}

// serveOneConn exercises the real per-connection loop over a pipe,
// without binding sockets.
func serveOneConn(t *testing.T, ep Endpoint, sink RecordSink) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	s := NewServer(Config{}, sink, nil)
	go s.serveConn(context.Background(), server, ep)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestServeConnGPS103(t *testing.T) {
	sink := &recordingSink{}
	conn := serveOneConn(t, Endpoint{Protocol: ProtocolGPS103, TimeOffset: DefaultGPS103TimeOffset}, sink)

	_, err := conn.Write([]byte("359710049100168;"))
	require.NoError(t, err)

	recs := sink.waitFor(t, 1)
	conn.Close()
	assert.Equal(t, "359710049100168", recs[0].UniqueID())
}

func TestServeConnTeltonikaAck(t *testing.T) {
	sink := &recordingSink{}
	conn := serveOneConn(t, Endpoint{Protocol: ProtocolTeltonika}, sink)

	_, err := conn.Write(teltonikaIdentFrame(testIMEI))
	require.NoError(t, err)

	ack := make([]byte, 1)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = conn.Read(ack)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), ack[0], "identification acknowledged")

	sink.waitFor(t, 1)
	conn.Close()
}

func TestServeConnOsmAndReply(t *testing.T) {
	sink := &recordingSink{}
	conn := serveOneConn(t, Endpoint{Protocol: ProtocolOsmAnd}, sink)

	_, err := conn.Write([]byte("POST /?id=1&timestamp=1787920200&lat=1&lon=2 HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	buf := make([]byte, len(osmandOKResponse))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf), "200 OK")

	sink.waitFor(t, 1)
	conn.Close()
}
