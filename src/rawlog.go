package fleetgw

/*------------------------------------------------------------------
 *
 * Purpose:	Daily capture of raw tracker frames.
 *
 * Description: Every frame is appended to a per-day file before
 *		decoding, so a misbehaving tracker can be replayed
 *		against the decoders after the fact.  Lines are
 *		timestamp, protocol, transport, remote address and the
 *		frame; binary frames are hex-encoded, text frames kept
 *		readable.
 *
 *		The file name comes from a strftime pattern evaluated
 *		per write; crossing midnight rotates naturally.  Capture
 *		must never hurt the ingest path: write errors disable
 *		the capture until the next rotation instead of
 *		propagating.
 *
 *------------------------------------------------------------------*/

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
	"unicode"

	"github.com/lestrrat-go/strftime"
)

const rawLogPattern = "frames-%Y-%m-%d.log"

// RawLog appends raw frames to daily files.  Implements FrameCapture.
type RawLog struct {
	pattern *strftime.Strftime
	now     func() time.Time

	mu       sync.Mutex
	file     *os.File
	fileName string
	disabled bool
}

func NewRawLog(dir string) (*RawLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("raw log dir: %w", err)
	}
	p, err := strftime.New(filepath.Join(dir, rawLogPattern))
	if err != nil {
		return nil, fmt.Errorf("raw log pattern: %w", err)
	}
	return &RawLog{pattern: p, now: time.Now}, nil
}

// Capture appends one frame.
func (l *RawLog) Capture(protocol string, transport Transport, remote string, frame []byte) {
	now := l.now().UTC()
	name := l.pattern.FormatString(now)

	l.mu.Lock()
	defer l.mu.Unlock()

	if name != l.fileName {
		if l.file != nil {
			_ = l.file.Close()
			l.file = nil
		}
		f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			if !l.disabled {
				Log.Error("raw log open failed", "file", name, "err", err)
			}
			l.disabled = true
			l.fileName = name
			return
		}
		l.file = f
		l.fileName = name
		l.disabled = false
	}
	if l.disabled || l.file == nil {
		return
	}

	line := fmt.Sprintf("%s,%s,%s,%s,%s\n",
		now.Format("2006-01-02 15:04:05.000"),
		protocol, transport, remote, renderFrame(frame))
	if _, err := l.file.Write([]byte(line)); err != nil {
		Log.Error("raw log write failed", "file", l.fileName, "err", err)
		l.disabled = true
	}
}

// Close flushes and closes the current file.
func (l *RawLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// renderFrame keeps text frames readable and hex-encodes anything with
// control or non-ASCII bytes.
func renderFrame(frame []byte) string {
	for _, b := range frame {
		if b > unicode.MaxASCII || (b < ' ' && b != '\r' && b != '\n' && b != '\t') {
			return "hex:" + hex.EncodeToString(frame)
		}
	}
	return strconv.Quote(string(frame))
}
