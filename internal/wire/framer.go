// Package wire turns raw receiver byte streams into discrete Mode S frames.
// A framer owns an internal buffer so a frame split across reads reassembles
// correctly; trailing partial bytes are retained for the next feed.
package wire

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Supported stream formats.
const (
	FormatAVR   = "avr"   // ASCII hex lines, e.g. *8D4840D6202CC371C32CE0576098;
	FormatBeast = "beast" // binary, 0x1A sync framed
	FormatJSONL = "jsonl" // one JSON object per line with a "hex" field
)

// maxLineBuffer bounds how much a line-based framer will buffer while
// waiting for a newline; a stream that never delivers one is garbage.
const maxLineBuffer = 64 * 1024

// Beast escape byte and frame type selectors.
const (
	beastSync      = 0x1a
	beastTypeShort = 0x32 // 7 byte Mode S payload
	beastTypeLong  = 0x33 // 14 byte Mode S payload
	beastHeaderLen = 7    // 6 byte MLAT counter + 1 byte signal level
)

// Frame is one hex-encoded Mode S message with its arrival time. Source is
// filled in by the connection that read the bytes, not by the framer.
type Frame struct {
	Hex       string
	Timestamp time.Time
	Source    string
}

// Framer converts a byte stream into frames. Implementations buffer partial
// input between calls.
type Framer interface {
	// Feed appends p to the internal buffer and returns every complete
	// frame now available, in stream order.
	Feed(p []byte) []Frame
}

// NewFramer returns a framer for the given stream format.
func NewFramer(format string) (Framer, error) {
	switch format {
	case FormatAVR:
		return &avrFramer{}, nil
	case FormatBeast:
		return &beastFramer{}, nil
	case FormatJSONL:
		return &jsonlFramer{}, nil
	default:
		return nil, fmt.Errorf("unknown stream format: %s", format)
	}
}

// avrFramer frames newline-delimited ASCII hex, the dump1090 "raw" output
// format. A leading '*' or '@' marker and a trailing ';' are stripped; the
// payload itself is validated downstream.
type avrFramer struct {
	buf []byte
}

func (f *avrFramer) Feed(p []byte) []Frame {
	f.buf = append(f.buf, p...)

	var frames []Frame
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			if len(f.buf) > maxLineBuffer {
				f.buf = f.buf[:0]
			}
			break
		}
		line := strings.TrimSpace(string(f.buf[:idx]))
		f.buf = f.buf[idx+1:]

		if line == "" {
			continue
		}
		if line[0] == '*' || line[0] == '@' {
			line = line[1:]
		}
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		if line == "" {
			continue
		}
		frames = append(frames, Frame{Hex: strings.ToUpper(line), Timestamp: time.Now().UTC()})
	}
	return frames
}

// beastFramer frames the binary Beast format: each message starts with the
// 0x1A sync byte and a type byte, followed by a fixed header and a 7 or 14
// byte Mode S payload. Sync bytes occurring inside the frame body arrive
// doubled and are collapsed here. An unrecognized type byte advances the
// scan a single byte so one corrupt frame cannot discard a whole buffer.
type beastFramer struct {
	buf []byte
}

func (f *beastFramer) Feed(p []byte) []Frame {
	f.buf = append(f.buf, p...)

	var frames []Frame
	for {
		idx := bytes.IndexByte(f.buf, beastSync)
		if idx < 0 {
			// No sync byte anywhere; everything is inter-frame noise.
			f.buf = f.buf[:0]
			break
		}
		f.buf = f.buf[idx:]

		if len(f.buf) < 2 {
			break // sync seen, type byte not yet arrived
		}

		var payloadLen int
		switch f.buf[1] {
		case beastTypeShort:
			payloadLen = 7
		case beastTypeLong:
			payloadLen = 14
		default:
			// Resynchronize one byte further along.
			f.buf = f.buf[1:]
			continue
		}

		// Collect the escaped frame body. A doubled sync byte is one data
		// byte; a lone sync byte means this frame was truncated and a new
		// one begins there.
		need := beastHeaderLen + payloadLen
		data := make([]byte, 0, need)
		i := 2
		truncated := false
		for len(data) < need {
			if i >= len(f.buf) {
				return frames // partial frame, wait for more bytes
			}
			b := f.buf[i]
			if b != beastSync {
				data = append(data, b)
				i++
				continue
			}
			if i+1 >= len(f.buf) {
				return frames // escape or new sync, cannot tell yet
			}
			if f.buf[i+1] == beastSync {
				data = append(data, beastSync)
				i += 2
				continue
			}
			truncated = true
			break
		}
		if truncated {
			f.buf = f.buf[i:]
			continue
		}

		frames = append(frames, Frame{
			Hex:       strings.ToUpper(hex.EncodeToString(data[beastHeaderLen:])),
			Timestamp: time.Now().UTC(),
		})
		f.buf = f.buf[i:]
	}
	return frames
}

// jsonlFramer frames newline-delimited JSON objects carrying the message in
// a "hex" field. Lines that do not parse, or parse without a hex field, are
// skipped.
type jsonlFramer struct {
	buf []byte
}

func (f *jsonlFramer) Feed(p []byte) []Frame {
	f.buf = append(f.buf, p...)

	var frames []Frame
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			if len(f.buf) > maxLineBuffer {
				f.buf = f.buf[:0]
			}
			break
		}
		line := bytes.TrimSpace(f.buf[:idx])
		f.buf = f.buf[idx+1:]

		if len(line) == 0 {
			continue
		}

		var obj struct {
			Hex string `json:"hex"`
		}
		if err := json.Unmarshal(line, &obj); err != nil || obj.Hex == "" {
			continue
		}
		frames = append(frames, Frame{Hex: strings.ToUpper(obj.Hex), Timestamp: time.Now().UTC()})
	}
	return frames
}
