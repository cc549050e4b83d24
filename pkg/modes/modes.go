// Package modes implements bit-level Mode S field decoding: CRC validation,
// ICAO address extraction, downlink format and type code extraction, and the
// per-field decoders (callsign, altitude, squawk, velocity, CPR coordinates).
//
// The package is self-contained; the ingestion pipeline consumes it through
// narrow interfaces declared where they are used.
package modes

import (
	"fmt"
	"math"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	ShortMsgBytes = 7  // 56-bit Mode S frame
	LongMsgBytes  = 14 // 112-bit Mode S frame

	shortMsgBits = 56
	longMsgBits  = 112

	// How long a validated ICAO address stays usable for recovering
	// addresses from AP-overlaid downlink formats.
	icaoSeenTTL = 60 * time.Second
)

// AIS six-bit character set used by the identification message.
var aisCharset = []rune("?ABCDEFGHIJKLMNOPQRSTUVWXYZ????? ???????????????0123456789??????")

// Parity table for Mode S messages. One entry per message bit; for 56-bit
// frames only the last 56 entries are used. The final 24 entries are zero so
// the checksum field itself does not affect the computation.
var checksumTable = [112]uint32{
	0x3935ea, 0x1c9af5, 0xf1b77e, 0x78dbbf, 0xc397db, 0x9e31e9, 0xb0e2f0, 0x587178,
	0x2c38bc, 0x161c5e, 0x0b0e2f, 0xfa7d13, 0x82c48d, 0xbe9842, 0x5f4c21, 0xd05c14,
	0x682e0a, 0x341705, 0xe5f186, 0x72f8c3, 0xc68665, 0x9cb936, 0x4e5c9b, 0xd8d449,
	0x939020, 0x49c810, 0x24e408, 0x127204, 0x093902, 0x049c81, 0xfdb444, 0x7eda22,
	0x3f6d11, 0xe04c8c, 0x702646, 0x381323, 0xe3f395, 0x8e03ce, 0x4701e7, 0xdc7af7,
	0x91c77f, 0xb719bb, 0xa476d9, 0xadc168, 0x56e0b4, 0x2b705a, 0x15b82d, 0xf52612,
	0x7a9309, 0xc2b380, 0x6159c0, 0x30ace0, 0x185670, 0x0c2b38, 0x06159c, 0x030ace,
	0x018567, 0xff38b7, 0x80665f, 0xbfc92b, 0xa01e91, 0xaff54c, 0x57faa6, 0x2bfd53,
	0xea04ad, 0x8af852, 0x457c29, 0xdd4410, 0x6ea208, 0x375104, 0x1ba882, 0x0dd441,
	0xf91024, 0x7c8812, 0x3e4409, 0xe0d800, 0x706c00, 0x383600, 0x1c1b00, 0x0e0d80,
	0x0706c0, 0x038360, 0x01c1b0, 0x00e0d8, 0x00706c, 0x003836, 0x001c1b, 0xfff409,
	0x000000, 0x000000, 0x000000, 0x000000, 0x000000, 0x000000, 0x000000, 0x000000,
	0x000000, 0x000000, 0x000000, 0x000000, 0x000000, 0x000000, 0x000000, 0x000000,
	0x000000, 0x000000, 0x000000, 0x000000, 0x000000, 0x000000, 0x000000, 0x000000,
}

// VelocityVector carries the fields of an airborne velocity message
// (DF 17/18, type code 19).
type VelocityVector struct {
	GroundSpeedKts  float64 // from subtypes 1/2; 0 if airspeed subtype
	TrackDeg        float64 // true track (subtypes 1/2) or heading (3/4)
	HeadingValid    bool
	VerticalRateFPM int
	VerticalRateGeo bool    // vertical rate source is GNSS rather than baro
	AirspeedKts     float64 // from subtypes 3/4; 0 if ground speed subtype
	AirspeedIsTAS   bool
}

// Decoder decodes Mode S frames at the bit level. It keeps a short-lived
// cache of validated ICAO addresses so that downlink formats whose checksum
// is overlaid with the address (DF 0/4/5/16/20/21) can be verified.
type Decoder struct {
	icaoSeen *cache.Cache
}

// NewDecoder creates a Decoder with an empty recently-seen address cache.
func NewDecoder() *Decoder {
	return &Decoder{
		icaoSeen: cache.New(icaoSeenTTL, 10*time.Second),
	}
}

// DF returns the downlink format of the frame.
func (d *Decoder) DF(msg []byte) int {
	if len(msg) == 0 {
		return -1
	}
	return int(msg[0]) >> 3
}

// TypeCode returns the extended squitter type code. Only meaningful for
// DF 17/18 frames.
func (d *Decoder) TypeCode(msg []byte) int {
	if len(msg) < 5 {
		return -1
	}
	return int(msg[4]) >> 3
}

// MessageBytes returns the expected frame length in bytes for a downlink
// format.
func MessageBytes(df int) int {
	switch df {
	case 16, 17, 18, 19, 20, 21, 24:
		return LongMsgBytes
	default:
		return ShortMsgBytes
	}
}

func checksum(msg []byte) uint32 {
	bits := len(msg) * 8
	offset := 0
	if bits == shortMsgBits {
		offset = longMsgBits - shortMsgBits
	}

	var crc uint32
	for j := 0; j < bits; j++ {
		if msg[j/8]&(1<<(7-uint(j)%8)) != 0 {
			crc ^= checksumTable[j+offset]
		}
	}
	return crc
}

func crcField(msg []byte) uint32 {
	n := len(msg)
	return uint32(msg[n-3])<<16 | uint32(msg[n-2])<<8 | uint32(msg[n-1])
}

// ChecksumOK reports whether the frame checksum is valid. For DF 11/17/18
// the CRC is checked directly and a valid address is remembered. For the
// formats where the parity field is XORed with the interrogated address, the
// address is recovered from the residual and accepted only if it was seen
// recently in a directly-verifiable frame.
func (d *Decoder) ChecksumOK(msg []byte) bool {
	if len(msg) != ShortMsgBytes && len(msg) != LongMsgBytes {
		return false
	}

	df := d.DF(msg)
	computed := checksum(msg)
	field := crcField(msg)

	switch df {
	case 11, 17, 18:
		if computed != field {
			return false
		}
		d.icaoSeen.SetDefault(fmt.Sprintf("%06x", addressField(msg)), struct{}{})
		return true
	default:
		// AP-overlaid formats: (ADDR xor CRC) xor CRC = ADDR.
		addr := computed ^ field
		_, found := d.icaoSeen.Get(fmt.Sprintf("%06x", addr))
		return found
	}
}

func addressField(msg []byte) uint32 {
	return uint32(msg[1])<<16 | uint32(msg[2])<<8 | uint32(msg[3])
}

// ICAO returns the 24-bit transponder address of the frame as a lowercase
// hex string. For AP-overlaid formats the address is recovered from the
// checksum residual.
func (d *Decoder) ICAO(msg []byte) string {
	switch d.DF(msg) {
	case 11, 17, 18:
		return fmt.Sprintf("%06x", addressField(msg))
	default:
		return fmt.Sprintf("%06x", checksum(msg)^crcField(msg))
	}
}

// Callsign decodes the eight-character flight identification from a DF 17/18
// type code 1-4 message. Trailing spaces are trimmed.
func (d *Decoder) Callsign(msg []byte) (string, error) {
	if len(msg) < 11 {
		return "", fmt.Errorf("frame too short for identification message")
	}

	chars := [8]rune{
		aisCharset[msg[5]>>2],
		aisCharset[((msg[5]&0x03)<<4)|(msg[6]>>4)],
		aisCharset[((msg[6]&0x0f)<<2)|(msg[7]>>6)],
		aisCharset[msg[7]&0x3f],
		aisCharset[msg[8]>>2],
		aisCharset[((msg[8]&0x03)<<4)|(msg[9]>>4)],
		aisCharset[((msg[9]&0x0f)<<2)|(msg[10]>>6)],
		aisCharset[msg[10]&0x3f],
	}

	out := make([]rune, 0, 8)
	for _, c := range chars {
		if c == '?' {
			return "", fmt.Errorf("invalid character in callsign")
		}
		out = append(out, c)
	}
	for len(out) > 0 && out[len(out)-1] == ' ' {
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return "", fmt.Errorf("empty callsign")
	}
	return string(out), nil
}

// AltitudeAC12 decodes the 12-bit altitude field of a DF 17/18 airborne
// position message, in feet.
func (d *Decoder) AltitudeAC12(msg []byte) (int, error) {
	if len(msg) < 7 {
		return 0, fmt.Errorf("frame too short for AC12 altitude")
	}
	if msg[5]&0x01 == 0 {
		// Q=0 encodes 100 ft Gillham increments; rare above FL500 only.
		return 0, fmt.Errorf("AC12 altitude with Q=0 not supported")
	}
	n := int(msg[5]>>1)<<4 | int(msg[6]&0xf0)>>4
	return n*25 - 1000, nil
}

// AltitudeAC13 decodes the 13-bit altitude field of DF 0/4/16/20
// surveillance replies, in feet.
func (d *Decoder) AltitudeAC13(msg []byte) (int, error) {
	if len(msg) < 4 {
		return 0, fmt.Errorf("frame too short for AC13 altitude")
	}
	if msg[3]&0x40 != 0 {
		return 0, fmt.Errorf("AC13 altitude in metric units not supported")
	}
	if msg[3]&0x10 == 0 {
		return 0, fmt.Errorf("AC13 altitude with Q=0 not supported")
	}
	n := int(msg[2]&0x1f)<<6 |
		int(msg[3]&0x80)>>2 |
		int(msg[3]&0x20)>>1 |
		int(msg[3]&0x0f)
	return n*25 - 1000, nil
}

// Squawk decodes the 13-bit identity field of DF 5/21 replies. The bits are
// interleaved per the Gillham code; the result is the usual four-digit
// transponder code.
func (d *Decoder) Squawk(msg []byte) (string, error) {
	if len(msg) < 4 {
		return "", fmt.Errorf("frame too short for identity field")
	}

	a := (msg[3]&0x80)>>5 | (msg[2]&0x02)>>0 | (msg[2]&0x08)>>3
	b := (msg[3]&0x02)<<1 | (msg[3]&0x08)>>2 | (msg[3]&0x20)>>5
	c := (msg[2]&0x01)<<2 | (msg[2]&0x04)>>1 | (msg[2]&0x10)>>4
	e := (msg[3]&0x01)<<2 | (msg[3]&0x04)>>1 | (msg[3]&0x10)>>4

	return fmt.Sprintf("%d%d%d%d", a, b, c, e), nil
}

// RawCPR extracts the 17-bit encoded latitude and longitude and the parity
// flag from a DF 17/18 position message (airborne or surface).
func (d *Decoder) RawCPR(msg []byte) (latCPR, lonCPR int, odd bool, err error) {
	if len(msg) < 11 {
		return 0, 0, false, fmt.Errorf("frame too short for CPR fields")
	}
	odd = msg[6]&0x04 != 0
	latCPR = int(msg[6]&0x03)<<15 | int(msg[7])<<7 | int(msg[8])>>1
	lonCPR = int(msg[8]&0x01)<<16 | int(msg[9])<<8 | int(msg[10])
	return latCPR, lonCPR, odd, nil
}

// Velocity decodes a DF 17/18 type code 19 airborne velocity message.
func (d *Decoder) Velocity(msg []byte) (*VelocityVector, error) {
	if len(msg) < 10 {
		return nil, fmt.Errorf("frame too short for velocity message")
	}

	subtype := int(msg[4]) & 0x07
	v := &VelocityVector{}

	// Vertical rate is common to all subtypes.
	v.VerticalRateGeo = msg[8]&0x10 != 0
	rate := int(msg[8]&0x07)<<6 | int(msg[9]&0xfc)>>2
	if rate != 0 {
		v.VerticalRateFPM = (rate - 1) * 64
		if msg[8]&0x08 != 0 {
			v.VerticalRateFPM = -v.VerticalRateFPM
		}
	}

	switch subtype {
	case 1, 2:
		scale := 1.0
		if subtype == 2 {
			scale = 4.0 // supersonic
		}
		ewRaw := int(msg[5]&0x03)<<8 | int(msg[6])
		nsRaw := int(msg[7]&0x7f)<<3 | int(msg[8]&0xe0)>>5
		if ewRaw == 0 || nsRaw == 0 {
			return nil, fmt.Errorf("velocity components not available")
		}
		ew := float64(ewRaw-1) * scale
		ns := float64(nsRaw-1) * scale
		if msg[5]&0x04 != 0 {
			ew = -ew // west
		}
		if msg[7]&0x80 != 0 {
			ns = -ns // south
		}

		v.GroundSpeedKts = math.Sqrt(ew*ew + ns*ns)
		if v.GroundSpeedKts > 0 {
			track := math.Atan2(ew, ns) * 180 / math.Pi
			if track < 0 {
				track += 360
			}
			v.TrackDeg = track
			v.HeadingValid = true
		}
		return v, nil

	case 3, 4:
		scale := 1.0
		if subtype == 4 {
			scale = 4.0
		}
		if msg[5]&0x04 != 0 {
			v.TrackDeg = 360.0 / 1024.0 * float64(int(msg[5]&0x03)<<8|int(msg[6]))
			v.HeadingValid = true
		}
		asRaw := int(msg[7]&0x7f)<<3 | int(msg[8]&0xe0)>>5
		if asRaw == 0 {
			return nil, fmt.Errorf("airspeed not available")
		}
		v.AirspeedKts = float64(asRaw-1) * scale
		v.AirspeedIsTAS = msg[7]&0x80 != 0
		return v, nil

	default:
		return nil, fmt.Errorf("unsupported velocity subtype %d", subtype)
	}
}
