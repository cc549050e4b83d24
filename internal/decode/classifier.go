// Package decode validates raw frames, classifies them by message category,
// and extracts the category-relevant fields. All bit-level work is delegated
// to an external decode capability through the BitDecoder interface.
package decode

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/mlipin/skytrack/internal/wire"
	"github.com/mlipin/skytrack/pkg/logger"
	"github.com/mlipin/skytrack/pkg/modes"
)

// Category identifies what kind of state a decoded message carries.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryIdentification
	CategorySurfacePosition
	CategoryAirbornePosition
	CategoryVelocity
	CategorySurveillance
)

func (c Category) String() string {
	switch c {
	case CategoryIdentification:
		return "identification"
	case CategorySurfacePosition:
		return "surface_position"
	case CategoryAirbornePosition:
		return "airborne_position"
	case CategoryVelocity:
		return "velocity"
	case CategorySurveillance:
		return "surveillance"
	default:
		return "unknown"
	}
}

// Validation failures, distinguished so the pipeline can count format and
// checksum errors separately.
var (
	ErrFrameLength = errors.New("frame length must be 14 or 28 hex characters")
	ErrFrameHex    = errors.New("frame contains non-hex characters")
	ErrChecksum    = errors.New("frame checksum invalid")
)

// ErrDecodeFailed marks a frame whose category-relevant fields all failed to
// extract.
var ErrDecodeFailed = errors.New("no fields could be decoded")

// BitDecoder is the external bit-level decode capability. It is intentionally
// opaque: the classifier only names what it needs.
type BitDecoder interface {
	ChecksumOK(msg []byte) bool
	DF(msg []byte) int
	TypeCode(msg []byte) int
	ICAO(msg []byte) string
	Callsign(msg []byte) (string, error)
	AltitudeAC12(msg []byte) (int, error)
	AltitudeAC13(msg []byte) (int, error)
	Squawk(msg []byte) (string, error)
	RawCPR(msg []byte) (latCPR, lonCPR int, odd bool, err error)
	Velocity(msg []byte) (*modes.VelocityVector, error)
}

// IdentFields carries the fields of an identification message.
type IdentFields struct {
	Callsign string
}

// PositionFields carries the CPR fields of a position message. AltitudeFt is
// nil when the altitude field could not be decoded; CPRValid is false when
// only the altitude survived extraction.
type PositionFields struct {
	CPRValid   bool
	LatCPR     int
	LonCPR     int
	Odd        bool
	AltitudeFt *int
}

// VelocityFields carries the fields of an airborne velocity message.
type VelocityFields struct {
	GroundSpeedKts  float64
	TrackDeg        float64
	TrackValid      bool
	VerticalRateFPM int
	AirspeedKts     float64 // reported airspeed, 0 when the subtype carries ground speed
	AirspeedIsTAS   bool
}

// SurveillanceFields carries the fields of a surveillance reply.
type SurveillanceFields struct {
	AltitudeFt *int
	Squawk     string
}

// Message is one decoded frame: the ICAO identity, the category, and only
// the field group valid for that category.
type Message struct {
	ICAO      string
	Category  Category
	CRCValid  bool
	Timestamp time.Time
	Source    string

	Ident        *IdentFields
	Position     *PositionFields
	Velocity     *VelocityFields
	Surveillance *SurveillanceFields
}

// Classifier validates, classifies, and decodes raw frames.
type Classifier struct {
	bits   BitDecoder
	logger *logger.Logger
}

// NewClassifier creates a classifier using the given bit-level decoder.
func NewClassifier(bits BitDecoder, log *logger.Logger) *Classifier {
	return &Classifier{
		bits:   bits,
		logger: log.Named("decode"),
	}
}

// Validate checks frame length, hex encoding, and checksum, returning the
// raw message bytes. The returned error wraps exactly one of ErrFrameLength,
// ErrFrameHex, or ErrChecksum so callers know which check failed.
func (c *Classifier) Validate(frame wire.Frame) ([]byte, error) {
	n := len(frame.Hex)
	if n != modes.ShortMsgBytes*2 && n != modes.LongMsgBytes*2 {
		return nil, fmt.Errorf("%w: got %d", ErrFrameLength, n)
	}

	msg, err := hex.DecodeString(frame.Hex)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFrameHex, frame.Hex)
	}

	if !c.bits.ChecksumOK(msg) {
		return nil, fmt.Errorf("%w: df %d", ErrChecksum, c.bits.DF(msg))
	}
	return msg, nil
}

// Classify maps a validated message to its category using the downlink
// format, and for DF 17/18 the embedded type code.
func (c *Classifier) Classify(msg []byte) Category {
	switch df := c.bits.DF(msg); df {
	case 17, 18:
		tc := c.bits.TypeCode(msg)
		switch {
		case tc >= 1 && tc <= 4:
			return CategoryIdentification
		case tc >= 5 && tc <= 8:
			return CategorySurfacePosition
		case tc >= 9 && tc <= 18, tc >= 20 && tc <= 22:
			return CategoryAirbornePosition
		case tc == 19:
			return CategoryVelocity
		default:
			return CategoryUnknown
		}
	case 0, 4, 5, 16, 20, 21:
		return CategorySurveillance
	default:
		return CategoryUnknown
	}
}

// Decode validates and classifies the frame and extracts the fields relevant
// to its category. A single failed field is non-fatal; the message is
// returned with whatever decoded. When every relevant field fails, the error
// wraps ErrDecodeFailed and the message is dropped.
func (c *Classifier) Decode(frame wire.Frame) (*Message, error) {
	msg, err := c.Validate(frame)
	if err != nil {
		return nil, err
	}

	m := &Message{
		ICAO:      c.bits.ICAO(msg),
		Category:  c.Classify(msg),
		CRCValid:  true,
		Timestamp: frame.Timestamp,
	}

	switch m.Category {
	case CategoryIdentification:
		cs, err := c.bits.Callsign(msg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
		}
		m.Ident = &IdentFields{Callsign: cs}

	case CategorySurfacePosition, CategoryAirbornePosition:
		pos := &PositionFields{}
		latCPR, lonCPR, odd, cprErr := c.bits.RawCPR(msg)
		if cprErr == nil {
			pos.CPRValid = true
			pos.LatCPR = latCPR
			pos.LonCPR = lonCPR
			pos.Odd = odd
		}
		// Surface position messages carry no altitude field.
		if m.Category == CategoryAirbornePosition {
			if alt, altErr := c.bits.AltitudeAC12(msg); altErr == nil {
				pos.AltitudeFt = &alt
			} else {
				c.logger.Debug("altitude extraction failed",
					logger.String("icao", m.ICAO),
					logger.Error(altErr))
			}
		}
		if !pos.CPRValid && pos.AltitudeFt == nil {
			return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, cprErr)
		}
		m.Position = pos

	case CategoryVelocity:
		vv, err := c.bits.Velocity(msg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
		}
		m.Velocity = &VelocityFields{
			GroundSpeedKts:  vv.GroundSpeedKts,
			TrackDeg:        vv.TrackDeg,
			TrackValid:      vv.HeadingValid,
			VerticalRateFPM: vv.VerticalRateFPM,
			AirspeedKts:     vv.AirspeedKts,
			AirspeedIsTAS:   vv.AirspeedIsTAS,
		}

	case CategorySurveillance:
		sv := &SurveillanceFields{}
		df := c.bits.DF(msg)
		if df == 5 || df == 21 {
			if sq, err := c.bits.Squawk(msg); err == nil {
				sv.Squawk = sq
			}
		} else {
			if alt, err := c.bits.AltitudeAC13(msg); err == nil {
				sv.AltitudeFt = &alt
			}
		}
		if sv.Squawk == "" && sv.AltitudeFt == nil {
			return nil, fmt.Errorf("%w: surveillance fields unavailable", ErrDecodeFailed)
		}
		m.Surveillance = sv
	}

	return m, nil
}
