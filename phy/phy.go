// Package phy describes the physical-layer collaborator of the blind DCI
// search: the PDCCH decoder contract, DCI formats, RNTI ranges and the
// per-subframe CCE-to-location map. Demodulation itself lives outside this
// module; the helpers here only cover the bookkeeping every decoder shares.
package phy

import (
	"fmt"
	"strings"
)

// RNTI ranges of the LTE downlink (36.321 table 7.1-1).
const (
	IllegalRNTI   uint16 = 0x0000
	RARNTIStart   uint16 = 0x0001
	RARNTIEnd     uint16 = 0x000A
	CRNTIStart    uint16 = 0x000B
	CRNTIEnd      uint16 = 0xFFF3
	ReservedStart uint16 = 0xFFF4
	ReservedEnd   uint16 = 0xFFFC
	MRNTI         uint16 = 0xFFFD
	PRNTI         uint16 = 0xFFFE
	SIRNTI        uint16 = 0xFFFF
	NoCurrentRNTI uint16 = 0xFFFF
)

// MaxAggregation is the number of aggregation levels (L = 0..3, 1..8 CCEs).
const MaxAggregation = 4

// IsRARNTI reports whether rnti lies in the random-access range.
func IsRARNTI(rnti uint16) bool {
	return rnti >= RARNTIStart && rnti <= RARNTIEnd
}

// IsReserved reports whether rnti lies in the range 36.321 keeps reserved.
func IsReserved(rnti uint16) bool {
	return rnti >= ReservedStart && rnti <= ReservedEnd
}

// ClassName names the range rnti belongs to.
func ClassName(rnti uint16) string {
	switch {
	case rnti == IllegalRNTI:
		return "illegal"
	case IsRARNTI(rnti):
		return "RA-RNTI"
	case rnti <= CRNTIEnd:
		return "C-RNTI"
	case IsReserved(rnti):
		return "reserved"
	case rnti == MRNTI:
		return "M-RNTI"
	case rnti == PRNTI:
		return "P-RNTI"
	default:
		return "SI-RNTI"
	}
}

// Format is a DCI message layout.
type Format uint8

const (
	Format0 Format = iota
	Format1
	Format1A
	Format1B
	Format1C
	Format1D
	Format2
	Format2A
	Format2B
	formatCount
)

var formatNames = [...]string{
	Format0:  "0",
	Format1:  "1",
	Format1A: "1A",
	Format1B: "1B",
	Format1C: "1C",
	Format1D: "1D",
	Format2:  "2",
	Format2A: "2A",
	Format2B: "2B",
}

// AllFormats is the format set probed by the blind search, in the order
// used to assign global format indices.
var AllFormats = []Format{
	Format0,
	Format1,
	Format1A,
	Format1B,
	Format1C,
	Format2,
	Format2A,
}

func (f Format) String() string {
	if f < formatCount {
		return formatNames[f]
	}
	return fmt.Sprintf("Format(%d)", uint8(f))
}

// Uplink reports whether the format carries an uplink grant.
func (f Format) Uplink() bool {
	return f == Format0
}

// ParseFormat accepts "1A", "format1a", "0" and friends.
func ParseFormat(s string) (Format, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	name = strings.TrimPrefix(name, "FORMAT")
	for f, n := range formatNames {
		if n == name {
			return Format(f), nil
		}
	}
	return 0, fmt.Errorf("phy: unknown DCI format %q", s)
}

// MarshalText makes formats readable in YAML and JSON.
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Format) UnmarshalText(text []byte) error {
	parsed, err := ParseFormat(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// MatchResult classifies a (ncce, L) position against an RNTI's search space.
type MatchResult uint8

const (
	MatchInvalid MatchResult = iota
	MatchExact
	MatchAmbiguous
)

func (m MatchResult) String() string {
	switch m {
	case MatchExact:
		return "match"
	case MatchAmbiguous:
		return "ambiguous"
	default:
		return "invalid"
	}
}

// Message is one decoded DCI payload.
type Message struct {
	Format     Format
	Payload    []byte
	NBits      int
	Allocation Allocation
}

// Decoder is the PDCCH pipeline the search drives for one subframe at a
// time. Implementations are not expected to be safe for concurrent use.
type Decoder interface {
	// EstimateAndExtract runs FFT, channel estimation and PCFICH decoding.
	EstimateAndExtract(sfIdx uint32) (cfi uint32, err error)
	// ComputePower refreshes the subframe power estimate kept for consumers.
	ComputePower() error
	NoiseEstimate() float32
	// ExtractDecodeInputs prepares the soft bits for candidate decoding.
	ExtractDecodeInputs(noise float32, sfIdx, cfi uint32) error
	NumCCE(cfi uint32) uint32
	// EnumerateLocations builds the candidate map for the control region.
	EnumerateLocations(sfIdx, cfi uint32) (*CCEMap, error)
	// MarkPower sets SufficientPower on every location of the map.
	MarkPower(cfi uint32, m *CCEMap)
	// DecodeCandidate decodes loc under format and returns the message and
	// the RNTI recovered from the CRC mask.
	DecodeCandidate(loc Location, format Format, cfi uint32) (Message, uint16, error)
	ValidateLocation(nCCE, ncce, L, sfIdx uint32, rnti uint16) MatchResult
	CountMissed(cfi uint32, m *CCEMap) uint32
}
