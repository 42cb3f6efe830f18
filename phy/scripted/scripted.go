// Package scripted provides a phy.Decoder that replays a YAML trace of
// transmitted control messages instead of demodulating samples.
//
// The decoder models the behaviour the blind search relies on:
//   - A message sent at (ncce, L) decodes at its own location and at the
//     same start CCE one level wider or narrower (narrower only down to L1),
//     so parent and child decodes agree on the RNTI.
//   - Formats 0 and 1A share a payload size; decoding one over the other
//     returns the transmitted format.
//   - Every other attempt returns a pseudo-random RNTI derived from an xxh3
//     hash of the attempt, the way a failed CRC check yields garbage.
//   - CCE power is high on transmitted CCEs and at the noise level elsewhere.
package scripted

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gebegb3j/falcon/phy"
	"github.com/zeebo/xxh3"
	"gopkg.in/yaml.v3"
)

var (
	// ErrEstimate is returned for subframes scripted to fail estimation.
	ErrEstimate = errors.New("scripted: estimation failed")
	// ErrExtract is returned for subframes scripted to fail LLR extraction.
	ErrExtract = errors.New("scripted: LLR extraction failed")
)

const (
	defaultNoisePower = 0.05
	defaultDCIPower   = 1.0
	defaultCFI        = 2
)

// DefaultCCEPerCFI is a 10 MHz cell with two PHICH groups.
var DefaultCCEPerCFI = [3]uint32{6, 23, 40}

// DCI is one transmitted control message.
type DCI struct {
	RNTI    uint16     `yaml:"rnti"`
	Format  phy.Format `yaml:"format"`
	NCCE    uint32     `yaml:"ncce"`
	L       uint32     `yaml:"l"`
	PRB     []uint32   `yaml:"prb"`     // [start, count]
	Payload string     `yaml:"payload"` // hex; derived from the DCI when empty
	Power   float32    `yaml:"power"`
}

// Subframe is one scripted subframe, repeated Count times.
type Subframe struct {
	Count int    `yaml:"count"`
	CFI   uint32 `yaml:"cfi"`
	// Fail makes the PHY fail: "estimate" or "extract".
	Fail string `yaml:"fail"`
	// ExtraPower adds energy on CCEs that carry no scripted message.
	ExtraPower map[uint32]float32 `yaml:"extra_power"`
	DCI        []DCI              `yaml:"dci"`
}

// Trace is the content of a trace file.
type Trace struct {
	Seed       uint64     `yaml:"seed"`
	CCEPerCFI  []uint32   `yaml:"cce_per_cfi"`
	NoisePower float32    `yaml:"noise_power"`
	StartSFN   uint32     `yaml:"start_sfn"`
	Subframes  []Subframe `yaml:"subframes"`
}

// LoadTrace reads a trace file.
func LoadTrace(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scripted: open trace: %w", err)
	}
	defer f.Close()
	return ReadTrace(f)
}

// ReadTrace parses and validates a trace.
func ReadTrace(r io.Reader) (*Trace, error) {
	var t Trace
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("scripted: parse trace: %w", err)
	}
	if err := t.normalize(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Trace) normalize() error {
	if len(t.CCEPerCFI) == 0 {
		t.CCEPerCFI = DefaultCCEPerCFI[:]
	}
	if len(t.CCEPerCFI) != 3 {
		return fmt.Errorf("scripted: cce_per_cfi needs 3 entries, got %d", len(t.CCEPerCFI))
	}
	if t.NoisePower <= 0 {
		t.NoisePower = defaultNoisePower
	}
	for i := range t.Subframes {
		sf := &t.Subframes[i]
		if sf.Count <= 0 {
			sf.Count = 1
		}
		if sf.CFI == 0 {
			sf.CFI = defaultCFI
		}
		if sf.CFI > 3 {
			return fmt.Errorf("scripted: subframe %d: cfi %d out of range", i, sf.CFI)
		}
		switch sf.Fail {
		case "", "estimate", "extract":
		default:
			return fmt.Errorf("scripted: subframe %d: unknown failure %q", i, sf.Fail)
		}
		nCCE := t.CCEPerCFI[sf.CFI-1]
		for j := range sf.DCI {
			d := &sf.DCI[j]
			if d.L >= phy.MaxAggregation {
				return fmt.Errorf("scripted: subframe %d dci %d: level %d out of range", i, j, d.L)
			}
			span := uint32(1) << d.L
			if d.NCCE%span != 0 || d.NCCE+span > nCCE {
				return fmt.Errorf("scripted: subframe %d dci %d: L%d at ncce %d does not fit %d CCEs", i, j, d.L, d.NCCE, nCCE)
			}
			if len(d.PRB) != 0 && len(d.PRB) != 2 {
				return fmt.Errorf("scripted: subframe %d dci %d: prb must be [start, count]", i, j)
			}
			if d.Payload != "" {
				if _, err := hex.DecodeString(d.Payload); err != nil {
					return fmt.Errorf("scripted: subframe %d dci %d: payload: %w", i, j, err)
				}
			}
			if d.Power <= 0 {
				d.Power = defaultDCIPower
			}
		}
	}
	return nil
}

// Len returns the number of subframes the trace expands to.
func (t *Trace) Len() int {
	n := 0
	for _, sf := range t.Subframes {
		n += sf.Count
	}
	return n
}

// Tick identifies one subframe of the replay.
type Tick struct {
	SFN   uint32
	Index uint32
}

// Decoder replays a trace subframe by subframe. Call Next before each search.
type Decoder struct {
	trace *Trace
	gate  phy.PowerGate

	seq    int // subframes handed out so far
	block  int
	repeat int

	cur      *Subframe
	tick     Tick
	ccePower []float32
}

// NewDecoder returns a decoder positioned before the first subframe.
func NewDecoder(t *Trace) *Decoder {
	return &Decoder{
		trace: t,
		gate:  phy.PowerGate{NoiseFloor: float64(t.NoisePower), Factor: 2},
	}
}

// Next advances to the next subframe and returns its timing. ok is false
// once the trace is exhausted.
func (d *Decoder) Next() (Tick, bool) {
	for d.block < len(d.trace.Subframes) && d.repeat >= d.trace.Subframes[d.block].Count {
		d.block++
		d.repeat = 0
	}
	if d.block >= len(d.trace.Subframes) {
		d.cur = nil
		return Tick{}, false
	}
	d.cur = &d.trace.Subframes[d.block]
	d.repeat++
	abs := uint32(d.seq) + d.trace.StartSFN*10
	d.seq++
	d.tick = Tick{SFN: (abs / 10) % 1024, Index: abs % 10}
	d.ccePower = nil
	return d.tick, true
}

// Current returns the scripted messages of the current subframe.
func (d *Decoder) Current() []DCI {
	if d.cur == nil {
		return nil
	}
	return d.cur.DCI
}

// EstimateAndExtract returns the scripted CFI of the current subframe.
func (d *Decoder) EstimateAndExtract(sfIdx uint32) (uint32, error) {
	if d.cur == nil {
		return 0, fmt.Errorf("%w: no current subframe", ErrEstimate)
	}
	if d.cur.Fail == "estimate" {
		return 0, fmt.Errorf("%w: sfn %d.%d", ErrEstimate, d.tick.SFN, sfIdx)
	}
	return d.cur.CFI, nil
}

// ComputePower builds the per-CCE power of the current subframe.
func (d *Decoder) ComputePower() error {
	if d.cur == nil {
		return fmt.Errorf("%w: no current subframe", ErrEstimate)
	}
	nCCE := d.NumCCE(d.cur.CFI)
	power := make([]float32, nCCE)
	for i := range power {
		power[i] = d.trace.NoisePower
	}
	for cce, p := range d.cur.ExtraPower {
		if cce < nCCE {
			power[cce] = p
		}
	}
	for _, m := range d.cur.DCI {
		for c := m.NCCE; c < m.NCCE+(1<<m.L) && c < nCCE; c++ {
			power[c] = m.Power
		}
	}
	d.ccePower = power
	return nil
}

// NoiseEstimate returns the trace's noise power.
func (d *Decoder) NoiseEstimate() float32 {
	return d.trace.NoisePower
}

// ExtractDecodeInputs fails only for subframes scripted with fail: extract.
func (d *Decoder) ExtractDecodeInputs(_ float32, sfIdx, _ uint32) error {
	if d.cur != nil && d.cur.Fail == "extract" {
		return fmt.Errorf("%w: sfn %d.%d", ErrExtract, d.tick.SFN, sfIdx)
	}
	return nil
}

// NumCCE returns the CCE count for cfi, or 0 when cfi is out of range.
func (d *Decoder) NumCCE(cfi uint32) uint32 {
	if cfi == 0 || int(cfi) > len(d.trace.CCEPerCFI) {
		return 0
	}
	return d.trace.CCEPerCFI[cfi-1]
}

// EnumerateLocations lists every location at every level; there is no
// UE-specific search space.
func (d *Decoder) EnumerateLocations(_ uint32, cfi uint32) (*phy.CCEMap, error) {
	nCCE := d.NumCCE(cfi)
	if nCCE == 0 {
		return nil, fmt.Errorf("scripted: no CCEs for cfi %d", cfi)
	}
	return phy.EnumerateAll(nCCE), nil
}

// MarkPower applies the power gate to the power from ComputePower.
func (d *Decoder) MarkPower(_ uint32, m *phy.CCEMap) {
	d.gate.Mark(m, d.ccePower)
}

// DecodeCandidate returns the scripted message reachable from loc, or noise.
func (d *Decoder) DecodeCandidate(loc phy.Location, format phy.Format, _ uint32) (phy.Message, uint16, error) {
	if m, ok := d.reachable(loc); ok && sameSize(m.Format, format) {
		return m.message(), m.RNTI, nil
	}
	return d.noise(loc, format), d.noiseRNTI(loc, format), nil
}

// reachable picks the message decodable at loc, preferring an exact level.
func (d *Decoder) reachable(loc phy.Location) (DCI, bool) {
	if d.cur == nil {
		return DCI{}, false
	}
	var best DCI
	found := false
	for _, m := range d.cur.DCI {
		if m.NCCE != loc.NCCE {
			continue
		}
		switch {
		case m.L == loc.L:
			return m, true
		case loc.L == m.L+1, loc.L+1 == m.L && loc.L >= 1:
			if !found {
				best, found = m, true
			}
		}
	}
	return best, found
}

func sameSize(sent, tried phy.Format) bool {
	if sent == tried {
		return true
	}
	return (sent == phy.Format0 && tried == phy.Format1A) || (sent == phy.Format1A && tried == phy.Format0)
}

func (m DCI) message() phy.Message {
	var alloc phy.Allocation
	if len(m.PRB) == 2 {
		alloc = phy.AllocationRange(m.PRB[0], m.PRB[1])
	}
	payload, _ := hex.DecodeString(m.Payload)
	if len(payload) == 0 {
		payload = make([]byte, 0, 8)
		payload = binary.BigEndian.AppendUint16(payload, m.RNTI)
		payload = append(payload, byte(m.Format))
		if len(m.PRB) == 2 {
			payload = append(payload, byte(m.PRB[0]), byte(m.PRB[1]))
		}
	}
	return phy.Message{
		Format:     m.Format,
		Payload:    payload,
		NBits:      len(payload) * 8,
		Allocation: alloc,
	}
}

func (d *Decoder) attemptHash(loc phy.Location, format phy.Format) uint64 {
	var buf [25]byte
	binary.BigEndian.PutUint64(buf[0:], d.trace.Seed)
	binary.BigEndian.PutUint32(buf[8:], d.tick.SFN)
	binary.BigEndian.PutUint32(buf[12:], d.tick.Index)
	binary.BigEndian.PutUint32(buf[16:], loc.NCCE)
	binary.BigEndian.PutUint32(buf[20:], loc.L)
	buf[24] = byte(format)
	return xxh3.Hash(buf[:])
}

func (d *Decoder) noiseRNTI(loc phy.Location, format phy.Format) uint16 {
	return uint16(d.attemptHash(loc, format) >> 48)
}

func (d *Decoder) noise(loc phy.Location, format phy.Format) phy.Message {
	h := d.attemptHash(loc, format)
	got := format
	if format == phy.Format0 || format == phy.Format1A {
		// the format flag bit is as random as the rest of the payload
		if h&1 == 0 {
			got = phy.Format0
		} else {
			got = phy.Format1A
		}
	}
	start := uint32(h>>8) % phy.MaxPRB
	n := 1 + uint32(h>>16)%8
	payload := binary.BigEndian.AppendUint64(nil, h)
	return phy.Message{
		Format:     got,
		Payload:    payload,
		NBits:      len(payload) * 8,
		Allocation: phy.AllocationRange(start, n),
	}
}

// ValidateLocation defers to phy.ValidateLocation.
func (d *Decoder) ValidateLocation(nCCE, ncce, L, sfIdx uint32, rnti uint16) phy.MatchResult {
	return phy.ValidateLocation(nCCE, ncce, L, sfIdx, rnti)
}

// CountMissed counts powered CCEs left unused by the search.
func (d *Decoder) CountMissed(_ uint32, m *phy.CCEMap) uint32 {
	return phy.MissedCCEs(m)
}

// Describe renders a subframe's messages for logs.
func Describe(msgs []DCI) string {
	if len(msgs) == 0 {
		return "(none)"
	}
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, fmt.Sprintf("0x%04x/%s@L%d:%d", m.RNTI, m.Format, m.L, m.NCCE))
	}
	return strings.Join(parts, " ")
}
