// Package snapshot implements the versioned, CRC-guarded envelope that
// wraps every persisted vmstate.MicrovmState blob (§3 SnapshotEnvelope,
// §4.B Snapshot Codec).
//
// The wire payload is gob-encoded; the codec's field-tagged, additive requirement is layered on top via explicit
// version-gated features rather than by swapping the underlying wire
// format.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc64"

	"github.com/ec1-systems/microvmd/vmstate"
)

// magic identifies a microvmd snapshot state file.
var magic = [4]byte{'M', 'V', 'M', 'D'}

// formatVersion is the shape of the envelope itself (magic + version +
// length + payload + CRC). It is distinct from the payload's DataVersion:
// the round-trip law of §8 ("encode to any advertised prior minor
// version") only holds per schema version, and conflating the two makes
// the version window ambiguous if the envelope shape itself ever changes.
const formatVersion = 1

// Version is the (major, minor) schema tuple of the MicrovmState payload.
type Version struct {
	Major uint16
	Minor uint16
}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// CurrentVersion is the schema version this codec natively produces.
var CurrentVersion = Version{Major: 1, Minor: 1}

// featureMinVersion records, per device kind, the minor version it was
// introduced in within the current major. Creating a snapshot at an older
// target must refuse if any in-use feature postdates it (§6 "Compatibility-
// relevant policy").
var featureMinVersion = map[string]Version{
	"virtio-net": {Major: 1, Minor: 0},
	"virtio-blk": {Major: 1, Minor: 0},
	"serial":     {Major: 1, Minor: 0},
	"vsock":      {Major: 1, Minor: 1},
}

var crcTable = crc64.MakeTable(crc64.ISO)

// Envelope is the on-disk/on-wire layout of §3: magic, version tuple,
// payload length, payload bytes, and a CRC over everything preceding it.
type Envelope struct {
	FormatVersion uint16
	DataVersion   Version
	Payload       []byte
	CRC           uint64
}

func crcInput(formatVer uint16, dataVer Version, payload []byte) []byte {
	buf := make([]byte, 0, 4+2+4+len(payload))
	buf = append(buf, magic[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, formatVer)
	buf = binary.LittleEndian.AppendUint16(buf, dataVer.Major)
	buf = binary.LittleEndian.AppendUint16(buf, dataVer.Minor)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)

	return buf
}

// CheckCompatibleVersion reports whether targetVersion can represent state
// without silently dropping an in-use feature: cross-major targets and
// targets that predate a feature actually exercised by state both fail
// with UnsupportedVersion. Encode runs this itself, but callers that write
// other files before calling Encode (snapwriter.Create writes the memory
// image first) should call it up front so an UnsupportedVersion refusal
// never leaves partial output on disk (§6 "fail before any file is
// written").
func CheckCompatibleVersion(state *vmstate.MicrovmState, targetVersion Version) error {
	if targetVersion.Major != CurrentVersion.Major {
		return Wrap(UnsupportedVersion, fmt.Errorf("target major %d, codec major %d", targetVersion.Major, CurrentVersion.Major))
	}

	if targetVersion.Minor > CurrentVersion.Minor {
		return Wrap(UnsupportedVersion, fmt.Errorf("target minor %d exceeds codec minor %d", targetVersion.Minor, CurrentVersion.Minor))
	}

	for _, d := range state.Devices {
		min, known := featureMinVersion[d.Kind]
		if known && min.Major == targetVersion.Major && min.Minor > targetVersion.Minor {
			return Wrap(UnsupportedVersion, fmt.Errorf("device kind %q requires schema >= %s", d.Kind, min))
		}
	}

	return nil
}

// Encode serializes state as a MicrovmState payload targeting
// targetVersion (downshift within the same major is allowed) and wraps it
// in a CRC-guarded Envelope. Cross-major targets and targets that predate
// an in-use feature both fail with UnsupportedVersion.
func Encode(state *vmstate.MicrovmState, targetVersion Version) (*Envelope, error) {
	if err := CheckCompatibleVersion(state, targetVersion); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	payload := buf.Bytes()
	crc := crc64.Checksum(crcInput(formatVersion, targetVersion, payload), crcTable)

	return &Envelope{
		FormatVersion: formatVersion,
		DataVersion:   targetVersion,
		Payload:       payload,
		CRC:           crc,
	}, nil
}

// Bytes serializes the envelope itself to a flat byte slice suitable for
// writing to the state file.
func (e *Envelope) Bytes() []byte {
	buf := make([]byte, 0, 4+2+2+2+4+len(e.Payload)+8)
	buf = append(buf, magic[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, e.FormatVersion)
	buf = binary.LittleEndian.AppendUint16(buf, e.DataVersion.Major)
	buf = binary.LittleEndian.AppendUint16(buf, e.DataVersion.Minor)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Payload)))
	buf = append(buf, e.Payload...)
	buf = binary.LittleEndian.AppendUint64(buf, e.CRC)

	return buf
}

var (
	errTooShort    = errors.New("envelope shorter than fixed header")
	errBadMagic    = errors.New("bad magic")
	errTruncated   = errors.New("payload truncated")
	errCRCMismatch = errors.New("CRC mismatch")
)

// ParseEnvelope splits raw bytes into an Envelope and verifies its CRC
// before returning. CRC failure yields CorruptSnapshot and the caller must
// not consume Payload (§4.B "CRC failure ... aborts decoding before any
// state is applied").
func ParseEnvelope(raw []byte) (*Envelope, error) {
	const fixedHeader = 4 + 2 + 2 + 2 + 4

	if len(raw) < fixedHeader+8 {
		return nil, Wrap(CorruptSnapshot, errTooShort)
	}

	if !bytes.Equal(raw[0:4], magic[:]) {
		return nil, Wrap(CorruptSnapshot, errBadMagic)
	}

	formatVer := binary.LittleEndian.Uint16(raw[4:6])
	dataVer := Version{
		Major: binary.LittleEndian.Uint16(raw[6:8]),
		Minor: binary.LittleEndian.Uint16(raw[8:10]),
	}
	length := binary.LittleEndian.Uint32(raw[10:14])

	if uint64(len(raw)) < uint64(fixedHeader)+uint64(length)+8 {
		return nil, Wrap(CorruptSnapshot, errTruncated)
	}

	payload := raw[fixedHeader : fixedHeader+int(length)]
	wantCRC := binary.LittleEndian.Uint64(raw[fixedHeader+int(length):])

	gotCRC := crc64.Checksum(crcInput(formatVer, dataVer, payload), crcTable)
	if gotCRC != wantCRC {
		return nil, Wrap(CorruptSnapshot, errCRCMismatch)
	}

	return &Envelope{
		FormatVersion: formatVer,
		DataVersion:   dataVer,
		Payload:       payload,
		CRC:           wantCRC,
	}, nil
}

// Decode verifies e's CRC-guarded fields (already checked by ParseEnvelope)
// and gob-decodes its payload into a MicrovmState. Cross-major envelopes
// fail fast with UnsupportedVersion.
func Decode(e *Envelope) (*vmstate.MicrovmState, error) {
	if e.DataVersion.Major != CurrentVersion.Major {
		return nil, Wrap(UnsupportedVersion, fmt.Errorf("payload major %d, codec major %d", e.DataVersion.Major, CurrentVersion.Major))
	}

	state := &vmstate.MicrovmState{}
	if err := gob.NewDecoder(bytes.NewReader(e.Payload)).Decode(state); err != nil {
		return nil, Wrap(CorruptSnapshot, fmt.Errorf("decode payload: %w", err))
	}

	return state, nil
}

// EncodeToBytes is a convenience wrapper combining Encode and Bytes for
// callers (snapwriter) that just want the final on-disk representation.
func EncodeToBytes(state *vmstate.MicrovmState, targetVersion Version) ([]byte, error) {
	env, err := Encode(state, targetVersion)
	if err != nil {
		return nil, err
	}

	return env.Bytes(), nil
}

// DecodeFromBytes is the inverse of EncodeToBytes: parse the envelope,
// verify its CRC, and decode its payload in one call.
func DecodeFromBytes(raw []byte) (*vmstate.MicrovmState, error) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return nil, err
	}

	return Decode(env)
}
