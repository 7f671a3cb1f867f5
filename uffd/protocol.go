package uffd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/rs/xid"
)

// RegionDescriptor describes one region to the handler, per §4.E's handshake
// payload and §6's {base, source_base, length, token_len, token} frame.
//
// Base is the host-virtual address the region is mapped at in the
// registering process: UFFDIO_REGISTER requires it, and the kernel reports
// fault addresses in this same space, so Contains and fault matching key off
// it. SourceBase is the guest-physical base of the region, used only to
// address the shared memory-file/FaultMap image, which is laid out by
// guest-physical offset rather than by host mapping address.
type RegionDescriptor struct {
	Base       uint64
	SourceBase uint64
	Length     uint64
	Token      string // opaque client token, usually a source path
}

// Contains reports whether addr, a faulting host-virtual address, falls
// within this descriptor's mapped range.
func (r RegionDescriptor) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.Base+r.Length
}

var (
	errNoControlMessage = errors.New("expected exactly one control message carrying the userfault fd")
	errTruncatedFrame   = errors.New("truncated region descriptor frame")
)

// encodeRegionDescriptors serializes regions as §6's binary handshake
// payload: a little-endian uint32 region count followed by, per region,
// {base:u64, source_base:u64, length:u64, token_len:u16, token:bytes}.
func encodeRegionDescriptors(regions []RegionDescriptor) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(regions)))

	for _, r := range regions {
		buf = binary.LittleEndian.AppendUint64(buf, r.Base)
		buf = binary.LittleEndian.AppendUint64(buf, r.SourceBase)
		buf = binary.LittleEndian.AppendUint64(buf, r.Length)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(r.Token)))
		buf = append(buf, r.Token...)
	}

	return buf
}

// decodeRegionDescriptors is the inverse of encodeRegionDescriptors.
func decodeRegionDescriptors(raw []byte) ([]RegionDescriptor, error) {
	if len(raw) < 4 {
		return nil, errTruncatedFrame
	}

	count := binary.LittleEndian.Uint32(raw)
	raw = raw[4:]

	regions := make([]RegionDescriptor, 0, count)

	for i := uint32(0); i < count; i++ {
		if len(raw) < 8+8+8+2 {
			return nil, errTruncatedFrame
		}

		base := binary.LittleEndian.Uint64(raw)
		sourceBase := binary.LittleEndian.Uint64(raw[8:])
		length := binary.LittleEndian.Uint64(raw[16:])
		tokenLen := binary.LittleEndian.Uint16(raw[24:])
		raw = raw[26:]

		if len(raw) < int(tokenLen) {
			return nil, errTruncatedFrame
		}

		regions = append(regions, RegionDescriptor{Base: base, SourceBase: sourceBase, Length: length, Token: string(raw[:tokenLen])})
		raw = raw[tokenLen:]
	}

	return regions, nil
}

// sendHandshake sends the single ancillary message of §4.E's handshake:
// the userfault fd as SCM_RIGHTS, with the binary region descriptor frame
// as the regular payload.
func sendHandshake(conn *net.UnixConn, uffdFD uintptr, regions []RegionDescriptor) error {
	payload := encodeRegionDescriptors(regions)

	rights := syscall.UnixRights(int(uffdFD))

	_, _, err := conn.WriteMsgUnix(payload, rights, nil)
	if err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	return nil
}

// receiveHandshake reads the handshake frame sent by sendHandshake,
// returning the handed-off uffd fd and the region descriptors.
func receiveHandshake(conn *net.UnixConn) (uffdFD uintptr, regions []RegionDescriptor, err error) {
	payloadBuf := make([]byte, 64*1024)
	oobBuf := make([]byte, syscall.CmsgSpace(4))

	n, oobn, _, _, err := conn.ReadMsgUnix(payloadBuf, oobBuf)
	if err != nil {
		return 0, nil, fmt.Errorf("read handshake: %w", err)
	}

	regions, err = decodeRegionDescriptors(payloadBuf[:n])
	if err != nil {
		return 0, nil, fmt.Errorf("decode region descriptors: %w", err)
	}

	msgs, err := syscall.ParseSocketControlMessage(oobBuf[:oobn])
	if err != nil {
		return 0, nil, fmt.Errorf("parse control message: %w", err)
	}

	if len(msgs) != 1 {
		return 0, nil, errNoControlMessage
	}

	fds, err := syscall.ParseUnixRights(&msgs[0])
	if err != nil {
		return 0, nil, fmt.Errorf("parse unix rights: %w", err)
	}

	if len(fds) != 1 {
		return 0, nil, errNoControlMessage
	}

	return uintptr(fds[0]), regions, nil
}

// heartbeat is the optional {u8=0} keepalive frame of §6.
const heartbeat = byte(0)

// BuildRegionDescriptors pairs each region's host-virtual mapping address
// (bases) with its guest-physical base (sourceBases, used only to address
// the shared source file/FaultMap) and an opaque client token (usually the
// source path the handler should read pages from); when path is empty an
// xid-generated token is used instead, for regions served purely from a
// WorkingSet or zero-fill with no backing file identity.
func BuildRegionDescriptors(bases, sourceBases, lengths []uint64, path string) []RegionDescriptor {
	out := make([]RegionDescriptor, len(bases))

	for i := range bases {
		token := path
		if token == "" {
			token = xid.New().String()
		}

		out[i] = RegionDescriptor{Base: bases[i], SourceBase: sourceBases[i], Length: lengths[i], Token: token}
	}

	return out
}
