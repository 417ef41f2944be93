// Package wire encodes and decodes the probe packet exchanged between
// the Probe Engine's sender and responder: a fixed-layout, network
// byte order struct carried in a single UDP datagram. The explicit
// return address lets a responder seeing an asymmetric-routed or
// NAT-traversed datagram reply to an address the sender chose, rather
// than the source address from the IP header.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	labelSize      = 64
	returnAddrSize = 16
	// PacketSize is the exact wire size of a ProbePacket. Datagrams of
	// any other length are not probe packets.
	PacketSize = 4 + 4 + 4 + labelSize + returnAddrSize + 2
)

// ProbePacket is the probe protocol's wire representation.
type ProbePacket struct {
	Sequence      uint32
	SendTimeSec   uint32
	SendTimeUsec  uint32
	SourceLabel   string // truncated/NUL-padded to labelSize on encode
	ReturnAddress string // truncated/NUL-padded to returnAddrSize on encode
	ReturnPort    uint16
}

// Encode serialises p into its fixed PacketSize-byte wire form.
func Encode(p ProbePacket) []byte {
	buf := make([]byte, PacketSize)
	off := 0

	binary.BigEndian.PutUint32(buf[off:], p.Sequence)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], p.SendTimeSec)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], p.SendTimeUsec)
	off += 4

	putPadded(buf[off:off+labelSize], p.SourceLabel)
	off += labelSize

	putPadded(buf[off:off+returnAddrSize], p.ReturnAddress)
	off += returnAddrSize

	binary.BigEndian.PutUint16(buf[off:], p.ReturnPort)

	return buf
}

// Decode parses a datagram into a ProbePacket. A datagram that is not
// exactly PacketSize bytes is neither truncated nor padded by this
// function: callers own that policy (the responder truncates oversize
// reads on copy by capping its recv buffer; undersized reads are
// dropped before Decode is called).
func Decode(data []byte) (ProbePacket, error) {
	if len(data) != PacketSize {
		return ProbePacket{}, fmt.Errorf("wire: probe packet must be %d bytes, got %d", PacketSize, len(data))
	}

	off := 0
	var p ProbePacket

	p.Sequence = binary.BigEndian.Uint32(data[off:])
	off += 4
	p.SendTimeSec = binary.BigEndian.Uint32(data[off:])
	off += 4
	p.SendTimeUsec = binary.BigEndian.Uint32(data[off:])
	off += 4

	p.SourceLabel = readPadded(data[off : off+labelSize])
	off += labelSize

	p.ReturnAddress = readPadded(data[off : off+returnAddrSize])
	off += returnAddrSize

	p.ReturnPort = binary.BigEndian.Uint16(data[off:])

	return p, nil
}

func putPadded(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func readPadded(src []byte) string {
	i := bytes.IndexByte(src, 0)
	if i < 0 {
		return string(src)
	}
	return string(src[:i])
}
