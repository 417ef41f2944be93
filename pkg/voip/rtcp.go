package voip

import (
	"encoding/binary"
	"time"
)

const ntpUnixEpochDeltaSeconds = 2208988800

// rtpHeader is the fixed 12-byte RTP header (RFC 3550 §5.1); no
// CSRC/extension support, matching this probe's PCMU-only media.
type rtpHeader struct {
	Seq       uint16
	Timestamp uint32
	SSRC      uint32
}

func encodeRTPPacket(h rtpHeader, payload []byte) []byte {
	buf := make([]byte, 12+len(payload))
	buf[0] = 0x80 // version 2, no padding/extension/CSRC
	buf[1] = 0    // marker=0, PT=0 (PCMU)
	binary.BigEndian.PutUint16(buf[2:4], h.Seq)
	binary.BigEndian.PutUint32(buf[4:8], h.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], h.SSRC)
	copy(buf[12:], payload)
	return buf
}

func decodeRTPHeader(data []byte) (rtpHeader, bool) {
	if len(data) < 12 {
		return rtpHeader{}, false
	}
	return rtpHeader{
		Seq:       binary.BigEndian.Uint16(data[2:4]),
		Timestamp: binary.BigEndian.Uint32(data[4:8]),
		SSRC:      binary.BigEndian.Uint32(data[8:12]),
	}, true
}

// ntpNow returns the current time as a 64-bit NTP timestamp (seconds
// since 1900 in the high 32 bits, fraction in the low 32 bits).
func ntpNow() (sec, frac uint32) {
	now := time.Now()
	sec = uint32(now.Unix() + ntpUnixEpochDeltaSeconds)
	frac = uint32(float64(now.Nanosecond()) / 1e9 * 4294967296.0)
	return sec, frac
}

// ntpMiddle32 packs the middle 32 bits of an NTP timestamp the way
// RTCP LSR/DLSR fields do.
func ntpMiddle32(sec, frac uint32) uint32 {
	return (sec&0xFFFF)<<16 | (frac>>16)&0xFFFF
}

// encodeRTCPSenderReport builds an SR + SDES compound packet (RFC 3550
// §6.4.1, §6.5) and returns it alongside the LSR value to remember for
// matching a later Receiver Report's DLSR-based RTT calculation.
func encodeRTCPSenderReport(ssrc uint32, rtpTimestamp, packetCount, octetCount uint32, cname string) (packet []byte, lsr uint32) {
	sec, frac := ntpNow()
	lsr = ntpMiddle32(sec, frac)

	sr := make([]byte, 28)
	sr[0] = 0x80 // version 2, no padding, RC=0
	sr[1] = 200  // PT=SR
	binary.BigEndian.PutUint16(sr[2:4], 6)
	binary.BigEndian.PutUint32(sr[4:8], ssrc)
	binary.BigEndian.PutUint32(sr[8:12], sec)
	binary.BigEndian.PutUint32(sr[12:16], frac)
	binary.BigEndian.PutUint32(sr[16:20], rtpTimestamp)
	binary.BigEndian.PutUint32(sr[20:24], packetCount)
	binary.BigEndian.PutUint32(sr[24:28], octetCount)

	if len(cname) > 15 {
		cname = cname[:15]
	}
	for len(cname) < 15 {
		cname += " "
	}

	sdes := make([]byte, 28)
	sdes[0] = 0x81 // version 2, SC=1
	sdes[1] = 202  // PT=SDES
	binary.BigEndian.PutUint16(sdes[2:4], 6)
	binary.BigEndian.PutUint32(sdes[4:8], ssrc)
	sdes[8] = 1  // CNAME
	sdes[9] = 15 // length
	copy(sdes[10:25], cname)
	sdes[25] = 0 // END; bytes 26-27 pad the chunk to a 32-bit boundary

	return append(sr, sdes...), lsr
}

// rtcpReceiverReport is the subset of an RTCP RR (RFC 3550 §6.4.2)
// this probe cares about, from the single report block.
type rtcpReceiverReport struct {
	FractionLost          uint8
	CumulativePacketsLost uint32
	HighestSeq            uint32
	JitterSamples         uint32
	LSR                   uint32
	DLSR                  uint32
}

// decodeRTCPReceiverReport parses the first report block of an RR
// packet. Returns false if data is too short or not an RR (PT=201).
func decodeRTCPReceiverReport(data []byte) (rtcpReceiverReport, bool) {
	const minLen = 8 + 24 // fixed header + one report block
	if len(data) < minLen {
		return rtcpReceiverReport{}, false
	}
	if data[1] != 201 {
		return rtcpReceiverReport{}, false
	}

	block := data[8:]
	cum := uint32(block[5])<<16 | uint32(block[6])<<8 | uint32(block[7])

	return rtcpReceiverReport{
		FractionLost:          block[4],
		CumulativePacketsLost: cum,
		HighestSeq:            binary.BigEndian.Uint32(block[8:12]),
		JitterSamples:         binary.BigEndian.Uint32(block[12:16]),
		LSR:                   binary.BigEndian.Uint32(block[16:20]),
		DLSR:                  binary.BigEndian.Uint32(block[20:24]),
	}, true
}

// mediaRTTFromReceiverReport computes the RTT the way the original
// probe does: RTT = now - LSR - DLSR, all in NTP 1/65536-second units,
// but only when the RR's LSR matches the SR we last sent (otherwise
// the report corresponds to an SR we have no record of).
func mediaRTTFromReceiverReport(rr rtcpReceiverReport, expectedLSR uint32) (time.Duration, bool) {
	if rr.LSR == 0 || rr.LSR != expectedLSR {
		return 0, false
	}
	nowSec, nowFrac := ntpNow()
	nowNTP := ntpMiddle32(nowSec, nowFrac)
	rttNTP := nowNTP - rr.LSR - rr.DLSR
	seconds := float64(rttNTP) / 65536.0
	return time.Duration(seconds * float64(time.Second)), true
}

// rtpStats tracks RFC 3550 §A.8 interarrival jitter plus the sequence
// range needed to estimate packet loss, purely from the locally
// received RTP stream (no RTCP round trip required).
type rtpStats struct {
	initialized     bool
	firstSeq        uint16
	highestSeq      uint16
	packetsReceived uint32
	prevTransitMs   float64
	jitterMs        float64
}

// observe feeds one received RTP packet into the tracker. arrival is
// the local receipt time; timestamp is the packet's RTP timestamp
// (8kHz clock, so dividing by 8 converts ticks to milliseconds).
func (s *rtpStats) observe(seq uint16, timestamp uint32, arrival time.Time) {
	arrivalMs := float64(arrival.UnixNano()) / 1e6
	transit := arrivalMs - float64(timestamp)/8.0

	if !s.initialized {
		s.firstSeq = seq
		s.highestSeq = seq
		s.packetsReceived = 1
		s.prevTransitMs = transit
		s.jitterMs = 0
		s.initialized = true
		return
	}

	if int16(seq-s.highestSeq) > 0 {
		s.highestSeq = seq
	}
	s.packetsReceived++

	d := transit - s.prevTransitMs
	if d < 0 {
		d = -d
	}
	s.jitterMs += (d - s.jitterMs) / 16.0
	s.prevTransitMs = transit
}

// expectedAndLost returns the expected packet count (from the
// sequence-number span) and how many are missing.
func (s *rtpStats) expectedAndLost() (expected, lost uint32) {
	expected = uint32(s.highestSeq-s.firstSeq) + 1
	if expected < s.packetsReceived {
		return expected, 0
	}
	return expected, expected - s.packetsReceived
}
