package voip

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/google/uuid"
)

const pcmuFrameBytes = 320 // PCMU payload for a 40ms/8kHz frame

// ProbeMedia places a short auto-answered call, streams a silence PCMU
// burst, and measures locally observed RTP jitter/loss. When the phone
// returns an RTCP Receiver Report whose LSR matches the last Sender
// Report sent, the media RTT is taken from it; the report's loss and
// jitter fields are not used.
// Succeeds when at least 5 RTP packets are received from the phone.
func (p *Prober) ProbeMedia(ctx context.Context, phoneNumber, phoneIP string) Result {
	localIP, err := localIPFor(phoneIP, p.cfg.SIPPort, p.cfg.LocalIP)
	if err != nil {
		return Result{Status: StatusSIPError, StatusReason: err.Error()}
	}

	rtpPort := 10000 + 2*randPortOffset()
	rtcpPort := rtpPort + 1

	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: rtpPort})
	if err != nil {
		return Result{Status: StatusSIPError, StatusReason: fmt.Sprintf("bind RTP socket: %v", err)}
	}
	defer rtpConn.Close()

	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: rtcpPort})
	if err != nil {
		return Result{Status: StatusSIPError, StatusReason: fmt.Sprintf("bind RTCP socket: %v", err)}
	}
	defer rtcpConn.Close()

	branch := newBranch()
	callID := fmt.Sprintf("%s@%s", uuid.New().String(), localIP)
	fromTag := fmt.Sprintf("%d", time.Now().UnixNano()+1)
	sipAddr := &net.UDPAddr{IP: net.ParseIP(phoneIP), Port: p.cfg.SIPPort}

	invite := buildInvite(phoneNumber, phoneIP, localIP, branch, callID, fromTag, rtpPort)

	sipSent := time.Now()
	response, err := p.sendAndAwait(ctx, sipAddr, invite, branch)
	if err != nil {
		return Result{Status: StatusSIPTimeout, StatusReason: err.Error()}
	}
	sipRTTMs := time.Since(sipSent).Milliseconds()

	code := statusCode(response)
	switch {
	case code == 486:
		return Result{Status: StatusBusy, StatusReason: "phone busy (486)", SIPRTTMs: sipRTTMs}
	case code != 200:
		return Result{Status: StatusSIPError, StatusReason: fmt.Sprintf("SIP error response %d", code), SIPRTTMs: sipRTTMs}
	}

	toTag, ok := extractToTag(response)
	if !ok {
		return Result{Status: StatusSIPError, StatusReason: "no To tag in 200 OK", SIPRTTMs: sipRTTMs}
	}

	phoneRTPPort, phoneRTCPPort, mediaIP := parseSDP(response, phoneIP)
	if phoneRTPPort == 0 {
		phoneRTPPort, phoneRTCPPort = rtpPort, rtcpPort
	}

	ack := buildAck(phoneNumber, phoneIP, localIP, branch, callID, fromTag, toTag)
	p.sendRaw(sipAddr, ack)

	rtpDest := &net.UDPAddr{IP: net.ParseIP(mediaIP), Port: phoneRTPPort}
	rtcpDest := &net.UDPAddr{IP: net.ParseIP(mediaIP), Port: phoneRTCPPort}

	ssrc := uint32(0x12345678)
	var stats rtpStats

	srPacket, lsr := encodeRTCPSenderReport(ssrc, 0, 0, 0, fmt.Sprintf("meshmon@%s", localIP))
	rtcpConn.WriteToUDP(srPacket, rtcpDest)

	ptime := p.cfg.PTime
	if ptime <= 0 {
		ptime = 40 * time.Millisecond
	}
	burst := p.cfg.BurstDuration
	if burst <= 0 {
		burst = 1200 * time.Millisecond
	}
	packetsToSend := int(burst / ptime)
	srAt1s := int(time.Second / ptime)

	var seq uint16
	var rtpTimestamp uint32
	var packetsSent uint32
	payload := make([]byte, pcmuFrameBytes)
	for i := range payload {
		payload[i] = 0xFF // PCMU silence
	}

	rtpConn.SetReadDeadline(time.Now().Add(burst + 2*time.Second))

burstLoop:
	for i := 0; i < packetsToSend; i++ {
		select {
		case <-ctx.Done():
			break burstLoop
		default:
		}

		packet := encodeRTPPacket(rtpHeader{Seq: seq, Timestamp: rtpTimestamp, SSRC: ssrc}, payload)
		rtpConn.WriteToUDP(packet, rtpDest)
		seq++
		packetsSent++
		rtpTimestamp += 320 // 40ms at 8000Hz

		drainRTP(rtpConn, &stats)

		if i == srAt1s {
			sr, newLSR := encodeRTCPSenderReport(ssrc, rtpTimestamp, packetsSent, packetsSent*uint32(pcmuFrameBytes), fmt.Sprintf("meshmon@%s", localIP))
			rtcpConn.WriteToUDP(sr, rtcpDest)
			lsr = newLSR
		}

		time.Sleep(ptime)
	}

	finalSR, finalLSR := encodeRTCPSenderReport(ssrc, rtpTimestamp, packetsSent, packetsSent*uint32(pcmuFrameBytes), fmt.Sprintf("meshmon@%s", localIP))
	rtcpConn.WriteToUDP(finalSR, rtcpDest)
	lsr = finalLSR

	drainRTP(rtpConn, &stats)

	wait := p.cfg.RTCPWaitMs
	if wait <= 0 {
		wait = 2 * time.Second
	}
	rtcpConn.SetReadDeadline(time.Now().Add(wait))
	rr, rrOK := drainRTCP(rtcpConn)
	drainRTP(rtpConn, &stats)

	bye := buildBye(phoneNumber, phoneIP, localIP, branch, callID, fromTag, toTag)
	p.sendRaw(sipAddr, bye)

	result := Result{PacketsSent: packetsSent}
	if stats.initialized && stats.packetsReceived >= 5 {
		result.Status = StatusSuccess
		result.MediaRTTMs = sipRTTMs
		result.JitterMs = stats.jitterMs
		expected, lost := stats.expectedAndLost()
		result.PacketsLost = lost
		result.PacketsReceived = stats.packetsReceived
		if expected > 0 {
			result.LossFraction = float64(lost) / float64(expected)
		}
		result.StatusReason = fmt.Sprintf("probe successful with local RTP metrics (%d packets received)", stats.packetsReceived)
	} else {
		result.Status = StatusNoRR
		result.StatusReason = fmt.Sprintf("no/insufficient RTP received from phone (%d packets, need 5)", stats.packetsReceived)
	}

	if rrOK {
		if rtt, ok := mediaRTTFromReceiverReport(rr, lsr); ok {
			result.MediaRTTMs = rtt.Milliseconds()
		}
	}

	return result
}

func (p *Prober) sendRaw(addr *net.UDPAddr, message string) {
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.Write([]byte(message))
}

func drainRTP(conn *net.UDPConn, stats *rtpStats) {
	buf := make([]byte, 2048)
	conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		h, ok := decodeRTPHeader(buf[:n])
		if !ok {
			continue
		}
		stats.observe(h.Seq, h.Timestamp, time.Now())
	}
}

func drainRTCP(conn *net.UDPConn) (rtcpReceiverReport, bool) {
	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return rtcpReceiverReport{}, false
		}
		if rr, ok := decodeRTCPReceiverReport(buf[:n]); ok {
			return rr, true
		}
	}
}

// randPortOffset picks a value in [0,499] so that 10000+2*offset lands
// on an even port in [10000,10998], leaving its RTCP companion port
// (RTP port + 1) inside [10001,10999].
func randPortOffset() int {
	n, err := rand.Int(rand.Reader, big.NewInt(500))
	if err != nil {
		return int(time.Now().UnixNano() % 500)
	}
	return int(n.Int64())
}
