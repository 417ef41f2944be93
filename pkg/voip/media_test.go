package voip

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakePhone answers one INVITE with a 200 OK pointing at its own RTP/RTCP
// sockets, streams a few RTP frames back to the prober, and acknowledges BYE, just
// enough of the dialog for ProbeMedia's success path to exercise.
type fakePhone struct {
	sipConn *net.UDPConn
	number  string
}

func newFakePhone(t *testing.T, number string) *fakePhone {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	return &fakePhone{sipConn: conn, number: number}
}

func (p *fakePhone) port() int {
	return p.sipConn.LocalAddr().(*net.UDPAddr).Port
}

func (p *fakePhone) close() {
	p.sipConn.Close()
}

// serve handles exactly one INVITE/ACK/BYE dialog, then returns.
func (p *fakePhone) serve(t *testing.T) {
	t.Helper()
	buf := make([]byte, 8192)

	var callerRTPPort int
	var callID, fromTag, toTag, branch string
	var rtpConn, rtcpConn *net.UDPConn

	p.sipConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		n, addr, err := p.sipConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		msg := string(buf[:n])

		switch {
		case strings.HasPrefix(msg, "INVITE"):
			branch = extractBranch(msg)
			callID = headerValue(msg, "Call-ID")
			fromTag = tagFromHeader(msg, "From")
			toTag = "phone-tag-1"

			callerRTPPort, _, _ = parseSDP(msg, "127.0.0.1")

			var rerr error
			rtpConn, rerr = net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
			require.NoError(t, rerr)
			rtcpConn, rerr = net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
			require.NoError(t, rerr)

			sdp := fmt.Sprintf(
				"v=0\r\no=phone 1 1 IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\n"+
					"m=audio %d RTP/AVP 0\r\na=rtpmap:0 PCMU/8000\r\na=rtcp:%d\r\n",
				rtpConn.LocalAddr().(*net.UDPAddr).Port, rtcpConn.LocalAddr().(*net.UDPAddr).Port)
			ok := fmt.Sprintf(
				"SIP/2.0 200 OK\r\nVia: SIP/2.0/UDP 127.0.0.1;branch=%s\r\n"+
					"From: <sip:monitor@127.0.0.1>;tag=%s\r\nTo: <sip:%s@127.0.0.1>;tag=%s\r\n"+
					"Call-ID: %s\r\nCSeq: 1 INVITE\r\nContent-Type: application/sdp\r\n"+
					"Content-Length: %d\r\n\r\n%s",
				branch, fromTag, p.number, toTag, callID, len(sdp), sdp)
			p.sipConn.WriteToUDP([]byte(ok), addr)

			go p.streamRTP(rtpConn, callerRTPPort)

		case strings.HasPrefix(msg, "ACK"):
			// no response expected

		case strings.HasPrefix(msg, "BYE"):
			resp := fmt.Sprintf(
				"SIP/2.0 200 OK\r\nFrom: <sip:monitor@127.0.0.1>;tag=%s\r\nTo: <sip:%s@127.0.0.1>;tag=%s\r\n"+
					"Call-ID: %s\r\nCSeq: 2 BYE\r\nContent-Length: 0\r\n\r\n",
				fromTag, p.number, toTag, callID)
			p.sipConn.WriteToUDP([]byte(resp), addr)
			if rtpConn != nil {
				rtpConn.Close()
			}
			if rtcpConn != nil {
				rtcpConn.Close()
			}
			return
		}
	}
}

// streamRTP sends a handful of PCMU frames back to the prober's RTP
// socket, enough to cross ProbeMedia's packetsReceived >= 5 threshold.
func (p *fakePhone) streamRTP(conn *net.UDPConn, destPort int) {
	dest := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: destPort}
	payload := make([]byte, pcmuFrameBytes)
	var seq uint16
	var ts uint32
	for i := 0; i < 10; i++ {
		packet := encodeRTPPacket(rtpHeader{Seq: seq, Timestamp: ts, SSRC: 0xCAFEBABE}, payload)
		conn.WriteToUDP(packet, dest)
		seq++
		ts += 320
		time.Sleep(20 * time.Millisecond)
	}
}

func headerValue(msg, name string) string {
	lower := strings.ToLower(msg)
	idx := strings.Index(lower, strings.ToLower(name)+":")
	if idx < 0 {
		return ""
	}
	rest := msg[idx+len(name)+1:]
	end := strings.IndexAny(rest, "\r\n")
	if end < 0 {
		end = len(rest)
	}
	return strings.TrimSpace(rest[:end])
}

func tagFromHeader(msg, name string) string {
	v := headerValue(msg, name)
	idx := strings.Index(v, "tag=")
	if idx < 0 {
		return ""
	}
	rest := v[idx+len("tag="):]
	end := strings.IndexAny(rest, "; \r\n")
	if end < 0 {
		end = len(rest)
	}
	return rest[:end]
}

func TestProbeMediaSucceedsAgainstFakePhone(t *testing.T) {
	phone := newFakePhone(t, "441530")
	defer phone.close()
	go phone.serve(t)

	cfg := DefaultConfig()
	cfg.SIPPort = phone.port()
	cfg.LocalIP = "127.0.0.1"
	cfg.BurstDuration = 200 * time.Millisecond
	cfg.PTime = 20 * time.Millisecond
	cfg.RTCPWaitMs = 300 * time.Millisecond
	cfg.ICMPEnabled = false

	prober := New(cfg, nil, nil)
	result := prober.ProbeMedia(t.Context(), "441530", "127.0.0.1")

	require.Equal(t, StatusSuccess, result.Status)
	require.GreaterOrEqual(t, result.PacketsReceived, uint32(5))
}

func TestProbeMediaReturnsSIPTimeoutWhenPhoneNeverAnswers(t *testing.T) {
	// An unreachable loopback port: nothing ever answers the INVITE, so
	// the probe must time out rather than hang or panic.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()

	cfg := DefaultConfig()
	cfg.SIPPort = port
	cfg.LocalIP = "127.0.0.1"
	cfg.Timeout = 300 * time.Millisecond
	cfg.ICMPEnabled = false

	prober := New(cfg, nil, nil)
	result := prober.ProbeMedia(t.Context(), "441530", "127.0.0.1")

	require.Equal(t, StatusSIPTimeout, result.Status)
}
