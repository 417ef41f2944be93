// Package voip probes registered SIP phones for call quality: a
// lightweight SIP OPTIONS round trip by default, or a full media
// probe that places a short auto-answered call and measures local RTP
// statistics plus whatever RTCP Receiver Report the phone returns.
package voip

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/aredn-mesh/meshmon-agent/pkg/logx"
)

// Status classifies the outcome of a probe.
type Status string

const (
	StatusSuccess    Status = "SUCCESS"
	StatusBusy       Status = "BUSY"
	StatusNoAnswer   Status = "NO_ANSWER"
	StatusNoRR       Status = "NO_RR"
	StatusSIPTimeout Status = "SIP_TIMEOUT"
	StatusSIPError   Status = "SIP_ERROR"
)

// Result is the outcome of one probe against one phone.
type Result struct {
	Status          Status  `json:"status"`
	StatusReason    string  `json:"status_reason"`
	SIPRTTMs        int64   `json:"sip_rtt_ms"`
	ICMPRTTMs       int64   `json:"icmp_rtt_ms"`
	MediaRTTMs      int64   `json:"media_rtt_ms"`
	JitterMs        float64 `json:"jitter_ms"`
	LossFraction    float64 `json:"loss_fraction"`
	PacketsLost     uint32  `json:"packets_lost"`
	PacketsSent     uint32  `json:"packets_sent"`
	PacketsReceived uint32  `json:"packets_received"`
}

// Config holds the VoIP Probe's knobs.
type Config struct {
	SIPPort        int
	Timeout        time.Duration // final-response wait, default 5s
	BurstDuration  time.Duration // media probe RTP burst length, default 1200ms
	PTime          time.Duration // media probe packet time, default 40ms
	RTCPWaitMs     time.Duration // drain window after the burst, default 2000ms
	LocalIP        string        // override auto-detected source address
	ICMPEnabled    bool
	InterTestDelay time.Duration
}

// DefaultConfig returns the library's stated defaults.
func DefaultConfig() Config {
	return Config{
		SIPPort:        5060,
		Timeout:        5 * time.Second,
		BurstDuration:  1200 * time.Millisecond,
		PTime:          40 * time.Millisecond,
		RTCPWaitMs:     2000 * time.Millisecond,
		ICMPEnabled:    true,
		InterTestDelay: time.Second,
	}
}

// Prober runs SIP quality probes against a set of phones.
type Prober struct {
	cfg   Config
	log   *logx.Logger
	queue *ResponseQueue // non-nil when sharing a server's SIP socket
}

// New constructs a Prober. Pass a non-nil queue to route responses
// through a shared SIP server socket instead of opening a private one
// per probe.
func New(cfg Config, log *logx.Logger, queue *ResponseQueue) *Prober {
	if cfg.SIPPort == 0 {
		cfg.SIPPort = 5060
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Prober{cfg: cfg, log: log, queue: queue}
}

func newBranch() string {
	return fmt.Sprintf("z9hG4bK%d%d", time.Now().UnixNano(), rand.Intn(1<<20))
}

func localIPFor(dest string, port int, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	conn, err := net.Dial("udp", net.JoinHostPort(dest, strconv.Itoa(port)))
	if err != nil {
		return "", fmt.Errorf("voip: determine local address toward %s: %w", dest, err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

func probeICMP(dest string, timeout time.Duration) (int64, bool) {
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		conn, err = icmp.ListenPacket("ip4:icmp", "0.0.0.0")
		if err != nil {
			return 0, false
		}
	}
	defer conn.Close()

	dst, err := net.ResolveIPAddr("ip4", dest)
	if err != nil {
		return 0, false
	}

	id := rand.Intn(1 << 16)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: id, Seq: 1, Data: []byte("meshmon-voip")},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return 0, false
	}

	conn.SetDeadline(time.Now().Add(timeout))
	start := time.Now()
	if _, err := conn.WriteTo(wire, &net.UDPAddr{IP: dst.IP}); err != nil {
		return 0, false
	}

	reply := make([]byte, 512)
	n, _, err := conn.ReadFrom(reply)
	if err != nil {
		return 0, false
	}
	elapsed := time.Since(start)

	rm, err := icmp.ParseMessage(1, reply[:n])
	if err != nil || rm.Type != ipv4.ICMPTypeEchoReply {
		return 0, false
	}
	return elapsed.Milliseconds(), true
}

// RegisteredUser is one entry of the registrar's user table, as
// consumed by the shared cycle driver.
type RegisteredUser struct {
	Number string
	IP     string
}

// RunCycle probes each user in order (callers pass a resolved
// snapshot; this package does not own a resolver and makes no
// reachability check first), with the configured delay between tests,
// and returns every result keyed by phone number.
func (p *Prober) RunCycle(ctx context.Context, users []RegisteredUser, media bool) map[string]Result {
	results := make(map[string]Result, len(users))
	for _, u := range users {
		select {
		case <-ctx.Done():
			return results
		default:
		}

		var res Result
		if media {
			res = p.ProbeMedia(ctx, u.Number, u.IP)
		} else {
			res = p.ProbeOptions(ctx, u.Number, u.IP)
		}
		results[u.Number] = res

		if p.cfg.InterTestDelay > 0 {
			select {
			case <-ctx.Done():
				return results
			case <-time.After(p.cfg.InterTestDelay):
			}
		}
	}
	return results
}

// ProbeOptions sends a SIP OPTIONS request and classifies the first
// matching final response.
func (p *Prober) ProbeOptions(ctx context.Context, phoneNumber, phoneIP string) Result {
	localIP, err := localIPFor(phoneIP, p.cfg.SIPPort, p.cfg.LocalIP)
	if err != nil {
		return Result{Status: StatusSIPError, StatusReason: err.Error()}
	}

	var icmpMs int64
	if p.cfg.ICMPEnabled {
		if ms, ok := probeICMP(phoneIP, 500*time.Millisecond); ok {
			icmpMs = ms
		}
	}

	branch := newBranch()
	request := buildOptions(phoneNumber, phoneIP, localIP, branch)
	addr := &net.UDPAddr{IP: net.ParseIP(phoneIP), Port: p.cfg.SIPPort}

	sent := time.Now()
	response, err := p.sendAndAwait(ctx, addr, request, branch)
	if err != nil {
		return Result{Status: StatusSIPTimeout, StatusReason: err.Error(), ICMPRTTMs: icmpMs}
	}

	rtt := time.Since(sent).Milliseconds()
	return classifyFinalResponse(response, rtt, icmpMs)
}

func classifyFinalResponse(response string, rttMs, icmpMs int64) Result {
	code := statusCode(response)
	switch {
	case code >= 200 && code < 300:
		return Result{Status: StatusSuccess, StatusReason: "request answered", SIPRTTMs: rttMs, ICMPRTTMs: icmpMs}
	case code == 486:
		return Result{Status: StatusBusy, StatusReason: "phone busy (486)", SIPRTTMs: rttMs, ICMPRTTMs: icmpMs}
	case code == 0:
		return Result{Status: StatusSIPTimeout, StatusReason: "no SIP response", ICMPRTTMs: icmpMs}
	default:
		return Result{Status: StatusSIPError, StatusReason: fmt.Sprintf("SIP error response %d", code), SIPRTTMs: rttMs, ICMPRTTMs: icmpMs}
	}
}

// sendAndAwait sends request to addr and waits for a response matching
// branch, either via the shared response queue (when configured) or a
// private socket. A private socket is created per call when no queue
// is shared, matching the "or a freshly created one" clause.
func (p *Prober) sendAndAwait(ctx context.Context, addr *net.UDPAddr, request, branch string) (string, error) {
	if p.queue != nil {
		if _, err := p.queue.conn.WriteToUDP([]byte(request), addr); err != nil {
			return "", err
		}
		deadline := time.Now().Add(p.cfg.Timeout)
		for {
			data, ok := p.queue.Dequeue(branch, deadline)
			if !ok {
				return "", fmt.Errorf("voip: no response within %s", p.cfg.Timeout)
			}
			resp := string(data)
			if isProvisional(resp) {
				continue
			}
			return resp, nil
		}
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(request)); err != nil {
		return "", err
	}

	deadline, ok := ctx.Deadline()
	if !ok || deadline.After(time.Now().Add(p.cfg.Timeout)) {
		deadline = time.Now().Add(p.cfg.Timeout)
	}

	buf := make([]byte, 8192)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return "", err
		}
		n, err := conn.Read(buf)
		if err != nil {
			return "", fmt.Errorf("voip: no SIP response within %s", p.cfg.Timeout)
		}
		resp := string(buf[:n])
		if strings.Contains(resp, branch) {
			if isProvisional(resp) {
				continue
			}
			return resp, nil
		}
	}
}

func isProvisional(response string) bool {
	code := statusCode(response)
	return code >= 100 && code < 200
}
