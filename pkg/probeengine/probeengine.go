// Package probeengine sends, receives, and measures short UDP probe
// bursts to arbitrary peer addresses, and serves as echo responder for
// probes received from peers. Two sockets are held: an ephemeral
// sender socket used for outbound probes and echo reception, and a
// responder socket bound to the well-known probe port used
// exclusively for receiving and echoing peer probes — kept separate
// so outbound probes never collide with the echo port while still
// being consistently demultiplexable.
package probeengine

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/aredn-mesh/meshmon-agent/pkg/clock"
	"github.com/aredn-mesh/meshmon-agent/pkg/logx"
	"github.com/aredn-mesh/meshmon-agent/pkg/resolver"
	"github.com/aredn-mesh/meshmon-agent/pkg/wire"
)

const (
	dscpExpeditedForwarding = 0xB8
	recvPollInterval        = 100 * time.Millisecond
	maxRecvAttempts         = 50
	responderBackoff        = 10 * time.Millisecond
	clockSkewDiscardSeconds = 10.0
)

// PendingProbe records that a probe was emitted and is awaiting echo.
type PendingProbe struct {
	Sequence uint32
	SendTime time.Time
	Target   string
}

// Metrics is the outcome of CalculateMetrics for one target window.
type Metrics struct {
	Sent     int
	Received int
	LossPct  float64
	RTTAvgMs float64
	RTTMinMs float64
	RTTMaxMs float64
	JitterMs float64
}

// Config holds the Probe Engine's own knobs.
type Config struct {
	Port          int
	DSCPExpedited bool
	MeshDomain    string
	DNSServer     string
	DNSTimeout    time.Duration
}

// Engine is the UDP echo probe sender, responder, and metrics
// calculator.
type Engine struct {
	cfg      Config
	log      *logx.Logger
	clk      clock.Clock
	resolver *resolver.Resolver
	hostname string

	sender    *net.UDPConn
	responder *net.UDPConn

	mu      sync.Mutex
	pending map[string][]PendingProbe

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs an Engine. Call Initialise to bind sockets and start
// the responder loop.
func New(cfg Config, log *logx.Logger, clk clock.Clock) *Engine {
	return &Engine{
		cfg:      cfg,
		log:      log,
		clk:      clk,
		resolver: resolver.New(cfg.DNSServer, cfg.DNSTimeout),
		pending:  make(map[string][]PendingProbe),
		stop:     make(chan struct{}),
	}
}

// Initialise acquires both sockets, captures the local hostname, and
// starts the responder loop. Fails if either bind fails.
func (e *Engine) Initialise() error {
	sender, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return fmt.Errorf("probeengine: bind sender socket: %w", err)
	}

	responder, err := net.ListenUDP("udp", &net.UDPAddr{Port: e.cfg.Port})
	if err != nil {
		sender.Close()
		return fmt.Errorf("probeengine: bind responder socket on port %d: %w", e.cfg.Port, err)
	}

	if e.cfg.DSCPExpedited {
		if err := ipv4.NewConn(sender).SetTOS(dscpExpeditedForwarding); err != nil {
			e.log.Warn("probeengine: set DSCP EF on sender: %v", err)
		}
		if err := ipv4.NewConn(responder).SetTOS(dscpExpeditedForwarding); err != nil {
			e.log.Warn("probeengine: set DSCP EF on responder: %v", err)
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	e.sender = sender
	e.responder = responder
	e.hostname = hostname

	e.wg.Add(1)
	go e.responderLoop()

	return nil
}

// Shutdown unblocks and closes both sockets.
func (e *Engine) Shutdown() {
	close(e.stop)
	if e.sender != nil {
		e.sender.Close()
	}
	if e.responder != nil {
		e.responder.Close()
	}
	e.wg.Wait()
}

// SendProbes resolves target via DNS (host syntax
// "<label>.<mesh-domain>"), discovers the preferred local source
// address for it, composes count probe packets with strictly
// increasing sequence numbers starting at 0, sends them spaced by
// intervalMs, and records each as a Pending Probe. A per-packet send
// error is logged and skipped, not fatal. Returns the number actually
// sent.
func (e *Engine) SendProbes(label string, targetPort int, count int, intervalMs int) (int, error) {
	host := label
	if e.cfg.MeshDomain != "" {
		host = label + "." + e.cfg.MeshDomain
	}

	targetIP, err := e.resolver.LookupHost(host)
	if err != nil {
		return 0, fmt.Errorf("probeengine: resolve %s: %w", host, err)
	}

	targetAddr := &net.UDPAddr{IP: net.ParseIP(targetIP), Port: targetPort}

	returnAddr, returnPort, err := e.discoverReturnAddress(targetAddr)
	if err != nil {
		return 0, fmt.Errorf("probeengine: discover return address: %w", err)
	}

	sent := 0
	for seq := uint32(0); seq < uint32(count); seq++ {
		now := e.clk.Now()
		packet := wire.ProbePacket{
			Sequence:      seq,
			SendTimeSec:   uint32(now.Unix()),
			SendTimeUsec:  uint32(now.Nanosecond() / 1000),
			SourceLabel:   e.hostname,
			ReturnAddress: returnAddr,
			ReturnPort:    returnPort,
		}

		if _, err := e.sender.WriteToUDP(wire.Encode(packet), targetAddr); err != nil {
			e.log.Warn("probeengine: sendto %s seq=%d: %v", targetAddr, seq, err)
			continue
		}

		e.mu.Lock()
		e.pending[targetIP] = append(e.pending[targetIP], PendingProbe{
			Sequence: seq,
			SendTime: now,
			Target:   targetIP,
		})
		e.mu.Unlock()

		sent++
		if intervalMs > 0 && seq+1 < uint32(count) {
			time.Sleep(time.Duration(intervalMs) * time.Millisecond)
		}
	}

	return sent, nil
}

// discoverReturnAddress opens a throwaway connected UDP socket toward
// target to learn which local address the kernel would pick as the
// source, per spec: this is the address the responder is told to
// reply to explicitly.
func (e *Engine) discoverReturnAddress(target *net.UDPAddr) (string, uint16, error) {
	conn, err := net.Dial("udp", target.String())
	if err != nil {
		return "", 0, err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	_, portStr, err := net.SplitHostPort(e.sender.LocalAddr().String())
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}

	return localAddr.IP.String(), uint16(port), nil
}

// CalculateMetrics polls the sender socket for echoes matching
// target's pending probes, computes loss/RTT/jitter, and clears all
// Pending Probes for target.
func (e *Engine) CalculateMetrics(target string) (Metrics, error) {
	e.mu.Lock()
	pending := append([]PendingProbe(nil), e.pending[target]...)
	e.mu.Unlock()

	sent := len(pending)
	outstanding := make(map[uint32]bool, sent)
	for _, p := range pending {
		outstanding[p.Sequence] = true
	}

	var rttSamples []float64
	buf := make([]byte, wire.PacketSize)

	for attempt := 0; attempt < maxRecvAttempts && len(outstanding) > 0; attempt++ {
		if err := e.sender.SetReadDeadline(time.Now().Add(recvPollInterval)); err != nil {
			break
		}
		n, _, err := e.sender.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		if n != wire.PacketSize {
			continue
		}
		pkt, err := wire.Decode(buf[:n])
		if err != nil {
			continue
		}
		if !outstanding[pkt.Sequence] {
			continue
		}

		sendTime := time.Unix(int64(pkt.SendTimeSec), int64(pkt.SendTimeUsec)*1000)
		rtt := e.clk.Now().Sub(sendTime).Seconds()
		if rtt < 0 {
			rtt = -rtt
		}
		if rtt >= clockSkewDiscardSeconds {
			delete(outstanding, pkt.Sequence)
			continue
		}

		rttSamples = append(rttSamples, rtt*1000.0)
		delete(outstanding, pkt.Sequence)
	}

	e.mu.Lock()
	delete(e.pending, target)
	e.mu.Unlock()

	return computeMetrics(sent, rttSamples), nil
}

func computeMetrics(sent int, rttSamplesMs []float64) Metrics {
	received := len(rttSamplesMs)

	m := Metrics{Sent: sent, Received: received}
	if sent == 0 {
		m.LossPct = 100
		return m
	}
	m.LossPct = 100 * (1 - float64(received)/float64(sent))

	if received == 0 {
		return m
	}

	m.RTTMinMs = rttSamplesMs[0]
	m.RTTMaxMs = rttSamplesMs[0]
	sum := 0.0
	for _, v := range rttSamplesMs {
		sum += v
		if v < m.RTTMinMs {
			m.RTTMinMs = v
		}
		if v > m.RTTMaxMs {
			m.RTTMaxMs = v
		}
	}
	m.RTTAvgMs = sum / float64(received)

	if received > 1 {
		diffSum := 0.0
		for i := 1; i < received; i++ {
			d := rttSamplesMs[i] - rttSamplesMs[i-1]
			if d < 0 {
				d = -d
			}
			diffSum += d
		}
		m.JitterMs = diffSum / float64(received-1)
	}

	return m
}

// responderLoop reads the responder socket under a 200ms read deadline
// (sleeping 10ms after any read error other than a timeout) and
// echoes each datagram matching the probe
// packet shape to the address encoded inside the payload, never to
// the datagram's actual UDP source address.
func (e *Engine) responderLoop() {
	defer e.wg.Done()

	buf := make([]byte, wire.PacketSize)
	for {
		select {
		case <-e.stop:
			return
		default:
		}

		if err := e.responder.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
			return
		}
		n, _, err := e.responder.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-e.stop:
				return
			default:
				time.Sleep(responderBackoff)
				continue
			}
		}

		if n != wire.PacketSize {
			e.log.Debug("probeengine: dropped undersized/oversized datagram (%d bytes)", n)
			continue
		}

		pkt, err := wire.Decode(buf[:n])
		if err != nil {
			e.log.Debug("probeengine: dropped malformed probe: %v", err)
			continue
		}

		dest := &net.UDPAddr{IP: net.ParseIP(pkt.ReturnAddress), Port: int(pkt.ReturnPort)}
		if dest.IP == nil {
			e.log.Debug("probeengine: dropped probe with invalid return address %q", pkt.ReturnAddress)
			continue
		}

		if _, err := e.responder.WriteToUDP(buf[:n], dest); err != nil {
			e.log.Debug("probeengine: echo to %s failed: %v", dest, err)
		}
	}
}
