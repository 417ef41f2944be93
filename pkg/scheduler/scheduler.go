// Package scheduler drives the probe cycle and the discovery cycle,
// keeps a bounded history ring of Probe Results, and exports the
// network-wide JSON snapshot once per probe cycle.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/aredn-mesh/meshmon-agent/pkg/discovery"
	"github.com/aredn-mesh/meshmon-agent/pkg/jsonexport"
	"github.com/aredn-mesh/meshmon-agent/pkg/logx"
	"github.com/aredn-mesh/meshmon-agent/pkg/probeengine"
	"github.com/aredn-mesh/meshmon-agent/pkg/routing"
)

// HopDescriptor mirrors routing.HopDescriptor for JSON export without
// importing the routing package's internal types directly into the
// export schema.
type HopDescriptor struct {
	NodeLabel   string  `json:"node_label"`
	Interface   string  `json:"interface"`
	LinkType    string  `json:"link_type"`
	LinkQuality float64 `json:"link_quality,omitempty"`
	ETX         float64 `json:"etx,omitempty"`
}

// ProbeResult is the full outcome of one probe window, owned by the
// scheduler's history ring.
type ProbeResult struct {
	DestinationLabel string          `json:"destination_label"`
	DestinationAddr  string          `json:"destination_addr"`
	Timestamp        time.Time       `json:"timestamp"`
	RoutingDaemon    string          `json:"routing_daemon"`
	RTTAvgMs         float64         `json:"rtt_ms_avg"`
	RTTMinMs         float64         `json:"rtt_ms_min"`
	RTTMaxMs         float64         `json:"rtt_ms_max"`
	JitterMs         float64         `json:"jitter_ms"`
	LossPct          float64         `json:"loss_pct"`
	HopCount         int             `json:"hop_count"`
	Hops             []HopDescriptor `json:"hops,omitempty"`
}

// Config holds the Scheduler's own knobs.
type Config struct {
	Node                string
	ProbeInterval       time.Duration
	ProbeWindow         time.Duration
	ProbeCount          int
	ProbeIntervalMs     int
	ProbePort           int
	NeighbourTargets    int
	HistorySize         int
	DiscoveryInterval   time.Duration
	MaxConcurrentBursts int64
	NetworkJSONPath     string
}

// history is a fixed-size circular buffer of Probe Results. Entries
// with a zero Timestamp are empty slots.
type history struct {
	mu     sync.RWMutex
	slots  []ProbeResult
	cursor int
}

func newHistory(size int) *history {
	if size <= 0 {
		size = 20
	}
	return &history{slots: make([]ProbeResult, size)}
}

func (h *history) record(r ProbeResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.slots[h.cursor] = r
	h.cursor = (h.cursor + 1) % len(h.slots)
}

// snapshot walks backward from the most recent write, skipping empty
// slots, so callers get most-recent-first order.
func (h *history) snapshot() []ProbeResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := len(h.slots)
	out := make([]ProbeResult, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.cursor - 1 - i + n) % n
		if h.slots[idx].Timestamp.IsZero() {
			continue
		}
		out = append(out, h.slots[idx])
	}
	return out
}

// TargetLister supplies the set of peers to probe on a given cycle;
// satisfied by *discovery.Cache and usable with a routing-daemon
// neighbour list as a fallback.
type TargetLister interface {
	Snapshot(max int) []discovery.Agent
}

// Scheduler drives the probe and discovery cycles.
type Scheduler struct {
	cfg      Config
	log      *logx.Logger
	engine   *probeengine.Engine
	routing  *routing.Adapter
	targets  TargetLister
	history  *history
	sem      *semaphore.Weighted
	exporter *jsonexport.Writer

	stopOnce sync.Once
	cancel   context.CancelFunc
}

// New constructs a Scheduler.
func New(cfg Config, log *logx.Logger, engine *probeengine.Engine, routingAdapter *routing.Adapter, targets TargetLister) *Scheduler {
	maxBursts := cfg.MaxConcurrentBursts
	if maxBursts <= 0 {
		maxBursts = 4
	}
	return &Scheduler{
		cfg:      cfg,
		log:      log,
		engine:   engine,
		routing:  routingAdapter,
		targets:  targets,
		history:  newHistory(cfg.HistorySize),
		sem:      semaphore.NewWeighted(maxBursts),
		exporter: jsonexport.New(cfg.Node),
	}
}

// Start launches the probe-cycle and discovery-cycle goroutines. It
// returns immediately; call Stop (or cancel ctx) to shut both down.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.probeCycleLoop(ctx)
	if s.cfg.DiscoveryInterval > 0 {
		go s.discoveryCycleLoop(ctx)
	}
}

// Stop cancels both cycle loops. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func (s *Scheduler) probeCycleLoop(ctx context.Context) {
	interval := s.cfg.ProbeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runProbeCycle(ctx)
		}
	}
}

func (s *Scheduler) discoveryCycleLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if scanner, ok := s.targets.(interface{ Scan() int }); ok {
				n := scanner.Scan()
				s.log.Debug("scheduler: discovery cycle probed %d candidates", n)
			}
		}
	}
}

// runProbeCycle selects targets (truncated to NeighbourTargets, in
// cache order), then for each: send a burst, sleep the probe window,
// measure, annotate the hop path, and record. Targets run with bounded
// concurrency via the burst semaphore so one large cycle cannot
// saturate every socket at once.
func (s *Scheduler) runProbeCycle(ctx context.Context) {
	agents := s.targets.Snapshot(s.cfg.NeighbourTargets)

	if len(agents) == 0 {
		if scanner, ok := s.targets.(interface{ Scan() int }); ok {
			n := scanner.Scan()
			s.log.Debug("scheduler: cache empty at probe time, ran on-demand discovery scan (%d candidates)", n)
			agents = s.targets.Snapshot(s.cfg.NeighbourTargets)
		}
	}

	var wg sync.WaitGroup
	for _, agent := range agents {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func(a discovery.Agent) {
			defer wg.Done()
			defer s.sem.Release(1)
			s.probeOneTarget(ctx, a)
		}(agent)
	}
	wg.Wait()

	if err := s.exportNetworkJSON(); err != nil {
		s.log.Warn("scheduler: export network JSON: %v", err)
	}
}

func (s *Scheduler) probeOneTarget(ctx context.Context, agent discovery.Agent) {
	sent, err := s.engine.SendProbes(agent.NodeLabel, s.cfg.ProbePort, s.cfg.ProbeCount, s.cfg.ProbeIntervalMs)
	if err != nil {
		s.log.Warn("scheduler: send probes to %s: %v", agent.NodeLabel, err)
		return
	}
	_ = sent

	select {
	case <-ctx.Done():
		return
	case <-time.After(s.cfg.ProbeWindow):
	}

	metrics, err := s.engine.CalculateMetrics(agent.MeshAddr)
	if err != nil {
		s.log.Warn("scheduler: calculate metrics for %s: %v", agent.NodeLabel, err)
		return
	}

	result := ProbeResult{
		DestinationLabel: agent.NodeLabel,
		DestinationAddr:  agent.MeshAddr,
		Timestamp:        time.Now(),
		RTTAvgMs:         metrics.RTTAvgMs,
		RTTMinMs:         metrics.RTTMinMs,
		RTTMaxMs:         metrics.RTTMaxMs,
		JitterMs:         metrics.JitterMs,
		LossPct:          metrics.LossPct,
	}

	if s.routing != nil {
		result.RoutingDaemon = s.routing.DaemonName()
		if hops, err := s.routing.PathHops(agent.MeshAddr); err == nil {
			result.HopCount = len(hops)
			for _, h := range hops {
				result.Hops = append(result.Hops, HopDescriptor{
					NodeLabel:   h.NodeLabel,
					Interface:   h.Interface,
					LinkType:    h.LinkType,
					LinkQuality: h.LinkQuality,
					ETX:         h.ETX,
				})
			}
		}
	}

	s.history.record(result)
}

// History returns the history ring's contents, most-recent-first.
func (s *Scheduler) History() []ProbeResult {
	return s.history.snapshot()
}

// ProbeNow runs one immediate burst against nodeLabel outside the
// regular probe cycle, for operator-triggered troubleshooting. It
// still goes through the burst semaphore so an operator request
// cannot oversaturate an already-busy cycle.
func (s *Scheduler) ProbeNow(ctx context.Context, nodeLabel string) error {
	var target *discovery.Agent
	for _, a := range s.targets.Snapshot(0) {
		if a.NodeLabel == nodeLabel {
			target = &a
			break
		}
	}
	if target == nil {
		return fmt.Errorf("scheduler: unknown node %q", nodeLabel)
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	s.probeOneTarget(ctx, *target)
	return nil
}

// networkPayload is the network JSON document's payload, wrapped by
// jsonexport in the common envelope.
type networkPayload struct {
	RoutingDaemon string        `json:"routing_daemon"`
	Results       []ProbeResult `json:"results"`
}

func (s *Scheduler) exportNetworkJSON() error {
	if s.cfg.NetworkJSONPath == "" {
		return nil
	}

	daemon := ""
	if s.routing != nil {
		daemon = s.routing.DaemonName()
	}

	payload := networkPayload{
		RoutingDaemon: daemon,
		Results:       s.history.snapshot(),
	}

	return s.exporter.Write(s.cfg.NetworkJSONPath, "network", payload)
}
