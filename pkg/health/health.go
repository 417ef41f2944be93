// Package health tracks thread liveness, resident-set growth, error
// rates, and crash signals for the running agent, scores the result
// 0-100, and publishes agent_health/crash_report documents through
// pkg/jsonexport. A long-lived loop reports liveness by calling
// Heartbeat from inside each iteration. Within this tree the package
// imports only pkg/clock, pkg/jsonexport and pkg/logx.
package health

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/google/uuid"

	"github.com/aredn-mesh/meshmon-agent/pkg/clock"
	"github.com/aredn-mesh/meshmon-agent/pkg/jsonexport"
	"github.com/aredn-mesh/meshmon-agent/pkg/logx"
)

// EventThreadDown and EventCrash are published on the Monitor's bus
// whenever a thread is marked non-responsive or a crash report is
// recorded, so the debug API or a future alerting component can
// subscribe without the monitor knowing they exist.
const (
	EventThreadDown = "health:thread_down"
	EventCrash      = "health:crash"
)

// Config controls thresholds and export targets. Zero values are not
// valid; use config.Defaults().Health and translate into this shape.
type Config struct {
	ThreadTimeout   time.Duration
	MemoryCheckEach time.Duration
	ReportInterval  time.Duration
	ErrorWindow     time.Duration
	HealthPath      string
	CrashPath       string
	MaxCrashHistory int
	Node            string
}

// ThreadHealth is one registered thread's liveness record.
type ThreadHealth struct {
	Name          string
	StartTime     time.Time
	LastHeartbeat time.Time
	RestartCount  int
}

// MemoryHealth tracks RSS samples taken from /proc/self/status.
type MemoryHealth struct {
	InitialRSSBytes  uint64
	CurrentRSSBytes  uint64
	PeakRSSBytes     uint64
	GrowthRateMBPerH float64
	LeakSuspected    bool
	lastSample       time.Time
	lastRSSBytes     uint64
}

// CrashReport mirrors the published crash_report document.
type CrashReport struct {
	ID                string    `json:"id"`
	Schema            string    `json:"schema"`
	Type              string    `json:"type"`
	Node              string    `json:"node"`
	SentAt            time.Time `json:"sent_at"`
	CrashTime         time.Time `json:"crash_time"`
	Signal            int       `json:"signal"`
	SignalName        string    `json:"signal_name"`
	Reason            string    `json:"reason"`
	RestartCount      int       `json:"restart_count"`
	UptimeBeforeCrash float64   `json:"uptime_before_crash_s"`
}

// Summary is the computed, point-in-time health score plus its inputs.
type Summary struct {
	IsHealthy         bool    `json:"is_healthy"`
	HealthScore       float64 `json:"health_score"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
	RestartCount      int     `json:"restart_count"`
	ThreadsResponsive bool    `json:"threads_responsive"`
	MemoryStable      bool    `json:"memory_stable"`
	NoRecentCrashes   bool    `json:"no_recent_crashes"`
	SIPServiceOK      bool    `json:"sip_service_ok"`
	PhonebookCurrent  bool    `json:"phonebook_current"`
}

// SIPServiceStatus lets the VoIP prober report into the health
// snapshot without health importing pkg/voip.
type SIPServiceStatus struct {
	ActiveCalls     int
	RegisteredUsers int
}

// Monitor is the process-wide health service. Construct once at boot,
// pass the handle to every long-lived loop, call Shutdown once in
// reverse dependency order.
type Monitor struct {
	cfg Config
	log *logx.Logger
	clk clock.Clock
	bus evbus.Bus

	mu           sync.Mutex
	processStart time.Time
	lastRestart  time.Time
	restartCount int
	threads      map[string]*ThreadHealth
	memory       MemoryHealth
	errorCounts  map[string][24]int // component -> hourly buckets
	errorStart   time.Time
	crashHistory []CrashReport
	sip          SIPServiceStatus
	phonebookOK  bool
	lastCPU      cpuJiffies
	cpuPct       float64

	exporter *jsonexport.Writer

	crashFD *os.File

	stop   chan struct{}
	stopOn sync.Once
	wg     sync.WaitGroup
}

// New builds a Monitor. clk may be nil to use the real wall clock;
// tests inject a fake one to make thread-timeout and error-window
// sweeps deterministic.
func New(cfg Config, log *logx.Logger, clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.System{}
	}
	now := clk.Now()
	return &Monitor{
		cfg:          cfg,
		log:          log,
		clk:          clk,
		bus:          evbus.New(),
		processStart: now,
		threads:      make(map[string]*ThreadHealth),
		errorCounts:  make(map[string][24]int),
		errorStart:   now,
		exporter:     jsonexport.New(cfg.Node),
		stop:         make(chan struct{}),
	}
}

// Bus exposes the event bus so other components can Subscribe to
// EventThreadDown / EventCrash without the monitor importing them.
func (m *Monitor) Bus() evbus.Bus { return m.bus }

// RegisterThread adds a thread to the liveness table with an initial
// heartbeat of now.
func (m *Monitor) RegisterThread(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	m.threads[name] = &ThreadHealth{Name: name, StartTime: now, LastHeartbeat: now}
}

// Heartbeat records liveness for a registered thread. Call this from
// inside every iteration of a long-lived loop.
func (m *Monitor) Heartbeat(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[name]
	if !ok {
		t = &ThreadHealth{Name: name, StartTime: m.clk.Now()}
		m.threads[name] = t
	}
	t.LastHeartbeat = m.clk.Now()
}

// RecordRestart increments the restart counter (which feeds the health
// score), records the restart time, and logs reason; the reason itself
// is not stored.
func (m *Monitor) RecordRestart(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restartCount++
	m.lastRestart = m.clk.Now()
	if m.log != nil {
		m.log.Warn("health: process restart #%d: %s", m.restartCount, reason)
	}
}

// RecordError tallies one error for component into the current hour's
// bucket (SIP errors, fetch failures, probe failures, etc).
func (m *Monitor) RecordError(component string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hour := int(m.clk.Now().Sub(m.errorStart).Hours()) % 24
	if hour < 0 {
		hour = 0
	}
	buckets := m.errorCounts[component]
	buckets[hour]++
	m.errorCounts[component] = buckets
}

// SetSIPServiceStatus lets the VoIP prober publish its live call and
// registration counts for the health snapshot's sip_service object.
func (m *Monitor) SetSIPServiceStatus(s SIPServiceStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sip = s
}

// SetPhonebookCurrent records whether the registrar's phonebook data
// is considered fresh.
func (m *Monitor) SetPhonebookCurrent(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phonebookOK = ok
}

func currentHourCount(buckets [24]int, hour int) int {
	if hour < 0 || hour >= 24 {
		return 0
	}
	return buckets[hour]
}

// crashesInLast24h counts crash-history entries within the last 24
// hours. Caller must hold m.mu.
func (m *Monitor) crashesInLast24h() int {
	cutoff := m.clk.Now().Add(-24 * time.Hour)
	n := 0
	for _, c := range m.crashHistory {
		if c.CrashTime.After(cutoff) {
			n++
		}
	}
	return n
}

// checkThreadResponsiveness marks any thread silent for longer than
// ThreadTimeout as non-responsive and publishes EventThreadDown.
func (m *Monitor) checkThreadResponsiveness() bool {
	m.mu.Lock()
	now := m.clk.Now()
	allResponsive := true
	var downNames []string
	for name, t := range m.threads {
		if now.Sub(t.LastHeartbeat) > m.cfg.ThreadTimeout {
			allResponsive = false
			downNames = append(downNames, name)
		}
	}
	m.mu.Unlock()

	for _, name := range downNames {
		m.bus.Publish(EventThreadDown, name)
		if m.log != nil {
			m.log.Error("health: thread %q has not sent a heartbeat within %s", name, m.cfg.ThreadTimeout)
		}
	}
	return allResponsive
}

// sampleMemory reads /proc/self/status:VmRSS and updates growth-rate
// and leak-suspected tracking.
func (m *Monitor) sampleMemory() {
	rss, err := readVmRSSBytes()
	if err != nil {
		if m.log != nil {
			m.log.Debug("health: reading VmRSS: %v", err)
		}
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	if m.memory.InitialRSSBytes == 0 {
		m.memory.InitialRSSBytes = rss
		m.memory.lastRSSBytes = rss
		m.memory.lastSample = now
	}
	m.memory.CurrentRSSBytes = rss
	if rss > m.memory.PeakRSSBytes {
		m.memory.PeakRSSBytes = rss
	}

	if !m.memory.lastSample.IsZero() {
		elapsedHours := now.Sub(m.memory.lastSample).Hours()
		if elapsedHours > 0 {
			deltaMB := float64(int64(rss)-int64(m.memory.lastRSSBytes)) / (1024 * 1024)
			m.memory.GrowthRateMBPerH = deltaMB / elapsedHours
		}
	}
	m.memory.lastSample = now
	m.memory.lastRSSBytes = rss

	m.memory.LeakSuspected = float64(rss) > 1.5*float64(m.memory.InitialRSSBytes) && m.memory.GrowthRateMBPerH > 0.1
}

// sampleCPU reads process and system jiffy counters and updates the
// CPU-percent estimate from the delta against the previous sample.
func (m *Monitor) sampleCPU() {
	cur, err := readCPUJiffies()
	if err != nil {
		if m.log != nil {
			m.log.Debug("health: reading CPU jiffies: %v", err)
		}
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastCPU.totalTicks != 0 {
		m.cpuPct = cpuPercent(m.lastCPU, cur)
	}
	m.lastCPU = cur
}

// cleanupOldErrors zeroes the bucket about to be overwritten by the
// next hour's counting, so a stale count from 24h ago never leaks
// into the rolling total.
func (m *Monitor) cleanupOldErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	hour := int(m.clk.Now().Sub(m.errorStart).Hours()) % 24
	if hour < 0 {
		hour = 0
	}
	staleHour := (hour + 1) % 24
	for component, buckets := range m.errorCounts {
		buckets[staleHour] = 0
		m.errorCounts[component] = buckets
	}
}

// Score computes the 0-100 health score and its component checks.
func (m *Monitor) Score() Summary {
	threadsOK := m.checkThreadResponsiveness()

	m.mu.Lock()
	defer m.mu.Unlock()

	score := 100.0
	if !threadsOK {
		score -= 20
	}
	if m.memory.LeakSuspected {
		score -= 15
	}
	crashes24h := m.crashesInLast24h()
	score -= 10 * float64(crashes24h)
	if m.restartCount > 5 {
		score -= 10
	}

	hour := int(m.clk.Now().Sub(m.errorStart).Hours()) % 24
	errorsThisHour := 0
	for _, buckets := range m.errorCounts {
		errorsThisHour += currentHourCount(buckets, hour)
	}
	score -= float64(errorsThisHour)

	sipErrorsThisHour := currentHourCount(m.errorCounts["sip"], hour)

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return Summary{
		IsHealthy:         score >= 80,
		HealthScore:       score,
		UptimeSeconds:     m.clk.Now().Sub(m.processStart).Seconds(),
		RestartCount:      m.restartCount,
		ThreadsResponsive: threadsOK,
		MemoryStable:      !m.memory.LeakSuspected,
		NoRecentCrashes:   crashes24h == 0,
		SIPServiceOK:      sipErrorsThisHour == 0,
		PhonebookCurrent:  m.phonebookOK,
	}
}

// agentHealthPayload is the JSON body wrapped in the jsonexport
// envelope for the "agent_health" document.
type agentHealthPayload struct {
	UptimeSeconds     float64 `json:"uptime_seconds"`
	RestartCount      int     `json:"restart_count"`
	ThreadsResponsive bool    `json:"threads_responsive"`
	HealthScore       float64 `json:"health_score"`
	CPUPct            float64 `json:"cpu_pct"`
	MemMB             float64 `json:"mem_mb"`
	Checks            struct {
		MemoryStable     bool `json:"memory_stable"`
		NoRecentCrashes  bool `json:"no_recent_crashes"`
		SIPServiceOK     bool `json:"sip_service_ok"`
		PhonebookCurrent bool `json:"phonebook_current"`
	} `json:"checks"`
	SIPService struct {
		ActiveCalls     int `json:"active_calls"`
		RegisteredUsers int `json:"registered_users"`
	} `json:"sip_service"`
	Monitoring struct {
		ProbeQueueDepth int       `json:"probe_queue_depth"`
		LastProbeSent   time.Time `json:"last_probe_sent"`
	} `json:"monitoring"`
}

// ExportHealth publishes the current Summary as /tmp/meshmon_health.json
// (or cfg.HealthPath).
func (m *Monitor) ExportHealth(probeQueueDepth int, lastProbeSent time.Time) error {
	summary := m.Score()

	m.mu.Lock()
	memMB := float64(m.memory.CurrentRSSBytes) / (1024 * 1024)
	cpuPct := m.cpuPct
	sip := m.sip
	m.mu.Unlock()

	var payload agentHealthPayload
	payload.UptimeSeconds = summary.UptimeSeconds
	payload.RestartCount = summary.RestartCount
	payload.ThreadsResponsive = summary.ThreadsResponsive
	payload.HealthScore = summary.HealthScore
	payload.CPUPct = cpuPct
	payload.MemMB = memMB
	payload.Checks.MemoryStable = summary.MemoryStable
	payload.Checks.NoRecentCrashes = summary.NoRecentCrashes
	payload.Checks.SIPServiceOK = summary.SIPServiceOK
	payload.Checks.PhonebookCurrent = summary.PhonebookCurrent
	payload.SIPService.ActiveCalls = sip.ActiveCalls
	payload.SIPService.RegisteredUsers = sip.RegisteredUsers
	payload.Monitoring.ProbeQueueDepth = probeQueueDepth
	payload.Monitoring.LastProbeSent = lastProbeSent

	if m.cfg.HealthPath == "" {
		return nil
	}
	return m.exporter.Write(m.cfg.HealthPath, "agent_health", payload)
}

// RecordCrash appends a crash report to the bounded history (shift on
// overflow), publishes EventCrash, and exports the updated history.
func (m *Monitor) RecordCrash(sig int, sigName, reason string) {
	m.mu.Lock()
	report := CrashReport{
		ID:                uuid.New().String(),
		Schema:            jsonexport.SchemaVersion,
		Type:              "crash_report",
		Node:              m.cfg.Node,
		SentAt:            m.clk.Now(),
		CrashTime:         m.clk.Now(),
		Signal:            sig,
		SignalName:        sigName,
		Reason:            reason,
		RestartCount:      m.restartCount,
		UptimeBeforeCrash: m.clk.Now().Sub(m.processStart).Seconds(),
	}

	maxHistory := m.cfg.MaxCrashHistory
	if maxHistory <= 0 {
		maxHistory = 5
	}
	m.crashHistory = append(m.crashHistory, report)
	if len(m.crashHistory) > maxHistory {
		m.crashHistory = m.crashHistory[len(m.crashHistory)-maxHistory:]
	}
	history := append([]CrashReport(nil), m.crashHistory...)
	m.mu.Unlock()

	m.bus.Publish(EventCrash, report)
	if m.log != nil {
		m.log.Error("health: crash recorded: signal=%s reason=%s", sigName, reason)
	}

	if m.cfg.CrashPath != "" {
		if err := jsonexport.WriteRaw(m.cfg.CrashPath, history); err != nil && m.log != nil {
			m.log.Error("health: writing crash history: %v", err)
		}
	}
}

// Supervise wraps fn with panic recovery: a panicking loop is recorded
// as a crash (signal 0, reason = recovered panic value plus a stack
// trace) and the panic is not re-raised, matching this rewrite's
// "supervisor observes, does not crash the whole process" model for
// a single misbehaving goroutine.
func (m *Monitor) Supervise(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.RecordRestart(fmt.Sprintf("%s panicked: %v", name, r))
			m.RecordCrash(0, "PANIC", fmt.Sprintf("%s: %v\n%s", name, r, debug.Stack()))
		}
	}()
	fn()
}

// Run starts the periodic health sweep (memory sample, thread sweep,
// hourly error cleanup, health export) on its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.cfg.ReportInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	memEvery := m.cfg.MemoryCheckEach
	if memEvery <= 0 {
		memEvery = 5 * time.Minute
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		reportTicker := time.NewTicker(interval)
		defer reportTicker.Stop()
		memTicker := time.NewTicker(memEvery)
		defer memTicker.Stop()

		m.sampleMemory()
		m.sampleCPU()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-memTicker.C:
				m.sampleMemory()
				m.sampleCPU()
			case <-reportTicker.C:
				m.checkThreadResponsiveness()
				m.cleanupOldErrors()
				if err := m.ExportHealth(0, time.Time{}); err != nil && m.log != nil {
					m.log.Error("health: export failed: %v", err)
				}
			}
		}
	}()
}

// Shutdown stops the periodic sweep goroutine.
func (m *Monitor) Shutdown() {
	m.stopOn.Do(func() { close(m.stop) })
	m.wg.Wait()
	if m.crashFD != nil {
		m.crashFD.Close()
	}
}
