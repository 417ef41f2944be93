package health

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually-advanced clock.Clock for deterministic
// thread-timeout and error-window sweeps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1700000000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }
func (c *fakeClock) Unix() int64                     { return c.Now().Unix() }

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig(t *testing.T) Config {
	dir := t.TempDir()
	return Config{
		ThreadTimeout:   5 * time.Second,
		MemoryCheckEach: time.Minute,
		ReportInterval:  time.Minute,
		MaxCrashHistory: 5,
		HealthPath:      filepath.Join(dir, "health.json"),
		CrashPath:       filepath.Join(dir, "crashes.json"),
		Node:            "W6ABC-1",
	}
}

func TestScoreStartsAtOneHundredWithNoIssues(t *testing.T) {
	m := New(testConfig(t), nil, newFakeClock())
	m.RegisterThread("scheduler")
	m.Heartbeat("scheduler")

	s := m.Score()
	assert.Equal(t, 100.0, s.HealthScore)
	assert.True(t, s.IsHealthy)
	assert.True(t, s.ThreadsResponsive)
}

func TestScoreDeductsForNonResponsiveThread(t *testing.T) {
	clk := newFakeClock()
	cfg := testConfig(t)
	m := New(cfg, nil, clk)
	m.RegisterThread("scheduler")

	clk.Advance(cfg.ThreadTimeout + time.Second)

	s := m.Score()
	assert.Equal(t, 80.0, s.HealthScore)
	assert.False(t, s.ThreadsResponsive)
	assert.True(t, s.IsHealthy, "80 is still healthy at the >= 80 boundary")
}

func TestScoreDeductsForRestartCountAboveFive(t *testing.T) {
	m := New(testConfig(t), nil, newFakeClock())
	for i := 0; i < 6; i++ {
		m.RecordRestart("test restart")
	}

	s := m.Score()
	assert.Equal(t, 90.0, s.HealthScore)
	assert.Equal(t, 6, s.RestartCount)
}

func TestScoreDeductsOnePerErrorThisHour(t *testing.T) {
	m := New(testConfig(t), nil, newFakeClock())
	m.RecordError("sip")
	m.RecordError("sip")
	m.RecordError("fetch")

	s := m.Score()
	assert.Equal(t, 97.0, s.HealthScore)
}

func TestScoreDeductsTenPerCrashInLast24h(t *testing.T) {
	clk := newFakeClock()
	m := New(testConfig(t), nil, clk)
	m.RecordCrash(11, "SIGSEGV", "test crash")

	s := m.Score()
	assert.Equal(t, 90.0, s.HealthScore)
	assert.False(t, s.NoRecentCrashes)
}

func TestScoreIgnoresCrashesOlderThan24Hours(t *testing.T) {
	clk := newFakeClock()
	m := New(testConfig(t), nil, clk)
	m.RecordCrash(11, "SIGSEGV", "old crash")

	clk.Advance(25 * time.Hour)

	s := m.Score()
	assert.Equal(t, 100.0, s.HealthScore)
	assert.True(t, s.NoRecentCrashes)
}

func TestScoreNeverGoesBelowZero(t *testing.T) {
	m := New(testConfig(t), nil, newFakeClock())
	for i := 0; i < 10; i++ {
		m.RecordCrash(11, "SIGSEGV", "pile up")
	}
	s := m.Score()
	assert.Equal(t, 0.0, s.HealthScore)
	assert.False(t, s.IsHealthy)
}

// TestScoreCombinesAllDeductions exercises every deduction at once: an
// unresponsive thread (-20), a suspected memory leak (-15), two crashes
// within 24h (-20), a restart count above five (-10), and three errors
// in the current hour (-3), landing on 32.
func TestScoreCombinesAllDeductions(t *testing.T) {
	clk := newFakeClock()
	cfg := testConfig(t)
	m := New(cfg, nil, clk)

	m.RegisterThread("scheduler")
	m.RegisterThread("discovery")
	m.RegisterThread("collector")
	m.RegisterThread("voip")
	clk.Advance(cfg.ThreadTimeout + time.Second)
	m.Heartbeat("discovery")
	m.Heartbeat("collector")
	m.Heartbeat("voip")

	m.mu.Lock()
	m.memory.LeakSuspected = true
	m.mu.Unlock()

	m.RecordCrash(11, "SIGSEGV", "crash one")
	m.RecordCrash(7, "SIGBUS", "crash two")

	for i := 0; i < 6; i++ {
		m.RecordRestart("test restart")
	}

	m.RecordError("sip")
	m.RecordError("sip")
	m.RecordError("fetch")

	s := m.Score()
	assert.Equal(t, 32.0, s.HealthScore)
	assert.False(t, s.IsHealthy)
}

func TestRecordCrashTrimsHistoryToMaxLength(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxCrashHistory = 2
	m := New(cfg, nil, newFakeClock())

	m.RecordCrash(11, "SIGSEGV", "first")
	m.RecordCrash(7, "SIGBUS", "second")
	m.RecordCrash(8, "SIGFPE", "third")

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.crashHistory, 2)
	assert.Equal(t, "second", m.crashHistory[0].Reason)
	assert.Equal(t, "third", m.crashHistory[1].Reason)
}

func TestExportHealthWritesEnvelope(t *testing.T) {
	cfg := testConfig(t)
	m := New(cfg, nil, newFakeClock())

	require.NoError(t, m.ExportHealth(3, time.Now()))
	assert.FileExists(t, cfg.HealthPath)
}

func TestSuperviseRecoversPanicAsCrash(t *testing.T) {
	cfg := testConfig(t)
	m := New(cfg, nil, newFakeClock())

	assert.NotPanics(t, func() {
		m.Supervise("fetcher", func() {
			panic("boom")
		})
	})

	s := m.Score()
	assert.False(t, s.NoRecentCrashes)
	assert.Equal(t, 1, s.RestartCount)
}

func TestMemoryLeakFlaggedWhenRSSGrowsPastThreshold(t *testing.T) {
	m := New(testConfig(t), nil, newFakeClock())
	m.mu.Lock()
	m.memory.InitialRSSBytes = 10 * 1024 * 1024
	m.memory.CurrentRSSBytes = 20 * 1024 * 1024
	m.memory.GrowthRateMBPerH = 1.0
	m.memory.LeakSuspected = float64(m.memory.CurrentRSSBytes) > 1.5*float64(m.memory.InitialRSSBytes) && m.memory.GrowthRateMBPerH > 0.1
	m.mu.Unlock()

	s := m.Score()
	assert.Equal(t, 85.0, s.HealthScore)
	assert.False(t, s.MemoryStable)
}

func TestCPUPercentComputesDeltaRatio(t *testing.T) {
	prev := cpuJiffies{processTicks: 100, totalTicks: 1000}
	cur := cpuJiffies{processTicks: 150, totalTicks: 1500}
	assert.InDelta(t, 10.0, cpuPercent(prev, cur), 0.001)
}
