package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aredn-mesh/meshmon-agent/pkg/clock"
	"github.com/aredn-mesh/meshmon-agent/pkg/collector"
	"github.com/aredn-mesh/meshmon-agent/pkg/config"
	"github.com/aredn-mesh/meshmon-agent/pkg/debugapi"
	"github.com/aredn-mesh/meshmon-agent/pkg/discovery"
	"github.com/aredn-mesh/meshmon-agent/pkg/health"
	"github.com/aredn-mesh/meshmon-agent/pkg/jsonexport"
	"github.com/aredn-mesh/meshmon-agent/pkg/logx"
	"github.com/aredn-mesh/meshmon-agent/pkg/probeengine"
	"github.com/aredn-mesh/meshmon-agent/pkg/routing"
	"github.com/aredn-mesh/meshmon-agent/pkg/scheduler"
	"github.com/aredn-mesh/meshmon-agent/pkg/store"
	"github.com/aredn-mesh/meshmon-agent/pkg/voip"
)

func main() {
	configPath := flag.String("config", "", "path to meshmon-agent YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshmon-agent: load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logx.Default("meshmon-agent")
	log.SetLevel(logx.ParseLevel(cfg.Log.Level))
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Error("meshmon-agent: open log file %s: %v, logging to stderr", cfg.Log.File, err)
		} else {
			defer f.Close()
			log = logx.New(f, "meshmon-agent", logx.ParseLevel(cfg.Log.Level))
		}
	}

	nodeLabel := cfg.Node.Label
	if nodeLabel == "" {
		if hostname, err := os.Hostname(); err == nil {
			nodeLabel = hostname
		}
	}

	var clk clock.Clock = clock.System{}
	if cfg.Clock.NTPEnabled {
		clk = clock.New(cfg.Clock.NTPServer, cfg.Clock.NTPSyncInterval)
	}

	healthMon := health.New(health.Config{
		ThreadTimeout:   time.Duration(cfg.Health.ThreadTimeoutSeconds) * time.Second,
		MemoryCheckEach: cfg.Health.MemoryCheckInterval,
		ReportInterval:  cfg.Health.ReportInterval,
		ErrorWindow:     time.Duration(cfg.Health.ErrorWindowHours) * time.Hour,
		HealthPath:      cfg.Health.HealthPath,
		CrashPath:       cfg.Health.CrashPath,
		MaxCrashHistory: cfg.Health.MaxCrashHistory,
		Node:            nodeLabel,
	}, log.With("health"), clk)
	healthMon.WatchCrashSignals(cfg.Health.CrashPath)

	routingAdapter := routing.New(routing.Config{
		Daemon:       routing.Daemon(cfg.Routing.Daemon),
		OLSRHost:     cfg.Routing.OLSRHost,
		OLSRPort:     cfg.Routing.OLSRPort,
		BabelSocket:  cfg.Routing.BabelSocket,
		OLSRPidFile:  cfg.Routing.OLSRPidFile,
		BabelPidFile: cfg.Routing.BabelPidFile,
		HTTPTimeout:  cfg.Routing.HTTPTimeout,
	}, log.With("routing"))

	engine := probeengine.New(probeengine.Config{
		Port:          cfg.Probe.Port,
		DSCPExpedited: cfg.Probe.DSCPExpedited,
		MeshDomain:    cfg.Node.MeshDomain,
		DNSServer:     cfg.Routing.DNSServer,
		DNSTimeout:    cfg.Routing.DNSTimeout,
	}, log.With("probeengine"), clk)
	if cfg.Probe.Enabled {
		if err := engine.Initialise(); err != nil {
			log.Error("meshmon-agent: probe engine init: %v", err)
			os.Exit(1)
		}
		defer engine.Shutdown()
	}

	sysinfoHost, sysinfoPort, sysinfoPath := splitSysinfoURL(cfg.Discovery.SysinfoURL)
	hostname, _ := os.Hostname()
	discoveryCache, err := discovery.New(discovery.Config{
		SysinfoHost:    sysinfoHost,
		SysinfoPort:    sysinfoPort,
		SysinfoPath:    sysinfoPath,
		HelloPort:      cfg.Discovery.HelloPort,
		MeshDomain:     cfg.Node.MeshDomain,
		LocalHostname:  hostname,
		CachePath:      cfg.Discovery.CachePath,
		MaxAgents:      cfg.Discovery.MaxAgents,
		MaxHostsParsed: cfg.Discovery.MaxHostsParsed,
		HTTPTimeout:    cfg.Routing.HTTPTimeout,
		DNSServer:      cfg.Routing.DNSServer,
		DNSTimeout:     cfg.Routing.DNSTimeout,
	}, log.With("discovery"))
	if err != nil {
		log.Error("meshmon-agent: discovery cache init: %v", err)
		os.Exit(1)
	}

	sched := scheduler.New(scheduler.Config{
		Node:                nodeLabel,
		ProbeInterval:       time.Duration(cfg.Scheduler.NetworkStatusIntervalSec) * time.Second,
		ProbeWindow:         time.Duration(cfg.Probe.WindowSeconds) * time.Second,
		ProbeCount:          cfg.Probe.BurstCount,
		ProbeIntervalMs:     cfg.Probe.IntervalMS,
		ProbePort:           cfg.Probe.Port,
		NeighbourTargets:    cfg.Scheduler.NeighbourTargets,
		HistorySize:         cfg.Scheduler.HistorySize,
		DiscoveryInterval:   time.Duration(cfg.Discovery.IntervalSec) * time.Second,
		MaxConcurrentBursts: int64(cfg.Probe.MaxPendingProbes),
		NetworkJSONPath:     cfg.Export.NetworkPath,
	}, log.With("scheduler"), engine, routingAdapter, discoveryCache)

	var voipProber *voip.Prober
	var voipResults *voip.ResultsCache
	if cfg.VoIP.Enabled {
		voipProber = voip.New(voip.Config{
			SIPPort:        cfg.VoIP.SIPPort,
			Timeout:        cfg.VoIP.OptionsTimeout,
			BurstDuration:  time.Duration(cfg.VoIP.BurstDurationMS) * time.Millisecond,
			PTime:          time.Duration(cfg.VoIP.RTPPtimeMS) * time.Millisecond,
			RTCPWaitMs:     time.Duration(cfg.VoIP.RTCPWaitMS) * time.Millisecond,
			ICMPEnabled:    cfg.VoIP.MeasureICMP,
			InterTestDelay: cfg.VoIP.InterTestDelay,
		}, log.With("voip"), nil)
		voipResults = voip.NewResultsCache()
	}

	var archive *store.Store
	if cfg.Store.Enabled {
		archive, err = store.Open(cfg.Store.Path)
		if err != nil {
			log.Error("meshmon-agent: open archive store: %v", err)
			os.Exit(1)
		}
		defer archive.Close()
	}

	reporter := collector.New(collector.Config{
		URL:                   cfg.Collector.URL,
		JWTSecret:             cfg.Collector.JWTSecret,
		HealthReportInterval:  cfg.Collector.HealthReportInterval,
		NetworkReportInterval: cfg.Collector.NetworkReportInterval,
		HealthPath:            cfg.Health.HealthPath,
		NetworkPath:           cfg.Export.NetworkPath,
	}, log.With("collector"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthMon.Run(ctx)
	if cfg.Probe.Enabled {
		sched.Start(ctx)
	}
	reporter.Start(ctx)

	if cfg.VoIP.Enabled {
		voipExporter := jsonexport.New(nodeLabel)
		go runVoIPLoop(ctx, cfg, voipProber, voipResults, voipExporter, healthMon, log.With("voip"))
	}

	if archive != nil {
		go runArchiveLoop(ctx, archive, sched, voipResults, log.With("archive"))
	}

	var debugSrv *debugapi.Server
	if cfg.DebugAPI.Enabled {
		var voipView debugapi.VoIPResults
		if voipResults != nil {
			voipView = voipResults
		}
		debugSrv = debugapi.New(debugapi.Config{Addr: cfg.DebugAPI.Addr}, healthMon, sched, discoveryCache, voipView)
		if err := debugSrv.Start(); err != nil {
			log.Error("meshmon-agent: debug API start: %v", err)
		} else {
			log.Info("meshmon-agent: debug API listening on %s", cfg.DebugAPI.Addr)
		}
	}

	log.Info("meshmon-agent: started for node %s", nodeLabel)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("meshmon-agent: shutting down")

	cancel()
	sched.Stop()
	reporter.Shutdown()
	healthMon.Shutdown()
	if debugSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = debugSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	log.Info("meshmon-agent: shutdown complete")
}

// runVoIPLoop drives the VoIP prober on its own cadence, distinct from
// the probe scheduler's cadence since phone quality checks are far
// cheaper and usually run more often.
func runVoIPLoop(ctx context.Context, cfg *config.Config, prober *voip.Prober, results *voip.ResultsCache, exporter *jsonexport.Writer, healthMon *health.Monitor, log *logx.Logger) {
	healthMon.RegisterThread("voip")

	interval := cfg.VoIP.InviteTimeout
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	users := make([]voip.RegisteredUser, 0, len(cfg.VoIP.Targets))
	for _, t := range cfg.VoIP.Targets {
		users = append(users, voip.RegisteredUser{Number: t.Number, IP: t.IP})
	}

	media := cfg.VoIP.Mode == "media"

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			healthMon.Heartbeat("voip")
			healthMon.Supervise("voip-cycle", func() {
				cycle := prober.RunCycle(ctx, users, media)
				results.Store(cycle)

				active := 0
				for _, r := range cycle {
					if r.Status == voip.StatusSuccess {
						active++
					} else {
						healthMon.RecordError("sip")
					}
				}
				healthMon.SetSIPServiceStatus(health.SIPServiceStatus{
					ActiveCalls:     0,
					RegisteredUsers: len(users),
				})

				if cfg.VoIP.OutputPath != "" {
					report := voip.BuildQualityReport(users, cycle)
					if err := exporter.Write(cfg.VoIP.OutputPath, "phone_quality", report); err != nil {
						log.Warn("voip: publish %s: %v", cfg.VoIP.OutputPath, err)
					}
				}

				log.Debug("voip: cycle complete, %d/%d phones reachable", active, len(users))
			})
		}
	}
}

// runArchiveLoop periodically copies new scheduler probe results into
// the long-term store, skipping entries already seen by tracking the
// newest timestamp inserted so far, plus the VoIP prober's latest
// cycle snapshot (inherently a point-in-time read, so inserted as-is
// on every sweep rather than deduplicated).
func runArchiveLoop(ctx context.Context, archive *store.Store, sched *scheduler.Scheduler, voipResults *voip.ResultsCache, log *logx.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	var lastProbeTime time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, r := range sched.History() {
				if !r.Timestamp.After(lastProbeTime) {
					continue
				}
				if err := archive.InsertProbeResult(store.ProbeRecord{
					DestinationLabel: r.DestinationLabel,
					DestinationAddr:  r.DestinationAddr,
					Timestamp:        r.Timestamp,
					RoutingDaemon:    r.RoutingDaemon,
					RTTAvgMs:         r.RTTAvgMs,
					RTTMinMs:         r.RTTMinMs,
					RTTMaxMs:         r.RTTMaxMs,
					JitterMs:         r.JitterMs,
					LossPct:          r.LossPct,
					HopCount:         r.HopCount,
				}); err != nil {
					log.Warn("archive: insert probe result: %v", err)
				}
				if r.Timestamp.After(lastProbeTime) {
					lastProbeTime = r.Timestamp
				}
			}

			if voipResults == nil {
				continue
			}
			now := time.Now()
			for number, r := range voipResults.Latest() {
				if err := archive.InsertVoIPResult(store.VoIPRecord{
					Timestamp:  now,
					Number:     number,
					Status:     string(r.Status),
					SIPRTTMs:   r.SIPRTTMs,
					MediaRTTMs: r.MediaRTTMs,
					JitterMs:   r.JitterMs,
					LossPct:    r.LossFraction * 100,
				}); err != nil {
					log.Warn("archive: insert voip result: %v", err)
				}
			}
		}
	}
}

// splitSysinfoURL breaks a "http://host:port/path" sysinfo URL into
// the host/port/path tuple discovery.Config expects, rather than
// having discovery depend on net/url for a single fixed field.
func splitSysinfoURL(raw string) (host string, port int, path string) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "localnode.local.mesh", 8080, "/cgi-bin/sysinfo.json?hosts=1"
	}
	host = u.Hostname()
	port = 8080
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	path = u.Path
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return host, port, path
}
