// Package config loads the typed configuration meshmon-agent is built
// from: a YAML file, overridden by environment variables, validated
// before use. Core packages (probeengine, routing, discovery,
// scheduler, voip, health) never read this package directly; main
// wires the typed sections into each constructor instead of reaching
// for a package-level global.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the top-level meshmon-agent configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node" json:"node"`
	Log       LogConfig       `yaml:"log" json:"log"`
	Clock     ClockConfig     `yaml:"clock" json:"clock"`
	Probe     ProbeConfig     `yaml:"probe" json:"probe"`
	Routing   RoutingConfig   `yaml:"routing" json:"routing"`
	Discovery DiscoveryConfig `yaml:"discovery" json:"discovery"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	VoIP      VoIPConfig      `yaml:"voip" json:"voip"`
	Health    HealthConfig    `yaml:"health" json:"health"`
	Export    ExportConfig    `yaml:"export" json:"export"`
	Collector CollectorConfig `yaml:"collector" json:"collector"`
	DebugAPI  DebugAPIConfig  `yaml:"debug_api" json:"debug_api"`
	Store     StoreConfig     `yaml:"store" json:"store"`
}

// ClockConfig selects between the plain system clock and an
// NTP-corrected one. Mesh hardware often runs with a poorly
// synchronized RTC, which throws off VoIP RTCP RTT-from-LSR math and
// JSON sent_at timestamps if left uncorrected.
type ClockConfig struct {
	NTPEnabled      bool          `yaml:"ntp_enabled" json:"ntp_enabled"`
	NTPServer       string        `yaml:"ntp_server" json:"ntp_server"`
	NTPSyncInterval time.Duration `yaml:"ntp_sync_interval" json:"ntp_sync_interval"`
}

type NodeConfig struct {
	// Label overrides the local node label used in probe packets and
	// published JSON; empty means "use the OS hostname".
	Label      string `yaml:"label" json:"label"`
	MeshDomain string `yaml:"mesh_domain" json:"mesh_domain" validate:"required"`
}

type LogConfig struct {
	Level string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn error"`
	File  string `yaml:"file" json:"file"`
}

type ProbeConfig struct {
	Enabled          bool   `yaml:"enabled" json:"enabled"`
	Mode             string `yaml:"mode" json:"mode" validate:"omitempty,oneof=disabled lightweight full"`
	Port             int    `yaml:"probe_port" json:"probe_port" validate:"required,min=1,max=65535"`
	DSCPExpedited    bool   `yaml:"dscp_ef" json:"dscp_ef"`
	BurstCount       int    `yaml:"burst_count" json:"burst_count" validate:"min=1"`
	IntervalMS       int    `yaml:"inter_packet_interval_ms" json:"inter_packet_interval_ms" validate:"min=0"`
	WindowSeconds    int    `yaml:"probe_window_s" json:"probe_window_s" validate:"min=1"`
	MaxPendingProbes int    `yaml:"max_pending_probes" json:"max_pending_probes" validate:"min=1"`
	MaxProbeKbps     int    `yaml:"max_probe_kbps" json:"max_probe_kbps"`
}

type RoutingConfig struct {
	Daemon       string        `yaml:"routing_daemon" json:"routing_daemon" validate:"omitempty,oneof=auto olsr babel"`
	OLSRHost     string        `yaml:"olsr_host" json:"olsr_host"`
	OLSRPort     int           `yaml:"olsr_port" json:"olsr_port"`
	BabelSocket  string        `yaml:"babel_socket" json:"babel_socket"`
	OLSRPidFile  string        `yaml:"olsr_pid_file" json:"olsr_pid_file"`
	BabelPidFile string        `yaml:"babel_pid_file" json:"babel_pid_file"`
	CacheSeconds int           `yaml:"routing_cache_s" json:"routing_cache_s"`
	HTTPTimeout  time.Duration `yaml:"http_timeout" json:"http_timeout"`
	DNSTimeout   time.Duration `yaml:"dns_timeout" json:"dns_timeout"`
	DNSServer    string        `yaml:"dns_server" json:"dns_server"`
}

type DiscoveryConfig struct {
	SysinfoURL     string `yaml:"sysinfo_url" json:"sysinfo_url"`
	HelloPort      int    `yaml:"hello_port" json:"hello_port"`
	CachePath      string `yaml:"cache_path" json:"cache_path"`
	MaxAgents      int    `yaml:"max_discovered_agents" json:"max_discovered_agents" validate:"min=1"`
	MaxHostsParsed int    `yaml:"max_hosts_parsed" json:"max_hosts_parsed" validate:"min=1"`
	IntervalSec    int    `yaml:"discovery_interval_s" json:"discovery_interval_s" validate:"min=1"`
}

type SchedulerConfig struct {
	NetworkStatusIntervalSec int  `yaml:"network_status_interval_s" json:"network_status_interval_s" validate:"min=1"`
	NeighbourTargets         int  `yaml:"neighbour_targets" json:"neighbour_targets" validate:"min=1"`
	HistorySize              int  `yaml:"probe_history_size" json:"probe_history_size" validate:"min=1"`
	MaxHops                  int  `yaml:"max_hops" json:"max_hops" validate:"min=1"`
	RotatingPeer             bool `yaml:"rotating_peer" json:"rotating_peer"`
}

type VoIPConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Mode            string        `yaml:"mode" json:"mode" validate:"omitempty,oneof=options media"`
	SIPPort         int           `yaml:"sip_port" json:"sip_port"`
	InviteTimeout   time.Duration `yaml:"invite_timeout" json:"invite_timeout"`
	OptionsTimeout  time.Duration `yaml:"options_timeout" json:"options_timeout"`
	BurstDurationMS int           `yaml:"burst_duration_ms" json:"burst_duration_ms" validate:"min=1"`
	RTPPtimeMS      int           `yaml:"rtp_ptime_ms" json:"rtp_ptime_ms" validate:"min=1"`
	RTCPWaitMS      int           `yaml:"rtcp_wait_ms" json:"rtcp_wait_ms" validate:"min=0"`
	InterTestDelay  time.Duration `yaml:"inter_test_delay" json:"inter_test_delay"`
	MeasureICMP     bool          `yaml:"measure_icmp" json:"measure_icmp"`
	OutputPath      string        `yaml:"output_path" json:"output_path"`
	// Targets is the static list of phones to probe. Fetching this list
	// from a SIP registrar or phonebook feed is out of scope; the
	// operator lists numbers and addresses directly.
	Targets []VoIPTargetConfig `yaml:"targets" json:"targets"`
}

type VoIPTargetConfig struct {
	Number string `yaml:"number" json:"number" validate:"required"`
	IP     string `yaml:"ip" json:"ip" validate:"required"`
}

type HealthConfig struct {
	ThreadTimeoutSeconds int           `yaml:"thread_timeout_s" json:"thread_timeout_s" validate:"min=1"`
	MemoryCheckInterval  time.Duration `yaml:"memory_check_interval" json:"memory_check_interval"`
	ReportInterval       time.Duration `yaml:"report_interval" json:"report_interval"`
	ErrorWindowHours     int           `yaml:"error_window_hours" json:"error_window_hours" validate:"min=1"`
	HealthPath           string        `yaml:"health_path" json:"health_path"`
	CrashPath            string        `yaml:"crash_path" json:"crash_path"`
	MaxCrashHistory      int           `yaml:"max_crash_history" json:"max_crash_history" validate:"min=1"`
}

type ExportConfig struct {
	NetworkPath string `yaml:"network_path" json:"network_path"`
}

type CollectorConfig struct {
	Enabled               bool          `yaml:"enabled" json:"enabled"`
	URL                   string        `yaml:"collector_url" json:"collector_url"`
	JWTSecret             string        `yaml:"collector_jwt_secret" json:"collector_jwt_secret"`
	HealthReportInterval  time.Duration `yaml:"health_report_interval" json:"health_report_interval"`
	NetworkReportInterval time.Duration `yaml:"network_status_report_s" json:"network_status_report_s"`
}

type DebugAPIConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

type StoreConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// Defaults returns a Config populated with the documented defaults.
func Defaults() *Config {
	return &Config{
		Node: NodeConfig{MeshDomain: "local.mesh"},
		Log:  LogConfig{Level: "info"},
		Clock: ClockConfig{
			NTPServer:       "pool.ntp.org",
			NTPSyncInterval: 10 * time.Minute,
		},
		Probe: ProbeConfig{
			Enabled:          true,
			Mode:             "lightweight",
			Port:             40050,
			BurstCount:       10,
			IntervalMS:       20,
			WindowSeconds:    5,
			MaxPendingProbes: 100,
		},
		Routing: RoutingConfig{
			Daemon:       "auto",
			OLSRHost:     "127.0.0.1",
			OLSRPort:     9090,
			BabelSocket:  "/var/run/babeld.sock",
			OLSRPidFile:  "/var/run/olsrd.pid",
			BabelPidFile: "/var/run/babeld.pid",
			CacheSeconds: 30,
			HTTPTimeout:  5 * time.Second,
			DNSTimeout:   3 * time.Second,
		},
		Discovery: DiscoveryConfig{
			SysinfoURL:     "http://localnode.local.mesh:8080/cgi-bin/sysinfo.json?hosts=1",
			HelloPort:      8080,
			CachePath:      "/tmp/aredn_agent_cache.txt",
			MaxAgents:      100,
			MaxHostsParsed: 500,
			IntervalSec:    3600,
		},
		Scheduler: SchedulerConfig{
			NetworkStatusIntervalSec: 60,
			NeighbourTargets:         5,
			HistorySize:              20,
			MaxHops:                  16,
		},
		VoIP: VoIPConfig{
			Enabled:         true,
			Mode:            "options",
			SIPPort:         5060,
			InviteTimeout:   5 * time.Second,
			OptionsTimeout:  5 * time.Second,
			BurstDurationMS: 1200,
			RTPPtimeMS:      40,
			RTCPWaitMS:      2000,
			InterTestDelay:  2 * time.Second,
			OutputPath:      "/tmp/phone_quality.json",
		},
		Health: HealthConfig{
			ThreadTimeoutSeconds: 30,
			MemoryCheckInterval:  5 * time.Minute,
			ReportInterval:       60 * time.Second,
			ErrorWindowHours:     24,
			HealthPath:           "/tmp/meshmon_health.json",
			CrashPath:            "/tmp/meshmon_crashes.json",
			MaxCrashHistory:      5,
		},
		Export: ExportConfig{
			NetworkPath: "/tmp/meshmon_network.json",
		},
		Collector: CollectorConfig{
			HealthReportInterval:  60 * time.Second,
			NetworkReportInterval: 300 * time.Second,
		},
		DebugAPI: DebugAPIConfig{Addr: "127.0.0.1:8943"},
		Store:    StoreConfig{Path: "/var/lib/meshmon/history.db"},
	}
}

var validate = validator.New()

// Load reads configPath (YAML), falling back to built-in defaults for
// any field left unset in the file, applies environment overrides, and
// validates the result. A missing configPath is not an error: the
// agent runs fine on defaults alone.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file %s: %w", configPath, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
	}

	overrideWithEnv(cfg)

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("MESHMON_NODE_LABEL"); v != "" {
		cfg.Node.Label = v
	}
	if v := os.Getenv("MESHMON_MESH_DOMAIN"); v != "" {
		cfg.Node.MeshDomain = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MESHMON_PROBE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Probe.Port = n
		}
	}
	if v := os.Getenv("MESHMON_PROBE_MODE"); v != "" {
		cfg.Probe.Mode = v
	}
	if v := os.Getenv("MESHMON_DSCP_EF"); v != "" {
		cfg.Probe.DSCPExpedited = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("MESHMON_ROUTING_DAEMON"); v != "" {
		cfg.Routing.Daemon = v
	}
	if v := os.Getenv("MESHMON_COLLECTOR_URL"); v != "" {
		cfg.Collector.URL = v
		cfg.Collector.Enabled = true
	}
	if v := os.Getenv("MESHMON_COLLECTOR_JWT_SECRET"); v != "" {
		cfg.Collector.JWTSecret = v
	}
	if v := os.Getenv("MESHMON_DEBUG_API_ADDR"); v != "" {
		cfg.DebugAPI.Addr = v
	}
}
