// Package routing gives daemon-agnostic read access to the local
// routing daemon (OLSR over its jsoninfo HTTP plugin, or Babel over
// its UNIX control socket), for neighbour/route/topology queries and
// link-type classification. All operations fail closed: on
// HTTP/socket/parse error they return a zero value and a non-nil
// error, never partial data.
package routing

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/aredn-mesh/meshmon-agent/pkg/httpclient"
	"github.com/aredn-mesh/meshmon-agent/pkg/logx"
)

// Daemon names the routing daemon an Adapter talks to.
type Daemon string

const (
	DaemonAuto  Daemon = "auto"
	DaemonOLSR  Daemon = "olsr"
	DaemonBabel Daemon = "babel"
	DaemonNone  Daemon = "none"
)

// Neighbour is one adjacency known to the routing daemon.
type Neighbour struct {
	Address     string
	NodeLabel   string
	Interface   string
	LinkQuality float64
	NeighbourLQ float64
	ETX         float64
}

// Route is an installed path to a destination.
type Route struct {
	Destination string
	NextHop     string
	HopCount    int
	ETX         float64
}

// HopDescriptor is one entry in a probe result's path.
type HopDescriptor struct {
	NodeLabel   string
	Interface   string
	LinkType    string
	LinkQuality float64
	NeighbourLQ float64
	ETX         float64
	RTTMs       float64
}

// Config holds the knobs an Adapter needs; it is a subset of
// config.RoutingConfig, copied here to keep pkg/routing independent of
// pkg/config's import graph.
type Config struct {
	Daemon       Daemon
	OLSRHost     string
	OLSRPort     int
	BabelSocket  string
	OLSRPidFile  string
	BabelPidFile string
	HTTPTimeout  time.Duration
}

// Adapter is daemon-agnostic routing access, bound to one daemon after
// Detect or an explicit Daemon in Config.
type Adapter struct {
	cfg    Config
	daemon Daemon
	http   *httpclient.Client
	log    *logx.Logger
}

// New constructs an Adapter and, when cfg.Daemon is DaemonAuto,
// detects the running daemon by PID file presence (OLSR checked
// first). Detection failure (neither PID file present) is not fatal
// here: DaemonName reports DaemonNone and every query method fails
// closed.
func New(cfg Config, log *logx.Logger) *Adapter {
	a := &Adapter{
		cfg:  cfg,
		http: httpclient.New(cfg.HTTPTimeout),
		log:  log,
	}
	if cfg.Daemon == DaemonAuto || cfg.Daemon == "" {
		a.daemon = detectDaemon(cfg)
	} else {
		a.daemon = cfg.Daemon
	}
	return a
}

func detectDaemon(cfg Config) Daemon {
	if fileExists(cfg.OLSRPidFile) {
		return DaemonOLSR
	}
	if fileExists(cfg.BabelPidFile) {
		return DaemonBabel
	}
	return DaemonNone
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// DaemonName reports the bound daemon: "olsr", "babel", "none".
func (a *Adapter) DaemonName() string {
	if a.daemon == "" {
		return string(DaemonNone)
	}
	return string(a.daemon)
}

// ClassifyLinkType is a pure function over the interface name prefix.
func ClassifyLinkType(iface string) string {
	switch {
	case iface == "":
		return "unknown"
	case strings.HasPrefix(iface, "wlan"):
		return "RF"
	case strings.HasPrefix(iface, "tun"):
		return "tunnel"
	case strings.HasPrefix(iface, "eth"):
		return "ethernet"
	case strings.HasPrefix(iface, "br-"):
		return "bridge"
	default:
		return "unknown"
	}
}

// Neighbours returns the daemon's current neighbour table.
func (a *Adapter) Neighbours() ([]Neighbour, error) {
	switch a.daemon {
	case DaemonOLSR:
		return a.olsrNeighbours()
	case DaemonBabel:
		return a.babelNeighbours()
	default:
		return nil, fmt.Errorf("routing: no daemon detected")
	}
}

// Route returns the installed route to destination.
func (a *Adapter) Route(destination string) (Route, error) {
	switch a.daemon {
	case DaemonOLSR:
		return a.olsrRoute(destination)
	case DaemonBabel:
		return a.babelRoute(destination)
	default:
		return Route{}, fmt.Errorf("routing: no daemon detected")
	}
}

// PathHops returns an ordered list of Hop Descriptors toward
// destination. For a single-hop route this is one entry (the
// destination). For multi-hop routes, full per-hop reconstruction is
// unavailable from either daemon's API without a dedicated path
// planner, so this returns the gateway then the destination as a
// two-entry approximation, per the documented non-goal.
func (a *Adapter) PathHops(destination string) ([]HopDescriptor, error) {
	route, err := a.Route(destination)
	if err != nil {
		return nil, err
	}

	if route.HopCount <= 1 {
		return []HopDescriptor{{NodeLabel: destination, ETX: route.ETX}}, nil
	}

	hops := []HopDescriptor{{NodeLabel: route.NextHop, Interface: "unknown"}}
	if route.NextHop != destination {
		hops = append(hops, HopDescriptor{NodeLabel: destination, ETX: route.ETX})
	}
	return hops, nil
}

// --- OLSR ---

type olsrNeighbour struct {
	IPAddress  string `json:"ipAddress"`
	NeighborIP string `json:"neighborIP"`
	Hostname   string `json:"hostname"`
}

type olsrNeighboursResponse struct {
	Neighbors []olsrNeighbour `json:"neighbors"`
}

type olsrRoute struct {
	Destination string  `json:"destination"`
	Gateway     string  `json:"gateway"`
	Metric      float64 `json:"metric"`
	Hops        int     `json:"hops"`
}

type olsrRoutesResponse struct {
	Routes []olsrRoute `json:"routes"`
}

func (a *Adapter) olsrNeighbours() ([]Neighbour, error) {
	resp, err := a.http.Get(a.cfg.OLSRHost, a.cfg.OLSRPort, "/neighbors")
	if err != nil {
		return nil, fmt.Errorf("routing: olsr neighbors: %w", err)
	}

	var parsed olsrNeighboursResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, fmt.Errorf("routing: parse olsr neighbors: %w", err)
	}

	out := make([]Neighbour, 0, len(parsed.Neighbors))
	for _, n := range parsed.Neighbors {
		ip := n.IPAddress
		if ip == "" {
			ip = n.NeighborIP
		}
		if ip == "" {
			continue
		}
		label := n.Hostname
		if label == "" {
			label = ip
		}
		out = append(out, Neighbour{
			Address:   ip,
			NodeLabel: label,
			Interface: "unknown",
		})
	}
	return out, nil
}

func (a *Adapter) olsrRoute(destination string) (Route, error) {
	resp, err := a.http.Get(a.cfg.OLSRHost, a.cfg.OLSRPort, "/routes")
	if err != nil {
		return Route{}, fmt.Errorf("routing: olsr routes: %w", err)
	}

	var parsed olsrRoutesResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return Route{}, fmt.Errorf("routing: parse olsr routes: %w", err)
	}

	for _, r := range parsed.Routes {
		if r.Destination == destination || strings.HasPrefix(r.Destination, destination+"/") {
			return Route{
				Destination: destination,
				NextHop:     r.Gateway,
				HopCount:    r.Hops,
				ETX:         r.Metric,
			}, nil
		}
	}
	return Route{}, fmt.Errorf("routing: no olsr route to %s", destination)
}

// --- Babel ---

func (a *Adapter) babelDump() (string, error) {
	conn, err := net.DialTimeout("unix", a.cfg.BabelSocket, a.cfg.HTTPTimeout)
	if err != nil {
		return "", fmt.Errorf("routing: dial babel socket: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(a.cfg.HTTPTimeout)); err != nil {
		return "", err
	}
	if _, err := conn.Write([]byte("dump\n")); err != nil {
		return "", fmt.Errorf("routing: write babel dump: %w", err)
	}

	var out strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			out.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return out.String(), nil
}

func (a *Adapter) babelNeighbours() ([]Neighbour, error) {
	dump, err := a.babelDump()
	if err != nil {
		return nil, err
	}

	var out []Neighbour
	scanner := bufio.NewScanner(strings.NewReader(dump))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "neighbour ") {
			continue
		}
		addr := fieldAfter(line, "address ")
		if addr == "" || net.ParseIP(addr) == nil {
			continue
		}
		n := Neighbour{Address: addr, NodeLabel: addr, Interface: "unknown"}
		if iface := fieldAfter(line, "if "); iface != "" {
			n.Interface = iface
		}
		if rxcost := fieldAfter(line, "rxcost "); rxcost != "" {
			if v, err := strconv.Atoi(rxcost); err == nil {
				n.ETX = float64(v) / 256.0
			}
		}
		out = append(out, n)
	}
	return out, nil
}

func (a *Adapter) babelRoute(destination string) (Route, error) {
	dump, err := a.babelDump()
	if err != nil {
		return Route{}, err
	}

	scanner := bufio.NewScanner(strings.NewReader(dump))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "route ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		prefix := fields[1]
		if !strings.HasPrefix(prefix, destination) && !strings.HasPrefix(destination, prefix) {
			continue
		}

		route := Route{Destination: destination}
		if via := fieldAfter(line, "via "); via != "" {
			route.NextHop = via
		}
		if metricStr := fieldAfter(line, "metric "); metricStr != "" {
			if metric, err := strconv.Atoi(metricStr); err == nil {
				route.ETX = float64(metric) / 256.0
				// Babel cost is roughly 256 per hop; round to nearest.
				route.HopCount = (metric + 128) / 256
			}
		}
		return route, nil
	}
	return Route{}, fmt.Errorf("routing: no babel route to %s", destination)
}

// fieldAfter returns the whitespace-delimited token following the
// first occurrence of marker in line, or "" if marker is absent.
func fieldAfter(line, marker string) string {
	idx := strings.Index(line, marker)
	if idx < 0 {
		return ""
	}
	rest := line[idx+len(marker):]
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
