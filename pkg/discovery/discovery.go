// Package discovery maintains a bounded cache of mesh peers confirmed
// to run this agent, built by periodically scanning the mesh
// firmware's sysinfo endpoint and hello-probing each candidate.
package discovery

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/aredn-mesh/meshmon-agent/pkg/httpclient"
	"github.com/aredn-mesh/meshmon-agent/pkg/logx"
	"github.com/aredn-mesh/meshmon-agent/pkg/resolver"
)

// Agent is a peer node confirmed to respond to agent probes.
type Agent struct {
	MeshAddr  string
	LANAddr   string
	NodeLabel string
	LastSeen  time.Time
	Active    bool
}

// Config holds the knobs a Cache needs.
type Config struct {
	SysinfoHost    string
	SysinfoPort    int
	SysinfoPath    string
	HelloPort      int
	MeshDomain     string
	LocalHostname  string
	CachePath      string
	MaxAgents      int
	MaxHostsParsed int
	HTTPTimeout    time.Duration
	DNSServer      string
	DNSTimeout     time.Duration
}

// Cache is the mutex-guarded agent-discovery cache.
type Cache struct {
	cfg      Config
	http     *httpclient.Client
	resolver *resolver.Resolver
	log      *logx.Logger

	mu     sync.Mutex
	agents []Agent
}

// New constructs a Cache and loads any persisted entries from
// cfg.CachePath (a missing file is not an error; the cache starts
// empty).
func New(cfg Config, log *logx.Logger) (*Cache, error) {
	c := &Cache{
		cfg:      cfg,
		http:     httpclient.New(cfg.HTTPTimeout),
		resolver: resolver.New(cfg.DNSServer, cfg.DNSTimeout),
		log:      log,
	}
	if cfg.CachePath != "" {
		agents, err := loadCache(cfg.CachePath)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		c.agents = agents
	}
	return c, nil
}

// Snapshot copies at most max entries from the cache under lock.
func (c *Cache) Snapshot(max int) []Agent {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.agents)
	if max > 0 && max < n {
		n = max
	}
	out := make([]Agent, n)
	copy(out, c.agents[:n])
	return out
}

type sysinfoHost struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
}

type sysinfoResponse struct {
	Hosts []sysinfoHost `json:"hosts"`
}

var numericNameRe = regexp.MustCompile(`^[0-9.]+$`)

func isNumericName(name string) bool {
	return name != "" && numericNameRe.MatchString(name)
}

func isLANInterfaceName(name string) bool {
	return strings.HasPrefix(name, "lan.")
}

// Scan fetches the sysinfo endpoint, filters candidates, hello-probes
// the survivors, and upserts the cache. Returns the number of
// candidates probed. A sysinfo transport failure is a soft failure
// (older firmware lacks the endpoint): it logs a warning and returns
// 0, not an error.
func (c *Cache) Scan() int {
	resp, err := c.http.Get(c.cfg.SysinfoHost, c.cfg.SysinfoPort, c.cfg.SysinfoPath)
	if err != nil {
		c.log.Warn("sysinfo fetch failed: %v", err)
		return 0
	}

	var parsed sysinfoResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		c.log.Warn("sysinfo parse failed: %v", err)
		return 0
	}

	hosts := parsed.Hosts
	if len(hosts) > c.cfg.MaxHostsParsed {
		hosts = hosts[:c.cfg.MaxHostsParsed]
	}

	probed := 0
	for _, h := range hosts {
		if h.Name == "" || isNumericName(h.Name) || isLANInterfaceName(h.Name) || h.Name == c.cfg.LocalHostname {
			continue
		}

		meshHost := fmt.Sprintf("%s.%s", h.Name, c.cfg.MeshDomain)
		meshAddr, err := c.resolver.LookupHost(meshHost)
		if err != nil {
			c.log.Debug("discovery: %s not reachable via DNS: %v", meshHost, err)
			continue
		}
		probed++

		lanAddr := meshAddr
		if helloResp, err := c.http.Get(meshAddr, c.cfg.HelloPort, "/cgi-bin/hello"); err == nil {
			if ip := extractIP(string(helloResp.Body)); ip != "" {
				lanAddr = ip
			}
		}

		c.upsert(Agent{
			MeshAddr:  meshAddr,
			LANAddr:   lanAddr,
			NodeLabel: h.Name,
			LastSeen:  time.Now(),
			Active:    true,
		})
	}

	if c.cfg.CachePath != "" {
		if err := c.save(); err != nil {
			c.log.Warn("discovery: save cache: %v", err)
		}
	}

	return probed
}

var ipLikeRe = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

func extractIP(body string) string {
	return ipLikeRe.FindString(body)
}

func (c *Cache) upsert(a Agent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.agents {
		if c.agents[i].MeshAddr == a.MeshAddr {
			c.agents[i].LANAddr = a.LANAddr
			c.agents[i].NodeLabel = a.NodeLabel
			c.agents[i].LastSeen = a.LastSeen
			c.agents[i].Active = true
			return
		}
	}

	if c.cfg.MaxAgents > 0 && len(c.agents) >= c.cfg.MaxAgents {
		return
	}
	c.agents = append(c.agents, a)
}

// save persists the cache as CSV lines "mesh_ip,lan_ip,node,epoch".
func (c *Cache) save() error {
	c.mu.Lock()
	lines := make([]string, 0, len(c.agents))
	for _, a := range c.agents {
		lines = append(lines, fmt.Sprintf("%s,%s,%s,%d", a.MeshAddr, a.LANAddr, a.NodeLabel, a.LastSeen.Unix()))
	}
	c.mu.Unlock()

	tmp := c.cfg.CachePath + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("discovery: write cache: %w", err)
	}
	if err := os.Rename(tmp, c.cfg.CachePath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("discovery: rename cache: %w", err)
	}
	return nil
}

// loadCache accepts both the 4-field format
// (mesh_ip,lan_ip,node,epoch) and the legacy 3-field format
// (mesh_ip,node,epoch), in which lan_ip defaults to mesh_ip.
func loadCache(path string) ([]Agent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var agents []Agent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")

		var a Agent
		switch len(fields) {
		case 4:
			a = Agent{MeshAddr: fields[0], LANAddr: fields[1], NodeLabel: fields[2]}
			a.LastSeen = parseEpoch(fields[3])
		case 3:
			a = Agent{MeshAddr: fields[0], LANAddr: fields[0], NodeLabel: fields[1]}
			a.LastSeen = parseEpoch(fields[2])
		default:
			continue
		}
		a.Active = true
		agents = append(agents, a)
	}
	return agents, scanner.Err()
}

func parseEpoch(s string) time.Time {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}
