// Package debugapi is a local-only gin HTTP API exposing the agent's
// current state for operator troubleshooting: health score, network
// ring, VoIP results, discovery cache, plus two control endpoints to
// trigger an immediate discovery scan or probe burst. Not a
// replacement for the mesh firmware's CGI endpoints, just a
// convenience that talks to the in-process components directly.
package debugapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aredn-mesh/meshmon-agent/pkg/discovery"
	"github.com/aredn-mesh/meshmon-agent/pkg/health"
	"github.com/aredn-mesh/meshmon-agent/pkg/scheduler"
	"github.com/aredn-mesh/meshmon-agent/pkg/voip"
)

// HealthProvider is the subset of *health.Monitor the API needs.
type HealthProvider interface {
	Score() health.Summary
}

// NetworkProvider is the subset of *scheduler.Scheduler the API needs.
type NetworkProvider interface {
	History() []scheduler.ProbeResult
	ProbeNow(ctx context.Context, nodeLabel string) error
}

// DiscoveryProvider is the subset of *discovery.Cache the API needs.
type DiscoveryProvider interface {
	Snapshot(max int) []discovery.Agent
	Scan() int
}

// VoIPResults lets main wire in whatever last-cycle snapshot it keeps
// without this package depending on how that snapshot is produced.
type VoIPResults interface {
	Latest() map[string]voip.Result
}

// Config names the bind address for the debug listener.
type Config struct {
	Addr string
}

// Server is the debug API's HTTP server plus its injected providers.
type Server struct {
	cfg       Config
	health    HealthProvider
	network   NetworkProvider
	discovery DiscoveryProvider
	voip      VoIPResults
	httpSrv   *http.Server
}

// New builds a Server. Any provider may be nil; the corresponding
// endpoint then reports 503 rather than panicking, so a partially
// wired agent (e.g. VoIP disabled) still serves the rest.
func New(cfg Config, h HealthProvider, n NetworkProvider, d DiscoveryProvider, v VoIPResults) *Server {
	return &Server{cfg: cfg, health: h, network: n, discovery: d, voip: v}
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.getHealth)
	r.GET("/status", s.getStatus)
	r.GET("/network", s.getNetwork)
	r.GET("/voip", s.getVoIP)
	r.GET("/discovery", s.getDiscovery)

	control := r.Group("/control")
	{
		control.POST("/scan", s.postScan)
		control.POST("/probe/:node", s.postProbeNode)
	}

	return r
}

// Start begins serving on cfg.Addr in the background.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	ln, err := listen(s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("debugapi: listen on %s: %w", s.cfg.Addr, err)
	}
	go func() {
		_ = s.httpSrv.Serve(ln)
	}()
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) getHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "health monitor not enabled"})
		return
	}
	c.JSON(http.StatusOK, s.health.Score())
}

func (s *Server) getStatus(c *gin.Context) {
	status := gin.H{"time": time.Now().UTC()}
	if s.health != nil {
		status["health"] = s.health.Score()
	}
	if s.network != nil {
		status["recent_results"] = len(s.network.History())
	}
	if s.discovery != nil {
		status["known_agents"] = len(s.discovery.Snapshot(0))
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) getNetwork(c *gin.Context) {
	if s.network == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler not enabled"})
		return
	}
	c.JSON(http.StatusOK, s.network.History())
}

func (s *Server) getVoIP(c *gin.Context) {
	if s.voip == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "voip prober not enabled"})
		return
	}
	c.JSON(http.StatusOK, s.voip.Latest())
}

func (s *Server) getDiscovery(c *gin.Context) {
	if s.discovery == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "discovery not enabled"})
		return
	}
	c.JSON(http.StatusOK, s.discovery.Snapshot(0))
}

func (s *Server) postScan(c *gin.Context) {
	if s.discovery == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "discovery not enabled"})
		return
	}
	found := s.discovery.Scan()
	c.JSON(http.StatusOK, gin.H{"agents_found": found})
}

func (s *Server) postProbeNode(c *gin.Context) {
	if s.network == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler not enabled"})
		return
	}
	node := c.Param("node")
	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()
	if err := s.network.ProbeNow(ctx, node); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"node": node, "status": "probe triggered"})
}
