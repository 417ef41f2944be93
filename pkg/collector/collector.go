// Package collector periodically re-reads this agent's published JSON
// documents and POSTs them to a central collector, retrying transient
// failures with backoff and signing requests with an optional JWT
// bearer token when the operator configures a shared secret.
package collector

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/aredn-mesh/meshmon-agent/pkg/httpclient"
	"github.com/aredn-mesh/meshmon-agent/pkg/logx"
)

// Config controls where reports go and how often.
type Config struct {
	URL                   string
	JWTSecret             string
	HealthReportInterval  time.Duration
	NetworkReportInterval time.Duration
	HealthPath            string
	NetworkPath           string
	RequestTimeout        time.Duration
	MaxElapsedTime        time.Duration
}

// Reporter drives the two independent report cadences (health,
// network) on one background goroutine, the way the original source's
// remote_reporter thread polls both on a single coarse tick.
type Reporter struct {
	cfg    Config
	log    *logx.Logger
	client *httpclient.Client

	stop   chan struct{}
	stopOn func()
	done   chan struct{}
}

// New builds a Reporter. If cfg.JWTSecret is set, every POST carries
// a freshly signed short-lived bearer token instead of a static one,
// since the agent has no persistent credential store to cache one in.
func New(cfg Config, log *logx.Logger) *Reporter {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Reporter{
		cfg:    cfg,
		log:    log,
		client: httpclient.New(timeout),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the reporter loop. Disabled (empty URL) is a no-op.
func (r *Reporter) Start(ctx context.Context) {
	if r.cfg.URL == "" {
		close(r.done)
		return
	}

	go func() {
		defer close(r.done)

		healthEvery := r.cfg.HealthReportInterval
		if healthEvery <= 0 {
			healthEvery = 60 * time.Second
		}
		networkEvery := r.cfg.NetworkReportInterval
		if networkEvery <= 0 {
			networkEvery = 300 * time.Second
		}

		healthTicker := time.NewTicker(healthEvery)
		defer healthTicker.Stop()
		networkTicker := time.NewTicker(networkEvery)
		defer networkTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-healthTicker.C:
				r.reportFile(r.cfg.HealthPath, "health")
			case <-networkTicker.C:
				r.reportFile(r.cfg.NetworkPath, "network")
			}
		}
	}()
}

// Shutdown stops the reporter loop and waits for it to exit.
func (r *Reporter) Shutdown() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	<-r.done
}

// reportFile reads path and POSTs its bytes to the collector, retrying
// with exponential backoff up to cfg.MaxElapsedTime. A missing file
// (nothing published yet) is not an error, matching the original's
// "no network data to report yet" debug-level skip.
func (r *Reporter) reportFile(path, kind string) {
	if path == "" {
		return
	}

	body, err := os.ReadFile(path)
	if err != nil {
		if r.log != nil {
			r.log.Debug("collector: no %s data to report yet: %v", kind, err)
		}
		return
	}
	if len(body) == 0 {
		return
	}

	if err := r.postWithRetry(body); err != nil {
		if r.log != nil {
			r.log.Warn("collector: failed to send %s report: %v", kind, err)
		}
		return
	}
	if r.log != nil {
		r.log.Debug("collector: %s report sent", kind)
	}
}

func (r *Reporter) postWithRetry(body []byte) error {
	if r.cfg.JWTSecret != "" {
		token, err := r.signToken()
		if err != nil {
			return fmt.Errorf("collector: signing token: %w", err)
		}
		r.client.AuthToken = token
	}

	b := backoff.NewExponentialBackOff()
	if r.cfg.MaxElapsedTime > 0 {
		b.MaxElapsedTime = r.cfg.MaxElapsedTime
	} else {
		b.MaxElapsedTime = 30 * time.Second
	}

	return backoff.Retry(func() error {
		resp, err := r.client.PostJSONURL(r.cfg.URL, body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("collector: server error %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("collector: client error %d", resp.StatusCode))
		}
		return nil
	}, b)
}

// reporterClaims is a minimal RFC 7519 claim set identifying this
// agent to the collector; the collector is expected to hold the same
// shared secret.
type reporterClaims struct {
	jwt.RegisteredClaims
}

func (r *Reporter) signToken() (string, error) {
	now := time.Now()
	claims := reporterClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(r.cfg.JWTSecret))
}
