// Package resolver provides bounded-timeout DNS resolution for
// mesh-domain hostnames (`<label>.<mesh-domain>`), shared by the Probe
// Engine's target resolution and Agent Discovery's reachability test.
// When a DNS server is configured it queries that server with miekg/dns
// under an explicit, configurable timeout; with no server configured it
// calls net.LookupHost, and the OS resolver's own timeouts apply.
package resolver

import (
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver resolves A records with a bounded timeout against a
// configured DNS server, falling back to the system resolver when no
// server is configured.
type Resolver struct {
	Server  string // "" means use the system resolver
	Timeout time.Duration
}

// New returns a Resolver. An empty server means "use the system
// resolver" via net.LookupHost with no custom timeout enforcement
// beyond ctx would provide; most mesh deployments set Server to the
// node's own dnsmasq instance.
func New(server string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Resolver{Server: server, Timeout: timeout}
}

// LookupHost resolves host to its first IPv4 address.
func (r *Resolver) LookupHost(host string) (string, error) {
	if r.Server == "" {
		addrs, err := net.LookupHost(host)
		if err != nil {
			return "", fmt.Errorf("resolver: lookup %s: %w", host, err)
		}
		for _, a := range addrs {
			if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
				return a, nil
			}
		}
		if len(addrs) > 0 {
			return addrs[0], nil
		}
		return "", fmt.Errorf("resolver: no addresses for %s", host)
	}

	client := dns.Client{Timeout: r.Timeout}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)

	serverAddr := r.Server
	if _, _, err := net.SplitHostPort(serverAddr); err != nil {
		serverAddr = net.JoinHostPort(serverAddr, "53")
	}

	resp, _, err := client.Exchange(msg, serverAddr)
	if err != nil {
		return "", fmt.Errorf("resolver: query %s for %s: %w", r.Server, host, err)
	}
	for _, ans := range resp.Answer {
		if a, ok := ans.(*dns.A); ok {
			return a.A.String(), nil
		}
	}
	return "", fmt.Errorf("resolver: no A record for %s", host)
}
