package routing

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aredn-mesh/meshmon-agent/pkg/logx"
)

func jsonServer(t *testing.T, body string) (host string, port int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	h, p, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	portNum, err := strconv.Atoi(p)
	require.NoError(t, err)
	return h, portNum
}

func tempPidFile(t *testing.T) string {
	t.Helper()
	path := t.TempDir() + "/pidfile"
	require.NoError(t, os.WriteFile(path, []byte("1"), 0o644))
	return path
}

func TestClassifyLinkType(t *testing.T) {
	cases := map[string]string{
		"wlan0":  "RF",
		"tun-x":  "tunnel",
		"eth0":   "ethernet",
		"br-lan": "bridge",
		"foo":    "unknown",
		"":       "unknown",
	}
	for iface, want := range cases {
		assert.Equal(t, want, ClassifyLinkType(iface), "interface %q", iface)
	}
}

func TestDetectDaemonPrefersOLSR(t *testing.T) {
	got := detectDaemon(Config{OLSRPidFile: tempPidFile(t), BabelPidFile: tempPidFile(t)})
	assert.Equal(t, DaemonOLSR, got)
}

func TestDetectDaemonFallsBackToBabel(t *testing.T) {
	got := detectDaemon(Config{OLSRPidFile: "/nonexistent/olsrd.pid", BabelPidFile: tempPidFile(t)})
	assert.Equal(t, DaemonBabel, got)
}

func TestDetectDaemonNoneWhenNeitherPresent(t *testing.T) {
	got := detectDaemon(Config{OLSRPidFile: "/nonexistent/olsrd.pid", BabelPidFile: "/nonexistent/babeld.pid"})
	assert.Equal(t, DaemonNone, got)
}

func TestOLSRNeighboursParsesIPAddressAndHostnameFallback(t *testing.T) {
	host, port := jsonServer(t, `{"neighbors":[{"ipAddress":"10.1.1.1","hostname":"node-a"},{"neighborIP":"10.1.1.2"}]}`)

	a := New(Config{Daemon: DaemonOLSR, OLSRHost: host, OLSRPort: port, HTTPTimeout: 2 * time.Second}, logx.Default("routing"))
	neighbours, err := a.Neighbours()
	require.NoError(t, err)
	require.Len(t, neighbours, 2)

	assert.Equal(t, "10.1.1.1", neighbours[0].Address)
	assert.Equal(t, "node-a", neighbours[0].NodeLabel)
	assert.Equal(t, "10.1.1.2", neighbours[1].Address)
	assert.Equal(t, "10.1.1.2", neighbours[1].NodeLabel) // no hostname -> IP reused as label
}

func TestOLSRRouteMatchesCIDRDestination(t *testing.T) {
	host, port := jsonServer(t, `{"routes":[{"destination":"10.1.1.5/32","gateway":"10.1.1.1","metric":2.5,"hops":2}]}`)

	a := New(Config{Daemon: DaemonOLSR, OLSRHost: host, OLSRPort: port, HTTPTimeout: 2 * time.Second}, logx.Default("routing"))
	route, err := a.Route("10.1.1.5")
	require.NoError(t, err)

	assert.Equal(t, "10.1.1.1", route.NextHop)
	assert.Equal(t, 2, route.HopCount)
	assert.InDelta(t, 2.5, route.ETX, 0.0001)
}

func TestOLSRRouteNotFound(t *testing.T) {
	host, port := jsonServer(t, `{"routes":[]}`)

	a := New(Config{Daemon: DaemonOLSR, OLSRHost: host, OLSRPort: port, HTTPTimeout: 2 * time.Second}, logx.Default("routing"))
	_, err := a.Route("10.1.1.9")
	assert.Error(t, err)
}

func TestPathHopsSingleHop(t *testing.T) {
	host, port := jsonServer(t, `{"routes":[{"destination":"10.1.1.5","gateway":"10.1.1.1","metric":1,"hops":1}]}`)

	a := New(Config{Daemon: DaemonOLSR, OLSRHost: host, OLSRPort: port, HTTPTimeout: 2 * time.Second}, logx.Default("routing"))
	hops, err := a.PathHops("10.1.1.5")
	require.NoError(t, err)
	require.Len(t, hops, 1)
	assert.Equal(t, "10.1.1.5", hops[0].NodeLabel)
}

func TestPathHopsMultiHopApproximation(t *testing.T) {
	host, port := jsonServer(t, `{"routes":[{"destination":"10.1.1.9","gateway":"10.1.1.1","metric":4,"hops":3}]}`)

	a := New(Config{Daemon: DaemonOLSR, OLSRHost: host, OLSRPort: port, HTTPTimeout: 2 * time.Second}, logx.Default("routing"))
	hops, err := a.PathHops("10.1.1.9")
	require.NoError(t, err)
	require.Len(t, hops, 2)
	assert.Equal(t, "10.1.1.1", hops[0].NodeLabel)
	assert.Equal(t, "10.1.1.9", hops[1].NodeLabel)
}

func TestBabelHopCountRounding(t *testing.T) {
	cases := []struct {
		metric int
		hops   int
	}{
		{256, 1},
		{384, 2}, // (384+128)/256 = 2
		{512, 2},
		{640, 3},
	}
	for _, c := range cases {
		got := (c.metric + 128) / 256
		assert.Equal(t, c.hops, got, "metric=%d", c.metric)
	}
}

func TestFieldAfter(t *testing.T) {
	line := "neighbour 1 address 10.1.1.1 if wlan0 rxcost 512"
	assert.Equal(t, "10.1.1.1", fieldAfter(line, "address "))
	assert.Equal(t, "wlan0", fieldAfter(line, "if "))
	assert.Equal(t, "512", fieldAfter(line, "rxcost "))
	assert.Equal(t, "", fieldAfter(line, "missing "))
}
