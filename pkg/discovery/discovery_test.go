package discovery

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aredn-mesh/meshmon-agent/pkg/logx"
)

func TestIsNumericName(t *testing.T) {
	assert.True(t, isNumericName("12345"))
	assert.True(t, isNumericName("10.1.1.1"))
	assert.False(t, isNumericName("node-a"))
	assert.False(t, isNumericName(""))
}

func TestIsLANInterfaceName(t *testing.T) {
	assert.True(t, isLANInterfaceName("lan.eth0"))
	assert.False(t, isLANInterfaceName("node-a"))
}

func TestExtractIP(t *testing.T) {
	assert.Equal(t, "192.168.1.5", extractIP("ok 192.168.1.5\n"))
	assert.Equal(t, "", extractIP("no ip here"))
}

func TestCacheSaveLoadRoundTrip4Field(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.txt")
	c := &Cache{cfg: Config{CachePath: path}, log: logx.Default("discovery")}
	c.agents = []Agent{
		{MeshAddr: "10.1.1.1", LANAddr: "192.168.1.1", NodeLabel: "node-a", LastSeen: time.Unix(1700000000, 0).UTC(), Active: true},
	}
	require.NoError(t, c.save())

	loaded, err := loadCache(path)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "10.1.1.1", loaded[0].MeshAddr)
	assert.Equal(t, "192.168.1.1", loaded[0].LANAddr)
	assert.Equal(t, "node-a", loaded[0].NodeLabel)
	assert.Equal(t, int64(1700000000), loaded[0].LastSeen.Unix())
}

func TestCacheLoadLegacy3FieldFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.txt")
	require.NoError(t, os.WriteFile(path, []byte("10.1.1.2,node-b,1700000100\n"), 0o644))

	loaded, err := loadCache(path)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "10.1.1.2", loaded[0].MeshAddr)
	assert.Equal(t, "10.1.1.2", loaded[0].LANAddr) // defaults to mesh_ip
	assert.Equal(t, "node-b", loaded[0].NodeLabel)
}

// TestCacheLoadMixed4And3FieldThenSaveNormalizesToAllFields loads one
// canonical 4-field row and one legacy 3-field row from the same file,
// then saves and reloads, expecting both rows in 4-field form with the
// legacy row's lan_ip defaulted to its mesh_ip.
func TestCacheLoadMixed4And3FieldThenSaveNormalizesToAllFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.txt")
	contents := "10.1.2.3,10.1.2.1,nodeA,1700000000\n10.4.5.6,nodeB,1700000001\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	loaded, err := loadCache(path)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	c := &Cache{cfg: Config{CachePath: path}, log: logx.Default("discovery")}
	c.agents = loaded
	require.NoError(t, c.save())

	reloaded, err := loadCache(path)
	require.NoError(t, err)
	require.Len(t, reloaded, 2)

	byMesh := make(map[string]Agent, len(reloaded))
	for _, a := range reloaded {
		byMesh[a.MeshAddr] = a
	}

	a := byMesh["10.1.2.3"]
	assert.Equal(t, "10.1.2.1", a.LANAddr)
	assert.Equal(t, "nodeA", a.NodeLabel)

	b := byMesh["10.4.5.6"]
	assert.Equal(t, "10.4.5.6", b.LANAddr, "legacy row's lan_ip defaults to its mesh_ip")
	assert.Equal(t, "nodeB", b.NodeLabel)
}

func TestCacheLoadMissingFileReturnsNotExist(t *testing.T) {
	_, err := loadCache(filepath.Join(t.TempDir(), "missing.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestUpsertRejectsOverflow(t *testing.T) {
	c := &Cache{cfg: Config{MaxAgents: 1}, log: logx.Default("discovery")}
	c.upsert(Agent{MeshAddr: "10.1.1.1"})
	c.upsert(Agent{MeshAddr: "10.1.1.2"})

	assert.Len(t, c.Snapshot(10), 1)
	assert.Equal(t, "10.1.1.1", c.Snapshot(10)[0].MeshAddr)
}

func TestUpsertRefreshesExistingEntry(t *testing.T) {
	c := &Cache{log: logx.Default("discovery")}
	c.upsert(Agent{MeshAddr: "10.1.1.1", NodeLabel: "old-name", LastSeen: time.Unix(1, 0)})
	c.upsert(Agent{MeshAddr: "10.1.1.1", NodeLabel: "new-name", LastSeen: time.Unix(2, 0)})

	snap := c.Snapshot(10)
	require.Len(t, snap, 1)
	assert.Equal(t, "new-name", snap[0].NodeLabel)
	assert.Equal(t, int64(2), snap[0].LastSeen.Unix())
}

func TestScanSkipsNumericAndLANAndLocalHostnames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"hosts":[{"name":"10203040","ip":"1.2.3.4"},{"name":"lan.eth0","ip":"1.2.3.5"},{"name":"me","ip":"1.2.3.6"}]}`))
	}))
	defer srv.Close()

	host, portStr, _ := net.SplitHostPort(srv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	c, err := New(Config{
		SysinfoHost:   host,
		SysinfoPort:   port,
		SysinfoPath:   "/cgi-bin/sysinfo.json",
		LocalHostname: "me",
		MeshDomain:    "local.mesh",
		HTTPTimeout:   2 * time.Second,
		MaxAgents:     10,
	}, logx.Default("discovery"))
	require.NoError(t, err)

	probed := c.Scan()
	assert.Equal(t, 0, probed)
	assert.Empty(t, c.Snapshot(10))
}
