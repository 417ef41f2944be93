package httpclient

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startStubServer(t *testing.T, response string) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil || line == "\r\n" || line == "\n" {
				break
			}
		}
		conn.Write([]byte(response))
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func TestGetParsesStatusAndBody(t *testing.T) {
	host, port := startStubServer(t, "HTTP/1.0 200 OK\r\nContent-Type: application/json\r\n\r\n{\"ok\":true}")

	c := New(2 * time.Second)
	resp, err := c.Get(host, port, "/cgi-bin/sysinfo.json")
	require.NoError(t, err)

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
}

func TestGetNonOKStatus(t *testing.T) {
	host, port := startStubServer(t, "HTTP/1.0 404 Not Found\r\n\r\n")

	c := New(2 * time.Second)
	resp, err := c.Get(host, port, "/missing")
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestDialFailureReturnsError(t *testing.T) {
	c := New(200 * time.Millisecond)
	_, err := c.Get("127.0.0.1", 1, "/")
	assert.Error(t, err)
}

func TestPostJSONSendsContentLength(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		var headers []string
		for {
			line, err := reader.ReadString('\n')
			if err != nil || line == "\r\n" || line == "\n" {
				break
			}
			headers = append(headers, line)
		}
		received <- strings.Join(headers, "")
		conn.Write([]byte("HTTP/1.0 200 OK\r\n\r\n"))
	}()

	addr := ln.Addr().(*net.TCPAddr)
	c := New(2 * time.Second)
	_, err = c.PostJSON("127.0.0.1", addr.Port, "/report", []byte(`{"a":1}`))
	require.NoError(t, err)

	headers := <-received
	assert.Contains(t, headers, "Content-Length: "+strconv.Itoa(len(`{"a":1}`)))
}
