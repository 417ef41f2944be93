package debugapi

import "net"

// listen is split out from Start so tests can substitute an
// ephemeral-port listener without touching the configured Addr.
func listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
