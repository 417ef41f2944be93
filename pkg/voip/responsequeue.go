package voip

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/aredn-mesh/meshmon-agent/pkg/logx"
)

const responseQueueCapacity = 10

type queuedResponse struct {
	branch string
	data   []byte
}

// ResponseQueue lets a single shared SIP server socket (listening on
// UDP/5060) fan incoming responses out to whichever in-flight probe's
// branch they match, the way a host SIP server "borrows" its own
// socket for quality probes rather than opening one per call. It is a
// bounded ring: when full, the oldest unmatched entry is dropped.
type ResponseQueue struct {
	conn *net.UDPConn
	log  *logx.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []queuedResponse

	stop chan struct{}
}

// NewResponseQueue wraps an already-bound UDP socket (typically the
// SIP server's own listening socket) and starts the read loop that
// feeds the queue.
func NewResponseQueue(conn *net.UDPConn, log *logx.Logger) *ResponseQueue {
	q := &ResponseQueue{conn: conn, log: log, stop: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.readLoop()
	return q
}

// Close stops the read loop. It does not close the underlying
// connection, which the caller (the SIP server) still owns.
func (q *ResponseQueue) Close() {
	close(q.stop)
	q.cond.Broadcast()
}

func (q *ResponseQueue) readLoop() {
	buf := make([]byte, 8192)
	for {
		select {
		case <-q.stop:
			return
		default:
		}

		if err := q.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
			return
		}
		n, _, err := q.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		branch := extractBranch(string(data))
		if branch == "" {
			continue
		}
		q.enqueue(branch, data)
	}
}

func (q *ResponseQueue) enqueue(branch string, data []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) >= responseQueueCapacity {
		q.pending = q.pending[1:]
		if q.log != nil {
			q.log.Debug("voip: response queue full, dropped oldest entry")
		}
	}
	q.pending = append(q.pending, queuedResponse{branch: branch, data: data})
	q.cond.Broadcast()
}

// Dequeue waits until a response matching branch arrives or deadline
// passes.
func (q *ResponseQueue) Dequeue(branch string, deadline time.Time) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		for i, r := range q.pending {
			if r.branch == branch {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				return r.data, true
			}
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, false
		}

		timer := time.AfterFunc(wait, func() {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		q.cond.Wait()
		timer.Stop()

		select {
		case <-q.stop:
			return nil, false
		default:
		}
		if time.Now().After(deadline) {
			return nil, false
		}
	}
}

func extractBranch(response string) string {
	idx := strings.Index(strings.ToLower(response), "branch=")
	if idx < 0 {
		return ""
	}
	rest := response[idx+len("branch="):]
	end := strings.IndexAny(rest, "; \r\n")
	if end < 0 {
		end = len(rest)
	}
	return rest[:end]
}
