package electrum

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"
)

// tracedConn records the order of deadline and write calls so tests
// can assert a call's deadline is never clobbered by a concurrent one
// before its write lands.
type tracedConn struct {
	net.Conn

	mx     sync.Mutex
	events []string
}

func (c *tracedConn) SetWriteDeadline(t time.Time) error {
	c.mx.Lock()
	c.events = append(c.events, "deadline")
	c.mx.Unlock()
	return c.Conn.SetWriteDeadline(t)
}

func (c *tracedConn) Write(p []byte) (int, error) {
	c.mx.Lock()
	c.events = append(c.events, "write")
	c.mx.Unlock()
	return c.Conn.Write(p)
}

func TestConcurrentCallsKeepDeadlineWithWrite(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer serverSide.Close()

	conn := &tracedConn{Conn: clientSide}
	c := &tcpClient{
		conn:    conn,
		pending: map[uint64]chan *rpcResponse{},
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	defer c.Close()

	go func() {
		scanner := bufio.NewScanner(serverSide)
		for scanner.Scan() {
			var req rpcRequest
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			resp, _ := json.Marshal(rpcResponse{ID: req.ID, Result: json.RawMessage("7")})
			if _, err := serverSide.Write(append(resp, '\n')); err != nil {
				return
			}
		}
	}()

	// mix calls with and without context deadlines so both
	// SetWriteDeadline branches race against each other
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(withDeadline bool) {
			defer wg.Done()
			ctx := context.Background()
			if withDeadline {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
			}
			var out int
			if err := c.call(ctx, "server.ping", []any{}, &out); err != nil {
				t.Error("call failed:", err)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	conn.mx.Lock()
	defer conn.mx.Unlock()
	if len(conn.events) != 32 {
		t.Fatal("unexpected event count", len(conn.events))
	}
	for i := 0; i < len(conn.events); i += 2 {
		if conn.events[i] != "deadline" || conn.events[i+1] != "write" {
			t.Fatal("deadline and write interleaved across calls:", conn.events)
		}
	}
}
