package electrum

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// tcpClient is a minimal JSON-RPC-over-TCP implementation of Client.
// One write pipe guarded by a mutex, one reader goroutine dispatching
// replies by request id, so independent requests can run concurrently
// over the same connection.
type tcpClient struct {
	conn   net.Conn
	nextID uint64

	pending map[uint64]chan *rpcResponse
	mx      sync.Mutex

	closed  chan struct{}
	closeMx sync.Once
}

type rpcRequest struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Dial opens one persistent connection to an electrum-protocol server.
func Dial(ctx context.Context, addr string) (Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	c := &tcpClient{
		conn:    conn,
		pending: map[uint64]chan *rpcResponse{},
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *tcpClient) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 1<<20), 64<<20)

	for scanner.Scan() {
		var resp rpcResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			log.Warn().Err(err).Msg("failed to decode chain-query response")
			continue
		}

		c.mx.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mx.Unlock()

		if ok {
			ch <- &resp
		}
	}
	c.Close()
}

func (c *tcpClient) Close() {
	c.closeMx.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *tcpClient) call(ctx context.Context, method string, params []any, result any) error {
	id := atomic.AddUint64(&c.nextID, 1)

	data, err := json.Marshal(rpcRequest{ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	data = append(data, '\n')

	ch := make(chan *rpcResponse, 1)
	c.mx.Lock()
	c.pending[id] = ch
	c.mx.Unlock()

	defer func() {
		c.mx.Lock()
		delete(c.pending, id)
		c.mx.Unlock()
	}()

	// deadline and write happen under one lock, a concurrent call must
	// not clobber the deadline between the two
	c.mx.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	_, err = c.conn.Write(data)
	c.mx.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("%s failed: %s", method, resp.Error.Message)
		}
		if result != nil {
			if err = json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", method, err)
			}
		}
		return nil
	case <-c.closed:
		return fmt.Errorf("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *tcpClient) TipHeight(ctx context.Context) (uint32, error) {
	var res struct {
		Height uint32 `json:"height"`
	}
	if err := c.call(ctx, "blockchain.headers.subscribe", []any{}, &res); err != nil {
		return 0, err
	}
	return res.Height, nil
}

func (c *tcpClient) BlockHeader(ctx context.Context, height uint32) (string, error) {
	var hex string
	if err := c.call(ctx, "blockchain.block.header", []any{height}, &hex); err != nil {
		return "", err
	}
	return hex, nil
}

func (c *tcpClient) BlockHeaders(ctx context.Context, startHeight, count uint32) (*HeadersChunk, error) {
	var chunk HeadersChunk
	if err := c.call(ctx, "blockchain.block.headers", []any{startHeight, count}, &chunk); err != nil {
		return nil, err
	}
	return &chunk, nil
}

func (c *tcpClient) GetTransaction(ctx context.Context, txid string) (*TransactionInfo, error) {
	var info TransactionInfo
	if err := c.call(ctx, "blockchain.transaction.get", []any{txid, true}, &info); err != nil {
		return nil, err
	}
	if info.Txid == "" {
		info.Txid = txid
	}
	return &info, nil
}

func (c *tcpClient) BroadcastTransaction(ctx context.Context, rawHex string) (string, error) {
	var txid string
	if err := c.call(ctx, "blockchain.transaction.broadcast", []any{rawHex}, &txid); err != nil {
		return "", err
	}
	return txid, nil
}

func (c *tcpClient) ListUnspent(ctx context.Context, scripthash string) ([]Unspent, error) {
	var utxos []Unspent
	if err := c.call(ctx, "blockchain.scripthash.listunspent", []any{scripthash}, &utxos); err != nil {
		return nil, err
	}
	return utxos, nil
}

func (c *tcpClient) EstimateFee(ctx context.Context, targetBlocks int) (float64, error) {
	var btcPerKB float64
	if err := c.call(ctx, "blockchain.estimatefee", []any{targetBlocks}, &btcPerKB); err != nil {
		return 0, err
	}
	return btcPerKB, nil
}

func (c *tcpClient) GetMerkle(ctx context.Context, txid string, height uint32) (*MerkleResult, error) {
	var res MerkleResult
	if err := c.call(ctx, "blockchain.transaction.get_merkle", []any{txid, height}, &res); err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "not in block") ||
			strings.Contains(msg, "no confirmed transaction") {
			return nil, ErrNotIndexed
		}
		return nil, err
	}
	return &res, nil
}
