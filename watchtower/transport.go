package watchtower

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Conn is one session with a tower. Implementations own the transport
// details; the client drives the handshake/appointment/ping sequence.
type Conn interface {
	// Handshake authenticates the session against the tower's public
	// key.
	Handshake(ctx context.Context) error

	// SendAppointment submits one appointment and returns the tower's
	// decision.
	SendAppointment(ctx context.Context, req *AppointmentRequest) (*AppointmentReply, error)

	// RevokeAppointment asks the tower to forget an appointment.
	RevokeAppointment(ctx context.Context, id string) error

	// Ping is the heartbeat probe.
	Ping(ctx context.Context) error

	Close() error
}

// Dialer opens tower sessions. Injected so tests and alternative
// transports can replace the TCP implementation.
type Dialer interface {
	Dial(ctx context.Context, address string, pubkey *btcec.PublicKey) (Conn, error)
}

// AppointmentRequest mirrors the tower wire contract.
type AppointmentRequest struct {
	ChannelID        string `json:"channel_id"`
	CommitmentTxid   string `json:"commitment_txid"`
	CommitmentNumber uint64 `json:"commitment_number"`
	PenaltyTx        string `json:"penalty_tx"` // hex
	RevocationKey    string `json:"revocation_key"`
	DelayedKey       string `json:"delayed_key"`
	RemoteKey        string `json:"remote_key"`
	ToSelfDelay      uint32 `json:"to_self_delay"`
	Anchor           bool   `json:"anchor"`
}

type AppointmentReply struct {
	Success       bool   `json:"success"`
	AppointmentID string `json:"appointment_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

// tcpDialer is the default JSON-lines tower transport.
type tcpDialer struct {
	connectTimeout time.Duration
}

func NewTCPDialer(connectTimeout time.Duration) Dialer {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &tcpDialer{connectTimeout: connectTimeout}
}

func (d *tcpDialer) Dial(ctx context.Context, address string, pubkey *btcec.PublicKey) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.connectTimeout)
	defer cancel()

	var nd net.Dialer
	conn, err := nd.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial tower %s: %w", address, err)
	}

	return &tcpConn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		pubkey: pubkey,
	}, nil
}

type tcpConn struct {
	conn   net.Conn
	reader *bufio.Reader
	pubkey *btcec.PublicKey

	mx sync.Mutex
}

type towerMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (c *tcpConn) roundTrip(ctx context.Context, msgType string, payload, reply any) error {
	c.mx.Lock()
	defer c.mx.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		raw = data
	}

	data, err := json.Marshal(towerMessage{Type: msgType, Payload: raw})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if _, err = c.conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write to tower: %w", err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("failed to read tower reply: %w", err)
	}

	var msg towerMessage
	if err = json.Unmarshal(line, &msg); err != nil {
		return fmt.Errorf("failed to decode tower reply: %w", err)
	}
	if msg.Type == "error" {
		return fmt.Errorf("tower error: %s", msg.Payload)
	}
	if reply != nil {
		if err = json.Unmarshal(msg.Payload, reply); err != nil {
			return fmt.Errorf("failed to decode tower payload: %w", err)
		}
	}
	return nil
}

func (c *tcpConn) Handshake(ctx context.Context) error {
	req := struct {
		Pubkey string `json:"pubkey"`
	}{Pubkey: hex.EncodeToString(c.pubkey.SerializeCompressed())}

	var rep struct {
		OK bool `json:"ok"`
	}
	if err := c.roundTrip(ctx, "init", req, &rep); err != nil {
		return err
	}
	if !rep.OK {
		return fmt.Errorf("tower rejected handshake")
	}
	return nil
}

func (c *tcpConn) SendAppointment(ctx context.Context, req *AppointmentRequest) (*AppointmentReply, error) {
	var rep AppointmentReply
	if err := c.roundTrip(ctx, "create_appointment", req, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

func (c *tcpConn) RevokeAppointment(ctx context.Context, id string) error {
	req := struct {
		ID string `json:"id"`
	}{ID: id}
	return c.roundTrip(ctx, "revoke_appointment", req, nil)
}

func (c *tcpConn) Ping(ctx context.Context) error {
	return c.roundTrip(ctx, "ping", nil, nil)
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}
