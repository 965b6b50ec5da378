package watchtower

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/rs/zerolog/log"
	"github.com/slacerda85/ihodl-sub012/metrics"
)

// TowerID derives the stable identifier of a tower from a prefix of
// its public key's hex encoding.
func TowerID(pubkey *btcec.PublicKey) string {
	return hex.EncodeToString(pubkey.SerializeCompressed())[:16]
}

// AppointmentStore persists accepted appointments so they survive a
// restart. Optional; a nil store keeps everything in memory.
type AppointmentStore interface {
	SaveAppointment(ctx context.Context, towerID string, a *Appointment) error
	DeleteAppointment(ctx context.Context, towerID, id string) error
	ListAppointments(ctx context.Context, towerID string) ([]*Appointment, error)
}

type ClientConfig struct {
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
}

func (c *ClientConfig) withDefaults() ClientConfig {
	out := *c
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 10 * time.Second
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 30 * time.Second
	}
	return out
}

// Client owns exactly one tower connection and the appointments placed
// with it.
type Client struct {
	id      string
	address string
	pubkey  *btcec.PublicKey

	dialer Dialer
	cfg    ClientConfig
	store  AppointmentStore

	state        ConnectionState
	conn         Conn
	appointments map[string]*Appointment
	nextApptSeq  uint64

	subs      map[uint64]chan Event
	nextSubID uint64

	heartbeatStop func()

	mx sync.Mutex
}

func NewClient(address string, pubkey *btcec.PublicKey, dialer Dialer, cfg ClientConfig, store AppointmentStore) *Client {
	return &Client{
		id:           TowerID(pubkey),
		address:      address,
		pubkey:       pubkey,
		dialer:       dialer,
		cfg:          cfg.withDefaults(),
		store:        store,
		state:        StateDisconnected,
		appointments: map[string]*Appointment{},
		subs:         map[uint64]chan Event{},
	}
}

func (c *Client) ID() string      { return c.id }
func (c *Client) Address() string { return c.address }

func (c *Client) State() ConnectionState {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}

// Connect drives the session to the authenticated state. Calling it on
// an already-authenticated client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mx.Lock()
	if c.state == StateAuthenticated {
		c.mx.Unlock()
		return nil
	}
	if c.state == StateConnecting {
		c.mx.Unlock()
		return fmt.Errorf("connection already in progress")
	}
	c.state = StateConnecting
	c.mx.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, err := c.dialer.Dial(dialCtx, c.address, c.pubkey)
	cancel()
	if err != nil {
		c.fail(fmt.Errorf("dial failed: %w", err))
		return err
	}

	c.mx.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mx.Unlock()
	c.emit(Event{Type: EventConnected, TowerID: c.id})

	hsCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	err = conn.Handshake(hsCtx)
	cancel()
	if err != nil {
		_ = conn.Close()
		c.fail(fmt.Errorf("handshake failed: %w", err))
		return err
	}

	c.mx.Lock()
	c.state = StateAuthenticated
	hbCtx, hbStop := context.WithCancel(context.Background())
	c.heartbeatStop = hbStop
	c.mx.Unlock()

	c.emit(Event{Type: EventAuthenticated, TowerID: c.id})
	log.Info().Str("tower", c.id).Str("addr", c.address).Msg("tower session authenticated")

	if c.store != nil {
		if err := c.restoreAppointments(ctx); err != nil {
			log.Warn().Err(err).Str("tower", c.id).Msg("failed to restore appointments")
		}
	}

	go c.heartbeat(hbCtx, conn)
	return nil
}

func (c *Client) restoreAppointments(ctx context.Context) error {
	stored, err := c.store.ListAppointments(ctx, c.id)
	if err != nil {
		return err
	}

	c.mx.Lock()
	defer c.mx.Unlock()
	for _, a := range stored {
		if _, ok := c.appointments[a.ID]; !ok {
			c.appointments[a.ID] = a
		}
	}
	return nil
}

func (c *Client) heartbeat(ctx context.Context, conn Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.HeartbeatInterval):
		}

		pingCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		err := conn.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("tower", c.id).Msg("tower heartbeat failed")
			c.fail(fmt.Errorf("heartbeat failed: %w", err))
			_ = conn.Close()
			return
		}
	}
}

func (c *Client) fail(err error) {
	c.mx.Lock()
	c.state = StateError
	if c.heartbeatStop != nil {
		c.heartbeatStop()
		c.heartbeatStop = nil
	}
	c.mx.Unlock()
	c.emit(Event{Type: EventError, TowerID: c.id, Error: err.Error()})
}

// Disconnect tears the session down. Safe to call in any state.
func (c *Client) Disconnect() {
	c.mx.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	if c.heartbeatStop != nil {
		c.heartbeatStop()
		c.heartbeatStop = nil
	}
	c.mx.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.emit(Event{Type: EventDisconnected, TowerID: c.id})
}

// CreateAppointment submits one appointment to the tower. Capacity and
// state problems come back as a structured result, never a partial
// mutation: no appointment id is allocated unless the tower accepted.
func (c *Client) CreateAppointment(ctx context.Context, p AppointmentParams) AppointmentResult {
	c.mx.Lock()
	if c.state != StateAuthenticated {
		c.mx.Unlock()
		metrics.CountAppointment(c.id, "not_connected")
		return AppointmentResult{Success: false, Error: ErrNotConnected.Error()}
	}
	conn := c.conn
	c.mx.Unlock()

	if len(p.PenaltyTx) > MaxBlobSize {
		metrics.CountAppointment(c.id, "too_large")
		return AppointmentResult{
			Success: false,
			Error:   fmt.Sprintf("%s: %d > %d bytes", ErrBlobTooLarge, len(p.PenaltyTx), MaxBlobSize),
		}
	}

	req := &AppointmentRequest{
		ChannelID:        p.ChannelID,
		CommitmentTxid:   p.CommitmentTxid,
		CommitmentNumber: p.CommitmentNumber,
		PenaltyTx:        hex.EncodeToString(p.PenaltyTx),
		RevocationKey:    hex.EncodeToString(p.RevocationKey),
		DelayedKey:       hex.EncodeToString(p.DelayedKey),
		RemoteKey:        hex.EncodeToString(p.RemoteKey),
		ToSelfDelay:      p.ToSelfDelay,
		Anchor:           p.Type == AppointmentAnchor,
	}

	reply, err := conn.SendAppointment(ctx, req)
	if err != nil {
		c.fail(fmt.Errorf("appointment send failed: %w", err))
		metrics.CountAppointment(c.id, "transport_error")
		return AppointmentResult{Success: false, Error: err.Error()}
	}
	if !reply.Success {
		metrics.CountAppointment(c.id, "rejected")
		return AppointmentResult{Success: false, Error: reply.Error}
	}

	appt := &Appointment{
		ID:               reply.AppointmentID,
		ChannelID:        p.ChannelID,
		CommitmentNumber: p.CommitmentNumber,
		EncryptedBlob:    append([]byte{}, p.PenaltyTx...),
		Status:           AppointmentAccepted,
		Type:             p.Type,
		CreatedAt:        time.Now().UTC(),
	}
	copy(appt.Hint[:], breachHint(p.CommitmentTxid))
	if appt.ID == "" {
		c.mx.Lock()
		c.nextApptSeq++
		appt.ID = fmt.Sprintf("%s-%d", c.id, c.nextApptSeq)
		c.mx.Unlock()
	}

	// a newer commitment supersedes everything older on the same
	// channel, stale appointments must never remain watchable
	var stale []string
	c.mx.Lock()
	for id, existing := range c.appointments {
		if existing.ChannelID == p.ChannelID && existing.CommitmentNumber < p.CommitmentNumber && existing.active() {
			stale = append(stale, id)
		}
	}
	c.appointments[appt.ID] = appt
	c.mx.Unlock()

	if c.store != nil {
		if err := c.store.SaveAppointment(ctx, c.id, appt); err != nil {
			log.Warn().Err(err).Str("tower", c.id).Str("appointment", appt.ID).
				Msg("failed to persist appointment")
		}
	}

	metrics.CountAppointment(c.id, "accepted")
	c.emit(Event{Type: EventAppointmentAccepted, TowerID: c.id, AppointmentID: appt.ID})

	for _, id := range stale {
		c.RevokeAppointment(ctx, id)
	}
	return AppointmentResult{Success: true, AppointmentID: appt.ID}
}

func (a *Appointment) active() bool {
	return a.Status == AppointmentPending || a.Status == AppointmentAccepted
}

// breachHint is the truncated commitment txid the tower matches
// against the chain.
func breachHint(commitmentTxid string) []byte {
	raw, err := hex.DecodeString(commitmentTxid)
	if err != nil || len(raw) < HintSize {
		// non-hex ids still produce a stable hint
		raw = []byte(commitmentTxid)
	}
	if len(raw) < HintSize {
		raw = append(raw, make([]byte, HintSize-len(raw))...)
	}
	return raw[:HintSize]
}

// RevokeAppointment removes an appointment. An unknown id returns
// false, never an error, so revoking twice is harmless.
func (c *Client) RevokeAppointment(ctx context.Context, id string) bool {
	c.mx.Lock()
	_, ok := c.appointments[id]
	if ok {
		delete(c.appointments, id)
	}
	conn := c.conn
	authenticated := c.state == StateAuthenticated
	c.mx.Unlock()

	if !ok {
		return false
	}

	if authenticated && conn != nil {
		if err := conn.RevokeAppointment(ctx, id); err != nil {
			// local removal already happened, the tower will expire it
			log.Warn().Err(err).Str("tower", c.id).Str("appointment", id).
				Msg("tower-side revoke failed")
		}
	}

	if c.store != nil {
		if err := c.store.DeleteAppointment(ctx, c.id, id); err != nil {
			log.Warn().Err(err).Str("appointment", id).Msg("failed to delete stored appointment")
		}
	}

	c.emit(Event{Type: EventAppointmentRevoked, TowerID: c.id, AppointmentID: id})
	return true
}

// ActiveAppointments returns appointments in pending or accepted
// state, ordered by creation.
func (c *Client) ActiveAppointments() []*Appointment {
	c.mx.Lock()
	defer c.mx.Unlock()

	var out []*Appointment
	for _, a := range c.appointments {
		if a.active() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (c *Client) AppointmentsForChannel(channelID string) []*Appointment {
	c.mx.Lock()
	defer c.mx.Unlock()

	var out []*Appointment
	for _, a := range c.appointments {
		if a.ChannelID == channelID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CommitmentNumber < out[j].CommitmentNumber })
	return out
}

func (c *Client) Stats() ClientStats {
	c.mx.Lock()
	defer c.mx.Unlock()

	stats := ClientStats{
		TowerID:       c.id,
		Connected:     c.state == StateConnected || c.state == StateAuthenticated,
		Authenticated: c.state == StateAuthenticated,
		Total:         len(c.appointments),
	}
	for _, a := range c.appointments {
		if a.active() {
			stats.Active++
		}
	}
	return stats
}

// Subscription is a bounded event channel plus its unsubscribe token.
// Events are delivered in emission order; a subscriber that falls
// behind loses the overflow rather than blocking the client.
type Subscription struct {
	C      <-chan Event
	Cancel func()
}

// Subscribe registers an event channel with the given buffer. Events
// fired before the subscription never arrive retroactively.
func (c *Client) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	c.mx.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = ch
	c.mx.Unlock()

	var once sync.Once
	return &Subscription{
		C: ch,
		Cancel: func() {
			once.Do(func() {
				c.mx.Lock()
				delete(c.subs, id)
				c.mx.Unlock()
			})
		},
	}
}

func (c *Client) emit(e Event) {
	e.At = time.Now().UTC()

	c.mx.Lock()
	defer c.mx.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- e:
		default:
			log.Warn().Str("tower", c.id).Str("event", string(e.Type)).
				Msg("subscriber queue full, dropping event")
		}
	}
}
