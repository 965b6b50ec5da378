package watchtower

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/rs/zerolog/log"
	"github.com/slacerda85/ihodl-sub012/metrics"
)

// Manager keeps one client per tower public key and fans appointment
// batches out to all of them.
type Manager struct {
	dialer Dialer
	cfg    ClientConfig
	store  AppointmentStore

	clients map[string]*Client
	closed  bool

	mx sync.RWMutex
}

func NewManager(dialer Dialer, cfg ClientConfig, store AppointmentStore) *Manager {
	return &Manager{
		dialer:  dialer,
		cfg:     cfg,
		store:   store,
		clients: map[string]*Client{},
	}
}

// AddWatchtower registers a tower and connects to it. A public key
// already registered returns (false, nil) and leaves the registry
// untouched; a connection failure still keeps the tower registered so
// it can be reconnected later.
func (m *Manager) AddWatchtower(ctx context.Context, address string, pubkeyHex string) (bool, error) {
	raw, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid tower pubkey hex: %w", err)
	}
	pubkey, err := btcec.ParsePubKey(raw)
	if err != nil {
		return false, fmt.Errorf("invalid tower pubkey: %w", err)
	}

	id := TowerID(pubkey)

	m.mx.Lock()
	if m.closed {
		m.mx.Unlock()
		return false, ErrAlreadyClosed
	}
	if _, ok := m.clients[id]; ok {
		m.mx.Unlock()
		log.Debug().Str("tower", id).Msg("tower already registered")
		return false, nil
	}
	client := NewClient(address, pubkey, m.dialer, m.cfg, m.store)
	m.clients[id] = client
	metrics.SetConnectedTowers(float64(len(m.clients)))
	m.mx.Unlock()

	if err = client.Connect(ctx); err != nil {
		log.Warn().Err(err).Str("tower", id).Msg("tower registered but connection failed")
		return true, err
	}
	return true, nil
}

// RemoveWatchtower disconnects and forgets a tower.
func (m *Manager) RemoveWatchtower(id string) error {
	m.mx.Lock()
	client, ok := m.clients[id]
	if ok {
		delete(m.clients, id)
		metrics.SetConnectedTowers(float64(len(m.clients)))
	}
	m.mx.Unlock()

	if !ok {
		return ErrTowerUnknown
	}
	client.Disconnect()
	return nil
}

func (m *Manager) Tower(id string) (*Client, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()

	client, ok := m.clients[id]
	if !ok {
		return nil, ErrTowerUnknown
	}
	return client, nil
}

// Towers lists registered clients ordered by id.
func (m *Manager) Towers() []*Client {
	m.mx.RLock()
	defer m.mx.RUnlock()

	out := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// CreateAppointmentAll submits the appointment to every registered
// tower concurrently and returns the per-tower outcome. One tower
// failing never blocks or fails the others.
func (m *Manager) CreateAppointmentAll(ctx context.Context, p AppointmentParams) map[string]AppointmentResult {
	m.mx.RLock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mx.RUnlock()

	results := make(map[string]AppointmentResult, len(clients))
	var (
		resMx sync.Mutex
		wg    sync.WaitGroup
	)
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			res := c.CreateAppointment(ctx, p)
			resMx.Lock()
			results[c.id] = res
			resMx.Unlock()
		}(c)
	}
	wg.Wait()
	return results
}

// Stats reports per-tower counters ordered by tower id.
func (m *Manager) Stats() []ClientStats {
	towers := m.Towers()
	out := make([]ClientStats, 0, len(towers))
	for _, c := range towers {
		out = append(out, c.Stats())
	}
	return out
}

// DisconnectAll tears every session down and marks the manager closed.
func (m *Manager) DisconnectAll() {
	m.mx.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.closed = true
	m.mx.Unlock()

	for _, c := range clients {
		c.Disconnect()
	}
	metrics.SetConnectedTowers(0)
}
