package watchtower

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/slacerda85/ihodl-sub012/chaindb"
)

const appointmentPrefix = "appt:"

// Store keeps accepted appointments in the shared keyed database under
// appt:<towerID>:<appointmentID>.
type Store struct {
	storage chaindb.Storage
}

func NewStore(storage chaindb.Storage) *Store {
	return &Store{storage: storage}
}

func appointmentKey(towerID, id string) []byte {
	return []byte(appointmentPrefix + towerID + ":" + id)
}

func (s *Store) SaveAppointment(ctx context.Context, towerID string, a *Appointment) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode appointment: %w", err)
	}

	return s.storage.Transaction(ctx, func(ctx context.Context) error {
		return s.storage.GetExecutor(ctx).Put(appointmentKey(towerID, a.ID), data)
	})
}

func (s *Store) DeleteAppointment(ctx context.Context, towerID, id string) error {
	return s.storage.Transaction(ctx, func(ctx context.Context) error {
		return s.storage.GetExecutor(ctx).Delete(appointmentKey(towerID, id))
	})
}

func (s *Store) ListAppointments(ctx context.Context, towerID string) ([]*Appointment, error) {
	tx := s.storage.GetExecutor(ctx)

	var out []*Appointment
	iter := tx.NewIterator([]byte(appointmentPrefix+towerID+":"), true)
	defer iter.Release()

	for iter.Next() {
		var a Appointment
		if err := json.Unmarshal(iter.Value(), &a); err != nil {
			return nil, fmt.Errorf("corrupt appointment at %q: %w", iter.Key(), err)
		}
		out = append(out, &a)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate appointments: %w", err)
	}
	return out, nil
}
