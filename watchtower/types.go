// Package watchtower implements the client side of the outsourced
// breach-response protocol: encrypted justice blobs are handed to one
// or more towers which watch the chain and punish revoked commitments
// on our behalf.
package watchtower

import (
	"errors"
	"time"
)

// MaxBlobSize is the largest encrypted justice blob a tower accepts.
const MaxBlobSize = 4096

// HintSize is the length of the breach hint, a truncated commitment
// txid the tower matches against new blocks.
const HintSize = 16

var (
	ErrNotConnected  = errors.New("tower is not connected")
	ErrBlobTooLarge  = errors.New("penalty blob exceeds maximum size")
	ErrTowerUnknown  = errors.New("unknown tower")
	ErrAlreadyClosed = errors.New("manager is shut down")
)

type ConnectionState uint8

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateError:
		return "error"
	}
	return "unknown"
}

type AppointmentStatus uint8

const (
	AppointmentPending AppointmentStatus = iota + 1
	AppointmentAccepted
	AppointmentRejected
	AppointmentExpired
	AppointmentTriggered
	AppointmentResolved
)

func (s AppointmentStatus) String() string {
	switch s {
	case AppointmentPending:
		return "pending"
	case AppointmentAccepted:
		return "accepted"
	case AppointmentRejected:
		return "rejected"
	case AppointmentExpired:
		return "expired"
	case AppointmentTriggered:
		return "triggered"
	case AppointmentResolved:
		return "resolved"
	}
	return "unknown"
}

type AppointmentType uint8

const (
	AppointmentStandard AppointmentType = iota + 1
	AppointmentAnchor
)

// Appointment is one watched commitment state. A commitment number
// maps to at most one active appointment per channel and tower;
// superseded appointments must be revoked when a newer commitment is
// signed, stale state left watchable lets the tower punish on an
// outdated commitment.
type Appointment struct {
	ID               string            `json:"id"`
	ChannelID        string            `json:"channel_id"`
	CommitmentNumber uint64            `json:"commitment_number"`
	EncryptedBlob    []byte            `json:"encrypted_blob"`
	Hint             [HintSize]byte    `json:"hint"`
	Status           AppointmentStatus `json:"status"`
	Type             AppointmentType   `json:"type"`
	CreatedAt        time.Time         `json:"created_at"`
}

// AppointmentParams is the wire contract for appointment creation.
type AppointmentParams struct {
	ChannelID        string
	CommitmentTxid   string
	CommitmentNumber uint64
	PenaltyTx        []byte
	RevocationKey    []byte
	DelayedKey       []byte
	RemoteKey        []byte
	ToSelfDelay      uint32
	Type             AppointmentType
}

// AppointmentResult is returned per tower so batch fan-out can report
// partial failure without the whole operation failing.
type AppointmentResult struct {
	Success       bool   `json:"success"`
	AppointmentID string `json:"appointment_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

type EventType string

const (
	EventConnected           EventType = "connected"
	EventAuthenticated       EventType = "authenticated"
	EventDisconnected        EventType = "disconnected"
	EventError               EventType = "error"
	EventAppointmentAccepted EventType = "appointment_accepted"
	EventAppointmentRevoked  EventType = "appointment_revoked"
)

type Event struct {
	Type          EventType `json:"type"`
	TowerID       string    `json:"tower_id"`
	AppointmentID string    `json:"appointment_id,omitempty"`
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at"`
}

// ClientStats reports connection and appointment counters for UI and
// telemetry.
type ClientStats struct {
	TowerID       string `json:"tower_id"`
	Connected     bool   `json:"connected"`
	Authenticated bool   `json:"authenticated"`
	Active        int    `json:"active_appointments"`
	Total         int    `json:"total_appointments"`
}
