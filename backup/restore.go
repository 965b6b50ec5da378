package backup

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type RestoreState uint8

const (
	RestorePending RestoreState = iota + 1
	RestoreConnecting
	RestoreReestablishing
	RestoreForceClosing
	RestoreSweeping
	RestoreRestored
	RestoreFailed
)

func (s RestoreState) String() string {
	switch s {
	case RestorePending:
		return "pending"
	case RestoreConnecting:
		return "connecting"
	case RestoreReestablishing:
		return "reestablishing"
	case RestoreForceClosing:
		return "force_closing"
	case RestoreSweeping:
		return "sweeping"
	case RestoreRestored:
		return "restored"
	case RestoreFailed:
		return "failed"
	}
	return "unknown"
}

// RestoreContext tracks one channel through recovery. The flow is
// strictly linear: connect to the peer, send a channel-reestablish
// asserting zero commitment so the honest peer force-closes, then
// watch the closing transaction until the funds are sweepable.
type RestoreContext struct {
	Backup      *ChannelBackupData `json:"backup"`
	State       RestoreState       `json:"state"`
	Attempts    int                `json:"attempts"`
	LastAttempt time.Time          `json:"last_attempt"`
	Error       string             `json:"error,omitempty"`
	ClosingTxid string             `json:"closing_txid,omitempty"`

	cancelSweep func()
	mx          sync.Mutex
}

// restoreOrder is the only legal forward sequence.
var restoreOrder = map[RestoreState]RestoreState{
	RestorePending:        RestoreConnecting,
	RestoreConnecting:     RestoreReestablishing,
	RestoreReestablishing: RestoreForceClosing,
	RestoreForceClosing:   RestoreSweeping,
	RestoreSweeping:       RestoreRestored,
}

// ClosingMonitor watches the peer's closing transaction for depth.
type ClosingMonitor interface {
	MonitorFundingTx(txid string, vout uint32, minConf uint32, onConfirmed func(height uint32)) func()
}

// Restorer drives restore contexts. The recovery steps themselves
// (peer connection, reestablish message) are executed externally; the
// restorer owns state bookkeeping and the sweep watch.
type Restorer struct {
	chain   ClosingMonitor
	minConf uint32
}

func NewRestorer(chain ClosingMonitor, minConf uint32) *Restorer {
	if minConf == 0 {
		minConf = 3
	}
	return &Restorer{chain: chain, minConf: minConf}
}

// PrepareChannelRestore validates the backup entry and seeds a context
// in the pending state. Invalid entries never produce a context.
func (r *Restorer) PrepareChannelRestore(b *ChannelBackupData) (*RestoreContext, error) {
	if res := ValidateChannelBackup(b); !res.Valid {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBackup, res.Errors)
	}
	return &RestoreContext{
		Backup:      b,
		State:       RestorePending,
		LastAttempt: time.Now().UTC(),
	}, nil
}

// Advance moves the context one step forward. Skipping steps or moving
// out of a terminal state is an error.
func (r *Restorer) Advance(rc *RestoreContext, to RestoreState) error {
	rc.mx.Lock()
	defer rc.mx.Unlock()

	if restoreOrder[rc.State] != to {
		return fmt.Errorf("illegal restore transition %s -> %s", rc.State, to)
	}
	rc.State = to
	rc.LastAttempt = time.Now().UTC()

	log.Info().Str("channel", rc.Backup.ChannelID).Str("state", to.String()).
		Msg("restore advanced")
	return nil
}

// BeginSweep records the closing transaction and watches it; once it
// reaches the required depth the context completes on its own.
func (r *Restorer) BeginSweep(rc *RestoreContext, closingTxid string) error {
	if err := r.Advance(rc, RestoreSweeping); err != nil {
		return err
	}

	rc.mx.Lock()
	rc.ClosingTxid = closingTxid
	rc.mx.Unlock()

	cancel := r.chain.MonitorFundingTx(closingTxid, 0, r.minConf, func(height uint32) {
		if err := r.Advance(rc, RestoreRestored); err != nil {
			log.Warn().Err(err).Str("channel", rc.Backup.ChannelID).
				Msg("failed to finish restore after sweep confirmation")
			return
		}
		log.Info().Str("channel", rc.Backup.ChannelID).Uint32("height", height).
			Msg("channel funds restored")
	})

	rc.mx.Lock()
	rc.cancelSweep = cancel
	rc.mx.Unlock()
	return nil
}

// Fail marks the context failed and counts the attempt. Failing twice
// only records the newer error.
func (r *Restorer) Fail(rc *RestoreContext, cause error) {
	rc.mx.Lock()
	defer rc.mx.Unlock()

	if rc.cancelSweep != nil {
		rc.cancelSweep()
		rc.cancelSweep = nil
	}
	if rc.State != RestoreFailed {
		rc.Attempts++
	}
	rc.State = RestoreFailed
	rc.LastAttempt = time.Now().UTC()
	if cause != nil {
		rc.Error = cause.Error()
	}

	log.Warn().Err(cause).Str("channel", rc.Backup.ChannelID).
		Int("attempts", rc.Attempts).Msg("restore failed")
}

// Retry resets a failed context to pending for another pass.
func (r *Restorer) Retry(rc *RestoreContext) error {
	rc.mx.Lock()
	defer rc.mx.Unlock()

	if rc.State != RestoreFailed {
		return fmt.Errorf("cannot retry restore in state %s", rc.State)
	}
	rc.State = RestorePending
	rc.Error = ""
	rc.ClosingTxid = ""
	rc.LastAttempt = time.Now().UTC()
	return nil
}

// CurrentState reads the state under the context lock.
func (rc *RestoreContext) CurrentState() RestoreState {
	rc.mx.Lock()
	defer rc.mx.Unlock()
	return rc.State
}

// RestoreSummary aggregates per-state counts for progress reporting.
type RestoreSummary struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Restored   int `json:"restored"`
	Failed     int `json:"failed"`
}

func CreateRestoreSummary(contexts []*RestoreContext) RestoreSummary {
	s := RestoreSummary{Total: len(contexts)}
	for _, rc := range contexts {
		switch rc.CurrentState() {
		case RestorePending:
			s.Pending++
		case RestoreRestored:
			s.Restored++
		case RestoreFailed:
			s.Failed++
		default:
			s.InProgress++
		}
	}
	return s
}
