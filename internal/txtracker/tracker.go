// Package txtracker owns the lifecycle of every transaction the trust
// layer sends to the ledger: pending → submitted → confirmed/failed, with
// policy timeouts and garbage collection of terminal records. Status
// transitions fan out to subscribers without back-pressure.
package txtracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oakmont-games/warden/internal/ledger"
)

// Kind classifies what a transaction carries.
type Kind string

// Transaction kinds.
const (
	KindAction Kind = "action"
	KindSwitch Kind = "switch"
	KindInit   Kind = "init"
)

// Status is a transaction's lifecycle state.
type Status string

// Lifecycle states. Confirmed, failed, and timeout are terminal.
const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// ErrNotFound is returned when a transaction lookup yields no results.
var ErrNotFound = errors.New("transaction not found")

// ErrTerminal is returned when a transition is attempted from a terminal state.
var ErrTerminal = errors.New("transaction is in a terminal state")

// ErrNotSubmitted is returned by Monitor for transactions that never
// reached the network.
var ErrNotSubmitted = errors.New("transaction was not submitted")

// Transaction is one tracked ledger submission.
type Transaction struct {
	// ID is the tracker-assigned UUID.
	ID string
	// Kind classifies the payload.
	Kind Kind
	// SessionID scopes the transaction to a combat session.
	SessionID string
	// SubmittedHash is the network-assigned handle, set once submitted.
	SubmittedHash string
	// CreatedAt is when the record was created.
	CreatedAt time.Time
	// RetryCount is how many times the caller resubmitted this payload.
	RetryCount int
	// Status is the current lifecycle state.
	Status Status
	// BlockNumber is the inclusion block, set on confirmation.
	BlockNumber uint64
	// CostUnits is the execution cost, set on confirmation.
	CostUnits uint64
	// ErrorMessage captures the failure reason for failed/timeout records.
	ErrorMessage string
	// TerminalAt is when the record entered a terminal state.
	TerminalAt time.Time
}

// Config tunes the tracker's timers.
type Config struct {
	// SubmitTimeout bounds how long a record may stay non-terminal.
	SubmitTimeout time.Duration
	// Retention is how long terminal records are kept before GC.
	Retention time.Duration
	// SweepInterval is the period of the GC sweep loop.
	SweepInterval time.Duration
	// PollInterval is the confirmation polling period.
	PollInterval time.Duration
	// SubscriberBuffer is the per-subscriber event channel capacity.
	SubscriberBuffer int
}

// DefaultConfig returns the standard tracker tuning.
func DefaultConfig() Config {
	return Config{
		SubmitTimeout:    30 * time.Second,
		Retention:        time.Hour,
		SweepInterval:    10 * time.Second,
		PollInterval:     2 * time.Second,
		SubscriberBuffer: 64,
	}
}

// Tracker is the transaction lifecycle state machine. All methods are safe
// for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	txs    map[string]*Transaction
	client ledger.Client
	logger *zap.Logger
	cfg    Config

	subMu   sync.Mutex
	subs    map[uint64]*subscriber
	nextSub uint64

	// now is swapped out in tests to drive timeouts deterministically.
	now func() time.Time
}

// New creates a Tracker submitting through client.
//
// Precondition: client and logger must be non-nil; zero cfg fields fall
// back to DefaultConfig values.
func New(client ledger.Client, logger *zap.Logger, cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = def.SubmitTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	return &Tracker{
		txs:    make(map[string]*Transaction),
		client: client,
		logger: logger,
		cfg:    cfg,
		subs:   make(map[uint64]*subscriber),
		now:    time.Now,
	}
}

// Submit creates a pending record and attempts network submission. On
// network success the record moves to submitted with the assigned handle;
// on failure it moves directly to failed with the error captured, and any
// optimistic local state the caller applied must be rolled back by the
// caller.
//
// Postcondition: Returns the transaction id in both cases; err is non-nil
// exactly when the record ended up failed.
func (t *Tracker) Submit(ctx context.Context, kind Kind, sessionID string, payload []byte) (string, error) {
	tx := &Transaction{
		ID:        uuid.NewString(),
		Kind:      kind,
		SessionID: sessionID,
		CreatedAt: t.now(),
		Status:    StatusPending,
	}

	t.mu.Lock()
	t.txs[tx.ID] = tx
	snapshot := *tx
	t.mu.Unlock()
	t.publish(snapshot, "")

	handle, err := t.client.SubmitTransaction(ctx, payload)
	if err != nil {
		t.transition(tx.ID, StatusFailed, func(rec *Transaction) {
			rec.ErrorMessage = err.Error()
		})
		return tx.ID, fmt.Errorf("submitting transaction: %w", err)
	}

	if terr := t.transition(tx.ID, StatusSubmitted, func(rec *Transaction) {
		rec.SubmittedHash = handle
	}); terr != nil {
		// The sweeper timed the record out between creation and the network
		// reply; the network transaction may still land but the record stays
		// terminal.
		return tx.ID, terr
	}
	return tx.ID, nil
}

// Retry resubmits the payload of a failed or timed-out transaction as a
// fresh record, linking the attempt count.
//
// Postcondition: Returns a new transaction id with RetryCount incremented
// from the original, or ErrNotFound.
func (t *Tracker) Retry(ctx context.Context, id string, payload []byte) (string, error) {
	t.mu.Lock()
	orig, ok := t.txs[id]
	if !ok {
		t.mu.Unlock()
		return "", fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if orig.Status != StatusFailed && orig.Status != StatusTimeout {
		t.mu.Unlock()
		return "", fmt.Errorf("transaction %q is %s, only failed or timed-out records can be retried", id, orig.Status)
	}
	kind, sessionID, retries := orig.Kind, orig.SessionID, orig.RetryCount
	t.mu.Unlock()

	newID, err := t.Submit(ctx, kind, sessionID, payload)
	t.mu.Lock()
	if rec, ok := t.txs[newID]; ok {
		rec.RetryCount = retries + 1
	}
	t.mu.Unlock()
	return newID, err
}

// Monitor begins asynchronous confirmation watching for a submitted
// transaction, polling the ledger until it confirms or fails. The watch
// goroutine exits when the record reaches a terminal state or ctx is done.
//
// Precondition: the record must exist and be in the submitted state.
func (t *Tracker) Monitor(ctx context.Context, id string) error {
	t.mu.Lock()
	tx, ok := t.txs[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if tx.Status != StatusSubmitted {
		t.mu.Unlock()
		return fmt.Errorf("%w: %q is %s", ErrNotSubmitted, id, tx.Status)
	}
	handle := tx.SubmittedHash
	t.mu.Unlock()

	go t.watch(ctx, id, handle)
	return nil
}

// watch polls the ledger client until the record goes terminal.
func (t *Tracker) watch(ctx context.Context, id, handle string) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if tx, ok := t.Get(id); !ok || tx.Status.Terminal() {
			return
		}

		status, err := t.client.TransactionStatus(ctx, handle)
		if err != nil {
			t.logger.Warn("confirmation poll failed",
				zap.String("tx_id", id),
				zap.Error(err),
			)
			continue
		}

		switch status.State {
		case ledger.StateConfirmed:
			_ = t.transition(id, StatusConfirmed, func(rec *Transaction) {
				rec.BlockNumber = status.BlockNumber
				rec.CostUnits = status.CostUnits
			})
			return
		case ledger.StateFailed:
			_ = t.transition(id, StatusFailed, func(rec *Transaction) {
				rec.ErrorMessage = status.ErrorMessage
			})
			return
		case ledger.StatePending:
			// Keep polling.
		}
	}
}

// Cancel aborts a transaction that has not yet reached the network.
//
// Postcondition: Returns true and marks the record failed when it was
// pending; returns false once submitted (a sent transaction cannot be
// unsent) or for unknown ids.
func (t *Tracker) Cancel(id string) bool {
	t.mu.Lock()
	tx, ok := t.txs[id]
	if !ok || tx.Status != StatusPending {
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()

	err := t.transition(id, StatusFailed, func(rec *Transaction) {
		rec.ErrorMessage = "cancelled by caller"
	})
	return err == nil
}

// Get returns a copy of the transaction record.
//
// Postcondition: Returns (tx, true) if found, or (zero, false) otherwise.
func (t *Tracker) Get(id string) (Transaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tx, ok := t.txs[id]
	if !ok {
		return Transaction{}, false
	}
	return *tx, true
}

// BySession returns copies of all records for the given session.
func (t *Tracker) BySession(sessionID string) []Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Transaction
	for _, tx := range t.txs {
		if tx.SessionID == sessionID {
			out = append(out, *tx)
		}
	}
	return out
}

// Len returns the number of tracked records.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.txs)
}

// transition moves a record to next, applying mutate under the lock, and
// publishes the change. Terminal records are immutable.
func (t *Tracker) transition(id string, next Status, mutate func(*Transaction)) error {
	t.mu.Lock()
	tx, ok := t.txs[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if tx.Status.Terminal() {
		t.mu.Unlock()
		return fmt.Errorf("%w: %q is %s", ErrTerminal, id, tx.Status)
	}
	prev := tx.Status
	tx.Status = next
	if mutate != nil {
		mutate(tx)
	}
	if next.Terminal() {
		tx.TerminalAt = t.now()
	}
	snapshot := *tx
	t.mu.Unlock()

	t.publish(snapshot, prev)
	return nil
}

// Sweep flags overdue non-terminal records as timed out and removes
// terminal records older than the retention window.
//
// Postcondition: Returns the number of records timed out and removed.
func (t *Tracker) Sweep() (timedOut, removed int) {
	now := t.now()

	t.mu.Lock()
	var overdue []string
	var expired []string
	for id, tx := range t.txs {
		switch {
		case !tx.Status.Terminal() && now.Sub(tx.CreatedAt) > t.cfg.SubmitTimeout:
			overdue = append(overdue, id)
		case tx.Status.Terminal() && now.Sub(tx.TerminalAt) > t.cfg.Retention:
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(t.txs, id)
	}
	t.mu.Unlock()

	for _, id := range overdue {
		if err := t.transition(id, StatusTimeout, func(rec *Transaction) {
			rec.ErrorMessage = "no confirmation within the submission timeout"
		}); err == nil {
			timedOut++
		}
	}
	removed = len(expired)

	if timedOut > 0 || removed > 0 {
		t.logger.Info("sweep completed",
			zap.Int("timed_out", timedOut),
			zap.Int("removed", removed),
		)
	}
	return timedOut, removed
}

// RunSweeper runs the periodic GC sweep until ctx is done. It is intended
// to run under the server lifecycle manager.
func (t *Tracker) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Sweep()
		}
	}
}
