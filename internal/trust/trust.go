// Package trust binds the anti-cheat validator, commitment engine, roster
// state machine, and transaction tracker into the surface the rest of the
// game talks to. Every ledger-bound operation validates first, submits
// second, and mutates local state in step with the transaction outcome.
package trust

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/oakmont-games/warden/internal/anticheat"
	"github.com/oakmont-games/warden/internal/commitment"
	"github.com/oakmont-games/warden/internal/game/roster"
	"github.com/oakmont-games/warden/internal/game/stats"
	"github.com/oakmont-games/warden/internal/ledger"
	"github.com/oakmont-games/warden/internal/txtracker"
)

// ErrRejected is returned when the validation pipeline refuses an action.
var ErrRejected = errors.New("rejected by validation")

// ErrUnknownActor is returned when no roster is registered for an actor.
var ErrUnknownActor = errors.New("unknown actor")

// ErrNoCommitment is returned when a session has no stat commitment to
// prove against.
var ErrNoCommitment = errors.New("no commitment for session")

// initPayload is the ledger payload of a session-init transaction.
type initPayload struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	ActorID     string `json:"actor_id"`
	StatsDigest string `json:"stats_digest"`
}

// actionPayload is the ledger payload of a combat-action transaction.
type actionPayload struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	ActorID    string `json:"actor_id"`
	Action     string `json:"action"`
	Turn       int    `json:"turn"`
	ProofToken string `json:"proof_token,omitempty"`
	Proof      string `json:"proof,omitempty"`
}

// switchPayload is the ledger payload of a monster-switch transaction.
type switchPayload struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ActorID   string `json:"actor_id"`
	FromID    string `json:"from_id"`
	ToID      string `json:"to_id"`
	AtBlock   uint64 `json:"at_block"`
}

// Manager is the trust facade. Safe for concurrent use; operations for the
// same actor serialize on a per-actor mutex so their transactions reach
// the ledger in order.
type Manager struct {
	validator *anticheat.Validator
	tracker   *txtracker.Tracker
	client    ledger.Client
	proofs    ledger.ProofBackend
	nonces    commitment.NonceSource
	logger    *zap.Logger

	mu          sync.Mutex
	rosters     map[string]*roster.Roster
	commitments map[string]commitment.Commitment
	actorLocks  map[string]*sync.Mutex
}

// New creates a Manager.
//
// Precondition: validator, tracker, client, and logger must be non-nil.
// Postcondition: Returns a Manager with no registered rosters.
func New(validator *anticheat.Validator, tracker *txtracker.Tracker, client ledger.Client, proofs ledger.ProofBackend, nonces commitment.NonceSource, logger *zap.Logger) *Manager {
	if nonces == nil {
		nonces = commitment.CryptoNonceSource{}
	}
	return &Manager{
		validator:   validator,
		tracker:     tracker,
		client:      client,
		proofs:      proofs,
		nonces:      nonces,
		logger:      logger,
		rosters:     make(map[string]*roster.Roster),
		commitments: make(map[string]commitment.Commitment),
		actorLocks:  make(map[string]*sync.Mutex),
	}
}

// RegisterRoster creates and registers a roster for an actor, replacing
// any previous one.
func (m *Manager) RegisterRoster(actorID string, opts roster.Options) *roster.Roster {
	r := roster.New(opts)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rosters[actorID] = r
	return r
}

// Roster returns the actor's roster.
func (m *Manager) Roster(actorID string) (*roster.Roster, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rosters[actorID]
	return r, ok
}

// Active returns the actor's active combatant.
func (m *Manager) Active(actorID string) (*roster.Slot, bool) {
	r, ok := m.Roster(actorID)
	if !ok {
		return nil, false
	}
	return r.Active()
}

// Bench returns the actor's benched combatants.
func (m *Manager) Bench(actorID string) []*roster.Slot {
	r, ok := m.Roster(actorID)
	if !ok {
		return nil
	}
	return r.Bench()
}

// Transaction returns a tracked transaction by id.
func (m *Manager) Transaction(id string) (txtracker.Transaction, bool) {
	return m.tracker.Get(id)
}

// Subscribe registers a listener for every transaction transition.
func (m *Manager) Subscribe(fn txtracker.Listener) func() {
	return m.tracker.Subscribe(fn)
}

// actorLock returns the serialization mutex for an actor.
func (m *Manager) actorLock(actorID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.actorLocks[actorID]
	if !ok {
		lock = &sync.Mutex{}
		m.actorLocks[actorID] = lock
	}
	return lock
}

// ValidateAction runs the anti-cheat pipeline against a request, filling
// in the chain head.
//
// Postcondition: Returns the pipeline verdict; the error is non-nil only
// for infrastructure failures.
func (m *Manager) ValidateAction(ctx context.Context, req anticheat.Request) (anticheat.Result, error) {
	head, err := m.client.CurrentBlock(ctx)
	if err != nil {
		return anticheat.Result{}, fmt.Errorf("fetching chain head: %w", err)
	}
	req.CurrentBlock = head
	return m.validator.Validate(ctx, req)
}

// SubmitInit opens a session: it commits to the actor's stat vector,
// starts the roster session, and publishes the commitment digest to the
// ledger. The returned Commitment carries the nonce the actor needs for
// the later reveal; only the digest leaves the process.
//
// Precondition: the actor must have a registered roster; v must pass
// commitment input validation.
// Postcondition: On error no session is active and nothing was submitted.
func (m *Manager) SubmitInit(ctx context.Context, actorID, sessionID string, v stats.Vector) (string, commitment.Commitment, error) {
	lock := m.actorLock(actorID)
	lock.Lock()
	defer lock.Unlock()

	r, ok := m.Roster(actorID)
	if !ok {
		return "", commitment.Commitment{}, fmt.Errorf("%w: %q", ErrUnknownActor, actorID)
	}

	nonce, err := m.nonces.Nonce()
	if err != nil {
		return "", commitment.Commitment{}, fmt.Errorf("generating nonce: %w", err)
	}
	c, err := commitment.Commit(v, nonce)
	if err != nil {
		return "", commitment.Commitment{}, err
	}

	if err := r.StartSession(sessionID); err != nil {
		return "", commitment.Commitment{}, err
	}
	m.mu.Lock()
	m.commitments[sessionID] = c
	m.mu.Unlock()

	payload, err := json.Marshal(initPayload{
		Type:        "init",
		SessionID:   sessionID,
		ActorID:     actorID,
		StatsDigest: hex.EncodeToString(c.StatsDigest[:]),
	})
	if err != nil {
		m.abortSession(r, sessionID)
		return "", commitment.Commitment{}, fmt.Errorf("encoding init payload: %w", err)
	}

	id, err := m.tracker.Submit(ctx, txtracker.KindInit, sessionID, payload)
	if err != nil {
		m.abortSession(r, sessionID)
		return id, commitment.Commitment{}, err
	}
	if err := m.tracker.Monitor(ctx, id); err != nil {
		return id, c, err
	}

	m.logger.Info("session init submitted",
		zap.String("actor_id", actorID),
		zap.String("session_id", sessionID),
		zap.String("tx_id", id),
	)
	return id, c, nil
}

// abortSession unwinds a session that never reached the ledger.
func (m *Manager) abortSession(r *roster.Roster, sessionID string) {
	r.EndSession()
	m.mu.Lock()
	delete(m.commitments, sessionID)
	m.mu.Unlock()
}

// SubmitAction validates a combat action, attaches an action proof when
// one is still required, and submits it to the ledger.
//
// Precondition: the session must have been opened with SubmitInit.
// Postcondition: On rejection or submission failure no state beyond
// audit and rate-limit counters has changed.
func (m *Manager) SubmitAction(ctx context.Context, req anticheat.Request, privateRoll []byte) (string, commitment.ActionProof, error) {
	lock := m.actorLock(req.ActorID)
	lock.Lock()
	defer lock.Unlock()

	res, err := m.ValidateAction(ctx, req)
	if err != nil {
		return "", commitment.ActionProof{}, err
	}
	if !res.Accepted {
		return "", commitment.ActionProof{}, fmt.Errorf("%w: %s: %s", ErrRejected, res.Stage, res.Reason)
	}

	var proof commitment.ActionProof
	var external []byte
	if res.ProofRequired {
		m.mu.Lock()
		opp, ok := m.commitments[req.SessionID]
		m.mu.Unlock()
		if !ok {
			return "", commitment.ActionProof{}, fmt.Errorf("%w: %q", ErrNoCommitment, req.SessionID)
		}
		proof, err = commitment.ProveAction(req.SessionID, req.Action, req.Stats, opp, privateRoll, req.Session.Turn)
		if err != nil {
			return "", commitment.ActionProof{}, fmt.Errorf("building action proof: %w", err)
		}
		if m.proofs != nil {
			external, err = m.proofs.GenerateProof(ctx, "combat_action",
				map[string]any{
					"damage_roll":  req.DamageRoll,
					"crit_chance":  req.CritChance,
					"seed_player":  req.SeedPlayer,
					"seed_monster": req.SeedMonster,
				},
				map[string]any{
					"session_id": req.SessionID,
					"action":     req.Action,
					"turn":       req.Session.Turn,
				},
			)
			if err != nil {
				return "", proof, fmt.Errorf("generating external proof: %w", err)
			}
		}
	}

	payload, err := json.Marshal(actionPayload{
		Type:       "action",
		SessionID:  req.SessionID,
		ActorID:    req.ActorID,
		Action:     req.Action,
		Turn:       req.Session.Turn,
		ProofToken: hex.EncodeToString(proof.Token[:]),
		Proof:      hex.EncodeToString(external),
	})
	if err != nil {
		return "", proof, fmt.Errorf("encoding action payload: %w", err)
	}

	id, err := m.tracker.Submit(ctx, txtracker.KindAction, req.SessionID, payload)
	if err != nil {
		return id, proof, err
	}
	if err := m.tracker.Monitor(ctx, id); err != nil {
		return id, proof, err
	}
	return id, proof, nil
}

// SubmitSwitch checks switch legality, applies the switch optimistically,
// and submits it. If the transaction fails or times out the roster is
// restored to its pre-switch snapshot.
//
// Precondition: a session must be active on the actor's roster.
// Postcondition: The roster reflects the switch only while the
// transaction is in flight or confirmed.
func (m *Manager) SubmitSwitch(ctx context.Context, actorID, toID string, atBlock uint64) (string, error) {
	lock := m.actorLock(actorID)
	lock.Lock()
	defer lock.Unlock()

	r, ok := m.Roster(actorID)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownActor, actorID)
	}
	active, ok := r.Active()
	if !ok {
		return "", roster.ErrSlotNotFound
	}
	if legal, err := r.CanSwitch(toID, atBlock); !legal {
		return "", err
	}

	snap := r.Snapshot()
	if err := r.Switch(active.ID, toID, atBlock); err != nil {
		return "", err
	}

	payload, err := json.Marshal(switchPayload{
		Type:      "switch",
		SessionID: r.SessionID(),
		ActorID:   actorID,
		FromID:    active.ID,
		ToID:      toID,
		AtBlock:   atBlock,
	})
	if err != nil {
		m.restore(r, snap, actorID)
		return "", fmt.Errorf("encoding switch payload: %w", err)
	}

	id, err := m.tracker.Submit(ctx, txtracker.KindSwitch, r.SessionID(), payload)
	if err != nil {
		m.restore(r, snap, actorID)
		return id, err
	}

	var unsub func()
	unsub = m.tracker.Subscribe(func(ev txtracker.Event) {
		if ev.Transaction.ID != id || !ev.Transaction.Status.Terminal() {
			return
		}
		if ev.Transaction.Status != txtracker.StatusConfirmed {
			m.restore(r, snap, actorID)
			m.logger.Warn("switch rolled back",
				zap.String("actor_id", actorID),
				zap.String("tx_id", id),
				zap.String("status", string(ev.Transaction.Status)),
			)
		}
		unsub()
	})

	if err := m.tracker.Monitor(ctx, id); err != nil {
		return id, err
	}
	return id, nil
}

// restore puts a roster back to a snapshot, logging if the snapshot
// itself no longer satisfies the invariant.
func (m *Manager) restore(r *roster.Roster, snap roster.Snapshot, actorID string) {
	if err := r.Restore(snap); err != nil {
		m.logger.Error("roster restore failed",
			zap.String("actor_id", actorID),
			zap.Error(err),
		)
	}
}

// Reveal checks a stat vector and nonce against the session's commitment
// and marks it revealed on success.
//
// Postcondition: Returns true exactly when (v, nonce) reproduce the
// committed digest; a failed reveal leaves the commitment unrevealed.
func (m *Manager) Reveal(sessionID string, v stats.Vector, nonce []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commitments[sessionID]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrNoCommitment, sessionID)
	}
	if !commitment.Reveal(c, v, nonce) {
		return false, nil
	}
	c.Revealed = true
	m.commitments[sessionID] = c
	return true, nil
}

// ConfirmSessionState records the session's post-action state for the
// integrity check and restarts the turn deadline, called after a state
// change confirms on the ledger.
func (m *Manager) ConfirmSessionState(sessionID string, view anticheat.SessionView) {
	m.validator.RecordSessionState(sessionID, view)
	m.validator.ResetTurn(sessionID)
}

// EndSession closes the actor's session everywhere: roster counters,
// validator state, and the stored commitment.
func (m *Manager) EndSession(actorID, sessionID string) {
	lock := m.actorLock(actorID)
	lock.Lock()
	defer lock.Unlock()

	if r, ok := m.Roster(actorID); ok {
		r.EndSession()
	}
	m.validator.EndSession(sessionID)
	m.mu.Lock()
	delete(m.commitments, sessionID)
	m.mu.Unlock()
}
