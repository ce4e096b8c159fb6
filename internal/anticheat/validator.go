// Package anticheat validates combat actions before they reach the ledger.
// A fixed, ordered pipeline of checks runs against per-actor history and
// session state; the first failing stage short-circuits and may record a
// security audit. Critical observations put the actor under a temporary ban.
package anticheat

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/oakmont-games/warden/internal/game/stats"
	"github.com/oakmont-games/warden/internal/ledger"
)

// Stage names, reported on rejection in pipeline order.
const (
	StageBan          = "ban"
	StageRateLimit    = "rate_limit"
	StageTurnTimeout  = "turn_timeout"
	StageRandomness   = "randomness"
	StageReplay       = "replay"
	StageTimestamp    = "timestamp"
	StageStatBounds   = "stat_bounds"
	StageDamageBounds = "damage_bounds"
	StageIntegrity    = "session_integrity"
	StageSequence     = "sequence"
	StageLiveness     = "session_liveness"
	StageCustomRule   = "custom_rule"
)

// StatBounds bounds a combatant's stat vector.
type StatBounds struct {
	// HealthMin is the minimum allowed health stat.
	HealthMin int
	// HealthMax is the maximum allowed health stat.
	HealthMax int
	// SecondaryMin is the minimum for each secondary stat.
	SecondaryMin int
	// SecondaryMax is the maximum for each secondary stat.
	SecondaryMax int
	// SecondarySumMax caps the sum of all secondary stats.
	SecondarySumMax int
}

// DefaultStatBounds returns the standard competitive bounds.
func DefaultStatBounds() StatBounds {
	return StatBounds{
		HealthMin:       50,
		HealthMax:       500,
		SecondaryMin:    5,
		SecondaryMax:    100,
		SecondarySumMax: 400,
	}
}

// Limits holds every tunable of the validation pipeline.
type Limits struct {
	// MaxActionsPerWindow is the rate limit per rolling window.
	MaxActionsPerWindow int
	// RateWindow is the rolling rate-limit window duration.
	RateWindow time.Duration
	// MaxFastActions is how many under-spaced actions are tolerated per window.
	MaxFastActions int
	// MinBlockSpacing is the minimum block delta between consecutive actions.
	MinBlockSpacing uint64
	// TurnTimeout is the per-turn action deadline.
	TurnTimeout time.Duration
	// BanDuration is how long a critical audit bans an actor.
	BanDuration time.Duration
	// BlockTime is the assumed wall-clock spacing between blocks.
	BlockTime time.Duration
	// TimestampPast is how far in the past a client timestamp may lie.
	TimestampPast time.Duration
	// TimestampFuture is how far in the future a client timestamp may lie.
	TimestampFuture time.Duration
	// BlockDrift is the allowed gap between a timestamp and its block's
	// estimated wall-clock time.
	BlockDrift time.Duration
	// DuplicateWindow rejects an identical action repeated within it.
	DuplicateWindow time.Duration
	// FrequencyFloor rejects any action arriving within it of the previous one.
	FrequencyFloor time.Duration
	// DamageRollMax is the maximum deterministic damage roll.
	DamageRollMax int
	// CritChanceMax is the maximum critical chance.
	CritChanceMax int
	// Bounds bounds the actor's stat vector.
	Bounds StatBounds
}

// DefaultLimits returns the standard pipeline tuning.
func DefaultLimits() Limits {
	return Limits{
		MaxActionsPerWindow: 8,
		RateWindow:          60 * time.Second,
		MaxFastActions:      3,
		MinBlockSpacing:     2,
		TurnTimeout:         30 * time.Second,
		BanDuration:         15 * time.Minute,
		BlockTime:           2 * time.Second,
		TimestampPast:       5 * time.Minute,
		TimestampFuture:     30 * time.Second,
		BlockDrift:          30 * time.Second,
		DuplicateWindow:     time.Second,
		FrequencyFloor:      500 * time.Millisecond,
		DamageRollMax:       100,
		CritChanceMax:       50,
		Bounds:              DefaultStatBounds(),
	}
}

// SessionView is the caller's view of session state, hashed for the
// integrity check.
type SessionView struct {
	// PlayerHealth is the actor's current health.
	PlayerHealth int
	// MonsterHealth is the opponent's current health.
	MonsterHealth int
	// Turn is the current turn number.
	Turn int
	// IsActive reports whether the session is still running.
	IsActive bool
}

// Request is one action presented for validation.
type Request struct {
	// ActorID identifies the acting player.
	ActorID string
	// SessionID identifies the combat session.
	SessionID string
	// Action is the action name.
	Action string
	// Stats is the actor's claimed stat vector.
	Stats stats.Vector
	// DamageRoll is the deterministic damage roll.
	DamageRoll int
	// CritChance is the critical chance.
	CritChance int
	// SeedPlayer is the actor's secret seed.
	SeedPlayer uint64
	// SeedMonster is the opponent's secret seed.
	SeedMonster uint64
	// Timestamp is the client-supplied wall-clock time.
	Timestamp time.Time
	// BlockNumber is the randomness-source block height.
	BlockNumber uint64
	// BlockHash is the randomness-source block hash.
	BlockHash string
	// CurrentBlock is the chain head at validation time.
	CurrentBlock ledger.Block
	// Session is the caller's view of session state.
	Session SessionView
	// ProofAttached reports whether an action proof accompanies the request.
	ProofAttached bool
}

// Result is the pipeline's verdict.
type Result struct {
	// Accepted is true when every stage passed.
	Accepted bool
	// Stage names the failing stage; empty when accepted.
	Stage string
	// Reason describes the rejection; empty when accepted.
	Reason string
	// ProofRequired is true when the action still needs an external proof.
	ProofRequired bool
}

// Stores bundles the validator's state backends. Nil fields fall back to
// in-memory implementations.
type Stores struct {
	Rates     RateLimitStore
	Audits    AuditStore
	Integrity IntegrityStore
	Replays   ReplayStore
}

// violation is one stage's rejection before it becomes a Result.
type violation struct {
	stage  string
	reason string
	risk   RiskLevel
}

// Validator runs the anti-cheat pipeline. Safe for concurrent use.
type Validator struct {
	mu        sync.Mutex
	limits    Limits
	stores    Stores
	sessions  ledger.SessionReader
	rules     *RuleSet
	logger    *zap.Logger
	bans      map[string]time.Time
	deadlines map[string]time.Time
	now       func() time.Time
}

// New creates a Validator.
//
// Precondition: sessions and logger must be non-nil.
// Postcondition: Returns a Validator with in-memory stores for any nil
// Stores field.
func New(limits Limits, stores Stores, sessions ledger.SessionReader, logger *zap.Logger) *Validator {
	if stores.Rates == nil {
		stores.Rates = NewMemRateLimitStore()
	}
	if stores.Audits == nil {
		stores.Audits = NewMemAuditStore()
	}
	if stores.Integrity == nil {
		stores.Integrity = NewMemIntegrityStore()
	}
	if stores.Replays == nil {
		stores.Replays = NewMemReplayStore()
	}
	return &Validator{
		limits:    limits,
		stores:    stores,
		sessions:  sessions,
		logger:    logger,
		bans:      make(map[string]time.Time),
		deadlines: make(map[string]time.Time),
		now:       time.Now,
	}
}

// SetRules installs optional operator deny rules evaluated as the final stage.
func (v *Validator) SetRules(rules *RuleSet) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rules = rules
}

// Validate runs the full pipeline against one request. The returned error
// is non-nil only for infrastructure failures (store or session lookup);
// every business violation is reported through the Result.
//
// Precondition: req.ActorID and req.SessionID must be non-empty.
// Postcondition: Rate-limit and audit state reflect this attempt whether
// or not it was accepted.
func (v *Validator) Validate(ctx context.Context, req Request) (Result, error) {
	now := v.now()

	if until, banned := v.banExpiry(req.ActorID, now); banned {
		return Result{
			Accepted: false,
			Stage:    StageBan,
			Reason:   fmt.Sprintf("actor banned until %s", until.Format(time.RFC3339)),
		}, nil
	}

	prev, hadWindow := v.stores.Rates.Window(req.ActorID)
	if viol := v.checkRateLimit(req, prev, hadWindow, now); viol != nil {
		return v.reject(ctx, req, viol, now), nil
	}
	if viol := v.checkTurnDeadline(req.SessionID, now); viol != nil {
		return v.reject(ctx, req, viol, now), nil
	}
	if viol := v.checkRandomness(req); viol != nil {
		return v.reject(ctx, req, viol, now), nil
	}
	if viol := v.checkReplay(req); viol != nil {
		return v.reject(ctx, req, viol, now), nil
	}
	if viol := v.checkTimestamp(req, now); viol != nil {
		return v.reject(ctx, req, viol, now), nil
	}
	if reasons := ValidatePlayerStats(v.limits.Bounds, req.Stats); len(reasons) > 0 {
		viol := &violation{
			stage:  StageStatBounds,
			reason: "stat bounds violated: " + strings.Join(reasons, "; "),
			risk:   RiskMedium,
		}
		return v.reject(ctx, req, viol, now), nil
	}
	if viol := v.checkDamageInputs(req); viol != nil {
		return v.reject(ctx, req, viol, now), nil
	}
	if viol := v.checkSessionIntegrity(req); viol != nil {
		return v.reject(ctx, req, viol, now), nil
	}
	if viol := v.checkSequence(req, prev, hadWindow, now); viol != nil {
		return v.reject(ctx, req, viol, now), nil
	}
	viol, err := v.checkLiveness(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if viol != nil {
		return v.reject(ctx, req, viol, now), nil
	}
	if viol := v.checkRules(req); viol != nil {
		return v.reject(ctx, req, viol, now), nil
	}

	return Result{Accepted: true, ProofRequired: !req.ProofAttached}, nil
}

// reject records the audit trail for a violation, bans the actor on
// critical risk, and converts the violation into a Result.
func (v *Validator) reject(ctx context.Context, req Request, viol *violation, now time.Time) Result {
	entry := SecurityAudit{
		ActorID:     req.ActorID,
		SessionID:   req.SessionID,
		Activities:  []string{viol.reason},
		Risk:        viol.risk,
		ObservedAt:  now,
		BlockNumber: req.BlockNumber,
	}
	if err := v.stores.Audits.Append(ctx, entry); err != nil {
		v.logger.Error("failed to append security audit",
			zap.String("actor_id", req.ActorID),
			zap.Error(err),
		)
	}

	if viol.risk == RiskCritical {
		until := now.Add(v.limits.BanDuration)
		v.mu.Lock()
		v.bans[req.ActorID] = until
		v.mu.Unlock()
		v.logger.Warn("actor banned",
			zap.String("actor_id", req.ActorID),
			zap.String("reason", viol.reason),
			zap.Time("until", until),
		)
	}

	v.logger.Info("action rejected",
		zap.String("actor_id", req.ActorID),
		zap.String("session_id", req.SessionID),
		zap.String("stage", viol.stage),
		zap.String("reason", viol.reason),
	)
	return Result{Accepted: false, Stage: viol.stage, Reason: viol.reason}
}

// banExpiry reports whether the actor is currently banned, clearing
// expired bans as a side effect.
func (v *Validator) banExpiry(actorID string, now time.Time) (time.Time, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	until, ok := v.bans[actorID]
	if !ok {
		return time.Time{}, false
	}
	if now.After(until) {
		delete(v.bans, actorID)
		return time.Time{}, false
	}
	return until, true
}

// Banned reports whether the actor is under a temporary ban.
func (v *Validator) Banned(actorID string) (time.Time, bool) {
	return v.banExpiry(actorID, v.now())
}

// ResetTurn restarts the session's turn deadline, called when a new turn
// begins.
func (v *Validator) ResetTurn(sessionID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deadlines[sessionID] = v.now().Add(v.limits.TurnTimeout)
}

// RecordSessionState stores the integrity hash for the session's current
// state, called after a confirmed state change.
func (v *Validator) RecordSessionState(sessionID string, view SessionView) {
	v.stores.Integrity.Record(sessionID, sessionStateHash(sessionID, view))
}

// EndSession clears per-session validation state.
func (v *Validator) EndSession(sessionID string) {
	v.mu.Lock()
	delete(v.deadlines, sessionID)
	v.mu.Unlock()
	v.stores.Integrity.Clear(sessionID)
}

// Audits returns the actor's security audit trail, oldest first.
func (v *Validator) Audits(ctx context.Context, actorID string) ([]SecurityAudit, error) {
	return v.stores.Audits.ByActor(ctx, actorID)
}

// checkRateLimit enforces the rolling window, block monotonicity, and
// minimum block spacing, updating the actor's window whether or not the
// attempt passes.
func (v *Validator) checkRateLimit(req Request, prev Window, hadWindow bool, now time.Time) *violation {
	w := prev
	if !hadWindow {
		w = Window{ActorID: req.ActorID, WindowStart: now}
	}
	if now.Sub(w.WindowStart) >= v.limits.RateWindow {
		w.Count = 0
		w.FastActions = 0
		w.Limited = false
		w.WindowStart = now
	}
	w.Count++

	var viol *violation
	switch {
	case w.Count > v.limits.MaxActionsPerWindow:
		w.Limited = true
		viol = &violation{
			stage:  StageRateLimit,
			reason: fmt.Sprintf("rate limit exceeded: %d actions in window, max %d", w.Count, v.limits.MaxActionsPerWindow),
			risk:   RiskHigh,
		}
	case hadWindow && req.BlockNumber <= w.LastBlock:
		viol = &violation{
			stage:  StageRateLimit,
			reason: fmt.Sprintf("block height %d does not advance past %d", req.BlockNumber, w.LastBlock),
			risk:   RiskHigh,
		}
	case hadWindow && req.BlockNumber-w.LastBlock < v.limits.MinBlockSpacing:
		w.FastActions++
		if w.FastActions > v.limits.MaxFastActions {
			w.Limited = true
			viol = &violation{
				stage:  StageRateLimit,
				reason: fmt.Sprintf("%d under-spaced actions, max %d", w.FastActions, v.limits.MaxFastActions),
				risk:   RiskCritical,
			}
		}
	}

	if req.BlockNumber > w.LastBlock {
		w.LastBlock = req.BlockNumber
	}
	w.LastActionAt = now
	w.LastAction = req.Action
	v.stores.Rates.Put(w)
	return viol
}

// checkTurnDeadline enforces the per-session turn deadline. The first
// action for a session initializes the deadline.
func (v *Validator) checkTurnDeadline(sessionID string, now time.Time) *violation {
	v.mu.Lock()
	defer v.mu.Unlock()
	deadline, ok := v.deadlines[sessionID]
	if !ok {
		v.deadlines[sessionID] = now.Add(v.limits.TurnTimeout)
		return nil
	}
	if now.After(deadline) {
		return &violation{
			stage:  StageTurnTimeout,
			reason: fmt.Sprintf("turn deadline expired %s ago", now.Sub(deadline).Round(time.Millisecond)),
			risk:   RiskLow,
		}
	}
	return nil
}

// checkRandomness rejects malformed block hashes and reused randomness
// sources for the session.
func (v *Validator) checkRandomness(req Request) *violation {
	if !wellFormedHash(req.BlockHash) {
		return &violation{
			stage:  StageRandomness,
			reason: fmt.Sprintf("malformed block hash %q", req.BlockHash),
			risk:   RiskMedium,
		}
	}
	if v.stores.Replays.SeenRandomness(req.SessionID, req.BlockNumber, req.BlockHash) {
		return &violation{
			stage:  StageRandomness,
			reason: fmt.Sprintf("randomness source for block %d reused", req.BlockNumber),
			risk:   RiskHigh,
		}
	}
	v.stores.Replays.RecordRandomness(req.SessionID, req.BlockNumber, req.BlockHash)
	return nil
}

// checkReplay rejects a repeated (actor, session, timestamp, action) tuple.
func (v *Validator) checkReplay(req Request) *violation {
	key := fmt.Sprintf("%s|%s|%d|%s", req.ActorID, req.SessionID, req.Timestamp.UnixMilli(), req.Action)
	if v.stores.Replays.SeenAction(key) {
		return &violation{
			stage:  StageReplay,
			reason: "action tuple already seen",
			risk:   RiskHigh,
		}
	}
	v.stores.Replays.RecordAction(key)
	return nil
}

// checkTimestamp correlates the client timestamp with the server clock and
// with the supplied block height's estimated wall-clock time.
func (v *Validator) checkTimestamp(req Request, now time.Time) *violation {
	if req.Timestamp.Before(now.Add(-v.limits.TimestampPast)) {
		return &violation{
			stage:  StageTimestamp,
			reason: fmt.Sprintf("timestamp %s too far in the past", req.Timestamp.Format(time.RFC3339)),
			risk:   RiskMedium,
		}
	}
	if req.Timestamp.After(now.Add(v.limits.TimestampFuture)) {
		return &violation{
			stage:  StageTimestamp,
			reason: fmt.Sprintf("timestamp %s too far in the future", req.Timestamp.Format(time.RFC3339)),
			risk:   RiskMedium,
		}
	}
	if req.BlockNumber > 0 && req.CurrentBlock.Number > 0 {
		estimated := now
		if req.BlockNumber <= req.CurrentBlock.Number {
			estimated = now.Add(-time.Duration(req.CurrentBlock.Number-req.BlockNumber) * v.limits.BlockTime)
		} else {
			estimated = now.Add(time.Duration(req.BlockNumber-req.CurrentBlock.Number) * v.limits.BlockTime)
		}
		drift := req.Timestamp.Sub(estimated)
		if drift < 0 {
			drift = -drift
		}
		if drift > v.limits.BlockDrift {
			return &violation{
				stage:  StageTimestamp,
				reason: fmt.Sprintf("timestamp drifts %s from block %d", drift.Round(time.Millisecond), req.BlockNumber),
				risk:   RiskMedium,
			}
		}
	}
	return nil
}

// checkDamageInputs bounds the deterministic damage inputs.
func (v *Validator) checkDamageInputs(req Request) *violation {
	var reasons []string
	if req.DamageRoll < 0 || req.DamageRoll > v.limits.DamageRollMax {
		reasons = append(reasons, fmt.Sprintf("damage roll %d outside [0, %d]", req.DamageRoll, v.limits.DamageRollMax))
	}
	if req.CritChance < 0 || req.CritChance > v.limits.CritChanceMax {
		reasons = append(reasons, fmt.Sprintf("critical chance %d outside [0, %d]", req.CritChance, v.limits.CritChanceMax))
	}
	if req.SeedPlayer == 0 {
		reasons = append(reasons, "player seed is zero")
	}
	if req.SeedMonster == 0 {
		reasons = append(reasons, "monster seed is zero")
	}
	if len(reasons) == 0 {
		return nil
	}
	return &violation{
		stage:  StageDamageBounds,
		reason: strings.Join(reasons, "; "),
		risk:   RiskMedium,
	}
}

// checkSessionIntegrity compares the session state hash with the one
// recorded at the previous validation. The first validation for a session
// records the hash without comparing.
func (v *Validator) checkSessionIntegrity(req Request) *violation {
	hash := sessionStateHash(req.SessionID, req.Session)
	stored, ok := v.stores.Integrity.Hash(req.SessionID)
	if ok && stored != hash {
		return &violation{
			stage:  StageIntegrity,
			reason: "session state does not match previously recorded state",
			risk:   RiskCritical,
		}
	}
	if !ok {
		v.stores.Integrity.Record(req.SessionID, hash)
	}
	return nil
}

// checkSequence rejects duplicate and over-frequent actions relative to
// the actor's previous action.
func (v *Validator) checkSequence(req Request, prev Window, hadWindow bool, now time.Time) *violation {
	if !hadWindow || prev.LastActionAt.IsZero() {
		return nil
	}
	elapsed := now.Sub(prev.LastActionAt)
	if elapsed < v.limits.DuplicateWindow && req.Action == prev.LastAction {
		return &violation{
			stage:  StageSequence,
			reason: fmt.Sprintf("duplicate action %q within %s", req.Action, v.limits.DuplicateWindow),
			risk:   RiskMedium,
		}
	}
	if elapsed < v.limits.FrequencyFloor {
		return &violation{
			stage:  StageSequence,
			reason: fmt.Sprintf("action too frequent: %s since previous action", elapsed.Round(time.Millisecond)),
			risk:   RiskMedium,
		}
	}
	return nil
}

// checkLiveness verifies the session exists, is active, and the actor has
// health remaining. A lookup failure other than not-found is an
// infrastructure error, not a violation.
func (v *Validator) checkLiveness(ctx context.Context, req Request) (*violation, error) {
	state, err := v.sessions.Session(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, ledger.ErrSessionNotFound) {
			return &violation{
				stage:  StageLiveness,
				reason: fmt.Sprintf("session %q not found", req.SessionID),
				risk:   RiskLow,
			}, nil
		}
		return nil, fmt.Errorf("session lookup for %q: %w", req.SessionID, err)
	}
	if !state.IsActive {
		return &violation{
			stage:  StageLiveness,
			reason: fmt.Sprintf("session %q is not active", req.SessionID),
			risk:   RiskLow,
		}, nil
	}
	if state.PlayerHealth <= 0 {
		return &violation{
			stage:  StageLiveness,
			reason: "actor has no health remaining",
			risk:   RiskLow,
		}, nil
	}
	return nil, nil
}

// checkRules evaluates operator Lua deny rules, if any are installed. A
// rule evaluation error is logged and skipped so a broken rule cannot
// block all play.
func (v *Validator) checkRules(req Request) *violation {
	v.mu.Lock()
	rules := v.rules
	v.mu.Unlock()
	if rules == nil {
		return nil
	}
	denied, reason, err := rules.Evaluate(req)
	if err != nil {
		v.logger.Warn("rule evaluation failed",
			zap.String("actor_id", req.ActorID),
			zap.Error(err),
		)
		return nil
	}
	if !denied {
		return nil
	}
	return &violation{
		stage:  StageCustomRule,
		reason: reason,
		risk:   RiskMedium,
	}
}

// ValidatePlayerStats checks a stat vector against bounds and returns one
// message per offending stat, empty when the vector is legal.
func ValidatePlayerStats(b StatBounds, v stats.Vector) []string {
	var reasons []string
	if v.Health < b.HealthMin || v.Health > b.HealthMax {
		reasons = append(reasons, fmt.Sprintf("health %d outside [%d, %d]", v.Health, b.HealthMin, b.HealthMax))
	}
	names := stats.SecondaryNames()
	for i, val := range v.Secondary() {
		if val < b.SecondaryMin || val > b.SecondaryMax {
			reasons = append(reasons, fmt.Sprintf("%s %d outside [%d, %d]", names[i], val, b.SecondaryMin, b.SecondaryMax))
		}
	}
	if sum := v.SecondarySum(); sum > b.SecondarySumMax {
		reasons = append(reasons, fmt.Sprintf("secondary stat sum %d exceeds %d", sum, b.SecondarySumMax))
	}
	return reasons
}

// sessionStateHash digests the session's observable state.
func sessionStateHash(sessionID string, view SessionView) string {
	sum := blake2b.Sum256([]byte(fmt.Sprintf(
		"%s|%d|%d|%d|%t",
		sessionID, view.PlayerHealth, view.MonsterHealth, view.Turn, view.IsActive,
	)))
	return hex.EncodeToString(sum[:])
}

// wellFormedHash reports whether s is a 0x-prefixed, even-length hex string.
func wellFormedHash(s string) bool {
	if !strings.HasPrefix(s, "0x") {
		return false
	}
	body := s[2:]
	if body == "" || len(body)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(body)
	return err == nil
}
