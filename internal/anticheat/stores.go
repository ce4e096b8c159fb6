package anticheat

import (
	"context"
	"time"
)

// RiskLevel grades how suspicious an observed activity is.
type RiskLevel string

// Risk levels, in ascending severity. Critical entries trigger a
// temporary ban.
const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// SecurityAudit is one recorded suspicious-activity observation.
type SecurityAudit struct {
	// ActorID is the player the observation concerns.
	ActorID string
	// SessionID is the combat session, if any.
	SessionID string
	// Activities describes what was observed.
	Activities []string
	// Risk grades the observation.
	Risk RiskLevel
	// ObservedAt is when the observation was recorded.
	ObservedAt time.Time
	// BlockNumber is the chain height at observation time.
	BlockNumber uint64
}

// Window is the per-actor rolling rate-limit state.
type Window struct {
	// ActorID identifies the actor.
	ActorID string
	// Count is the number of actions attempted in the current window.
	Count int
	// WindowStart is when the current window opened.
	WindowStart time.Time
	// LastBlock is the block height of the actor's previous action.
	LastBlock uint64
	// FastActions counts actions spaced under the minimum block delta.
	FastActions int
	// Limited is true once the actor has tripped the limiter.
	Limited bool
	// LastActionAt is when the previous action was validated.
	LastActionAt time.Time
	// LastAction is the previous action's name.
	LastAction string
}

// RateLimitStore holds per-actor rate-limit windows. Implementations must
// be safe for concurrent use.
type RateLimitStore interface {
	// Window returns the actor's window.
	Window(actorID string) (Window, bool)
	// Put stores the actor's window.
	Put(w Window)
}

// AuditStore is an append-only log of security observations per actor.
// The context allows durable implementations (PostgreSQL) to time out.
type AuditStore interface {
	// Append records one observation.
	Append(ctx context.Context, entry SecurityAudit) error
	// ByActor returns all observations for an actor, oldest first.
	ByActor(ctx context.Context, actorID string) ([]SecurityAudit, error)
}

// IntegrityStore maps sessions to their last recorded state hash.
type IntegrityStore interface {
	// Hash returns the recorded hash for a session.
	Hash(sessionID string) (string, bool)
	// Record stores the hash for a session, replacing any previous value.
	Record(sessionID, hash string)
	// Clear removes a session's hash, called when the session ends.
	Clear(sessionID string)
}

// ReplayStore remembers seen action tuples and randomness pairs.
type ReplayStore interface {
	// SeenAction reports whether the (actor, session, timestamp, action)
	// key was recorded before.
	SeenAction(key string) bool
	// RecordAction remembers an action key.
	RecordAction(key string)
	// SeenRandomness reports whether the block pair was presented before
	// for the session.
	SeenRandomness(sessionID string, block uint64, hash string) bool
	// RecordRandomness remembers a block pair for the session.
	RecordRandomness(sessionID string, block uint64, hash string)
}
