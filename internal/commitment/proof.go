package commitment

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/oakmont-games/warden/internal/game/stats"
)

// PublicInputs is the tuple a verifier may see alongside an action proof.
type PublicInputs struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
	Turn      int    `json:"turn"`
}

// ActionProof is an opaque token binding a session, action, and turn to
// the actor's stats, the opponent's commitment, and a private roll.
// Structural checks happen locally; cryptographic verification of the
// underlying circuit is the external proof backend's job.
type ActionProof struct {
	// Token is the binding digest. Opaque to callers.
	Token [32]byte
	// RollDigest commits to the private roll data without revealing it.
	RollDigest [32]byte
	// Public is the verifier-visible input tuple.
	Public PublicInputs
	// CreatedAt is when the proof was produced.
	CreatedAt time.Time
}

// ProveAction binds (sessionID, action, turn) together with the actor's
// stats, the opponent's commitment digest, and a hash of the private roll
// into one token.
//
// Precondition: sessionID and action must be non-empty; turn must be >= 1;
// privateRoll must be non-empty; opponent.StatsDigest must be non-zero.
// Postcondition: Returns an ActionProof, or ErrInvalidInput.
func ProveAction(sessionID, action string, actorStats stats.Vector, opponent Commitment, privateRoll []byte, turn int) (ActionProof, error) {
	if sessionID == "" {
		return ActionProof{}, fmt.Errorf("%w: empty session id", ErrInvalidInput)
	}
	if action == "" {
		return ActionProof{}, fmt.Errorf("%w: empty action", ErrInvalidInput)
	}
	if turn < 1 {
		return ActionProof{}, fmt.Errorf("%w: turn %d", ErrInvalidInput, turn)
	}
	if len(privateRoll) == 0 {
		return ActionProof{}, fmt.Errorf("%w: empty private roll", ErrInvalidInput)
	}
	if allZero(opponent.StatsDigest[:]) {
		return ActionProof{}, fmt.Errorf("%w: zero opponent commitment", ErrInvalidInput)
	}

	rollDigest := blake2b.Sum256(privateRoll)

	h, _ := blake2b.New256(nil)
	h.Write([]byte(proofDomain))
	writeString(h, sessionID)
	writeString(h, action)
	var turnBuf [8]byte
	binary.BigEndian.PutUint64(turnBuf[:], uint64(turn))
	h.Write(turnBuf[:])
	writeVector(h, actorStats)
	h.Write(opponent.StatsDigest[:])
	h.Write(rollDigest[:])

	var token [32]byte
	copy(token[:], h.Sum(nil))

	return ActionProof{
		Token:      token,
		RollDigest: rollDigest,
		Public: PublicInputs{
			SessionID: sessionID,
			Action:    action,
			Turn:      turn,
		},
		CreatedAt: time.Now().UTC(),
	}, nil
}

// VerifyActionProof checks the proof's public inputs against the expected
// tuple and that the token is structurally well-formed. Cryptographic
// verification of the token itself is delegated to the proof backend.
//
// Postcondition: Returns true iff the public inputs match and the token
// and roll digest are non-zero.
func VerifyActionProof(p ActionProof, expectedSessionID, expectedAction string, expectedTurn int) bool {
	if p.Public.SessionID != expectedSessionID {
		return false
	}
	if p.Public.Action != expectedAction {
		return false
	}
	if p.Public.Turn != expectedTurn {
		return false
	}
	if allZero(p.Token[:]) || allZero(p.RollDigest[:]) {
		return false
	}
	return true
}

// writeString writes a length-prefixed string to h.
func writeString(h interface{ Write([]byte) (int, error) }, s string) {
	var sz [8]byte
	binary.BigEndian.PutUint64(sz[:], uint64(len(s)))
	h.Write(sz[:])
	h.Write([]byte(s))
}
