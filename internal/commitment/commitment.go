// Package commitment builds and verifies hiding commitments over stat
// vectors and combat actions. A commitment is published before a combat
// session so the opponent can later check that the revealed stats match
// what the player locked in, without learning them beforehand.
//
// Digests are BLAKE2b-256 with a domain-separation prefix; the opaque
// proof tokens bind session, action, and turn and are verified
// structurally here, with full cryptographic verification delegated to
// the external proof backend.
package commitment

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/oakmont-games/warden/internal/game/stats"
)

// NonceSize is the byte length of commitment nonces.
const NonceSize = 16

// statsDomain and proofDomain separate the two digest uses so a stat
// commitment can never be replayed as a proof token.
const (
	statsDomain = "warden/commit/stats/v1"
	proofDomain = "warden/commit/proof/v1"
)

// ErrInvalidInput is returned for malformed commitment material
// (empty or all-zero nonce, missing session or action identifiers).
var ErrInvalidInput = errors.New("invalid commitment input")

// ErrMismatch indicates a reveal that does not match the prior commitment.
// It signals tampering or a client bug and must never be silently retried.
var ErrMismatch = errors.New("commitment mismatch")

// Commitment is a hiding, binding digest of a stat vector plus a nonce.
// Immutable once created; Revealed flips false to true exactly once, set
// by the caller after acting on a successful Reveal.
type Commitment struct {
	// StatsDigest is the BLAKE2b-256 digest of the stat vector and nonce.
	StatsDigest [32]byte
	// Nonce is the secret blinding value. Only the committing side holds
	// it; copies shared with the opponent carry a nil Nonce.
	Nonce []byte
	// Revealed is true once the matching stats and nonce were verified.
	Revealed bool
	// CreatedAt is when the commitment was produced.
	CreatedAt time.Time
}

// Public returns a copy safe to share with the opponent: the digest
// without the nonce.
func (c Commitment) Public() Commitment {
	c.Nonce = nil
	return c
}

// NonceSource produces blinding nonces. Tests substitute a deterministic
// implementation.
type NonceSource interface {
	// Nonce returns NonceSize random bytes.
	Nonce() ([]byte, error)
}

// randRead is swapped out in tests that exercise nonce failure paths.
var randRead = rand.Read

// CryptoNonceSource implements NonceSource using crypto/rand.
type CryptoNonceSource struct{}

// Nonce returns NonceSize cryptographically secure random bytes.
//
// Postcondition: Returns a non-zero nonce or a non-nil error.
func (CryptoNonceSource) Nonce() ([]byte, error) {
	n := make([]byte, NonceSize)
	if _, err := randRead(n); err != nil {
		return nil, fmt.Errorf("reading nonce: %w", err)
	}
	return n, nil
}

// digestStats computes the domain-separated digest of v combined with nonce.
func digestStats(v stats.Vector, nonce []byte) [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(statsDomain))
	writeVector(h, v)
	var sz [8]byte
	binary.BigEndian.PutUint64(sz[:], uint64(len(nonce)))
	h.Write(sz[:])
	h.Write(nonce)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// writeVector encodes the stat vector fields in fixed order.
func writeVector(h interface{ Write([]byte) (int, error) }, v stats.Vector) {
	var buf [8]byte
	for _, field := range []int{v.Health, v.Attack, v.Defense, v.Speed, v.Special, v.Luck} {
		binary.BigEndian.PutUint64(buf[:], uint64(int64(field)))
		h.Write(buf[:])
	}
}

// allZero reports whether every byte of b is zero.
func allZero(b []byte) bool {
	acc := byte(0)
	for _, x := range b {
		acc |= x
	}
	return acc == 0
}

// Commit produces a commitment to v blinded by nonce. The stat vector is
// never recoverable from the commitment.
//
// Precondition: nonce must be non-empty and not all zero.
// Postcondition: Returns a Commitment with Revealed=false, or ErrInvalidInput.
func Commit(v stats.Vector, nonce []byte) (Commitment, error) {
	if len(nonce) == 0 || allZero(nonce) {
		return Commitment{}, fmt.Errorf("%w: zero nonce", ErrInvalidInput)
	}
	n := make([]byte, len(nonce))
	copy(n, nonce)
	return Commitment{
		StatsDigest: digestStats(v, n),
		Nonce:       n,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Reveal recomputes the digest from v and nonce and compares it to the
// commitment in constant time. It does not mutate c.Revealed: the caller
// sets it after acting on the result, so a failed reveal leaves the
// commitment usable for a retry with corrected data.
//
// Postcondition: Returns true iff (v, nonce) match the committed values.
func Reveal(c Commitment, v stats.Vector, nonce []byte) bool {
	if len(nonce) == 0 || allZero(nonce) {
		return false
	}
	want := digestStats(v, nonce)
	return subtle.ConstantTimeCompare(c.StatsDigest[:], want[:]) == 1
}
