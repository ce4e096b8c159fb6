// Package ledger defines the interfaces through which the trust layer
// talks to its external collaborators: the ledger/network client, the
// zero-knowledge proof backend, and the on-chain session state reader.
// Concrete network implementations live outside this module; tests use
// the fake in internal/testutil.
package ledger

import (
	"context"
	"errors"
)

// ErrSessionNotFound is returned when a session lookup yields no results.
var ErrSessionNotFound = errors.New("session not found")

// State is the network's view of a submitted transaction.
type State string

// Network transaction states.
const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
)

// TxStatus is the result of a confirmation poll.
type TxStatus struct {
	// State is the network's view of the transaction.
	State State
	// BlockNumber is the inclusion block, set when State is confirmed.
	BlockNumber uint64
	// CostUnits is the execution cost charged, set when State is confirmed.
	CostUnits uint64
	// ErrorMessage describes the failure when State is failed.
	ErrorMessage string
}

// Block is a block height and hash pair used as a randomness source.
type Block struct {
	Number uint64
	Hash   string
}

// SessionState is the on-chain view of one combat session.
type SessionState struct {
	PlayerHealth  int
	MonsterHealth int
	Turn          int
	IsActive      bool
}

// Client submits transactions to the ledger and reports their status.
type Client interface {
	// SubmitTransaction sends a payload to the network and returns the
	// network-assigned transaction handle.
	SubmitTransaction(ctx context.Context, payload []byte) (string, error)
	// TransactionStatus reports the network's view of a submitted handle.
	TransactionStatus(ctx context.Context, handle string) (TxStatus, error)
	// CurrentBlock returns the latest block height and hash.
	CurrentBlock(ctx context.Context) (Block, error)
}

// ProofBackend generates and verifies zero-knowledge proofs. It is a
// pluggable black box; the commitment engine only performs structural
// checks and defers cryptographic verification here.
type ProofBackend interface {
	GenerateProof(ctx context.Context, circuit string, privateInputs, publicInputs map[string]any) ([]byte, error)
	VerifyProof(ctx context.Context, proof []byte, publicInputs map[string]any) (bool, error)
}

// SessionReader looks up live session state for the validator's
// session-liveness stage.
type SessionReader interface {
	// Session returns the state of sessionID, or ErrSessionNotFound.
	Session(ctx context.Context, sessionID string) (SessionState, error)
}
