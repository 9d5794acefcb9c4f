// Package chain talks to the EVM network that hosts the escrow and
// reputation contracts. It signs and sends contract calls with the operator
// key, reports receipt status with confirmation depth, and finds prior
// submissions by their indexed idempotency key.
//
// Simulator provides the same surface in memory for development mode and
// tests.
package chain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrInvalidAddress    = errors.New("chain: invalid address")
	ErrInsufficientFunds = errors.New("chain: insufficient funds")
	ErrReverted          = errors.New("chain: transaction reverted")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrUnavailable       = errors.New("chain: node unavailable")
)

// TxStatus is the observed state of a submitted transaction.
type TxStatus string

const (
	TxPending   TxStatus = "PENDING"   // not mined, or mined with too few confirmations
	TxConfirmed TxStatus = "CONFIRMED" // mined, succeeded, required depth reached
	TxReverted  TxStatus = "REVERTED"  // mined and failed
)

// Receipt is the result of polling a transaction.
type Receipt struct {
	TxHash        string
	Status        TxStatus
	BlockNumber   uint64
	Confirmations uint64
}

// TxError wraps a failed chain call with the step that failed.
type TxError struct {
	Op     string // pack, nonce, gas_price, sign, send, receipt, lookup
	TxHash string
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// IsNodeFailure reports whether err came from the node or transport rather
// than from contract execution. Only node failures count against a circuit
// breaker.
func IsNodeFailure(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrReverted) && !errors.Is(err, ErrInsufficientFunds)
}
