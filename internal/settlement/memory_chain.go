package settlement

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/mbd888/agentbazaar/internal/chain"
	"github.com/mbd888/agentbazaar/internal/usdc"
)

// EscrowAccount names the simulated account that holds an order's funds.
func EscrowAccount(orderID string) string {
	return "escrow:" + strings.ToLower(orderID)
}

// MemoryChain is an escrow ledger on a chain.Simulator, used in development
// mode and tests. It enforces the same rules as the escrow contract: a key
// settles at most once, and a release or refund drains exactly the
// deposited amount.
type MemoryChain struct {
	sim           *chain.Simulator
	confirmations uint64

	mu      sync.Mutex
	applied map[string]bool
}

// NewMemoryChain wraps sim. Transactions count as confirmed once they are
// confirmations blocks deep.
func NewMemoryChain(sim *chain.Simulator, confirmations uint64) *MemoryChain {
	if confirmations == 0 {
		confirmations = 1
	}
	return &MemoryChain{
		sim:           sim,
		confirmations: confirmations,
		applied:       make(map[string]bool),
	}
}

func (m *MemoryChain) Submit(ctx context.Context, op *Operation) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	units, ok := usdc.Parse(op.Amount)
	if !ok || units.Sign() <= 0 {
		return "", &chain.TxError{Op: "pack", Err: fmt.Errorf("%w: invalid amount %q", chain.ErrReverted, op.Amount)}
	}

	key := op.Key
	escrow := EscrowAccount(op.OrderID)
	kind := op.Kind
	payer, payee := op.Payer, op.Payee

	effect := func(st *chain.SimState) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.applied[key] {
			return fmt.Errorf("key %s already settled", key)
		}
		var err error
		switch kind {
		case KindDeposit:
			err = st.Move(payer, escrow, units)
		case KindRelease, KindRefund:
			if st.Balance(escrow).Cmp(units) != 0 {
				return fmt.Errorf("escrow %s does not hold %s", escrow, units)
			}
			err = st.Move(escrow, payee, units)
		default:
			err = fmt.Errorf("unknown kind %q", kind)
		}
		if err != nil {
			return err
		}
		m.applied[key] = true
		return nil
	}

	return m.sim.Send(key, effect)
}

func (m *MemoryChain) Poll(ctx context.Context, txHash string) (chain.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return chain.Receipt{}, err
	}
	return m.sim.Receipt(txHash, m.confirmations), nil
}

func (m *MemoryChain) Lookup(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	hash, ok := m.sim.Lookup(key)
	return hash, ok, nil
}

func (m *MemoryChain) Balance(ctx context.Context, agent string) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.sim.Balance(agent), nil
}

// Compile-time assertion that MemoryChain implements Chain.
var _ Chain = (*MemoryChain)(nil)
