package reputation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/agentbazaar/internal/chain"
	"github.com/mbd888/agentbazaar/internal/idgen"
)

// reputationABI is the subset of the reputation contract the recorder
// calls. The contract rejects a key it has already recorded.
const reputationABI = `[
	{"type":"function","name":"recordReview","stateMutability":"nonpayable","inputs":[
		{"name":"order","type":"bytes32"},{"name":"key","type":"bytes32"},
		{"name":"subject","type":"address"},{"name":"rating","type":"uint8"}],"outputs":[]},
	{"type":"event","name":"ReviewRecorded","anonymous":false,"inputs":[
		{"name":"key","type":"bytes32","indexed":true},
		{"name":"subject","type":"address","indexed":true},
		{"name":"order","type":"bytes32","indexed":false},
		{"name":"rating","type":"uint8","indexed":false}]}
]`

// EVMLedger records reviews through the reputation contract.
type EVMLedger struct {
	client   *chain.Client
	contract common.Address
	abi      abi.ABI
	recorded common.Hash
}

// NewEVMLedger binds the reputation contract at addr.
func NewEVMLedger(client *chain.Client, addr string) (*EVMLedger, error) {
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("%w: reputation contract %q", chain.ErrInvalidAddress, addr)
	}
	parsed, err := abi.JSON(strings.NewReader(reputationABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse reputation ABI: %w", err)
	}
	return &EVMLedger{
		client:   client,
		contract: common.HexToAddress(addr),
		abi:      parsed,
		recorded: parsed.Events["ReviewRecorded"].ID,
	}, nil
}

func (l *EVMLedger) Record(ctx context.Context, r *Review) (string, error) {
	if !common.IsHexAddress(r.SubjectID) {
		return "", &chain.TxError{Op: "pack", Err: fmt.Errorf("%w: subject %q", chain.ErrInvalidAddress, r.SubjectID)}
	}
	data, err := l.abi.Pack("recordReview",
		idgen.Bytes32(r.OrderID), idgen.Bytes32(r.Key),
		common.HexToAddress(r.SubjectID), uint8(r.Rating)) //nolint:gosec // rating validated 1-5
	if err != nil {
		return "", &chain.TxError{Op: "pack", Err: err}
	}
	return l.client.Send(ctx, l.contract, data)
}

func (l *EVMLedger) Poll(ctx context.Context, txHash string) (chain.Receipt, error) {
	return l.client.Receipt(ctx, txHash)
}

func (l *EVMLedger) Lookup(ctx context.Context, key string) (string, bool, error) {
	topics := [][]common.Hash{
		{l.recorded},
		{chain.KeyTopic(idgen.Bytes32(key))},
	}
	return l.client.FindLog(ctx, l.contract, topics)
}

// MemoryLedger records reviews on a chain.Simulator.
type MemoryLedger struct {
	sim           *chain.Simulator
	confirmations uint64

	mu       sync.Mutex
	recorded map[string]int
}

// NewMemoryLedger wraps sim.
func NewMemoryLedger(sim *chain.Simulator, confirmations uint64) *MemoryLedger {
	if confirmations == 0 {
		confirmations = 1
	}
	return &MemoryLedger{sim: sim, confirmations: confirmations, recorded: make(map[string]int)}
}

func (m *MemoryLedger) Record(ctx context.Context, r *Review) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, rating := r.Key, r.Rating
	return m.sim.Send(key, func(*chain.SimState) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.recorded[key]; ok {
			return fmt.Errorf("review %s already recorded", key)
		}
		m.recorded[key] = rating
		return nil
	})
}

func (m *MemoryLedger) Poll(ctx context.Context, txHash string) (chain.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return chain.Receipt{}, err
	}
	return m.sim.Receipt(txHash, m.confirmations), nil
}

func (m *MemoryLedger) Lookup(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	hash, ok := m.sim.Lookup(key)
	return hash, ok, nil
}

// Recorded returns how many distinct reviews the ledger holds.
func (m *MemoryLedger) Recorded() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recorded)
}

var (
	_ Ledger = (*EVMLedger)(nil)
	_ Ledger = (*MemoryLedger)(nil)
)
