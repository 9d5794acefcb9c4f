package settlement

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/agentbazaar/internal/chain"
	"github.com/mbd888/agentbazaar/internal/idgen"
	"github.com/mbd888/agentbazaar/internal/usdc"
)

// escrowABI is the subset of the escrow contract the service calls. Every
// call carries the operation's idempotency key; the contract rejects a key
// it has already settled and indexes it in the Settled event.
const escrowABI = `[
	{"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[
		{"name":"order","type":"bytes32"},{"name":"key","type":"bytes32"},
		{"name":"payer","type":"address"},{"name":"payee","type":"address"},
		{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"release","stateMutability":"nonpayable","inputs":[
		{"name":"order","type":"bytes32"},{"name":"key","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[
		{"name":"order","type":"bytes32"},{"name":"key","type":"bytes32"}],"outputs":[]},
	{"type":"event","name":"Settled","anonymous":false,"inputs":[
		{"name":"key","type":"bytes32","indexed":true},
		{"name":"order","type":"bytes32","indexed":true},
		{"name":"kind","type":"uint8","indexed":false},
		{"name":"amount","type":"uint256","indexed":false}]}
]`

// EVMChain settles operations through the escrow contract.
type EVMChain struct {
	client  *chain.Client
	escrow  common.Address
	abi     abi.ABI
	settled common.Hash
}

// NewEVMChain binds the escrow contract at escrowAddr.
func NewEVMChain(client *chain.Client, escrowAddr string) (*EVMChain, error) {
	if !common.IsHexAddress(escrowAddr) {
		return nil, fmt.Errorf("%w: escrow contract %q", chain.ErrInvalidAddress, escrowAddr)
	}
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}
	return &EVMChain{
		client:  client,
		escrow:  common.HexToAddress(escrowAddr),
		abi:     parsed,
		settled: parsed.Events["Settled"].ID,
	}, nil
}

func (e *EVMChain) Submit(ctx context.Context, op *Operation) (string, error) {
	data, err := e.pack(op)
	if err != nil {
		return "", &chain.TxError{Op: "pack", Err: err}
	}
	return e.client.Send(ctx, e.escrow, data)
}

func (e *EVMChain) pack(op *Operation) ([]byte, error) {
	order := idgen.Bytes32(op.OrderID)
	key := idgen.Bytes32(op.Key)

	switch op.Kind {
	case KindDeposit:
		units, ok := usdc.Parse(op.Amount)
		if !ok || units.Sign() <= 0 {
			return nil, fmt.Errorf("invalid amount %q", op.Amount)
		}
		if !common.IsHexAddress(op.Payer) || !common.IsHexAddress(op.Payee) {
			return nil, fmt.Errorf("%w: payer %q payee %q", chain.ErrInvalidAddress, op.Payer, op.Payee)
		}
		return e.abi.Pack("deposit", order, key,
			common.HexToAddress(op.Payer), common.HexToAddress(op.Payee), units)
	case KindRelease:
		return e.abi.Pack("release", order, key)
	case KindRefund:
		return e.abi.Pack("refund", order, key)
	}
	return nil, fmt.Errorf("unknown settlement kind %q", op.Kind)
}

func (e *EVMChain) Poll(ctx context.Context, txHash string) (chain.Receipt, error) {
	return e.client.Receipt(ctx, txHash)
}

// Lookup finds a Settled event indexed by key. A reverted call emits no
// event, and an in-flight one is found by the next lookup after it mines.
func (e *EVMChain) Lookup(ctx context.Context, key string) (string, bool, error) {
	topics := [][]common.Hash{
		{e.settled},
		{chain.KeyTopic(idgen.Bytes32(key))},
	}
	return e.client.FindLog(ctx, e.escrow, topics)
}

func (e *EVMChain) Balance(ctx context.Context, agent string) (*big.Int, error) {
	return e.client.USDCBalance(ctx, agent)
}

// Compile-time assertion that EVMChain implements Chain.
var _ Chain = (*EVMChain)(nil)
