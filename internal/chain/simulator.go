package chain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// SimState is the account state a simulated transaction applies its effect
// to. Effects run while the simulator lock is held and must not call back
// into the Simulator.
type SimState struct {
	balances map[string]*big.Int
}

// Balance returns the balance of account in smallest units.
func (st *SimState) Balance(account string) *big.Int {
	if b, ok := st.balances[strings.ToLower(account)]; ok {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

// Move transfers units from one account to another, failing with
// ErrInsufficientFunds if from cannot cover it.
func (st *SimState) Move(from, to string, units *big.Int) error {
	from, to = strings.ToLower(from), strings.ToLower(to)
	have := st.Balance(from)
	if have.Cmp(units) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, from, have, units)
	}
	st.balances[from] = have.Sub(have, units)
	st.balances[to] = new(big.Int).Add(st.Balance(to), units)
	return nil
}

type simTx struct {
	hash   string
	key    string
	block  uint64 // 0 while in the mempool
	status TxStatus
	reason string
	effect func(*SimState) error
}

// Simulator is an in-memory chain: a mempool, a block height, account
// balances and a key index of successful or in-flight transactions. With
// auto-mine on, each sent transaction is mined into its own block at once.
type Simulator struct {
	mu       sync.Mutex
	head     uint64
	seq      uint64
	autoMine bool
	txs      map[string]*simTx
	order    []*simTx
	state    SimState

	submitErrs []error
	reverts    int
	sent       map[string]int
}

// NewSimulator creates a simulator with auto-mine enabled.
func NewSimulator() *Simulator {
	return &Simulator{
		autoMine: true,
		txs:      make(map[string]*simTx),
		state:    SimState{balances: make(map[string]*big.Int)},
		sent:     make(map[string]int),
	}
}

// SetAutoMine toggles mining on send. With it off, call Mine.
func (s *Simulator) SetAutoMine(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoMine = on
}

// Fund credits account with units.
func (s *Simulator) Fund(account string, units *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := strings.ToLower(account)
	s.state.balances[acct] = new(big.Int).Add(s.state.Balance(acct), units)
}

// Balance returns the balance of account.
func (s *Simulator) Balance(account string) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Balance(account)
}

// FailNextSubmit makes the next len(errs) sends fail with the given errors
// before reaching the mempool.
func (s *Simulator) FailNextSubmit(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitErrs = append(s.submitErrs, errs...)
}

// RevertNext makes the next n mined transactions revert.
func (s *Simulator) RevertNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reverts += n
}

// Send places a transaction carrying key in the mempool. effect runs when the
// transaction is mined; an error from it reverts the transaction.
func (s *Simulator) Send(key string, effect func(*SimState) error) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.submitErrs) > 0 {
		err := s.submitErrs[0]
		s.submitErrs = s.submitErrs[1:]
		return "", &TxError{Op: "send", Err: err}
	}

	s.seq++
	tx := &simTx{
		hash:   simHash(key, s.seq),
		key:    key,
		status: TxPending,
		effect: effect,
	}
	s.txs[tx.hash] = tx
	s.order = append(s.order, tx)
	s.sent[key]++

	if s.autoMine {
		s.mineLocked(1)
	}
	return tx.hash, nil
}

// Mine includes every mempool transaction in the next block and then
// advances the head by blocks-1 empty blocks.
func (s *Simulator) Mine(blocks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mineLocked(blocks)
}

func (s *Simulator) mineLocked(blocks int) {
	if blocks < 1 {
		return
	}
	s.head++
	for _, tx := range s.order {
		if tx.block != 0 {
			continue
		}
		tx.block = s.head
		if s.reverts > 0 {
			s.reverts--
			tx.status = TxReverted
			tx.reason = "injected revert"
			continue
		}
		if tx.effect != nil {
			if err := tx.effect(&s.state); err != nil {
				tx.status = TxReverted
				tx.reason = err.Error()
				continue
			}
		}
		tx.status = TxConfirmed
	}
	s.head += uint64(blocks - 1)
}

// Drop removes a mempool transaction as if the node evicted it.
func (s *Simulator) Drop(txHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txHash]
	if !ok || tx.block != 0 {
		return
	}
	delete(s.txs, txHash)
	for i, t := range s.order {
		if t == tx {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Receipt reports the status of txHash with the given required depth.
// Unknown hashes are reported as pending, like a node that has not seen them.
func (s *Simulator) Receipt(txHash string, required uint64) Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Receipt{TxHash: txHash, Status: TxPending}
	tx, ok := s.txs[txHash]
	if !ok || tx.block == 0 {
		return out
	}
	out.BlockNumber = tx.block
	if tx.status == TxReverted {
		out.Status = TxReverted
		return out
	}
	out.Confirmations = s.head - tx.block + 1
	if required == 0 {
		required = 1
	}
	if out.Confirmations >= required {
		out.Status = TxConfirmed
	}
	return out
}

// Lookup returns the latest transaction with key that is in the mempool or
// mined successfully. Reverted transactions are invisible, as they emit no
// logs on a real chain.
func (s *Simulator) Lookup(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		tx := s.order[i]
		if tx.key == key && tx.status != TxReverted {
			return tx.hash, true
		}
	}
	return "", false
}

// Sent returns how many transactions were broadcast with key.
func (s *Simulator) Sent(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[key]
}

// Succeeded returns how many mined transactions with key did not revert.
func (s *Simulator) Succeeded(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, tx := range s.order {
		if tx.key == key && tx.block != 0 && tx.status != TxReverted {
			n++
		}
	}
	return n
}

// Head returns the current block height.
func (s *Simulator) Head() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

func simHash(key string, seq uint64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	sum := sha256.Sum256(append([]byte(key), b[:]...))
	return "0x" + hex.EncodeToString(sum[:])
}
