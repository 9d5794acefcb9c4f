package chain

import (
	"errors"
	"math/big"
	"testing"
)

func TestSimulator_MoveAndRevert(t *testing.T) {
	s := NewSimulator()
	s.Fund("0xA", big.NewInt(100))

	hash, err := s.Send("k1", func(st *SimState) error {
		return st.Move("0xa", "vault", big.NewInt(60))
	})
	if err != nil {
		t.Fatal(err)
	}
	if r := s.Receipt(hash, 1); r.Status != TxConfirmed {
		t.Fatalf("expected confirmed, got %s", r.Status)
	}
	if s.Balance("0xa").Int64() != 40 || s.Balance("vault").Int64() != 60 {
		t.Fatalf("unexpected balances %s / %s", s.Balance("0xa"), s.Balance("vault"))
	}

	// Not enough left: the effect fails and the tx reverts without moving funds.
	hash, err = s.Send("k2", func(st *SimState) error {
		return st.Move("0xa", "vault", big.NewInt(60))
	})
	if err != nil {
		t.Fatal(err)
	}
	if r := s.Receipt(hash, 1); r.Status != TxReverted {
		t.Fatalf("expected reverted, got %s", r.Status)
	}
	if s.Balance("0xa").Int64() != 40 {
		t.Fatal("reverted tx must not move funds")
	}
	if _, found := s.Lookup("k2"); found {
		t.Fatal("reverted tx must not be found by key")
	}
}

func TestSimulator_ConfirmationDepth(t *testing.T) {
	s := NewSimulator()
	s.SetAutoMine(false)

	hash, _ := s.Send("k", nil)
	if r := s.Receipt(hash, 1); r.Status != TxPending {
		t.Fatalf("mempool tx should be pending, got %s", r.Status)
	}
	if h, found := s.Lookup("k"); !found || h != hash {
		t.Fatal("mempool tx should be found by key")
	}

	s.Mine(1)
	if r := s.Receipt(hash, 3); r.Status != TxPending || r.Confirmations != 1 {
		t.Fatalf("expected pending with 1 confirmation, got %+v", r)
	}
	s.Mine(2)
	if r := s.Receipt(hash, 3); r.Status != TxConfirmed {
		t.Fatalf("expected confirmed at depth 3, got %+v", r)
	}
}

func TestSimulator_FailuresAndDrops(t *testing.T) {
	s := NewSimulator()
	s.FailNextSubmit(ErrUnavailable)

	if _, err := s.Send("k", nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if s.Sent("k") != 0 {
		t.Fatal("failed submit must not count as sent")
	}

	s.RevertNext(1)
	hash, _ := s.Send("k", nil)
	if r := s.Receipt(hash, 1); r.Status != TxReverted {
		t.Fatalf("expected injected revert, got %s", r.Status)
	}

	s.SetAutoMine(false)
	hash, _ = s.Send("k", nil)
	s.Drop(hash)
	s.Mine(1)
	if r := s.Receipt(hash, 1); r.Status != TxPending {
		t.Fatalf("dropped tx should never confirm, got %s", r.Status)
	}
	if s.Sent("k") != 2 || s.Succeeded("k") != 0 {
		t.Fatalf("sent=%d succeeded=%d", s.Sent("k"), s.Succeeded("k"))
	}
}
