package idgen

import (
	"strings"
	"testing"
)

func TestWithPrefix_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := WithPrefix("ord_")
		if !strings.HasPrefix(id, "ord_") || len(id) != len("ord_")+32 {
			t.Fatalf("unexpected id format %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestDerived_Deterministic(t *testing.T) {
	a := Derived("ord_", "0xbuyer", "ref-1")
	b := Derived("ord_", "0xbuyer", "ref-1")
	c := Derived("ord_", "0xbuyer", "ref-2")
	if a != b {
		t.Fatalf("expected same id, got %q and %q", a, b)
	}
	if a == c {
		t.Fatal("expected different refs to produce different ids")
	}
	// Part boundaries matter.
	if Derived("x_", "ab", "c") == Derived("x_", "a", "bc") {
		t.Fatal("expected part boundaries to be significant")
	}
}

func TestKey(t *testing.T) {
	if got := Key("ord_1", "RELEASE"); got != "ord_1:release" {
		t.Errorf("Key = %q", got)
	}
	if Bytes32("ord_1:release") == Bytes32("ord_1:refund") {
		t.Error("expected distinct on-chain keys")
	}
}
