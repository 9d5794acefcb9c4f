package orders

import "testing"

var allStatuses = []Status{
	StatusPending, StatusAccepted, StatusInProgress, StatusDelivered,
	StatusCompleted, StatusRejected, StatusCancelled,
}

func TestCanTransition_ExhaustivePairs(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPending, StatusAccepted}:     true,
		{StatusAccepted, StatusInProgress}:  true,
		{StatusInProgress, StatusDelivered}: true,
		{StatusDelivered, StatusCompleted}:  true,
		{StatusDelivered, StatusInProgress}: true,
		{StatusPending, StatusRejected}:     true,
		{StatusAccepted, StatusRejected}:    true,
		{StatusPending, StatusCancelled}:    true,
		{StatusAccepted, StatusCancelled}:   true,
		{StatusInProgress, StatusCancelled}: true,
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, from := range allStatuses {
		if !from.IsTerminal() {
			continue
		}
		for _, a := range Actions() {
			r, _ := RuleFor(a)
			if r.Allows(from) {
				t.Errorf("terminal %s must not allow %s", from, a)
			}
		}
	}
}

func TestRules_RolesAndSettlement(t *testing.T) {
	tests := []struct {
		action  Action
		role    Role
		settles Settles
	}{
		{ActionAccept, RoleSeller, SettlesNone},
		{ActionStart, RoleSeller, SettlesNone},
		{ActionDeliver, RoleSeller, SettlesNone},
		{ActionReject, RoleSeller, SettlesRefund},
		{ActionConfirm, RoleBuyer, SettlesRelease},
		{ActionRequestRevision, RoleBuyer, SettlesNone},
		{ActionDeadlineExceeded, RoleSystem, SettlesRefund},
	}
	for _, tt := range tests {
		r, ok := RuleFor(tt.action)
		if !ok {
			t.Fatalf("missing rule for %s", tt.action)
		}
		if r.Role != tt.role || r.Settles != tt.settles {
			t.Errorf("%s: role=%s settles=%q, want %s %q", tt.action, r.Role, r.Settles, tt.role, tt.settles)
		}
		if (r.Settles != SettlesNone) != r.To.IsTerminal() {
			t.Errorf("%s: terminal targets and only those must settle", tt.action)
		}
	}
	if _, ok := RuleFor("dispute"); ok {
		t.Error("unexpected rule for unknown action")
	}
}
