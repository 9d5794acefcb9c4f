package orders

// Action names a lifecycle transition.
type Action string

const (
	ActionAccept           Action = "accept"
	ActionStart            Action = "start"
	ActionDeliver          Action = "deliver"
	ActionConfirm          Action = "confirm"
	ActionRequestRevision  Action = "request_revision"
	ActionReject           Action = "reject"
	ActionDeadlineExceeded Action = "deadline_exceeded"
)

// Role is the party allowed to request an action.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleSystem Role = "system"
)

// Settles names the escrow movement a terminal transition requires.
type Settles string

const (
	SettlesNone    Settles = ""
	SettlesRelease Settles = "RELEASE"
	SettlesRefund  Settles = "REFUND"
)

// Rule describes one edge set of the lifecycle graph.
type Rule struct {
	Action  Action
	From    []Status
	To      Status
	Role    Role
	Settles Settles
}

// Allows reports whether the rule applies from status s.
func (r Rule) Allows(s Status) bool {
	for _, f := range r.From {
		if f == s {
			return true
		}
	}
	return false
}

var rules = map[Action]Rule{
	ActionAccept:           {ActionAccept, []Status{StatusPending}, StatusAccepted, RoleSeller, SettlesNone},
	ActionStart:            {ActionStart, []Status{StatusAccepted}, StatusInProgress, RoleSeller, SettlesNone},
	ActionDeliver:          {ActionDeliver, []Status{StatusInProgress}, StatusDelivered, RoleSeller, SettlesNone},
	ActionConfirm:          {ActionConfirm, []Status{StatusDelivered}, StatusCompleted, RoleBuyer, SettlesRelease},
	ActionRequestRevision:  {ActionRequestRevision, []Status{StatusDelivered}, StatusInProgress, RoleBuyer, SettlesNone},
	ActionReject:           {ActionReject, []Status{StatusPending, StatusAccepted}, StatusRejected, RoleSeller, SettlesRefund},
	ActionDeadlineExceeded: {ActionDeadlineExceeded, []Status{StatusPending, StatusAccepted, StatusInProgress}, StatusCancelled, RoleSystem, SettlesRefund},
}

// RuleFor returns the rule for action.
func RuleFor(a Action) (Rule, bool) {
	r, ok := rules[a]
	return r, ok
}

// Actions returns every action in a stable order.
func Actions() []Action {
	return []Action{
		ActionAccept, ActionStart, ActionDeliver, ActionConfirm,
		ActionRequestRevision, ActionReject, ActionDeadlineExceeded,
	}
}

// CanTransition reports whether any action moves an order from one status to
// another.
func CanTransition(from, to Status) bool {
	for _, r := range rules {
		if r.To == to && r.Allows(from) {
			return true
		}
	}
	return false
}
