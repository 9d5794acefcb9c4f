// Package circuitbreaker guards chain endpoints. After a run of node
// failures an endpoint stops taking submissions for a cool-down period,
// then admits a single trial call whose outcome decides whether it reopens.
package circuitbreaker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State of one endpoint.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "agentbazaar",
	Subsystem: "chain_breaker",
	Name:      "transitions_total",
	Help:      "Chain endpoint breaker transitions by endpoint and target state.",
}, []string{"endpoint", "to"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

// ErrOpen is returned by Execute while an endpoint is cooling down or a
// trial call is already in flight.
var ErrOpen = errors.New("circuit open")

// Endpoint is a point-in-time view of one guarded endpoint.
type Endpoint struct {
	Name     string    `json:"name"`
	State    State     `json:"-"`
	Failures int       `json:"failures"`
	OpenedAt time.Time `json:"openedAt,omitempty"`
}

type endpoint struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks consecutive node failures per endpoint name.
type Breaker struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint
	threshold int
	coolDown  time.Duration
	now       func() time.Time
	observers []func(name string, from, to State)
}

// New returns a breaker that opens an endpoint after threshold consecutive
// failures and keeps it open for coolDown.
func New(threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		endpoints: make(map[string]*endpoint),
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
	}
}

// WithClock replaces the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Observe registers a callback run synchronously, outside the lock, on every
// state change.
func (b *Breaker) Observe(fn func(name string, from, to State)) {
	b.mu.Lock()
	b.observers = append(b.observers, fn)
	b.mu.Unlock()
}

// Execute runs fn against the named endpoint when it is admitting calls.
// Only errors for which isFailure reports true count toward tripping; a
// revert reported by a healthy node passes through as a success.
func (b *Breaker) Execute(name string, isFailure func(error) bool, fn func() error) error {
	if !b.admit(name) {
		return ErrOpen
	}
	err := fn()
	b.record(name, err != nil && (isFailure == nil || isFailure(err)))
	return err
}

func (b *Breaker) admit(name string) bool {
	b.mu.Lock()
	ep := b.endpoints[name]
	if ep == nil {
		b.mu.Unlock()
		return true
	}
	var change *transition
	admitted := true
	switch ep.state {
	case StateOpen:
		if b.now().Sub(ep.openedAt) < b.coolDown {
			admitted = false
			break
		}
		change = b.move(name, ep, StateHalfOpen)
	case StateHalfOpen:
		admitted = false
	}
	b.mu.Unlock()
	b.notify(change)
	return admitted
}

func (b *Breaker) record(name string, failed bool) {
	b.mu.Lock()
	ep := b.endpoints[name]
	if ep == nil {
		if !failed {
			b.mu.Unlock()
			return
		}
		ep = &endpoint{}
		b.endpoints[name] = ep
	}
	var change *transition
	switch {
	case !failed:
		ep.failures = 0
		change = b.move(name, ep, StateClosed)
	case ep.state == StateHalfOpen:
		ep.failures++
		ep.openedAt = b.now()
		change = b.move(name, ep, StateOpen)
	default:
		ep.failures++
		if ep.failures >= b.threshold {
			ep.openedAt = b.now()
			change = b.move(name, ep, StateOpen)
		}
	}
	b.mu.Unlock()
	b.notify(change)
}

// State reports an endpoint's state. Unknown endpoints are closed.
func (b *Breaker) State(name string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ep := b.endpoints[name]; ep != nil {
		return ep.state
	}
	return StateClosed
}

// Snapshot lists every endpoint that has recorded a failure, by name.
func (b *Breaker) Snapshot() []Endpoint {
	b.mu.Lock()
	out := make([]Endpoint, 0, len(b.endpoints))
	for name, ep := range b.endpoints {
		out = append(out, Endpoint{Name: name, State: ep.state, Failures: ep.failures, OpenedAt: ep.openedAt})
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type transition struct {
	name     string
	from, to State
	notify   []func(string, State, State)
}

// move must be called with b.mu held.
func (b *Breaker) move(name string, ep *endpoint, to State) *transition {
	if ep.state == to {
		return nil
	}
	t := &transition{name: name, from: ep.state, to: to, notify: b.observers}
	ep.state = to
	return t
}

func (b *Breaker) notify(t *transition) {
	if t == nil {
		return
	}
	transitionsTotal.WithLabelValues(t.name, t.to.String()).Inc()
	for _, fn := range t.notify {
		fn(t.name, t.from, t.to)
	}
}
