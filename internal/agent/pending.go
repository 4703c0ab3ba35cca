// ABOUTME: Registry of commands forwarded to the agent and awaiting a response.
// ABOUTME: Each record owns its deadline timer; removal and timer stop happen together.

package agent

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrDuplicateID indicates a command id is already pending.
var ErrDuplicateID = errors.New("command id already pending")

// MintedIDPrefix prefixes ids the gateway assigns to commands sent without one.
const MintedIDPrefix = "gw-"

// Pending is one in-flight command.
type Pending struct {
	ID        string
	Owner     string // client connection id
	Method    string
	StartedAt time.Time
	RecordID  string // ledger row, empty when no ledger is attached

	timer *time.Timer
}

// Arm starts the deadline. fire runs on its own goroutine when d elapses.
func (p *Pending) Arm(d time.Duration, fire func()) {
	p.timer = time.AfterFunc(d, fire)
}

func (p *Pending) stop() {
	if p.timer != nil {
		p.timer.Stop()
	}
}

// Registry tracks pending commands by correlation id.
// It is not safe for concurrent use.
type Registry struct {
	byID map[string]*Pending
	seq  uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Pending)}
}

// NextID mints a fresh id of the form gw-<n>, skipping ids currently pending.
// The counter never goes backwards for the life of the registry.
func (r *Registry) NextID() string {
	for {
		r.seq++
		id := fmt.Sprintf("%s%d", MintedIDPrefix, r.seq)
		if _, taken := r.byID[id]; !taken {
			return id
		}
	}
}

// Add records a command. Returns ErrDuplicateID if id is pending.
func (r *Registry) Add(id, owner, method string, now time.Time) (*Pending, error) {
	if _, exists := r.byID[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	p := &Pending{ID: id, Owner: owner, Method: method, StartedAt: now}
	r.byID[id] = p
	return p, nil
}

// Resolve removes the command with id and stops its timer.
func (r *Registry) Resolve(id string) (*Pending, bool) {
	p, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	p.stop()
	return p, true
}

// Expire removes p if it is still the live record for its id.
// A false return means p was already resolved and the deadline is stale.
func (r *Registry) Expire(p *Pending) bool {
	if cur, ok := r.byID[p.ID]; !ok || cur != p {
		return false
	}
	delete(r.byID, p.ID)
	p.stop()
	return true
}

// DropOwner removes every command owned by owner, oldest first.
func (r *Registry) DropOwner(owner string) []*Pending {
	var dropped []*Pending
	for id, p := range r.byID {
		if p.Owner == owner {
			delete(r.byID, id)
			p.stop()
			dropped = append(dropped, p)
		}
	}
	sortByStart(dropped)
	return dropped
}

// Drain removes every command, oldest first.
func (r *Registry) Drain() []*Pending {
	drained := make([]*Pending, 0, len(r.byID))
	for _, p := range r.byID {
		p.stop()
		drained = append(drained, p)
	}
	clear(r.byID)
	sortByStart(drained)
	return drained
}

// Len returns the number of pending commands.
func (r *Registry) Len() int {
	return len(r.byID)
}

func sortByStart(ps []*Pending) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].StartedAt.Equal(ps[j].StartedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].StartedAt.Before(ps[j].StartedAt)
	})
}
