package master

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sasha-s/go-deadlock"

	"yqhp/buildfleet/internal/capability"
	"yqhp/buildfleet/internal/secure"
	"yqhp/buildfleet/pkg/types"
)

// SlaveRecord is the registry's view of one connected slave.
type SlaveRecord struct {
	ID           types.SlaveID
	Capabilities capability.Set
	Identity     secure.PublicIdentity
	State        types.SlaveState
	CommandID    types.CommandID
	ConnectedAt  time.Time
	LastSeen     time.Time
}

// Info converts the record into its API form.
func (r SlaveRecord) Info() *types.SlaveInfo {
	return &types.SlaveInfo{
		ID:           r.ID,
		Identity:     r.Identity.Name,
		Capabilities: r.Capabilities.Tokens(),
		State:        r.State,
		CommandID:    r.CommandID,
		ConnectedAt:  r.ConnectedAt,
		LastSeen:     r.LastSeen,
	}
}

// IdleSlave is the scheduler's read-only view of an idle slave.
type IdleSlave struct {
	ID           types.SlaveID
	Capabilities capability.Set
}

// Registry tracks every connected slave. A slave has a record from its
// first IDLE until it disconnects.
type Registry struct {
	slaves map[types.SlaveID]*SlaveRecord
	now    func() time.Time
	mu     deadlock.RWMutex

	subscribers []chan *types.SlaveEvent
	subMu       deadlock.RWMutex
}

// NewRegistry creates an empty registry. now defaults to time.Now.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		slaves: make(map[types.SlaveID]*SlaveRecord),
		now:    now,
	}
}

// MarkIdle records id as idle with caps, creating the record if needed.
// It returns the record as it was before the call.
func (r *Registry) MarkIdle(id types.SlaveID, caps capability.Set, identity secure.PublicIdentity) (SlaveRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	rec, existed := r.slaves[id]
	var prev SlaveRecord
	if existed {
		prev = *rec
	} else {
		rec = &SlaveRecord{ID: id, ConnectedAt: now}
		r.slaves[id] = rec
	}
	rec.Capabilities = caps
	rec.Identity = identity
	rec.State = types.SlaveStateIdle
	rec.CommandID = ""
	rec.LastSeen = now

	r.notifyEvent(&types.SlaveEvent{Type: types.SlaveEventIdle, SlaveID: id, Slave: rec.Info()})
	return prev, existed
}

// MarkDispatched moves an idle slave to Dispatched with commandID in flight.
func (r *Registry) MarkDispatched(id types.SlaveID, commandID types.CommandID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.slaves[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSlaveNotFound, id)
	}
	if rec.State != types.SlaveStateIdle {
		return fmt.Errorf("%w: %s is %s", ErrNotIdle, id, rec.State)
	}
	rec.State = types.SlaveStateDispatched
	rec.CommandID = commandID
	rec.LastSeen = r.now()

	r.notifyEvent(&types.SlaveEvent{Type: types.SlaveEventDispatched, SlaveID: id, Slave: rec.Info()})
	return nil
}

// Remove drops the record of id and returns it.
func (r *Registry) Remove(id types.SlaveID) (SlaveRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.slaves[id]
	if !ok {
		return SlaveRecord{}, false
	}
	delete(r.slaves, id)

	removed := *rec
	info := removed.Info()
	info.State = types.SlaveStateDisconnected
	r.notifyEvent(&types.SlaveEvent{Type: types.SlaveEventRemoved, SlaveID: id, Slave: info})
	return removed, true
}

// Touch refreshes the liveness timestamp of id.
func (r *Registry) Touch(id types.SlaveID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.slaves[id]
	if ok {
		rec.LastSeen = r.now()
	}
	return ok
}

// Get returns a copy of the record of id.
func (r *Registry) Get(id types.SlaveID) (SlaveRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.slaves[id]
	if !ok {
		return SlaveRecord{}, false
	}
	return *rec, true
}

// IdleSlaves returns the idle slaves ordered by id.
func (r *Registry) IdleSlaves() []IdleSlave {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idle := make([]IdleSlave, 0, len(r.slaves))
	for id, rec := range r.slaves {
		if rec.State == types.SlaveStateIdle {
			idle = append(idle, IdleSlave{ID: id, Capabilities: rec.Capabilities})
		}
	}
	slices.SortFunc(idle, func(a, b IdleSlave) int {
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return idle
}

// List returns copies of all records ordered by id.
func (r *Registry) List() []SlaveRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]SlaveRecord, 0, len(r.slaves))
	for _, rec := range r.slaves {
		list = append(list, *rec)
	}
	slices.SortFunc(list, func(a, b SlaveRecord) int {
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return list
}

// StaleDispatched returns dispatched slaves not seen since now - timeout.
func (r *Registry) StaleDispatched(now time.Time, timeout time.Duration) []SlaveRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []SlaveRecord
	for _, rec := range r.slaves {
		if rec.State == types.SlaveStateDispatched && now.Sub(rec.LastSeen) > timeout {
			stale = append(stale, *rec)
		}
	}
	slices.SortFunc(stale, func(a, b SlaveRecord) int {
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return stale
}

// Count returns the number of registered slaves.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slaves)
}

// CountIdle returns the number of idle slaves.
func (r *Registry) CountIdle() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, rec := range r.slaves {
		if rec.State == types.SlaveStateIdle {
			count++
		}
	}
	return count
}

// WatchSlaves streams registry events until ctx is done. Events are dropped
// for subscribers that fall behind.
func (r *Registry) WatchSlaves(ctx context.Context) <-chan *types.SlaveEvent {
	ch := make(chan *types.SlaveEvent, 100)

	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()

	go func() {
		<-ctx.Done()
		r.removeSubscriber(ch)
		close(ch)
	}()

	return ch
}

// notifyEvent sends an event to all subscribers.
func (r *Registry) notifyEvent(event *types.SlaveEvent) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	for _, ch := range r.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (r *Registry) removeSubscriber(ch chan *types.SlaveEvent) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for i, sub := range r.subscribers {
		if sub == ch {
			r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
			break
		}
	}
}
