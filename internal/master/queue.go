package master

import (
	"fmt"
	"time"

	"yqhp/buildfleet/internal/capability"
	"yqhp/buildfleet/pkg/types"
)

// QueuePolicy decides what happens to a command no idle slave can take.
type QueuePolicy string

const (
	// QueuePolicyQueue waits until a capable slave becomes idle.
	QueuePolicyQueue QueuePolicy = "queue"
	// QueuePolicyExpire waits up to the pending TTL.
	QueuePolicyExpire QueuePolicy = "expire"
	// QueuePolicyReject fails the submission immediately.
	QueuePolicyReject QueuePolicy = "reject"
)

// ParseQueuePolicy parses a policy name. Empty means QueuePolicyQueue.
func ParseQueuePolicy(s string) (QueuePolicy, error) {
	switch p := QueuePolicy(s); p {
	case "":
		return QueuePolicyQueue, nil
	case QueuePolicyQueue, QueuePolicyExpire, QueuePolicyReject:
		return p, nil
	default:
		return "", fmt.Errorf("unknown queue policy %q", s)
	}
}

// PendingCommand is a command waiting for a capable idle slave.
type PendingCommand struct {
	ID         types.CommandID
	Required   capability.Set
	Payload    types.CommandPayload
	EnqueuedAt time.Time
}

// PendingQueue holds pending commands oldest first. It is not safe for
// concurrent use; the Engine serializes access.
type PendingQueue struct {
	items    []*PendingCommand
	capacity int
}

// NewPendingQueue creates a queue holding at most capacity commands (0 means
// unbounded).
func NewPendingQueue(capacity int) *PendingQueue {
	return &PendingQueue{capacity: capacity}
}

// Push appends p, failing with ErrQueueFull at capacity.
func (q *PendingQueue) Push(p *PendingCommand) error {
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	q.items = append(q.items, p)
	return nil
}

// PushFront puts p at the head of the queue. Used for commands whose slave
// went away; capacity is not enforced since the command was already
// accepted.
func (q *PendingQueue) PushFront(p *PendingCommand) {
	q.items = append(q.items, nil)
	copy(q.items[1:], q.items)
	q.items[0] = p
}

// TakeFirstSatisfiedBy removes and returns the oldest command whose
// requirements caps satisfies.
func (q *PendingQueue) TakeFirstSatisfiedBy(caps capability.Set) (*PendingCommand, bool) {
	for i, p := range q.items {
		if caps.ContainsAll(p.Required) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return p, true
		}
	}
	return nil, false
}

// Remove drops the command with id.
func (q *PendingQueue) Remove(id types.CommandID) bool {
	for i, p := range q.items {
		if p.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Expire removes and returns commands enqueued before now - ttl.
func (q *PendingQueue) Expire(now time.Time, ttl time.Duration) []*PendingCommand {
	var expired []*PendingCommand
	kept := q.items[:0]
	for _, p := range q.items {
		if now.Sub(p.EnqueuedAt) > ttl {
			expired = append(expired, p)
		} else {
			kept = append(kept, p)
		}
	}
	clear(q.items[len(kept):])
	q.items = kept
	return expired
}

// Items returns the queued commands oldest first.
func (q *PendingQueue) Items() []*PendingCommand {
	return append([]*PendingCommand(nil), q.items...)
}

// Len returns the number of queued commands.
func (q *PendingQueue) Len() int {
	return len(q.items)
}
