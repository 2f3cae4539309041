package master

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sasha-s/go-deadlock"

	"yqhp/buildfleet/internal/capability"
	"yqhp/buildfleet/internal/notify"
	"yqhp/buildfleet/internal/secure"
	"yqhp/buildfleet/pkg/types"
)

// DefaultOutputLimit is the number of trailing output bytes kept per command.
const DefaultOutputLimit = 64 << 10

// CommandRecord is the lifecycle record of a submitted command.
type CommandRecord struct {
	ID           types.CommandID
	Required     capability.Set
	Payload      types.CommandPayload
	State        types.CommandState
	SlaveID      types.SlaveID
	SlaveKey     secure.KeyID
	Attempts     int
	SubmittedAt  time.Time
	DispatchedAt time.Time
	CompletedAt  time.Time
	FinishedAt   time.Time
	ExitCode     *int
	Error        string

	output  []byte
	lastSeq uint64
}

// Info converts the record into its API form.
func (r *CommandRecord) Info() *types.CommandInfo {
	info := &types.CommandInfo{
		ID:          r.ID,
		Required:    r.Required.Tokens(),
		Payload:     r.Payload,
		State:       r.State,
		SlaveID:     r.SlaveID,
		Attempts:    r.Attempts,
		SubmittedAt: r.SubmittedAt,
		Error:       r.Error,
		Output:      string(r.output),
	}
	if !r.DispatchedAt.IsZero() {
		t := r.DispatchedAt
		info.DispatchedAt = &t
	}
	if !r.FinishedAt.IsZero() {
		t := r.FinishedAt
		info.FinishedAt = &t
	}
	if r.ExitCode != nil {
		code := *r.ExitCode
		info.ExitCode = &code
	}
	return info
}

// CommandBook keeps a record for every submitted command. Records of
// finished commands are dropped after the retention period.
type CommandBook struct {
	records     *cache.Cache
	retention   time.Duration
	outputLimit int
	now         func() time.Time
	watchers    map[types.CommandID]map[chan types.StatusUpdate]struct{}
	notifier    notify.Notifier
	mu          deadlock.RWMutex
}

// NewCommandBook creates a book. A zero retention keeps finished records
// forever; a zero outputLimit uses DefaultOutputLimit.
func NewCommandBook(retention time.Duration, outputLimit int, now func() time.Time) *CommandBook {
	if now == nil {
		now = time.Now
	}
	if outputLimit <= 0 {
		outputLimit = DefaultOutputLimit
	}
	cleanup := time.Minute
	if retention <= 0 {
		retention = cache.NoExpiration
	} else if retention < cleanup {
		cleanup = retention
	}
	return &CommandBook{
		records:     cache.New(cache.NoExpiration, cleanup),
		retention:   retention,
		outputLimit: outputLimit,
		now:         now,
		watchers:    make(map[types.CommandID]map[chan types.StatusUpdate]struct{}),
	}
}

// Add records a newly submitted command.
func (b *CommandBook) Add(rec *CommandRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records.Set(string(rec.ID), rec, cache.NoExpiration)
}

// SetNotifier makes n receive every command once it reaches a terminal
// state. A nil n disables notifications.
func (b *CommandBook) SetNotifier(n notify.Notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifier = n
}

// Get returns a snapshot of the command with id.
func (b *CommandBook) Get(id types.CommandID) (*types.CommandInfo, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.lookup(id)
	if !ok {
		return nil, false
	}
	return rec.Info(), true
}

// List returns snapshots of all retained commands, oldest first. An empty
// state matches every command.
func (b *CommandBook) List(state types.CommandState) []*types.CommandInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var list []*types.CommandInfo
	for _, item := range b.records.Items() {
		rec := item.Object.(*CommandRecord)
		if state == "" || rec.State == state {
			list = append(list, rec.Info())
		}
	}
	slices.SortFunc(list, func(a, b *types.CommandInfo) int {
		if c := a.SubmittedAt.Compare(b.SubmittedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return list
}

// Counts returns the number of retained commands per state.
func (b *CommandBook) Counts() map[types.CommandState]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := make(map[types.CommandState]int)
	for _, item := range b.records.Items() {
		counts[item.Object.(*CommandRecord).State]++
	}
	return counts
}

// MarkDispatched records that id was sent to slave.
func (b *CommandBook) MarkDispatched(id types.CommandID, slave types.SlaveID, key secure.KeyID) {
	b.update(id, func(rec *CommandRecord) {
		rec.State = types.CommandStateDispatched
		rec.SlaveID = slave
		rec.SlaveKey = key
		rec.Attempts++
		rec.DispatchedAt = b.now()
		rec.lastSeq = 0
	})
}

// MarkRequeued returns id to the pending state after its slave went away.
func (b *CommandBook) MarkRequeued(id types.CommandID) {
	b.update(id, func(rec *CommandRecord) {
		rec.State = types.CommandStatePending
		rec.SlaveID = ""
		rec.SlaveKey = secure.KeyID{}
		rec.DispatchedAt = time.Time{}
		rec.CompletedAt = time.Time{}
		rec.output = nil
	})
}

// MarkCompleted records that the slave running id became idle again. A
// terminal state reported earlier by a status update is kept.
func (b *CommandBook) MarkCompleted(id types.CommandID) {
	b.update(id, func(rec *CommandRecord) {
		if !rec.State.IsTerminal() {
			rec.State = types.CommandStateCompleted
			rec.CompletedAt = b.now()
		}
	})
}

// SettleCompleted gives up waiting for the final status of commands that
// completed at least grace before now. They become unreported and are
// returned.
func (b *CommandBook) SettleCompleted(now time.Time, grace time.Duration) []types.CommandID {
	b.mu.Lock()
	defer b.mu.Unlock()

	var settled []types.CommandID
	for _, item := range b.records.Items() {
		rec := item.Object.(*CommandRecord)
		if rec.State != types.CommandStateCompleted || now.Sub(rec.CompletedAt) < grace {
			continue
		}
		rec.State = types.CommandStateUnreported
		rec.Error = "no final status from slave"
		b.finalize(rec)
		settled = append(settled, rec.ID)
	}
	slices.Sort(settled)
	return settled
}

// Finish moves id to a terminal state with reason. It reports false when id
// is unknown or already terminal.
func (b *CommandBook) Finish(id types.CommandID, state types.CommandState, reason string) bool {
	changed := false
	b.update(id, func(rec *CommandRecord) {
		if rec.State.IsTerminal() {
			return
		}
		changed = true
		rec.State = state
		if reason != "" {
			rec.Error = reason
		}
	})
	return changed
}

// Attempts returns how often id has been dispatched.
func (b *CommandBook) Attempts(id types.CommandID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if rec, ok := b.lookup(id); ok {
		return rec.Attempts
	}
	return 0
}

// ApplyStatus folds a status update from the identity sender into the
// record of its command and fans it out to watchers. It returns the slave
// the command is assigned to.
func (b *CommandBook) ApplyStatus(update types.StatusUpdate, sender secure.KeyID) (types.SlaveID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.lookup(update.CommandID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrCommandNotFound, update.CommandID)
	}
	if rec.SlaveID == "" || rec.SlaveKey != sender {
		return "", fmt.Errorf("%w: status for %s from unassigned identity %s", ErrProtocolViolation, update.CommandID, sender)
	}
	if rec.State.IsTerminal() || update.Seq <= rec.lastSeq {
		return rec.SlaveID, nil
	}
	rec.lastSeq = update.Seq

	switch update.Kind {
	case types.StatusHeartbeat:
		return rec.SlaveID, nil
	case types.StatusStarted:
		if rec.State == types.CommandStateDispatched {
			rec.State = types.CommandStateRunning
		}
	case types.StatusOutput:
		rec.output = appendTail(rec.output, []byte(update.Output), b.outputLimit)
	case types.StatusFinished:
		code := update.ExitCode
		rec.ExitCode = &code
		rec.Error = update.Error
		if code == 0 && update.Error == "" {
			rec.State = types.CommandStateSucceeded
		} else {
			rec.State = types.CommandStateFailed
		}
	}

	b.publish(rec.ID, update)
	if rec.State.IsTerminal() {
		b.finalize(rec)
	}
	return rec.SlaveID, nil
}

// Subscribe streams the status updates of id until it finishes or cancel
// is called. The channel is closed in both cases.
func (b *CommandBook) Subscribe(id types.CommandID) (<-chan types.StatusUpdate, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.lookup(id)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrCommandNotFound, id)
	}
	ch := make(chan types.StatusUpdate, 64)
	if rec.State.IsTerminal() {
		close(ch)
		return ch, func() {}, nil
	}
	if b.watchers[id] == nil {
		b.watchers[id] = make(map[chan types.StatusUpdate]struct{})
	}
	b.watchers[id][ch] = struct{}{}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.watchers[id][ch]; ok {
			delete(b.watchers[id], ch)
			if len(b.watchers[id]) == 0 {
				delete(b.watchers, id)
			}
			close(ch)
		}
	}
	return ch, cancel, nil
}

func (b *CommandBook) lookup(id types.CommandID) (*CommandRecord, bool) {
	obj, ok := b.records.Get(string(id))
	if !ok {
		return nil, false
	}
	return obj.(*CommandRecord), true
}

func (b *CommandBook) update(id types.CommandID, fn func(*CommandRecord)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.lookup(id)
	if !ok {
		return false
	}
	fn(rec)
	if rec.State.IsTerminal() {
		b.finalize(rec)
	}
	return true
}

// finalize stamps a terminal record, starts its retention clock and
// releases its watchers. Callers hold b.mu.
func (b *CommandBook) finalize(rec *CommandRecord) {
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = b.now()
		if b.notifier != nil {
			b.notifier.Notify(rec.Info())
		}
	}
	b.records.Set(string(rec.ID), rec, b.retention)
	for ch := range b.watchers[rec.ID] {
		close(ch)
	}
	delete(b.watchers, rec.ID)
}

func (b *CommandBook) publish(id types.CommandID, update types.StatusUpdate) {
	for ch := range b.watchers[id] {
		select {
		case ch <- update:
		default:
		}
	}
}

func appendTail(buf, chunk []byte, limit int) []byte {
	buf = append(buf, chunk...)
	if over := len(buf) - limit; over > 0 {
		buf = append(buf[:0:0], buf[over:]...)
	}
	return buf
}
