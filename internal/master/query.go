package master

import (
	"yqhp/buildfleet/pkg/types"
)

// Slaves returns snapshots of every registered slave, ordered by id.
func (e *Engine) Slaves() []*types.SlaveInfo {
	records := e.registry.List()
	infos := make([]*types.SlaveInfo, len(records))
	for i, rec := range records {
		infos[i] = rec.Info()
	}
	return infos
}

// Slave returns a snapshot of one slave.
func (e *Engine) Slave(id types.SlaveID) (*types.SlaveInfo, bool) {
	rec, ok := e.registry.Get(id)
	if !ok {
		return nil, false
	}
	return rec.Info(), true
}

// Command returns a snapshot of one command.
func (e *Engine) Command(id types.CommandID) (*types.CommandInfo, bool) {
	return e.commands.Get(id)
}

// CommandList returns the retained commands in state, oldest first. An
// empty state matches every command.
func (e *Engine) CommandList(state types.CommandState) []*types.CommandInfo {
	return e.commands.List(state)
}

// Watch streams the status updates of a command until it finishes.
func (e *Engine) Watch(id types.CommandID) (<-chan types.StatusUpdate, func(), error) {
	return e.commands.Subscribe(id)
}
