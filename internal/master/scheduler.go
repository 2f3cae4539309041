package master

import (
	"yqhp/buildfleet/internal/capability"
	"yqhp/buildfleet/pkg/types"
)

// Scheduler picks the idle slave a command is dispatched to.
type Scheduler struct {
	registry *Registry
}

// NewScheduler creates a scheduler over registry.
func NewScheduler(registry *Registry) *Scheduler {
	return &Scheduler{registry: registry}
}

// SelectSlave returns the best-fit idle slave for required, if any.
func (s *Scheduler) SelectSlave(required capability.Set) (types.SlaveID, bool) {
	return BestFit(s.registry.IdleSlaves(), required)
}

// BestFit returns the slave whose capabilities are a superset of required
// with the fewest capabilities. Ties go to the smallest id, so the result
// does not depend on the order of idle.
func BestFit(idle []IdleSlave, required capability.Set) (types.SlaveID, bool) {
	var (
		best     types.SlaveID
		bestSize int
		found    bool
	)
	for _, s := range idle {
		if !s.Capabilities.ContainsAll(required) {
			continue
		}
		size := s.Capabilities.Len()
		if !found || size < bestSize || (size == bestSize && s.ID < best) {
			best, bestSize, found = s.ID, size, true
		}
	}
	return best, found
}
