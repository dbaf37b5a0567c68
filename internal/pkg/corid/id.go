// Package corid is the controller's identifier service (spec.md §4.1):
// it hands out job, logical-data and physical-data ids from two disjoint
// ranges so either side of the wire can tell a controller-synthesized id
// from an application-spawned one without a lookup.
package corid

import (
	"fmt"
	"sync/atomic"
)

// schedulerBit marks every id the controller synthesizes itself (create,
// local-copy, remote-copy jobs and their physical instances) so that
// SchedulerProducedJobId is a pure function of the id's value.
const schedulerBit uint64 = 1 << 63

// maxID is the largest id value a single range can hand out before
// ExhaustedId fires.
const maxID uint64 = schedulerBit - 1

// Kind selects which id range a Service allocates from.
type Kind int

const (
	// Application ids are handed out for jobs the client application
	// spawns directly.
	Application Kind = iota
	// Scheduler ids are handed out for jobs and instances the controller
	// synthesizes itself (create-data, local-copy, remote-copy).
	Scheduler
)

// Service allocates unique job, logical-data and physical-data ids. A
// single Service instance is shared between the application-facing and
// controller-internal id spaces; each Kind draws from its own counter so
// the two spaces never collide.
type Service struct {
	jobCounters      [2]uint64
	logicalCounters  [2]uint64
	physicalCounters [2]uint64
}

// NewService creates an id Service whose job counters start at 1 (job id
// 0 is reserved for the synthetic root/kernel job); the logical and
// physical counters start at 0.
func NewService() *Service {
	s := &Service{}
	s.jobCounters[Application] = 1
	s.jobCounters[Scheduler] = 1
	return s
}

func allocate(counter *uint64, n uint64, kind Kind) ([]uint64, error) {
	next := atomic.AddUint64(counter, n)
	first := next - n
	if next > maxID {
		return nil, fmt.Errorf("corid: exhausted id space")
	}
	ids := make([]uint64, n)
	for i := uint64(0); i < n; i++ {
		v := first + i
		if kind == Scheduler {
			v |= schedulerBit
		}
		ids[i] = v
	}
	return ids, nil
}

// NewJobIds allocates n fresh job ids of the given kind.
func (s *Service) NewJobIds(n uint64, kind Kind) ([]uint64, error) {
	return allocate(&s.jobCounters[kind], n, kind)
}

// NewLogicalIds allocates n fresh logical-data ids. Logical ids are always
// application-visible (the application registers data), so there is only
// one range.
func (s *Service) NewLogicalIds(n uint64) ([]uint64, error) {
	return allocate(&s.logicalCounters[Application], n, Application)
}

// NewPhysicalIds allocates n fresh physical-data ids of the given kind.
func (s *Service) NewPhysicalIds(n uint64, kind Kind) ([]uint64, error) {
	return allocate(&s.physicalCounters[kind], n, kind)
}

// SchedulerProducedJobId is a pure function over the id value: it reports
// whether id was synthesized by the controller (create/copy jobs) rather
// than spawned by the application.
func SchedulerProducedJobId(id uint64) bool {
	return id&schedulerBit != 0
}
