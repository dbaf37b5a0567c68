// Package corldo is the controller's logical-data map (spec.md §4.2): the
// immutable mapping from a logical id to its variable name, region and
// partition, plus region-based lookups over that mapping.
package corldo

import (
	"fmt"
	"sync"

	"github.com/nimbus-project/nimbus/internal/pkg/corregion"
)

// LDO is a logical data object: an immutable tuple naming a slice of a
// named variable that tiles some region of the simulation domain.
type LDO struct {
	ID          uint64
	Variable    string
	PartitionID uint64
	Region      corregion.Box
}

// Mode selects the region predicate used by FindByRegion.
type Mode int

const (
	Intersecting Mode = iota
	Covered
	Adjacent
)

// Map is the controller's logical-data map. All mutations are
// serializable with respect to reads via a single reader-writer lock, the
// same discipline spec.md §5 mandates for the job graph.
type Map struct {
	mu         sync.RWMutex
	ldos       map[uint64]LDO
	partitions map[uint64]corregion.Box
}

// NewMap creates an empty logical-data map.
func NewMap() *Map {
	return &Map{
		ldos:       make(map[uint64]LDO),
		partitions: make(map[uint64]corregion.Box),
	}
}

// AddPartition registers a partition's region. Partitions must exist
// before an LDO can reference them.
func (m *Map) AddPartition(partitionID uint64, region corregion.Box) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partitions[partitionID] = region
}

// RemovePartition drops a partition. It does not touch LDOs that
// reference it; callers are expected to have removed those first.
func (m *Map) RemovePartition(partitionID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.partitions, partitionID)
}

// AddLogical registers a fresh logical id. Redefining an existing id is an
// error (spec.md §3 invariant: "a logical id is defined before any job
// references it; redefinition is an error").
func (m *Map) AddLogical(id uint64, variable string, partitionID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.ldos[id]; exists {
		return fmt.Errorf("corldo: logical id %d already defined", id)
	}
	region, ok := m.partitions[partitionID]
	if !ok {
		return fmt.Errorf("corldo: unknown partition %d", partitionID)
	}
	m.ldos[id] = LDO{ID: id, Variable: variable, PartitionID: partitionID, Region: region}
	return nil
}

// RemoveLogical drops a logical id.
func (m *Map) RemoveLogical(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ldos[id]; !ok {
		return fmt.Errorf("corldo: unknown logical id %d", id)
	}
	delete(m.ldos, id)
	return nil
}

// FindById looks up a single LDO by id.
func (m *Map) FindById(id uint64) (LDO, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ldo, ok := m.ldos[id]
	if !ok {
		return LDO{}, fmt.Errorf("corldo: unknown logical id %d", id)
	}
	return ldo, nil
}

// FindByRegion returns every LDO for variable whose region matches query
// under mode.
func (m *Map) FindByRegion(variable string, query corregion.Box, mode Mode) []LDO {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]LDO, 0)
	for _, ldo := range m.ldos {
		if ldo.Variable != variable {
			continue
		}
		var hit bool
		switch mode {
		case Covered:
			hit = query.Covers(ldo.Region)
		case Adjacent:
			hit = query.Adjacent(ldo.Region)
		default:
			hit = query.Intersects(ldo.Region)
		}
		if hit {
			matches = append(matches, ldo)
		}
	}
	return matches
}
