// Package corphys is the controller's physical-data table (spec.md §4.3):
// for each logical id, the set of physical instances resident on workers,
// with by-worker, by-worker-and-version and by-version queries. Updates
// are transactional on a single logical id.
package corphys

import (
	"fmt"
	"sync"
)

// Instance is a mutable physical data instance: a concrete copy of a
// logical id resident on one worker at one version.
type Instance struct {
	PhysicalID   uint64
	WorkerID     uint32
	LogicalID    uint64
	Version      uint64
	LastWriter   uint64 // 0 means never written
	ReaderJobIDs map[uint64]struct{}
}

func (i Instance) clone() Instance {
	readers := make(map[uint64]struct{}, len(i.ReaderJobIDs))
	for id := range i.ReaderJobIDs {
		readers[id] = struct{}{}
	}
	i.ReaderJobIDs = readers
	return i
}

// perLogical guards the instance list for one logical id, giving the table
// the "fine-grained lock per logical id" transactionality spec.md §4.3
// requires without serializing unrelated logical ids against each other.
type perLogical struct {
	mu        sync.Mutex
	instances map[uint64]Instance // physical id -> instance
}

// Table is the controller's physical-data table.
type Table struct {
	mu   sync.RWMutex // protects the top-level map only
	byLD map[uint64]*perLogical
}

// NewTable creates an empty physical-data table.
func NewTable() *Table {
	return &Table{byLD: make(map[uint64]*perLogical)}
}

func (t *Table) bucket(logicalID uint64) *perLogical {
	t.mu.RLock()
	b, ok := t.byLD[logicalID]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.byLD[logicalID]; ok {
		return b
	}
	b = &perLogical{instances: make(map[uint64]Instance)}
	t.byLD[logicalID] = b
	return b
}

// Create inserts a brand-new instance at version 0 whose last writer and
// sole reader is creator, per spec.md §4.3.
func (t *Table) Create(physicalID uint64, workerID uint32, logicalID, creator uint64) Instance {
	b := t.bucket(logicalID)
	b.mu.Lock()
	defer b.mu.Unlock()

	inst := Instance{
		PhysicalID:   physicalID,
		WorkerID:     workerID,
		LogicalID:    logicalID,
		Version:      0,
		LastWriter:   creator,
		ReaderJobIDs: map[uint64]struct{}{creator: {}},
	}
	b.instances[physicalID] = inst
	return inst.clone()
}

// Get returns a copy of the instance identified by physicalID.
func (t *Table) Get(logicalID, physicalID uint64) (Instance, error) {
	b := t.bucket(logicalID)
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instances[physicalID]
	if !ok {
		return Instance{}, fmt.Errorf("corphys: unknown physical instance %d", physicalID)
	}
	return inst.clone(), nil
}

// ByWorker returns every instance of logicalID resident at workerID.
func (t *Table) ByWorker(logicalID uint64, workerID uint32) []Instance {
	b := t.bucket(logicalID)
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Instance, 0)
	for _, inst := range b.instances {
		if inst.WorkerID == workerID {
			out = append(out, inst.clone())
		}
	}
	return out
}

// ByWorkerAndVersion returns every instance of logicalID resident at
// workerID holding exactly version.
func (t *Table) ByWorkerAndVersion(logicalID uint64, workerID uint32, version uint64) []Instance {
	b := t.bucket(logicalID)
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Instance, 0)
	for _, inst := range b.instances {
		if inst.WorkerID == workerID && inst.Version == version {
			out = append(out, inst.clone())
		}
	}
	return out
}

// ByVersion returns every instance of logicalID holding version, on any
// worker.
func (t *Table) ByVersion(logicalID uint64, version uint64) []Instance {
	b := t.bucket(logicalID)
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Instance, 0)
	for _, inst := range b.instances {
		if inst.Version == version {
			out = append(out, inst.clone())
		}
	}
	return out
}

// UpdateInstance atomically replaces old with updated. It fails with a
// StaleInstance-shaped error if old no longer matches the stored instance
// (concurrent conflicting update), per spec.md §4.3.
func (t *Table) UpdateInstance(old, updated Instance) error {
	if old.LogicalID != updated.LogicalID || old.PhysicalID != updated.PhysicalID {
		return fmt.Errorf("corphys: update must preserve logical/physical id")
	}
	b := t.bucket(old.LogicalID)
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.instances[old.PhysicalID]
	if !ok || cur.Version != old.Version || cur.LastWriter != old.LastWriter || !sameReaders(cur.ReaderJobIDs, old.ReaderJobIDs) {
		return fmt.Errorf("corphys: stale instance %d", old.PhysicalID)
	}
	b.instances[updated.PhysicalID] = updated.clone()
	return nil
}

// All returns every physical instance currently tracked, across every
// logical id. Used by checkpointing to snapshot the whole table's
// version/liveness state (spec.md §7).
func (t *Table) All() []Instance {
	t.mu.RLock()
	buckets := make([]*perLogical, 0, len(t.byLD))
	for _, b := range t.byLD {
		buckets = append(buckets, b)
	}
	t.mu.RUnlock()

	out := make([]Instance, 0)
	for _, b := range buckets {
		b.mu.Lock()
		for _, inst := range b.instances {
			out = append(out, inst.clone())
		}
		b.mu.Unlock()
	}
	return out
}

// Remove deletes an instance, e.g. once it is reclaimed (spec.md §3
// lifecycle: "reclaimed when no unassigned job still needs any version it
// currently holds").
func (t *Table) Remove(logicalID, physicalID uint64) {
	b := t.bucket(logicalID)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.instances, physicalID)
}

func sameReaders(a, b map[uint64]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}
