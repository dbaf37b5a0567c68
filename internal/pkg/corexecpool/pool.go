// Package corexecpool is the worker's execution pool (spec.md §4.10): a
// fixed-size pool of execution slots that dispatches ready vertices from
// the worker job graph, acquiring the physical instances each job touches
// in the correct mode before running it and releasing them afterward.
package corexecpool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	psg "github.com/petenewcomb/psg-go"

	"github.com/nimbus-project/nimbus/internal/pkg/corworkergraph"
)

// AccessMode is the exclusivity level a job requests when acquiring a
// physical instance.
type AccessMode int

const (
	ModeShared AccessMode = iota
	ModeReduce
	ModeExclusive
)

// AccessConflictError reports that a job tried to acquire a physical
// instance in a mode that conflicts with an existing holder — a scheduling
// bug, per spec.md §4.10.
type AccessConflictError struct {
	PhysicalID uint64
	JobID      uint64
}

func (e *AccessConflictError) Error() string {
	return fmt.Sprintf("corexecpool: job %d cannot acquire physical instance %d, exclusivity already held", e.JobID, e.PhysicalID)
}

type lock struct {
	mu        sync.Mutex
	exclusive bool
	sharedBy  map[uint64]struct{}
}

// InstanceLocks tracks the acquire/release state of every physical
// instance a running job might touch, giving C10 the "each physical
// instance is protected by a lock held for the duration of a C10
// acquire/release" discipline from spec.md §5.
type InstanceLocks struct {
	mu    sync.Mutex
	locks map[uint64]*lock
}

// NewInstanceLocks creates an empty instance-lock table.
func NewInstanceLocks() *InstanceLocks {
	return &InstanceLocks{locks: make(map[uint64]*lock)}
}

func (l *InstanceLocks) bucket(physicalID uint64) *lock {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.locks[physicalID]
	if !ok {
		b = &lock{sharedBy: make(map[uint64]struct{})}
		l.locks[physicalID] = b
	}
	return b
}

// Acquire claims physicalID for jobID in mode. Shared mode may be held by
// multiple concurrent jobs; reduce and exclusive mode require the instance
// to be otherwise unheld.
func (l *InstanceLocks) Acquire(jobID, physicalID uint64, mode AccessMode) error {
	b := l.bucket(physicalID)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch mode {
	case ModeShared:
		if b.exclusive {
			return &AccessConflictError{PhysicalID: physicalID, JobID: jobID}
		}
		b.sharedBy[jobID] = struct{}{}
	case ModeReduce, ModeExclusive:
		if b.exclusive || len(b.sharedBy) > 0 {
			return &AccessConflictError{PhysicalID: physicalID, JobID: jobID}
		}
		b.exclusive = true
	}
	return nil
}

// Release drops jobID's hold on physicalID.
func (l *InstanceLocks) Release(jobID, physicalID uint64, mode AccessMode) {
	b := l.bucket(physicalID)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch mode {
	case ModeShared:
		delete(b.sharedBy, jobID)
	case ModeReduce, ModeExclusive:
		b.exclusive = false
	}
}

// RunResult is the outcome of one dispatched job, passed to JobDone.
type RunResult struct {
	JobID           uint64
	RunNs           uint64
	WaitNs          uint64
	MaxAlloc        uint64
	IsSchedulerCopy bool
	Err             error
}

// JobSpec is everything the pool needs to dispatch one ready vertex:
// its instance-set for acquire/release and the function that actually
// executes it.
type JobSpec struct {
	JobID           uint64
	ReadSet         []uint64
	ReduceSet       []uint64
	WriteSet        []uint64
	ScratchSet      []uint64
	IsSchedulerCopy bool
	Run             func(ctx context.Context) error
}

// Pool dispatches ready vertices onto a bounded psg-go task pool, doing
// acquire/release of physical instances around each job's Run function and
// forwarding completions to the worker job graph.
type Pool struct {
	locks *InstanceLocks
	graph *corworkergraph.Graph

	limit int
}

// NewPool creates an execution pool with across_job_parallism execution
// slots, per spec.md §5.
func NewPool(graph *corworkergraph.Graph, locks *InstanceLocks, acrossJobParallelism int) *Pool {
	return &Pool{locks: locks, graph: graph, limit: acrossJobParallelism}
}

func (p *Pool) acquireAll(jobID uint64, spec JobSpec) error {
	for _, pid := range spec.ReadSet {
		if err := p.locks.Acquire(jobID, pid, ModeShared); err != nil {
			return err
		}
	}
	for _, pid := range spec.ReduceSet {
		if err := p.locks.Acquire(jobID, pid, ModeReduce); err != nil {
			return err
		}
	}
	for _, pid := range spec.WriteSet {
		if err := p.locks.Acquire(jobID, pid, ModeExclusive); err != nil {
			return err
		}
	}
	for _, pid := range spec.ScratchSet {
		if err := p.locks.Acquire(jobID, pid, ModeExclusive); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) releaseAll(jobID uint64, spec JobSpec) {
	for _, pid := range spec.ReadSet {
		p.locks.Release(jobID, pid, ModeShared)
	}
	for _, pid := range spec.ReduceSet {
		p.locks.Release(jobID, pid, ModeReduce)
	}
	for _, pid := range spec.WriteSet {
		p.locks.Release(jobID, pid, ModeExclusive)
	}
	for _, pid := range spec.ScratchSet {
		p.locks.Release(jobID, pid, ModeExclusive)
	}
}

// Run drains specs from the given channel through a bounded psg-go task
// pool until the channel closes or ctx is canceled, dispatching each on a
// pool slot and posting a RunResult for every completion.
func (p *Pool) Run(ctx context.Context, specs <-chan JobSpec, results chan<- RunResult) error {
	job := psg.NewJob(ctx)
	defer job.Cancel()
	taskPool := psg.NewTaskPool(job, p.limit)

	gather := psg.NewGather(func(_ context.Context, r RunResult, err error) error {
		if err != nil {
			r.Err = err
		}
		results <- r
		if finishErr := p.graph.Finish(r.JobID); finishErr != nil {
			return finishErr
		}
		return nil
	})

	for {
		select {
		case spec, ok := <-specs:
			if !ok {
				return job.GatherAll(ctx)
			}
			p.graph.MarkRunning(spec.JobID)
			spec := spec
			dispatchedAt := time.Now()
			if err := p.acquireAll(spec.JobID, spec); err != nil {
				results <- RunResult{JobID: spec.JobID, IsSchedulerCopy: spec.IsSchedulerCopy, Err: err}
				continue
			}
			err := gather.Scatter(ctx, taskPool, func(taskCtx context.Context) (RunResult, error) {
				waitNs := uint64(time.Since(dispatchedAt))
				var before, after runtime.MemStats
				runtime.ReadMemStats(&before)
				runStart := time.Now()
				runErr := spec.Run(taskCtx)
				runNs := uint64(time.Since(runStart))
				runtime.ReadMemStats(&after)
				p.releaseAll(spec.JobID, spec)
				return RunResult{
					JobID: spec.JobID, IsSchedulerCopy: spec.IsSchedulerCopy,
					RunNs: runNs, WaitNs: waitNs, MaxAlloc: after.Alloc,
				}, runErr
			})
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
