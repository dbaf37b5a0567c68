// Package corassign is the controller's job assigner (spec.md §4.7): given
// a ready job and its target worker, it walks the job's read/write set,
// makes sure a correctly-versioned physical instance exists at that worker
// for each logical id (creating, locally copying or remotely copying data
// as needed), extends the job's before-set with the instances' prior
// writers/readers, and finally emits an execute-compute instruction.
package corassign

import (
	"fmt"

	"github.com/nimbus-project/nimbus/internal/pkg/corid"
	"github.com/nimbus-project/nimbus/internal/pkg/corjobgraph"
	"github.com/nimbus-project/nimbus/internal/pkg/corphys"
)

// InstructionKind is the closed sum of controller-emitted assignment
// outcomes (spec.md §9: favor tagged variants over interface polymorphism).
type InstructionKind int

const (
	KindCreateData InstructionKind = iota
	KindLocalCopy
	KindRemoteCopySend
	KindRemoteCopyReceive
	KindExecuteCompute
)

// Instruction is one piece of work the assigner wants the controller to
// turn into a wire command. CreateData/LocalCopy/RemoteCopy* instructions
// carry a synthesized JobID from the scheduler id range (spec.md §4.1) so
// their completion can be tracked in the job graph like any other job.
type Instruction struct {
	Kind InstructionKind

	WorkerID     uint32
	PeerWorkerID uint32 // remote-copy pair partner

	JobID     uint64
	LogicalID uint64

	PhysicalID       uint64 // destination instance
	SourcePhysicalID uint64 // local-copy / remote-copy source instance
	Version          uint64

	Before map[uint64]struct{}
	After  map[uint64]struct{}

	// execute-compute only
	Name             string
	PhysicalReadSet  []uint64
	PhysicalWriteSet []uint64
	Params           []byte
}

// UnreachableVersionError reports that no instance holding the version a
// job needs could be found on any worker: the controller has lost a
// version (spec.md §4.7).
type UnreachableVersionError struct {
	JobID     uint64
	LogicalID uint64
	Version   uint64
}

func (e *UnreachableVersionError) Error() string {
	return fmt.Sprintf("corassign: job %d cannot reach version %d of logical id %d on any worker", e.JobID, e.Version, e.LogicalID)
}

// Assigner performs C7's per-job instance selection against the shared
// physical-data table and job graph.
type Assigner struct {
	phys  *corphys.Table
	graph *corjobgraph.Graph
	ids   *corid.Service
}

// NewAssigner builds an assigner over the given collaborators.
func NewAssigner(phys *corphys.Table, graph *corjobgraph.Graph, ids *corid.Service) *Assigner {
	return &Assigner{phys: phys, graph: graph, ids: ids}
}

func (a *Assigner) freshPhysicalID() (uint64, error) {
	ids, err := a.ids.NewPhysicalIds(1, corid.Scheduler)
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

func (a *Assigner) freshJobID() (uint64, error) {
	ids, err := a.ids.NewJobIds(1, corid.Scheduler)
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// freeInstance returns an instance at workerID with no active readers: it
// is safe to overwrite or hand out as a local-copy destination. Instances
// still being read by a pending job are never free.
func (a *Assigner) freeInstance(logicalID uint64, workerID uint32) (*corphys.Instance, bool) {
	for _, inst := range a.phys.ByWorker(logicalID, workerID) {
		if len(inst.ReaderJobIDs) == 0 {
			inst := inst
			return &inst, true
		}
	}
	return nil, false
}

// othersStillNeedVersion reports whether some job other than requester
// still has version in its input or output requirements for logicalID.
// This walks every unversioned/unassigned entry the graph currently holds,
// which is the only bookkeeping C4 exposes for "pending" jobs.
func (a *Assigner) othersStillNeedVersion(logicalID, version, requester uint64) bool {
	for _, e := range a.graph.Unversioned() {
		if e.JobID == requester {
			continue
		}
		if _, ok := e.ReadSet[logicalID]; ok {
			return true
		}
	}
	for _, e := range a.graph.GetJobsReadyToAssign(0) {
		if e.JobID == requester {
			continue
		}
		if v, ok := e.InputVer[logicalID]; ok && v == version {
			return true
		}
	}
	return false
}

// wouldSerialize reports whether handing inst to job would force job into
// an after-chain behind a job outside job's transitive before-set (spec.md
// §4.7's "unwanted serialization"). An instance whose last writer or
// current readers are already known-done never serializes, since the job
// graph has already dropped that dependency.
func (a *Assigner) wouldSerialize(inst corphys.Instance, job *corjobgraph.Entry) bool {
	holders := make([]uint64, 0, len(inst.ReaderJobIDs)+1)
	if inst.LastWriter != 0 {
		holders = append(holders, inst.LastWriter)
	}
	for r := range inst.ReaderJobIDs {
		holders = append(holders, r)
	}
	for _, h := range holders {
		if h == job.JobID || a.graph.IsDone(h) {
			continue
		}
		if _, inBefore := job.Before[h]; !inBefore {
			return true
		}
	}
	return false
}

func (a *Assigner) pickNonSerializing(candidates []corphys.Instance, job *corjobgraph.Entry) *corphys.Instance {
	for _, c := range candidates {
		if !a.wouldSerialize(c, job) {
			c := c
			return &c
		}
	}
	return nil
}

func union(sets ...map[uint64]struct{}) map[uint64]struct{} {
	out := make(map[uint64]struct{})
	for _, s := range sets {
		for k := range s {
			out[k] = struct{}{}
		}
	}
	return out
}

// Assign implements the spec.md §4.7 case table for job at workerID,
// returning the ordered instructions the controller must turn into wire
// commands (creates/copies first, execute-compute last).
func (a *Assigner) Assign(job *corjobgraph.Entry, workerID uint32) ([]Instruction, error) {
	var instrs []Instruction

	physRead := make(map[uint64]uint64)
	physWrite := make(map[uint64]uint64)
	before := make(map[uint64]struct{}, len(job.Before))
	for k := range job.Before {
		before[k] = struct{}{}
	}

	for l := range union(job.ReadSet, job.WriteSet) {
		_, isRead := job.ReadSet[l]
		_, isWrite := job.WriteSet[l]
		wantVersion := job.InputVer[l]

		if isWrite && !isRead {
			inst, ok := a.freeInstance(l, workerID)
			if ok {
				physWrite[l] = inst.PhysicalID
				continue
			}
			pid, err := a.freshPhysicalID()
			if err != nil {
				return nil, err
			}
			cjid, err := a.freshJobID()
			if err != nil {
				return nil, err
			}
			a.phys.Create(pid, workerID, l, cjid)
			instrs = append(instrs, Instruction{Kind: KindCreateData, WorkerID: workerID, JobID: cjid, LogicalID: l, PhysicalID: pid})
			physWrite[l] = pid
			continue
		}

		// isRead (possibly also isWrite, handled by the read-set clauses per
		// spec.md §4.7's case table).
		atW := a.phys.ByWorkerAndVersion(l, workerID, wantVersion)
		switch {
		case len(atW) >= 2:
			chosen := a.pickNonSerializing(atW, job)
			if chosen != nil {
				physRead[l] = chosen.PhysicalID
				if isWrite {
					physWrite[l] = chosen.PhysicalID
				}
				continue
			}
			pid, err := a.freshPhysicalID()
			if err != nil {
				return nil, err
			}
			cjid, err := a.freshJobID()
			if err != nil {
				return nil, err
			}
			a.phys.Create(pid, workerID, l, cjid)
			instrs = append(instrs, Instruction{Kind: KindLocalCopy, WorkerID: workerID, JobID: cjid, LogicalID: l, SourcePhysicalID: atW[0].PhysicalID, PhysicalID: pid, Version: wantVersion})
			physRead[l] = pid
			if isWrite {
				physWrite[l] = pid
			}

		case len(atW) == 1:
			inst := atW[0]
			needsBackup := isWrite && a.othersStillNeedVersion(l, wantVersion, job.JobID)
			serializes := a.wouldSerialize(inst, job)

			switch {
			case needsBackup:
				pid, err := a.freshPhysicalID()
				if err != nil {
					return nil, err
				}
				cjid, err := a.freshJobID()
				if err != nil {
					return nil, err
				}
				a.phys.Create(pid, workerID, l, cjid)
				instrs = append(instrs, Instruction{Kind: KindLocalCopy, WorkerID: workerID, JobID: cjid, LogicalID: l, SourcePhysicalID: inst.PhysicalID, PhysicalID: pid, Version: wantVersion})
				physRead[l] = inst.PhysicalID
				if isWrite {
					physWrite[l] = inst.PhysicalID
				}
			case serializes:
				pid, err := a.freshPhysicalID()
				if err != nil {
					return nil, err
				}
				cjid, err := a.freshJobID()
				if err != nil {
					return nil, err
				}
				a.phys.Create(pid, workerID, l, cjid)
				instrs = append(instrs, Instruction{Kind: KindLocalCopy, WorkerID: workerID, JobID: cjid, LogicalID: l, SourcePhysicalID: inst.PhysicalID, PhysicalID: pid, Version: wantVersion})
				physRead[l] = pid
				if isWrite {
					physWrite[l] = pid
				}
			default:
				physRead[l] = inst.PhysicalID
				if isWrite {
					physWrite[l] = inst.PhysicalID
				}
			}

		case len(atW) == 0:
			if wantVersion == 0 {
				pid, err := a.freshPhysicalID()
				if err != nil {
					return nil, err
				}
				cjid, err := a.freshJobID()
				if err != nil {
					return nil, err
				}
				a.phys.Create(pid, workerID, l, cjid)
				instrs = append(instrs, Instruction{Kind: KindCreateData, WorkerID: workerID, JobID: cjid, LogicalID: l, PhysicalID: pid})
				physRead[l] = pid
				if isWrite {
					physWrite[l] = pid
				}
				continue
			}

			remote, ok := a.findRemote(l, wantVersion, workerID)
			if !ok {
				return nil, &UnreachableVersionError{JobID: job.JobID, LogicalID: l, Version: wantVersion}
			}
			pid, err := a.freshPhysicalID()
			if err != nil {
				return nil, err
			}
			sendJID, err := a.freshJobID()
			if err != nil {
				return nil, err
			}
			recvJID, err := a.freshJobID()
			if err != nil {
				return nil, err
			}
			// the receive job is the one that materializes pid at this
			// worker, so it -- not the compute job waiting on it -- is the
			// instance's creator/writer of record.
			a.phys.Create(pid, workerID, l, recvJID)
			// the send names the receive in its after-set and the receive
			// names the send in its before-set, so the receive can never run
			// ahead of the send regardless of the two workers' independent
			// command-processing order (spec.md §4.7's ordering guarantee).
			instrs = append(instrs,
				Instruction{Kind: KindRemoteCopySend, WorkerID: remote.WorkerID, PeerWorkerID: workerID, JobID: sendJID, LogicalID: l, SourcePhysicalID: remote.PhysicalID, Version: wantVersion, After: newSet(recvJID)},
				Instruction{Kind: KindRemoteCopyReceive, WorkerID: workerID, PeerWorkerID: remote.WorkerID, JobID: recvJID, LogicalID: l, PhysicalID: pid, Version: wantVersion, Before: newSet(sendJID)},
			)
			physRead[l] = pid
			if isWrite {
				physWrite[l] = pid
			}
		}
	}

	// physRead and physWrite share the same pid for any logical id the job
	// both reads and writes, but a write-only id (the common first-touch
	// case) only ever lands in physWrite -- so both maps must be walked, or
	// the create-data/local-copy/remote-copy-receive job that just
	// materialized a write-only instance is never folded into before.
	touched := make(map[uint64]uint64, len(physRead)+len(physWrite))
	for l, pid := range physRead {
		touched[l] = pid
	}
	for l, pid := range physWrite {
		touched[l] = pid
	}
	for l, pid := range touched {
		inst, err := a.phys.Get(l, pid)
		if err != nil {
			continue
		}
		// job.JobID itself can already show up here as a reader/writer of
		// record if a prior Assign call for this same job recorded it (see
		// recordReader/recordWriter below) -- never fold that back into its
		// own before-set.
		if inst.LastWriter != 0 && inst.LastWriter != job.JobID && !a.graph.IsDone(inst.LastWriter) {
			before[inst.LastWriter] = struct{}{}
		}
		for r := range inst.ReaderJobIDs {
			if r != job.JobID && !a.graph.IsDone(r) {
				before[r] = struct{}{}
			}
		}
	}

	// Record job as a reader/writer of every physical instance it was just
	// assigned, per spec.md §4.7's "updates C3 with new reader/writer
	// relations" — done synchronously here, mirroring the ground-truth
	// AllocateLdoInstanceToJob's UpdatePhysicalInstance call, so a
	// concurrently-assigned job's before-set/wouldSerialize checks see this
	// job as a live holder instead of only discovering it once it finishes.
	for l, pid := range physRead {
		if err := a.recordReader(l, pid, job.JobID); err != nil {
			return nil, err
		}
	}
	for l, pid := range physWrite {
		if err := a.recordWriter(l, pid, job.JobID); err != nil {
			return nil, err
		}
	}

	readIDs := make([]uint64, 0, len(physRead))
	for _, pid := range physRead {
		readIDs = append(readIDs, pid)
	}
	writeIDs := make([]uint64, 0, len(physWrite))
	for _, pid := range physWrite {
		writeIDs = append(writeIDs, pid)
	}

	instrs = append(instrs, Instruction{
		Kind:             KindExecuteCompute,
		WorkerID:         workerID,
		JobID:            job.JobID,
		Name:             job.Name,
		PhysicalReadSet:  readIDs,
		PhysicalWriteSet: writeIDs,
		Before:           before,
		After:            job.After,
		Params:           job.Params,
	})
	return instrs, nil
}

// recordReader inserts jobID into the reader set of the physical instance
// backing logicalID/physicalID, so a later job's wouldSerialize/before-set
// computation sees it as a live holder. A concurrent conflicting update is
// retried, since only the reader-set insertion itself is at stake.
func (a *Assigner) recordReader(logicalID, physicalID, jobID uint64) error {
	for {
		inst, err := a.phys.Get(logicalID, physicalID)
		if err != nil {
			return err
		}
		if _, ok := inst.ReaderJobIDs[jobID]; ok {
			return nil
		}
		updated := inst
		updated.ReaderJobIDs = make(map[uint64]struct{}, len(inst.ReaderJobIDs)+1)
		for id := range inst.ReaderJobIDs {
			updated.ReaderJobIDs[id] = struct{}{}
		}
		updated.ReaderJobIDs[jobID] = struct{}{}
		if err := a.phys.UpdateInstance(inst, updated); err != nil {
			continue
		}
		return nil
	}
}

// recordWriter marks jobID as the pending writer of the physical instance
// backing logicalID/physicalID. The version bump itself only happens once
// the job actually finishes (Controller.HandleJobDone's recordWrite); this
// only establishes the before-set dependency a later job assigned before
// jobID completes must respect.
func (a *Assigner) recordWriter(logicalID, physicalID, jobID uint64) error {
	for {
		inst, err := a.phys.Get(logicalID, physicalID)
		if err != nil {
			return err
		}
		if inst.LastWriter == jobID {
			return nil
		}
		updated := inst
		updated.LastWriter = jobID
		if err := a.phys.UpdateInstance(inst, updated); err != nil {
			continue
		}
		return nil
	}
}

func (a *Assigner) findRemote(logicalID, version uint64, excludeWorker uint32) (corphys.Instance, bool) {
	for _, inst := range a.phys.ByVersion(logicalID, version) {
		if inst.WorkerID != excludeWorker {
			return inst, true
		}
	}
	return corphys.Instance{}, false
}

func newSet(ids ...uint64) map[uint64]struct{} {
	s := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}
