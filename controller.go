package nimbus

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	pb "gopkg.in/cheggaaa/pb.v1"

	"github.com/nimbus-project/nimbus/internal/pkg/corassign"
	"github.com/nimbus-project/nimbus/internal/pkg/corfs"
	"github.com/nimbus-project/nimbus/internal/pkg/corid"
	"github.com/nimbus-project/nimbus/internal/pkg/corjobgraph"
	"github.com/nimbus-project/nimbus/internal/pkg/corldo"
	"github.com/nimbus-project/nimbus/internal/pkg/corphys"
	"github.com/nimbus-project/nimbus/internal/pkg/corregion"
	"github.com/nimbus-project/nimbus/internal/pkg/corselect"
	"github.com/nimbus-project/nimbus/internal/pkg/corwire"
)

// workerAddr is where a worker's data-exchange endpoint lives, learned
// from its handshake and used to address RemoteCopySend instructions at
// a peer worker.
type workerAddr struct {
	IP   string
	Port uint16
}

// Controller is the process that owns every scheduling collaborator
// (C1-C8): it accepts spawned jobs and defined data from the application,
// resolves versions, selects a worker and assigns physical instances for
// each ready job, and turns the result into wire commands sent down each
// worker's command connection. Its shape -- one struct bundling every
// collaborator plus a config, built by NewController from a config --
// follows the same pattern corral's Driver used for its own job/executor/
// cache bundle.
type Controller struct {
	config ClusterConfig

	ids      *corid.Service
	ldos     *corldo.Map
	phys     *corphys.Table
	graph    *corjobgraph.Graph
	selector *corselect.Selector
	assigner *corassign.Assigner
	checkpointFS corfs.FileSystem

	sem *semaphore.Weighted // bounds concurrent outbound command sends

	mu          sync.Mutex
	conns       map[uint32]net.Conn
	addrs       map[uint32]workerAddr
	physToLogical map[uint64]uint64 // physical id -> logical id, for done bookkeeping

	jobPhys map[uint64]jobPhysSets // execute-compute job id -> its physical read/write sets, for HandleJobDone

	jobsSinceCheckpoint int
	checkpointGen       uint64
	connectionResets    uint64 // cumulative, from every worker's JobDone.ConnectionResets

	bar *pb.ProgressBar
}

// jobPhysSets is the physical instance bookkeeping HandleJobDone needs to
// release readers and record writers once a job completes.
type jobPhysSets struct {
	Read  []uint64
	Write []uint64
}

// checkpointEntry is the controller's own state snapshot for one
// prepare-rewind checkpoint (workers write no checkpoint data of their
// own): the version every logical id
// held at that instant, and every physical instance still live anywhere in
// the cluster, so a rewind knows which physical copies to trust and which
// version to demand of each one.
type checkpointEntry struct {
	CheckpointID  uint64                 `json:"checkpoint_id"`
	Versions      corjobgraph.VersionMap `json:"versions"`
	LiveInstances []checkpointInstance   `json:"live_instances"`
	JobsSinceLast int                    `json:"jobs_since_last_checkpoint"`
}

type checkpointInstance struct {
	PhysicalID uint64 `json:"physical_id"`
	LogicalID  uint64 `json:"logical_id"`
	WorkerID   uint32 `json:"worker_id"`
	Version    uint64 `json:"version"`
}

// buildCheckpointEntry snapshots the controller's version map and physical
// table for checkpointID. The version map is derived from the physical
// table itself -- the highest version any live instance of a logical id
// holds -- since that is what a rewind actually needs to know which
// version to demand of each surviving physical copy.
func (c *Controller) buildCheckpointEntry(checkpointID uint64) checkpointEntry {
	entry := checkpointEntry{
		CheckpointID:  checkpointID,
		Versions:      make(corjobgraph.VersionMap),
		JobsSinceLast: c.jobsSinceCheckpoint,
	}
	for _, inst := range c.phys.All() {
		entry.LiveInstances = append(entry.LiveInstances, checkpointInstance{
			PhysicalID: inst.PhysicalID,
			LogicalID:  inst.LogicalID,
			WorkerID:   inst.WorkerID,
			Version:    inst.Version,
		})
		if inst.Version > entry.Versions[inst.LogicalID] {
			entry.Versions[inst.LogicalID] = inst.Version
		}
	}
	sort.Slice(entry.LiveInstances, func(i, j int) bool {
		return entry.LiveInstances[i].PhysicalID < entry.LiveInstances[j].PhysicalID
	})
	return entry
}

// NewController builds a Controller over a fresh domain, subdividing it
// into one worker cell per config.WorkerCount.
func NewController(config ClusterConfig, domain corregion.Box) (*Controller, error) {
	selector, err := corselect.NewSelector(domain, config.WorkerCount)
	if err != nil {
		return nil, fmt.Errorf("controller: %w", err)
	}

	checkpointFS, err := corfs.InitFilesystem(corfs.FileSystemType(config.CheckpointFSType))
	if err != nil {
		return nil, fmt.Errorf("controller: checkpoint filesystem: %w", err)
	}

	ids := corid.NewService()
	graph := corjobgraph.NewGraph()
	phys := corphys.NewTable()

	c := &Controller{
		config:        config,
		ids:           ids,
		ldos:          corldo.NewMap(),
		phys:          phys,
		graph:         graph,
		selector:      selector,
		assigner:      corassign.NewAssigner(phys, graph, ids),
		checkpointFS:  checkpointFS,
		sem:           semaphore.NewWeighted(int64(config.AcrossJobParallelism) * int64(config.WorkerCount)),
		conns:         make(map[uint32]net.Conn),
		addrs:         make(map[uint32]workerAddr),
		physToLogical: make(map[uint64]uint64),
		jobPhys:       make(map[uint64]jobPhysSets),
	}
	return c, nil
}

// DefinePartition registers a partition's region, before any logical id
// can reference it.
func (c *Controller) DefinePartition(partitionID uint64, region corregion.Box) {
	c.ldos.AddPartition(partitionID, region)
}

// DefineLogical registers a fresh logical id owned by parentJobID's output,
// per spec.md §4.2/§4.4.
func (c *Controller) DefineLogical(parentJobID, logicalID uint64, variable string, partitionID uint64) error {
	if err := c.ldos.AddLogical(logicalID, variable, partitionID); err != nil {
		return err
	}
	return c.graph.DefineData(parentJobID, logicalID)
}

// SpawnJob allocates a fresh application job id and adds it to the job
// graph, unversioned, for the resolver and assigner loop to pick up.
func (c *Controller) SpawnJob(name string, parentID uint64, readSet, writeSet, before []uint64, params []byte) (uint64, error) {
	ids, err := c.ids.NewJobIds(1, corid.Application)
	if err != nil {
		return 0, err
	}
	jobID := ids[0]
	entry := corjobgraph.NewEntry(jobID, corjobgraph.KindApplicationCompute, name, parentID, readSet, writeSet, before)
	if err := c.graph.AddJob(entry); err != nil {
		return 0, err
	}
	return jobID, nil
}

// RegisterWorker records a worker's data-exchange address from its
// handshake, so RemoteCopySend instructions can address a peer worker.
func (c *Controller) RegisterWorker(workerID uint32, ip string, port uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addrs[workerID] = workerAddr{IP: ip, Port: port}
}

// connFor returns the worker's command connection, established by
// ServeWorker when the worker dialed in and handshook. The controller
// never dials a worker's command port itself.
func (c *Controller) connFor(workerID uint32) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[workerID]
	if !ok {
		return nil, fmt.Errorf("controller: worker %d has not connected", workerID)
	}
	return conn, nil
}

func (c *Controller) forgetConn(workerID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[workerID]; ok {
		conn.Close()
		delete(c.conns, workerID)
	}
}

func sortedKeys(s map[uint64]struct{}) []uint64 {
	out := make([]uint64, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// send encodes and delivers cmd to workerID's command connection. A missing
// connection or a write failure surfaces as a TransportError, the one recoverable failure
// kind the prepare-rewind path exists for (spec.md §4.8).
func (c *Controller) send(ctx context.Context, workerID uint32, cmd corwire.Command) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	conn, err := c.connFor(workerID)
	if err != nil {
		return NewError(KindTransportError, 0, err)
	}
	frame, err := corwire.Encode(cmd)
	if err != nil {
		return NewError(KindTransportError, 0, err)
	}
	if err := corwire.WriteFrame(conn, frame); err != nil {
		c.forgetConn(workerID)
		return NewError(KindTransportError, 0, err)
	}
	return nil
}

// translate turns one assigner instruction into the wire command that
// carries it, recording physical->logical mappings for later done
// bookkeeping along the way.
func (c *Controller) translate(instr corassign.Instruction) (corwire.Command, error) {
	before := sortedKeys(instr.Before)
	switch instr.Kind {
	case corassign.KindCreateData:
		c.recordPhysical(instr.PhysicalID, instr.LogicalID)
		ldo, err := c.ldos.FindById(instr.LogicalID)
		variable := ""
		if err == nil {
			variable = ldo.Variable
		}
		return corwire.Command{Kind: corwire.KindCreateData, CreateData: &corwire.CreateData{
			JobID: instr.JobID, Variable: variable, LogicalID: instr.LogicalID, PhysicalID: instr.PhysicalID, Before: before,
		}}, nil

	case corassign.KindLocalCopy:
		c.recordPhysical(instr.PhysicalID, instr.LogicalID)
		return corwire.Command{Kind: corwire.KindLocalCopy, LocalCopy: &corwire.LocalCopy{
			JobID: instr.JobID, FromPhys: instr.SourcePhysicalID, ToPhys: instr.PhysicalID, Before: before,
		}}, nil

	case corassign.KindRemoteCopySend:
		recvID := uint64(0)
		for id := range instr.After {
			recvID = id
		}
		addr, ok := c.addrs[instr.PeerWorkerID]
		if !ok {
			return corwire.Command{}, fmt.Errorf("controller: no known address for worker %d", instr.PeerWorkerID)
		}
		return corwire.Command{Kind: corwire.KindRemoteCopySend, RemoteCopySend: &corwire.RemoteCopySend{
			JobID: instr.JobID, ReceiveJobID: recvID, FromPhys: instr.SourcePhysicalID,
			ToWorker: instr.PeerWorkerID, ToIP: addr.IP, ToPort: addr.Port, Before: before,
		}}, nil

	case corassign.KindRemoteCopyReceive:
		c.recordPhysical(instr.PhysicalID, instr.LogicalID)
		return corwire.Command{Kind: corwire.KindRemoteCopyReceive, RemoteCopyReceive: &corwire.RemoteCopyReceive{
			JobID: instr.JobID, ToPhys: instr.PhysicalID, Before: before,
		}}, nil

	case corassign.KindExecuteCompute:
		c.mu.Lock()
		c.jobPhys[instr.JobID] = jobPhysSets{Read: instr.PhysicalReadSet, Write: instr.PhysicalWriteSet}
		c.mu.Unlock()
		return corwire.Command{Kind: corwire.KindExecuteCompute, ExecuteCompute: &corwire.ExecuteCompute{
			JobID: instr.JobID, Name: instr.Name,
			PhysReadIDs: instr.PhysicalReadSet, PhysWriteIDs: instr.PhysicalWriteSet,
			Before: before, After: sortedKeys(instr.After), Params: instr.Params,
		}}, nil

	default:
		return corwire.Command{}, fmt.Errorf("controller: unknown instruction kind %d", instr.Kind)
	}
}

func (c *Controller) recordPhysical(physicalID, logicalID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.physToLogical[physicalID] = logicalID
}

func (c *Controller) logicalOf(physicalID uint64) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.physToLogical[physicalID]
	return l, ok
}

// registerSyntheticJob adds a scheduler-produced create/copy job into the
// job graph as an already-versioned, already-assigned entry so that
// wouldSerialize and othersStillNeedVersion see it complete once its
// JobDone arrives, the same way an application job would.
func (c *Controller) registerSyntheticJob(instr corassign.Instruction) error {
	var kind corjobgraph.Kind
	switch instr.Kind {
	case corassign.KindCreateData:
		kind = corjobgraph.KindCreateData
	case corassign.KindLocalCopy:
		kind = corjobgraph.KindLocalCopy
	case corassign.KindRemoteCopySend:
		kind = corjobgraph.KindRemoteCopySend
	case corassign.KindRemoteCopyReceive:
		kind = corjobgraph.KindRemoteCopyReceive
	default:
		return nil
	}
	entry := corjobgraph.NewEntry(instr.JobID, kind, syntheticJobName(kind), corjobgraph.KernelJobID, nil, nil, nil)
	for id := range instr.Before {
		entry.Before[id] = struct{}{}
	}
	entry.Versioned = true
	entry.Assigned = true
	entry.OutputVer = corjobgraph.VersionMap{}
	return c.graph.AddJob(entry)
}

func syntheticJobName(kind corjobgraph.Kind) string {
	switch kind {
	case corjobgraph.KindCreateData:
		return "create-data"
	case corjobgraph.KindLocalCopy:
		return "local-copy"
	case corjobgraph.KindRemoteCopySend:
		return "remote-copy-send"
	case corjobgraph.KindRemoteCopyReceive:
		return "remote-copy-receive"
	default:
		return "unknown"
	}
}

// AssignReady resolves as many pending versions as possible, then walks
// every newly-ready job: picking a worker, computing its instructions and
// dispatching the resulting wire commands. It returns the number of
// application jobs dispatched.
func (c *Controller) AssignReady(ctx context.Context) (int, error) {
	if _, err := c.graph.ResolveAll(); err != nil {
		return 0, err
	}

	ready := c.graph.GetJobsReadyToAssign(0)
	dispatched := 0
	for _, job := range ready {
		ldos := c.ldosFor(job)
		workerID, err := c.selector.Select(ldos)
		if err != nil {
			return dispatched, err
		}

		instrs, err := c.assigner.Assign(job, workerID)
		if err != nil {
			return dispatched, err
		}
		job.Assigned = true
		job.AssignedWorker = workerID

		for _, instr := range instrs {
			if instr.Kind != corassign.KindExecuteCompute {
				if err := c.registerSyntheticJob(instr); err != nil {
					return dispatched, err
				}
			}
			cmd, err := c.translate(instr)
			if err != nil {
				return dispatched, err
			}
			if err := c.send(ctx, instr.WorkerID, cmd); err != nil {
				return dispatched, err
			}
		}
		dispatched++
		c.jobsSinceCheckpoint++
	}

	if c.config.CheckpointIntervalJobs > 0 && c.jobsSinceCheckpoint >= c.config.CheckpointIntervalJobs {
		if err := c.PrepareRewind(ctx); err != nil {
			return dispatched, err
		}
	}
	return dispatched, nil
}

func (c *Controller) ldosFor(job *corjobgraph.Entry) []corldo.LDO {
	ids := make(map[uint64]struct{}, len(job.ReadSet)+len(job.WriteSet))
	for id := range job.ReadSet {
		ids[id] = struct{}{}
	}
	for id := range job.WriteSet {
		ids[id] = struct{}{}
	}
	out := make([]corldo.LDO, 0, len(ids))
	for id := range ids {
		if ldo, err := c.ldos.FindById(id); err == nil {
			out = append(out, ldo)
		}
	}
	return out
}

// HandleJobDone applies a worker's completion report: marking the job
// graph entry done and releasing the physical-instance bookkeeping the
// assigner relies on for its next pass. Scheduler-copy jobs (create/copy)
// were registered with no physical read/write sets of their own -- their
// instance bookkeeping already happened at Assign time -- so this only
// does work for application compute jobs.
func (c *Controller) HandleJobDone(jd *corwire.JobDone) error {
	c.mu.Lock()
	sets, hasSets := c.jobPhys[jd.JobID]
	delete(c.jobPhys, jd.JobID)
	c.connectionResets += jd.ConnectionResets
	c.mu.Unlock()

	if hasSets {
		for _, pid := range sets.Read {
			c.releaseReader(pid, jd.JobID)
		}
		for _, pid := range sets.Write {
			c.recordWrite(pid, jd.JobID)
		}
		if c.bar != nil {
			c.bar.Increment()
		}
	}
	return c.graph.MarkDone(jd.JobID)
}

// ServeWorker handles one worker's persistent command connection: its
// handshake registers the worker's address, and every JobDone it reports
// afterward feeds HandleJobDone until the connection closes.
func (c *Controller) ServeWorker(conn net.Conn) error {
	cmd, err := corwire.ReadCommand(conn)
	if err != nil {
		return fmt.Errorf("controller: handshake: %w", err)
	}
	if cmd.Kind != corwire.KindHandshake {
		return fmt.Errorf("controller: expected handshake, got %s", cmd.Kind)
	}
	h := cmd.Handshake
	c.RegisterWorker(h.WorkerID, h.IP, h.Port)
	log.Infof("controller: worker %d handshake from %s:%d (uptime %.1fs)", h.WorkerID, h.IP, h.Port, h.Time)

	c.mu.Lock()
	c.conns[h.WorkerID] = conn
	c.mu.Unlock()

	for {
		cmd, err := corwire.ReadCommand(conn)
		if err != nil {
			return NewError(KindTransportError, 0, err)
		}
		if cmd.Kind != corwire.KindJobDone {
			log.Warnf("controller: unexpected command %s from worker %d", cmd.Kind, h.WorkerID)
			continue
		}
		if err := c.HandleJobDone(cmd.JobDone); err != nil {
			log.Errorf("controller: job-done %d: %v", cmd.JobDone.JobID, err)
		}
	}
}

func (c *Controller) releaseReader(physicalID, jobID uint64) {
	logicalID, ok := c.logicalOf(physicalID)
	if !ok {
		return
	}
	inst, err := c.phys.Get(logicalID, physicalID)
	if err != nil {
		return
	}
	updated := inst
	updated.ReaderJobIDs = make(map[uint64]struct{}, len(inst.ReaderJobIDs))
	for id := range inst.ReaderJobIDs {
		if id != jobID {
			updated.ReaderJobIDs[id] = struct{}{}
		}
	}
	_ = c.phys.UpdateInstance(inst, updated)
}

func (c *Controller) recordWrite(physicalID, jobID uint64) {
	logicalID, ok := c.logicalOf(physicalID)
	if !ok {
		return
	}
	inst, err := c.phys.Get(logicalID, physicalID)
	if err != nil {
		return
	}
	updated := inst
	updated.LastWriter = jobID
	updated.Version++
	// The new version has no readers yet -- this also drops the reader
	// placeholder Create seeded for jobID itself (corphys.Create registers
	// its creator as both writer and first reader), which is what lets
	// corassign's freeInstance ever see this instance as free again.
	updated.ReaderJobIDs = make(map[uint64]struct{})
	_ = c.phys.UpdateInstance(inst, updated)
}

// PrepareRewind is the checkpoint hook (spec.md §4.4's recovery hook): it
// sends prepare-rewind to every known worker, which quiesces its job graph,
// then persists the controller's own manifest. It does not wait for any
// acknowledgement from the workers and does not roll anything back.
func (c *Controller) PrepareRewind(ctx context.Context) error {
	c.checkpointGen++
	c.mu.Lock()
	resets := c.connectionResets
	c.mu.Unlock()
	log.Infof("controller: prepare-rewind checkpoint %d after %s dispatched, %s connection resets observed since start",
		c.checkpointGen, humanize.Comma(int64(c.jobsSinceCheckpoint)), humanize.Comma(int64(resets)))

	c.mu.Lock()
	workers := make([]uint32, 0, len(c.addrs))
	for id := range c.addrs {
		workers = append(workers, id)
	}
	c.mu.Unlock()

	for _, workerID := range workers {
		cmd := corwire.Command{Kind: corwire.KindPrepareRewind, PrepareRewind: &corwire.PrepareRewind{
			WorkerID: workerID, CheckpointID: c.checkpointGen,
		}}
		if err := c.send(ctx, workerID, cmd); err != nil {
			return err
		}
	}

	entry := c.buildCheckpointEntry(c.checkpointGen)
	manifest, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("controller: checkpoint manifest: %w", err)
	}
	w, err := c.checkpointFS.OpenWriter(c.checkpointFS.Join(c.checkpointFSDir(), fmt.Sprintf("checkpoint-%d.manifest", c.checkpointGen)))
	if err != nil {
		return fmt.Errorf("controller: checkpoint manifest: %w", err)
	}
	defer w.Close()
	if _, err := w.Write(manifest); err != nil {
		return err
	}
	log.Infof("controller: checkpoint %d manifest: %d live instances across %d logical ids",
		entry.CheckpointID, len(entry.LiveInstances), len(entry.Versions))

	c.jobsSinceCheckpoint = 0
	return nil
}

func (c *Controller) checkpointFSDir() string {
	if c.config.CheckpointDir == "" {
		return "."
	}
	return c.config.CheckpointDir
}

// Terminate broadcasts a terminate command to every known worker, exit
// status 0 meaning a clean session end.
func (c *Controller) Terminate(ctx context.Context, exitStatus int32) error {
	c.mu.Lock()
	workers := make([]uint32, 0, len(c.addrs))
	for id := range c.addrs {
		workers = append(workers, id)
	}
	c.mu.Unlock()

	for _, workerID := range workers {
		cmd := corwire.Command{Kind: corwire.KindTerminate, Terminate: &corwire.Terminate{ExitStatus: exitStatus}}
		if err := c.send(ctx, workerID, cmd); err != nil {
			log.Warnf("controller: terminate worker %d: %v", workerID, err)
		}
	}
	return nil
}

// WithProgressBar attaches a cheggaaa/pb progress bar tracking total
// application jobs to completion, in the style of corral's per-phase bars.
func (c *Controller) WithProgressBar(totalJobs int) *Controller {
	c.bar = pb.New(totalJobs).Prefix("nimbus")
	c.bar.Start()
	return c
}
