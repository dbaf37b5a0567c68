package nimbus

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/nimbus-project/nimbus/internal/pkg/corcache"
	"github.com/nimbus-project/nimbus/internal/pkg/corexchange"
	"github.com/nimbus-project/nimbus/internal/pkg/corexecpool"
	"github.com/nimbus-project/nimbus/internal/pkg/corworkergraph"
	"github.com/nimbus-project/nimbus/internal/pkg/corwire"
)

// receivePayload is what a remote-copy-receive or mega-receive vertex's
// Payload carries once its data has arrived: for a plain receive it is
// []byte; for a mega receive DataArrived stores a map[uint64]interface{}
// keyed by member job id, read by onMegaRemoteCopyReceive's Run closure.
type receivePayload = []byte

// Worker is the process running on one cluster node: it holds the byte
// payload of every physical instance resident locally, the worker job
// graph tracking command dependencies, the execution pool that runs ready
// jobs, and the data exchanger shipping remote-copy payloads to and from
// peers. Its shape mirrors Controller's -- one struct bundling every
// collaborator behind a small method surface.
type Worker struct {
	id       uint32
	config   ClusterConfig
	registry *Registry

	store corcache.BlobStore
	graph *corworkergraph.Graph
	locks *corexecpool.InstanceLocks
	pool  *corexecpool.Pool
	exch  *corexchange.Exchanger
	stats *executionStats

	commandConn net.Conn // persistent connection back to the controller

	specMu       sync.Mutex
	pendingSpecs map[uint64]corexecpool.JobSpec // jobID -> spec, until its vertex reports ready

	specs   chan corexecpool.JobSpec
	results chan corexecpool.RunResult
}

// NewWorker builds a worker with id, wired to controllerConn for command
// traffic and listening for data-exchange frames on its own exchanger.
func NewWorker(id uint32, config ClusterConfig, registry *Registry, controllerConn net.Conn) (*Worker, error) {
	store, err := corcache.NewBlobStore(corcache.BlobStoreType(config.CacheType))
	if err != nil {
		return nil, fmt.Errorf("worker: blob store: %w", err)
	}
	graph, err := corworkergraph.NewGraph(config.FinishHintCapacity)
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}
	locks := corexecpool.NewInstanceLocks()

	w := &Worker{
		id:           id,
		config:       config,
		registry:     registry,
		store:        store,
		graph:        graph,
		locks:        locks,
		pool:         corexecpool.NewPool(graph, locks, config.AcrossJobParallelism),
		exch:         corexchange.NewExchanger(id, graph, config.MaxConcurrentSends),
		stats:        newExecutionStats(),
		commandConn:  controllerConn,
		pendingSpecs: make(map[uint64]corexecpool.JobSpec),
		specs:        make(chan corexecpool.JobSpec, 64),
		results:      make(chan corexecpool.RunResult, 64),
	}
	return w, nil
}

// Handshake sends this worker's identity and address to the controller,
// stamping the current process uptime the way corral's warm-start
// fingerprint did.
func (w *Worker) Handshake(ip string, port uint16) error {
	cmd := corwire.Command{Kind: corwire.KindHandshake, Handshake: &corwire.Handshake{
		WorkerID: w.id, IP: ip, Port: port, Time: processUptimeSeconds(),
	}}
	frame, err := corwire.Encode(cmd)
	if err != nil {
		return err
	}
	return corwire.WriteFrame(w.commandConn, frame)
}

// ListenExchange starts the worker's data-exchange endpoint.
func (w *Worker) ListenExchange(ctx context.Context, addr string) error {
	return w.exch.Listen(ctx, addr)
}

// Run drives the worker's concurrent loops -- command intake, dependency-
// gated dispatch, job execution, and result reporting -- until ctx is
// canceled.
func (w *Worker) Run(ctx context.Context) error {
	errCh := make(chan error, 4)
	go func() { errCh <- w.pool.Run(ctx, w.specs, w.results) }()
	go func() { errCh <- w.dispatchReady(ctx) }()
	go func() { errCh <- w.dispatchResults(ctx) }()
	go func() { errCh <- w.readCommands(ctx) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// dispatchReady feeds the execution pool only jobs the worker job graph
// (C9) actually reports ready, per spec.md §4.9/§4.10's "commands execute in
// dependency order, not receipt order": on* handlers register a job's
// corexecpool.JobSpec as soon as the command arrives, but it only reaches
// w.specs once its vertex clears the graph's dependency edges and is pushed
// onto Graph.Ready().
func (w *Worker) dispatchReady(ctx context.Context) error {
	for {
		select {
		case v, ok := <-w.graph.Ready():
			if !ok {
				return nil
			}
			spec, found := w.takeReadySpec(v)
			if !found {
				log.Errorf("worker %d: ready vertex %d has no registered job spec", w.id, v.JobID)
				continue
			}
			select {
			case w.specs <- spec:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// registerSpec stashes a job's execution spec before its command is wired
// into the job graph, so it is already available by the time the vertex --
// possibly with zero predecessors -- is promoted straight to ready.
func (w *Worker) registerSpec(spec corexecpool.JobSpec) {
	w.specMu.Lock()
	w.pendingSpecs[spec.JobID] = spec
	w.specMu.Unlock()
}

// takeReadySpec looks up and removes the job spec registered for a ready
// vertex.
func (w *Worker) takeReadySpec(v *corworkergraph.Vertex) (corexecpool.JobSpec, bool) {
	w.specMu.Lock()
	defer w.specMu.Unlock()
	spec, ok := w.pendingSpecs[v.JobID]
	delete(w.pendingSpecs, v.JobID)
	return spec, ok
}

func (w *Worker) readCommands(ctx context.Context) error {
	for {
		cmd, err := corwire.ReadCommand(w.commandConn)
		if err != nil {
			return NewError(KindTransportError, 0, err)
		}
		if err := w.handleCommand(ctx, cmd); err != nil {
			log.Errorf("worker %d: command handling: %v", w.id, err)
		}
		if cmd.Kind == corwire.KindTerminate {
			return nil
		}
	}
}

func (w *Worker) handleCommand(ctx context.Context, cmd corwire.Command) error {
	switch cmd.Kind {
	case corwire.KindCreateData:
		return w.onCreateData(cmd.CreateData)
	case corwire.KindLocalCopy:
		return w.onLocalCopy(cmd.LocalCopy)
	case corwire.KindRemoteCopySend:
		return w.onRemoteCopySend(ctx, cmd.RemoteCopySend)
	case corwire.KindRemoteCopyReceive:
		return w.onRemoteCopyReceive(cmd.RemoteCopyReceive)
	case corwire.KindMegaRemoteCopyReceive:
		return w.onMegaRemoteCopyReceive(cmd.MegaRemoteReceive)
	case corwire.KindExecuteCompute:
		return w.onExecuteCompute(cmd.ExecuteCompute)
	case corwire.KindPrepareRewind:
		return w.onPrepareRewind(cmd.PrepareRewind)
	case corwire.KindTerminate:
		log.Infof("worker %d: received terminate, exit status %d", w.id, cmd.Terminate.ExitStatus)
		return nil
	default:
		return fmt.Errorf("worker: unhandled command kind %s", cmd.Kind)
	}
}

func physicalKey(physicalID uint64) string {
	return fmt.Sprintf("phys-%d", physicalID)
}

// onCreateData materializes a brand-new, empty physical instance in the
// blob store once its predecessors finish, per spec.md §4.10's
// scheduler-copy jobs.
func (w *Worker) onCreateData(c *corwire.CreateData) error {
	w.registerSpec(corexecpool.JobSpec{
		JobID:           c.JobID,
		WriteSet:        []uint64{c.PhysicalID},
		IsSchedulerCopy: true,
		Run: func(context.Context) error {
			return w.store.Put(physicalKey(c.PhysicalID), []byte{})
		},
	})
	_, err := w.graph.AddCommand(c.JobID, c.Before, false, true, nil)
	return err
}

func (w *Worker) onLocalCopy(l *corwire.LocalCopy) error {
	w.registerSpec(corexecpool.JobSpec{
		JobID:           l.JobID,
		ReadSet:         []uint64{l.FromPhys},
		WriteSet:        []uint64{l.ToPhys},
		IsSchedulerCopy: true,
		Run: func(context.Context) error {
			data, err := w.store.Get(physicalKey(l.FromPhys))
			if err != nil {
				return err
			}
			return w.store.Put(physicalKey(l.ToPhys), data)
		},
	})
	_, err := w.graph.AddCommand(l.JobID, l.Before, false, true, nil)
	return err
}

// onRemoteCopySend ships the source instance's bytes to the peer worker
// once its predecessors finish; it is itself a scheduler-copy job that
// only reads.
func (w *Worker) onRemoteCopySend(ctx context.Context, s *corwire.RemoteCopySend) error {
	w.registerSpec(corexecpool.JobSpec{
		JobID:           s.JobID,
		ReadSet:         []uint64{s.FromPhys},
		IsSchedulerCopy: true,
		Run: func(runCtx context.Context) error {
			data, err := w.store.Get(physicalKey(s.FromPhys))
			if err != nil {
				return err
			}
			addr := fmt.Sprintf("%s:%d", s.ToIP, s.ToPort)
			return w.exch.Send(runCtx, s.ToWorker, addr, corexchange.Frame{
				ReceiveJobID: s.ReceiveJobID, Payload: data,
			})
		},
	})
	_, err := w.graph.AddCommand(s.JobID, s.Before, false, true, nil)
	return err
}

// onRemoteCopyReceive registers the receive vertex; its payload arrives
// out-of-band through the data exchanger and DataArrived, so this only
// wires the dependency edges and lets AddCommand's isRemoteReceive edge
// hold it until the payload lands. The spec is registered before AddCommand
// is called since a zero-predecessor vertex can be promoted to ready
// synchronously inside that call.
func (w *Worker) onRemoteCopyReceive(rc *corwire.RemoteCopyReceive) error {
	jobID := rc.JobID
	w.registerSpec(corexecpool.JobSpec{
		JobID:           jobID,
		WriteSet:        []uint64{rc.ToPhys},
		IsSchedulerCopy: true,
		Run: func(context.Context) error {
			v, _ := w.graph.Get(jobID)
			var payload receivePayload
			if v != nil {
				payload, _ = v.Payload.(receivePayload)
			}
			return w.store.Put(physicalKey(rc.ToPhys), payload)
		},
	})
	_, err := w.graph.AddCommand(rc.JobID, rc.Before, true, true, nil)
	return err
}

// onMegaRemoteCopyReceive registers a coalesced vertex covering several
// receive job ids; each member's payload is written to its own physical
// instance once the coalesced vertex is ready.
func (w *Worker) onMegaRemoteCopyReceive(m *corwire.MegaRemoteCopyReceive) error {
	jobID := m.JobID
	toPhys := append([]uint64(nil), m.ToPhys...)
	memberIDs := append([]uint64(nil), m.MemberIDs...)
	w.registerSpec(corexecpool.JobSpec{
		JobID:           jobID,
		WriteSet:        toPhys,
		IsSchedulerCopy: true,
		Run: func(context.Context) error {
			v, _ := w.graph.Get(jobID)
			var members map[uint64]interface{}
			if v != nil {
				members, _ = v.Payload.(map[uint64]interface{})
			}
			for i, memberID := range memberIDs {
				payload, _ := members[memberID].(receivePayload)
				if err := w.store.Put(physicalKey(toPhys[i]), payload); err != nil {
					return err
				}
			}
			return nil
		},
	})
	_, err := w.graph.AddMegaReceive(m.JobID, m.MemberIDs, m.Before)
	return err
}

// onExecuteCompute looks up the named job body and dispatches it once its
// predecessors finish, feeding it the bytes behind its physical read set
// and writing its results to its physical write set.
func (w *Worker) onExecuteCompute(e *corwire.ExecuteCompute) error {
	body, ok := w.registry.Lookup(e.Name)
	if !ok {
		return fmt.Errorf("worker: no job body registered for %q", e.Name)
	}

	w.registerSpec(corexecpool.JobSpec{
		JobID:    e.JobID,
		ReadSet:  e.PhysReadIDs,
		WriteSet: e.PhysWriteIDs,
		Run: func(runCtx context.Context) error {
			reads := make([][]byte, len(e.PhysReadIDs))
			for i, pid := range e.PhysReadIDs {
				data, err := w.store.Get(physicalKey(pid))
				if err != nil {
					return err
				}
				reads[i] = data
			}
			writes, err := body(runCtx, reads)
			if err != nil {
				return err
			}
			if len(writes) != len(e.PhysWriteIDs) {
				return fmt.Errorf("worker: job %q returned %d writes, expected %d", e.Name, len(writes), len(e.PhysWriteIDs))
			}
			for i, pid := range e.PhysWriteIDs {
				if err := w.store.Put(physicalKey(pid), writes[i]); err != nil {
					return err
				}
			}
			return nil
		},
	})
	_, err := w.graph.AddCommand(e.JobID, e.Before, false, false, nil)
	return err
}

// onPrepareRewind drains the worker's job graph for a checkpoint (spec.md
// §8 S6): jobs already running are left to finish through the execution
// pool, every job still blocked on a predecessor or on remote data is
// discarded, and no further job is admitted to ready until Resume is
// called on reload. Nimbus's core leaves the checkpoint payload format
// itself out of scope, so this only performs the drain and logs it; no
// acknowledgement is sent to the controller.
func (w *Worker) onPrepareRewind(p *corwire.PrepareRewind) error {
	discarded := w.graph.Quiesce()
	log.Infof("worker %d: prepare-rewind checkpoint %d, discarded %d blocked jobs", w.id, p.CheckpointID, discarded)
	return nil
}

// dispatchResults reports every successfully finished job back to the
// controller as a JobDone command, scheduler-copy jobs included; their
// JobDone carries Final=false. Failed jobs are logged and not reported.
func (w *Worker) dispatchResults(ctx context.Context) error {
	for {
		select {
		case r, ok := <-w.results:
			if !ok {
				return nil
			}
			if r.Err != nil {
				log.Errorf("worker %d: job %d failed: %v", w.id, r.JobID, r.Err)
				continue
			}
			w.stats.record(r)
			cmd := corwire.Command{Kind: corwire.KindJobDone, JobDone: &corwire.JobDone{
				JobID: r.JobID, Final: !r.IsSchedulerCopy, RunNs: r.RunNs, WaitNs: r.WaitNs, MaxAlloc: r.MaxAlloc,
				ConnectionResets: uint64(w.exch.Snapshot().ConnectionResets),
			}}
			frame, err := corwire.Encode(cmd)
			if err != nil {
				return err
			}
			if err := corwire.WriteFrame(w.commandConn, frame); err != nil {
				return NewError(KindTransportError, r.JobID, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// statsLogInterval is how many completions of one job kind accumulate
// before executionStats logs a summary, mirroring
// original_source/src/worker/worker.cc's PrintStatistics periodic dump.
const statsLogInterval = 50

// kindTotals is one job kind's running timing totals, shaped like
// anatomi-corral/task.go's taskResult metrics row.
type kindTotals struct {
	count    uint64
	runNs    uint64
	waitNs   uint64
	maxAlloc uint64
}

// executionStats accumulates corexecpool.RunResult timing telemetry
// (run_ns/wait_ns/max_alloc) into per-job-kind running totals, logging a
// summary every statsLogInterval completions of a kind.
type executionStats struct {
	mu     sync.Mutex
	byKind map[bool]*kindTotals // keyed on RunResult.IsSchedulerCopy
}

func newExecutionStats() *executionStats {
	return &executionStats{byKind: make(map[bool]*kindTotals)}
}

func (s *executionStats) record(r corexecpool.RunResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byKind[r.IsSchedulerCopy]
	if !ok {
		t = &kindTotals{}
		s.byKind[r.IsSchedulerCopy] = t
	}
	t.count++
	t.runNs += r.RunNs
	t.waitNs += r.WaitNs
	if r.MaxAlloc > t.maxAlloc {
		t.maxAlloc = r.MaxAlloc
	}
	if t.count%statsLogInterval != 0 {
		return
	}

	kind := "compute"
	if r.IsSchedulerCopy {
		kind = "scheduler-copy"
	}
	log.Infof("worker: %s stats after %s jobs: avg run %s, avg wait %s, peak alloc %s",
		kind, humanize.Comma(int64(t.count)),
		time.Duration(t.runNs/t.count), time.Duration(t.waitNs/t.count), humanize.Bytes(t.maxAlloc))
}
