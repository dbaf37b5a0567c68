// Package corworkergraph is the worker-side dependency graph (spec.md
// §4.9): incoming commands become vertices edged from their unfinished
// predecessors, and a vertex is handed to the execution pool once its
// incoming edges reach zero.
package corworkergraph

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// State is a worker job entry's position in spec.md §3's state machine.
type State int

const (
	StateControl State = iota
	StatePending
	StatePendingDataReceived
	StatePendingMegaDataReceived
	StateBlocked
	StateReady
	StateRunning
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateControl:
		return "control"
	case StatePending:
		return "pending"
	case StatePendingDataReceived:
		return "pending_data_received"
	case StatePendingMegaDataReceived:
		return "pending_mega_data_received"
	case StateBlocked:
		return "blocked"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finish"
	default:
		return "unknown"
	}
}

// DumbJobID is the synthetic control source every remote-copy-receive
// vertex is initially edged from, removed only once its payload has
// arrived (spec.md §4.9).
const DumbJobID uint64 = ^uint64(0)

// Vertex is one worker job entry.
type Vertex struct {
	JobID    uint64
	State    State
	InEdges  map[uint64]struct{}
	OutEdges map[uint64]struct{}
	Payload  interface{}

	// IsSchedulerCopy marks create-data/local-copy/remote-copy vertices
	// (spec.md §4.10). Their completion is still reported upstream with a
	// JobDone, whose Final flag is false.
	IsSchedulerCopy bool

	// PendingMembers is only set on a mega-receive vertex: the member
	// receive ids whose payload has not yet arrived.
	PendingMembers map[uint64]struct{}
}

func (v *Vertex) ready() bool {
	return v.State == StateBlocked && len(v.InEdges) == 0
}

// Graph is the worker's local dependency graph, held under one mutex per
// spec.md §5's shared-resource policy.
type Graph struct {
	mu       sync.Mutex
	vertices map[uint64]*Vertex
	finished *lru.Cache // bounded finish-hint set
	ready    chan *Vertex

	// quiescing is set by Quiesce (spec.md §8 S6: prepare-rewind drains
	// cleanly) and blocks any further vertex from being promoted to ready,
	// while vertices already running or already queued on ready are left
	// to finish normally.
	quiescing bool

	// pendingMegaPayloads buffers member payloads that arrive before their
	// mega-receive command does, keyed by mega job id then member id.
	pendingMegaPayloads map[uint64]map[uint64]interface{}
}

// NewGraph creates an empty worker job graph with a finish-hint LRU of the
// given capacity and a buffered ready-vertex channel the execution pool
// consumes from.
func NewGraph(finishHintCapacity int) (*Graph, error) {
	cache, err := lru.New(finishHintCapacity)
	if err != nil {
		return nil, fmt.Errorf("corworkergraph: %w", err)
	}
	return &Graph{
		vertices:            make(map[uint64]*Vertex),
		finished:            cache,
		ready:               make(chan *Vertex, 1024),
		pendingMegaPayloads: make(map[uint64]map[uint64]interface{}),
	}, nil
}

// Ready returns the channel the execution pool reads newly-ready vertices
// from.
func (g *Graph) Ready() <-chan *Vertex {
	return g.ready
}

// wasFinished reports whether id is a recently-finished job the caller no
// longer needs a live vertex for.
func (g *Graph) wasFinished(id uint64) bool {
	_, ok := g.finished.Get(id)
	return ok
}

// AddCommand adds a fresh vertex for jobID depending on predecessors, or
// promotes an existing pending placeholder (created by the data exchanger
// because payload arrived first) to blocked. isRemoteReceive additionally
// edges the vertex from DumbJobID until its payload arrives.
func (g *Graph) AddCommand(jobID uint64, predecessors []uint64, isRemoteReceive bool, isSchedulerCopy bool, payload interface{}) (*Vertex, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	v, existed := g.vertices[jobID]
	if !existed {
		v = &Vertex{JobID: jobID, InEdges: make(map[uint64]struct{}), OutEdges: make(map[uint64]struct{})}
		g.vertices[jobID] = v
	}
	v.Payload = payload
	v.IsSchedulerCopy = isSchedulerCopy

	dataAlreadyHere := existed && v.State == StatePendingDataReceived
	v.State = StateBlocked

	for _, pred := range predecessors {
		if g.wasFinished(pred) {
			continue
		}
		p, ok := g.vertices[pred]
		if !ok || p.State == StateFinished {
			continue
		}
		v.InEdges[pred] = struct{}{}
		p.OutEdges[jobID] = struct{}{}
	}
	if isRemoteReceive && !dataAlreadyHere {
		v.InEdges[DumbJobID] = struct{}{}
	}

	g.promoteIfReady(v)
	return v, nil
}

// DataArrived is C11's hook for a remote-copy-receive payload landing. If
// megaJobID is zero the frame belongs to a plain receive vertex keyed by
// receiveJobID: if the command has already arrived (blocked) its
// DUMB_JOB_ID edge is removed, otherwise a pending_data_received
// placeholder holds the payload until the command arrives. If megaJobID is
// nonzero the payload is one member of a mega-receive; the coalesced
// vertex becomes ready only once every member has arrived.
func (g *Graph) DataArrived(receiveJobID, megaJobID uint64, payload interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if megaJobID == 0 {
		return g.plainDataArrived(receiveJobID, payload)
	}
	return g.megaDataArrived(megaJobID, receiveJobID, payload)
}

func (g *Graph) plainDataArrived(jobID uint64, payload interface{}) error {
	v, ok := g.vertices[jobID]
	if !ok {
		v = &Vertex{JobID: jobID, State: StatePending, InEdges: make(map[uint64]struct{}), OutEdges: make(map[uint64]struct{})}
		g.vertices[jobID] = v
	}

	switch v.State {
	case StatePending:
		v.State = StatePendingDataReceived
		v.Payload = payload
	case StateBlocked:
		delete(v.InEdges, DumbJobID)
		v.Payload = payload
		g.promoteIfReady(v)
	default:
		return fmt.Errorf("corworkergraph: unknown receive %d in state %s", jobID, v.State)
	}
	return nil
}

func (g *Graph) megaDataArrived(megaJobID, memberID uint64, payload interface{}) error {
	v, ok := g.vertices[megaJobID]
	if !ok {
		buf, ok := g.pendingMegaPayloads[megaJobID]
		if !ok {
			buf = make(map[uint64]interface{})
			g.pendingMegaPayloads[megaJobID] = buf
		}
		buf[memberID] = payload
		return nil
	}
	if v.PendingMembers == nil {
		return fmt.Errorf("corworkergraph: unknown mega receive %d", megaJobID)
	}
	if _, expected := v.PendingMembers[memberID]; !expected {
		return fmt.Errorf("corworkergraph: unknown mega receive member %d of %d", memberID, megaJobID)
	}
	delete(v.PendingMembers, memberID)
	members, _ := v.Payload.(map[uint64]interface{})
	if members == nil {
		members = make(map[uint64]interface{})
		v.Payload = members
	}
	members[memberID] = payload

	if len(v.PendingMembers) == 0 {
		delete(v.InEdges, DumbJobID)
		g.promoteIfReady(v)
	}
	return nil
}

// AddMegaReceive registers a coalesced mega-receive vertex for megaJobID
// covering memberIDs, edged from predecessors and from DUMB_JOB_ID until
// every member's payload has arrived. Payloads that arrived before this
// call (buffered by DataArrived) are folded in immediately.
func (g *Graph) AddMegaReceive(megaJobID uint64, memberIDs []uint64, predecessors []uint64) (*Vertex, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	v := &Vertex{
		JobID:           megaJobID,
		State:           StateBlocked,
		InEdges:         make(map[uint64]struct{}),
		OutEdges:        make(map[uint64]struct{}),
		IsSchedulerCopy: true,
		PendingMembers:  make(map[uint64]struct{}, len(memberIDs)),
		Payload:         make(map[uint64]interface{}, len(memberIDs)),
	}
	for _, m := range memberIDs {
		v.PendingMembers[m] = struct{}{}
	}

	if buf, ok := g.pendingMegaPayloads[megaJobID]; ok {
		members := v.Payload.(map[uint64]interface{})
		for member, payload := range buf {
			if _, expected := v.PendingMembers[member]; expected {
				members[member] = payload
				delete(v.PendingMembers, member)
			}
		}
		delete(g.pendingMegaPayloads, megaJobID)
	}

	for _, pred := range predecessors {
		if g.wasFinished(pred) {
			continue
		}
		p, ok := g.vertices[pred]
		if !ok || p.State == StateFinished {
			continue
		}
		v.InEdges[pred] = struct{}{}
		p.OutEdges[megaJobID] = struct{}{}
	}
	if len(v.PendingMembers) > 0 {
		v.InEdges[DumbJobID] = struct{}{}
	}

	g.vertices[megaJobID] = v
	g.promoteIfReady(v)
	return v, nil
}

// promoteIfReady moves v to ready and pushes it onto the ready channel
// once it has zero incoming edges and is in blocked state.
func (g *Graph) promoteIfReady(v *Vertex) {
	if g.quiescing {
		return
	}
	if v.ready() {
		v.State = StateReady
		g.ready <- v
	}
}

// Quiesce enters prepare-rewind drain mode (spec.md §8 S6): every vertex
// still waiting on a predecessor or on remote data (blocked, or one of the
// pending states) is discarded outright rather than ever becoming ready,
// and no vertex added afterward will be promoted either. Vertices already
// running or already sitting on the ready channel are left alone so the
// execution pool finishes them normally; it returns the number of vertices
// discarded.
func (g *Graph) Quiesce() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quiescing = true

	discarded := 0
	for id, v := range g.vertices {
		switch v.State {
		case StateBlocked, StatePending, StatePendingDataReceived, StatePendingMegaDataReceived:
			delete(g.vertices, id)
			discarded++
		}
	}
	return discarded
}

// Resume leaves drain mode, letting newly-added commands promote to ready
// again once the checkpoint completes and dispatch resumes.
func (g *Graph) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quiescing = false
}

// Quiescing reports whether the graph is currently draining for a
// checkpoint.
func (g *Graph) Quiescing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.quiescing
}

// MarkRunning transitions a dispatched vertex out of ready.
func (g *Graph) MarkRunning(jobID uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v, ok := g.vertices[jobID]; ok {
		v.State = StateRunning
	}
}

// Finish removes every outgoing edge from jobID, promoting successors that
// lose their last in-edge, records jobID in the finish-hint LRU, and drops
// the vertex (spec.md §4.10 step 1).
func (g *Graph) Finish(jobID uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	v, ok := g.vertices[jobID]
	if !ok {
		return fmt.Errorf("corworkergraph: unknown job %d", jobID)
	}
	v.State = StateFinished

	for succID := range v.OutEdges {
		succ, ok := g.vertices[succID]
		if !ok {
			continue
		}
		delete(succ.InEdges, jobID)
		g.promoteIfReady(succ)
	}

	g.finished.Add(jobID, struct{}{})
	delete(g.vertices, jobID)
	return nil
}

// Get returns the vertex for jobID, if any is currently tracked.
func (g *Graph) Get(jobID uint64) (*Vertex, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.vertices[jobID]
	return v, ok
}
