// Package corexchange is the worker's data exchanger (spec.md §4.11): a
// TCP endpoint per worker that ships remote-copy payloads and reconciles
// their arrival, in either order, against the receiving worker's job
// graph.
package corexchange

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/nimbus-project/nimbus/internal/pkg/corworkergraph"
)

var order = binary.BigEndian

// Frame is one data-exchange payload, per spec.md §6.
type Frame struct {
	ReceiveJobID      uint64
	MegaReceiveJobID  uint64 // 0 if this is not part of a mega-receive
	Version           uint64
	TemplateGenID     uint64 // 0 if unused
	Payload           []byte
}

// UnknownReceiveError is fatal: a payload arrived for a receive id the
// worker never learned about, per spec.md §4.11.
type UnknownReceiveError struct {
	ReceiveJobID uint64
}

func (e *UnknownReceiveError) Error() string {
	return fmt.Sprintf("corexchange: data arrived for unknown receive job %d", e.ReceiveJobID)
}

// Stats accumulates the connection-loss counters spec.md §4.8's fatal
// disconnect handling needs to report through TransportError.
type Stats struct {
	mu               sync.Mutex
	ConnectionResets int
	FramesSent       int
	FramesReceived   int
}

func (s *Stats) recordReset() {
	s.mu.Lock()
	s.ConnectionResets++
	s.mu.Unlock()
}
func (s *Stats) recordSent() {
	s.mu.Lock()
	s.FramesSent++
	s.mu.Unlock()
}
func (s *Stats) recordReceived() {
	s.mu.Lock()
	s.FramesReceived++
	s.mu.Unlock()
}

// Exchanger owns one worker's data-exchange listener plus its outbound
// connection pool to peer workers, bounded by a weighted semaphore so a
// burst of remote-copy-sends cannot open unbounded sockets (spec.md §5's
// per-worker concurrency limits, in the style of the controller's
// semaphore-gated fan-out).
type Exchanger struct {
	workerID uint32
	graph    *corworkergraph.Graph
	stats    Stats

	sem *semaphore.Weighted

	mu    sync.Mutex
	conns map[uint32]net.Conn // peer worker id -> outbound connection
}

// NewExchanger creates an exchanger for workerID bound to graph, allowing
// up to maxConcurrentSends outbound transfers in flight at once.
func NewExchanger(workerID uint32, graph *corworkergraph.Graph, maxConcurrentSends int64) *Exchanger {
	return &Exchanger{
		workerID: workerID,
		graph:    graph,
		sem:      semaphore.NewWeighted(maxConcurrentSends),
		conns:    make(map[uint32]net.Conn),
	}
}

// Listen accepts inbound data-exchange connections on addr until ctx is
// canceled, dispatching each accepted connection's frames to handleConn.
func (e *Exchanger) Listen(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("corexchange: listen: %w", err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go e.handleConn(conn)
	}
}

func (e *Exchanger) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				log.WithField("worker", e.workerID).Warnf("corexchange: connection reset mid-transfer: %v", err)
				e.stats.recordReset()
			}
			return
		}
		e.stats.recordReceived()
		if err := e.deliver(frame); err != nil {
			log.WithField("worker", e.workerID).Errorf("corexchange: %v", err)
			return
		}
	}
}

func (e *Exchanger) deliver(frame Frame) error {
	return e.graph.DataArrived(frame.ReceiveJobID, frame.MegaReceiveJobID, frame.Payload)
}

// dial returns (or reuses) an outbound connection to the worker listening
// at addr.
func (e *Exchanger) dial(ctx context.Context, peerWorkerID uint32, addr string) (net.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.conns[peerWorkerID]; ok {
		return c, nil
	}
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	e.conns[peerWorkerID] = c
	return c, nil
}

// Send ships frame to the worker at addr, blocking on the exchanger's
// concurrency semaphore if maxConcurrentSends transfers are already in
// flight.
func (e *Exchanger) Send(ctx context.Context, peerWorkerID uint32, addr string, frame Frame) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)

	conn, err := e.dial(ctx, peerWorkerID, addr)
	if err != nil {
		e.stats.recordReset()
		e.forgetConn(peerWorkerID)
		return fmt.Errorf("corexchange: dial worker %d: %w", peerWorkerID, err)
	}
	if err := WriteFrame(conn, frame); err != nil {
		e.stats.recordReset()
		e.forgetConn(peerWorkerID)
		return fmt.Errorf("corexchange: send to worker %d: %w", peerWorkerID, err)
	}
	e.stats.recordSent()
	return nil
}

func (e *Exchanger) forgetConn(peerWorkerID uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.conns[peerWorkerID]; ok {
		c.Close()
		delete(e.conns, peerWorkerID)
	}
}

// Close drops every outbound connection the exchanger holds.
func (e *Exchanger) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, c := range e.conns {
		c.Close()
		delete(e.conns, id)
	}
}

// Snapshot returns a copy of the exchanger's transfer counters.
func (e *Exchanger) Snapshot() Stats {
	e.stats.mu.Lock()
	defer e.stats.mu.Unlock()
	return Stats{ConnectionResets: e.stats.ConnectionResets, FramesSent: e.stats.FramesSent, FramesReceived: e.stats.FramesReceived}
}
