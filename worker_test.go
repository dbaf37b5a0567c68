package nimbus

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbus-project/nimbus/internal/pkg/corexecpool"
	"github.com/nimbus-project/nimbus/internal/pkg/corwire"
)

// newTestWorker builds a Worker whose command connection is one end of an
// in-memory pipe; nothing in these tests reads or writes it, since each
// test drives a command handler directly and drains w.graph.Ready() itself
// rather than running the full Run loop.
func newTestWorker(t *testing.T, registry *Registry) *Worker {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	if registry == nil {
		registry = NewRegistry()
	}
	w, err := NewWorker(0, testConfig(1), registry, client)
	require.NoError(t, err)
	return w
}

// readySpec waits for the worker job graph to report a vertex ready and
// returns the spec registered for it, failing the test if none was
// registered -- the same lookup dispatchReady performs in production.
func readySpec(t *testing.T, w *Worker) corexecpool.JobSpec {
	t.Helper()
	select {
	case v := <-w.graph.Ready():
		spec, ok := w.takeReadySpec(v)
		require.True(t, ok, "vertex %d ready with no registered spec", v.JobID)
		return spec
	default:
		t.Fatal("no vertex became ready")
		return corexecpool.JobSpec{}
	}
}

func TestOnCreateDataWritesEmptyBlob(t *testing.T) {
	w := newTestWorker(t, nil)
	require.NoError(t, w.onCreateData(&corwire.CreateData{JobID: 1, PhysicalID: 5}))

	spec := readySpec(t, w)
	require.Equal(t, []uint64{5}, spec.WriteSet)
	require.NoError(t, spec.Run(context.Background()))

	data, err := w.store.Get(physicalKey(5))
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestOnLocalCopyCopiesStoredBytes(t *testing.T) {
	w := newTestWorker(t, nil)
	require.NoError(t, w.store.Put(physicalKey(10), []byte("source bytes")))

	require.NoError(t, w.onLocalCopy(&corwire.LocalCopy{JobID: 2, FromPhys: 10, ToPhys: 11}))
	spec := readySpec(t, w)
	require.NoError(t, spec.Run(context.Background()))

	data, err := w.store.Get(physicalKey(11))
	require.NoError(t, err)
	assert.Equal(t, "source bytes", string(data))
}

func TestOnExecuteComputeRunsRegisteredBody(t *testing.T) {
	registry := NewRegistry()
	registry.Register("double", func(_ context.Context, reads [][]byte) ([][]byte, error) {
		out := append([]byte(nil), reads[0]...)
		out = append(out, reads[0]...)
		return [][]byte{out}, nil
	})
	w := newTestWorker(t, registry)
	require.NoError(t, w.store.Put(physicalKey(20), []byte("ab")))

	cmd := &corwire.ExecuteCompute{
		JobID: 3, Name: "double",
		PhysReadIDs: []uint64{20}, PhysWriteIDs: []uint64{21},
	}
	require.NoError(t, w.onExecuteCompute(cmd))

	spec := readySpec(t, w)
	require.NoError(t, spec.Run(context.Background()))

	data, err := w.store.Get(physicalKey(21))
	require.NoError(t, err)
	assert.Equal(t, "abab", string(data))
}

func TestOnExecuteComputeUnregisteredNameErrors(t *testing.T) {
	w := newTestWorker(t, nil)
	err := w.onExecuteCompute(&corwire.ExecuteCompute{JobID: 4, Name: "missing"})
	assert.Error(t, err)
}

func TestOnExecuteComputeWrongWriteCountFails(t *testing.T) {
	registry := NewRegistry()
	registry.Register("one-write", func(_ context.Context, reads [][]byte) ([][]byte, error) {
		return [][]byte{[]byte("a"), []byte("b")}, nil
	})
	w := newTestWorker(t, registry)

	cmd := &corwire.ExecuteCompute{JobID: 5, Name: "one-write", PhysWriteIDs: []uint64{30}}
	require.NoError(t, w.onExecuteCompute(cmd))

	spec := readySpec(t, w)
	err := spec.Run(context.Background())
	assert.Error(t, err)
}

func TestOnRemoteCopyReceiveWritesArrivedPayload(t *testing.T) {
	w := newTestWorker(t, nil)
	rc := &corwire.RemoteCopyReceive{JobID: 6, ToPhys: 40}
	require.NoError(t, w.onRemoteCopyReceive(rc))

	// the vertex stays blocked on its DUMB_JOB_ID edge until the payload
	// arrives, so it isn't ready -- and its spec isn't retrievable -- until
	// DataArrived clears that edge.
	require.NoError(t, w.graph.DataArrived(rc.JobID, 0, receivePayload("remote bytes")))
	spec := readySpec(t, w)
	require.NoError(t, spec.Run(context.Background()))

	data, err := w.store.Get(physicalKey(40))
	require.NoError(t, err)
	assert.Equal(t, "remote bytes", string(data))
}

func TestOnMegaRemoteCopyReceiveWritesEachMember(t *testing.T) {
	w := newTestWorker(t, nil)
	m := &corwire.MegaRemoteCopyReceive{
		JobID:     7,
		MemberIDs: []uint64{101, 102},
		ToPhys:    []uint64{201, 202},
	}
	require.NoError(t, w.onMegaRemoteCopyReceive(m))

	require.NoError(t, w.graph.DataArrived(101, m.JobID, receivePayload("a")))
	require.NoError(t, w.graph.DataArrived(102, m.JobID, receivePayload("b")))
	spec := readySpec(t, w)
	require.NoError(t, spec.Run(context.Background()))

	got201, err := w.store.Get(physicalKey(201))
	require.NoError(t, err)
	assert.Equal(t, "a", string(got201))

	got202, err := w.store.Get(physicalKey(202))
	require.NoError(t, err)
	assert.Equal(t, "b", string(got202))
}

func TestOnPrepareRewindSucceeds(t *testing.T) {
	w := newTestWorker(t, nil)
	assert.NoError(t, w.onPrepareRewind(&corwire.PrepareRewind{WorkerID: 0, CheckpointID: 1}))
}

func TestHandleCommandDispatchesByKind(t *testing.T) {
	w := newTestWorker(t, nil)
	cmd := corwire.Command{Kind: corwire.KindCreateData, CreateData: &corwire.CreateData{JobID: 8, PhysicalID: 50}}
	require.NoError(t, w.handleCommand(context.Background(), cmd))
	spec := readySpec(t, w)
	assert.Equal(t, uint64(8), spec.JobID)
}
