package corexchange

import (
	"bytes"
	"testing"

	"github.com/nimbus-project/nimbus/internal/pkg/corworkergraph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{ReceiveJobID: 5, MegaReceiveJobID: 0, Version: 2, TemplateGenID: 0, Payload: []byte("hello world")}

	buf := new(bytes.Buffer)
	require.NoError(t, WriteFrame(buf, f))

	got, err := ReadFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestFrameRoundTripEmptyPayload(t *testing.T) {
	f := Frame{ReceiveJobID: 5}
	buf := new(bytes.Buffer)
	require.NoError(t, WriteFrame(buf, f))

	got, err := ReadFrame(buf)
	require.NoError(t, err)
	assert.Nil(t, got.Payload)
}

func TestReadFrameRejectsOversizedPayloadLength(t *testing.T) {
	var header [36]byte
	order.PutUint32(header[32:36], 1<<31)
	_, err := ReadFrame(bytes.NewReader(header[:]))
	assert.Error(t, err)
}

func TestDeliverUnblocksBlockedReceiveVertex(t *testing.T) {
	graph, err := corworkergraph.NewGraph(64)
	require.NoError(t, err)
	_, err = graph.AddCommand(5, nil, true, true, nil)
	require.NoError(t, err)

	e := NewExchanger(0, graph, 4)
	require.NoError(t, e.deliver(Frame{ReceiveJobID: 5, Payload: []byte("data")}))

	select {
	case v := <-graph.Ready():
		assert.EqualValues(t, 5, v.JobID)
	default:
		t.Fatal("expected receive vertex 5 to become ready after data delivery")
	}
}

func TestDeliverBeforeReceiveCommandBuffersPayload(t *testing.T) {
	graph, err := corworkergraph.NewGraph(64)
	require.NoError(t, err)

	e := NewExchanger(0, graph, 4)
	// data for job 9 with no prior command and no future AddCommand call
	// just buffers as a pending placeholder per spec.md §4.9 — corworkergraph
	// only raises UnknownReceive once a state transition is genuinely
	// inconsistent, exercised directly in corworkergraph's own tests.
	require.NoError(t, e.deliver(Frame{ReceiveJobID: 9, Payload: []byte("x")}))
}
