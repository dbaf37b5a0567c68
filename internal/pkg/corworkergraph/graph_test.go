package corworkergraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddCommandBecomesReadyWithNoPredecessors(t *testing.T) {
	g, err := NewGraph(64)
	require.NoError(t, err)

	_, err = g.AddCommand(1, nil, false, false, "payload")
	require.NoError(t, err)

	select {
	case v := <-g.Ready():
		assert.EqualValues(t, 1, v.JobID)
		assert.Equal(t, StateReady, v.State)
	default:
		t.Fatal("expected vertex 1 to be ready immediately")
	}
}

func TestAddCommandBlocksOnUnfinishedPredecessor(t *testing.T) {
	g, err := NewGraph(64)
	require.NoError(t, err)

	_, err = g.AddCommand(1, nil, false, false, nil)
	require.NoError(t, err)
	<-g.Ready() // drain job 1's readiness

	_, err = g.AddCommand(2, []uint64{1}, false, false, nil)
	require.NoError(t, err)

	select {
	case <-g.Ready():
		t.Fatal("job 2 must not be ready while job 1 is unfinished")
	default:
	}

	require.NoError(t, g.Finish(1))
	select {
	case v := <-g.Ready():
		assert.EqualValues(t, 2, v.JobID)
	default:
		t.Fatal("job 2 should become ready once job 1 finishes")
	}
}

func TestRemoteCopyReceiveWaitsOnDumbEdgeUntilDataArrives(t *testing.T) {
	g, err := NewGraph(64)
	require.NoError(t, err)

	_, err = g.AddCommand(5, nil, true, true, nil)
	require.NoError(t, err)

	select {
	case <-g.Ready():
		t.Fatal("remote-copy-receive must not be ready before its payload arrives")
	default:
	}

	require.NoError(t, g.DataArrived(5, 0, []byte("payload")))
	select {
	case v := <-g.Ready():
		assert.EqualValues(t, 5, v.JobID)
	default:
		t.Fatal("expected the receive vertex to become ready once data arrived")
	}
}

func TestDataArrivedBeforeCommandCreatesPendingPlaceholder(t *testing.T) {
	g, err := NewGraph(64)
	require.NoError(t, err)

	require.NoError(t, g.DataArrived(9, 0, []byte("early")))
	v, ok := g.Get(9)
	require.True(t, ok)
	assert.Equal(t, StatePendingDataReceived, v.State)

	_, err = g.AddCommand(9, nil, true, true, nil)
	require.NoError(t, err)

	select {
	case v := <-g.Ready():
		assert.EqualValues(t, 9, v.JobID)
	default:
		t.Fatal("vertex with pre-arrived data must become ready once its command attaches")
	}
}

// TestMegaReceiveDataBeforeCommand mirrors scenario S5: r1's payload
// arrives before any command, then the mega-receive command arrives
// covering {r1, r2}, then r2's payload arrives and the vertex goes ready.
func TestMegaReceiveDataBeforeCommand(t *testing.T) {
	g, err := NewGraph(64)
	require.NoError(t, err)

	require.NoError(t, g.DataArrived(1, 100, []byte("r1-payload")))

	_, err = g.AddMegaReceive(100, []uint64{1, 2}, nil)
	require.NoError(t, err)

	select {
	case <-g.Ready():
		t.Fatal("mega-receive must wait for every member payload")
	default:
	}

	require.NoError(t, g.DataArrived(2, 100, []byte("r2-payload")))
	select {
	case v := <-g.Ready():
		assert.EqualValues(t, 100, v.JobID)
		members := v.Payload.(map[uint64]interface{})
		assert.Len(t, members, 2)
	default:
		t.Fatal("mega-receive should become ready once every member arrived")
	}
}

// TestQuiesceDrainsCleanly mirrors scenario S6: at steady state with one
// running job and one blocked job, prepare-rewind must stop admitting new
// ready jobs, let the running job finish normally, and discard the blocked
// one outright.
func TestQuiesceDrainsCleanly(t *testing.T) {
	g, err := NewGraph(64)
	require.NoError(t, err)

	_, err = g.AddCommand(1, nil, false, false, nil)
	require.NoError(t, err)
	running := <-g.Ready()
	g.MarkRunning(running.JobID)

	_, err = g.AddCommand(2, []uint64{1}, false, false, nil)
	require.NoError(t, err)
	_, blockedOK := g.Get(2)
	require.True(t, blockedOK)

	discarded := g.Quiesce()
	assert.Equal(t, 1, discarded)
	_, stillTracked := g.Get(2)
	assert.False(t, stillTracked, "blocked job must be discarded by quiesce")

	require.NoError(t, g.Finish(1), "a job already running when quiesce fires must still be able to finish")

	_, err = g.AddCommand(3, nil, false, false, nil)
	require.NoError(t, err)
	select {
	case <-g.Ready():
		t.Fatal("no job may be admitted to ready while quiescing")
	default:
	}

	g.Resume()
	v, ok := g.Get(3)
	require.True(t, ok)
	assert.Equal(t, StateBlocked, v.State, "resume does not retroactively promote; the next dependency change does")
}

func TestFinishRecordsFinishHint(t *testing.T) {
	g, err := NewGraph(64)
	require.NoError(t, err)

	_, err = g.AddCommand(1, nil, false, false, nil)
	require.NoError(t, err)
	<-g.Ready()
	require.NoError(t, g.Finish(1))

	_, err = g.AddCommand(2, []uint64{1}, false, false, nil)
	require.NoError(t, err)
	select {
	case v := <-g.Ready():
		assert.EqualValues(t, 2, v.JobID)
	default:
		t.Fatal("a predecessor recorded in the finish-hint set must not block a later-arriving successor")
	}
}
