package corjobgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGraphSeedsKernelRoot(t *testing.T) {
	g := NewGraph()
	root, err := g.Get(KernelJobID)
	require.NoError(t, err)
	assert.True(t, root.Versioned)
	assert.True(t, root.Assigned)
	assert.True(t, root.Done)
}

func TestAddJobDuplicateIsIdempotent(t *testing.T) {
	g := NewGraph()
	e1 := NewEntry(1, KindApplicationCompute, "job", KernelJobID, nil, nil, nil)
	require.NoError(t, g.AddJob(e1))

	e2 := NewEntry(1, KindApplicationCompute, "job", KernelJobID, nil, nil, nil)
	assert.NoError(t, g.AddJob(e2))
}

func TestAddJobConflictingDuplicateIsError(t *testing.T) {
	g := NewGraph()
	e1 := NewEntry(1, KindApplicationCompute, "job-a", KernelJobID, nil, nil, nil)
	require.NoError(t, g.AddJob(e1))

	e2 := NewEntry(1, KindApplicationCompute, "job-b", KernelJobID, nil, nil, nil)
	assert.Error(t, g.AddJob(e2))
}

func TestAddJobRejectsSelfDependency(t *testing.T) {
	g := NewGraph()
	e := NewEntry(1, KindApplicationCompute, "job", KernelJobID, nil, nil, nil)
	e.After[1] = struct{}{}
	assert.Error(t, g.AddJob(e))
}

func TestAddJobPrunesAlreadyDonePredecessor(t *testing.T) {
	g := NewGraph()
	pred := NewEntry(1, KindApplicationCompute, "pred", KernelJobID, nil, nil, nil)
	pred.Versioned = true
	require.NoError(t, g.AddJob(pred))
	require.NoError(t, g.MarkDone(1))

	succ := NewEntry(2, KindApplicationCompute, "succ", KernelJobID, nil, nil, []uint64{1})
	require.NoError(t, g.AddJob(succ))

	assert.Empty(t, succ.Before, "an already-done predecessor must be pruned immediately, not left to a MarkDone that will never fire again")
}

func TestMarkDonePrunesLiveSuccessors(t *testing.T) {
	g := NewGraph()
	pred := NewEntry(1, KindApplicationCompute, "pred", KernelJobID, nil, nil, nil)
	require.NoError(t, g.AddJob(pred))

	succ := NewEntry(2, KindApplicationCompute, "succ", KernelJobID, nil, nil, []uint64{1})
	require.NoError(t, g.AddJob(succ))
	assert.Len(t, succ.Before, 1)

	require.NoError(t, g.MarkDone(1))
	assert.Empty(t, succ.Before)
	assert.True(t, g.IsDone(1))
}

func TestDefineDataRejectsRedefinition(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.DefineData(KernelJobID, 5))
	assert.Error(t, g.DefineData(KernelJobID, 5))
}

func TestGetJobsReadyToAssignFiltersUnversionedAndBlocked(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.DefineData(KernelJobID, 1))

	blocker := NewEntry(1, KindApplicationCompute, "blocker", KernelJobID, nil, []uint64{1}, nil)
	require.NoError(t, g.AddJob(blocker))

	blocked := NewEntry(2, KindApplicationCompute, "blocked", KernelJobID, nil, nil, []uint64{1})
	require.NoError(t, g.AddJob(blocked))

	assert.Empty(t, g.GetJobsReadyToAssign(0), "neither job is versioned yet")

	_, err := g.ResolveAll()
	require.NoError(t, err)

	ready := g.GetJobsReadyToAssign(0)
	require.Len(t, ready, 1)
	assert.EqualValues(t, 1, ready[0].JobID)

	// a real assigner marks a job Assigned before it can ever go Done.
	blocker.Assigned = true
	require.NoError(t, g.MarkDone(1))
	ready = g.GetJobsReadyToAssign(0)
	require.Len(t, ready, 1)
	assert.EqualValues(t, 2, ready[0].JobID)
}
