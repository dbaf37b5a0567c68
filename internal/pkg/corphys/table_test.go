package corphys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateInstanceInvariants(t *testing.T) {
	table := NewTable()
	inst := table.Create(100, 1, 10, 5)
	assert.EqualValues(t, 0, inst.Version)
	assert.EqualValues(t, 5, inst.LastWriter)
	_, ok := inst.ReaderJobIDs[5]
	assert.True(t, ok)
}

func TestByWorkerAndVersion(t *testing.T) {
	table := NewTable()
	table.Create(100, 1, 10, 5)
	table.Create(101, 2, 10, 6)

	atW1 := table.ByWorkerAndVersion(10, 1, 0)
	require.Len(t, atW1, 1)
	assert.EqualValues(t, 100, atW1[0].PhysicalID)
}

func TestUpdateInstanceStaleRejected(t *testing.T) {
	table := NewTable()
	inst := table.Create(100, 1, 10, 5)

	updated := inst
	updated.Version = 1
	require.NoError(t, table.UpdateInstance(inst, updated))

	// old is now stale -- a second concurrent update using the same base
	// must fail.
	staleUpdate := inst
	staleUpdate.Version = 2
	err := table.UpdateInstance(inst, staleUpdate)
	assert.Error(t, err)

	got, err := table.Get(10, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Version)
}

func TestByVersionAcrossWorkers(t *testing.T) {
	table := NewTable()
	table.Create(100, 1, 10, 5)
	table.Create(101, 2, 10, 6)

	insts := table.ByVersion(10, 0)
	assert.Len(t, insts, 2)
}

func TestRemove(t *testing.T) {
	table := NewTable()
	table.Create(100, 1, 10, 5)
	table.Remove(10, 100)
	_, err := table.Get(10, 100)
	assert.Error(t, err)
}
