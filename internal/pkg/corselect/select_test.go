package corselect

import (
	"testing"

	"github.com/nimbus-project/nimbus/internal/pkg/corldo"
	"github.com/nimbus-project/nimbus/internal/pkg/corregion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func domain() corregion.Box {
	return corregion.Box{Xmin: 0, Ymin: 0, Zmin: 0, Xmax: 10, Ymax: 10, Zmax: 1}
}

func TestNewSelectorRejectsUnsupportedClusterSize(t *testing.T) {
	_, err := NewSelector(domain(), 9)
	require.Error(t, err)
	var uc *UnsupportedClusterSizeError
	assert.ErrorAs(t, err, &uc)
}

func TestNewSelectorTwoWorkerSplit(t *testing.T) {
	s, err := NewSelector(domain(), 2)
	require.NoError(t, err)
	require.Equal(t, 2, s.WorkerCount())

	c0, err := s.CellOf(0)
	require.NoError(t, err)
	c1, err := s.CellOf(1)
	require.NoError(t, err)

	assert.EqualValues(t, 0, c0.Ymin)
	assert.EqualValues(t, 5, c0.Ymax)
	assert.EqualValues(t, 5, c1.Ymin)
	assert.EqualValues(t, 10, c1.Ymax)
}

func TestSelectPicksHighestOverlapWorker(t *testing.T) {
	s, err := NewSelector(domain(), 2)
	require.NoError(t, err)

	ldos := []corldo.LDO{
		{ID: 1, Region: corregion.Box{Xmin: 0, Ymin: 6, Zmin: 0, Xmax: 1, Ymax: 7, Zmax: 1}},
		{ID: 2, Region: corregion.Box{Xmin: 0, Ymin: 8, Zmin: 0, Xmax: 1, Ymax: 9, Zmax: 1}},
		{ID: 3, Region: corregion.Box{Xmin: 0, Ymin: 1, Zmin: 0, Xmax: 1, Ymax: 2, Zmax: 1}},
	}

	worker, err := s.Select(ldos)
	require.NoError(t, err)
	assert.EqualValues(t, 1, worker)
}

func TestSelectTiesBreakToLowestWorkerId(t *testing.T) {
	s, err := NewSelector(domain(), 2)
	require.NoError(t, err)

	worker, err := s.Select(nil)
	require.NoError(t, err)
	assert.EqualValues(t, 0, worker)
}
