package corldo

import (
	"testing"

	"github.com/nimbus-project/nimbus/internal/pkg/corregion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddLogicalRequiresPartition(t *testing.T) {
	m := NewMap()
	err := m.AddLogical(1, "phi", 7)
	assert.Error(t, err)

	m.AddPartition(7, corregion.Box{0, 0, 0, 10, 10, 1})
	require.NoError(t, m.AddLogical(1, "phi", 7))
}

func TestAddLogicalRedefinitionIsError(t *testing.T) {
	m := NewMap()
	m.AddPartition(1, corregion.Box{0, 0, 0, 10, 10, 1})
	require.NoError(t, m.AddLogical(1, "phi", 1))
	assert.Error(t, m.AddLogical(1, "phi", 1))
}

func TestFindByRegion(t *testing.T) {
	m := NewMap()
	m.AddPartition(1, corregion.Box{0, 0, 0, 10, 10, 1})
	m.AddPartition(2, corregion.Box{10, 0, 0, 20, 10, 1})
	require.NoError(t, m.AddLogical(1, "phi", 1))
	require.NoError(t, m.AddLogical(2, "phi", 2))
	require.NoError(t, m.AddLogical(3, "pressure", 1))

	hits := m.FindByRegion("phi", corregion.Box{5, 5, 0, 15, 6, 1}, Intersecting)
	assert.Len(t, hits, 2)

	hits = m.FindByRegion("pressure", corregion.Box{5, 5, 0, 15, 6, 1}, Intersecting)
	assert.Len(t, hits, 1)
	assert.Equal(t, uint64(3), hits[0].ID)
}

func TestFindByIdUnknown(t *testing.T) {
	m := NewMap()
	_, err := m.FindById(99)
	assert.Error(t, err)
}
