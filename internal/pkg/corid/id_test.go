package corid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobIdsDisjointRanges(t *testing.T) {
	s := NewService()

	appIDs, err := s.NewJobIds(3, Application)
	require.NoError(t, err)
	schedIDs, err := s.NewJobIds(3, Scheduler)
	require.NoError(t, err)

	for _, id := range appIDs {
		assert.False(t, SchedulerProducedJobId(id))
	}
	for _, id := range schedIDs {
		assert.True(t, SchedulerProducedJobId(id))
	}
}

func TestNewJobIdsMonotonic(t *testing.T) {
	s := NewService()
	first, err := s.NewJobIds(1, Application)
	require.NoError(t, err)
	second, err := s.NewJobIds(1, Application)
	require.NoError(t, err)
	assert.Less(t, first[0], second[0])
}

func TestNewPhysicalIdsExhausted(t *testing.T) {
	s := NewService()
	s.physicalCounters[Application] = maxID
	_, err := s.NewPhysicalIds(4, Application)
	assert.Error(t, err)
}

func TestNewLogicalIdsCount(t *testing.T) {
	s := NewService()
	ids, err := s.NewLogicalIds(5)
	require.NoError(t, err)
	assert.Len(t, ids, 5)
}
