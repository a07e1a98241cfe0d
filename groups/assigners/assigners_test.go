package assigners

import (
	"testing"

	"github.com/mkocikowski/kafkaconsumer/groups"
	"github.com/stretchr/testify/require"
)

func TestUnitAssignRoundRobin(t *testing.T) {
	members := []groups.Member{
		{ID: "c", Topics: []string{"foo"}},
		{ID: "a", Topics: []string{"foo"}},
		{ID: "b", Topics: []string{"foo"}},
	}
	partitions := map[string][]int32{"foo": {1, 3, 0, 2}}
	assignments, err := (&RoundRobin{}).Assign(members, partitions)
	require.NoError(t, err)
	require.Equal(t, []int32{0, 3}, assignments["a"]["foo"])
	require.Equal(t, []int32{1}, assignments["b"]["foo"])
	require.Equal(t, []int32{2}, assignments["c"]["foo"])
}

func TestUnitAssignRoundRobinSubscriptions(t *testing.T) {
	members := []groups.Member{
		{ID: "a", Topics: []string{"foo"}},
		{ID: "b", Topics: []string{"foo", "bar"}},
	}
	partitions := map[string][]int32{"foo": {0, 1}, "bar": {0, 1}}
	assignments, err := (&RoundRobin{}).Assign(members, partitions)
	require.NoError(t, err)
	require.Equal(t, map[string][]int32{"bar": {0, 1}}, map[string][]int32{"bar": assignments["b"]["bar"]})
	require.Empty(t, assignments["a"]["bar"])
	total := len(assignments["a"]["foo"]) + len(assignments["b"]["foo"])
	require.Equal(t, 2, total)
}

func TestUnitAssignRoundRobinMoreMembers(t *testing.T) {
	members := []groups.Member{
		{ID: "a", Topics: []string{"foo"}},
		{ID: "b", Topics: []string{"foo"}},
		{ID: "c", Topics: []string{"foo"}},
	}
	assignments, err := (&RoundRobin{}).Assign(members, map[string][]int32{"foo": {0}})
	require.NoError(t, err)
	require.Len(t, assignments, 3)
	require.Empty(t, assignments["c"])
}
