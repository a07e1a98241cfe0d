package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUnitLastOffset(t *testing.T) {
	tests := []struct {
		batch Batch
		want  int64
	}{
		{
			batch: Batch{HighWatermark: 5},
			want:  4,
		},
		{
			batch: Batch{HighWatermark: 5, LastStableOffset: 3},
			want:  2,
		},
		{
			batch: Batch{HighWatermark: 5, LastStableOffset: 7},
			want:  4,
		},
		{
			batch: Batch{HighWatermark: 0},
			want:  -1,
		},
		{
			batch: Batch{HighWatermark: 100, Messages: []Record{{Offset: 10}, {Offset: 11}}},
			want:  11,
		},
	}
	for i, test := range tests {
		if got := test.batch.LastOffset(); got != test.want {
			t.Fatal(i, got)
		}
	}
}

func TestUnitOffsetLag(t *testing.T) {
	b := &Batch{HighWatermark: 20, Messages: []Record{{Offset: 10}, {Offset: 11}}}
	require.Equal(t, int64(8), b.OffsetLag())
	require.Equal(t, int64(10), b.FirstOffset())
	empty := &Batch{HighWatermark: 5, FetchedOffset: 5}
	require.Equal(t, int64(0), empty.OffsetLag())
	require.Equal(t, int64(5), empty.FirstOffset())
	require.True(t, empty.IsEmpty())
}

func TestUnitMaxTimestamp(t *testing.T) {
	t0 := time.Unix(100, 0)
	b := &Batch{Messages: []Record{{Timestamp: t0.Add(time.Second)}, {Timestamp: t0}}}
	require.Equal(t, t0.Add(time.Second), b.MaxTimestamp())
}
