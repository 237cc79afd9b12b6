package history

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTree_OrderBelowMinimum_Panics(t *testing.T) {
	assert.Panics(t, func() { NewTree(2) })
}

func TestTree_ScanAscending_AcrossSplits(t *testing.T) {
	// Insert far more records than one leaf holds, in shuffled order, and
	// verify the scan comes back fully sorted with invariants intact.
	tree := NewTree(4) // small order forces deep splitting
	rng := rand.New(rand.NewSource(3))

	var want []Record
	for _, i := range rng.Perm(500) {
		rec := Record{Timestamp: int64(i / 5), Entity: int64(i % 5), Value: float64(i)}
		tree.Insert(rec)
		want = append(want, rec)
	}
	sort.Slice(want, func(i, j int) bool { return want[i].Key().Less(want[j].Key()) })

	got := tree.All()
	require.Equal(t, len(want), len(got))
	assert.Equal(t, want, got)

	ok, why := tree.checkInvariants()
	assert.True(t, ok, why)
}

func TestTree_RangeScanBounds(t *testing.T) {
	tree := NewTree(4)
	for ts := int64(0); ts < 100; ts++ {
		tree.Insert(Record{Timestamp: ts, Entity: 1, Value: float64(ts)})
	}

	tests := []struct {
		name   string
		t1, t2 int64
		want   int
	}{
		{"interior range", 10, 19, 10},
		{"single timestamp", 50, 50, 1},
		{"full range", 0, 99, 100},
		{"beyond the end", 90, 1000, 10},
		{"before the start", -50, -1, 0},
		{"inverted bounds", 20, 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tree.Scan(tt.t1, tt.t2)
			assert.Len(t, got, tt.want)
			for i := 1; i < len(got); i++ {
				assert.True(t, got[i-1].Key().Less(got[i].Key()))
			}
		})
	}
}

func TestTree_SameTimestampManyEntities(t *testing.T) {
	// Entity id breaks timestamp ties; a scan for one tick returns every
	// entity in id order.
	tree := NewTree(5)
	for e := int64(10); e > 0; e-- {
		tree.Insert(Record{Timestamp: 7, Entity: e, Value: float64(e)})
	}
	got := tree.Scan(7, 7)
	require.Len(t, got, 10)
	for i, rec := range got {
		assert.Equal(t, int64(i+1), rec.Entity)
	}
}

func TestTree_DuplicateKeyOverwrites(t *testing.T) {
	tree := NewTree(4)
	tree.Insert(Record{Timestamp: 1, Entity: 1, Value: 10})
	tree.Insert(Record{Timestamp: 1, Entity: 1, Value: 20})

	assert.Equal(t, 1, tree.Len())
	got := tree.Scan(1, 1)
	require.Len(t, got, 1)
	assert.Equal(t, 20.0, got[0].Value)
}

func TestTree_InvariantsUnderChurn(t *testing.T) {
	for _, order := range []int{3, 4, 7, 32} {
		tree := NewTree(order)
		rng := rand.New(rand.NewSource(int64(order)))
		for i := 0; i < 2000; i++ {
			tree.Insert(Record{
				Timestamp: int64(rng.Intn(300)),
				Entity:    int64(rng.Intn(20)),
				Value:     rng.Float64(),
			})
		}
		ok, why := tree.checkInvariants()
		require.True(t, ok, "order %d: %s", order, why)

		all := tree.All()
		assert.Equal(t, tree.Len(), len(all))
		for i := 1; i < len(all); i++ {
			assert.True(t, all[i-1].Key().Less(all[i].Key()), "order %d: scan out of order", order)
		}
	}
}
