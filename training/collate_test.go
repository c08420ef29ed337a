package training

import (
	"testing"

	"github.com/manningwu07/chattune/IO"
	"github.com/manningwu07/chattune/transformer"
	"github.com/stretchr/testify/assert"
)

func example(ids []int, n int) IO.Example {
	mask := make([]int, len(ids))
	for i := 0; i < n; i++ {
		mask[i] = 1
	}
	return IO.Example{InputIDs: ids, AttentionMask: mask}
}

func TestCollatePadsToLongestInBatch(t *testing.T) {
	const pad = 9
	b := Collate([]IO.Example{
		example([]int{1, 2, pad, pad, pad, pad}, 2),
		example([]int{3, 4, 5, 6, pad, pad}, 4),
	})
	assert.Equal(t, [][]int{{1, 2, pad, pad}, {3, 4, 5, 6}}, b.InputIDs)
	assert.Equal(t, [][]int{{1, 1, 0, 0}, {1, 1, 1, 1}}, b.AttentionMask)
	ig := transformer.IgnoreIndex
	assert.Equal(t, [][]int{{1, 2, ig, ig}, {3, 4, 5, 6}}, b.Labels)

	// Row 0 scores one target, row 1 three.
	assert.Equal(t, 4, b.Targets())
	ids, labels := b.row(0)
	assert.Equal(t, []int{1, 2}, ids)
	assert.Equal(t, []int{1, 2}, labels)
}

func TestCollateEmptyRows(t *testing.T) {
	b := Collate([]IO.Example{example([]int{7, 7}, 0)})
	assert.Equal(t, [][]int{{}}, b.InputIDs)
	assert.Zero(t, b.Targets())
}
