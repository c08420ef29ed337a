package training

import (
	"github.com/manningwu07/chattune/IO"
	"github.com/manningwu07/chattune/transformer"
)

// Batch is a dynamically padded group of examples: every row is trimmed
// to the longest real length in the batch.
type Batch struct {
	InputIDs      [][]int
	AttentionMask [][]int
	Labels        [][]int // input ids, IgnoreIndex where the mask is 0
}

// Collate pads a batch to its longest member instead of the block size.
func Collate(examples []IO.Example) Batch {
	width := 0
	for _, ex := range examples {
		if n := ex.RealLen(); n > width {
			width = n
		}
	}
	b := Batch{
		InputIDs:      make([][]int, len(examples)),
		AttentionMask: make([][]int, len(examples)),
		Labels:        make([][]int, len(examples)),
	}
	for i, ex := range examples {
		ids, mask, labels := make([]int, width), make([]int, width), make([]int, width)
		copy(ids, ex.InputIDs)
		copy(mask, ex.AttentionMask)
		for t := range labels {
			if mask[t] == 1 {
				labels[t] = ids[t]
			} else {
				labels[t] = transformer.IgnoreIndex
			}
		}
		b.InputIDs[i], b.AttentionMask[i], b.Labels[i] = ids, mask, labels
	}
	return b
}

func (b Batch) Len() int { return len(b.InputIDs) }

// row returns the unpadded ids and labels of row i. Padding is on the right
// and attention is causal, so dropping it leaves every scored logit
// unchanged.
func (b Batch) row(i int) ([]int, []int) {
	n := 0
	for _, m := range b.AttentionMask[i] {
		n += m
	}
	return b.InputIDs[i][:n], b.Labels[i][:n]
}

// Targets counts the scored next-token positions.
func (b Batch) Targets() int {
	total := 0
	for i := range b.Labels {
		_, labels := b.row(i)
		for t := 1; t < len(labels); t++ {
			if labels[t] != transformer.IgnoreIndex {
				total++
			}
		}
	}
	return total
}
