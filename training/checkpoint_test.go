package training

import (
	"fmt"
	"testing"

	"github.com/manningwu07/chattune/optimizations"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func makeCheckpoints(t *testing.T, fs afero.Fs, steps ...int) {
	t.Helper()
	for _, s := range steps {
		require.NoError(t, fs.MkdirAll(fmt.Sprintf("out/%s%d", CheckpointPrefix, s), 0o755))
	}
}

func TestRotateKeepsExactlyLimit(t *testing.T) {
	fs := afero.NewMemMapFs()
	makeCheckpoints(t, fs, 10, 2, 30, 20)
	require.NoError(t, fs.MkdirAll("out/checkpoint-final", 0o755))
	require.NoError(t, afero.WriteFile(fs, "out/checkpoint-40", []byte("not a dir"), 0o644))

	removed, err := RotateCheckpoints(fs, "out", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"out/checkpoint-2", "out/checkpoint-10"}, removed)

	cks, err := ListCheckpoints(fs, "out")
	require.NoError(t, err)
	assert.Equal(t, []Checkpoint{{20, "out/checkpoint-20"}, {30, "out/checkpoint-30"}}, cks)
}

func TestRotateNonPositiveLimitKeepsAll(t *testing.T) {
	fs := afero.NewMemMapFs()
	makeCheckpoints(t, fs, 1, 2, 3)
	removed, err := RotateCheckpoints(fs, "out", 0)
	require.NoError(t, err)
	assert.Empty(t, removed)
	cks, _ := ListCheckpoints(fs, "out")
	assert.Len(t, cks, 3)

	none, err := ListCheckpoints(fs, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestOptimizerRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("ck", 0o755))
	opt := optimizations.NewAdamW(0.9, 0.95, 1e-8, 0.01)
	w := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	g := mat.NewDense(2, 3, []float64{0.1, -0.2, 0.3, 0, 1, -1})
	opt.Update([]optimizations.Param{{Name: "h.0.attn.q.weight", W: w, G: g, Decay: true}}, 1e-3)

	require.NoError(t, SaveOptimizer(fs, "ck", opt))
	back, err := LoadOptimizer(fs, "ck")
	require.NoError(t, err)
	assert.Equal(t, opt.Step, back.Step)
	assert.Equal(t, opt.Beta2, back.Beta2)
	assert.Equal(t, opt.WeightDecay, back.WeightDecay)
	assert.True(t, mat.Equal(opt.M["h.0.attn.q.weight"], back.M["h.0.attn.q.weight"]))
	assert.True(t, mat.Equal(opt.V["h.0.attn.q.weight"], back.V["h.0.attn.q.weight"]))
}
