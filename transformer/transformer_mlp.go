package transformer

import (
	"github.com/manningwu07/chattune/optimizations"
	"github.com/manningwu07/chattune/utils"
	"gonum.org/v1/gonum/mat"
)

// MLP is the GPT-2 feed-forward block: c_fc (d -> hidden), gelu_new,
// c_proj (hidden -> d).
type MLP struct {
	Inputs, Hiddens, Outputs  int
	HiddenWeights, HiddenBias *mat.Dense // (h x d), (h x 1)
	OutputWeights, OutputBias *mat.Dense // (d x h), (d x 1)

	// grads
	DHiddenW, DHiddenB *mat.Dense
	DOutputW, DOutputB *mat.Dense

	// cache for backprop
	lastInput, hiddenPreAct, hiddenOutputs *mat.Dense
}

func NewMLP(d, hidden int) *MLP {
	return &MLP{
		Inputs:        d,
		Hiddens:       hidden,
		Outputs:       d,
		HiddenWeights: mat.NewDense(hidden, d, nil),
		HiddenBias:    mat.NewDense(hidden, 1, nil),
		OutputWeights: mat.NewDense(d, hidden, nil),
		OutputBias:    mat.NewDense(d, 1, nil),
		DHiddenW:      mat.NewDense(hidden, d, nil),
		DHiddenB:      mat.NewDense(hidden, 1, nil),
		DOutputW:      mat.NewDense(d, hidden, nil),
		DOutputB:      mat.NewDense(d, 1, nil),
	}
}

func (mlp *MLP) Forward(X *mat.Dense) *mat.Dense {
	mlp.lastInput = X
	mlp.hiddenPreAct = utils.AddBias(utils.Dot(mlp.HiddenWeights, X), mlp.HiddenBias) // (h x T)
	mlp.hiddenOutputs = utils.Apply(utils.GeluApply, mlp.hiddenPreAct)
	return utils.AddBias(utils.Dot(mlp.OutputWeights, mlp.hiddenOutputs), mlp.OutputBias) // (d x T)
}

// Backward accumulates parameter grads and returns dL/dX.
func (mlp *MLP) Backward(grad *mat.Dense) *mat.Dense {
	var dWout mat.Dense
	dWout.Mul(grad, mlp.hiddenOutputs.T())
	mlp.DOutputW.Add(mlp.DOutputW, &dWout)
	utils.AccumulateRowSums(mlp.DOutputB, grad)

	hiddenGradOut := utils.Dot(mlp.OutputWeights.T(), grad) // dL/d(hidden_out)
	hiddenErrors := utils.Multiply(hiddenGradOut, utils.GeluPrime(mlp.hiddenPreAct))

	var dWhid mat.Dense
	dWhid.Mul(hiddenErrors, mlp.lastInput.T())
	mlp.DHiddenW.Add(mlp.DHiddenW, &dWhid)
	utils.AccumulateRowSums(mlp.DHiddenB, hiddenErrors)

	return utils.Dot(mlp.HiddenWeights.T(), hiddenErrors)
}

// ForwardCol: one column only, returns (dModel x 1)
func (mlp *MLP) ForwardCol(xCol *mat.Dense) *mat.Dense {
	hb := utils.AddBias(utils.Dot(mlp.HiddenWeights, xCol), mlp.HiddenBias)
	hs := utils.Apply(utils.GeluApply, hb)
	return utils.AddBias(utils.Dot(mlp.OutputWeights, hs), mlp.OutputBias)
}

func (mlp *MLP) Params(prefix string) []optimizations.Param {
	return []optimizations.Param{
		{Name: prefix + ".c_fc.weight", W: mlp.HiddenWeights, G: mlp.DHiddenW, Decay: true},
		{Name: prefix + ".c_fc.bias", W: mlp.HiddenBias, G: mlp.DHiddenB},
		{Name: prefix + ".c_proj.weight", W: mlp.OutputWeights, G: mlp.DOutputW, Decay: true},
		{Name: prefix + ".c_proj.bias", W: mlp.OutputBias, G: mlp.DOutputB},
	}
}
