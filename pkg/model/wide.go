package model

import (
	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/initializers"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
)

var (
	_ nn.Model = &Wide{}
)

// Wide is the linear component of the network. Each entry of the wide
// feature vocabulary owns a vector of output scores, so that summing the
// vectors of the active features plus a bias is equivalent to a linear layer
// over their one-hot encoding.
type Wide struct {
	nn.BaseModel
	Vectors []nn.Param
	B       nn.Param
}

func NewWide(wideDim, predDim int) *Wide {
	vectors := make([]nn.Param, wideDim)
	for i := range vectors {
		vectors[i] = nn.NewParam(mat.NewEmptyVecDense(predDim))
	}
	return &Wide{
		Vectors: vectors,
		B:       nn.NewParam(mat.NewEmptyVecDense(predDim)),
	}
}

func (m *Wide) Init(generator *rand.LockedRand) {
	gain := initializers.Gain(ag.OpIdentity)
	for _, vector := range m.Vectors {
		initializers.XavierUniform(vector.Value(), gain, generator)
	}
}

// Forward scores one batch of wide feature index sets. Index 0 marks a value
// unseen at training time and contributes nothing to the sum.
func (m *Wide) Forward(features [][]int) []ag.Node {
	g := m.Graph()
	ys := make([]ag.Node, len(features))
	for i, active := range features {
		y := g.NewWrap(m.B)
		for _, index := range active {
			if index <= 0 || index > len(m.Vectors) {
				continue
			}
			y = g.Add(y, g.NewWrap(m.Vectors[index-1]))
		}
		ys[i] = y
	}
	return ys
}
