package model

import (
	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/initializers"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
)

var (
	_ nn.Model = &Embedding{}
)

// Embedding holds the learned vectors of one categorical feature. Vocabulary
// indexes are 1-based: index 0 is reserved for values unseen at training
// time and yields a constant zero vector that receives no gradient.
type Embedding struct {
	nn.BaseModel
	Dim     int
	Vectors []nn.Param
}

func NewEmbedding(numEmbeddings, dim int) *Embedding {
	vectors := make([]nn.Param, numEmbeddings)
	for i := range vectors {
		vectors[i] = nn.NewParam(mat.NewEmptyVecDense(dim))
	}
	return &Embedding{
		Dim:     dim,
		Vectors: vectors,
	}
}

func (m *Embedding) Init(generator *rand.LockedRand) {
	gain := initializers.Gain(ag.OpIdentity)
	for _, vector := range m.Vectors {
		initializers.XavierUniform(vector.Value(), gain, generator)
	}
}

// lookup returns the graph node of the vector at the given vocabulary index.
func (m *Embedding) lookup(index int) ag.Node {
	g := m.Graph()
	if index <= 0 || index > len(m.Vectors) {
		return g.NewVariable(mat.NewEmptyVecDense(m.Dim), false)
	}
	return g.NewWrap(m.Vectors[index-1])
}
