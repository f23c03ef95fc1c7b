package model

import (
	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/nn/normalization/batchnorm"
)

var (
	_ nn.Model = &TabMLP{}
)

// TabMLP is the deep component of the network. It concatenates the
// embeddings of the categorical features with the continuous features and
// runs the result through a multilayer perceptron. Continuous features are
// batch normalized when ContNorm is set.
type TabMLP struct {
	nn.BaseModel
	Embeddings   []*Embedding
	ContNorm     *batchnorm.Model
	MLP          *MLP
	EmbedDropout float64
}

func NewTabMLP(embeddings []*Embedding, continuousDim int, hiddenDims []int, activation string,
	mlpDropout, embedDropout float64, mlpNorm, mlpNormLast, continuousNorm bool, batchMomentum float64) *TabMLP {

	inputDim := continuousDim
	for _, embedding := range embeddings {
		inputDim += embedding.Dim
	}
	var contNorm *batchnorm.Model
	if continuousNorm && continuousDim > 0 {
		contNorm = batchnorm.NewWithMomentum(continuousDim, mat.Float(batchMomentum))
	}
	dims := append([]int{inputDim}, hiddenDims...)
	return &TabMLP{
		Embeddings:   embeddings,
		ContNorm:     contNorm,
		MLP:          NewMLP(dims, activation, mlpDropout, mlpNorm, mlpNormLast, batchMomentum),
		EmbedDropout: embedDropout,
	}
}

func (m *TabMLP) Init(generator *rand.LockedRand) {
	for _, embedding := range m.Embeddings {
		embedding.Init(generator)
	}
	m.MLP.Init(generator)
}

func (m *TabMLP) OutputDim() int {
	return m.MLP.OutputDim()
}

// Forward encodes one batch. categorical holds per record the embedding
// index of each categorical feature, continuous the dense feature vector
// nodes. Either may be empty when the schema has no columns of that kind.
func (m *TabMLP) Forward(categorical [][]int, continuous []ag.Node) []ag.Node {
	g := m.Graph()

	count := len(continuous)
	if count == 0 {
		count = len(categorical)
	}

	if m.ContNorm != nil && len(continuous) > 0 {
		continuous = m.ContNorm.Forward(continuous...)
	}

	inputs := make([]ag.Node, count)
	for i := 0; i < count; i++ {
		var parts []ag.Node
		if len(m.Embeddings) > 0 {
			vectors := make([]ag.Node, len(m.Embeddings))
			for j, embedding := range m.Embeddings {
				vectors[j] = embedding.lookup(categorical[i][j])
			}
			embedded := vectors[0]
			if len(vectors) > 1 {
				embedded = g.Concat(vectors...)
			}
			if m.EmbedDropout > 0 && m.Mode() == nn.Training {
				embedded = g.Dropout(embedded, mat.Float(m.EmbedDropout))
			}
			parts = append(parts, embedded)
		}
		if len(continuous) > 0 {
			parts = append(parts, continuous[i])
		}
		if len(parts) == 1 {
			inputs[i] = parts[0]
			continue
		}
		inputs[i] = g.Concat(parts...)
	}
	return m.MLP.Forward(inputs...)
}
