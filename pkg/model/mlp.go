package model

import (
	"github.com/cockroachdb/errors"
	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/initializers"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/nn/linear"
	"github.com/nlpodyssey/spago/pkg/ml/nn/normalization/batchnorm"
)

const (
	ActivationReLU = "relu"
	ActivationGELU = "gelu"
	ActivationTanh = "tanh"
)

func ValidActivation(activation string) bool {
	switch activation {
	case ActivationReLU, ActivationGELU, ActivationTanh:
		return true
	}
	return false
}

func activate(g *ag.Graph, activation string, x ag.Node) ag.Node {
	switch activation {
	case ActivationGELU:
		return g.GELU(x)
	case ActivationTanh:
		return g.Tanh(x)
	}
	return g.ReLU(x)
}

func activationGain(activation string) mat.Float {
	switch activation {
	case ActivationTanh:
		return initializers.Gain(ag.OpTanh)
	case ActivationReLU, ActivationGELU:
		return initializers.Gain(ag.OpReLU)
	}
	return initializers.Gain(ag.OpIdentity)
}

var (
	_ nn.Model = &DenseLayer{}
	_ nn.Model = &MLP{}
)

// DenseLayer applies batch normalization, dropout, a linear transformation
// and an activation, in this order. The linear transformation carries no
// bias when batch normalization is enabled.
type DenseLayer struct {
	nn.BaseModel
	Lin        *linear.Model
	Norm       *batchnorm.Model
	Activation string
	Dropout    float64
}

func NewDenseLayer(in, out int, activation string, dropout float64, useNorm bool, batchMomentum float64) *DenseLayer {
	lin := linear.New(in, out)
	var norm *batchnorm.Model
	if useNorm {
		lin = linear.New(in, out, linear.BiasGrad(false))
		norm = batchnorm.NewWithMomentum(in, mat.Float(batchMomentum))
	}
	return &DenseLayer{
		Lin:        lin,
		Norm:       norm,
		Activation: activation,
		Dropout:    dropout,
	}
}

func (m *DenseLayer) Init(generator *rand.LockedRand) {
	initializers.XavierUniform(m.Lin.W.Value(), activationGain(m.Activation), generator)
}

func (m *DenseLayer) Forward(xs ...ag.Node) []ag.Node {
	g := m.Graph()
	ys := xs
	if m.Norm != nil {
		ys = m.Norm.Forward(ys...)
	}
	if m.Dropout > 0 && m.Mode() == nn.Training {
		dropped := make([]ag.Node, len(ys))
		for i, y := range ys {
			dropped[i] = g.Dropout(y, mat.Float(m.Dropout))
		}
		ys = dropped
	}
	ys = m.Lin.Forward(ys...)
	out := make([]ag.Node, len(ys))
	for i, y := range ys {
		out[i] = activate(g, m.Activation, y)
	}
	return out
}

// MLP chains dense layers over the given dimensions, where Dims[0] is the
// input dimension and Dims[len(Dims)-1] the output dimension.
type MLP struct {
	nn.BaseModel
	Dims   []int
	Layers []*DenseLayer
}

// NewMLP builds one dense layer per consecutive dimension pair. Batch
// normalization, when enabled, is applied to every layer except the last
// unless normLast is also set.
func NewMLP(dims []int, activation string, dropout float64, useNorm, normLast bool, batchMomentum float64) *MLP {
	layers := make([]*DenseLayer, len(dims)-1)
	for i := range layers {
		norm := useNorm && (i < len(layers)-1 || normLast)
		layers[i] = NewDenseLayer(dims[i], dims[i+1], activation, dropout, norm, batchMomentum)
	}
	return &MLP{
		Dims:   dims,
		Layers: layers,
	}
}

func (m *MLP) Init(generator *rand.LockedRand) {
	for _, layer := range m.Layers {
		layer.Init(generator)
	}
}

func (m *MLP) OutputDim() int {
	return m.Dims[len(m.Dims)-1]
}

func (m *MLP) Forward(xs ...ag.Node) []ag.Node {
	ys := xs
	for _, layer := range m.Layers {
		ys = layer.Forward(ys...)
	}
	return ys
}

func validateDims(dims []int) error {
	for _, dim := range dims {
		if dim <= 0 {
			return errors.Newf("layer dimension must be positive, got %d", dim)
		}
	}
	return nil
}
