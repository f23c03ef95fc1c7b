package model

import (
	"github.com/cockroachdb/errors"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/initializers"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/nn/linear"
)

var (
	_ nn.Model = &WideDeep{}
)

// EmbeddingSpec sizes the embedding table of one categorical feature.
// NumEmbeddings counts the known vocabulary entries, excluding the reserved
// index 0 for unseen values.
type EmbeddingSpec struct {
	NumEmbeddings int
	Dim           int
}

// EmbeddingSpecs derives the embedding table sizes from the fitted
// vocabularies and resolved dimensions.
func (d *Metadata) EmbeddingSpecs() []EmbeddingSpec {
	specs := make([]EmbeddingSpec, len(d.CategoricalValues))
	for i, values := range d.CategoricalValues {
		specs[i] = EmbeddingSpec{
			NumEmbeddings: values.Size(),
			Dim:           d.EmbeddingDims[i],
		}
	}
	return specs
}

type Config struct {
	// Derived from the data metadata after fitting, not configurable.
	PredDim       int             `yaml:"-"`
	WideDim       int             `yaml:"-"`
	Embeddings    []EmbeddingSpec `yaml:"-"`
	ContinuousDim int             `yaml:"-"`

	MLPHiddenDims    []int   `yaml:"mlp_hidden_dims"`
	MLPActivation    string  `yaml:"mlp_activation"`
	MLPDropout       float64 `yaml:"mlp_dropout"`
	MLPBatchNorm     bool    `yaml:"mlp_batchnorm"`
	MLPBatchNormLast bool    `yaml:"mlp_batchnorm_last"`
	EmbedDropout     float64 `yaml:"embed_dropout"`
	ContinuousNorm   bool    `yaml:"continuous_batchnorm"`
	HeadHiddenDims   []int   `yaml:"head_hidden_dims"`
	BatchMomentum    float64 `yaml:"batch_momentum"`
}

func (c Config) hasDeep() bool {
	return len(c.Embeddings) > 0 || c.ContinuousDim > 0
}

func (c Config) Validate() error {
	if c.PredDim <= 0 {
		return errors.Newf("prediction dimension must be positive, got %d", c.PredDim)
	}
	if c.WideDim <= 0 && !c.hasDeep() {
		return errors.New("the network needs at least one component: no wide features and no deep features configured")
	}
	if c.hasDeep() {
		if !ValidActivation(c.MLPActivation) {
			return errors.Newf("unknown activation %q: must be relu, gelu or tanh", c.MLPActivation)
		}
		if len(c.MLPHiddenDims) == 0 {
			return errors.New("the deep component needs at least one hidden layer")
		}
	}
	if err := validateDims(c.MLPHiddenDims); err != nil {
		return err
	}
	if err := validateDims(c.HeadHiddenDims); err != nil {
		return err
	}
	if c.MLPDropout < 0 || c.MLPDropout >= 1 {
		return errors.Newf("dropout probability must be in [0, 1), got %f", c.MLPDropout)
	}
	if c.EmbedDropout < 0 || c.EmbedDropout >= 1 {
		return errors.Newf("embedding dropout probability must be in [0, 1), got %f", c.EmbedDropout)
	}
	for _, spec := range c.Embeddings {
		if spec.Dim <= 0 {
			return errors.Newf("embedding dimension must be positive, got %d", spec.Dim)
		}
	}
	return nil
}

// WideDeep combines a linear model over sparse crossed features with a
// multilayer perceptron over embedded and continuous features, as described
// in "Wide & Deep Learning for Recommender Systems" - https://arxiv.org/abs/1606.07792
// The component outputs are summed into a single vector of PredDim scores.
type WideDeep struct {
	nn.BaseModel
	Config
	Wide *Wide
	Tab  *TabMLP
	Head *MLP
	Out  *linear.Model
}

func NewWideDeep(config Config) *WideDeep {
	m := &WideDeep{Config: config}
	if config.WideDim > 0 {
		m.Wide = NewWide(config.WideDim, config.PredDim)
	}
	if config.hasDeep() {
		embeddings := make([]*Embedding, len(config.Embeddings))
		for i, spec := range config.Embeddings {
			embeddings[i] = NewEmbedding(spec.NumEmbeddings, spec.Dim)
		}
		m.Tab = NewTabMLP(embeddings, config.ContinuousDim, config.MLPHiddenDims, config.MLPActivation,
			config.MLPDropout, config.EmbedDropout, config.MLPBatchNorm, config.MLPBatchNormLast,
			config.ContinuousNorm, config.BatchMomentum)
		deepDim := m.Tab.OutputDim()
		if len(config.HeadHiddenDims) > 0 {
			dims := append([]int{deepDim}, config.HeadHiddenDims...)
			m.Head = NewMLP(dims, config.MLPActivation, config.MLPDropout,
				config.MLPBatchNorm, config.MLPBatchNormLast, config.BatchMomentum)
			deepDim = m.Head.OutputDim()
		}
		m.Out = linear.New(deepDim, config.PredDim)
	}
	return m
}

func (m *WideDeep) Init(generator *rand.LockedRand) {
	if m.Wide != nil {
		m.Wide.Init(generator)
	}
	if m.Tab != nil {
		m.Tab.Init(generator)
		if m.Head != nil {
			m.Head.Init(generator)
		}
		initializers.XavierUniform(m.Out.W.Value(), initializers.Gain(ag.OpIdentity), generator)
	}
}

// Input carries one encoded batch.
type Input struct {
	Wide        [][]int
	Categorical [][]int
	Continuous  []ag.Node
}

// Forward returns one score vector of PredDim rows per record, the sum of
// the wide and deep component outputs.
func (m *WideDeep) Forward(input Input) []ag.Node {
	g := m.Graph()
	var ys []ag.Node
	if m.Tab != nil {
		deep := m.Tab.Forward(input.Categorical, input.Continuous)
		if m.Head != nil {
			deep = m.Head.Forward(deep...)
		}
		ys = m.Out.Forward(deep...)
	}
	if m.Wide != nil {
		wide := m.Wide.Forward(input.Wide)
		if ys == nil {
			return wide
		}
		for i := range ys {
			ys[i] = g.Add(ys[i], wide[i])
		}
	}
	return ys
}
