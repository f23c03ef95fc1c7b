package model

import (
	"testing"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/stretchr/testify/require"
)

const testBatchSize = 8

func TestWideDeep_Forward(t *testing.T) {

	tests := []struct {
		name   string
		config Config
	}{
		{
			name: "wide only",
			config: Config{
				PredDim: 1,
				WideDim: 6,
			},
		},
		{
			name: "deep only continuous",
			config: Config{
				PredDim:       3,
				ContinuousDim: 4,
				MLPHiddenDims: []int{8, 4},
				MLPActivation: ActivationReLU,
			},
		},
		{
			name: "wide and deep",
			config: Config{
				PredDim: 1,
				WideDim: 10,
				Embeddings: []EmbeddingSpec{
					{NumEmbeddings: 5, Dim: 3},
					{NumEmbeddings: 2, Dim: 2},
				},
				ContinuousDim: 2,
				MLPHiddenDims: []int{8, 4},
				MLPActivation: ActivationGELU,
				MLPDropout:    0.1,
				EmbedDropout:  0.1,
			},
		},
		{
			name: "batch normalized with head",
			config: Config{
				PredDim:        4,
				WideDim:        6,
				Embeddings:     []EmbeddingSpec{{NumEmbeddings: 4, Dim: 3}},
				ContinuousDim:  3,
				MLPHiddenDims:  []int{8, 4},
				MLPActivation:  ActivationTanh,
				MLPBatchNorm:   true,
				ContinuousNorm: true,
				HeadHiddenDims: []int{4},
				BatchMomentum:  0.9,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.config.Validate())
			m := NewWideDeep(tt.config)
			m.Init(rand.NewLockedRand(42))

			for _, mode := range []nn.ProcessingMode{nn.Training, nn.Inference} {
				g := ag.NewGraph(ag.Rand(rand.NewLockedRand(42)))
				proc := nn.Reify(m, g, mode).(*WideDeep)

				ys := proc.Forward(createInput(g, tt.config))
				require.Equal(t, testBatchSize, len(ys))
				for _, y := range ys {
					require.Equal(t, tt.config.PredDim, y.Value().Rows())
					require.Equal(t, 1, y.Value().Columns())
				}
				g.Clear()
			}
		})
	}
}

// createInput builds a batch that also exercises the reserved index 0 on the
// wide and the categorical side.
func createInput(g *ag.Graph, config Config) Input {
	input := Input{
		Wide:        make([][]int, testBatchSize),
		Categorical: make([][]int, testBatchSize),
	}
	if config.ContinuousDim > 0 {
		input.Continuous = make([]ag.Node, testBatchSize)
	}
	for i := 0; i < testBatchSize; i++ {
		if config.WideDim > 0 {
			input.Wide[i] = []int{1, config.WideDim, 0}
		}
		categorical := make([]int, len(config.Embeddings))
		for j, spec := range config.Embeddings {
			categorical[j] = (i + j) % (spec.NumEmbeddings + 1)
		}
		input.Categorical[i] = categorical
		if config.ContinuousDim > 0 {
			input.Continuous[i] = g.NewVariable(mat.NewEmptyVecDense(config.ContinuousDim), false)
		}
	}
	return input
}

func TestWide_Forward(t *testing.T) {
	m := NewWide(3, 1)
	m.Vectors[0] = nn.NewParam(mat.NewVecDense([]mat.Float{1}))
	m.Vectors[1] = nn.NewParam(mat.NewVecDense([]mat.Float{2}))
	m.Vectors[2] = nn.NewParam(mat.NewVecDense([]mat.Float{4}))
	m.B = nn.NewParam(mat.NewVecDense([]mat.Float{0.5}))

	g := ag.NewGraph(ag.Rand(rand.NewLockedRand(42)))
	proc := nn.ReifyForInference(m, g).(*Wide)

	ys := proc.Forward([][]int{{1, 3}, {2}, {0}, {}})
	require.Equal(t, 4, len(ys))
	require.InDelta(t, 5.5, float64(ys[0].ScalarValue()), 1e-6)
	require.InDelta(t, 2.5, float64(ys[1].ScalarValue()), 1e-6)
	require.InDelta(t, 0.5, float64(ys[2].ScalarValue()), 1e-6)
	require.InDelta(t, 0.5, float64(ys[3].ScalarValue()), 1e-6)
}

func TestEmbedding_Lookup(t *testing.T) {
	m := NewEmbedding(3, 4)
	m.Init(rand.NewLockedRand(42))

	g := ag.NewGraph(ag.Rand(rand.NewLockedRand(42)))
	proc := nn.ReifyForInference(m, g).(*Embedding)

	known := proc.lookup(1)
	require.Equal(t, m.Vectors[0].Value().Data(), known.Value().Data())

	zero := []mat.Float{0, 0, 0, 0}
	require.Equal(t, zero, proc.lookup(0).Value().Data())
	require.Equal(t, zero, proc.lookup(4).Value().Data())
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		PredDim:       2,
		WideDim:       4,
		Embeddings:    []EmbeddingSpec{{NumEmbeddings: 3, Dim: 2}},
		ContinuousDim: 1,
		MLPHiddenDims: []int{4},
		MLPActivation: ActivationReLU,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name     string
		mutate   func(c *Config)
		expected string
	}{
		{
			name:     "prediction dimension",
			mutate:   func(c *Config) { c.PredDim = 0 },
			expected: "prediction dimension must be positive",
		},
		{
			name: "no components",
			mutate: func(c *Config) {
				c.WideDim = 0
				c.Embeddings = nil
				c.ContinuousDim = 0
			},
			expected: "at least one component",
		},
		{
			name:     "no hidden layers",
			mutate:   func(c *Config) { c.MLPHiddenDims = nil },
			expected: "at least one hidden layer",
		},
		{
			name:     "unknown activation",
			mutate:   func(c *Config) { c.MLPActivation = "softsign" },
			expected: "unknown activation",
		},
		{
			name:     "negative hidden dimension",
			mutate:   func(c *Config) { c.MLPHiddenDims = []int{4, -1} },
			expected: "layer dimension must be positive",
		},
		{
			name:     "dropout range",
			mutate:   func(c *Config) { c.MLPDropout = 1.0 },
			expected: "dropout probability must be in [0, 1)",
		},
		{
			name:     "embedding dropout range",
			mutate:   func(c *Config) { c.EmbedDropout = -0.1 },
			expected: "embedding dropout probability must be in [0, 1)",
		},
		{
			name:     "embedding dimension",
			mutate:   func(c *Config) { c.Embeddings = []EmbeddingSpec{{NumEmbeddings: 3, Dim: 0}} },
			expected: "embedding dimension must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid
			tt.mutate(&config)
			err := config.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.expected)
		})
	}
}
