package pkg

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/stretchr/testify/require"

	"widedeep/pkg/io"
	"widedeep/pkg/model"
)

func writeTrainData(t *testing.T, content string) string {
	t.Helper()
	fileName := filepath.Join(t.TempDir(), "train.csv")
	require.NoError(t, os.WriteFile(fileName, []byte(content), 0644))
	return fileName
}

const binaryTrainData = "color,x,label\n" +
	"red,1,yes\nblue,2,no\nred,3,yes\nblue,4,no\n" +
	"red,5,yes\nblue,6,no\nred,2,yes\nblue,3,no\n"

func testTrainingParameters() TrainingParameters {
	return TrainingParameters{
		BatchSize:          2,
		NumEpochs:          2,
		LearningRate:       0.01,
		Optimizer:          OptimizerAdam,
		ReportInterval:     1,
		RndSeed:            42,
		GradientClipValue:  2000,
		CategoricalColumns: []string{"color"},
	}
}

func testModelConfig() model.Config {
	return model.Config{
		MLPHiddenDims: []int{4},
		MLPActivation: model.ActivationReLU,
	}
}

func TestTrain(t *testing.T) {
	trainFile := writeTrainData(t, binaryTrainData)
	modelFile := filepath.Join(t.TempDir(), "test.model")

	err := Train(trainFile, "", modelFile, "label", model.Binary, testModelConfig(), testTrainingParameters())
	require.NoError(t, err)

	m, err := loadModelFile(modelFile)
	require.NoError(t, err)
	require.Equal(t, model.Binary, m.MetaData.Objective)
	require.Equal(t, 1, m.MetaData.ContinuousCount())
	require.Equal(t, 1, m.MetaData.CategoricalCount())
	require.NotNil(t, m.WideDeep.Wide)
	require.NotNil(t, m.WideDeep.Tab)
}

func TestTrainWithValidationSplit(t *testing.T) {
	trainFile := writeTrainData(t, binaryTrainData)
	tmpDir := t.TempDir()
	modelFile := filepath.Join(tmpDir, "test.model")
	historyFile := filepath.Join(tmpDir, "history.csv")

	params := testTrainingParameters()
	params.NumEpochs = 3
	params.ValidationSplit = 0.25
	params.HistoryFile = historyFile

	err := Train(trainFile, "", modelFile, "label", model.Binary, testModelConfig(), params)
	require.NoError(t, err)

	_, err = os.Stat(modelFile)
	require.NoError(t, err)

	history, err := LoadHistory(historyFile)
	require.NoError(t, err)
	require.Equal(t, 3, len(history.Epochs))
	for _, stats := range history.Epochs {
		require.False(t, math.IsNaN(stats.ValidationLoss), "expected a validation loss for epoch %d", stats.Epoch)
	}
}

func TestTrainErrors(t *testing.T) {
	trainFile := writeTrainData(t, binaryTrainData)
	modelFile := filepath.Join(t.TempDir(), "test.model")

	params := testTrainingParameters()
	params.Optimizer = "sprop"
	err := Train(trainFile, "", modelFile, "label", model.Binary, testModelConfig(), params)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown optimizer")

	err = Train(filepath.Join(t.TempDir(), "missing.csv"), "", modelFile, "label", model.Binary,
		testModelConfig(), testTrainingParameters())
	require.Error(t, err)
	require.Contains(t, err.Error(), "error reading training data")

	err = Train(trainFile, "", modelFile, "label", model.Multiclass, model.Config{MLPHiddenDims: []int{4}},
		testTrainingParameters())
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown activation")
}

func TestParseCrossedColumns(t *testing.T) {
	pairs, err := parseCrossedColumns([]string{"a,b", "c,d"})
	require.NoError(t, err)
	require.Equal(t, [][2]string{{"a", "b"}, {"c", "d"}}, pairs)

	pairs, err = parseCrossedColumns(nil)
	require.NoError(t, err)
	require.Empty(t, pairs)

	for _, invalid := range []string{"a", "a,b,c", ",b", "a,"} {
		_, err = parseCrossedColumns([]string{invalid})
		require.Error(t, err)
		require.Contains(t, err.Error(), "invalid crossed column pair")
	}
}

func TestBuildOptimizer(t *testing.T) {
	wideDeep := model.NewWideDeep(model.Config{PredDim: 1, WideDim: 2})
	wideDeep.Init(rand.NewLockedRand(42))

	for _, name := range []string{OptimizerAdam, OptimizerRAdam, OptimizerSGD} {
		trainer := &Trainer{
			params: TrainingParameters{Optimizer: name, LearningRate: 0.01, GradientClipValue: 2000},
			model:  wideDeep,
		}
		require.NoError(t, trainer.buildOptimizer())
		require.NotNil(t, trainer.optimizer)
	}

	trainer := &Trainer{
		params: TrainingParameters{Optimizer: "sprop", LearningRate: 0.01},
		model:  wideDeep,
	}
	err := trainer.buildOptimizer()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown optimizer")
}

func TestCreateInputNodes(t *testing.T) {
	metaData := model.NewMetadata()
	metaData.ContinuousFeaturesMap.Set(1, 0)
	metaData.CategoricalFeaturesMap.Set(0, 0)

	batch := io.DataBatch{
		{WideFeatures: []int{1}, CategoricalFeatures: []int{2}, ContinuousFeatures: mat.NewVecDense([]mat.Float{0.5})},
		{WideFeatures: []int{0}, CategoricalFeatures: []int{0}, ContinuousFeatures: mat.NewVecDense([]mat.Float{1.5})},
	}

	g := newTestGraph()
	input := createInputNodes(batch, g, metaData)
	require.Equal(t, [][]int{{1}, {0}}, input.Wide)
	require.Equal(t, [][]int{{2}, {0}}, input.Categorical)
	require.Equal(t, 2, len(input.Continuous))
	require.Equal(t, []mat.Float{0.5}, input.Continuous[0].Value().Data())
	require.Equal(t, []mat.Float{1.5}, input.Continuous[1].Value().Data())

	metaData.ContinuousFeaturesMap = model.NewColumnMap()
	input = createInputNodes(batch, g, metaData)
	require.Nil(t, input.Continuous)
}
