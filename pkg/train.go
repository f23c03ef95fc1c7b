package pkg

import (
	"math"
	mrand "math/rand"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd/adam"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd/radam"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd/sgd"
	"github.com/rs/zerolog/log"

	"widedeep/pkg/io"
	"widedeep/pkg/model"
)

const (
	OptimizerAdam  = "adam"
	OptimizerRAdam = "radam"
	OptimizerSGD   = "sgd"
)

type TrainingParameters struct {
	BatchSize             int     `yaml:"batch_size"`
	NumEpochs             int     `yaml:"num_epochs"`
	LearningRate          float64 `yaml:"learning_rate"`
	Optimizer             string  `yaml:"optimizer"`
	ReportInterval        int     `yaml:"report_interval"`
	RndSeed               uint64  `yaml:"random_seed"`
	ValidationSplit       float64 `yaml:"validation_split"`
	EarlyStoppingPatience int     `yaml:"early_stopping_patience"`
	GradientClipValue     float64 `yaml:"gradient_clip_value"`
	HistoryFile           string  `yaml:"history_file"`

	CategoricalColumns  []string       `yaml:"categorical_columns"`
	WideColumns         []string       `yaml:"wide_columns"`
	CrossedColumns      []string       `yaml:"crossed_columns"`
	EmbeddingDims       map[string]int `yaml:"embedding_dims"`
	DefaultEmbeddingDim int            `yaml:"default_embedding_dim"`
	NoScaling           bool           `yaml:"no_scaling"`
}

type Trainer struct {
	params    TrainingParameters
	optimizer *gd.GradientDescent
	model     *model.WideDeep
	metaData  *model.Metadata
	lossFn    lossFunc
	rndGen    *rand.LockedRand
}

// Train fits a wide and deep model on trainFile and saves it to
// outputFileName. A validation split, when configured, is held out of
// training to track the validation loss: the saved model is then the one
// with the lowest validation loss seen, and training stops early once the
// loss has not improved for EarlyStoppingPatience epochs. When testFile is
// set the final model is evaluated on it.
func Train(trainFile, testFile, outputFileName, targetColumn string, objective model.Objective,
	config model.Config, trainingParams TrainingParameters) error {

	if trainingParams.BatchSize <= 0 {
		return errors.Newf("batch size must be positive, got %d", trainingParams.BatchSize)
	}

	t := &Trainer{
		params: trainingParams,
		rndGen: rand.NewLockedRand(trainingParams.RndSeed),
	}

	crossedColumns, err := parseCrossedColumns(trainingParams.CrossedColumns)
	if err != nil {
		return err
	}

	metaData, dataSet, dataErrors, err := io.LoadData(io.DataParameters{
		DataFile:            trainFile,
		TargetColumn:        targetColumn,
		Objective:           objective,
		CategoricalColumns:  io.NewSet(trainingParams.CategoricalColumns...),
		WideColumns:         trainingParams.WideColumns,
		CrossedColumns:      crossedColumns,
		EmbeddingDims:       trainingParams.EmbeddingDims,
		DefaultEmbeddingDim: trainingParams.DefaultEmbeddingDim,
		ScaleContinuous:     !trainingParams.NoScaling,
		BatchSize:           trainingParams.BatchSize,
	}, nil)
	if err != nil {
		return errors.Wrapf(err, "error reading training data from %s", trainFile)
	}
	printDataErrors(dataErrors)
	if dataSet.Size() == 0 {
		return errors.New("no data to train")
	}
	log.Info().Int("Records", dataSet.Size()).Int("Features", metaData.FeatureCount()).
		Int("WideFeatures", metaData.WideFeatureCount()).Msg("")
	dataSet.Rand = mrand.New(mrand.NewSource(int64(trainingParams.RndSeed)))

	trainSet := dataSet
	var validSet *io.DataSet
	if trainingParams.ValidationSplit > 0 {
		validSize := int(float64(dataSet.Size()) * trainingParams.ValidationSplit)
		if validSize > 0 && validSize < dataSet.Size() {
			splits := dataSet.RandomSplit(dataSet.Size()-validSize, validSize)
			trainSet, validSet = splits[0], splits[1]
			log.Info().Int("TrainRecords", trainSet.Size()).Int("ValidationRecords", validSet.Size()).Msg("")
		}
	}

	// Overwrite values that are only known after fitting on the dataset
	config.PredDim = metaData.PredDim()
	config.WideDim = metaData.WideDim()
	config.Embeddings = metaData.EmbeddingSpecs()
	config.ContinuousDim = metaData.ContinuousCount()
	if err := config.Validate(); err != nil {
		return err
	}

	t.metaData = metaData
	t.lossFn = lossFor(metaData)
	t.model = model.NewWideDeep(config)
	t.model.Init(t.rndGen)
	if err := t.buildOptimizer(); err != nil {
		return err
	}

	m := &model.Model{
		MetaData: metaData,
		WideDeep: t.model,
	}

	history := &History{}
	bestLoss := math.Inf(1)
	badEpochs := 0
	checkpointed := false

	for epoch := 0; epoch < trainingParams.NumEpochs; epoch++ {
		t.optimizer.IncEpoch()
		trainLoss := t.trainEpoch(epoch, trainSet)
		validLoss := math.NaN()

		logEvent := log.Info().Int("Epoch", epoch).Float64("TrainLoss", trainLoss)
		if validSet != nil {
			validLoss = t.datasetLoss(validSet)
			logEvent = logEvent.Float64("ValidationLoss", validLoss)
		}
		logEvent.Msg("")
		history.Append(EpochStats{Epoch: epoch, TrainLoss: trainLoss, ValidationLoss: validLoss})

		if validSet == nil {
			continue
		}
		if validLoss < bestLoss {
			bestLoss = validLoss
			badEpochs = 0
			if err := saveModel(m, outputFileName); err != nil {
				return err
			}
			checkpointed = true
			continue
		}
		badEpochs++
		if trainingParams.EarlyStoppingPatience > 0 && badEpochs >= trainingParams.EarlyStoppingPatience {
			log.Info().Int("Epoch", epoch).Float64("BestValidationLoss", bestLoss).Msg("Early stopping")
			break
		}
	}

	if !checkpointed {
		if err := saveModel(m, outputFileName); err != nil {
			return err
		}
	}

	if trainingParams.HistoryFile != "" {
		if err := history.SaveCSV(trainingParams.HistoryFile); err != nil {
			return err
		}
	}

	if testFile == "" {
		return nil
	}
	if checkpointed {
		// evaluate the checkpoint with the best validation loss, not the
		// state after the last epoch
		m, err = loadModelFile(outputFileName)
		if err != nil {
			return err
		}
	}
	_, testSet, testErrors, err := io.LoadData(io.DataParameters{
		DataFile:  testFile,
		BatchSize: trainingParams.BatchSize,
	}, m.MetaData)
	if err != nil {
		return errors.Wrapf(err, "error reading test data from %s", testFile)
	}
	printDataErrors(testErrors)
	return testInternal(m, testSet, "")
}

func (t *Trainer) trainEpoch(epoch int, data *io.DataSet) float64 {
	data.ResetOrder(io.RandomOrder)
	totalLoss := 0.0
	batchCount := 0
	for batch := data.Next(); len(batch) > 0; batch = data.Next() {
		batchLoss := t.trainBatch(batch)
		t.optimizer.Optimize()
		totalLoss += batchLoss
		if t.params.ReportInterval > 0 && batchCount%t.params.ReportInterval == 0 {
			log.Debug().Int("Epoch", epoch).Int("Batch", batchCount).Float64("Loss", batchLoss).Msg("")
		}
		batchCount++
	}
	return totalLoss / float64(batchCount)
}

func (t *Trainer) trainBatch(batch io.DataBatch) float64 {
	t.optimizer.IncBatch()

	g := ag.NewGraph(ag.Rand(t.rndGen))
	defer g.Clear()
	proc := nn.ReifyForTraining(t.model, g).(*model.WideDeep)
	logits := proc.Forward(createInputNodes(batch, g, t.metaData))

	var loss ag.Node
	for i := range batch {
		exampleLoss := t.lossFn(g, logits[i], batch[i].Target)
		loss = g.Add(loss, exampleLoss)
	}
	loss = g.Div(loss, g.NewScalar(mat.Float(len(batch))))
	g.Backward(loss)
	return float64(loss.ScalarValue())
}

// datasetLoss is the average per-record loss over data, without updating
// batch normalization statistics or applying dropout.
func (t *Trainer) datasetLoss(data *io.DataSet) float64 {
	data.ResetOrder(io.OriginalOrder)
	totalLoss := 0.0
	count := 0
	for batch := data.Next(); len(batch) > 0; batch = data.Next() {
		g := ag.NewGraph(ag.Rand(t.rndGen))
		proc := nn.ReifyForInference(t.model, g).(*model.WideDeep)
		logits := proc.Forward(createInputNodes(batch, g, t.metaData))
		for i := range batch {
			totalLoss += float64(t.lossFn(g, logits[i], batch[i].Target).ScalarValue())
			count++
		}
		g.Clear()
	}
	return totalLoss / float64(count)
}

func (t *Trainer) buildOptimizer() error {
	paramsIterator := nn.NewDefaultParamsIterator(t.model)
	clipGrad := gd.ClipGradByValue(mat.Float(t.params.GradientClipValue))
	switch t.params.Optimizer {
	case OptimizerSGD:
		config := sgd.NewConfig(mat.Float(t.params.LearningRate), 0.0, false)
		t.optimizer = gd.NewOptimizer(sgd.New(config), paramsIterator, clipGrad)
	case OptimizerRAdam:
		config := radam.NewDefaultConfig()
		config.StepSize = mat.Float(t.params.LearningRate)
		t.optimizer = gd.NewOptimizer(radam.New(config), paramsIterator, clipGrad)
	case OptimizerAdam:
		config := adam.NewDefaultConfig()
		config.StepSize = mat.Float(t.params.LearningRate)
		t.optimizer = gd.NewOptimizer(adam.New(config), paramsIterator, clipGrad)
	default:
		return errors.Newf("unknown optimizer %q: must be adam, radam or sgd", t.params.Optimizer)
	}
	return nil
}

func createInputNodes(batch io.DataBatch, g *ag.Graph, metaData *model.Metadata) model.Input {
	input := model.Input{
		Wide:        make([][]int, len(batch)),
		Categorical: make([][]int, len(batch)),
	}
	if metaData.ContinuousCount() > 0 {
		input.Continuous = make([]ag.Node, len(batch))
	}
	for i, record := range batch {
		input.Wide[i] = record.WideFeatures
		input.Categorical[i] = record.CategoricalFeatures
		if input.Continuous != nil {
			input.Continuous[i] = g.NewVariable(record.ContinuousFeatures, false)
		}
	}
	return input
}

func parseCrossedColumns(values []string) ([][2]string, error) {
	pairs := make([][2]string, 0, len(values))
	for _, value := range values {
		parts := strings.Split(value, ",")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, errors.Newf("invalid crossed column pair %q: expected two comma separated column names", value)
		}
		pairs = append(pairs, [2]string{parts[0], parts[1]})
	}
	return pairs, nil
}

func saveModel(m *model.Model, outputFileName string) error {
	outputFile, err := os.Create(outputFileName)
	if err != nil {
		return errors.Wrapf(err, "error creating model file %s", outputFileName)
	}
	defer outputFile.Close()
	if err := io.SaveModel(m, outputFile); err != nil {
		return errors.Wrapf(err, "error saving model to %s", outputFileName)
	}
	return nil
}

func loadModelFile(modelFileName string) (*model.Model, error) {
	modelFile, err := os.Open(modelFileName)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening model file %s", modelFileName)
	}
	defer modelFile.Close()
	m, err := io.LoadModel(modelFile)
	if err != nil {
		return nil, errors.Wrapf(err, "error loading model from file %s", modelFileName)
	}
	return m, nil
}
