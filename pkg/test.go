package pkg

import (
	"fmt"
	gio "io"
	"math"
	"os"
	"sort"

	"github.com/cockroachdb/errors"
	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/stats"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"widedeep/pkg/io"
	"widedeep/pkg/model"
)

const evalBatchSize = 32

type NoopWriter struct{}

func (x NoopWriter) Write(p []byte) (n int, err error) {
	return len(p), nil
}

// Test evaluates a saved model against a labeled data file, logging the
// metrics of the model objective. When outputFileName is set, the
// per-record predictions are written to it as CSV.
func Test(modelFileName, inputFileName, outputFileName string) error {
	m, err := loadModelFile(modelFileName)
	if err != nil {
		return err
	}

	_, data, dataErrors, err := io.LoadData(io.DataParameters{
		DataFile:  inputFileName,
		BatchSize: evalBatchSize,
	}, m.MetaData)
	if err != nil {
		return errors.Wrapf(err, "error loading data from %s", inputFileName)
	}
	printDataErrors(dataErrors)
	return testInternal(m, data, outputFileName)
}

type modelEvaluator interface {
	EvaluatePrediction(prediction ag.Node, record *io.DataRecord)
	LogMetrics()
	Loss() float64
}

func testInternal(m *model.Model, data *io.DataSet, outputFileName string) error {
	if data.Size() == 0 {
		return errors.New("no data to evaluate")
	}

	var outputWriter gio.Writer
	if outputFileName != "" {
		outputFile, err := os.Create(outputFileName)
		if err != nil {
			return errors.Wrapf(err, "error opening output file %s", outputFileName)
		}
		defer outputFile.Close()
		outputWriter = outputFile
	} else {
		outputWriter = NoopWriter{}
	}

	lossFunc := lossFor(m.MetaData)
	g := ag.NewGraph(ag.Rand(rand.NewLockedRand(42)))
	evaluator := evaluatorFor(m, lossFunc, g, outputWriter)

	data.ResetOrder(io.OriginalOrder)
	for batch := data.Next(); len(batch) > 0; batch = data.Next() {
		predictions := predict(g, m, batch)
		for i, prediction := range predictions {
			evaluator.EvaluatePrediction(prediction, batch[i])
		}
		g.Clear()
	}
	evaluator.LogMetrics()
	log.Info().Float64("Loss", evaluator.Loss()).Msg("")

	return nil
}

func evaluatorFor(m *model.Model, lossFunc lossFunc, g *ag.Graph, outputWriter gio.Writer) modelEvaluator {
	switch m.MetaData.Objective {
	case model.Binary:
		return &binaryEvaluator{
			metrics:      map[string]*stats.ClassMetrics{},
			model:        m,
			lossFunc:     lossFunc,
			g:            g,
			outputWriter: outputWriter,
		}
	case model.Multiclass:
		return &classificationEvaluator{
			metrics:      map[string]*stats.ClassMetrics{},
			model:        m,
			lossFunc:     lossFunc,
			g:            g,
			outputWriter: outputWriter,
		}
	default:
		return &regressionEvaluator{
			lossFunc:     lossFunc,
			g:            g,
			outputWriter: outputWriter,
		}
	}
}

func predict(g *ag.Graph, m *model.Model, batch io.DataBatch) []ag.Node {
	input := createInputNodes(batch, g, m.MetaData)
	proc := nn.ReifyForInference(m.WideDeep, g).(*model.WideDeep)
	return proc.Forward(input)
}

type classificationEvaluator struct {
	predictionCount int
	correct         int
	loss            float64
	metrics         map[string]*stats.ClassMetrics
	model           *model.Model
	lossFunc        lossFunc
	g               *ag.Graph
	outputWriter    gio.Writer
}

type classificationPrediction struct {
	predictedClass string
	label          string
	labelValue     float64
	logits         mat.Matrix
	probability    float64
}

func (c *classificationEvaluator) EvaluatePrediction(node ag.Node, record *io.DataRecord) {
	prediction := c.decode(node, record)
	c.loss += float64(c.lossFunc(c.g, c.g.NewVariable(prediction.logits, false), prediction.labelValue).ScalarValue())
	c.predictionCount++
	if prediction.label == prediction.predictedClass {
		c.correct++
	}

	fmt.Fprintf(c.outputWriter, "%s,%s,%.5f\n", prediction.label, prediction.predictedClass, prediction.probability)

	updateClassMetrics(c.metrics, prediction.label, prediction.predictedClass)
}

func (c *classificationEvaluator) LogMetrics() {
	logClassMetrics(c.metrics)
	macroF1, microF1 := computeOverallF1(c.metrics)
	accuracy := float64(c.correct) / float64(c.predictionCount)
	log.Info().Float64("Accuracy", accuracy).Float64("MacroF1", macroF1).Float64("MicroF1", microF1).Msg("")
}

func (c *classificationEvaluator) Loss() float64 {
	return c.loss / float64(c.predictionCount)
}

func (c *classificationEvaluator) decode(modelOutput ag.Node, record *io.DataRecord) classificationPrediction {
	class, _ := argmax(modelOutput.Value().Data())
	className := c.model.MetaData.TargetName(class)
	label := c.model.MetaData.TargetName(int(record.Target))
	return classificationPrediction{
		predictedClass: className,
		label:          label,
		labelValue:     record.Target,
		logits:         modelOutput.Value().Clone(),
		probability:    softmax(modelOutput.Value().Data())[class],
	}
}

type binaryEvaluator struct {
	predictionCount int
	correct         int
	loss            float64
	scores          []float64
	labels          []int
	metrics         map[string]*stats.ClassMetrics
	model           *model.Model
	lossFunc        lossFunc
	g               *ag.Graph
	outputWriter    gio.Writer
}

func (b *binaryEvaluator) EvaluatePrediction(node ag.Node, record *io.DataRecord) {
	probability := sigmoid(float64(node.ScalarValue()))
	predictedValue := 0.0
	if probability >= 0.5 {
		predictedValue = 1.0
	}
	label := b.model.MetaData.TargetName(int(record.Target))
	predictedClass := b.model.MetaData.TargetName(int(predictedValue))

	b.loss += float64(b.lossFunc(b.g, b.g.NewVariable(node.Value().Clone(), false), record.Target).ScalarValue())
	b.scores = append(b.scores, probability)
	b.labels = append(b.labels, int(record.Target))
	if predictedValue == record.Target {
		b.correct++
	}
	b.predictionCount++

	fmt.Fprintf(b.outputWriter, "%s,%s,%.5f\n", label, predictedClass, probability)

	updateClassMetrics(b.metrics, label, predictedClass)
}

func (b *binaryEvaluator) LogMetrics() {
	logClassMetrics(b.metrics)
	accuracy := float64(b.correct) / float64(b.predictionCount)
	log.Info().Float64("Accuracy", accuracy).Float64("AUC", auc(b.scores, b.labels)).Msg("")
}

func (b *binaryEvaluator) Loss() float64 {
	return b.loss / float64(b.predictionCount)
}

type regressionEvaluator struct {
	loss            float64
	predictionCount int
	estimated       []float64
	values          []float64
	lossFunc        lossFunc
	g               *ag.Graph
	outputWriter    gio.Writer
}

func (r *regressionEvaluator) EvaluatePrediction(prediction ag.Node, record *io.DataRecord) {
	estimate := float64(prediction.ScalarValue())
	log.Debug().Float64("Target", record.Target).Float64("Prediction", estimate).Msg("")
	fmt.Fprintf(r.outputWriter, "%f,%f\n", record.Target, estimate)

	r.estimated = append(r.estimated, estimate)
	r.values = append(r.values, record.Target)
	r.loss += float64(r.lossFunc(r.g, prediction, record.Target).ScalarValue())
	r.predictionCount++
}

func (r *regressionEvaluator) LogMetrics() {
	r2 := stat.RSquaredFrom(r.estimated, r.values, nil)
	mse := 0.0
	for i := range r.estimated {
		diff := r.estimated[i] - r.values[i]
		mse += diff * diff
	}
	mse /= float64(len(r.estimated))
	log.Info().Float64("R-squared", r2).Float64("RMSE", math.Sqrt(mse)).Msg("")
}

func (r *regressionEvaluator) Loss() float64 {
	return r.loss / float64(r.predictionCount)
}

func updateClassMetrics(metrics map[string]*stats.ClassMetrics, label, predictedClass string) {
	labelClassMetrics, ok := metrics[label]
	if !ok {
		labelClassMetrics = stats.NewMetricCounter()
		metrics[label] = labelClassMetrics
	}
	predictedClassMetrics, ok := metrics[predictedClass]
	if !ok {
		predictedClassMetrics = stats.NewMetricCounter()
		metrics[predictedClass] = predictedClassMetrics
	}

	if label == predictedClass {
		labelClassMetrics.IncTruePos()
	} else {
		labelClassMetrics.IncFalseNeg()
		predictedClassMetrics.IncFalsePos()
	}
}

func logClassMetrics(metrics map[string]*stats.ClassMetrics) {
	// Sort class names for deterministic output
	for _, class := range sortClasses(metrics) {
		result := metrics[class]
		log.Info().Str("Class", class).
			Int("TP", result.TruePos).
			Int("FP", result.FalsePos).
			Int("TN", result.TrueNeg).
			Int("FN", result.FalseNeg).
			Float64("Precision", float64(result.Precision())).
			Float64("Recall", float64(result.Recall())).
			Float64("F1", float64(result.F1Score())).
			Msg("")
	}
}

func computeOverallF1(metrics map[string]*stats.ClassMetrics) (float64, float64) {
	macroF1 := 0.0
	for _, metric := range metrics {
		macroF1 += float64(metric.F1Score())
	}
	macroF1 /= float64(len(metrics))

	micro := stats.NewMetricCounter()
	for _, result := range metrics {
		micro.TruePos += result.TruePos
		micro.FalsePos += result.FalsePos
		micro.FalseNeg += result.FalseNeg
		micro.TrueNeg += result.TrueNeg
	}
	return macroF1, float64(micro.F1Score())
}

func sortClasses(metrics map[string]*stats.ClassMetrics) []string {
	result := make([]string, 0, len(metrics))
	for class := range metrics {
		result = append(result, class)
	}
	sort.Strings(result)
	return result
}

func argmax(data []mat.Float) (int, mat.Float) {
	maxInd := 0
	for i := range data {
		if data[i] > data[maxInd] {
			maxInd = i
		}
	}
	return maxInd, data[maxInd]
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func softmax(logits []mat.Float) []float64 {
	probs := make([]float64, len(logits))
	max := math.Inf(-1)
	for _, logit := range logits {
		if float64(logit) > max {
			max = float64(logit)
		}
	}
	sum := 0.0
	for i, logit := range logits {
		probs[i] = math.Exp(float64(logit) - max)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// auc computes the area under the ROC curve from the rank statistic of the
// positive class scores, averaging ranks across ties. Degenerate inputs
// with a single class present score 0.5.
func auc(scores []float64, labels []int) float64 {
	n := len(scores)
	if n == 0 {
		return 0.5
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return scores[order[i]] < scores[order[j]] })

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j < n && scores[order[j]] == scores[order[i]] {
			j++
		}
		rank := float64(i+j+1) / 2.0
		for k := i; k < j; k++ {
			ranks[order[k]] = rank
		}
		i = j
	}

	positives := 0
	rankSum := 0.0
	for i, label := range labels {
		if label == 1 {
			positives++
			rankSum += ranks[i]
		}
	}
	negatives := n - positives
	if positives == 0 || negatives == 0 {
		return 0.5
	}
	return (rankSum - float64(positives)*float64(positives+1)/2.0) / (float64(positives) * float64(negatives))
}
