package pkg

import (
	"fmt"
	gio "io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/rs/zerolog/log"

	"widedeep/pkg/io"
	"widedeep/pkg/model"
)

// Predict scores a data file with a saved model and writes one line per
// record to outputFileName, or to standard output when empty. The input may
// omit the target column. Lines carry the predicted value for regression
// and the predicted class for classification; withProbabilities appends the
// class probabilities in target index order.
func Predict(modelFileName, inputFileName, outputFileName string, withProbabilities bool) error {
	m, err := loadModelFile(modelFileName)
	if err != nil {
		return err
	}

	_, data, dataErrors, err := io.LoadData(io.DataParameters{
		DataFile:           inputFileName,
		BatchSize:          evalBatchSize,
		AllowMissingTarget: true,
	}, m.MetaData)
	if err != nil {
		return errors.Wrapf(err, "error loading data from %s", inputFileName)
	}
	printDataErrors(dataErrors)

	var outputWriter gio.Writer = os.Stdout
	if outputFileName != "" {
		outputFile, err := os.Create(outputFileName)
		if err != nil {
			return errors.Wrapf(err, "error opening output file %s", outputFileName)
		}
		defer outputFile.Close()
		outputWriter = outputFile
	}

	g := ag.NewGraph(ag.Rand(rand.NewLockedRand(42)))
	data.ResetOrder(io.OriginalOrder)
	count := 0
	for batch := data.Next(); len(batch) > 0; batch = data.Next() {
		for _, prediction := range predict(g, m, batch) {
			if err := writePrediction(outputWriter, m.MetaData, prediction, withProbabilities); err != nil {
				return err
			}
			count++
		}
		g.Clear()
	}
	log.Info().Int("Records", count).Msg("")
	return nil
}

func writePrediction(writer gio.Writer, metaData *model.Metadata, prediction ag.Node, withProbabilities bool) error {
	var line string
	switch metaData.Objective {
	case model.Regression:
		line = fmt.Sprintf("%.5f", float64(prediction.ScalarValue()))
	case model.Binary:
		probability := sigmoid(float64(prediction.ScalarValue()))
		class := 0
		if probability >= 0.5 {
			class = 1
		}
		line = metaData.TargetName(class)
		if withProbabilities {
			line = fmt.Sprintf("%s,%.5f,%.5f", line, 1.0-probability, probability)
		}
	default:
		class, _ := argmax(prediction.Value().Data())
		line = metaData.TargetName(class)
		if withProbabilities {
			parts := make([]string, 0, metaData.TargetMap.Size()+1)
			parts = append(parts, line)
			for _, p := range softmax(prediction.Value().Data()) {
				parts = append(parts, fmt.Sprintf("%.5f", p))
			}
			line = strings.Join(parts, ",")
		}
	}
	if _, err := fmt.Fprintln(writer, line); err != nil {
		return errors.Wrap(err, "error writing prediction")
	}
	return nil
}
