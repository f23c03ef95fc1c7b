package pkg

import (
	"math"

	"github.com/cockroachdb/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// PlotHistory renders the training and validation loss curves of a saved
// history file into an image file. The image format is derived from the
// output file extension.
func PlotHistory(historyFileName, outputFileName string) error {
	history, err := LoadHistory(historyFileName)
	if err != nil {
		return err
	}
	if len(history.Epochs) == 0 {
		return errors.Newf("history file %s contains no epochs", historyFileName)
	}

	p := plot.New()
	p.Title.Text = "Training history"
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = "Loss"

	trainPoints := make(plotter.XYs, 0, len(history.Epochs))
	validationPoints := make(plotter.XYs, 0, len(history.Epochs))
	for _, stats := range history.Epochs {
		trainPoints = append(trainPoints, plotter.XY{X: float64(stats.Epoch), Y: stats.TrainLoss})
		if !math.IsNaN(stats.ValidationLoss) {
			validationPoints = append(validationPoints, plotter.XY{X: float64(stats.Epoch), Y: stats.ValidationLoss})
		}
	}

	if len(validationPoints) > 0 {
		err = plotutil.AddLinePoints(p, "train", trainPoints, "validation", validationPoints)
	} else {
		err = plotutil.AddLinePoints(p, "train", trainPoints)
	}
	if err != nil {
		return errors.Wrap(err, "error building history plot")
	}

	if err := p.Save(8*vg.Inch, 5*vg.Inch, outputFileName); err != nil {
		return errors.Wrapf(err, "error saving history plot to %s", outputFileName)
	}
	return nil
}
