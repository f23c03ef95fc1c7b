package pkg

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
)

// EpochStats records the losses of one training epoch. ValidationLoss is NaN
// when no validation split was configured.
type EpochStats struct {
	Epoch          int
	TrainLoss      float64
	ValidationLoss float64
}

// History collects per-epoch training statistics.
type History struct {
	Epochs []EpochStats
}

func (h *History) Append(stats EpochStats) {
	h.Epochs = append(h.Epochs, stats)
}

// SaveCSV writes the history with an epoch,train_loss,validation_loss
// header. The validation column is left empty when no validation was run.
func (h *History) SaveCSV(fileName string) error {
	file, err := os.Create(fileName)
	if err != nil {
		return errors.Wrapf(err, "error creating history file %s", fileName)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"epoch", "train_loss", "validation_loss"}); err != nil {
		return errors.Wrap(err, "error writing history header")
	}
	for _, stats := range h.Epochs {
		validation := ""
		if !math.IsNaN(stats.ValidationLoss) {
			validation = fmt.Sprintf("%.6f", stats.ValidationLoss)
		}
		row := []string{strconv.Itoa(stats.Epoch), fmt.Sprintf("%.6f", stats.TrainLoss), validation}
		if err := writer.Write(row); err != nil {
			return errors.Wrap(err, "error writing history row")
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return errors.Wrapf(err, "error writing history file %s", fileName)
	}
	return nil
}

// LoadHistory reads a history file written by SaveCSV.
func LoadHistory(fileName string) (*History, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening history file %s", fileName)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Wrapf(err, "error reading history file %s", fileName)
	}
	if len(rows) == 0 {
		return nil, errors.Newf("history file %s is empty", fileName)
	}

	history := &History{}
	for _, row := range rows[1:] {
		if len(row) != 3 {
			return nil, errors.Newf("malformed history row %v", row)
		}
		epoch, err := strconv.Atoi(row[0])
		if err != nil {
			return nil, errors.Wrapf(err, "error parsing history epoch %s", row[0])
		}
		trainLoss, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "error parsing history train loss %s", row[1])
		}
		validationLoss := math.NaN()
		if row[2] != "" {
			validationLoss, err = strconv.ParseFloat(row[2], 64)
			if err != nil {
				return nil, errors.Wrapf(err, "error parsing history validation loss %s", row[2])
			}
		}
		history.Append(EpochStats{Epoch: epoch, TrainLoss: trainLoss, ValidationLoss: validationLoss})
	}
	return history, nil
}
