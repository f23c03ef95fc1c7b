package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func captureLog() *bytes.Buffer {
	buffer := &bytes.Buffer{}
	log.Logger = zerolog.New(buffer)
	return buffer
}

func readLines(t *testing.T, fileName string) []string {
	content, err := os.ReadFile(fileName)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(content)), "\n")
}

func TestIris(t *testing.T) {
	buffer := captureLog()
	tmpDir := t.TempDir()
	modelFile := filepath.Join(tmpDir, "iris.model")
	historyFile := filepath.Join(tmpDir, "history.csv")

	trainCmd := TrainCommand()
	trainCmd.SetArgs(strings.Split("-i datasets/iris/iris.train -o "+modelFile+
		" -t species -n 5 -b 8 -f 8,4 --validation-split 0.2 --history-file "+historyFile, " "))
	require.NoError(t, trainCmd.Execute())

	out := buffer.String()
	require.Contains(t, out, "\"Records\":60")
	require.Contains(t, out, "\"Features\":4")
	require.Contains(t, out, "\"Epoch\":4")
	require.Contains(t, out, "TrainLoss")
	require.Contains(t, out, "ValidationLoss")
	require.NotContains(t, strings.ToLower(out), "error")

	_, err := os.Stat(modelFile)
	require.NoError(t, err)

	historyLines := readLines(t, historyFile)
	require.Equal(t, "epoch,train_loss,validation_loss", historyLines[0])
	require.Len(t, historyLines, 6)

	outputFile := filepath.Join(tmpDir, "iris.predictions")
	testCmd := TestCommand()
	testCmd.SetArgs(strings.Split("-m "+modelFile+" -i datasets/iris/iris.test -o "+outputFile, " "))
	buffer.Reset()
	require.NoError(t, testCmd.Execute())

	out = buffer.String()
	require.Contains(t, out, "Accuracy")
	require.Contains(t, out, "MacroF1")
	require.NotContains(t, strings.ToLower(out), "error")

	outputLines := readLines(t, outputFile)
	require.Len(t, outputLines, 15)
	for _, line := range outputLines {
		fields := strings.Split(line, ",")
		require.Len(t, fields, 3)
		probability, err := strconv.ParseFloat(fields[2], 64)
		require.NoError(t, err)
		require.GreaterOrEqual(t, probability, 0.0)
		require.LessOrEqual(t, probability, 1.0)
	}

	predictFile := filepath.Join(tmpDir, "iris.out")
	predictCmd := PredictCommand()
	predictCmd.SetArgs(strings.Split("-m "+modelFile+" -i datasets/iris/iris.test -o "+predictFile+" --probabilities", " "))
	buffer.Reset()
	require.NoError(t, predictCmd.Execute())

	species := map[string]bool{"setosa": true, "versicolor": true, "virginica": true}
	predictionLines := readLines(t, predictFile)
	require.Len(t, predictionLines, 15)
	for _, line := range predictionLines {
		fields := strings.Split(line, ",")
		require.Len(t, fields, 4)
		require.True(t, species[fields[0]])
		sum := 0.0
		for _, field := range fields[1:] {
			probability, err := strconv.ParseFloat(field, 64)
			require.NoError(t, err)
			sum += probability
		}
		require.InDelta(t, 1.0, sum, 0.001)
	}

	plotFile := filepath.Join(tmpDir, "history.png")
	plotCmd := PlotCommand()
	plotCmd.SetArgs(strings.Split("-i "+historyFile+" -o "+plotFile, " "))
	require.NoError(t, plotCmd.Execute())
	info, err := os.Stat(plotFile)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestAdult(t *testing.T) {
	buffer := captureLog()
	tmpDir := t.TempDir()
	modelFile := filepath.Join(tmpDir, "adult.model")

	trainCmd := TrainCommand()
	trainCmd.SetArgs(strings.Split("-i datasets/adult/adult.train -o "+modelFile+
		" -t income -j binary -n 3 -b 8 -f 16,8 --optimizer radam"+
		" --categorical-columns workclass,education,occupation,gender"+
		" --cross-columns education,occupation --test-file datasets/adult/adult.test", " "))
	require.NoError(t, trainCmd.Execute())

	out := buffer.String()
	require.Contains(t, out, "\"Epoch\":2")
	require.Contains(t, out, "Accuracy")
	require.Contains(t, out, "AUC")
	require.NotContains(t, strings.ToLower(out), "error")

	outputFile := filepath.Join(tmpDir, "adult.predictions")
	testCmd := TestCommand()
	testCmd.SetArgs(strings.Split("-m "+modelFile+" -i datasets/adult/adult.test -o "+outputFile, " "))
	buffer.Reset()
	require.NoError(t, testCmd.Execute())
	require.Contains(t, buffer.String(), "AUC")

	incomes := map[string]bool{"<=50K": true, ">50K": true}
	outputLines := readLines(t, outputFile)
	require.Len(t, outputLines, 12)
	for _, line := range outputLines {
		fields := strings.Split(line, ",")
		require.Len(t, fields, 3)
		require.True(t, incomes[fields[0]])
		require.True(t, incomes[fields[1]])
	}

	predictFile := filepath.Join(tmpDir, "adult.out")
	predictCmd := PredictCommand()
	predictCmd.SetArgs(strings.Split("-m "+modelFile+" -i datasets/adult/adult.test -o "+predictFile+" --probabilities", " "))
	require.NoError(t, predictCmd.Execute())

	predictionLines := readLines(t, predictFile)
	require.Len(t, predictionLines, 12)
	for _, line := range predictionLines {
		fields := strings.Split(line, ",")
		require.Len(t, fields, 3)
		require.True(t, incomes[fields[0]])
		negative, err := strconv.ParseFloat(fields[1], 64)
		require.NoError(t, err)
		positive, err := strconv.ParseFloat(fields[2], 64)
		require.NoError(t, err)
		require.InDelta(t, 1.0, negative+positive, 0.001)
	}
}

func TestAutoMPG(t *testing.T) {
	buffer := captureLog()
	tmpDir := t.TempDir()
	modelFile := filepath.Join(tmpDir, "mpg.model")

	trainCmd := TrainCommand()
	trainCmd.SetArgs(strings.Split("-i datasets/autompg/auto-mpg.train -o "+modelFile+
		" -t mpg -j regression -n 3 -b 8 -f 8,4 --optimizer sgd -l 0.001"+
		" --categorical-columns cylinders,origin", " "))
	require.NoError(t, trainCmd.Execute())
	require.NotContains(t, strings.ToLower(buffer.String()), "error")

	outputFile := filepath.Join(tmpDir, "mpg.predictions")
	testCmd := TestCommand()
	testCmd.SetArgs(strings.Split("-m "+modelFile+" -i datasets/autompg/auto-mpg.test -o "+outputFile, " "))
	buffer.Reset()
	require.NoError(t, testCmd.Execute())

	out := buffer.String()
	require.Contains(t, out, "R-squared")
	require.Contains(t, out, "RMSE")

	outputLines := readLines(t, outputFile)
	require.Len(t, outputLines, 10)
	for _, line := range outputLines {
		fields := strings.Split(line, ",")
		require.Len(t, fields, 2)
		for _, field := range fields {
			_, err := strconv.ParseFloat(field, 64)
			require.NoError(t, err)
		}
	}
}

func TestTrainParamsFile(t *testing.T) {
	buffer := captureLog()
	tmpDir := t.TempDir()
	modelFile := filepath.Join(tmpDir, "iris.model")
	paramsFile := filepath.Join(tmpDir, "params.yaml")

	params := "training:\n" +
		"  num_epochs: 2\n" +
		"  batch_size: 4\n" +
		"model:\n" +
		"  mlp_hidden_dims: [8]\n" +
		"  mlp_dropout: 0.0\n"
	require.NoError(t, os.WriteFile(paramsFile, []byte(params), 0644))

	trainCmd := TrainCommand()
	trainCmd.SetArgs(strings.Split("-i datasets/iris/iris.train -o "+modelFile+" -t species -n 10 -p "+paramsFile, " "))
	require.NoError(t, trainCmd.Execute())

	out := buffer.String()
	require.Contains(t, out, "\"Epoch\":1")
	require.NotContains(t, out, "\"Epoch\":2")
}

func TestTrainCommandErrors(t *testing.T) {
	captureLog()
	modelFile := filepath.Join(t.TempDir(), "model")

	trainCmd := TrainCommand()
	trainCmd.SetArgs(strings.Split("-i datasets/iris/iris.train -o "+modelFile+" -t species -j ordinal", " "))
	err := trainCmd.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown objective")

	trainCmd = TrainCommand()
	trainCmd.SetArgs(strings.Split("-i datasets/iris/iris.train -o "+modelFile+" -t species --cross-columns sepal_length", " "))
	err = trainCmd.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid crossed column pair")
}
