package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"widedeep/pkg"
	"widedeep/pkg/model"

	"github.com/spf13/cobra"
)

// trainParams mirrors the optional YAML parameter file accepted by the train
// command. Values present in the file take precedence over the flags.
type trainParams struct {
	Model    model.Config           `yaml:"model"`
	Training pkg.TrainingParameters `yaml:"training"`
}

func loadTrainParams(fileName string, modelConfig *model.Config, trainingParams *pkg.TrainingParameters) error {
	content, err := os.ReadFile(fileName)
	if err != nil {
		return errors.Wrapf(err, "error reading parameter file %s", fileName)
	}
	params := trainParams{Model: *modelConfig, Training: *trainingParams}
	if err := yaml.Unmarshal(content, &params); err != nil {
		return errors.Wrapf(err, "error parsing parameter file %s", fileName)
	}
	*modelConfig = params.Model
	*trainingParams = params.Training
	return nil
}

func TrainCommand() *cobra.Command {

	var trainFile string
	var testFile string
	var outputFile string
	var targetColumn string
	var objective string
	var paramsFile string
	var trainingParameters pkg.TrainingParameters
	var modelParameters model.Config

	var cmd = &cobra.Command{
		Use:   "train -i trainFile -o outputFile -t targetColumn",
		Short: "Trains a wide and deep model on the provided training data and saves the trained model",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if paramsFile != "" {
				if err := loadTrainParams(paramsFile, &modelParameters, &trainingParameters); err != nil {
					return err
				}
			}
			parsedObjective, err := model.ParseObjective(objective)
			if err != nil {
				return err
			}
			return pkg.Train(trainFile, testFile, outputFile, targetColumn, parsedObjective,
				modelParameters, trainingParameters)
		},
	}

	cmd.Flags().StringVarP(&trainFile, "train-file", "i", "", "name of train file")
	cmd.Flags().StringVarP(&testFile, "test-file", "", "", "name of test file to evaluate the final model on")
	cmd.Flags().StringVarP(&outputFile, "output-file", "o", "", "name of the file to save model to.")
	cmd.Flags().StringVarP(&targetColumn, "target-column", "t", "", "target column")
	cmd.Flags().StringVarP(&objective, "objective", "j", "multiclass", "prediction objective: regression, binary or multiclass")
	cmd.Flags().StringVarP(&paramsFile, "params-file", "p", "", "name of a YAML file with model and training parameters")

	cmd.Flags().IntVarP(&trainingParameters.BatchSize, "batch-size", "b", 16, "batch size")
	cmd.Flags().Float64VarP(&trainingParameters.LearningRate, "learning-rate", "l", 0.01, "learning rate")
	cmd.Flags().StringVarP(&trainingParameters.Optimizer, "optimizer", "", pkg.OptimizerAdam, "optimizer: adam, radam or sgd")
	cmd.Flags().IntVarP(&trainingParameters.ReportInterval, "report-interval", "r", 10, "loss report interval")
	cmd.Flags().IntVarP(&trainingParameters.NumEpochs, "num-epochs", "n", 10, "number of epochs to train")
	cmd.Flags().Uint64VarP(&trainingParameters.RndSeed, "random-seed", "x", 42, "random seed")
	cmd.Flags().Float64VarP(&trainingParameters.ValidationSplit, "validation-split", "", 0.0, "fraction of the training data held out to track validation loss")
	cmd.Flags().IntVarP(&trainingParameters.EarlyStoppingPatience, "early-stopping-patience", "", 0, "epochs without validation improvement before stopping early, 0 disables")
	cmd.Flags().Float64VarP(&trainingParameters.GradientClipValue, "gradient-clip-value", "", 2000, "gradient value clipping threshold")
	cmd.Flags().StringVarP(&trainingParameters.HistoryFile, "history-file", "", "", "name of a CSV file to write per-epoch losses to")

	cmd.Flags().StringSliceVarP(&trainingParameters.CategoricalColumns, "categorical-columns", "", nil, "list of columns holding categorical data")
	cmd.Flags().StringSliceVarP(&trainingParameters.WideColumns, "wide-columns", "", nil, "list of columns fed to the wide component, defaults to all categorical columns")
	cmd.Flags().StringArrayVarP(&trainingParameters.CrossedColumns, "cross-columns", "", nil, "pair of columns crossed into an additional wide feature, e.g. first,second (repeatable)")
	cmd.Flags().StringToIntVarP(&trainingParameters.EmbeddingDims, "embedding-dim", "", nil, "embedding dimension override per column, e.g. city=16")
	cmd.Flags().IntVarP(&trainingParameters.DefaultEmbeddingDim, "default-embedding-dim", "c", 0, "embedding dimension of columns without an override, 0 derives it from the vocabulary size")
	cmd.Flags().BoolVarP(&trainingParameters.NoScaling, "no-scaling", "", false, "disable standardization of continuous features")

	cmd.Flags().IntSliceVarP(&modelParameters.MLPHiddenDims, "mlp-hidden-dims", "f", []int{200, 100}, "hidden layer dimensions of the deep component")
	cmd.Flags().StringVarP(&modelParameters.MLPActivation, "mlp-activation", "", model.ActivationReLU, "activation of the deep component: relu, gelu or tanh")
	cmd.Flags().Float64VarP(&modelParameters.MLPDropout, "mlp-dropout", "", 0.1, "dropout probability of the dense layers")
	cmd.Flags().BoolVarP(&modelParameters.MLPBatchNorm, "mlp-batchnorm", "", false, "batch normalize the dense layer inputs")
	cmd.Flags().BoolVarP(&modelParameters.MLPBatchNormLast, "mlp-batchnorm-last", "", false, "batch normalize the last dense layer as well")
	cmd.Flags().Float64VarP(&modelParameters.EmbedDropout, "embed-dropout", "", 0.1, "dropout probability of the concatenated embeddings")
	cmd.Flags().BoolVarP(&modelParameters.ContinuousNorm, "continuous-batchnorm", "", false, "batch normalize the continuous features")
	cmd.Flags().IntSliceVarP(&modelParameters.HeadHiddenDims, "head-hidden-dims", "", nil, "hidden layer dimensions of an optional head on top of the combined output")
	cmd.Flags().Float64VarP(&modelParameters.BatchMomentum, "batch-momentum", "", 0.9, "batch normalization momentum")

	_ = cmd.MarkFlagRequired("train-file")
	_ = cmd.MarkFlagRequired("output-file")
	_ = cmd.MarkFlagRequired("target-column")

	return cmd
}

func TestCommand() *cobra.Command {
	var modelFile string
	var inputFile string
	var outputFile string

	var cmd = &cobra.Command{
		Use:   "test -m modelFile -i inputFile [-o outputFile]",
		Short: "Evaluates the provided model on the specified labeled data and logs its metrics",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pkg.Test(modelFile, inputFile, outputFile)
		},
	}

	cmd.Flags().StringVarP(&modelFile, "model", "m", "", "name of model to test")
	cmd.Flags().StringVarP(&inputFile, "input", "i", "", "name of data input file")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "name of output file for per-record predictions (optional)")

	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func PredictCommand() *cobra.Command {
	var modelFile string
	var inputFile string
	var outputFile string
	var withProbabilities bool

	var cmd = &cobra.Command{
		Use:   "predict -m modelFile -i inputFile [-o outputFile]",
		Short: "Scores the specified data input with the provided model and writes one prediction per record",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pkg.Predict(modelFile, inputFile, outputFile, withProbabilities)
		},
	}

	cmd.Flags().StringVarP(&modelFile, "model", "m", "", "name of model to use")
	cmd.Flags().StringVarP(&inputFile, "input", "i", "", "name of data input file, which may omit the target column")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "name of output file (optional, uses stdout if not present)")
	cmd.Flags().BoolVarP(&withProbabilities, "probabilities", "", false, "append the class probabilities to each prediction")

	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func PlotCommand() *cobra.Command {
	var historyFile string
	var outputFile string

	var cmd = &cobra.Command{
		Use:   "plot -i historyFile -o imageFile",
		Short: "Plots the loss curves of a training history file",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pkg.PlotHistory(historyFile, outputFile)
		},
	}

	cmd.Flags().StringVarP(&historyFile, "input", "i", "", "name of history file written during training")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "name of image file to write, the extension selects the format")

	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

var logLevel string
var logFormat string

func main() {

	Main := &cobra.Command{Use: "widedeep", PersistentPreRun: setupLogging}

	Main.PersistentFlags().StringVarP(&logLevel, "log-level", "", "info", "Logging level: info error or debug")
	Main.PersistentFlags().StringVarP(&logFormat, "log-format", "", "pretty", "Logging format: pretty or json")

	Main.AddCommand(TrainCommand())
	Main.AddCommand(TestCommand())
	Main.AddCommand(PredictCommand())
	Main.AddCommand(PlotCommand())

	if err := Main.Execute(); err != nil {
		panic(err)
	}
}

func setupLogging(cmd *cobra.Command, args []string) {

	switch logLevel {
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	default:
		panic("Invalid logging level specified")
	}

	switch logFormat {
	case "pretty":
		setupPrettyLogging()
	case "json":
	default:
		panic("Invalid log format specified")

	}

}

func setupPrettyLogging() {
	writer := zerolog.ConsoleWriter{Out: os.Stderr}
	writer.FormatFieldValue = func(i interface{}) string {
		switch v := i.(type) {
		case json.Number:
			val, _ := v.Float64()
			return fmt.Sprintf("%.3f", val)
		default:
			return fmt.Sprintf("%s", i)
		}

	}
	log.Logger = log.Output(writer)

}
