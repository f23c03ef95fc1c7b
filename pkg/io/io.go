package io

import (
	"encoding/csv"
	"encoding/gob"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	mat "github.com/nlpodyssey/spago/pkg/mat32"

	"widedeep/pkg/model"
)

// DataRecord is a single encoded data row.
type DataRecord struct {
	// WideFeatures contain the wide vocabulary indexes of the row, one per
	// wide column and crossed pair. Index 0 marks a value unseen at
	// training time.
	WideFeatures []int

	// CategoricalFeatures contain the embedding indexes of the categorical
	// features. Index 0 marks a value unseen at training time.
	CategoricalFeatures []int

	// ContinuousFeatures is a dense column vector of the continuous features,
	// standardized when scaling is enabled. Nil when the schema has no
	// continuous columns.
	ContinuousFeatures mat.Matrix

	// Target contains the regression value or the target class index
	Target float64
}

// DataBatch groups the records processed in a single forward pass.
type DataBatch []*DataRecord

type void struct{}

var Void = void{}

type Set map[string]void

func NewSet(values ...string) Set {
	set := Set{}
	for _, val := range values {
		set[val] = Void
	}
	return set
}

type DataParameters struct {
	DataFile     string
	TargetColumn string
	Objective    model.Objective

	// CategoricalColumns lists the columns embedded by the deep component.
	// All other non-target columns are treated as continuous.
	CategoricalColumns Set

	// WideColumns lists the columns fed to the wide component. When empty,
	// all categorical columns are used.
	WideColumns []string

	// CrossedColumns lists column name pairs whose value combinations become
	// additional wide features.
	CrossedColumns [][2]string

	// EmbeddingDims overrides the embedding dimension of specific columns.
	EmbeddingDims map[string]int

	// DefaultEmbeddingDim applies to columns without an override. When zero,
	// the dimension is derived from the vocabulary size of the column.
	DefaultEmbeddingDim int

	// ScaleContinuous standardizes continuous features using statistics
	// fitted on the training data.
	ScaleContinuous bool

	BatchSize int

	// AllowMissingTarget accepts input without the target column and leaves
	// target values unparsed when the column is present, keeping record
	// targets at zero. Used for prediction.
	AllowMissingTarget bool
}

type DataError struct {
	Line  int
	Error string
}

type rawRow struct {
	line   int
	values []string
}

// LoadData reads a CSV data file and encodes its rows. When metaData is nil,
// a new Metadata is fitted on the file first: vocabularies for the
// categorical and wide features, standardization statistics for the
// continuous features and the target mapping. Otherwise rows are encoded
// with the given fitted metadata, mapping values unseen at training time to
// the reserved index 0.
//
// Rows that fail to parse are skipped and reported as DataErrors.
func LoadData(p DataParameters, metaData *model.Metadata) (*model.Metadata, *DataSet, []DataError, error) {
	inputFile, err := os.Open(p.DataFile)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "error opening data file %s", p.DataFile)
	}
	defer inputFile.Close()

	reader := csv.NewReader(inputFile)
	reader.Comma = ','

	// First line is expected to be a header
	header, err := reader.Read()
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "error reading data header")
	}

	if metaData == nil {
		return fitAndEncode(p, reader, header)
	}
	return encodeWithMetadata(p, metaData, reader, header)
}

func fitAndEncode(p DataParameters, reader *csv.Reader, header []string) (*model.Metadata, *DataSet, []DataError, error) {
	metaData := model.NewMetadata()
	if err := buildSchema(p, metaData, header); err != nil {
		return nil, nil, nil, err
	}

	rows, dataErrors := readRows(reader)
	if err := fitMetadata(p, metaData, rows); err != nil {
		return nil, nil, nil, err
	}
	if p.Objective == model.Binary && metaData.TargetMap.Size() != 2 {
		return nil, nil, nil, errors.Newf("binary objective requires exactly 2 distinct target values, found %d", metaData.TargetMap.Size())
	}

	records := make([]*DataRecord, 0, len(rows))
	for _, row := range rows {
		record, err := encodeRecord(metaData, row.values, metaData.TargetColumn >= 0)
		if err != nil {
			dataErrors = append(dataErrors, DataError{Line: row.line, Error: err.Error()})
			continue
		}
		records = append(records, record)
	}
	return metaData, NewDataSet(records, p.BatchSize), dataErrors, nil
}

func encodeWithMetadata(p DataParameters, metaData *model.Metadata, reader *csv.Reader, header []string) (*model.Metadata, *DataSet, []DataError, error) {
	mapping, hasTarget, err := remapColumns(p, metaData, header)
	if err != nil {
		return nil, nil, nil, err
	}
	// prediction input may carry the target column, possibly with values
	// unseen at training time; never parse it
	hasTarget = hasTarget && !p.AllowMissingTarget

	var records []*DataRecord
	var dataErrors []DataError
	values := make([]string, len(metaData.Columns))
	line := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			dataErrors = append(dataErrors, DataError{Line: line, Error: err.Error()})
			continue
		}
		for i, position := range mapping {
			if position < 0 {
				values[i] = ""
				continue
			}
			values[i] = row[position]
		}
		record, err := encodeRecord(metaData, values, hasTarget)
		if err != nil {
			dataErrors = append(dataErrors, DataError{Line: line, Error: err.Error()})
			continue
		}
		records = append(records, record)
	}
	return metaData, NewDataSet(records, p.BatchSize), dataErrors, nil
}

func readRows(reader *csv.Reader) ([]rawRow, []DataError) {
	var rows []rawRow
	var dataErrors []DataError
	line := 0
	for {
		values, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			dataErrors = append(dataErrors, DataError{Line: line, Error: err.Error()})
			continue
		}
		rows = append(rows, rawRow{line: line, values: values})
	}
	return rows, dataErrors
}

func buildSchema(p DataParameters, metaData *model.Metadata, header []string) error {
	metaData.Objective = p.Objective
	metaData.ScaleContinuous = p.ScaleContinuous
	columns := make([]model.Column, len(header))
	for i, name := range header {
		columnType := model.ContinuousColumn
		if _, ok := p.CategoricalColumns[name]; ok {
			columnType = model.CategoricalColumn
		}
		columns[i] = model.Column{Name: name, Type: columnType}
	}
	metaData.Columns = columns

	if err := setTargetColumn(p, metaData); err != nil {
		return err
	}
	buildFeatureIndex(metaData)
	return setWideColumns(p, metaData)
}

func setTargetColumn(p DataParameters, metaData *model.Metadata) error {
	for i, col := range metaData.Columns {
		if col.Name == p.TargetColumn {
			metaData.TargetColumn = i
			return nil
		}
	}
	if p.AllowMissingTarget {
		metaData.TargetColumn = -1
		return nil
	}
	return errors.Newf("target column %s not found in data header", p.TargetColumn)
}

func buildFeatureIndex(metaData *model.Metadata) {
	continuousIndex := 0
	categoricalIndex := 0
	for i, col := range metaData.Columns {
		if i == metaData.TargetColumn {
			continue
		}
		if col.Type == model.CategoricalColumn {
			metaData.CategoricalFeaturesMap.Set(i, categoricalIndex)
			categoricalIndex++
		} else {
			metaData.ContinuousFeaturesMap.Set(i, continuousIndex)
			continuousIndex++
		}
	}
	metaData.CategoricalValues = make([]model.NameMap, categoricalIndex)
	for i := range metaData.CategoricalValues {
		metaData.CategoricalValues[i] = model.NewFeatureIndexMap()
	}
	metaData.ContinuousMeans = make([]float64, continuousIndex)
	metaData.ContinuousStds = make([]float64, continuousIndex)
}

func setWideColumns(p DataParameters, metaData *model.Metadata) error {
	columnIndex := map[string]int{}
	for i, col := range metaData.Columns {
		columnIndex[col.Name] = i
	}

	if len(p.WideColumns) == 0 {
		for i, col := range metaData.Columns {
			if i != metaData.TargetColumn && col.Type == model.CategoricalColumn {
				metaData.WideColumns = append(metaData.WideColumns, i)
			}
		}
	} else {
		for _, name := range p.WideColumns {
			i, ok := columnIndex[name]
			if !ok {
				return errors.Newf("wide column %s not found in data header", name)
			}
			if i == metaData.TargetColumn {
				return errors.Newf("wide column %s is the target column", name)
			}
			metaData.WideColumns = append(metaData.WideColumns, i)
		}
	}

	for _, pair := range p.CrossedColumns {
		first, ok := columnIndex[pair[0]]
		if !ok {
			return errors.Newf("crossed column %s not found in data header", pair[0])
		}
		second, ok := columnIndex[pair[1]]
		if !ok {
			return errors.Newf("crossed column %s not found in data header", pair[1])
		}
		if first == metaData.TargetColumn || second == metaData.TargetColumn {
			return errors.Newf("crossed pair %s,%s includes the target column", pair[0], pair[1])
		}
		metaData.CrossedPairs = append(metaData.CrossedPairs, [2]int{first, second})
	}
	return nil
}

// fitMetadata runs a pass over the raw rows building the categorical, wide
// and target vocabularies and the standardization statistics, then resolves
// the embedding dimension of each categorical feature.
func fitMetadata(p DataParameters, metaData *model.Metadata, rows []rawRow) error {
	continuousCount := metaData.ContinuousCount()
	sums := make([]float64, continuousCount)
	squares := make([]float64, continuousCount)
	counts := make([]int, continuousCount)

	for _, row := range rows {
		if metaData.TargetColumn >= 0 && metaData.Objective != model.Regression {
			metaData.ParseOrAddCategoricalTarget(row.values[metaData.TargetColumn])
		}
		for column, index := range metaData.CategoricalFeaturesMap.ColumnToIndex {
			vocabIndexOrAdd(metaData.CategoricalValues[index], row.values[column])
		}
		for column, index := range metaData.ContinuousFeaturesMap.ColumnToIndex {
			value, err := strconv.ParseFloat(row.values[column], 64)
			if err != nil {
				// the encode pass reports the error for this row
				continue
			}
			sums[index] += value
			squares[index] += value * value
			counts[index]++
		}
		for _, key := range wideKeys(metaData, row.values) {
			vocabIndexOrAdd(metaData.WideMap, key)
		}
	}

	for i := 0; i < continuousCount; i++ {
		if counts[i] == 0 {
			metaData.ContinuousStds[i] = 1.0
			continue
		}
		mean := sums[i] / float64(counts[i])
		variance := squares[i]/float64(counts[i]) - mean*mean
		if variance < 0 {
			variance = 0
		}
		std := math.Sqrt(variance)
		if std < 1e-8 {
			std = 1.0
		}
		metaData.ContinuousMeans[i] = mean
		metaData.ContinuousStds[i] = std
	}

	return resolveEmbeddingDims(p, metaData)
}

func resolveEmbeddingDims(p DataParameters, metaData *model.Metadata) error {
	for name, dim := range p.EmbeddingDims {
		if dim <= 0 {
			return errors.Newf("embedding dimension for column %s must be positive, got %d", name, dim)
		}
		if !isCategoricalColumn(metaData, name) {
			return errors.Newf("embedding dimension given for unknown categorical column %s", name)
		}
	}

	metaData.EmbeddingDims = make([]int, metaData.CategoricalCount())
	for column, index := range metaData.CategoricalFeaturesMap.ColumnToIndex {
		dim, ok := p.EmbeddingDims[metaData.Columns[column].Name]
		switch {
		case ok:
		case p.DefaultEmbeddingDim > 0:
			dim = p.DefaultEmbeddingDim
		default:
			dim = model.AutoEmbeddingDim(metaData.CategoricalValues[index].Size())
		}
		metaData.EmbeddingDims[index] = dim
	}
	return nil
}

func isCategoricalColumn(metaData *model.Metadata, name string) bool {
	for i, col := range metaData.Columns {
		if col.Name != name {
			continue
		}
		if _, ok := metaData.CategoricalFeaturesMap.GetColumn(i); ok {
			return true
		}
	}
	return false
}

// remapColumns matches the training schema against the header of the input
// file, which may order its columns differently and may omit the target
// column when AllowMissingTarget is set.
func remapColumns(p DataParameters, metaData *model.Metadata, header []string) ([]int, bool, error) {
	position := map[string]int{}
	for i, name := range header {
		position[name] = i
	}
	mapping := make([]int, len(metaData.Columns))
	hasTarget := true
	for i, col := range metaData.Columns {
		pos, ok := position[col.Name]
		if !ok {
			if i == metaData.TargetColumn && p.AllowMissingTarget {
				mapping[i] = -1
				hasTarget = false
				continue
			}
			return nil, false, errors.Newf("column %s missing from data header", col.Name)
		}
		mapping[i] = pos
	}
	return mapping, hasTarget, nil
}

func encodeRecord(metaData *model.Metadata, values []string, hasTarget bool) (*DataRecord, error) {
	record := &DataRecord{}

	if hasTarget && metaData.TargetColumn >= 0 {
		target, err := parseTarget(metaData, values[metaData.TargetColumn])
		if err != nil {
			return nil, err
		}
		record.Target = target
	}

	if metaData.ContinuousCount() > 0 {
		features := mat.NewEmptyVecDense(metaData.ContinuousCount())
		if err := parseContinuousFeatures(metaData, values, features); err != nil {
			return nil, err
		}
		record.ContinuousFeatures = features
	}

	if metaData.CategoricalCount() > 0 {
		record.CategoricalFeatures = parseCategoricalFeatures(metaData, values)
	}

	record.WideFeatures = parseWideFeatures(metaData, values)
	return record, nil
}

func parseTarget(metaData *model.Metadata, target string) (float64, error) {
	if metaData.Objective == model.Regression {
		value, err := strconv.ParseFloat(target, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "error parsing target value %s", target)
		}
		return value, nil
	}
	value, ok := metaData.ParseCategoricalTarget(target)
	if !ok {
		return 0, errors.Newf("unknown target value %s", target)
	}
	return value, nil
}

func parseContinuousFeatures(metaData *model.Metadata, values []string, features *mat.Dense) error {
	for column, index := range metaData.ContinuousFeaturesMap.ColumnToIndex {
		value, err := strconv.ParseFloat(values[column], 64)
		if err != nil {
			return errors.Wrapf(err, "error parsing feature %s", metaData.Columns[column].Name)
		}
		if metaData.ScaleContinuous {
			value = (value - metaData.ContinuousMeans[index]) / metaData.ContinuousStds[index]
		}
		features.Set(index, 0, mat.Float(value))
	}
	return nil
}

func parseCategoricalFeatures(metaData *model.Metadata, values []string) []int {
	features := make([]int, metaData.CategoricalCount())
	for column, index := range metaData.CategoricalFeaturesMap.ColumnToIndex {
		features[index] = vocabIndex(metaData.CategoricalValues[index], values[column])
	}
	return features
}

func parseWideFeatures(metaData *model.Metadata, values []string) []int {
	keys := wideKeys(metaData, values)
	features := make([]int, len(keys))
	for i, key := range keys {
		features[i] = vocabIndex(metaData.WideMap, key)
	}
	return features
}

// wideKeys builds the wide vocabulary keys of a row: a "column_value" key
// per wide column and a "column1_column2" + "value1-value2" key per crossed
// pair.
func wideKeys(metaData *model.Metadata, values []string) []string {
	keys := make([]string, 0, metaData.WideFeatureCount())
	for _, column := range metaData.WideColumns {
		keys = append(keys, metaData.Columns[column].Name+"_"+values[column])
	}
	for _, pair := range metaData.CrossedPairs {
		name := metaData.Columns[pair[0]].Name + "_" + metaData.Columns[pair[1]].Name
		keys = append(keys, name+"_"+values[pair[0]]+"-"+values[pair[1]])
	}
	return keys
}

// vocabIndexOrAdd returns the 1-based index of value, assigning the next
// free index to values seen for the first time.
func vocabIndexOrAdd(m model.NameMap, value string) int {
	index, ok := m.ContainsName(value)
	if !ok {
		index = m.Size() + 1
		m.Set(value, index)
	}
	return index
}

// vocabIndex returns the 1-based index of value, or 0 when the value was
// not seen at training time.
func vocabIndex(m model.NameMap, value string) int {
	index, ok := m.ContainsName(value)
	if !ok {
		return 0
	}
	return index
}

func SaveModel(model *model.Model, writer io.Writer) error {
	encoder := gob.NewEncoder(writer)
	if err := encoder.Encode(model); err != nil {
		return errors.Wrap(err, "error encoding model")
	}
	return nil
}

func LoadModel(input io.Reader) (*model.Model, error) {
	decoder := gob.NewDecoder(input)
	m := &model.Model{}
	if err := decoder.Decode(m); err != nil {
		return nil, errors.Wrap(err, "error decoding model")
	}
	return m, nil
}
