package model

import (
	"math"

	"github.com/cockroachdb/errors"
)

// NameMap implements a bidirectional mapping between a name and an index
type NameMap struct {
	NameToIndex map[string]int
	IndexToName map[int]string
}

func (f NameMap) Set(name string, index int) {
	f.NameToIndex[name] = index
	f.IndexToName[index] = name
}

func (f NameMap) Size() int {
	return len(f.IndexToName)
}

func (f NameMap) ContainsName(name string) (int, bool) {
	index, ok := f.NameToIndex[name]
	return index, ok

}
func NewFeatureIndexMap() NameMap {
	return NameMap{
		NameToIndex: map[string]int{},
		IndexToName: map[int]string{},
	}
}

// ColumnMap is a bidirectional mapping between a column index and a dense matrix index
type ColumnMap struct {
	ColumnToIndex map[int]int
	IndexToColumn map[int]int
}

func (f ColumnMap) Set(column int, index int) {
	f.ColumnToIndex[column] = index
	f.IndexToColumn[index] = column
}

func (f ColumnMap) Size() int {
	return len(f.ColumnToIndex)
}

func (f ColumnMap) GetColumn(column int) (int, bool) {
	index, ok := f.ColumnToIndex[column]
	return index, ok
}
func NewColumnMap() ColumnMap {
	return ColumnMap{
		ColumnToIndex: map[int]int{},
		IndexToColumn: map[int]int{},
	}
}

type ColumnType int

const (
	ContinuousColumn ColumnType = iota
	CategoricalColumn
)

type Column struct {
	Name string
	Type ColumnType
}

// Objective selects the prediction target type and with it the loss
// function, the model output dimension and the evaluation metrics.
type Objective int

const (
	Regression Objective = iota
	Binary
	Multiclass
)

func (o Objective) String() string {
	switch o {
	case Regression:
		return "regression"
	case Binary:
		return "binary"
	default:
		return "multiclass"
	}
}

func ParseObjective(value string) (Objective, error) {
	switch value {
	case "regression":
		return Regression, nil
	case "binary":
		return Binary, nil
	case "multiclass":
		return Multiclass, nil
	}
	return 0, errors.Newf("unknown objective %q: must be regression, binary or multiclass", value)
}

// Metadata describes how raw data rows are turned into model inputs. It is
// fitted once on the training data and saved together with the model so that
// evaluation and prediction encode their input the exact same way.
type Metadata struct {
	Columns []Column

	// TargetColumn points to the column in the data row that contains the
	// prediction target, or -1 when the input carries no target
	TargetColumn int

	Objective Objective

	// TargetMap contains a mapping of target category names to target
	// category indexes. Empty for regression targets.
	TargetMap NameMap

	// ContinuousFeaturesMap maps a data row column index to a dense matrix column index
	ContinuousFeaturesMap ColumnMap

	// CategoricalFeaturesMap maps a data row column index to the categorical features index
	CategoricalFeaturesMap ColumnMap

	// CategoricalValues maps, per categorical feature, a raw value to its
	// embedding index. Indexes start at 1: index 0 is reserved for values
	// unseen at training time.
	CategoricalValues []NameMap

	// EmbeddingDims holds the embedding dimension of each categorical feature
	EmbeddingDims []int

	// WideColumns lists the data row column indexes fed to the wide component
	WideColumns []int

	// CrossedPairs lists pairs of data row column indexes whose value
	// combinations become additional wide features
	CrossedPairs [][2]int

	// WideMap maps a "column_value" key to its index in the wide feature
	// vocabulary. Indexes start at 1: index 0 is reserved for values unseen
	// at training time.
	WideMap NameMap

	// ScaleContinuous standardizes continuous features with the fitted
	// per-column means and standard deviations below
	ScaleContinuous bool
	ContinuousMeans []float64
	ContinuousStds  []float64
}

func NewMetadata() *Metadata {
	return &Metadata{
		Columns:                nil,
		TargetColumn:           -1,
		ContinuousFeaturesMap:  NewColumnMap(),
		CategoricalFeaturesMap: NewColumnMap(),
		TargetMap:              NewFeatureIndexMap(),
		WideMap:                NewFeatureIndexMap(),
	}
}

func (d *Metadata) FeatureCount() int {
	return d.CategoricalFeaturesMap.Size() + d.ContinuousFeaturesMap.Size()
}

func (d *Metadata) ContinuousCount() int {
	return d.ContinuousFeaturesMap.Size()
}

func (d *Metadata) CategoricalCount() int {
	return d.CategoricalFeaturesMap.Size()
}

// WideDim is the size of the wide feature vocabulary, excluding the
// reserved unseen index.
func (d *Metadata) WideDim() int {
	return d.WideMap.Size()
}

// WideFeatureCount is the number of wide feature indexes each encoded row carries.
func (d *Metadata) WideFeatureCount() int {
	return len(d.WideColumns) + len(d.CrossedPairs)
}

// PredDim is the model output dimension implied by the objective: the number
// of target classes for multiclass, one otherwise.
func (d *Metadata) PredDim() int {
	if d.Objective == Multiclass {
		return d.TargetMap.Size()
	}
	return 1
}

func (d *Metadata) TargetName(index int) string {
	return d.TargetMap.IndexToName[index]
}

// ParseOrAddCategoricalTarget returns the index of a target value, assigning
// the next free index to values seen for the first time.
func (d *Metadata) ParseOrAddCategoricalTarget(value string) float64 {
	target, ok := d.TargetMap.ContainsName(value)
	if !ok {
		target = d.TargetMap.Size()
		d.TargetMap.Set(value, target)
	}
	return float64(target)
}

// ParseCategoricalTarget returns the index of a known target value.
func (d *Metadata) ParseCategoricalTarget(value string) (float64, bool) {
	target, ok := d.TargetMap.ContainsName(value)
	return float64(target), ok
}

// AutoEmbeddingDim returns the default embedding dimension for a categorical
// feature with the given number of distinct values: min(600, round(1.6*n^0.56)).
func AutoEmbeddingDim(numCategories int) int {
	dim := int(math.Round(1.6 * math.Pow(float64(numCategories), 0.56)))
	if dim < 1 {
		dim = 1
	}
	if dim > 600 {
		dim = 600
	}
	return dim
}
