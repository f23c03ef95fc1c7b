package model

import (
	"encoding/gob"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
)

// Model bundles the trained network with the metadata needed to encode its
// input, so that both are persisted and restored together.
type Model struct {
	MetaData *Metadata
	WideDeep *WideDeep
}

func init() {
	// params are stored behind the nn.Param interface
	gob.Register(nn.NewParam(mat.NewEmptyVecDense(1)))
}
