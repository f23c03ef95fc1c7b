package pkg

import (
	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/losses"

	"widedeep/pkg/model"
)

type lossFunc func(g *ag.Graph, prediction ag.Node, target float64) ag.Node

func lossFor(metaData *model.Metadata) lossFunc {
	switch metaData.Objective {
	case model.Regression:
		return regressionLoss
	case model.Binary:
		return binaryLoss
	default:
		return crossEntropyLoss
	}
}

func regressionLoss(g *ag.Graph, prediction ag.Node, target float64) ag.Node {
	expected := g.NewVariable(mat.NewScalar(mat.Float(target)), false)
	return losses.MSE(g, prediction, expected, false)
}

func crossEntropyLoss(g *ag.Graph, prediction ag.Node, target float64) ag.Node {
	return losses.CrossEntropy(g, prediction, int(target))
}

// binaryLoss is the cross entropy of a single logit z against a 0/1 target,
// computed as max(z,0) - z*y + log(1 + exp(-|z|)) to stay numerically stable
// for large magnitude logits.
func binaryLoss(g *ag.Graph, prediction ag.Node, target float64) ag.Node {
	y := g.Constant(mat.Float(target))
	zy := g.Prod(prediction, y)
	softplus := g.Log(g.AddScalar(g.Exp(g.Neg(g.Abs(prediction))), g.Constant(1.0)))
	return g.Add(g.Sub(g.ReLU(prediction), zy), softplus)
}
