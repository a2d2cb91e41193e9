// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package medzoo

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/types/tensors"
)

// DiceMetricType is the metric type of all Dice metrics, so they are plotted together.
const DiceMetricType = "dice"

func percentPPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.2f%%", tensors.ToScalar[float32](value))
}

func lossPPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.4f", tensors.ToScalar[float32](value))
}

// diceScoreGraph returns the mean Dice coefficient of the desired classes, in percent.
func diceScoreGraph(desiredClasses int) metrics.BaseMetricGraph {
	return func(_ *context.Context, labels, predictions []*Node) *Node {
		return MulScalar(ReduceAllMean(desiredDice(labels[0], predictions[0], desiredClasses)), 100)
	}
}

// classDiceGraph returns the Dice coefficient of class, in percent.
func classDiceGraph(class int) metrics.BaseMetricGraph {
	return func(_ *context.Context, labels, predictions []*Node) *Node {
		dice := DiceCoefficients(labels[0], predictions[0])
		return MulScalar(Reshape(SliceAxis(dice, 0, AxisElem(class))), 100)
	}
}

// diceLossGraph wraps DiceLoss as a metric.
func diceLossGraph(allClasses, desiredClasses int) metrics.BaseMetricGraph {
	lossFn := DiceLoss(allClasses, desiredClasses)
	return func(_ *context.Context, labels, predictions []*Node) *Node {
		return lossFn(labels, predictions)
	}
}

// NewDiceLossMetric returns the per batch Dice loss, used to accumulate train statistics.
func NewDiceLossMetric(allClasses, desiredClasses int) metrics.Interface {
	return metrics.NewBaseMetric("Dice Loss", "loss", "loss", diceLossGraph(allClasses, desiredClasses), lossPPrint)
}

// NewMeanDiceLossMetric returns the Dice loss averaged over the evaluation dataset.
func NewMeanDiceLossMetric(allClasses, desiredClasses int) metrics.Interface {
	return metrics.NewMeanMetric("Mean Dice Loss", "#loss", "loss", diceLossGraph(allClasses, desiredClasses), lossPPrint)
}

// NewDiceMetric returns the mean Dice score (in percent) of the first desiredClasses classes.
// If mean is false the metric is computed per batch, otherwise it's averaged over the evaluation dataset.
func NewDiceMetric(desiredClasses int, mean bool) metrics.Interface {
	if mean {
		return metrics.NewMeanMetric("Mean Dice", "#dice", DiceMetricType, diceScoreGraph(desiredClasses), percentPPrint)
	}
	return metrics.NewBaseMetric("Dice", "dice", DiceMetricType, diceScoreGraph(desiredClasses), percentPPrint)
}

// NewClassDiceMetric returns the Dice score (in percent) of one class, per batch or averaged
// over the evaluation dataset if mean is true.
func NewClassDiceMetric(class int, mean bool) metrics.Interface {
	name, shortName := fmt.Sprintf("Dice class %d", class), fmt.Sprintf("d%d", class)
	if mean {
		return metrics.NewMeanMetric("Mean "+name, "#"+shortName, DiceMetricType, classDiceGraph(class), percentPPrint)
	}
	return metrics.NewBaseMetric(name, shortName, DiceMetricType, classDiceGraph(class), percentPPrint)
}
