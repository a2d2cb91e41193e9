// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package medzoo

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/train/losses"
)

// DiceEpsilon bounds the denominator of the Dice coefficient, so classes absent from both
// labels and predictions score 0 instead of NaN.
const DiceEpsilon = 1e-5

// DiceCoefficients returns the soft Dice coefficient of each class, shaped [numClasses].
//
// labels are the class indices shaped [batch, x, y, z] and logits are shaped
// [batch, x, y, z, numClasses]. The probabilities (softmax of the logits) are compared with the
// one-hot encoded labels over the batch and spatial axes:
//
//	dice[c] = 2 * sum(p[c] * t[c]) / max(sum(p[c]) + sum(t[c]), DiceEpsilon)
func DiceCoefficients(labels, logits *Node) *Node {
	if logits.Rank() != 5 || labels.Rank() != 4 {
		exceptions.Panicf("DiceCoefficients: labels must be shaped [batch, x, y, z] and logits [batch, x, y, z, classes], got %s and %s",
			labels.Shape(), logits.Shape())
	}
	numClasses := numChannels(logits)
	probs := Softmax(logits, -1)
	targets := OneHot(labels, numClasses, probs.DType())
	intersection := ReduceSum(Mul(probs, targets), 0, 1, 2, 3)
	denominator := Add(ReduceSum(probs, 0, 1, 2, 3), ReduceSum(targets, 0, 1, 2, 3))
	return Div(MulScalar(intersection, 2), MaxScalar(denominator, DiceEpsilon))
}

// desiredDice returns the Dice coefficients of the first desiredClasses classes.
func desiredDice(labels, logits *Node, desiredClasses int) *Node {
	return SliceAxis(DiceCoefficients(labels, logits), 0, AxisRange(0, desiredClasses))
}

// DiceLoss returns the loss 1 - mean(dice[:desiredClasses]), where dice are the DiceCoefficients
// over allClasses classes: the network predicts all classes, but only the first desiredClasses
// are scored.
//
// It panics (when building the graph) if the logits don't have allClasses classes.
func DiceLoss(allClasses, desiredClasses int) losses.LossFn {
	if desiredClasses <= 0 || desiredClasses > allClasses {
		exceptions.Panicf("DiceLoss: desiredClasses (%d) must be in [1, allClasses=%d]", desiredClasses, allClasses)
	}
	return func(labels, predictions []*Node) *Node {
		logits := predictions[0]
		if numChannels(logits) != allClasses {
			exceptions.Panicf("DiceLoss: logits have %d classes, expected %d", numChannels(logits), allClasses)
		}
		return OneMinus(ReduceAllMean(desiredDice(labels[0], logits, desiredClasses)))
	}
}
