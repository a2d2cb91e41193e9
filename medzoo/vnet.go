// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package medzoo

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/xslices"
)

const (
	// ParamVNetBaseFilters is the number of filters of the VNet input stage, doubled at every down transition.
	ParamVNetBaseFilters = "vnet_base_filters"

	// ParamVNetKernelSize is the kernel size of the convolutions of the VNet residual stages.
	ParamVNetKernelSize = "vnet_kernel_size"
)

// vNetStages is the number of convolutions of the residual stage after each down transition.
// The light version drops the deepest stage.
var (
	vNetStages      = []int{1, 2, 3, 3}
	vNetLightStages = []int{1, 2, 3}
)

// residualStage applies numConvs convolutions and adds the stage input to the result.
func residualStage(ctx *context.Context, x *Node, numConvs, kernelSize int) *Node {
	nextCtx := scopeCounter(ctx)
	filters := numChannels(x)
	residual := x
	for range numConvs {
		x = convNormAct(nextCtx("conv"), x, filters, kernelSize)
	}
	return activations.ApplyFromContext(ctx, Add(x, residual))
}

// VNet builds the VNet: an input stage, down transitions (strided convolutions doubling the
// channels) each followed by a residual stage, and up transitions (up-sampling, a convolution
// halving the channels and the concatenation of the encoder features) followed by residual stages.
//
// x is shaped [batch, x, y, z, channels] and the spatial dimensions must be divisible by 16.
// It returns the logits shaped [batch, x, y, z, numClasses].
func VNet(ctx *context.Context, x *Node, numClasses int) *Node {
	return vNet(ctx.In("vnet"), x, numClasses, vNetStages)
}

// VNetLight builds a lighter VNet, with one level less and fewer convolutions per stage on the way up.
func VNetLight(ctx *context.Context, x *Node, numClasses int) *Node {
	return vNet(ctx.In("vnet_light"), x, numClasses, vNetLightStages)
}

func vNet(ctx *context.Context, x *Node, numClasses int, stages []int) *Node {
	nextCtx := scopeCounter(ctx)
	baseFilters := context.GetParamOr(ctx, ParamVNetBaseFilters, 16)
	kernelSize := context.GetParamOr(ctx, ParamVNetKernelSize, 5)
	light := len(stages) < len(vNetStages)

	// Input stage: the input is projected to baseFilters channels for the residual connection.
	inputCtx := nextCtx("input")
	residual := projectChannels(inputCtx.In("projection"), x, baseFilters)
	x = convNormAct(inputCtx.In("conv"), x, baseFilters, kernelSize)
	x = activations.ApplyFromContext(ctx, Add(x, residual))

	skips := make([]*Node, 0, len(stages))
	filters := baseFilters
	for level, numConvs := range stages {
		skips = append(skips, x)
		filters *= 2
		blockCtx := nextCtx(fmt.Sprintf("down_%d", level))
		x = downConv(blockCtx.In("transition"), x, filters)
		x = residualStage(blockCtx.In("stage"), x, numConvs, kernelSize)
		if level >= len(stages)-2 {
			x = dropout(blockCtx, x)
		}
	}

	for level := len(stages) - 1; level >= 0; level-- {
		filters /= 2
		blockCtx := nextCtx(fmt.Sprintf("up_%d", level))
		var skip *Node
		skip, skips = xslices.Pop(skips)
		x = upSample(x)
		x = convNormAct(blockCtx.In("transition"), x, filters, 2)
		x = Concatenate([]*Node{x, skip}, -1)
		numConvs := stages[level]
		if light {
			numConvs = max(1, numConvs-1)
		}
		x = residualStage(blockCtx.In("stage"), x, numConvs, kernelSize)
	}
	return classify(nextCtx("logits"), x, numClasses)
}
