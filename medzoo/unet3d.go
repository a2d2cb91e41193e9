// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package medzoo

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/xslices"
)

const (
	// ParamUNetBaseFilters is the number of filters of the first level of the 3D U-Net. Each
	// following level doubles it.
	ParamUNetBaseFilters = "unet3d_base_filters"

	// ParamUNetDepth is the number of down-sampling levels of the 3D U-Net.
	ParamUNetDepth = "unet3d_depth"
)

// UNet3D builds a 3D U-Net: an encoder of double convolutions and max-pooling, a bottleneck,
// and a decoder that up-samples and concatenates the encoder features of the same resolution.
//
// x is shaped [batch, x, y, z, channels] and the spatial dimensions must be divisible by 2^depth.
// It returns the logits shaped [batch, x, y, z, numClasses].
func UNet3D(ctx *context.Context, x *Node, numClasses int) *Node {
	ctx = ctx.In("unet3d")
	nextCtx := scopeCounter(ctx)
	baseFilters := context.GetParamOr(ctx, ParamUNetBaseFilters, 8)
	depth := context.GetParamOr(ctx, ParamUNetDepth, 4)

	skips := make([]*Node, 0, depth)
	filters := baseFilters
	for level := range depth {
		blockCtx := nextCtx(fmt.Sprintf("down_%d", level))
		x = convNormAct(blockCtx.In("conv_a"), x, filters, 3)
		x = convNormAct(blockCtx.In("conv_b"), x, 2*filters, 3)
		skips = append(skips, x)
		x = MaxPool(x).Window(2).Done()
		filters *= 2
	}

	blockCtx := nextCtx("bottleneck")
	x = convNormAct(blockCtx.In("conv_a"), x, filters, 3)
	x = convNormAct(blockCtx.In("conv_b"), x, 2*filters, 3)
	x = dropout(blockCtx, x)

	for level := depth - 1; level >= 0; level-- {
		filters /= 2
		blockCtx := nextCtx(fmt.Sprintf("up_%d", level))
		var skip *Node
		skip, skips = xslices.Pop(skips)
		x = upSample(x)
		x = Concatenate([]*Node{x, skip}, -1)
		x = convNormAct(blockCtx.In("conv_a"), x, 2*filters, 3)
		x = convNormAct(blockCtx.In("conv_b"), x, 2*filters, 3)
	}
	return classify(nextCtx("logits"), x, numClasses)
}
