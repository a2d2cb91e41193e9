// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package medzoo

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

const (
	// ParamDenseInitialFilters is the number of filters of the first convolution of each dense path.
	ParamDenseInitialFilters = "densenet_initial_filters"

	// ParamDenseGrowth is the number of channels each layer of a dense block adds.
	ParamDenseGrowth = "densenet_growth"

	// ParamDenseBlockLayers is the number of layers of each dense block.
	ParamDenseBlockLayers = "densenet_block_layers"

	// ParamDenseFeatures is the number of channels the dense features are compressed to
	// (1x1x1 convolution) before the classifier.
	ParamDenseFeatures = "densenet_features"
)

// densePath is an initial convolution followed by numBlocks dense blocks, separated by 1x1x1
// transitions that halve the number of channels.
func densePath(ctx *context.Context, x *Node, numBlocks int) *Node {
	nextCtx := scopeCounter(ctx)
	initialFilters := context.GetParamOr(ctx, ParamDenseInitialFilters, 16)
	growth := context.GetParamOr(ctx, ParamDenseGrowth, 8)
	blockLayers := context.GetParamOr(ctx, ParamDenseBlockLayers, 4)

	x = convNormAct(nextCtx("initial"), x, initialFilters, 3)
	for block := range numBlocks {
		x = denseBlock(nextCtx("dense_block"), x, blockLayers, growth)
		if block < numBlocks-1 {
			x = normActConv(nextCtx("transition"), x, max(numChannels(x)/2, growth), 1)
			x = dropout(ctx, x)
		}
	}
	return x
}

// denseHead compresses the dense features and maps them to the class logits.
func denseHead(ctx *context.Context, x *Node, numClasses int) *Node {
	nextCtx := scopeCounter(ctx)
	features := context.GetParamOr(ctx, ParamDenseFeatures, 32)
	x = normActConv(nextCtx("compress"), x, features, 1)
	x = dropout(ctx, x)
	x = normalize(nextCtx("norm"), x)
	return classify(nextCtx("logits"), x, numClasses)
}

// splitModalities returns the first channel (the main modality, T1) and the remaining ones.
// If there is only one channel, both paths get it.
func splitModalities(x *Node) (first, rest *Node) {
	channels := numChannels(x)
	first = SliceAxis(x, -1, AxisRange(0, 1))
	if channels == 1 {
		return first, first
	}
	return first, SliceAxis(x, -1, AxisRange(1, channels))
}

// DenseNetSinglePath builds a 3D dense network of one path over all modalities stacked as channels.
// The spatial resolution is kept throughout the network.
//
// It returns the logits shaped [batch, x, y, z, numClasses].
func DenseNetSinglePath(ctx *context.Context, x *Node, numClasses int) *Node {
	ctx = ctx.In("densenet_single")
	x = densePath(ctx.In("path"), x, 2)
	return denseHead(ctx.In("head"), x, numClasses)
}

// DenseNetDualPath builds a 3D dense network with two paths: one for the first modality and one
// for the others. The features of both paths are concatenated before the classifier.
func DenseNetDualPath(ctx *context.Context, x *Node, numClasses int) *Node {
	ctx = ctx.In("densenet_dual")
	first, rest := splitModalities(x)
	first = densePath(ctx.In("path_0"), first, 2)
	rest = densePath(ctx.In("path_1"), rest, 2)
	x = Concatenate([]*Node{first, rest}, -1)
	return denseHead(ctx.In("head"), x, numClasses)
}

// DenseNetDualSinglePath builds a 3D dense network with two paths, as DenseNetDualPath, whose
// features are merged into a single deeper dense path before the classifier.
func DenseNetDualSinglePath(ctx *context.Context, x *Node, numClasses int) *Node {
	ctx = ctx.In("densenet_dual_single")
	first, rest := splitModalities(x)
	first = densePath(ctx.In("path_0"), first, 1)
	rest = densePath(ctx.In("path_1"), rest, 1)
	x = Concatenate([]*Node{first, rest}, -1)
	x = densePath(ctx.In("merged"), x, 2)
	return denseHead(ctx.In("head"), x, numClasses)
}
