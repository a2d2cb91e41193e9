// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package medzoo

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
)

const (
	// ParamNormalization selects the normalization used after the convolutions: "batch", "layer" or "none".
	ParamNormalization = "medzoo_normalization"

	// ParamDropoutRate is the dropout rate applied at the bottleneck of the encoder-decoder models
	// and between the dense blocks. 0 disables it.
	ParamDropoutRate = "medzoo_dropout_rate"
)

// scopeCounter returns a function that creates sub-scopes of ctx prefixed by an increasing
// layer number, so layers are listed in order in the checkpoints.
func scopeCounter(ctx *context.Context) func(name string) *context.Context {
	layerNum := 0
	return func(name string) *context.Context {
		scopedCtx := ctx.Inf("%03d_%s", layerNum, name)
		layerNum++
		return scopedCtx
	}
}

// numChannels returns the dimension of the channels (last) axis of x.
func numChannels(x *Node) int {
	return x.Shape().Dimensions[x.Rank()-1]
}

// normalize applies the normalization configured by ParamNormalization over the channels axis.
func normalize(ctx *context.Context, x *Node) *Node {
	normType := context.GetParamOr(ctx, ParamNormalization, "batch")
	switch normType {
	case "batch":
		return batchnorm.New(ctx, x, -1).Done()
	case "layer":
		return layers.LayerNormalization(ctx, x, -1).Done()
	case "none", "":
		return x
	default:
		exceptions.Panicf("invalid normalization type %q, set it with parameter %q to \"batch\", \"layer\" or \"none\"",
			normType, ParamNormalization)
	}
	return nil
}

// conv3D is a 3D convolution keeping the spatial dimensions.
func conv3D(ctx *context.Context, x *Node, filters, kernelSize int) *Node {
	return layers.Convolution(ctx, x).Filters(filters).KernelSize(kernelSize).PadSame().Done()
}

// convNormAct is a convolution followed by normalization and the activation.
func convNormAct(ctx *context.Context, x *Node, filters, kernelSize int) *Node {
	nextCtx := scopeCounter(ctx)
	x = conv3D(nextCtx("conv"), x, filters, kernelSize)
	x = normalize(nextCtx("norm"), x)
	return activations.ApplyFromContext(ctx, x)
}

// normActConv is the pre-activation variant, used by the dense blocks.
func normActConv(ctx *context.Context, x *Node, filters, kernelSize int) *Node {
	nextCtx := scopeCounter(ctx)
	x = normalize(nextCtx("norm"), x)
	x = activations.ApplyFromContext(ctx, x)
	return conv3D(nextCtx("conv"), x, filters, kernelSize)
}

// downConv halves the spatial dimensions with a strided 2x2x2 convolution.
func downConv(ctx *context.Context, x *Node, filters int) *Node {
	nextCtx := scopeCounter(ctx)
	x = layers.Convolution(nextCtx("conv"), x).Filters(filters).KernelSize(2).Strides(2).NoPadding().Done()
	x = normalize(nextCtx("norm"), x)
	return activations.ApplyFromContext(ctx, x)
}

// dropout applies dropout with the rate set by ParamDropoutRate. It is a no-op during inference.
func dropout(ctx *context.Context, x *Node) *Node {
	rate := context.GetParamOr(ctx, ParamDropoutRate, 0.0)
	if rate <= 0 {
		return x
	}
	return layers.DropoutNormalize(ctx, x, Scalar(x.Graph(), x.DType(), rate), true)
}

// upSample doubles the spatial dimensions of x, shaped [batch, x, y, z, channels], repeating
// each voxel (nearest neighbor).
//
// Each spatial axis is doubled by concatenating x with itself on the following axis and reshaping.
func upSample(x *Node) *Node {
	x.AssertRank(5)
	dims := x.Shape().Clone().Dimensions
	for axis := 3; axis >= 1; axis-- {
		x = Concatenate([]*Node{x, x}, axis+1)
		dims[axis] *= 2
		x = Reshape(x, dims...)
	}
	return x
}

// projectChannels changes the number of channels of x with a 1x1x1 convolution, if needed.
func projectChannels(ctx *context.Context, x *Node, filters int) *Node {
	if numChannels(x) == filters {
		return x
	}
	return layers.Convolution(ctx, x).Filters(filters).KernelSize(1).Done()
}

// classify maps features to the logits of each class with a 1x1x1 convolution.
func classify(ctx *context.Context, x *Node, numClasses int) *Node {
	return layers.Convolution(ctx, x).Filters(numClasses).KernelSize(1).Done()
}

// denseBlock appends numLayers pre-activation convolutions of growth channels each, every one
// fed with the concatenation of the block input and all previous outputs.
func denseBlock(ctx *context.Context, x *Node, numLayers, growth int) *Node {
	nextCtx := scopeCounter(ctx)
	features := []*Node{x}
	for range numLayers {
		input := features[0]
		if len(features) > 1 {
			input = Concatenate(features, -1)
		}
		features = append(features, normActConv(nextCtx("dense"), input, growth, 3))
	}
	return Concatenate(features, -1)
}
