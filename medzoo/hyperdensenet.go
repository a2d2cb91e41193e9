// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package medzoo

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

const (
	// ParamHyperDenseFilters is the number of filters of each layer of every modality path.
	ParamHyperDenseFilters = "hyperdensenet_filters"

	// ParamHyperDenseHead is the list of 1x1x1 convolutions applied to the fused paths before the classifier.
	ParamHyperDenseHead = "hyperdensenet_head"
)

// HyperDenseNet builds a multi-path dense network: each modality (input channel) has its own path,
// and each layer of every path receives the outputs of all previous layers of all paths.
// The spatial resolution is kept throughout the network.
//
// It returns the logits shaped [batch, x, y, z, numClasses].
func HyperDenseNet(ctx *context.Context, x *Node, numClasses int) *Node {
	ctx = ctx.In("hyperdensenet")
	nextCtx := scopeCounter(ctx)
	filtersPerLayer := context.GetParamOr(ctx, ParamHyperDenseFilters, []int{8, 8, 16, 16})
	head := context.GetParamOr(ctx, ParamHyperDenseHead, []int{64, 32})
	numPaths := numChannels(x)

	// outputs[layer] holds the outputs of all paths for that layer, path 0 first.
	outputs := make([][]*Node, 0, len(filtersPerLayer)+1)
	modalities := make([]*Node, numPaths)
	for path := range numPaths {
		modalities[path] = SliceAxis(x, -1, AxisRange(path, path+1))
	}
	outputs = append(outputs, modalities)

	for layer, filters := range filtersPerLayer {
		layerCtx := nextCtx(fmt.Sprintf("layer_%d", layer))
		current := make([]*Node, numPaths)
		for path := range numPaths {
			// Each path sees all previous features, starting with its own.
			var features []*Node
			for _, previous := range outputs {
				features = append(features, previous[path])
				for other := range numPaths {
					if other != path {
						features = append(features, previous[other])
					}
				}
			}
			input := features[0]
			if len(features) > 1 {
				input = Concatenate(features, -1)
			}
			pathCtx := layerCtx.Inf("path_%d", path)
			if layer == 0 {
				current[path] = convNormAct(pathCtx, input, filters, 3)
			} else {
				current[path] = normActConv(pathCtx, input, filters, 3)
			}
		}
		outputs = append(outputs, current)
	}

	var fused []*Node
	for _, layerOutputs := range outputs[1:] {
		fused = append(fused, layerOutputs...)
	}
	x = Concatenate(fused, -1)
	for _, filters := range head {
		x = normActConv(nextCtx("head"), x, filters, 1)
		x = dropout(ctx, x)
	}
	x = normalize(nextCtx("norm"), x)
	return classify(nextCtx("logits"), x, numClasses)
}
