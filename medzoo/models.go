// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package medzoo holds the 3D segmentation models, the model factory and the Dice loss used to
// train them.
//
// All models take the inputs shaped [batch, x, y, z, modalities] and return the logits shaped
// [batch, x, y, z, classes]. Their hyperparameters are read from the context, see DefaultParams.
package medzoo

import (
	"slices"

	"github.com/gomlx/brainseg/config"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ValidModels lists the architectures CreateModel can build.
var ValidModels = config.ValidModels

// ParamClasses is the context parameter with the number of output classes.
const ParamClasses = "classes"

// Builder builds the logits of a model for the inputs x.
type Builder func(ctx *context.Context, x *Node, numClasses int) *Node

type architecture struct {
	build Builder

	// spatialDivisor returns the value every spatial dimension of the inputs must be a multiple of.
	spatialDivisor func(ctx *context.Context) int
}

func constDivisor(d int) func(*context.Context) int {
	return func(*context.Context) int { return d }
}

var architectures = map[string]architecture{
	"UNET3D": {UNet3D, func(ctx *context.Context) int {
		return 1 << context.GetParamOr(ctx, ParamUNetDepth, 4)
	}},
	"VNET":          {VNet, constDivisor(1 << len(vNetStages))},
	"VNET2":         {VNetLight, constDivisor(1 << len(vNetLightStages))},
	"DENSENET1":     {DenseNetSinglePath, constDivisor(1)},
	"DENSENET2":     {DenseNetDualPath, constDivisor(1)},
	"DENSENET3":     {DenseNetDualSinglePath, constDivisor(1)},
	"HYPERDENSENET": {HyperDenseNet, constDivisor(1)},
}

// DefaultParams returns the default hyperparameters of all models. They can be changed with the -set flag.
func DefaultParams() map[string]any {
	return map[string]any{
		activations.ParamActivation: "relu",
		ParamNormalization:          "batch",
		ParamDropoutRate:            0.0,

		ParamUNetBaseFilters: 8,
		ParamUNetDepth:       4,

		ParamVNetBaseFilters: 16,
		ParamVNetKernelSize:  5,

		ParamDenseInitialFilters: 16,
		ParamDenseGrowth:         8,
		ParamDenseBlockLayers:    4,
		ParamDenseFeatures:       32,

		ParamHyperDenseFilters: []int{8, 8, 16, 16},
		ParamHyperDenseHead:    []int{64, 32},
	}
}

// NewModelFn returns the train.ModelFn of the architecture name.
//
// The model function reads the number of classes from the context parameter ParamClasses,
// converts the inputs to float32 if needed and checks their spatial dimensions.
func NewModelFn(name string) (train.ModelFn, error) {
	arch, found := architectures[name]
	if !found {
		return nil, errors.Errorf("unknown model %q, valid models are %q", name, ValidModels)
	}
	modelFn := func(ctx *context.Context, _ any, inputs []*Node) []*Node {
		x := inputs[0]
		if x.Rank() != 5 {
			exceptions.Panicf("model %s: inputs must be shaped [batch, x, y, z, modalities], got %s", name, x.Shape())
		}
		if x.DType() != dtypes.Float32 {
			x = ConvertDType(x, dtypes.Float32)
		}
		divisor := arch.spatialDivisor(ctx)
		for axis := 1; axis <= 3; axis++ {
			if dim := x.Shape().Dimensions[axis]; dim%divisor != 0 {
				exceptions.Panicf("model %s: spatial dimension %d of axis %d must be a multiple of %d",
					name, dim, axis, divisor)
			}
		}
		numClasses := context.GetParamOr(ctx, ParamClasses, 0)
		if numClasses <= 0 {
			exceptions.Panicf("model %s: context parameter %q must be set to the number of classes", name, ParamClasses)
		}
		logits := arch.build(ctx.In("model"), x, numClasses)
		dims := x.Shape().Dimensions
		logits.AssertDims(dims[0], dims[1], dims[2], dims[3], numClasses)
		return []*Node{logits}
	}
	return modelFn, nil
}

// NewOptimizer returns the optimizer name ("sgd", "adam" or "rmsprop"), configured from the
// context hyperparameters (optimizers.ParamLearningRate in particular).
func NewOptimizer(ctx *context.Context, name string) (opt optimizers.Interface, err error) {
	if slices.Index(config.ValidOptimizers, name) == -1 {
		return nil, errors.Errorf("unknown optimizer %q, valid optimizers are %q", name, config.ValidOptimizers)
	}
	err = exceptions.TryCatch[error](func() {
		if name == "rmsprop" {
			// Adam based stand-in: no first moment, but the second moment is still bias corrected.
			opt = optimizers.Adam().FromContext(ctx).Betas(0, 0.99).Done()
			return
		}
		opt = optimizers.ByName(ctx, name)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating optimizer %q", name)
	}
	return opt, nil
}

// CreateModel returns the model function and the optimizer selected by cfg.
//
// The hyperparameters owned by cfg (see config.Config.ContextParams) are set into ctx, so
// they take precedence over DefaultParams and the -set flag.
func CreateModel(ctx *context.Context, cfg *config.Config) (train.ModelFn, optimizers.Interface, error) {
	modelFn, err := NewModelFn(cfg.Model)
	if err != nil {
		return nil, nil, err
	}
	ctx.SetParams(cfg.ContextParams())
	opt, err := NewOptimizer(ctx, cfg.Optimizer)
	if err != nil {
		return nil, nil, err
	}
	return modelFn, opt, nil
}
