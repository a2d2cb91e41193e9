// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package medzoo

import (
	"flag"
	"fmt"
	"testing"
	"time"

	"github.com/gomlx/brainseg/config"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestDiceCoefficients(t *testing.T) {
	// Uniform predictions over 3 classes, both voxels labeled 0.
	graphtest.RunTestGraphFn(t, "DiceCoefficients(uniform)", func(g *Graph) (inputs, outputs []*Node) {
		logits := Zeros(g, shapes.Make(dtypes.Float32, 1, 1, 1, 2, 3))
		labels := Const(g, [][][][]int32{{{{0, 0}}}})
		inputs = []*Node{logits, labels}
		outputs = []*Node{
			DiceCoefficients(labels, logits),
			DiceLoss(3, 1)([]*Node{labels}, []*Node{logits}),
			DiceLoss(3, 3)([]*Node{labels}, []*Node{logits}),
		}
		return
	}, []any{
		[]float32{0.5, 0, 0},
		float32(0.5),
		float32(1.0 - 0.5/3.0),
	}, 1e-4)

	// Confident and correct predictions: absent class 2 scores 0 and does not produce NaN.
	graphtest.RunTestGraphFn(t, "DiceCoefficients(confident)", func(g *Graph) (inputs, outputs []*Node) {
		logits := Const(g, [][][][][]float32{{{{{20, 0, 0}, {0, 20, 0}}}}})
		labels := Const(g, [][][][]int32{{{{0, 1}}}})
		inputs = []*Node{logits, labels}
		outputs = []*Node{
			DiceCoefficients(labels, logits),
			DiceLoss(3, 2)([]*Node{labels}, []*Node{logits}),
		}
		return
	}, []any{
		[]float32{1, 1, 0},
		float32(0),
	}, 1e-3)

	// Metrics report percents.
	graphtest.RunTestGraphFn(t, "DiceMetrics", func(g *Graph) (inputs, outputs []*Node) {
		logits := Const(g, [][][][][]float32{{{{{20, 0, 0}, {20, 0, 0}}}}})
		labels := Const(g, [][][][]int32{{{{0, 1}}}})
		inputs = []*Node{logits, labels}
		outputs = []*Node{
			diceScoreGraph(2)(nil, []*Node{labels}, []*Node{logits}),
			classDiceGraph(0)(nil, []*Node{labels}, []*Node{logits}),
			classDiceGraph(1)(nil, []*Node{labels}, []*Node{logits}),
		}
		return
	}, []any{
		// Class 0: 2*1/(2+1) = 66.67%, class 1: 0%.
		float32(100.0 / 3.0),
		float32(200.0 / 3.0),
		float32(0),
	}, 1e-2)
}

func TestDiceLossArgs(t *testing.T) {
	require.Panics(t, func() { DiceLoss(4, 5) })
	require.Panics(t, func() { DiceLoss(4, 0) })
}

func TestUpSample(t *testing.T) {
	graphtest.RunTestGraphFn(t, "upSample", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][][][][]float32{{{{{1, 10}}, {{2, 20}}}}})
		inputs = []*Node{x}
		outputs = []*Node{upSample(x)}
		return
	}, []any{
		[][][][][]float32{{
			{{{1, 10}, {1, 10}}, {{1, 10}, {1, 10}}, {{2, 20}, {2, 20}}, {{2, 20}, {2, 20}}},
			{{{1, 10}, {1, 10}}, {{1, 10}, {1, 10}}, {{2, 20}, {2, 20}}, {{2, 20}, {2, 20}}},
		}},
	}, 0)
}

// smallModelsContext returns a context with small versions of all models.
func smallModelsContext(numClasses int) *context.Context {
	ctx := context.New()
	ctx.SetParams(DefaultParams())
	ctx.SetParams(map[string]any{
		ParamClasses:             numClasses,
		ParamUNetBaseFilters:     2,
		ParamVNetBaseFilters:     4,
		ParamVNetKernelSize:      3,
		ParamDenseInitialFilters: 4,
		ParamDenseGrowth:         2,
		ParamDenseBlockLayers:    2,
		ParamDenseFeatures:       4,
		ParamHyperDenseFilters:   []int{2, 2},
		ParamHyperDenseHead:      []int{4},
		ParamDropoutRate:         0.1,
	})
	return ctx
}

func TestModelsOutputShape(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const numClasses = 5
	for _, name := range ValidModels {
		for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Float16} {
			t.Run(fmt.Sprintf("%s-%s", name, dtype), func(t *testing.T) {
				modelFn, err := NewModelFn(name)
				require.NoError(t, err)
				ctx := smallModelsContext(numClasses)
				g := NewGraph(backend, "test")
				x := Zeros(g, shapes.Make(dtype, 2, 16, 16, 16, 3))
				var logits *Node
				require.NotPanics(t, func() { logits = modelFn(ctx, nil, []*Node{x})[0] })
				assert.NoError(t, logits.Shape().CheckDims(2, 16, 16, 16, numClasses))
				assert.Equal(t, dtypes.Float32, logits.DType())
				assert.Greater(t, ctx.NumParameters(), 0)
			})
		}
	}
}

func TestModelInvalidInputs(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	modelFn, err := NewModelFn("UNET3D")
	require.NoError(t, err)

	// Spatial dimensions not divisible by 2^depth.
	g := NewGraph(backend, "test")
	x := Zeros(g, shapes.Make(dtypes.Float32, 1, 24, 16, 16, 1))
	require.Panics(t, func() { modelFn(smallModelsContext(2), nil, []*Node{x}) })

	// Number of classes not set.
	g = NewGraph(backend, "test")
	x = Zeros(g, shapes.Make(dtypes.Float32, 1, 16, 16, 16, 1))
	require.Panics(t, func() { modelFn(context.New(), nil, []*Node{x}) })

	_, err = NewModelFn("RESNET")
	require.Error(t, err)
}

func TestCreateModel(t *testing.T) {
	for _, opt := range []string{"sgd", "adam", "rmsprop"} {
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		cfg, err := config.Parse(fs, []string{"-model=VNET2", "-opt=" + opt, "-lr=0.01"}, time.Now())
		require.NoError(t, err)
		ctx := context.New()
		modelFn, optimizer, err := CreateModel(ctx, cfg)
		require.NoError(t, err, "optimizer %q", opt)
		assert.NotNil(t, modelFn)
		assert.NotNil(t, optimizer)
		assert.Equal(t, 11, context.GetParamOr(ctx, ParamClasses, 0))
		assert.Equal(t, 0.01, context.GetParamOr(ctx, "learning_rate", 0.0))
	}

	_, err := NewOptimizer(context.New(), "adagrad")
	require.Error(t, err)
}
