// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/brainseg/trainer"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
)

// Summary of the checkpoint loaded in ctx: the training state, and the sizes of the variables in scopedCtx.
func Summary(w io.Writer, ctx, scopedCtx *context.Context, checkpointDir string) {
	fmt.Fprintln(w, titleStyle.Render("Summary"))
	table := newPlainTable(false, lipgloss.Right, lipgloss.Left)
	epoch, bestLoss := trainer.ReadState(ctx)
	table.Row("checkpoint", checkpointDir)
	table.Row("epoch", humanize.Comma(int64(epoch)))
	table.Row("best validation loss", fmt.Sprintf("%.4f", bestLoss))
	table.Row("global_step", humanize.Comma(optimizers.GetGlobalStep(ctx)))
	table.Row("scope", scopedCtx.Scope())

	var numVars, totalSize int
	var totalMemory uintptr
	scopedCtx.EnumerateVariablesInScope(func(v *context.Variable) {
		numVars++
		totalSize += v.Shape().Size()
		totalMemory += v.Shape().Memory()
	})
	table.Row("# variables", humanize.Comma(int64(numVars)))
	table.Row("# parameters", humanize.Comma(int64(totalSize)))
	table.Row("# bytes", humanize.Bytes(uint64(totalMemory)))
	fmt.Fprintln(w, table.Render())
}

// Params lists the hyperparameters saved with the checkpoint.
func Params(w io.Writer, ctx *context.Context) {
	fmt.Fprintln(w, titleStyle.Render("Hyperparameters"))
	table := newPlainTable(true)
	table.Headers("Scope", "Name", "Type", "Value")
	var rows [][]string
	ctx.EnumerateParams(func(scope, key string, value any) {
		rows = append(rows, []string{scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value)})
	})
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		table.Row(row...)
	}
	fmt.Fprintln(w, table.Render())
}
