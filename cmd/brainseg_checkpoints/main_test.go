// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/gomlx/brainseg/trainer"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSaveDir creates a save directory with a checkpoint saved at epoch 2, and 3 epochs of statistics.
func writeSaveDir(t *testing.T) string {
	saveDir := t.TempDir()
	ctx := context.New()
	ctx.SetParam("model", "UNET3D")
	ctx.InAbsPath("/model").VariableWithValue("weights", [][]float32{{1, 2, 3}, {4, 5, 6}})
	stateCtx := ctx.InAbsPath(trainer.StateScope)
	stateCtx.VariableWithValue(trainer.EpochVarName, int64(2)).SetTrainable(false)
	stateCtx.VariableWithValue(trainer.BestLossVarName, 0.25).SetTrainable(false)
	handler := must.M1(checkpoints.Build(ctx).Dir(filepath.Join(saveDir, trainer.BestDirName)).Done())
	require.NoError(t, handler.Save())

	trainFile, valFile := must.M2(trainer.CreateStatsFiles(saveDir, 2))
	for epoch, loss := range []float64{0.5, 0.25, 0.4} {
		stats := trainer.EpochStats{Epoch: epoch + 1, Loss: loss, Score: 100 * (1 - loss), PerClass: []float64{60, 40}}
		require.NoError(t, trainFile.Write(stats))
		stats.Loss += 0.1
		require.NoError(t, valFile.Write(stats))
	}
	require.NoError(t, trainFile.Close())
	require.NoError(t, valFile.Close())
	return saveDir
}

func TestReport(t *testing.T) {
	saveDir := writeSaveDir(t)
	*flagParams = true
	defer func() { *flagParams = false }()

	var buf bytes.Buffer
	require.NoError(t, report(&buf, saveDir))
	out := buf.String()
	assert.Contains(t, out, "Summary")
	assert.Contains(t, out, "best validation loss")
	assert.Contains(t, out, "0.2500")
	assert.Contains(t, out, "# parameters")
	assert.Contains(t, out, "UNET3D")
	assert.Contains(t, out, "dice_1")
	assert.Contains(t, out, "Best epoch: 2")
}

func TestBestEpoch(t *testing.T) {
	saveDir := writeSaveDir(t)
	val, err := loadStats(filepath.Join(saveDir, trainer.ValStatsFileName))
	require.NoError(t, err)
	assert.Equal(t, 3, val.Nrow())
	assert.Equal(t, 2, BestEpoch(val))
}

func TestReportMissing(t *testing.T) {
	var buf bytes.Buffer
	require.Error(t, report(&buf, t.TempDir()))
	_, err := loadCheckpoint(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
