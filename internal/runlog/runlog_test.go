// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "UNET3D_mrbrains_01_02___03_04")
	w, err := New(dir, map[string]any{"model": "UNET3D"})
	require.NoError(t, err)
	assert.Equal(t, dir, w.Dir())

	var run Run
	require.NoError(t, json.Unmarshal(must.M1(os.ReadFile(filepath.Join(dir, RunFileName))), &run))
	assert.Equal(t, "UNET3D_mrbrains_01_02___03_04", run.Name)
	_, err = uuid.Parse(run.ID)
	require.NoError(t, err)
	assert.Equal(t, w.Run().ID, run.ID)

	for epoch := 1; epoch <= 3; epoch++ {
		require.NoError(t, w.AddScalar("train/dice_c0", epoch, float64(10*epoch)))
		require.NoError(t, w.WriteTrainValScore(epoch,
			Score{Loss: 1 / float64(epoch), Score: float64(epoch)},
			Score{Loss: 1 / float64(epoch+1), Score: float64(epoch - 1)}))
	}
	assert.Len(t, w.Points(), 15)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.Error(t, w.AddScalar("train/loss", 4, 0))

	points, err := LoadPoints(filepath.Join(dir, ScalarsFileName))
	require.NoError(t, err)
	require.Len(t, points, 15)
	assert.Equal(t, "train/dice_c0", points[0].Tag)
	assert.Equal(t, "loss/val", points[2].Tag)
	assert.InDelta(t, 1.0/2.0, points[2].Value, 1e-9)
	assert.Equal(t, 3, points[14].Step)

	for _, name := range []string{LossPlotFileName, ScorePlotFileName} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, "plot %s not rendered", name)
		assert.Greater(t, info.Size(), int64(0))
	}
}

func TestWriterWithoutScores(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, nil)
	require.NoError(t, err)
	require.NoError(t, w.AddScalar("lr", 1, 0.001))
	require.NoError(t, w.Close())
	_, err = os.Stat(filepath.Join(dir, LossPlotFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadPointsMissing(t *testing.T) {
	_, err := LoadPoints(filepath.Join(t.TempDir(), ScalarsFileName))
	require.Error(t, err)
}
