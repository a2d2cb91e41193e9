// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/gomlx/brainseg/config"
	"github.com/gomlx/brainseg/internal/runlog"
	"github.com/gomlx/brainseg/medloaders"
	"github.com/gomlx/brainseg/medloaders/nifti"
	"github.com/gomlx/brainseg/trainer"
	"github.com/gomlx/brainseg/visualize"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var muDemo sync.Mutex

// writeDataset writes a synthetic copy of the MRBrainS18 layout under dataDir: a bright cube
// labeled 1 and a darker slab labeled 2 over a background labeled 0.
func writeDataset(t *testing.T, dataDir string, dims [3]int) {
	info := medloaders.Datasets["mrbrains"]
	n := dims[0] * dims[1] * dims[2]
	var affine [4][4]float64
	affine[0][0], affine[1][1], affine[2][2], affine[3][3] = 1, 1, 1, 1
	labels := make([]float32, n)
	intensities := make([]float32, n)
	for z := range dims[2] {
		for y := range dims[1] {
			for x := range dims[0] {
				idx := x + dims[0]*(y+dims[1]*z)
				intensities[idx] = 1
				switch {
				case x >= 4 && x < 12 && y >= 4 && y < 12:
					labels[idx], intensities[idx] = 1, 100
				case z < 4:
					labels[idx], intensities[idx] = 2, 50
				}
			}
		}
	}
	for _, id := range info.Subjects {
		for _, modalityPath := range info.ModalityPaths(dataDir, id) {
			require.NoError(t, os.MkdirAll(filepath.Dir(modalityPath), 0o755))
			require.NoError(t, nifti.Write(modalityPath, dims, [3]float32{1, 1, 1}, affine, nifti.Float32, intensities))
		}
		require.NoError(t, nifti.Write(info.LabelsPath(dataDir, id), dims, [3]float32{1, 1, 1}, affine, nifti.Uint8, labels))
	}
}

// TestDemo trains a tiny model for 2 epochs on a synthetic dataset, and then resumes it for one more epoch.
//
// It is disabled for short tests.
func TestDemo(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testing in short mode")
		return
	}
	muDemo.Lock()
	defer muDemo.Unlock()

	dataDir, saveRoot, runsDir := t.TempDir(), t.TempDir(), t.TempDir()
	writeDataset(t, dataDir, [3]int{20, 16, 16})
	args := []string{
		"-data=" + dataDir, "-save_root=" + saveRoot, "-runs=" + runsDir, "-cuda=false",
		"-model=DENSENET1", "-opt=adam", "-lr=0.01", "-batchSz=2", "-crop=16,16,16",
		"-samples_train=4", "-samples_val=2", "-classes=11", "-desired_classes=3",
		"-save_every=1", "-visualize_every=2",
		"-set=densenet_initial_filters=4;densenet_growth=2;densenet_block_layers=2;densenet_features=4",
	}
	cfg := must.M1(config.Parse(flag.NewFlagSet("test", flag.ContinueOnError),
		append(args, "-nEpochs=2"), time.Date(2026, 3, 4, 5, 6, 0, 0, time.UTC)))
	require.NoError(t, run(cfg))

	assert.Equal(t, filepath.Join(saveRoot, "DENSENET1_checkpoints", "DENSENET1_04_03___05_06_mrbrains_"), cfg.SaveDir)
	for _, name := range []string{trainer.TrainStatsFileName, trainer.ValStatsFileName} {
		df := dataframe.ReadCSV(must.M1(os.Open(filepath.Join(cfg.StatsDir(), name))))
		require.NoError(t, df.Err)
		assert.Equal(t, []int{1, 2}, must.M1(df.Col("epoch").Int()))
		assert.Equal(t, 6, df.Ncol())
	}
	for _, name := range []string{runlog.ScalarsFileName, runlog.RunFileName, runlog.LossPlotFileName,
		visualize.PredictionFileName(2), visualize.SliceFileName(2)} {
		_, err := os.Stat(filepath.Join(cfg.RunDir(), name))
		assert.NoError(t, err, "file %s", name)
	}
	_, err := os.Stat(filepath.Join(cfg.RunDir(), visualize.PredictionFileName(1)))
	assert.True(t, os.IsNotExist(err))

	// Resume from the best checkpoint: training continues after the best epoch.
	valDF := dataframe.ReadCSV(must.M1(os.Open(filepath.Join(cfg.StatsDir(), trainer.ValStatsFileName))))
	valLosses := valDF.Col("loss").Float()
	bestEpoch := 1
	if valLosses[1] < valLosses[0] {
		bestEpoch = 2
	}
	resumeCfg := must.M1(config.Parse(flag.NewFlagSet("test", flag.ContinueOnError),
		append(args, "-nEpochs=3", "-resume="+filepath.Join(cfg.SaveDir, trainer.BestDirName)),
		time.Date(2026, 3, 4, 5, 7, 0, 0, time.UTC)))
	require.NoError(t, run(resumeCfg))
	df := dataframe.ReadCSV(must.M1(os.Open(filepath.Join(resumeCfg.StatsDir(), trainer.TrainStatsFileName))))
	require.NoError(t, df.Err)
	var expected []int
	for epoch := bestEpoch + 1; epoch <= 3; epoch++ {
		expected = append(expected, epoch)
	}
	assert.Equal(t, expected, must.M1(df.Col("epoch").Int()))
}

func TestCreateContext(t *testing.T) {
	cfg := must.M1(config.Parse(flag.NewFlagSet("test", flag.ContinueOnError),
		[]string{"-set=unet3d_depth=3;medzoo_normalization=layer"}, time.Now()))
	ctx, paramsSet, err := createContext(cfg)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"unet3d_depth", "medzoo_normalization"}, paramsSet)
	depth, found := ctx.GetParam("unet3d_depth")
	require.True(t, found)
	assert.Equal(t, 3, depth)

	cfg = must.M1(config.Parse(flag.NewFlagSet("test", flag.ContinueOnError),
		[]string{"-set=unet3d_depth=two"}, time.Now()))
	_, _, err = createContext(cfg)
	require.Error(t, err)
}
