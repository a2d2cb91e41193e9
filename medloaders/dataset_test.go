// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package medloaders

import (
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/brainseg/config"
	"github.com/gomlx/brainseg/medloaders/nifti"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func testPatches(n int) []*Patch {
	patches := make([]*Patch, n)
	for ii := range patches {
		p := &Patch{SubjectID: fmt.Sprint(ii), Dims: [3]int{2, 2, 1}, NumModalities: 2}
		p.Inputs = make([]float32, 2*2*1*2)
		for jj := range p.Inputs {
			p.Inputs[jj] = float32(ii)
		}
		p.Labels = []int32{int32(ii), 0, 0, 1}
		patches[ii] = p
	}
	return patches
}

// yieldEpoch returns the first label of each patch, in the order they are yielded, and the batch sizes.
func yieldEpoch(t *testing.T, ds *Dataset) (order []int32, batchSizes []int) {
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)
		require.Len(t, inputs, 1)
		require.Len(t, labels, 1)
		dims := inputs[0].Shape().Dimensions
		batchSizes = append(batchSizes, dims[0])
		assert.Equal(t, []int{dims[0], 2, 2, 1, 2}, dims)
		assert.Equal(t, []int{dims[0], 2, 2, 1}, labels[0].Shape().Dimensions)
		assert.Equal(t, dtypes.Int32, labels[0].DType())
		flatLabels := tensors.CopyFlatData[int32](labels[0])
		for b := range dims[0] {
			order = append(order, flatLabels[b*4])
		}
	}
}

func TestDataset(t *testing.T) {
	ds := NewDataset("val", testPatches(5), 2, nil, dtypes.Float32)
	assert.Equal(t, "val", ds.Name())
	order, batchSizes := yieldEpoch(t, ds)
	assert.Equal(t, []int32{0, 1, 2, 3, 4}, order)
	assert.Equal(t, []int{2, 2, 1}, batchSizes)

	// Exhausted until reset.
	_, _, _, err := ds.Yield()
	require.ErrorIs(t, err, io.EOF)
	ds.Reset()
	order, _ = yieldEpoch(t, ds)
	assert.Equal(t, []int32{0, 1, 2, 3, 4}, order)

	// Inputs keep the patch values, modalities last.
	ds.Reset()
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	flat := tensors.CopyFlatData[float32](inputs[0])
	assert.Equal(t, float32(0), flat[0])
	assert.Equal(t, float32(1), flat[8])
}

func TestDatasetShuffle(t *testing.T) {
	ds := NewDataset("train", testPatches(8), 3, rand.New(rand.NewPCG(1, 2)), dtypes.Float32)
	first, batchSizes := yieldEpoch(t, ds)
	assert.Equal(t, []int{3, 3, 2}, batchSizes)
	assert.ElementsMatch(t, []int32{0, 1, 2, 3, 4, 5, 6, 7}, first)

	changed := false
	for range 5 {
		ds.Reset()
		order, _ := yieldEpoch(t, ds)
		assert.ElementsMatch(t, first, order)
		if fmt.Sprint(order) != fmt.Sprint(first) {
			changed = true
		}
	}
	assert.True(t, changed, "shuffling should change the order across epochs")
}

func TestDatasetFloat16(t *testing.T) {
	ds := NewDataset("train", testPatches(2), 2, nil, dtypes.Float16)
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float16, inputs[0].DType())
	flat := tensors.CopyFlatData[float16.Float16](inputs[0])
	assert.Equal(t, float32(1), flat[8].Float32())

	require.Panics(t, func() { NewDataset("bad", testPatches(1), 1, nil, dtypes.Int32) })
	require.Panics(t, func() { NewDataset("bad", testPatches(1), 0, nil, dtypes.Float32) })
}

// writeMRBrains writes a tiny synthetic copy of the MRBrainS18 layout under dataDir.
func writeMRBrains(t *testing.T, dataDir string, dims [3]int) {
	info := Datasets["mrbrains"]
	n := dims[0] * dims[1] * dims[2]
	var affine [4][4]float64
	affine[0][0], affine[1][1], affine[2][2], affine[3][3] = 1, 1, 1, 1
	for _, id := range info.Subjects {
		for m, modalityPath := range info.ModalityPaths(dataDir, id) {
			values := make([]float32, n)
			for ii := range values {
				values[ii] = float32(10*(m+1) + ii%7)
			}
			require.NoError(t, os.MkdirAll(filepath.Dir(modalityPath), 0o755))
			require.NoError(t, nifti.Write(modalityPath, dims, [3]float32{1, 1, 1}, affine, nifti.Float32, values))
		}
		labels := make([]float32, n)
		for ii := range labels {
			labels[ii] = float32(ii % info.NumClasses)
		}
		require.NoError(t, nifti.Write(info.LabelsPath(dataDir, id), dims, [3]float32{1, 1, 1}, affine, nifti.Uint8, labels))
	}
}

func testConfig(t *testing.T, args ...string) *config.Config {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := config.Parse(fs, args, time.Now())
	require.NoError(t, err)
	return cfg
}

func TestGenerateDatasets(t *testing.T) {
	dataDir := t.TempDir()
	dims := [3]int{20, 18, 16}
	writeMRBrains(t, dataDir, dims)
	cfg := testConfig(t, "-data="+dataDir, "-crop=16,16,16", "-samples_train=5", "-samples_val=3",
		"-batchSz=2", "-fold_id=70", "-inChannels=2", "-inModalities=2")

	trainDS, valDS, full, err := GenerateDatasets(cfg)
	require.NoError(t, err)
	assert.Equal(t, "070", full.ID)
	assert.Equal(t, dims, full.Dims)
	assert.Len(t, full.Modalities, 2)
	assert.Equal(t, "train", trainDS.Name())

	var count int
	for {
		_, inputs, labels, err := valDS.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		dimsT := inputs[0].Shape().Dimensions
		assert.Equal(t, []int{dimsT[0], 16, 16, 16, 2}, dimsT)
		assert.Equal(t, []int{dimsT[0], 16, 16, 16}, labels[0].Shape().Dimensions)
		count += dimsT[0]
	}
	assert.Equal(t, 3, count)

	// Parallel loading yields the same subjects.
	cfg = testConfig(t, "-data="+dataDir, "-crop=16,16,16", "-samples_train=5", "-samples_val=3",
		"-batchSz=2", "-fold_id=70", "-inChannels=2", "-inModalities=2", "-workers=3")
	parallelTrainDS, parallelValDS, parallelFull, err := GenerateDatasets(cfg)
	require.NoError(t, err)
	assert.Equal(t, full.Modalities, parallelFull.Modalities)
	_, inputs, _, err := parallelValDS.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 16, 16, 16, 2}, inputs[0].Shape().Dimensions)
	StopDatasets(parallelTrainDS, parallelValDS)
	_, _, _, err = parallelValDS.Yield()
	require.Error(t, err)
	require.NotErrorIs(t, err, io.EOF)
	StopDatasets(parallelValDS, valDS)

	// More desired classes than the dataset has.
	cfg = testConfig(t, "-data="+dataDir, "-crop=16,16,16", "-fold_id=70", "-inChannels=2", "-inModalities=2",
		"-classes=12", "-desired_classes=12")
	_, _, _, err = GenerateDatasets(cfg)
	require.ErrorContains(t, err, "-desired_classes=12")

	// Unknown fold.
	cfg = testConfig(t, "-data="+dataDir, "-crop=16,16,16", "-fold_id=2")
	_, _, _, err = GenerateDatasets(cfg)
	require.Error(t, err)

	// Missing files.
	cfg = testConfig(t, "-data="+t.TempDir(), "-crop=16,16,16")
	_, _, _, err = GenerateDatasets(cfg)
	require.Error(t, err)
}

func TestMapLabels(t *testing.T) {
	info := Datasets["iseg2017"]
	labels, err := info.mapLabels([]float32{0, 10, 150, 250})
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 2, 3}, labels)
	_, err = info.mapLabels([]float32{0, 11})
	require.Error(t, err)
	_, err = Datasets["mrbrains"].mapLabels([]float32{11})
	require.Error(t, err)
	_, err = Datasets["mrbrains"].mapLabels([]float32{1.5})
	require.Error(t, err)

	_, err = LookupDataset("brats")
	require.Error(t, err)
	assert.Equal(t, filepath.Join("d", "iseg_2017", "iSeg-2017-Training", "subject-3-T2.hdr"), info.ModalityPaths("d", "3")[1])
}
