// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package medloaders

import (
	"io"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
)

// Dataset yields batches of patches. It implements train.Dataset.
//
// Each batch has the inputs shaped [batch_size, x, y, z, modalities] and the labels shaped
// [batch_size, x, y, z] (int32). The last batch of an epoch may be smaller than batch_size.
// At the end of the epoch Yield returns io.EOF, and Reset starts a new epoch, reshuffling
// the patches if a shuffle was given.
type Dataset struct {
	name      string
	patches   []*Patch
	batchSize int
	dtype     dtypes.DType

	mu       sync.Mutex
	shuffle  *rand.Rand
	indices  []int
	position int
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a Dataset over patches. Inputs are converted to dtype, which must be
// Float32 or Float16. If shuffle is nil the patches are yielded in order.
func NewDataset(name string, patches []*Patch, batchSize int, shuffle *rand.Rand, dtype dtypes.DType) *Dataset {
	if batchSize <= 0 {
		exceptions.Panicf("medloaders.NewDataset(%q): batch size must be > 0, got %d", name, batchSize)
	}
	if dtype != dtypes.Float32 && dtype != dtypes.Float16 {
		exceptions.Panicf("medloaders.NewDataset(%q): inputs dtype must be Float32 or Float16, got %s", name, dtype)
	}
	ds := &Dataset{
		name:      name,
		patches:   patches,
		batchSize: batchSize,
		dtype:     dtype,
		shuffle:   shuffle,
		indices:   make([]int, len(patches)),
	}
	for ii := range ds.indices {
		ds.indices[ii] = ii
	}
	ds.Reset()
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// NumPatches in one epoch.
func (ds *Dataset) NumPatches() int { return len(ds.patches) }

// BatchSize used by Yield.
func (ds *Dataset) BatchSize() int { return ds.batchSize }

// Reset implements train.Dataset. It restarts the epoch and, when shuffling, draws a new order.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.position = 0
	if ds.shuffle != nil {
		ds.shuffle.Shuffle(len(ds.indices), func(i, j int) {
			ds.indices[i], ds.indices[j] = ds.indices[j], ds.indices[i]
		})
	}
}

// Yield implements train.Dataset. It returns:
//
//   - spec: the dataset itself.
//   - inputs: one tensor with the patches inputs, shaped [batch_size, x, y, z, modalities].
//   - labels: one tensor with the class of each voxel, shaped [batch_size, x, y, z].
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	if ds.position >= len(ds.indices) {
		ds.mu.Unlock()
		return nil, nil, nil, io.EOF
	}
	start := ds.position
	end := min(start+ds.batchSize, len(ds.indices))
	ds.position = end
	batch := make([]*Patch, 0, end-start)
	for _, idx := range ds.indices[start:end] {
		batch = append(batch, ds.patches[idx])
	}
	ds.mu.Unlock()

	inputsT, labelsT := BatchTensors(batch, ds.dtype)
	return ds, []*tensors.Tensor{inputsT}, []*tensors.Tensor{labelsT}, nil
}

// BatchTensors stacks the patches, which must all have the same dimensions, into an inputs
// tensor of the given dtype (Float32 or Float16) and a labels tensor of int32.
func BatchTensors(batch []*Patch, dtype dtypes.DType) (inputs, labels *tensors.Tensor) {
	first := batch[0]
	patchInputs := len(first.Inputs)
	patchLabels := len(first.Labels)
	inputDims := []int{len(batch), first.Dims[0], first.Dims[1], first.Dims[2], first.NumModalities}

	flatLabels := make([]int32, 0, len(batch)*patchLabels)
	for _, p := range batch {
		if p.Dims != first.Dims || p.NumModalities != first.NumModalities {
			exceptions.Panicf("medloaders: cannot batch patches of dims %v (%d modalities) with %v (%d modalities)",
				p.Dims, p.NumModalities, first.Dims, first.NumModalities)
		}
		flatLabels = append(flatLabels, p.Labels...)
	}
	labels = tensors.FromFlatDataAndDimensions(flatLabels, inputDims[:4]...)

	if dtype == dtypes.Float16 {
		flat := make([]float16.Float16, 0, len(batch)*patchInputs)
		for _, p := range batch {
			for _, v := range p.Inputs {
				flat = append(flat, float16.Fromfloat32(v))
			}
		}
		return tensors.FromFlatDataAndDimensions(flat, inputDims...), labels
	}
	flat := make([]float32, 0, len(batch)*patchInputs)
	for _, p := range batch {
		flat = append(flat, p.Inputs...)
	}
	return tensors.FromFlatDataAndDimensions(flat, inputDims...), labels
}
