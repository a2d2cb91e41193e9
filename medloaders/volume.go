// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package medloaders

import (
	"math"

	"github.com/gomlx/brainseg/medloaders/nifti"
	"github.com/pkg/errors"
)

// Subject holds the volumes of one subject: its modalities, already normalized, and its label volume.
//
// All volumes share the same dimensions and are stored in file order (x fastest, then y, then z).
type Subject struct {
	ID         string
	Dims       [3]int
	Affine     [4][4]float64
	Modalities [][]float32
	Labels     []int32
}

// NumVoxels of each of the subject's volumes.
func (s *Subject) NumVoxels() int {
	return s.Dims[0] * s.Dims[1] * s.Dims[2]
}

// Index of voxel (x, y, z) in the flat volumes.
func (s *Subject) Index(x, y, z int) int {
	return x + s.Dims[0]*(y+s.Dims[1]*z)
}

// NormalizeZScore normalizes the intensities in place to zero mean and unit variance, computed
// over the non-zero voxels only: the zero background of skull-stripped volumes is left untouched.
// Volumes with no variance are only centered.
func NormalizeZScore(data []float32) {
	var sum, sumSq float64
	var count int
	for _, v := range data {
		if v == 0 {
			continue
		}
		sum += float64(v)
		sumSq += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return
	}
	mean := sum / float64(count)
	variance := sumSq/float64(count) - mean*mean
	std := 1.0
	if variance > 1e-12 {
		std = math.Sqrt(variance)
	}
	for ii, v := range data {
		if v == 0 {
			continue
		}
		data[ii] = float32((float64(v) - mean) / std)
	}
}

// loadSubject reads, checks and normalizes the volumes of the subject id of the dataset.
func loadSubject(info *DatasetInfo, dataDir, id string, numModalities int) (*Subject, error) {
	subject := &Subject{ID: id}
	for ii, modalityPath := range info.ModalityPaths(dataDir, id)[:numModalities] {
		img, err := nifti.Read(modalityPath)
		if err != nil {
			return nil, errors.WithMessagef(err, "subject %q, modality %s", id, info.Modalities[ii])
		}
		if ii == 0 {
			subject.Dims = img.Dims
			subject.Affine = img.Affine
		} else if img.Dims != subject.Dims {
			return nil, errors.Errorf("subject %q: modality %s has dimensions %v, but %s has %v",
				id, info.Modalities[ii], img.Dims, info.Modalities[0], subject.Dims)
		}
		NormalizeZScore(img.Data)
		subject.Modalities = append(subject.Modalities, img.Data)
	}

	labelsPath := info.LabelsPath(dataDir, id)
	img, err := nifti.Read(labelsPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "subject %q, labels", id)
	}
	if img.Dims != subject.Dims {
		return nil, errors.Errorf("subject %q: labels have dimensions %v, modalities have %v", id, img.Dims, subject.Dims)
	}
	subject.Labels, err = info.mapLabels(img.Data)
	if err != nil {
		return nil, errors.WithMessagef(err, "subject %q, labels %q", id, labelsPath)
	}
	return subject, nil
}
