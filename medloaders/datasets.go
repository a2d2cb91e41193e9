// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package medloaders generates the training and validation datasets of patches sampled from the
// brain MRI volumes of the supported datasets.
//
// The subjects are read from NIfTI (or Analyze) files, each modality is normalized, the
// subject selected by the fold is held out for validation, and a fixed number of random
// patches is cropped from the volumes of each split. See GenerateDatasets.
package medloaders

import (
	"fmt"
	"path/filepath"
	"slices"

	"github.com/pkg/errors"
)

// DatasetInfo describes where the volumes of a dataset are stored and how its labels map to classes.
type DatasetInfo struct {
	Name string

	// Subjects ids, in the order they are listed in the dataset.
	Subjects []string

	// Modalities names, in the order they are stacked as input channels.
	Modalities []string

	// NumClasses is the number of label classes after LabelMap is applied.
	NumClasses int

	// LabelMap converts the label values found in the files to class indices.
	// If nil, label values are already class indices in [0, NumClasses).
	LabelMap map[int32]int32

	modalityPath func(dataDir, subject, modality string) string
	labelsPath   func(dataDir, subject string) string
}

// ModalityPaths returns the paths of the modality volumes of subject, in the order of Modalities.
func (info *DatasetInfo) ModalityPaths(dataDir, subject string) []string {
	paths := make([]string, len(info.Modalities))
	for ii, modality := range info.Modalities {
		paths[ii] = info.modalityPath(dataDir, subject, modality)
	}
	return paths
}

// LabelsPath returns the path of the label volume of subject.
func (info *DatasetInfo) LabelsPath(dataDir, subject string) string {
	return info.labelsPath(dataDir, subject)
}

// mapLabels converts label values read from a file to class indices.
func (info *DatasetInfo) mapLabels(values []float32) ([]int32, error) {
	labels := make([]int32, len(values))
	for ii, v := range values {
		label := int32(v)
		if float32(label) != v {
			return nil, errors.Errorf("label value %g at voxel %d is not an integer", v, ii)
		}
		if info.LabelMap != nil {
			class, found := info.LabelMap[label]
			if !found {
				return nil, errors.Errorf("unknown label value %d at voxel %d", label, ii)
			}
			label = class
		}
		if label < 0 || int(label) >= info.NumClasses {
			return nil, errors.Errorf("label %d at voxel %d out of range [0, %d)", label, ii, info.NumClasses)
		}
		labels[ii] = label
	}
	return labels, nil
}

var mrBrainsModalityFiles = map[string]string{
	"T1":    "reg_T1.nii.gz",
	"T1_IR": "reg_IR.nii.gz",
	"FLAIR": "FLAIR.nii.gz",
}

// Datasets known to the generator, indexed by name.
var Datasets = map[string]*DatasetInfo{
	"mrbrains": {
		Name:       "mrbrains",
		Subjects:   []string{"1", "4", "5", "7", "14", "070", "148"},
		Modalities: []string{"T1", "T1_IR", "FLAIR"},
		NumClasses: 11,
		modalityPath: func(dataDir, subject, modality string) string {
			return filepath.Join(dataDir, "mrbrains_2018", "training", subject, "pre", mrBrainsModalityFiles[modality])
		},
		labelsPath: func(dataDir, subject string) string {
			return filepath.Join(dataDir, "mrbrains_2018", "training", subject, "segm.nii.gz")
		},
	},
	"iseg2017": {
		Name:       "iseg2017",
		Subjects:   []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10"},
		Modalities: []string{"T1", "T2"},
		NumClasses: 4,
		// Background, cerebrospinal fluid, gray matter and white matter.
		LabelMap: map[int32]int32{0: 0, 10: 1, 150: 2, 250: 3},
		modalityPath: func(dataDir, subject, modality string) string {
			return filepath.Join(dataDir, "iseg_2017", "iSeg-2017-Training", fmt.Sprintf("subject-%s-%s.hdr", subject, modality))
		},
		labelsPath: func(dataDir, subject string) string {
			return filepath.Join(dataDir, "iseg_2017", "iSeg-2017-Training", fmt.Sprintf("subject-%s-label.hdr", subject))
		},
	},
}

// LookupDataset returns the DatasetInfo for name.
func LookupDataset(name string) (*DatasetInfo, error) {
	info, found := Datasets[name]
	if !found {
		names := make([]string, 0, len(Datasets))
		for n := range Datasets {
			names = append(names, n)
		}
		slices.Sort(names)
		return nil, errors.Errorf("unknown dataset %q, valid datasets are %q", name, names)
	}
	return info, nil
}
