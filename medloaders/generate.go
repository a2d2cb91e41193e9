// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package medloaders

import (
	"fmt"
	"math/rand/v2"

	"github.com/gomlx/brainseg/config"
	"github.com/gomlx/brainseg/internal/workerspool"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// FullVolume is the whole validation subject, used to predict and visualize complete volumes.
type FullVolume struct {
	*Subject
}

// InputsDType returns the dtype of the inputs configured by -dtype.
func InputsDType(cfg *config.Config) dtypes.DType {
	if cfg.DType == "float16" {
		return dtypes.Float16
	}
	return dtypes.Float32
}

// GenerateDatasets loads the subjects of the configured dataset, splits them by cfg.FoldID and
// samples the training and validation patches.
//
// The returned full volume is the validation subject.
func GenerateDatasets(cfg *config.Config) (trainDS, valDS train.Dataset, full *FullVolume, err error) {
	info, err := LookupDataset(cfg.DatasetName)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.InModalities > len(info.Modalities) {
		return nil, nil, nil, errors.Errorf("dataset %q has %d modalities %q, -inModalities=%d requested",
			info.Name, len(info.Modalities), info.Modalities, cfg.InModalities)
	}
	if cfg.Classes < info.NumClasses {
		return nil, nil, nil, errors.Errorf("dataset %q has %d classes, -classes=%d is not enough",
			info.Name, info.NumClasses, cfg.Classes)
	}
	if cfg.DesiredClasses > info.NumClasses {
		return nil, nil, nil, errors.Errorf("dataset %q has %d classes, -desired_classes=%d must be <= %d (and <= -classes=%d)",
			info.Name, info.NumClasses, cfg.DesiredClasses, info.NumClasses, cfg.Classes)
	}
	trainIDs, valID, err := SplitFold(info.Subjects, cfg.FoldID)
	if err != nil {
		return nil, nil, nil, err
	}

	dataDir := data.ReplaceTildeInDir(cfg.DataDir)
	ids := append(append([]string{}, trainIDs...), valID)
	subjects := make([]*Subject, len(ids))
	pbar := progressbar.Default(int64(len(ids)), fmt.Sprintf("Loading %s subjects", info.Name))
	pool := workerspool.New(cfg.Workers)
	for ii, id := range ids {
		pool.WaitToStart(func() error {
			subject, err := loadSubject(info, dataDir, id, cfg.InModalities)
			if err != nil {
				return err
			}
			subjects[ii] = subject
			_ = pbar.Add(1)
			return nil
		})
	}
	if err = pool.Wait(); err != nil {
		_ = pbar.Exit()
		return nil, nil, nil, errors.WithMessagef(err, "loading dataset %q from %q", info.Name, dataDir)
	}
	_ = pbar.Finish()
	klog.V(1).Infof("dataset %s: training subjects %q, validation subject %q", info.Name, trainIDs, valID)

	trainDS, valDS = BuildDatasets(cfg, subjects[:len(trainIDs)], subjects[len(trainIDs)])
	return trainDS, valDS, &FullVolume{Subject: subjects[len(trainIDs)]}, nil
}

// BuildDatasets samples cfg.SamplesTrain patches from the training subjects and cfg.SamplesVal
// patches from the validation subject, and creates their datasets.
//
// The sampling is seeded by cfg.Seed, so the same configuration always yields the same patches.
// Only the training dataset is shuffled. If cfg.Workers > 0 the batches are prepared in parallel,
// and the datasets must be stopped with StopDatasets.
func BuildDatasets(cfg *config.Config, trainSubjects []*Subject, valSubject *Subject) (trainDS, valDS train.Dataset) {
	seed := uint64(cfg.Seed)
	sampler := NewSampler(cfg.CropDim, rand.New(rand.NewPCG(seed, 1)))
	trainPatches := sampler.SampleN(trainSubjects, cfg.SamplesTrain)
	valPatches := sampler.SampleN([]*Subject{valSubject}, cfg.SamplesVal)
	dtype := InputsDType(cfg)

	trainDS = NewDataset("train", trainPatches, cfg.BatchSize, rand.New(rand.NewPCG(seed, 2)), dtype)
	valDS = NewDataset("val", valPatches, cfg.BatchSize, nil, dtype)
	if cfg.Workers > 0 {
		trainDS = data.CustomParallel(trainDS).Parallelism(cfg.Workers).Buffer(2 * cfg.Workers).Start()
		valDS = data.CustomParallel(valDS).Parallelism(cfg.Workers).Buffer(2 * cfg.Workers).Start()
	}
	return
}

// StopDatasets stops the goroutines of the datasets created in parallel by BuildDatasets.
// Other datasets are left untouched, and it is safe to call it more than once.
func StopDatasets(datasets ...train.Dataset) {
	for _, ds := range datasets {
		if parallelDS, ok := ds.(*data.ParallelDataset); ok {
			parallelDS.Done()
		}
	}
}
