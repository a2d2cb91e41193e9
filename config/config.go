// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the training configuration for the brain segmentation trainer.
//
// A Config is created once from the command line with Parse and then only read: every other stage
// (dataset generation, model factory, training loop, checkpointing) receives a *Config and none of
// them modify it.
package config

import (
	"flag"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/pkg/errors"
)

var (
	// ValidModels is the list of model architectures supported by the model factory.
	ValidModels = []string{"VNET", "VNET2", "UNET3D", "DENSENET1", "DENSENET2", "DENSENET3", "HYPERDENSENET"}

	// ValidOptimizers is the list of optimizers accepted by -opt.
	ValidOptimizers = []string{"sgd", "adam", "rmsprop"}

	// ValidDatasets is the list of datasets known to the dataset generator.
	ValidDatasets = []string{"mrbrains", "iseg2017"}

	// ValidDTypes for the input volumes yielded by the datasets.
	ValidDTypes = []string{"float32", "float16"}
)

// CropMultiple is the value every crop dimension must be a multiple of: the deepest models
// halve the spatial dimensions four times.
const CropMultiple = 16

// Config is the immutable configuration of one training run.
type Config struct {
	BatchSize      int
	DatasetName    string
	Classes        int
	DesiredClasses int
	NumEpochs      int
	InChannels     int
	InModalities   int
	Resume         string
	FoldID         string
	LearningRate   float64
	CUDA           bool
	Model          string
	Optimizer      string

	// DataDir is where the datasets are read from.
	DataDir string

	// SaveDir is the directory for checkpoints and stats files of this run.
	SaveDir string

	// RunsDir is the base directory of the metrics logs, and RunName the subdirectory of this run.
	RunsDir, RunName string

	// CropDim is the size (x, y, z) of the patches sampled from the volumes.
	CropDim [3]int

	SamplesTrain, SamplesVal int
	Seed                     int64

	// SaveEvery saves a periodic checkpoint every that many epochs, when the epoch is not a new best.
	SaveEvery      int
	NumCheckpoints int

	// VisualizeEvery runs the full-volume prediction every that many epochs. 0 disables it.
	VisualizeEvery int

	DType   string
	Workers int

	// Settings holds the value of the -set flag: extra model hyperparameters, see ui/commandline.
	Settings string
}

// Flags holds the flag values registered by RegisterFlags, before they are converted to a Config.
type Flags struct {
	batchSize      *int
	datasetName    *string
	classes        *int
	desiredClasses *int
	numEpochs      *int
	inChannels     *int
	inModalities   *int
	resume         *string
	foldID         *string
	learningRate   *float64
	cuda           *bool
	model          *string
	optimizer      *string
	dataDir        *string
	saveRoot       *string
	runsDir        *string
	crop           *string
	samplesTrain   *int
	samplesVal     *int
	seed           *int64
	saveEvery      *int
	numCheckpoints *int
	visualizeEvery *int
	dtype          *string
	workers        *int
	settings       *string
}

// RegisterFlags registers the trainer flags in fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	return &Flags{
		batchSize:      fs.Int("batchSz", 4, "Batch size."),
		datasetName:    fs.String("dataset_name", "mrbrains", fmt.Sprintf("Dataset name, one of %q.", ValidDatasets)),
		classes:        fs.Int("classes", 11, "Number of label classes in the dataset."),
		desiredClasses: fs.Int("desired_classes", 9, "Number of classes (the first ones) that are scored by the Dice loss."),
		numEpochs:      fs.Int("nEpochs", 250, "Number of epochs to train."),
		inChannels:     fs.Int("inChannels", 3, "Number of input channels of the model."),
		inModalities:   fs.Int("inModalities", 3, "Number of MRI modalities loaded per subject."),
		resume:         fs.String("resume", "", "Path to latest checkpoint directory (default: none)."),
		foldID:         fs.String("fold_id", "1", "Select subject for fold validation."),
		learningRate:   fs.Float64("lr", 1e-3, "Learning rate."),
		cuda:           fs.Bool("cuda", true, "Use the GPU if available. If false the CPU backend is used."),
		model:          fs.String("model", "UNET3D", fmt.Sprintf("Model architecture, one of %q.", ValidModels)),
		optimizer:      fs.String("opt", "sgd", fmt.Sprintf("Optimizer, one of %q.", ValidOptimizers)),
		dataDir:        fs.String("data", "../datasets", "Directory holding the datasets."),
		saveRoot:       fs.String("save_root", "../saved_models", "Base directory for the saved models."),
		runsDir:        fs.String("runs", "../runs", "Base directory for the metrics logs."),
		crop:           fs.String("crop", "128,128,32", "Patch size x,y,z sampled from the volumes."),
		samplesTrain:   fs.Int("samples_train", 30, "Number of training patches sampled per epoch."),
		samplesVal:     fs.Int("samples_val", 30, "Number of validation patches."),
		seed:           fs.Int64("seed", 1777777, "Random seed for the model initialization and the patch sampler."),
		saveEvery:      fs.Int("save_every", 5, "Save a checkpoint every that many epochs, besides the best ones."),
		numCheckpoints: fs.Int("num_checkpoints", 3, "Number of checkpoints to keep in each checkpoint directory."),
		visualizeEvery: fs.Int("visualize_every", 0, "Predict the full validation volume every that many epochs (0 disables)."),
		dtype:          fs.String("dtype", "float32", fmt.Sprintf("DType of the input volumes, one of %q.", ValidDTypes)),
		workers:        fs.Int("workers", 0, "Number of goroutines preparing batches. 0 reads batches synchronously."),
		settings:       fs.String("set", "", "Model hyperparameters settings, in the format \"param1=value1;param2=value2\"."),
	}
}

// Config converts the parsed flags into a validated Config. The time now is used to name the
// save directory and the run.
func (f *Flags) Config(now time.Time) (*Config, error) {
	crop, err := ParseCrop(*f.crop)
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		BatchSize:      *f.batchSize,
		DatasetName:    *f.datasetName,
		Classes:        *f.classes,
		DesiredClasses: *f.desiredClasses,
		NumEpochs:      *f.numEpochs,
		InChannels:     *f.inChannels,
		InModalities:   *f.inModalities,
		Resume:         *f.resume,
		FoldID:         *f.foldID,
		LearningRate:   *f.learningRate,
		CUDA:           *f.cuda,
		Model:          *f.model,
		Optimizer:      *f.optimizer,
		DataDir:        *f.dataDir,
		RunsDir:        *f.runsDir,
		CropDim:        crop,
		SamplesTrain:   *f.samplesTrain,
		SamplesVal:     *f.samplesVal,
		Seed:           *f.seed,
		SaveEvery:      *f.saveEvery,
		NumCheckpoints: *f.numCheckpoints,
		VisualizeEvery: *f.visualizeEvery,
		DType:          *f.dtype,
		Workers:        *f.workers,
		Settings:       *f.settings,
	}
	stamp := DateStr(now)
	cfg.SaveDir = filepath.Join(*f.saveRoot, cfg.Model+"_checkpoints",
		fmt.Sprintf("%s_%s_%s_", cfg.Model, stamp, cfg.DatasetName))
	cfg.RunName = fmt.Sprintf("%s_%s_%s", cfg.Model, cfg.DatasetName, stamp)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse registers the flags in fs, parses args and returns the resulting Config.
func Parse(fs *flag.FlagSet, args []string, now time.Time) (*Config, error) {
	f := RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f.Config(now)
}

// DateStr formats t as day_month___hour_minute, used to name save directories and runs.
func DateStr(t time.Time) string {
	return fmt.Sprintf("%02d_%02d___%02d_%02d", t.Day(), int(t.Month()), t.Hour(), t.Minute())
}

// ParseCrop parses a "x,y,z" patch size.
func ParseCrop(s string) (crop [3]int, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return crop, errors.Errorf("crop %q must have 3 comma separated dimensions", s)
	}
	for ii, part := range parts {
		crop[ii], err = strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return crop, errors.Wrapf(err, "invalid crop dimension %q in %q", part, s)
		}
	}
	return crop, nil
}

// Validate checks the values of the configuration.
func (c *Config) Validate() error {
	if slices.Index(ValidModels, c.Model) == -1 {
		return errors.Errorf("-model must take one value from %v, got %q", ValidModels, c.Model)
	}
	if slices.Index(ValidOptimizers, c.Optimizer) == -1 {
		return errors.Errorf("-opt must take one value from %v, got %q", ValidOptimizers, c.Optimizer)
	}
	if slices.Index(ValidDatasets, c.DatasetName) == -1 {
		return errors.Errorf("-dataset_name must take one value from %v, got %q", ValidDatasets, c.DatasetName)
	}
	if slices.Index(ValidDTypes, c.DType) == -1 {
		return errors.Errorf("-dtype must take one value from %v, got %q", ValidDTypes, c.DType)
	}
	positives := []struct {
		name  string
		value int
	}{
		{"batchSz", c.BatchSize}, {"classes", c.Classes}, {"desired_classes", c.DesiredClasses},
		{"nEpochs", c.NumEpochs}, {"inChannels", c.InChannels}, {"inModalities", c.InModalities},
		{"samples_train", c.SamplesTrain}, {"samples_val", c.SamplesVal}, {"save_every", c.SaveEvery},
	}
	for _, p := range positives {
		if p.value <= 0 {
			return errors.Errorf("-%s must be > 0, got %d", p.name, p.value)
		}
	}
	if c.DesiredClasses > c.Classes {
		return errors.Errorf("-desired_classes (%d) must be <= -classes (%d)", c.DesiredClasses, c.Classes)
	}
	if c.InChannels != c.InModalities {
		return errors.Errorf("-inChannels (%d) must match -inModalities (%d): each modality is one input channel",
			c.InChannels, c.InModalities)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("-lr must be > 0, got %g", c.LearningRate)
	}
	for ii, dim := range c.CropDim {
		if dim <= 0 || dim%CropMultiple != 0 {
			return errors.Errorf("crop dimension #%d must be a positive multiple of %d, got %d", ii, CropMultiple, dim)
		}
	}
	if c.FoldID == "" {
		return errors.New("-fold_id cannot be empty")
	}
	if c.NumCheckpoints == 0 {
		return errors.New("-num_checkpoints cannot be 0, use -1 to keep all checkpoints")
	}
	if c.VisualizeEvery < 0 || c.Workers < 0 {
		return errors.New("-visualize_every and -workers cannot be negative")
	}
	return nil
}

// ContextParams returns the hyperparameters derived from the configuration, in the format
// of context.Context.SetParams.
func (c *Config) ContextParams() map[string]any {
	return map[string]any{
		"model":                      c.Model,
		"batch_size":                 c.BatchSize,
		"classes":                    c.Classes,
		"desired_classes":            c.DesiredClasses,
		"in_channels":                c.InChannels,
		"num_checkpoints":            c.NumCheckpoints,
		optimizers.ParamOptimizer:    c.Optimizer,
		optimizers.ParamLearningRate: c.LearningRate,
	}
}

// ParamKeys returns the keys of ContextParams: those are owned by the command line and are never
// loaded back from a checkpoint.
func (c *Config) ParamKeys() []string {
	keys := make([]string, 0, 8)
	for key := range c.ContextParams() {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// StatsDir is where the train/val stats files are created.
func (c *Config) StatsDir() string { return c.SaveDir }

// RunDir is the metrics log directory of the run.
func (c *Config) RunDir() string { return filepath.Join(c.RunsDir, c.RunName) }
