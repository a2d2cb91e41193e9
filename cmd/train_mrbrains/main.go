// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// train_mrbrains trains a 3D segmentation model on the MRBrainS18 (or iSeg-2017) brain MRI volumes.
//
// It samples random patches from the training subjects, trains for -nEpochs epochs with the Dice
// loss, and after each epoch evaluates on the patches of the validation subject (-fold_id). The best
// models are saved under <save>/best, and periodically under <save>/epochs. The statistics of each
// epoch go to <save>/train.csv and <save>/val.csv, and to the metrics log directory <runs>/<run name>.
//
// Example:
//
//	go run ./cmd/train_mrbrains -data=~/datasets -model=VNET2 -opt=adam -lr=1e-3 -crop=64,64,32 -cuda=false
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gomlx/brainseg/config"
	"github.com/gomlx/brainseg/internal/runlog"
	"github.com/gomlx/brainseg/medloaders"
	"github.com/gomlx/brainseg/medzoo"
	"github.com/gomlx/brainseg/trainer"
	"github.com/gomlx/brainseg/visualize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

// backendEnvVar selects the GoMLX backend.
const backendEnvVar = "GOMLX_BACKEND"

func main() {
	klog.InitFlags(nil)
	cfg, err := config.Parse(flag.CommandLine, os.Args[1:], time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		flag.Usage()
		os.Exit(2)
	}
	err = exceptions.TryCatch[error](func() { must.M(run(cfg)) })
	if err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
}

// createContext returns a context with the default model hyperparameters, the -set settings, and
// the hyperparameters owned by cfg. It returns the list of parameters given with -set.
func createContext(cfg *config.Config) (ctx *context.Context, paramsSet []string, err error) {
	ctx = context.New()
	ctx.RngStateFromSeed(cfg.Seed)
	ctx.SetParams(medzoo.DefaultParams())
	paramsSet, err = commandline.ParseContextSettings(ctx, cfg.Settings)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "parsing -set=%q", cfg.Settings)
	}
	return ctx, paramsSet, nil
}

// run trains the model configured by cfg.
func run(cfg *config.Config) error {
	if !cfg.CUDA {
		if _, found := os.LookupEnv(backendEnvVar); !found {
			must.M(os.Setenv(backendEnvVar, "xla:cpu"))
		}
	}
	backend := backends.MustNew()
	fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())

	ctx, paramsSet, err := createContext(cfg)
	if err != nil {
		return err
	}
	trainDS, valDS, fullVolume, err := medloaders.GenerateDatasets(cfg)
	if err != nil {
		return err
	}
	defer medloaders.StopDatasets(trainDS, valDS)
	modelFn, optimizer, err := medzoo.CreateModel(ctx, cfg)
	if err != nil {
		return err
	}
	if klog.V(1).Enabled() {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	t := trainer.New(backend, ctx, cfg, modelFn, optimizer).ExcludeParams(paramsSet...)
	state, err := t.Resume(cfg.Resume)
	if err != nil {
		return err
	}

	trainStats, valStats, err := trainer.CreateStatsFiles(cfg.StatsDir(), cfg.DesiredClasses)
	if err != nil {
		return err
	}
	defer func() { _ = trainStats.Close() }()
	defer func() { _ = valStats.Close() }()
	writer, err := runlog.New(cfg.RunDir(), cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := writer.Close(); err != nil {
			klog.Errorf("Failed to close metrics log: %+v", err)
		}
	}()
	var predictor *visualize.Predictor
	if cfg.VisualizeEvery > 0 {
		predictor = visualize.NewPredictor(backend, ctx, modelFn, cfg.CropDim, medloaders.InputsDType(cfg))
	}

	fmt.Println("START TRAINING...")
	for epoch := state.StartEpoch(); epoch <= cfg.NumEpochs; epoch++ {
		trainScore, err := t.TrainDice(epoch, trainDS, trainStats, writer)
		if err != nil {
			return err
		}
		valScore, err := t.TestDice(epoch, valDS, valStats, writer)
		if err != nil {
			return err
		}
		if err = writer.WriteTrainValScore(epoch, trainScore.Summary(), valScore.Summary()); err != nil {
			return err
		}
		bestLoss, err := t.SaveModel(valScore, epoch)
		if err != nil {
			return err
		}
		klog.V(1).Infof("epoch %d: best validation loss %.4f", epoch, bestLoss)
		if predictor != nil && epoch%cfg.VisualizeEvery == 0 {
			if err = predictor.Visualize(cfg.RunDir(), epoch, fullVolume); err != nil {
				return err
			}
		}
	}
	fmt.Printf("Training finished: best validation loss %.4f, checkpoints in %q\n", t.BestLoss(), cfg.SaveDir)
	return nil
}
