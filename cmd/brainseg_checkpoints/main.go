// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// brainseg_checkpoints reports on the save directory of a train_mrbrains run: a summary of its
// checkpoint, the hyperparameters and the per epoch statistics.
//
// Usage:
//
//	brainseg_checkpoints [-checkpoint=best|epochs] [-summary] [-params] [-stats] <save directory>
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/brainseg/trainer"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagCheckpoint = flag.String("checkpoint", trainer.BestDirName,
		fmt.Sprintf("Subdirectory of the save directory with the checkpoint to inspect: %q or %q.",
			trainer.BestDirName, trainer.EpochsDirName))
	flagScope = flag.String("scope", "/model", "The scope of the variables counted in the summary.")

	flagSummary = flag.Bool("summary", true, "Display a summary of the checkpoint: epoch, best loss and model sizes.")
	flagParams  = flag.Bool("params", false, "Lists the hyperparameters.")
	flagStats   = flag.Bool("stats", true, fmt.Sprintf("Lists the per epoch statistics in %q and %q.",
		trainer.TrainStatsFileName, trainer.ValStatsFileName))
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected one save directory to read from, got %d arguments. See 'brainseg_checkpoints -help'", len(args))
		os.Exit(1)
	}
	must.M(report(os.Stdout, args[0]))
}

// report writes the selected reports about saveDir to w.
func report(w io.Writer, saveDir string) error {
	if *flagSummary || *flagParams {
		checkpointDir := filepath.Join(saveDir, *flagCheckpoint)
		ctx, err := loadCheckpoint(checkpointDir)
		if err != nil {
			return err
		}
		if *flagSummary {
			Summary(w, ctx, ctx.InAbsPath(*flagScope), checkpointDir)
		}
		if *flagParams {
			Params(w, ctx)
		}
	}
	if *flagStats {
		if err := Stats(w, saveDir); err != nil {
			return err
		}
	}
	return nil
}

// loadCheckpoint loads all variables of the latest checkpoint in dir into a new context.
func loadCheckpoint(dir string) (*context.Context, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, errors.Wrapf(err, "checkpoint directory")
	}
	ctx := context.New()
	handler, err := checkpoints.Build(ctx).Dir(dir).Immediate().Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "loading checkpoint from %q", dir)
	}
	found, err := handler.HasCheckpoints()
	if err != nil {
		return nil, errors.WithMessagef(err, "listing checkpoints in %q", dir)
	}
	if !found {
		return nil, errors.Errorf("no checkpoints found in %q", dir)
	}
	return ctx, nil
}
