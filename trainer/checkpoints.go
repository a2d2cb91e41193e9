// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// BestDirName is the subdirectory of the save directory with the checkpoints of the best models.
	BestDirName = "best"

	// EpochsDirName is the subdirectory of the save directory with the periodic checkpoints.
	EpochsDirName = "epochs"

	// StateScope is the absolute scope of the variables holding the training state saved along the model.
	StateScope = "/training_state"

	// EpochVarName holds the last epoch completed, an int64.
	EpochVarName = "epoch"

	// BestLossVarName holds the best validation loss so far, a float64.
	BestLossVarName = "best_loss"
)

// ResumeState is the state recovered by Trainer.Resume.
type ResumeState struct {
	// Loaded is true if a checkpoint was found and loaded.
	Loaded bool

	// Epoch is the last completed epoch, 0 when starting from scratch.
	Epoch int

	// BestLoss is the best validation loss so far, InitialBestLoss when starting from scratch.
	BestLoss float64
}

// StartEpoch is the first epoch to train.
func (s ResumeState) StartEpoch() int { return s.Epoch + 1 }

func stateVar(ctx *context.Context, name string, initialValue any) *context.Variable {
	return ctx.InAbsPath(StateScope).Checked(false).VariableWithValue(name, initialValue).SetTrainable(false)
}

func epochVar(ctx *context.Context) *context.Variable {
	return stateVar(ctx, EpochVarName, int64(0))
}

func bestLossVar(ctx *context.Context) *context.Variable {
	return stateVar(ctx, BestLossVarName, float64(InitialBestLoss))
}

// ReadState returns the last completed epoch and the best validation loss saved in ctx.
// They are 0 and InitialBestLoss if ctx doesn't hold a training state.
func ReadState(ctx *context.Context) (epoch int, bestLoss float64) {
	epoch = int(epochVar(ctx).Value().Value().(int64))
	bestLoss = bestLossVar(ctx).Value().Value().(float64)
	return
}

// Resume loads the model, the optimizer state, the epoch and the best validation loss from the
// checkpoints in the directory path.
//
// If path is a save directory, holding a BestDirName subdirectory, the best checkpoint is loaded.
// If path is empty, doesn't exist or holds no checkpoint, it reports it and the training starts
// from scratch: that is not an error. The hyperparameters owned by the configuration, and the
// ones given to ExcludeParams, are not loaded.
//
// It must be called before the first training step.
func (t *Trainer) Resume(path string) (ResumeState, error) {
	state := ResumeState{BestLoss: InitialBestLoss}
	if path == "" {
		return state, nil
	}
	path = data.ReplaceTildeInDir(path)
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		fmt.Printf("=> no checkpoint found at '%s'\n", path)
		return state, nil
	}
	if info, err := os.Stat(filepath.Join(path, BestDirName)); err == nil && info.IsDir() {
		path = filepath.Join(path, BestDirName)
	}
	entries, err := os.ReadDir(path)
	if err != nil || len(entries) == 0 {
		fmt.Printf("=> no checkpoint found at '%s'\n", path)
		return state, nil
	}

	fmt.Printf("=> loading checkpoint '%s'\n", path)
	handler, err := checkpoints.Build(t.ctx).Dir(path).ExcludeParams(t.excludedParams...).Done()
	if err != nil {
		return state, errors.WithMessagef(err, "loading checkpoint %q", path)
	}
	found, err := handler.HasCheckpoints()
	if err != nil {
		return state, errors.WithMessagef(err, "listing checkpoints in %q", path)
	}
	if !found {
		fmt.Printf("=> no checkpoint found at '%s'\n", path)
		return state, nil
	}

	state.Loaded = true
	state.Epoch, state.BestLoss = ReadState(t.ctx)
	t.bestLoss = state.BestLoss
	if t.GlobalStep() > 0 {
		// Model variables are loaded: it's an error to create new ones.
		t.trainer.SetContext(t.ctx.Reuse())
	}
	fmt.Printf("=> loaded checkpoint '%s' (epoch %d)\n", path, state.Epoch)
	klog.V(1).Infof("resumed at global step %d, best validation loss %.4f", t.GlobalStep(), state.BestLoss)
	return state, nil
}

// SaveModel saves the model after epoch, given its validation statistics.
//
// If the validation loss improves on the best so far, the best loss is updated and the model is
// saved under <save>/best. Otherwise, every config.Config.SaveEvery epochs, it's saved under
// <save>/epochs. Each directory keeps the last config.Config.NumCheckpoints checkpoints.
//
// It returns the best validation loss so far.
func (t *Trainer) SaveModel(val EpochStats, epoch int) (bestLoss float64, err error) {
	var handler *checkpoints.Handler
	switch {
	case val.Loss < t.bestLoss:
		t.bestLoss = val.Loss
		handler, err = t.checkpointHandler(&t.best, BestDirName)
	case t.cfg.SaveEvery > 0 && epoch%t.cfg.SaveEvery == 0:
		handler, err = t.checkpointHandler(&t.periodic, EpochsDirName)
	default:
		return t.bestLoss, nil
	}
	if err != nil {
		return t.bestLoss, err
	}
	epochVar(t.ctx).SetValue(tensors.FromScalar(int64(epoch)))
	bestLossVar(t.ctx).SetValue(tensors.FromScalar(t.bestLoss))
	if err = handler.Save(); err != nil {
		return t.bestLoss, errors.WithMessagef(err, "saving checkpoint of epoch %d to %q", epoch, handler.Dir())
	}
	klog.V(1).Infof("epoch %d: saved checkpoint to %q (best validation loss %.4f)", epoch, handler.Dir(), t.bestLoss)
	return t.bestLoss, nil
}

// checkpointHandler returns *handler, creating it in the subdirectory name of the save directory if needed.
func (t *Trainer) checkpointHandler(handler **checkpoints.Handler, name string) (*checkpoints.Handler, error) {
	if *handler != nil {
		return *handler, nil
	}
	dir := filepath.Join(t.cfg.SaveDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating checkpoints directory %q", dir)
	}
	h, err := checkpoints.Build(t.ctx).Dir(dir).Keep(t.cfg.NumCheckpoints).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "creating checkpoints handler for %q", dir)
	}
	*handler = h
	return h, nil
}
