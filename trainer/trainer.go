// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer runs the epochs of a segmentation training: the train and test passes with
// their Dice statistics, and the checkpointing of the best and the periodic models.
package trainer

import (
	"fmt"
	"io"
	"strings"

	"github.com/gomlx/brainseg/config"
	"github.com/gomlx/brainseg/internal/runlog"
	"github.com/gomlx/brainseg/medzoo"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
)

// Trainer trains one model, keeping track of the statistics of each epoch and of the best
// validation loss.
type Trainer struct {
	// ProgressBar attaches a progress bar to the training loop. Verbose prints the summary of each epoch.
	// Both are true by default.
	ProgressBar, Verbose bool

	cfg     *config.Config
	backend backends.Backend
	ctx     *context.Context

	modelFn train.ModelFn
	lossFn  losses.LossFn

	trainer     *train.Trainer
	loop        *train.Loop
	barAttached bool

	// Indices of the train metrics in trainer.TrainMetrics().
	lossIdx, scoreIdx int
	classIdx          []int
	acc               accumulator

	evalExec *context.Exec

	// Checkpoints handlers are created on the first save.
	best, periodic *checkpoints.Handler
	bestLoss       float64
	excludedParams []string
}

// accumulator sums the per batch train metrics of one epoch.
type accumulator struct {
	count       int
	loss, score float64
	perClass    []float64
}

func (a *accumulator) reset(numClasses int) {
	*a = accumulator{perClass: make([]float64, numClasses)}
}

// New creates a Trainer for the model modelFn, trained with the Dice loss over the classes
// configured in cfg.
//
// It doesn't create any variable: those are created (or loaded, see Resume) on the first step.
func New(backend backends.Backend, ctx *context.Context, cfg *config.Config, modelFn train.ModelFn,
	optimizer optimizers.Interface) *Trainer {
	t := &Trainer{
		cfg:            cfg,
		backend:        backend,
		ctx:            ctx,
		modelFn:        modelFn,
		lossFn:         medzoo.DiceLoss(cfg.Classes, cfg.DesiredClasses),
		bestLoss:       InitialBestLoss,
		excludedParams: cfg.ParamKeys(),
		ProgressBar:    true,
		Verbose:        true,
	}

	lossMetric := medzoo.NewDiceLossMetric(cfg.Classes, cfg.DesiredClasses)
	scoreMetric := medzoo.NewDiceMetric(cfg.DesiredClasses, false)
	trainMetrics := []metrics.Interface{lossMetric, scoreMetric}
	evalMetrics := []metrics.Interface{
		medzoo.NewMeanDiceLossMetric(cfg.Classes, cfg.DesiredClasses),
		medzoo.NewDiceMetric(cfg.DesiredClasses, true),
	}
	classMetrics := make([]metrics.Interface, cfg.DesiredClasses)
	for c := range cfg.DesiredClasses {
		classMetrics[c] = medzoo.NewClassDiceMetric(c, false)
		trainMetrics = append(trainMetrics, classMetrics[c])
		evalMetrics = append(evalMetrics, medzoo.NewClassDiceMetric(c, true))
	}
	t.trainer = train.NewTrainer(backend, ctx, modelFn, t.lossFn, optimizer, trainMetrics, evalMetrics)

	// The trainer prepends its own metrics (batch loss, moving average loss): find ours.
	t.lossIdx, t.scoreIdx = -1, -1
	t.classIdx = make([]int, cfg.DesiredClasses)
	for ii, metric := range t.trainer.TrainMetrics() {
		switch metric {
		case lossMetric:
			t.lossIdx = ii
		case scoreMetric:
			t.scoreIdx = ii
		default:
			for c, classMetric := range classMetrics {
				if metric == classMetric {
					t.classIdx[c] = ii
				}
			}
		}
	}
	if t.lossIdx < 0 || t.scoreIdx < 0 {
		exceptions.Panicf("trainer: Dice metrics not found in the train metrics")
	}

	t.loop = train.NewLoop(t.trainer)
	t.loop.OnStep("dice statistics", 0, t.onStep)
	return t
}

// InitialBestLoss is the best validation loss before any epoch: the Dice loss is at most 1.
const InitialBestLoss = 1.0

// Context used by the trainer.
func (t *Trainer) Context() *context.Context { return t.ctx }

// ModelFn returns the model trained.
func (t *Trainer) ModelFn() train.ModelFn { return t.modelFn }

// BestLoss returns the best validation loss so far.
func (t *Trainer) BestLoss() float64 { return t.bestLoss }

// ExcludeParams adds hyperparameters that are not loaded from checkpoints on Resume, e.g. the ones
// set with the -set flag. The ones owned by config.Config are always excluded.
func (t *Trainer) ExcludeParams(keys ...string) *Trainer {
	t.excludedParams = append(t.excludedParams, keys...)
	return t
}

// GlobalStep returns the number of training steps so far, including the ones loaded from a checkpoint.
func (t *Trainer) GlobalStep() int64 {
	return optimizers.GetGlobalStep(t.ctx)
}

func (t *Trainer) onStep(_ *train.Loop, metricsValues []*tensors.Tensor) error {
	t.acc.count++
	t.acc.loss += float64(tensors.ToScalar[float32](metricsValues[t.lossIdx]))
	t.acc.score += float64(tensors.ToScalar[float32](metricsValues[t.scoreIdx]))
	for c, ii := range t.classIdx {
		t.acc.perClass[c] += float64(tensors.ToScalar[float32](metricsValues[ii]))
	}
	return nil
}

// TrainDice trains the model for one pass over ds, and returns the Dice statistics of the epoch:
// the mean over the batches of the loss and of the Dice coefficients.
//
// The statistics are appended to statsFile and logged to writer, if they are not nil.
func (t *Trainer) TrainDice(epoch int, ds train.Dataset, statsFile *StatsFile, writer *runlog.Writer) (EpochStats, error) {
	if t.ProgressBar && !t.barAttached {
		commandline.AttachProgressBar(t.loop)
		t.barAttached = true
	}
	t.acc.reset(t.cfg.DesiredClasses)
	if _, err := t.loop.RunEpochs(ds, 1); err != nil {
		return EpochStats{}, errors.WithMessagef(err, "training epoch %d", epoch)
	}
	if t.acc.count == 0 {
		return EpochStats{}, errors.Errorf("training epoch %d: dataset %q yielded no batches", epoch, ds.Name())
	}
	n := float64(t.acc.count)
	stats := EpochStats{
		Epoch:    epoch,
		Loss:     t.acc.loss / n,
		Score:    t.acc.score / n,
		PerClass: make([]float64, t.cfg.DesiredClasses),
	}
	for c, sum := range t.acc.perClass {
		stats.PerClass[c] = sum / n
	}
	if err := t.record("train", stats, statsFile, writer); err != nil {
		return stats, err
	}
	return stats, nil
}

// TestDice evaluates the model over ds, and returns the Dice statistics of the pass: the loss and
// Dice coefficients of each batch, averaged weighted by the batch sizes.
//
// The model runs in inference mode. The statistics are appended to statsFile and logged to writer,
// if they are not nil.
func (t *Trainer) TestDice(epoch int, ds train.Dataset, statsFile *StatsFile, writer *runlog.Writer) (EpochStats, error) {
	if t.evalExec == nil {
		t.evalExec = context.NewExec(t.backend, t.ctx.Reuse(), t.evalGraph)
	}
	defer ds.Reset()

	var (
		count    int
		loss     float64
		perClass = make([]float64, t.cfg.DesiredClasses)
	)
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return EpochStats{}, errors.WithMessagef(err, "evaluating epoch %d on %q", epoch, ds.Name())
		}
		var outputs []*tensors.Tensor
		err = exceptions.TryCatch[error](func() { outputs = t.evalExec.Call(inputs[0], labels[0]) })
		if err != nil {
			return EpochStats{}, errors.WithMessagef(err, "evaluating epoch %d on %q", epoch, ds.Name())
		}
		batchSize := inputs[0].Shape().Dimensions[0]
		count += batchSize
		loss += float64(batchSize) * float64(tensors.ToScalar[float32](outputs[0]))
		dice := tensors.CopyFlatData[float32](outputs[1])
		for c := range perClass {
			perClass[c] += float64(batchSize) * 100 * float64(dice[c])
		}
	}
	if count == 0 {
		return EpochStats{}, errors.Errorf("evaluating epoch %d: dataset %q yielded no batches", epoch, ds.Name())
	}
	stats := EpochStats{Epoch: epoch, Loss: loss / float64(count), PerClass: perClass}
	for c := range perClass {
		perClass[c] /= float64(count)
		stats.Score += perClass[c]
	}
	stats.Score /= float64(len(perClass))
	if err := t.record("val", stats, statsFile, writer); err != nil {
		return stats, err
	}
	return stats, nil
}

// evalGraph returns the Dice loss and the Dice coefficients of each desired class.
func (t *Trainer) evalGraph(ctx *context.Context, inputs []*Node) []*Node {
	images, labels := inputs[0], inputs[1]
	logits := t.modelFn(ctx, nil, []*Node{images})[0]
	loss := t.lossFn([]*Node{labels}, []*Node{logits})
	dice := SliceAxis(medzoo.DiceCoefficients(labels, logits), 0, AxisRange(0, t.cfg.DesiredClasses))
	return []*Node{loss, dice}
}

// record prints the summary of the epoch and saves it to statsFile and writer.
func (t *Trainer) record(split string, stats EpochStats, statsFile *StatsFile, writer *runlog.Writer) error {
	if t.Verbose {
		var parts []string
		for c, dice := range stats.PerClass {
			parts = append(parts, fmt.Sprintf("%d:%.2f", c, dice))
		}
		fmt.Printf("\nSummary %s Epoch %d:  Loss:%.4f \t DSC:%.4f  \t[%s]\n",
			split, stats.Epoch, stats.Loss, stats.Score, strings.Join(parts, " "))
	}
	if statsFile != nil {
		if err := statsFile.Write(stats); err != nil {
			return err
		}
	}
	if writer != nil {
		if err := writer.AddScalar(split+"/loss", stats.Epoch, stats.Loss); err != nil {
			return err
		}
		if err := writer.AddScalar(split+"/dice", stats.Epoch, stats.Score); err != nil {
			return err
		}
		for c, dice := range stats.PerClass {
			if err := writer.AddScalar(fmt.Sprintf("%s/dice_%d", split, c), stats.Epoch, dice); err != nil {
				return err
			}
		}
	}
	return nil
}
