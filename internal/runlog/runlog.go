// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package runlog writes the metrics log directory of a training run: the scalars logged during
// training as JSON lines, a description of the run, and the loss and score curves rendered
// when the run is closed.
package runlog

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

const (
	// ScalarsFileName is the file within the run directory with one JSON encoded Point per line.
	ScalarsFileName = "scalars.jsonl"

	// RunFileName is the file within the run directory describing the run.
	RunFileName = "run.json"

	// LossPlotFileName and ScorePlotFileName are rendered by Writer.Close.
	LossPlotFileName  = "loss.png"
	ScorePlotFileName = "score.png"
)

// Point is one scalar logged during training.
type Point struct {
	// Tag of the scalar, e.g.: "train/loss". Tags are grouped in plots by their prefix up to the first "/".
	Tag string `json:"tag"`

	// Step is usually the epoch.
	Step int `json:"step"`

	Value    float64   `json:"value"`
	WallTime time.Time `json:"wall_time"`
}

// Run describes a training run, saved in RunFileName.
type Run struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Started time.Time `json:"started"`

	// Config is any JSON serializable description of the configuration of the run.
	Config any `json:"config,omitempty"`
}

// Score summarizes one split of one epoch.
type Score struct {
	Loss, Score float64
}

// Writer logs scalars of one training run. It is safe for concurrent use.
type Writer struct {
	dir string
	run Run

	mu     sync.Mutex
	f      *os.File
	enc    *json.Encoder
	points []Point
	closed bool
}

// New creates the run directory dir (if needed) and a Writer that appends to its scalars file.
// The run description, with a newly generated unique id, is written right away.
func New(dir string, config any) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating runs directory %q", dir)
	}
	w := &Writer{
		dir: dir,
		run: Run{
			ID:      uuid.NewString(),
			Name:    filepath.Base(dir),
			Started: time.Now(),
			Config:  config,
		},
	}
	runJSON, err := json.MarshalIndent(w.run, "", "  ")
	if err != nil {
		return nil, errors.Wrapf(err, "encoding run description")
	}
	if err = os.WriteFile(filepath.Join(dir, RunFileName), runJSON, 0o644); err != nil {
		return nil, errors.Wrapf(err, "writing run description to %q", dir)
	}
	scalarsPath := filepath.Join(dir, ScalarsFileName)
	w.f, err = os.OpenFile(scalarsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open scalars file %q for append", scalarsPath)
	}
	w.enc = json.NewEncoder(w.f)
	klog.V(1).Infof("run %s logging to %q", w.run.ID, dir)
	return w, nil
}

// Dir returns the run directory.
func (w *Writer) Dir() string { return w.dir }

// Run returns the description of the run.
func (w *Writer) Run() Run { return w.run }

// AddScalar logs value for tag at the given step.
func (w *Writer) AddScalar(tag string, step int, value float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.Errorf("runlog.Writer for %q already closed", w.dir)
	}
	point := Point{Tag: tag, Step: step, Value: value, WallTime: time.Now()}
	if err := w.enc.Encode(point); err != nil {
		return errors.Wrapf(err, "failed to encode point %v", point)
	}
	w.points = append(w.points, point)
	return nil
}

// WriteTrainValScore logs the loss and score of the train and validation splits of epoch.
func (w *Writer) WriteTrainValScore(epoch int, train, val Score) error {
	for _, p := range []struct {
		tag   string
		value float64
	}{
		{"loss/train", train.Loss},
		{"loss/val", val.Loss},
		{"score/train", train.Score},
		{"score/val", val.Score},
	} {
		if err := w.AddScalar(p.tag, epoch, p.value); err != nil {
			return err
		}
	}
	return nil
}

// Points returns a copy of the points logged so far.
func (w *Writer) Points() []Point {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.points)
}

// Close closes the scalars file and renders the loss and score curves.
// It's a no-op if already closed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.f.Close(); err != nil {
		return errors.Wrapf(err, "closing scalars file in %q", w.dir)
	}
	if err := renderPlot(filepath.Join(w.dir, LossPlotFileName), "Dice Loss", "loss", w.points); err != nil {
		return err
	}
	return renderPlot(filepath.Join(w.dir, ScorePlotFileName), "Dice Score", "score", w.points)
}

// LoadPoints parses all points saved in a scalars file.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read scalars file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding scalars file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// renderPlot draws one line per tag starting with group+"/". Nothing is written if there are no such points.
func renderPlot(filePath, title, group string, points []Point) error {
	prefix := group + "/"
	series := make(map[string]plotter.XYs)
	var tags []string
	for _, point := range points {
		if !strings.HasPrefix(point.Tag, prefix) {
			continue
		}
		name := strings.TrimPrefix(point.Tag, prefix)
		if _, found := series[name]; !found {
			tags = append(tags, name)
		}
		series[name] = append(series[name], plotter.XY{X: float64(point.Step), Y: point.Value})
	}
	if len(tags) == 0 {
		return nil
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = group
	p.Legend.Top = true
	var lines []any
	for _, name := range tags {
		lines = append(lines, name, series[name])
	}
	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return errors.Wrapf(err, "plotting %q", title)
	}
	if err := p.Save(8*vg.Inch, 5*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "saving plot to %q", filePath)
	}
	return nil
}
