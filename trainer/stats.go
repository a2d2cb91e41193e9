// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gomlx/brainseg/internal/runlog"
	"github.com/pkg/errors"
)

const (
	// TrainStatsFileName and ValStatsFileName are the per epoch statistics files created in the save directory.
	TrainStatsFileName = "train.csv"
	ValStatsFileName   = "val.csv"
)

// EpochStats are the statistics of one pass over a dataset.
type EpochStats struct {
	Epoch int

	// Loss is the Dice loss.
	Loss float64

	// Score is the mean Dice coefficient of the desired classes, in percent.
	Score float64

	// PerClass holds the Dice coefficient of each desired class, in percent.
	PerClass []float64
}

// Summary returns the loss and score logged by the metrics log.
func (s EpochStats) Summary() runlog.Score {
	return runlog.Score{Loss: s.Loss, Score: s.Score}
}

// StatsFile is a CSV file with one row of EpochStats per epoch.
type StatsFile struct {
	path       string
	f          *os.File
	w          *csv.Writer
	numClasses int
}

// StatsHeader returns the header of a stats file for numClasses classes.
func StatsHeader(numClasses int) []string {
	header := []string{"epoch", "loss", "score"}
	for c := range numClasses {
		header = append(header, fmt.Sprintf("dice_%d", c))
	}
	return header
}

// NewStatsFile creates (or truncates) the stats file at path and writes its header.
func NewStatsFile(path string, numClasses int) (*StatsFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "creating stats file")
	}
	s := &StatsFile{path: path, f: f, w: csv.NewWriter(f), numClasses: numClasses}
	if err = s.writeRecord(StatsHeader(numClasses)); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

// CreateStatsFiles creates dir if needed, and the train and validation stats files in it.
func CreateStatsFiles(dir string, numClasses int) (train, val *StatsFile, err error) {
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, errors.Wrapf(err, "creating stats directory %q", dir)
	}
	train, err = NewStatsFile(filepath.Join(dir, TrainStatsFileName), numClasses)
	if err != nil {
		return nil, nil, err
	}
	val, err = NewStatsFile(filepath.Join(dir, ValStatsFileName), numClasses)
	if err != nil {
		_ = train.Close()
		return nil, nil, err
	}
	return train, val, nil
}

// Path of the stats file.
func (s *StatsFile) Path() string { return s.path }

// Write appends one row and flushes it to the file.
func (s *StatsFile) Write(stats EpochStats) error {
	if len(stats.PerClass) != s.numClasses {
		return errors.Errorf("stats file %q: got dice for %d classes, expected %d", s.path, len(stats.PerClass), s.numClasses)
	}
	record := make([]string, 0, 3+s.numClasses)
	record = append(record, strconv.Itoa(stats.Epoch), formatFloat(stats.Loss), formatFloat(stats.Score))
	for _, dice := range stats.PerClass {
		record = append(record, formatFloat(dice))
	}
	return s.writeRecord(record)
}

func (s *StatsFile) writeRecord(record []string) error {
	if err := s.w.Write(record); err != nil {
		return errors.Wrapf(err, "writing to stats file %q", s.path)
	}
	s.w.Flush()
	return errors.Wrapf(s.w.Error(), "flushing stats file %q", s.path)
}

// Close flushes and closes the file.
func (s *StatsFile) Close() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		_ = s.f.Close()
		return errors.Wrapf(err, "flushing stats file %q", s.path)
	}
	return errors.Wrapf(s.f.Close(), "closing stats file %q", s.path)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
