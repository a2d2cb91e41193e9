// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/go-gota/gota/dataframe"
	"github.com/gomlx/brainseg/trainer"
	"github.com/pkg/errors"
)

// loadStats reads a stats file written by trainer.StatsFile.
func loadStats(filePath string) (dataframe.DataFrame, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return dataframe.DataFrame{}, errors.Wrapf(err, "reading stats")
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f)
	if df.Err != nil {
		return df, errors.Wrapf(df.Err, "parsing stats file %q", filePath)
	}
	if df.Nrow() > 0 {
		for _, col := range []string{"epoch", "loss", "score"} {
			if !hasColumn(df, col) {
				return df, errors.Errorf("stats file %q has no column %q", filePath, col)
			}
		}
	}
	return df, nil
}

func hasColumn(df dataframe.DataFrame, name string) bool {
	for _, n := range df.Names() {
		if n == name {
			return true
		}
	}
	return false
}

// BestEpoch returns the epoch with the lowest validation loss, the first one on ties, or -1 if there are no epochs.
func BestEpoch(val dataframe.DataFrame) int {
	if val.Nrow() == 0 {
		return -1
	}
	epochs, err := val.Col("epoch").Int()
	if err != nil {
		return -1
	}
	losses := val.Col("loss").Float()
	best := 0
	for ii, loss := range losses {
		if loss < losses[best] {
			best = ii
		}
	}
	return epochs[best]
}

// Stats lists the train and validation statistics of each epoch, the best epoch highlighted.
func Stats(w io.Writer, saveDir string) error {
	trainDF, err := loadStats(filepath.Join(saveDir, trainer.TrainStatsFileName))
	if err != nil {
		return err
	}
	valDF, err := loadStats(filepath.Join(saveDir, trainer.ValStatsFileName))
	if err != nil {
		return err
	}
	fmt.Fprintln(w, titleStyle.Render("Statistics"))
	if valDF.Nrow() == 0 {
		fmt.Fprintln(w, "No epochs recorded.")
		return nil
	}

	// Train statistics indexed by epoch, since a resumed run may have a different set of epochs.
	trainByEpoch := make(map[int][2]float64)
	if trainDF.Nrow() > 0 {
		trainEpochs, err := trainDF.Col("epoch").Int()
		if err != nil {
			return errors.Wrapf(err, "train epochs")
		}
		trainLoss, trainScore := trainDF.Col("loss").Float(), trainDF.Col("score").Float()
		for ii, epoch := range trainEpochs {
			trainByEpoch[epoch] = [2]float64{trainLoss[ii], trainScore[ii]}
		}
	}

	var diceColumns []string
	for _, name := range valDF.Names() {
		if strings.HasPrefix(name, "dice_") {
			diceColumns = append(diceColumns, name)
		}
	}
	table := newPlainTableWithReds(true, lipgloss.Right)
	headers := append([]string{"Epoch", "Train Loss", "Train Dice", "Val Loss", "Val Dice"}, diceColumns...)
	table.Table.Headers(headers...)

	bestEpoch := BestEpoch(valDF)
	valEpochs, err := valDF.Col("epoch").Int()
	if err != nil {
		return errors.Wrapf(err, "validation epochs")
	}
	valLoss, valScore := valDF.Col("loss").Float(), valDF.Col("score").Float()
	dice := make([][]float64, len(diceColumns))
	for ii, name := range diceColumns {
		dice[ii] = valDF.Col(name).Float()
	}
	for ii, epoch := range valEpochs {
		row := []string{fmt.Sprintf("%d", epoch), "-", "-", fmt.Sprintf("%.4f", valLoss[ii]), fmt.Sprintf("%.2f%%", valScore[ii])}
		if trainStats, found := trainByEpoch[epoch]; found {
			row[1], row[2] = fmt.Sprintf("%.4f", trainStats[0]), fmt.Sprintf("%.2f%%", trainStats[1])
		}
		for _, classDice := range dice {
			row = append(row, fmt.Sprintf("%.2f%%", classDice[ii]))
		}
		table.Row(epoch == bestEpoch, row...)
	}
	fmt.Fprintln(w, table.Table.Render())
	fmt.Fprintf(w, "Best epoch: %d\n", bestEpoch)
	return nil
}
