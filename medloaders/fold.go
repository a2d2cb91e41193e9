// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package medloaders

import (
	"strconv"

	"github.com/pkg/errors"
)

// sameSubject compares subject ids, numerically if both are numbers, so "70" matches "070".
func sameSubject(a, b string) bool {
	if a == b {
		return true
	}
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	return errA == nil && errB == nil && na == nb
}

// SplitFold returns the training subjects and the validation subject for foldID: the subject
// named by foldID is held out, all others are used for training.
func SplitFold(subjects []string, foldID string) (train []string, validation string, err error) {
	found := false
	for _, subject := range subjects {
		if !found && sameSubject(subject, foldID) {
			validation = subject
			found = true
			continue
		}
		train = append(train, subject)
	}
	if !found {
		return nil, "", errors.Errorf("fold_id %q is not one of the subjects %q", foldID, subjects)
	}
	if len(train) == 0 {
		return nil, "", errors.Errorf("fold_id %q leaves no subjects for training", foldID)
	}
	return train, validation, nil
}
