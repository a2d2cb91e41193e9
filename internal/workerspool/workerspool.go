// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs tasks that may fail in goroutines, with a limit on how many run at the same time.
package workerspool

import (
	"sync"
)

// Pool runs tasks with at most MaxParallelism of them running at the same time.
// The first error returned by a task is kept and returned by Wait.
type Pool struct {
	// maxParallelism is the limit of tasks running. 0 runs tasks inline, and < 0 is unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int
	err        error
}

// New returns a new Pool with the given parallelism. If it is 0 tasks run inline, and if < 0 parallelism is unlimited.
func New(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// MaxParallelism returns the limit of tasks running at the same time.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	return w.maxParallelism >= 0 && w.numRunning >= w.maxParallelism
}

// WaitToStart waits until there is a worker available and runs task in a goroutine.
// If parallelism is disabled (0), it runs the task inline and returns when it's finished.
//
// Tasks are not started once one of them failed.
func (w *Pool) WaitToStart(task func() error) {
	if w.maxParallelism == 0 {
		w.mu.Lock()
		failed := w.err != nil
		w.mu.Unlock()
		if !failed {
			w.setError(task())
		}
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	if w.err != nil {
		return
	}
	w.numRunning++
	go func() {
		err := task()
		w.mu.Lock()
		if err != nil && w.err == nil {
			w.err = err
		}
		w.numRunning--
		w.cond.Broadcast()
		w.mu.Unlock()
	}()
}

func (w *Pool) setError(err error) {
	if err == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

// Wait for all started tasks to finish, and returns the first error returned by a task.
func (w *Pool) Wait() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.numRunning > 0 {
		w.cond.Wait()
	}
	return w.err
}
