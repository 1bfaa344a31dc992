// Copyright 2025 The Veriledger Authors
// This file is part of Veriledger.
//
// Veriledger is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Veriledger is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Veriledger. If not, see <http://www.gnu.org/licenses/>.

package auditor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ledgerwatch/log/v3"

	"github.com/veriledger/veriledger/ledger"
)

// CycleContext is the read-only view of one sync cycle handed to every
// registered task.
type CycleContext struct {
	Epoch      uint64
	Paused     bool
	Syncer     *Syncer
	Checkpoint *ledger.Checkpoint
	Deltas     []*ledger.Delta
	Reports    []*Report
}

// TaskResult is the structured outcome of one task run, the unit that gets
// attested and published.
type TaskResult struct {
	Task        string         `json:"task"`
	Version     string         `json:"version"`
	Epoch       uint64         `json:"epoch"`
	OK          bool           `json:"ok"`
	Detail      map[string]any `json:"detail,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Task is a pluggable verification job run once per sync cycle. Tasks are
// isolated from each other: one failing or panicking never stops the rest.
type Task interface {
	Name() string
	Version() string
	OnCycle(ctx context.Context, cc *CycleContext) (*TaskResult, error)
}

// Registry holds the verification tasks of an auditor.
type Registry struct {
	mu     sync.Mutex
	tasks  map[string]Task
	logger log.Logger
}

func NewRegistry(logger log.Logger) *Registry {
	return &Registry{tasks: map[string]Task{}, logger: logger}
}

// Register adds a task. Duplicate names are an error; replacing a running
// task silently would hide which version produced which attestation.
func (r *Registry) Register(t Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.Name()]; ok {
		return fmt.Errorf("task %q already registered", t.Name())
	}
	r.tasks[t.Name()] = t
	r.logger.Info("[registry] task registered", "task", t.Name(), "version", t.Version())
	return nil
}

// RunAll executes every task against the cycle context, in name order for
// deterministic attestation output. A task error or panic is converted into
// a failed result and the run continues.
func (r *Registry) RunAll(ctx context.Context, cc *CycleContext) []*TaskResult {
	r.mu.Lock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	tasks := make([]Task, 0, len(names))
	for _, name := range names {
		tasks = append(tasks, r.tasks[name])
	}
	r.mu.Unlock()

	results := make([]*TaskResult, 0, len(tasks))
	for _, t := range tasks {
		res := r.runOne(ctx, t, cc)
		results = append(results, res)
		if ctx.Err() != nil {
			break
		}
	}
	return results
}

func (r *Registry) runOne(ctx context.Context, t Task, cc *CycleContext) (res *TaskResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("[registry] task panicked", "task", t.Name(), "panic", rec)
			res = failedResult(t, cc.Epoch, fmt.Sprintf("panic: %v", rec))
		}
	}()

	res, err := t.OnCycle(ctx, cc)
	if err != nil {
		r.logger.Warn("[registry] task failed", "task", t.Name(), "err", err)
		return failedResult(t, cc.Epoch, err.Error())
	}
	if res == nil {
		return failedResult(t, cc.Epoch, "task returned no result")
	}
	return res
}

func failedResult(t Task, epoch uint64, detail string) *TaskResult {
	return &TaskResult{
		Task:        t.Name(),
		Version:     t.Version(),
		Epoch:       epoch,
		OK:          false,
		Detail:      map[string]any{"error": detail},
		CompletedAt: time.Now().UTC(),
	}
}
