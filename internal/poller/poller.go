// Package poller runs the periodic governance hooks: per-type throttle
// polls, the global poll, lock heartbeats and resource cleanup.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is one named periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
	// Immediate runs the task once before the first tick.
	Immediate bool
}

// Poller fans tasks out to one ticker goroutine each.
type Poller struct {
	tasks  []Task
	logger *zap.Logger
}

// New validates tasks and creates a Poller.
func New(logger *zap.Logger, tasks ...Task) (*Poller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	seen := make(map[string]struct{}, len(tasks))
	for _, task := range tasks {
		if task.Name == "" {
			return nil, fmt.Errorf("poll task name is required")
		}
		if _, dup := seen[task.Name]; dup {
			return nil, fmt.Errorf("duplicate poll task %q", task.Name)
		}
		seen[task.Name] = struct{}{}
		if task.Interval <= 0 {
			return nil, fmt.Errorf("poll task %q: interval must be positive", task.Name)
		}
		if task.Run == nil {
			return nil, fmt.Errorf("poll task %q: run func is required", task.Name)
		}
	}
	return &Poller{tasks: tasks, logger: logger.Named("poller")}, nil
}

// Run starts every task and blocks until the context finishes and all
// in-flight runs have returned.
func (p *Poller) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, task := range p.tasks {
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			p.loop(ctx, task)
		}(task)
	}
	<-ctx.Done()
	wg.Wait()
}

func (p *Poller) loop(ctx context.Context, task Task) {
	logger := p.logger.With(zap.String("task", task.Name))
	if task.Immediate {
		p.runOnce(ctx, task, logger)
	}
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runOnce(ctx, task, logger)
		}
	}
}

func (p *Poller) runOnce(ctx context.Context, task Task, logger *zap.Logger) {
	start := time.Now()
	if err := task.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Warn("poll task failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return
	}
	logger.Debug("poll task done", zap.Duration("elapsed", time.Since(start)))
}
