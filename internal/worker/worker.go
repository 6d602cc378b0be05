// Package worker runs periodic background tasks.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrInvalidLoopConfig reports a loop that cannot run.
var ErrInvalidLoopConfig = errors.New("invalid worker loop config")

// Task is one unit of periodic work.
type Task func(ctx context.Context) error

// Loop invokes a Task on a fixed interval until its context ends.
type Loop struct {
	name     string
	interval time.Duration
	task     Task
	logger   *zap.Logger
}

// NewLoop validates the loop settings.
func NewLoop(name string, interval time.Duration, task Task, logger *zap.Logger) (*Loop, error) {
	if interval <= 0 {
		return nil, errors.Join(ErrInvalidLoopConfig, errors.New("interval must be positive"))
	}
	if task == nil {
		return nil, errors.Join(ErrInvalidLoopConfig, errors.New("task is nil"))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{name: name, interval: interval, task: task, logger: logger}, nil
}

// Run blocks until ctx is cancelled. Task failures are logged and do not stop the loop.
func (loop *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(loop.interval)
	defer ticker.Stop()
	loop.logger.Info("worker started", zap.String("worker", loop.name), zap.Duration("interval", loop.interval))
	for {
		select {
		case <-ctx.Done():
			loop.logger.Info("worker stopping", zap.String("worker", loop.name))
			return nil
		case <-ticker.C:
			if err := loop.task(ctx); err != nil && ctx.Err() == nil {
				loop.logger.Warn("worker task failed", zap.String("worker", loop.name), zap.Error(err))
			}
		}
	}
}
