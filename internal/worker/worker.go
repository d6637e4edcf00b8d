package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultPollInterval is the pause between cycles when none is configured.
const DefaultPollInterval = 2 * time.Minute

// CycleRunner runs one scheduling cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (CycleReport, error)
}

// Worker triggers engine cycles in a loop.
type Worker struct {
	engine       CycleRunner
	pollInterval time.Duration
	log          logrus.FieldLogger
}

// New creates a new worker.
func New(engine CycleRunner, pollInterval time.Duration, log logrus.FieldLogger) *Worker {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Worker{
		engine:       engine,
		pollInterval: pollInterval,
		log:          log,
	}
}

// Run runs a cycle, sleeps, and repeats until ctx is cancelled. A cycle in
// flight is allowed to finish; only the sleep is interrupted.
func (w *Worker) Run(ctx context.Context) {
	w.log.Infof("worker started, polling every %s", w.pollInterval)

	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			w.log.Info("worker shutting down")
			return
		}
		w.runCycle(ctx)

		timer.Reset(w.pollInterval)
		select {
		case <-ctx.Done():
			w.log.Info("worker shutting down")
			return
		case <-timer.C:
		}
	}
}

func (w *Worker) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Errorf("cycle panicked: %v", r)
		}
	}()

	if _, err := w.engine.RunCycle(ctx); err != nil {
		w.log.WithError(err).Error("cycle failed")
	}
}
