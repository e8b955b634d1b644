package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/pasturehq/pasture/pkg/config"
	"github.com/pasturehq/pasture/pkg/modelmanager"
	"github.com/pasturehq/pasture/pkg/pipeline"
	"github.com/pasturehq/pasture/pkg/step"
)

// pollTimeout bounds how long one Dequeue call blocks before the worker
// loop re-checks ctx and tries again — a plain idle poll, not a retry.
const pollTimeout = 5 * time.Second

// Worker drains jobs from a Queue and executes each job's step against a
// shared Model Manager, reusing the ordinary step.Execute core. It adds no
// retries or distributed scheduling of its own.
type Worker struct {
	Queue  *Queue
	MM     *modelmanager.Manager
	Cfg    config.Config
	Logger *slog.Logger
}

// Run drains jobs until ctx is cancelled. Dequeue timeouts are not errors —
// the loop simply polls again; a job that cannot be decoded is logged and
// skipped, and a build failure is recorded as an error StepResult, rather
// than crashing the worker.
func (w *Worker) Run(ctx context.Context) error {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := w.Queue.Dequeue(ctx, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("worker: dequeue failed", "error", err)
			continue
		}
		if job == nil {
			continue
		}

		logger.Info("worker: running job", "id", job.ID, "step", job.Step.Name)
		w.runJob(ctx, job, logger)
	}
}

func (w *Worker) runJob(ctx context.Context, job *Job, logger *slog.Logger) {
	s, err := pipeline.BuildStep(job.Step, w.MM, w.Cfg, job.Workdir)
	if err != nil {
		logger.Error("worker: build step failed", "id", job.ID, "step", job.Step.Name, "error", err)
		w.putResult(ctx, job.ID, step.Result{
			Status: "error",
			Model:  job.Step.Model,
			Output: map[string]any{"response": err.Error(), "error": "execution_error"},
		}, logger)
		return
	}

	result := s.Execute(ctx, job.Data)
	w.putResult(ctx, job.ID, result, logger)
	logger.Info("worker: job completed", "id", job.ID, "status", result.Status)
}

func (w *Worker) putResult(ctx context.Context, jobID string, result step.Result, logger *slog.Logger) {
	if err := w.Queue.PutResult(ctx, jobID, result); err != nil {
		logger.Error("worker: failed to write result", "id", jobID, "error", err)
	}
}
