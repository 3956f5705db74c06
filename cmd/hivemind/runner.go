package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hivemind/coordinator/internal/store/models"
)

// localRunner is the CLI's built-in WorkerRunner (§6.4): it has no
// external process to shell out to, so it simulates task completion
// with a duration scaled by the task's declared complexity. There is
// no equivalent collaborator to ground this on elsewhere in the stack
// since the core treats WorkerRunner as wholly opaque by design; this
// is the one piece of the tree with no direct precedent to imitate.
type localRunner struct {
	logger *logrus.Logger
}

func newLocalRunner(logger *logrus.Logger) *localRunner {
	return &localRunner{logger: logger}
}

func (r *localRunner) Execute(ctx context.Context, task models.Task) (string, int64, error) {
	base := 200 * time.Millisecond
	switch task.Complexity {
	case models.ComplexityHigh:
		base = 1200 * time.Millisecond
	case models.ComplexityMedium:
		base = 600 * time.Millisecond
	}
	jitter := time.Duration(rand.Intn(150)) * time.Millisecond
	wait := base + jitter

	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return "", 0, ctx.Err()
	}

	r.logger.WithFields(logrus.Fields{"task_id": task.ID, "complexity": task.Complexity}).Debug("local runner completed task")
	return fmt.Sprintf("completed %q", task.Description), wait.Milliseconds(), nil
}
