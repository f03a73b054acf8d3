package jobs

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

type recordingPruner struct {
	calls     int
	olderThan time.Duration
}

func (p *recordingPruner) Cleanup(ctx context.Context, olderThan time.Duration) error {
	p.calls++
	p.olderThan = olderThan
	return nil
}

func TestIdempotencyCleanupJob(t *testing.T) {
	pruner := &recordingPruner{}
	job := NewIdempotencyCleanupJob(pruner, slog.New(slog.NewTextHandler(io.Discard, nil)))

	task, err := NewIdempotencyCleanupTask(48 * time.Hour)
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 1, pruner.calls)
	require.Equal(t, 48*time.Hour, pruner.olderThan)
}

func TestIdempotencyCleanupJobDefaultsRetention(t *testing.T) {
	pruner := &recordingPruner{}
	job := NewIdempotencyCleanupJob(pruner, slog.New(slog.NewTextHandler(io.Discard, nil)))

	task := asynq.NewTask(TaskTypeIdempotencyCleanup, []byte(`{}`))
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 24*time.Hour, pruner.olderThan)
}
