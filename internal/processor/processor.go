package taskprocessor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sthanfv/el-buen-corte--sub000/internal/dispatch"
	"github.com/sthanfv/el-buen-corte--sub000/internal/repository"
)

// TaskProcessor republishes events parked in the outbox table.
type TaskProcessor struct {
	repo         repository.TaskRepository
	producer     dispatch.Publisher
	pollInterval time.Duration
	limit        int
	maxAttempts  int
	retryDelay   time.Duration
	log          *zap.Logger
}

func NewTaskProcessor(repo repository.TaskRepository, producer dispatch.Publisher, pollInterval time.Duration, limit int, log *zap.Logger) *TaskProcessor {
	return &TaskProcessor{
		repo:         repo,
		producer:     producer,
		pollInterval: pollInterval,
		limit:        limit,
		maxAttempts:  3,
		retryDelay:   2 * time.Second,
		log:          log.Named("outbox"),
	}
}

func (p *TaskProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.processPendingTasks(ctx)
		}
	}
}

func (p *TaskProcessor) processPendingTasks(ctx context.Context) {
	tasks, err := p.repo.GetPendingTasks(ctx, p.limit, p.maxAttempts)
	if err != nil {
		p.log.Error("error fetching pending tasks", zap.Error(err))
		return
	}
	for _, task := range tasks {
		err = p.repo.MarkTaskProcessing(ctx, task.ID)
		if err != nil {
			p.log.Error("error marking task as processing", zap.Int64("task_id", task.ID), zap.Error(err))
			continue
		}

		err = p.producer.Publish(task.Topic, task.Key, task.Payload)
		if err != nil {
			p.update(ctx, task, err)
			continue
		}
		p.log.Info("task published", zap.Int64("task_id", task.ID), zap.String("topic", task.Topic))
		err = p.repo.DeleteTask(ctx, task.ID)
		if err != nil {
			p.log.Error("error deleting task after successful publish", zap.Int64("task_id", task.ID), zap.Error(err))
		}
	}
}

func (p *TaskProcessor) update(ctx context.Context, task *repository.Task, err error) {
	newAttempt := task.AttemptCount + 1
	newStatus := repository.TaskStatusFailed
	if newAttempt >= p.maxAttempts {
		newStatus = repository.TaskStatusNoAttemptsLeft
	}
	nextAttempt := time.Now().Add(p.retryDelay)
	if errUpd := p.repo.UpdateTaskFailure(ctx, task.ID, newAttempt, newStatus, nextAttempt); errUpd != nil {
		p.log.Error("error updating task on failure", zap.Int64("task_id", task.ID), zap.Error(errUpd))
	}
	p.log.Warn("failed to publish task",
		zap.Int64("task_id", task.ID),
		zap.Int("attempt", newAttempt),
		zap.String("status", string(newStatus)),
		zap.Error(err),
	)
}
