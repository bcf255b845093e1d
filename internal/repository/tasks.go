package repository

import (
	"context"
	"database/sql"
	"time"
)

type TaskStatus string

const (
	TaskStatusCreated        TaskStatus = "CREATED"
	TaskStatusProcessing     TaskStatus = "PROCESSING"
	TaskStatusFailed         TaskStatus = "FAILED"
	TaskStatusNoAttemptsLeft TaskStatus = "NO_ATTEMPTS_LEFT"
)

// Task is an outbox row holding an event that could not be published right away.
type Task struct {
	ID            int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
	FinishedAt    sql.NullTime
	Topic         string
	Key           string
	Payload       []byte
	Status        TaskStatus
	AttemptCount  int
	NextAttemptAt sql.NullTime
}

type TaskRepository interface {
	CreateTask(ctx context.Context, topic, key string, payload []byte) error
	GetPendingTasks(ctx context.Context, limit, maxAttempts int) ([]*Task, error)
	MarkTaskProcessing(ctx context.Context, taskID int64) error
	DeleteTask(ctx context.Context, taskID int64) error
	UpdateTaskFailure(ctx context.Context, taskID int64, attemptCount int, newStatus TaskStatus, nextAttemptAt time.Time) error
}

type PostgresTaskRepository struct {
	db *sql.DB
}

func NewPostgresTaskRepository(db *sql.DB) *PostgresTaskRepository {
	return &PostgresTaskRepository{db: db}
}

func (r *PostgresTaskRepository) CreateTask(ctx context.Context, topic, key string, payload []byte) error {
	query := `
		INSERT INTO tasks (created_at, updated_at, topic, message_key, payload, status, attempt_count)
		VALUES (NOW(), NOW(), $1, $2, $3, $4, 0)
	`
	_, err := r.db.ExecContext(ctx, query, topic, key, string(payload), TaskStatusCreated)
	return err
}

func (r *PostgresTaskRepository) GetPendingTasks(ctx context.Context, limit, maxAttempts int) ([]*Task, error) {
	query := `
		SELECT id, created_at, updated_at, finished_at, topic, message_key, payload, status, attempt_count, next_attempt_at
		FROM tasks
		WHERE status IN ($1, $2)
		  AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
		  AND attempt_count < $3
		ORDER BY created_at
		LIMIT $4
	`
	rows, err := r.db.QueryContext(ctx, query, TaskStatusCreated, TaskStatusFailed, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []*Task
	for rows.Next() {
		t := &Task{}
		if err := rows.Scan(&t.ID, &t.CreatedAt,
			&t.UpdatedAt, &t.FinishedAt,
			&t.Topic, &t.Key, &t.Payload, &t.Status,
			&t.AttemptCount, &t.NextAttemptAt); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *PostgresTaskRepository) MarkTaskProcessing(ctx context.Context, taskID int64) error {
	query := `
		UPDATE tasks SET status = $1, updated_at = NOW()
		WHERE id = $2
	`
	_, err := r.db.ExecContext(ctx, query, TaskStatusProcessing, taskID)
	return err
}

func (r *PostgresTaskRepository) DeleteTask(ctx context.Context, taskID int64) error {
	query := `DELETE FROM tasks WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, taskID)
	return err
}

func (r *PostgresTaskRepository) UpdateTaskFailure(ctx context.Context, taskID int64, attemptCount int, newStatus TaskStatus, nextAttemptAt time.Time) error {
	query := `
		UPDATE tasks
		SET status = $1, attempt_count = $2, updated_at = NOW(), next_attempt_at = $3
		WHERE id = $4
	`
	_, err := r.db.ExecContext(ctx, query, newStatus, attemptCount, nextAttemptAt, taskID)
	return err
}
