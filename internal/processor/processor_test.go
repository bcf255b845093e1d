package taskprocessor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sthanfv/el-buen-corte--sub000/internal/repository"
)

type fakeTasks struct {
	pending    []*repository.Task
	processing []int64
	deleted    []int64
	failures   map[int64]repository.TaskStatus
	attempts   map[int64]int
}

func newFakeTasks(tasks ...*repository.Task) *fakeTasks {
	return &fakeTasks{pending: tasks, failures: map[int64]repository.TaskStatus{}, attempts: map[int64]int{}}
}

func (f *fakeTasks) CreateTask(context.Context, string, string, []byte) error { return nil }

func (f *fakeTasks) GetPendingTasks(_ context.Context, limit, _ int) ([]*repository.Task, error) {
	if len(f.pending) > limit {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeTasks) MarkTaskProcessing(_ context.Context, id int64) error {
	f.processing = append(f.processing, id)
	return nil
}

func (f *fakeTasks) DeleteTask(_ context.Context, id int64) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeTasks) UpdateTaskFailure(_ context.Context, id int64, attempt int, status repository.TaskStatus, _ time.Time) error {
	f.failures[id] = status
	f.attempts[id] = attempt
	return nil
}

type fakePublisher struct {
	fail map[string]bool
	sent []string
}

func (p *fakePublisher) Publish(topic, key string, _ []byte) error {
	if p.fail[key] {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, topic+"/"+key)
	return nil
}

func TestProcessPendingTasks(t *testing.T) {
	repo := newFakeTasks(
		&repository.Task{ID: 1, Topic: "order-events", Key: "o-1", Payload: []byte(`{}`)},
		&repository.Task{ID: 2, Topic: "order-events", Key: "o-2", Payload: []byte(`{}`)},
		&repository.Task{ID: 3, Topic: "order-events", Key: "o-3", Payload: []byte(`{}`), AttemptCount: 2},
	)
	pub := &fakePublisher{fail: map[string]bool{"o-2": true, "o-3": true}}
	p := NewTaskProcessor(repo, pub, time.Second, 10, zap.NewNop())

	p.processPendingTasks(context.Background())

	assert.Equal(t, []int64{1, 2, 3}, repo.processing)
	assert.Equal(t, []string{"order-events/o-1"}, pub.sent)
	assert.Equal(t, []int64{1}, repo.deleted)
	require.Len(t, repo.failures, 2)
	assert.Equal(t, repository.TaskStatusFailed, repo.failures[2])
	assert.Equal(t, 1, repo.attempts[2])
	assert.Equal(t, repository.TaskStatusNoAttemptsLeft, repo.failures[3])
}

func TestStartStopsOnCancel(t *testing.T) {
	p := NewTaskProcessor(newFakeTasks(), &fakePublisher{}, 5*time.Millisecond, 10, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
}
