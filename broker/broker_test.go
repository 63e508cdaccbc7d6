package broker_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/xraph/jobboard"
	"github.com/xraph/jobboard/backoff"
	"github.com/xraph/jobboard/broker"
	"github.com/xraph/jobboard/job"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// ── fakes ──

type fakeQueue struct {
	mu       sync.Mutex
	msgs     chan []byte
	popErrs  int
	acked    [][]byte
	nacked   [][]byte
	requeued int
}

func newFakeQueue() *fakeQueue { return &fakeQueue{msgs: make(chan []byte, 16)} }

func (q *fakeQueue) Push(_ context.Context, body []byte) error {
	q.msgs <- body
	return nil
}

func (q *fakeQueue) Pop(ctx context.Context) (broker.Delivery, error) {
	q.mu.Lock()
	if q.popErrs > 0 {
		q.popErrs--
		q.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case body := <-q.msgs:
		return &fakeDelivery{q: q, body: body}, nil
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func (q *fakeQueue) Close() error { return nil }

func (q *fakeQueue) settled() (acked, nacked int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked), len(q.nacked)
}

type fakeDelivery struct {
	q    *fakeQueue
	body []byte
}

func (d *fakeDelivery) Body() []byte { return d.body }

func (d *fakeDelivery) Ack(context.Context) error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	d.q.acked = append(d.q.acked, d.body)
	return nil
}

func (d *fakeDelivery) Nack(_ context.Context, requeue bool) error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	d.q.nacked = append(d.q.nacked, d.body)
	if requeue {
		d.q.requeued++
	}
	return nil
}

type fakeExecutor struct {
	mu    sync.Mutex
	seen  []*job.Task
	fails map[string]bool
}

func (e *fakeExecutor) Execute(_ context.Context, t *job.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = append(e.seen, t)
	if e.fails[t.JobID] {
		return errors.New("task failed")
	}
	return nil
}

func (e *fakeExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.seen)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// ── tests ──

func TestBackend_SubmitEncodesTask(t *testing.T) {
	t.Parallel()
	q := newFakeQueue()
	b := broker.NewBackend(q)

	if b.Name() != jobboard.BackendBroker {
		t.Errorf("Name = %q", b.Name())
	}
	in := &job.Task{ID: "d1", Name: "provision_server_task", JobID: "j1", Payload: []byte(`{"x":1}`)}
	if err := b.Submit(context.Background(), in); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, err := broker.DecodeTask(<-q.msgs)
	if err != nil {
		t.Fatalf("DecodeTask: %v", err)
	}
	if got.Name != in.Name || got.JobID != in.JobID || string(got.Payload) != `{"x":1}` {
		t.Errorf("decoded = %+v", got)
	}
}

func TestDecodeTask_Rejects(t *testing.T) {
	t.Parallel()
	for _, body := range []string{`not json`, `{"name":"x"}`, `{"job_id":"j"}`} {
		if _, err := broker.DecodeTask([]byte(body)); err == nil {
			t.Errorf("DecodeTask(%s) succeeded", body)
		}
	}
}

func TestConsumer_AcksAndNacks(t *testing.T) {
	t.Parallel()
	q := newFakeQueue()
	q.popErrs = 2
	exec := &fakeExecutor{fails: map[string]bool{"bad": true}}
	b := broker.NewBackend(q)

	ctx, cancel := context.WithCancel(context.Background())
	c := broker.NewConsumer(q, exec,
		broker.WithConcurrency(2),
		broker.WithBackoff(backoff.NewConstant(time.Millisecond)),
		broker.WithLogger(testLogger()),
	)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	_ = b.Submit(ctx, &job.Task{Name: "t", JobID: "good"})
	_ = b.Submit(ctx, &job.Task{Name: "t", JobID: "bad"})
	_ = q.Push(ctx, []byte("garbage"))

	waitFor(t, func() bool {
		a, n := q.settled()
		return a == 1 && n == 2
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if exec.count() != 2 {
		t.Errorf("executed = %d, want 2", exec.count())
	}
	if q.requeued != 0 {
		t.Errorf("requeued = %d, want 0", q.requeued)
	}
}
