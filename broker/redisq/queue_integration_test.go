//go:build integration

package redisq_test

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/xraph/jobboard/broker/redisq"
)

func setupClient(t *testing.T) *goredis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	opts, err := goredis.ParseURL(uri)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	client := goredis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestQueue_FIFOAckNack(t *testing.T) {
	client := setupClient(t)
	q := redisq.New(client, "tasks", redisq.WithPollTimeout(100*time.Millisecond))
	ctx := context.Background()

	for _, m := range []string{"one", "two", "three"} {
		if err := q.Push(ctx, []byte(m)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	d1, err := q.Pop(ctx)
	if err != nil || d1 == nil || string(d1.Body()) != "one" {
		t.Fatalf("Pop 1 = %v, %v", d1, err)
	}
	if err := d1.Ack(ctx); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	d2, _ := q.Pop(ctx)
	if err := d2.Nack(ctx, true); err != nil {
		t.Fatalf("Nack requeue: %v", err)
	}
	d2again, _ := q.Pop(ctx)
	if string(d2again.Body()) != "two" {
		t.Fatalf("requeued message = %q, want two", d2again.Body())
	}
	if err := d2again.Nack(ctx, false); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	failed, err := q.Failed(ctx, 10)
	if err != nil || len(failed) != 1 || string(failed[0]) != "two" {
		t.Fatalf("Failed = %q, %v", failed, err)
	}

	// "three" is popped then abandoned, as by a crashed worker.
	if _, err := q.Pop(ctx); err != nil {
		t.Fatal(err)
	}
	n, err := q.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	d3, _ := q.Pop(ctx)
	if d3 == nil || string(d3.Body()) != "three" {
		t.Fatalf("recovered = %v", d3)
	}

	empty, err := q.Pop(ctx)
	if err != nil || empty != nil {
		t.Fatalf("empty Pop = %v, %v", empty, err)
	}
}
