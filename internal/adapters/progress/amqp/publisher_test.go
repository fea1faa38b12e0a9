package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"3tcapital/auditharvest/internal/core/harvest"
	"3tcapital/auditharvest/internal/testutil"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu      sync.Mutex
	sent    []published
	err     error
	block   chan struct{}
	closed  bool
	started chan struct{}
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) messages(t *testing.T) []Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, 0, len(f.sent))
	for _, p := range f.sent {
		var m Message
		if err := json.Unmarshal(p.msg.Body, &m); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func TestPublisher_ForwardsRun(t *testing.T) {
	ch := &fakeChannel{}
	p := NewPublisher(ch, Config{Exchange: "auditharvest.progress", RunID: "run-1", Source: "CloudTrail"}, testutil.NewNullLogger())

	started := time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC)
	p.Start([]string{"us-east-1"}, started)
	p.Update(harvest.ProgressEvent{Partition: "us-east-1", Status: harvest.StatusActive, Events: 50, At: started})
	p.Update(harvest.ProgressEvent{Partition: "us-east-1", Status: harvest.StatusFailed, Events: 50, Err: errors.New("throttled"), At: started})
	p.Finish(harvest.Summary{TotalEvents: 50, Failed: 1, Elapsed: 3 * time.Second})

	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !ch.closed {
		t.Error("channel should be closed")
	}

	msgs := ch.messages(t)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[0].Type != TypeStart || len(msgs[0].Partitions) != 1 {
		t.Errorf("unexpected start message %+v", msgs[0])
	}
	if msgs[2].Status != "FAILED" || msgs[2].Error != "throttled" {
		t.Errorf("unexpected failure message %+v", msgs[2])
	}
	if msgs[3].Type != TypeSummary || msgs[3].Failed != 1 || msgs[3].Elapsed != 3 {
		t.Errorf("unexpected summary %+v", msgs[3])
	}
	for _, m := range msgs {
		if m.RunID != "run-1" || m.Source != "CloudTrail" {
			t.Errorf("message missing run identity: %+v", m)
		}
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.sent[1].exchange != "auditharvest.progress" || ch.sent[1].key != "cloudtrail.partition" {
		t.Errorf("unexpected exchange/key %q/%q", ch.sent[1].exchange, ch.sent[1].key)
	}
	if ch.sent[0].msg.ContentType != "application/json" {
		t.Errorf("unexpected content type %q", ch.sent[0].msg.ContentType)
	}
}

func TestPublisher_RoutingKeyOverride(t *testing.T) {
	ch := &fakeChannel{}
	p := NewPublisher(ch, Config{Exchange: "x", RoutingKey: "audit.progress", Source: "Reports"}, testutil.NewNullLogger())
	p.Start(nil, time.Now())
	_ = p.Close(context.Background())

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.sent) != 1 || ch.sent[0].key != "audit.progress" {
		t.Fatalf("expected overridden routing key, got %+v", ch.sent)
	}
}

func TestPublisher_DropsWhenFull(t *testing.T) {
	ch := &fakeChannel{block: make(chan struct{}), started: make(chan struct{}, 1)}
	p := NewPublisher(ch, Config{Exchange: "x", Buffer: 2}, testutil.NewNullLogger())

	p.Update(harvest.ProgressEvent{Partition: "a"})
	<-ch.started // first message is in flight, the queue is empty
	for i := 0; i < 5; i++ {
		p.Update(harvest.ProgressEvent{Partition: "b"})
	}
	if got := p.Dropped(); got != 3 {
		t.Errorf("expected 3 dropped messages, got %d", got)
	}

	close(ch.block)
	_ = p.Close(context.Background())
	if got := len(ch.messages(t)); got != 3 {
		t.Errorf("expected 3 published messages, got %d", got)
	}
}

func TestPublisher_PublishErrorsDoNotStopLoop(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	p := NewPublisher(ch, Config{Exchange: "x"}, testutil.NewNullLogger())
	for i := 0; i < 3; i++ {
		p.Update(harvest.ProgressEvent{Partition: "a"})
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if p.failures.Load() != 3 {
		t.Errorf("expected 3 failures, got %d", p.failures.Load())
	}
}

func TestPublisher_CloseTimeoutAndIdempotent(t *testing.T) {
	ch := &fakeChannel{block: make(chan struct{})}
	p := NewPublisher(ch, Config{Exchange: "x"}, testutil.NewNullLogger())
	p.Update(harvest.ProgressEvent{Partition: "a"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	close(ch.block)

	// Enqueue and close after close must be harmless.
	p.Update(harvest.ProgressEvent{Partition: "late"})
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := p.Healthy(context.Background()); err != nil {
		t.Errorf("NewPublisher has no connection to check: %v", err)
	}
}
