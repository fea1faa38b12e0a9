package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"3tcapital/auditharvest/internal/core/harvest"
)

// Message types.
const (
	TypeStart     = "start"
	TypePartition = "partition"
	TypeSummary   = "summary"
)

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Config configures a publisher.
type Config struct {
	URL      string
	Exchange string
	// RoutingKey overrides the default "<source>.<type>" key.
	RoutingKey string
	Buffer     int
	RunID      string
	Source     string
}

// Message is the JSON body of every published event.
type Message struct {
	Type        string    `json:"type"`
	RunID       string    `json:"run_id"`
	Source      string    `json:"source"`
	At          time.Time `json:"at"`
	Partitions  []string  `json:"partitions,omitempty"`
	Partition   string    `json:"partition,omitempty"`
	Status      string    `json:"status,omitempty"`
	Events      uint64    `json:"events"`
	Resumed     bool      `json:"resumed,omitempty"`
	Error       string    `json:"error,omitempty"`
	Completed   int       `json:"completed,omitempty"`
	Failed      int       `json:"failed,omitempty"`
	Interrupted int       `json:"interrupted,omitempty"`
	Stopped     bool      `json:"stopped,omitempty"`
	Elapsed     float64   `json:"elapsed_seconds,omitempty"`
}

// Publisher forwards run progress to a RabbitMQ exchange. It is a coordinator
// subscriber: enqueueing never blocks, and messages are dropped when the
// buffer is full.
type Publisher struct {
	ch       Channel
	closeFn  func() error
	cfg      Config
	log      *slog.Logger
	queue    chan Message
	done     chan struct{}
	mu       sync.Mutex
	closed   bool
	dropped  atomic.Int64
	failures atomic.Int64
	healthy  func() error
}

// Dial connects, declares a durable topic exchange and starts publishing.
func Dial(cfg Config, log *slog.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}

	p := NewPublisher(ch, cfg, log)
	p.closeFn = func() error {
		return errors.Join(ch.Close(), conn.Close())
	}
	p.healthy = func() error {
		if conn.IsClosed() {
			return errors.New("amqp connection closed")
		}
		return nil
	}
	return p, nil
}

// NewPublisher starts a publisher on an open channel.
func NewPublisher(ch Channel, cfg Config, log *slog.Logger) *Publisher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		ch:      ch,
		closeFn: ch.Close,
		cfg:     cfg,
		log:     log.With("component", "progress_amqp", "exchange", cfg.Exchange),
		queue:   make(chan Message, cfg.Buffer),
		done:    make(chan struct{}),
		healthy: func() error { return nil },
	}
	go p.loop()
	return p
}

func (p *Publisher) Start(partitions []string, startedAt time.Time) {
	p.enqueue(Message{Type: TypeStart, At: startedAt, Partitions: append([]string(nil), partitions...)})
}

func (p *Publisher) Update(ev harvest.ProgressEvent) {
	msg := Message{
		Type:      TypePartition,
		At:        ev.At,
		Partition: ev.Partition,
		Status:    ev.Status.String(),
		Events:    ev.Events,
		Resumed:   ev.Resumed,
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	p.enqueue(msg)
}

func (p *Publisher) Finish(summary harvest.Summary) {
	p.enqueue(Message{
		Type:        TypeSummary,
		At:          time.Now(),
		Events:      summary.TotalEvents,
		Completed:   summary.Completed,
		Failed:      summary.Failed,
		Interrupted: summary.Interrupted,
		Stopped:     summary.Stopped,
		Elapsed:     summary.Elapsed.Seconds(),
	})
}

// Healthy reports whether the broker connection is still open.
func (p *Publisher) Healthy(context.Context) error {
	return p.healthy()
}

// Dropped is the number of messages discarded because the buffer was full.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Close drains queued messages until ctx expires, then closes the channel.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-ctx.Done():
		p.log.Warn("Progress queue not drained", "pending", len(p.queue))
	}
	if n := p.dropped.Load(); n > 0 {
		p.log.Warn("Progress messages dropped", "dropped", n)
	}
	return p.closeFn()
}

func (p *Publisher) enqueue(msg Message) {
	msg.RunID = p.cfg.RunID
	msg.Source = p.cfg.Source

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- msg:
	default:
		p.dropped.Add(1)
	}
}

func (p *Publisher) loop() {
	defer close(p.done)
	for msg := range p.queue {
		if err := p.publish(msg); err != nil {
			// Only the first failure is logged.
			if p.failures.Add(1) == 1 {
				p.log.Warn("Failed to publish progress", "error", err, "type", msg.Type)
			}
		}
	}
}

func (p *Publisher) publish(msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.ch.PublishWithContext(ctx, p.cfg.Exchange, p.routingKey(msg), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    msg.At,
		Type:         msg.Type,
		Body:         body,
	})
}

func (p *Publisher) routingKey(msg Message) string {
	if p.cfg.RoutingKey != "" {
		return p.cfg.RoutingKey
	}
	return strings.ToLower(p.cfg.Source) + "." + msg.Type
}
