// Package bus provides the topic-addressed publish/subscribe transport
// shared by every agent within one node. It offers bounded queueing with a
// synchronous capacity error, broadcast fan-out, request/reply correlation
// over synthetic reply topics, and a tamper-evident history: retained
// messages are mirrored by metadata digests in a shared hash accumulator.
//
// Delivery runs on a fixed drain tick. Messages published to the same topic
// reach a given handler in publish order because the queue drains in
// insertion order; cross-topic ordering is not guaranteed. Stop takes
// effect at the next tick, not instantaneously.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/sentinelmesh/accumulator"
	"github.com/hupe1980/sentinelmesh/core"
	"github.com/hupe1980/sentinelmesh/logging"
)

// Handler consumes messages delivered for a topic subscription. Handlers
// run on the bus delivery goroutine; a panicking handler is recovered and
// logged without affecting delivery to other handlers.
type Handler func(msg core.Message)

// Subscription identifies one registered handler so it can be removed
// individually. Returned by Subscribe.
type Subscription struct {
	id    string
	Topic string
}

type subscriber struct {
	id      string
	handler Handler
}

// Options configures a Bus.
type Options struct {
	// MaxQueueSize bounds the number of undelivered messages. Publish
	// fails synchronously with core.ErrQueueFull at the bound.
	MaxQueueSize int
	// DrainInterval is the delivery loop tick.
	DrainInterval time.Duration
	// HistoryLimit caps the retained history ring. Zero disables history
	// retention (and accumulator digests).
	HistoryLimit int
	// Accumulator receives metadata digests of retained messages. Defaults
	// to a fresh accumulator; pass the node's shared instance to fold bus
	// history into the node-wide audit trail.
	Accumulator *accumulator.Accumulator
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Bus is the single shared transport for one node. Safe for concurrent use.
type Bus struct {
	maxQueueSize  int
	drainInterval time.Duration
	historyLimit  int
	acc           *accumulator.Accumulator
	logger        logging.Logger

	mu          sync.Mutex
	subscribers map[string][]subscriber
	queue       []core.Message
	history     []core.Message

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Bus with optional overrides.
func New(optFns ...func(o *Options)) *Bus {
	opts := Options{
		MaxQueueSize:  1000,
		DrainInterval: 10 * time.Millisecond,
		HistoryLimit:  1000,
		Logger:        logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Accumulator == nil {
		opts.Accumulator = accumulator.New()
	}

	return &Bus{
		maxQueueSize:  opts.MaxQueueSize,
		drainInterval: opts.DrainInterval,
		historyLimit:  opts.HistoryLimit,
		acc:           opts.Accumulator,
		logger:        opts.Logger,
		subscribers:   make(map[string][]subscriber),
	}
}

// Start launches the delivery loop. Calling Start on a running bus is a
// no-op.
func (b *Bus) Start() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.deliveryLoop(ctx)
}

// Stop halts the delivery loop. Messages still queued remain queued and are
// delivered if the bus is started again. Stop is observed within one drain
// tick.
func (b *Bus) Stop() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
	b.cancel = nil
	b.done = nil
}

// Subscribe registers a handler for a topic. Multiple handlers per topic
// are permitted; each receives its own copy of every delivery.
func (b *Bus) Subscribe(topic string, h Handler) *Subscription {
	sub := subscriber{id: uuid.NewString(), handler: h}
	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.mu.Unlock()
	return &Subscription{id: sub.id, Topic: topic}
}

// Unsubscribe removes a single previously registered handler. Unknown
// subscriptions are ignored.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[sub.Topic]
	for i, s := range subs {
		if s.id == sub.id {
			b.subscribers[sub.Topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[sub.Topic]) == 0 {
		delete(b.subscribers, sub.Topic)
	}
}

// UnsubscribeTopic removes all handlers for a topic.
func (b *Bus) UnsubscribeTopic(topic string) {
	b.mu.Lock()
	delete(b.subscribers, topic)
	b.mu.Unlock()
}

// Publish enqueues a message for delivery to msg.To. It fails synchronously
// with core.ErrQueueFull when the queue is at its bound; the caller must
// handle or retry. When history retention is enabled the message is also
// recorded in the ring (dropping the oldest past the limit) and its
// metadata digest (never the payload) is appended to the accumulator.
func (b *Bus) Publish(msg core.Message) error {
	b.mu.Lock()
	if len(b.queue) >= b.maxQueueSize {
		b.mu.Unlock()
		return fmt.Errorf("%w: %d messages queued", core.ErrQueueFull, b.maxQueueSize)
	}
	b.queue = append(b.queue, msg)

	retain := b.historyLimit > 0
	if retain {
		b.history = append(b.history, msg)
		if len(b.history) > b.historyLimit {
			b.history = b.history[1:]
		}
	}
	b.mu.Unlock()

	if retain {
		if _, err := b.acc.AppendRecord(msg.Digest()); err != nil {
			b.logger.Error("failed to append message digest", "message_id", msg.ID, "error", err)
		}
	}
	return nil
}

// Request publishes msg to topic and waits for the first reply on the
// synthetic reply:<msg.ID> topic. It returns core.ErrRequestTimeout if no
// reply arrives within timeout, and cleans up the reply subscription either
// way. The context cancels the wait early.
func (b *Bus) Request(ctx context.Context, topic string, msg core.Message, timeout time.Duration) (core.Message, error) {
	msg.To = topic
	msg.ReplyTo = core.ReplyTopic(msg.ID)

	replyCh := make(chan core.Message, 1)
	sub := b.Subscribe(msg.ReplyTo, func(reply core.Message) {
		select {
		case replyCh <- reply:
		default:
		}
	})
	defer b.Unsubscribe(sub)

	if err := b.Publish(msg); err != nil {
		return core.Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		return core.Message{}, fmt.Errorf("%w: no reply on %s after %s", core.ErrRequestTimeout, msg.ReplyTo, timeout)
	case <-ctx.Done():
		return core.Message{}, ctx.Err()
	}
}

// History returns up to limit of the most recently retained messages
// (all of them if limit <= 0).
func (b *Bus) History(limit int) []core.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]core.Message, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

// HistoryRoot returns the current root of the history accumulator for
// external audit and verification.
func (b *Bus) HistoryRoot() []byte { return b.acc.Root() }

// Accumulator exposes the underlying accumulator so external auditors can
// generate inclusion proofs for history digests.
func (b *Bus) Accumulator() *accumulator.Accumulator { return b.acc }

func (b *Bus) deliveryLoop(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.drain()
		}
	}
}

// drain delivers every queued message in insertion order, preserving FIFO
// per topic.
func (b *Bus) drain() {
	b.mu.Lock()
	pending := b.queue
	b.queue = nil
	b.mu.Unlock()

	for _, msg := range pending {
		b.deliver(msg)
	}
}

func (b *Bus) deliver(msg core.Message) {
	b.mu.Lock()
	var targets []subscriber
	if msg.To == core.TopicBroadcast {
		// Fan out to every subscribed topic except the broadcast topic
		// itself and the sender's own topic (no self-delivery).
		for topic, subs := range b.subscribers {
			if topic == core.TopicBroadcast || topic == msg.From {
				continue
			}
			targets = append(targets, subs...)
		}
	}
	targets = append(targets, b.subscribers[msg.To]...)
	b.mu.Unlock()

	for _, sub := range targets {
		b.safeDeliver(sub, msg)
	}
}

// safeDeliver invokes one handler, isolating its failures: a panic is
// recovered and logged so one failing handler never blocks delivery to the
// rest.
func (b *Bus) safeDeliver(sub subscriber, msg core.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("message handler panicked", "topic", msg.To, "message_id", msg.ID, "panic", r)
		}
	}()
	sub.handler(msg)
}
