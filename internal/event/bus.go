package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/taskmesh/taskmesh/pkg/panicerr"
)

// PubSub is the transport seam of the bus. The default is watermill's
// in-process gochannel; any durable watermill backend plugs in here.
type PubSub interface {
	message.Publisher
	message.Subscriber
}

// Handler processes one delivered envelope. Delivery is at-least-once:
// a non-nil error leaves the message unacknowledged for redelivery, so
// handlers must be idempotent.
type Handler func(ctx context.Context, env *Envelope) error

var (
	ErrBusRunning        = errors.New("bus is already running")
	ErrDuplicateConsumer = errors.New("consumer already registered in group")
)

type consumer struct {
	name    string
	handler Handler
}

// consumerGroup coordinates the competing consumers of one
// (stream, group) pair. Each consumer holds its own subscription so
// members process different messages in parallel; the shared claim
// table guarantees every message is handled by exactly one of them.
// Distinct groups have distinct claim tables and each receive every
// message.
type consumerGroup struct {
	stream    string
	name      string
	consumers []consumer

	mu     sync.Mutex
	claims map[string]*claimEntry
}

// claimEntry tracks one message id inside a group. A finished message
// keeps its entry as a tombstone until every member has observed its
// fan-out copy; releasing it earlier would let a slower member
// re-claim and re-process a message that was already handled.
type claimEntry struct {
	owner    string
	done     bool
	attempts int
	seen     map[string]struct{}
}

// claim records that consumerName has observed msgID and reports
// whether it owns it. Ownership goes to the first observer and sticks
// across redeliveries; once the message is done, late copies are
// refused and the entry is freed after the last member has seen it.
func (g *consumerGroup) claim(msgID, consumerName string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.entry(msgID)
	e.seen[consumerName] = struct{}{}
	if e.done {
		g.gc(msgID, e)
		return false
	}
	if e.owner == "" {
		e.owner = consumerName
	}
	return e.owner == consumerName
}

func (g *consumerGroup) entry(msgID string) *claimEntry {
	e, ok := g.claims[msgID]
	if !ok {
		e = &claimEntry{seen: make(map[string]struct{})}
		g.claims[msgID] = e
	}
	return e
}

func (g *consumerGroup) record(msgID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.entry(msgID)
	e.attempts++
	return e.attempts
}

// finish tombstones msgID after a successful handler run or a poison
// drop.
func (g *consumerGroup) finish(msgID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.entry(msgID)
	e.done = true
	g.gc(msgID, e)
}

// gc frees a tombstoned entry once all members have seen the message.
// Callers hold g.mu.
func (g *consumerGroup) gc(msgID string, e *claimEntry) {
	if e.done && len(e.seen) == len(g.consumers) {
		delete(g.claims, msgID)
	}
}

// Bus is a publish/subscribe event transport with consumer-group
// semantics on top of a watermill PubSub.
type Bus struct {
	pubSub          PubSub
	logger          *slog.Logger
	audit           *AuditLogger
	maxRedeliveries int
	backoffBase     time.Duration
	backoffMax      time.Duration

	mu      sync.Mutex
	running bool
	groups  map[string]*consumerGroup
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithPubSub swaps the transport, e.g. for a durable backend.
func WithPubSub(ps PubSub) Option {
	return func(b *Bus) { b.pubSub = ps }
}

// WithAuditLogger records every published envelope.
func WithAuditLogger(a *AuditLogger) Option {
	return func(b *Bus) { b.audit = a }
}

// WithRedeliveryLimit bounds how often a failing message is redelivered
// before it is dropped as poisoned.
func WithRedeliveryLimit(n int) Option {
	return func(b *Bus) { b.maxRedeliveries = n }
}

// WithBackoff sets the redelivery backoff bounds.
func WithBackoff(base, max time.Duration) Option {
	return func(b *Bus) {
		b.backoffBase = base
		b.backoffMax = max
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// NewBus creates an event bus. Without options it runs on an in-process
// gochannel transport with a 256-message buffer per stream.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		logger:          slog.Default(),
		maxRedeliveries: 5,
		backoffBase:     100 * time.Millisecond,
		backoffMax:      5 * time.Second,
		groups:          make(map[string]*consumerGroup),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.pubSub == nil {
		b.pubSub = gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256},
			watermill.NewSlogLogger(b.logger),
		)
	}
	return b
}

// Publish wraps payload into an envelope and publishes it on the stream
// registered for its kind. It returns the message id.
func (b *Bus) Publish(ctx context.Context, source string, payload Payload) (string, error) {
	stream, err := StreamFor(payload.EventKind())
	if err != nil {
		return "", err
	}
	return b.PublishOn(ctx, stream, source, payload)
}

// PublishOn publishes on an explicit stream, overriding the kind's
// registered one. Used for agent-affinity dispatch streams.
func (b *Bus) PublishOn(ctx context.Context, stream, source string, payload Payload) (string, error) {
	env, err := NewEnvelope(source, payload)
	if err != nil {
		return "", err
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	msg := message.NewMessage(env.ID, raw)
	msg.SetContext(ctx)

	if err := b.pubSub.Publish(stream, msg); err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	if b.audit != nil {
		if err := b.audit.Log(env); err != nil {
			b.logger.Warn("failed to audit event", "event_id", env.ID, "error", err)
		}
	}
	b.logger.Debug("event published",
		"event_id", env.ID, "kind", env.Kind, "stream", stream, "source", source)
	return env.ID, nil
}

// Subscribe registers a consumer within a consumer group on a stream.
// Registering a group that already exists is not an error; registering
// the same (stream, group, consumer) triple twice is. Subscriptions are
// registered before Run.
func (b *Bus) Subscribe(stream, group, consumerName string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return ErrBusRunning
	}

	key := stream + "/" + group
	g, ok := b.groups[key]
	if !ok {
		g = &consumerGroup{
			stream: stream,
			name:   group,
			claims: make(map[string]*claimEntry),
		}
		b.groups[key] = g
	}
	for _, c := range g.consumers {
		if c.name == consumerName {
			return fmt.Errorf("%s in %s: %w", consumerName, key, ErrDuplicateConsumer)
		}
	}
	g.consumers = append(g.consumers, consumer{name: consumerName, handler: h})
	return nil
}

// Run starts one dispatch loop per registered (stream, group, consumer)
// triple and returns. Use Shutdown to drain and stop.
func (b *Bus) Run(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return ErrBusRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	for _, g := range b.groups {
		for _, c := range g.consumers {
			ch, err := b.pubSub.Subscribe(runCtx, g.stream)
			if err != nil {
				cancel()
				return fmt.Errorf("failed to subscribe to %s: %w", g.stream, err)
			}
			g, c := g, c
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.consume(runCtx, g, c, ch)
			}()
		}
	}
	b.running = true
	b.logger.Info("event bus running", "groups", len(b.groups))
	return nil
}

// Shutdown signals all dispatch loops to drain and stop, then waits for
// them.
func (b *Bus) Shutdown() error {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	b.running = false
	b.mu.Unlock()

	err := b.pubSub.Close()
	b.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return nil
}

func (b *Bus) consume(ctx context.Context, g *consumerGroup, c consumer, ch <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.process(ctx, g, c, msg)
		}
	}
}

func (b *Bus) process(ctx context.Context, g *consumerGroup, c consumer, msg *message.Message) {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		// Retrying cannot fix a deserialization error; drop it.
		// Every member's copy is equally malformed, so no claim entry
		// is created.
		b.logger.Error("dropping malformed message",
			"stream", g.stream, "group", g.name, "message_id", msg.UUID, "error", err)
		msg.Ack()
		return
	}

	if !g.claim(msg.UUID, c.name) {
		// Another group member owns this message.
		msg.Ack()
		return
	}

	err := panicerr.Call(ctx, func(ctx context.Context) error {
		return c.handler(ctx, &env)
	})
	if err == nil {
		msg.Ack()
		g.finish(msg.UUID)
		return
	}

	n := g.record(msg.UUID)
	if n > b.maxRedeliveries {
		b.logger.Error("dropping message after redelivery limit",
			"stream", g.stream, "group", g.name, "event_id", env.ID,
			"attempts", n, "error", err)
		msg.Ack()
		g.finish(msg.UUID)
		return
	}

	// The backoff blocks this consumer, and gochannel redelivers in
	// order to the same subscription anyway; healthy messages queued
	// behind are picked up by the other members from their own copies.
	b.logger.Warn("handler failed, message will be redelivered",
		"stream", g.stream, "group", g.name, "consumer", c.name,
		"event_id", env.ID, "attempt", n, "error", err)
	select {
	case <-ctx.Done():
	case <-time.After(b.backoff(n)):
	}
	msg.Nack()
}

func (b *Bus) backoff(attempt int) time.Duration {
	d := b.backoffBase << (attempt - 1)
	if d > b.backoffMax || d <= 0 {
		return b.backoffMax
	}
	return d
}

// Typed adapts a payload-typed handler to a Handler. A payload that
// fails to decode is logged and dropped rather than retried forever.
func Typed[T any](h func(ctx context.Context, env *Envelope, data *T) error) Handler {
	return func(ctx context.Context, env *Envelope) error {
		data, err := Decode[T](env)
		if err != nil {
			slog.Error("dropping event with undecodable payload",
				"event_id", env.ID, "kind", env.Kind, "error", err)
			return nil
		}
		return h(ctx, env, data)
	}
}
