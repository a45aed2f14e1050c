// Package redisbus implements mesh.Messenger over Redis pub/sub. Each topic
// maps to a channel under a configurable prefix; a peer's inbox is the
// channel for mesh.InboxTopic(id).
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/dileet/ecco-sub003/pkg/mesh"
)

const defaultPrefix = "swarm:"

// Messenger publishes envelopes as JSON on Redis channels.
type Messenger struct {
	client redis.UniversalClient
	id     mesh.PeerID
	prefix string
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*redis.PubSub]struct{}
}

// Option configures a Messenger.
type Option func(*Messenger)

// WithPrefix namespaces every channel, so several swarms can share a Redis.
func WithPrefix(prefix string) Option {
	return func(m *Messenger) { m.prefix = prefix }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Messenger) { m.logger = l }
}

// New creates a Messenger for id on an existing client.
func New(client redis.UniversalClient, id mesh.PeerID, opts ...Option) *Messenger {
	m := &Messenger{
		client: client,
		id:     id,
		prefix: defaultPrefix,
		logger: slog.Default().With("component", "redisbus"),
		subs:   make(map[*redis.PubSub]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dial connects to addr and returns a Messenger for id.
func Dial(ctx context.Context, addr, password string, db int, id mesh.PeerID, opts ...Option) (*Messenger, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return New(rdb, id, opts...), nil
}

func (m *Messenger) ID() mesh.PeerID { return m.id }

func (m *Messenger) channel(topic string) string { return m.prefix + topic }

func (m *Messenger) publish(ctx context.Context, topic string, msg mesh.Message) (int64, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	n, err := m.client.Publish(ctx, m.channel(topic), data).Result()
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", topic, err)
	}
	return n, nil
}

// SendMessage publishes on the recipient's inbox and fails if nobody is
// listening there.
func (m *Messenger) SendMessage(ctx context.Context, to mesh.PeerID, msg mesh.Message) error {
	msg.To = to
	if msg.From == "" {
		msg.From = m.id
	}
	n, err := m.publish(ctx, mesh.InboxTopic(to), msg)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("peer %s unreachable", to)
	}
	return nil
}

func (m *Messenger) Publish(ctx context.Context, topic string, msg mesh.Message) error {
	if msg.From == "" {
		msg.From = m.id
	}
	_, err := m.publish(ctx, topic, msg)
	return err
}

// Subscribe blocks until Redis confirms the subscription, then delivers
// decoded envelopes to h from a dedicated goroutine.
func (m *Messenger) Subscribe(ctx context.Context, topic string, h mesh.Handler) (func(), error) {
	ps := m.client.Subscribe(ctx, m.channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	m.mu.Lock()
	m.subs[ps] = struct{}{}
	m.mu.Unlock()

	go m.consume(ctx, topic, ps, h)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, ps)
			m.mu.Unlock()
			_ = ps.Close()
		})
	}, nil
}

func (m *Messenger) consume(ctx context.Context, topic string, ps *redis.PubSub, h mesh.Handler) {
	ch := ps.Channel()
	dedup := mesh.NewDeduper(mesh.DefaultDedupSize)
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var msg mesh.Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				m.logger.WarnContext(ctx, "dropping undecodable message", "topic", topic, "error", err)
				continue
			}
			if dedup.Seen(msg.ID) {
				continue
			}
			h(ctx, msg)
		}
	}
}

// Close releases every open subscription. The client is left open.
func (m *Messenger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ps := range m.subs {
		_ = ps.Close()
		delete(m.subs, ps)
	}
	return nil
}
