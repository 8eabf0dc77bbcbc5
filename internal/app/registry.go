package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/glowstream/livegrid/internal/core"
)

// SubscriptionRegistry deduplicates change-feed subscriptions: one
// external channel per topic, shared by every interested callback.
// It is an explicit injected service, never package-global state.
type SubscriptionRegistry struct {
	feed core.ChangeFeed

	mu     sync.Mutex
	topics map[string]*topicEntry
	nextID uint64
}

type topicEntry struct {
	channel  core.FeedChannel
	refcount int

	cbMu      sync.Mutex
	callbacks map[uint64]core.Callback
}

// Subscription is the handle returned by Subscribe. Unsubscribe is
// safe to call more than once. The handle remembers which entry it
// joined, so a handle surviving an evicted channel can never touch a
// replacement entry's refcount.
type Subscription struct {
	reg   *SubscriptionRegistry
	topic string
	id    uint64
	entry *topicEntry
	once  sync.Once
}

func NewSubscriptionRegistry(feed core.ChangeFeed) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		feed:   feed,
		topics: make(map[string]*topicEntry),
	}
}

// Subscribe registers cb for topic. The first subscriber opens the
// external channel; later ones share it and only bump the refcount.
// If opening fails no entry is created and the next Subscribe retries.
func (r *SubscriptionRegistry) Subscribe(ctx context.Context, topic string, cb core.Callback) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.topics[topic]
	if !ok {
		ch, err := r.feed.Open(ctx, topic)
		if err != nil {
			log.Error().Err(err).Str("module", "app.registry").Str("topic", topic).Msg("channel open failed")
			return nil, err
		}
		entry = &topicEntry{
			channel:   ch,
			callbacks: make(map[uint64]core.Callback),
		}
		r.topics[topic] = entry
		go r.dispatch(topic, entry)
		log.Info().Str("module", "app.registry").Str("topic", topic).Msg("channel opened")
	}

	r.nextID++
	id := r.nextID
	entry.cbMu.Lock()
	entry.callbacks[id] = cb
	entry.cbMu.Unlock()
	entry.refcount++

	return &Subscription{reg: r, topic: topic, id: id, entry: entry}, nil
}

// Unsubscribe drops the handle's callback. When the last subscriber
// leaves, the external channel is closed and the topic entry removed.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.reg.unsubscribe(s.topic, s.id, s.entry)
	})
}

func (r *SubscriptionRegistry) unsubscribe(topic string, id uint64, owner *topicEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.topics[topic]
	if !ok || entry != owner {
		return
	}
	entry.cbMu.Lock()
	delete(entry.callbacks, id)
	entry.cbMu.Unlock()
	entry.refcount--
	if entry.refcount > 0 {
		return
	}
	delete(r.topics, topic)
	if err := entry.channel.Close(); err != nil {
		log.Error().Err(err).Str("module", "app.registry").Str("topic", topic).Msg("channel close error")
	}
	log.Info().Str("module", "app.registry").Str("topic", topic).Msg("channel closed")
}

// Refcount reports the live subscriber count for topic.
func (r *SubscriptionRegistry) Refcount(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.topics[topic]; ok {
		return entry.refcount
	}
	return 0
}

// Close tears down every open topic channel.
func (r *SubscriptionRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic, entry := range r.topics {
		if err := entry.channel.Close(); err != nil {
			log.Error().Err(err).Str("module", "app.registry").Str("topic", topic).Msg("channel close error")
		}
		delete(r.topics, topic)
	}
}

// dispatch delivers every inbound event to all callbacks registered at
// delivery time, in arrival order. One misbehaving callback must not
// take down the others. When the channel dies the entry is evicted, so
// the next Subscribe redials instead of reusing a dead socket.
func (r *SubscriptionRegistry) dispatch(topic string, entry *topicEntry) {
	for ev := range entry.channel.Events() {
		entry.cbMu.Lock()
		cbs := make([]core.Callback, 0, len(entry.callbacks))
		for _, cb := range entry.callbacks {
			cbs = append(cbs, cb)
		}
		entry.cbMu.Unlock()
		for _, cb := range cbs {
			deliver(topic, cb, ev)
		}
	}

	r.mu.Lock()
	if cur, ok := r.topics[topic]; ok && cur == entry {
		delete(r.topics, topic)
		_ = entry.channel.Close()
		log.Warn().Str("module", "app.registry").Str("topic", topic).Msg("dead channel evicted")
	}
	r.mu.Unlock()
	log.Debug().Str("module", "app.registry").Str("topic", topic).Msg("dispatch loop ended")
}

func deliver(topic string, cb core.Callback, ev core.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("module", "app.registry").Str("topic", topic).Interface("panic", rec).Msg("callback panic recovered")
		}
	}()
	cb(ev)
}
