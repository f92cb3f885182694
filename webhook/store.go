package webhook

import (
	"crypto/rand"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cloudpipe/durable-streams/internal/protocol"
)

// Store holds in-memory subscription and consumer state for one Manager.
// Each Store mints its own callback-token signing key at construction time,
// so tokens issued by one Caddy handler instance never validate against
// another's consumers even if both run in the same process (tests, or a
// multi-site Caddyfile).
type Store struct {
	mu sync.RWMutex

	subscriptions         map[string]*Subscription
	consumers             map[string]*ConsumerInstance
	subscriptionConsumers map[string]map[string]bool
	streamConsumers       map[string]map[string]bool

	tokenKey []byte
}

// NewStore builds an empty Store with a fresh callback-token signing key.
func NewStore() *Store {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("failed to generate token key: %v", err))
	}

	return &Store{
		subscriptions:         make(map[string]*Subscription),
		consumers:             make(map[string]*ConsumerInstance),
		subscriptionConsumers: make(map[string]map[string]bool),
		streamConsumers:       make(map[string]map[string]bool),
		tokenKey:              key,
	}
}

// CreateSubscription creates, or idempotently returns, a subscription.
func (s *Store) CreateSubscription(subscriptionID, pattern, webhookURL, description string) (*Subscription, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.subscriptions[subscriptionID]; ok {
		if existing.Pattern == pattern && existing.Webhook == webhookURL {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("subscription already exists with different configuration")
	}

	sub := &Subscription{
		SubscriptionID: subscriptionID,
		Pattern:        pattern,
		Webhook:        webhookURL,
		WebhookSecret:  GenerateWebhookSecret(),
		Description:    description,
	}

	s.subscriptions[subscriptionID] = sub
	s.subscriptionConsumers[subscriptionID] = make(map[string]bool)
	return sub, true, nil
}

// GetSubscription returns a subscription by ID, or nil.
func (s *Store) GetSubscription(subscriptionID string) *Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscriptions[subscriptionID]
}

// ListSubscriptions returns all subscriptions, optionally filtered by
// exact pattern match.
func (s *Store) ListSubscriptions(pattern string) []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Subscription
	for _, sub := range s.subscriptions {
		if pattern == "" || pattern == "/**" || sub.Pattern == pattern {
			result = append(result, sub)
		}
	}
	return result
}

// DeleteSubscription removes a subscription and every consumer it spawned.
func (s *Store) DeleteSubscription(subscriptionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[subscriptionID]; !ok {
		return false
	}

	if consumerIDs, ok := s.subscriptionConsumers[subscriptionID]; ok {
		for cid := range consumerIDs {
			s.removeConsumerLocked(cid)
		}
	}

	delete(s.subscriptionConsumers, subscriptionID)
	delete(s.subscriptions, subscriptionID)
	return true
}

// FindMatchingSubscriptions returns subscriptions whose pattern matches
// streamPath.
func (s *Store) FindMatchingSubscriptions(streamPath string) []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Subscription
	for _, sub := range s.subscriptions {
		if GlobMatch(sub.Pattern, streamPath) {
			result = append(result, sub)
		}
	}
	return result
}

// BuildConsumerID derives a deterministic consumer ID from a subscription
// and its primary stream, so repeated stream creation never spawns
// duplicate consumers.
func BuildConsumerID(subscriptionID, streamPath string) string {
	return subscriptionID + ":" + url.PathEscape(streamPath)
}

// GetConsumer returns a consumer by ID, or nil.
func (s *Store) GetConsumer(consumerID string) *ConsumerInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.consumers[consumerID]
}

// GetOrCreateConsumer returns, or lazily creates, the consumer for a
// (subscription, stream) pair.
func (s *Store) GetOrCreateConsumer(subscriptionID, streamPath string) *ConsumerInstance {
	s.mu.Lock()
	defer s.mu.Unlock()

	consumerID := BuildConsumerID(subscriptionID, streamPath)
	if c, ok := s.consumers[consumerID]; ok {
		return c
	}

	c := &ConsumerInstance{
		ConsumerID:     consumerID,
		SubscriptionID: subscriptionID,
		PrimaryStream:  streamPath,
		State:          StateIDLE,
		Epoch:          0,
		Streams:        map[string]protocol.Offset{streamPath: protocol.ZeroOffset},
	}

	s.consumers[consumerID] = c

	if subConsumers, ok := s.subscriptionConsumers[subscriptionID]; ok {
		subConsumers[consumerID] = true
	}
	s.addStreamIndex(streamPath, consumerID)

	return c
}

// TransitionToWaking moves a consumer from IDLE to WAKING, incrementing its
// epoch and minting a fresh wake ID.
func (s *Store) TransitionToWaking(c *ConsumerInstance) (epoch int, wakeID string) {
	c.Epoch++
	c.WakeID = GenerateWakeID()
	c.WakeIDClaimed = false
	c.State = StateWAKING
	return c.Epoch, c.WakeID
}

// ClaimWakeID claims a wake ID. Returns true on success, or if already
// claimed (idempotent retry).
func (s *Store) ClaimWakeID(c *ConsumerInstance, wakeID string) bool {
	if c.WakeID != wakeID {
		return false
	}
	if c.WakeIDClaimed {
		return true
	}
	c.WakeIDClaimed = true
	c.State = StateLIVE
	c.LastCallbackAt = time.Now()
	return true
}

// TransitionToIdle moves a consumer to IDLE and cancels its liveness timer.
func (s *Store) TransitionToIdle(c *ConsumerInstance) {
	c.State = StateIDLE
	c.WakeID = ""
	c.WakeIDClaimed = false
	c.CancelLiveness()
}

// UpdateAcks records acknowledged offsets for a consumer. An ack carrying an
// offset this store can't parse is dropped rather than corrupting the
// consumer's watermark.
func (s *Store) UpdateAcks(c *ConsumerInstance, acks []AckEntry) {
	for _, ack := range acks {
		if _, ok := c.Streams[ack.Path]; !ok {
			continue
		}
		offset, err := protocol.ParseOffset(ack.Offset)
		if err != nil {
			continue
		}
		c.Streams[ack.Path] = offset
	}
}

// SubscribeStreams adds additional streams to a consumer's watch set.
func (s *Store) SubscribeStreams(c *ConsumerInstance, paths []string, getTailOffset func(string) protocol.Offset) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, path := range paths {
		if _, ok := c.Streams[path]; !ok {
			c.Streams[path] = getTailOffset(path)
			s.addStreamIndex(path, c.ConsumerID)
		}
	}
}

// UnsubscribeStreams removes streams from a consumer's watch set. Returns
// true if the consumer now watches nothing and should be removed.
func (s *Store) UnsubscribeStreams(c *ConsumerInstance, paths []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, path := range paths {
		delete(c.Streams, path)
		s.removeStreamIndex(path, c.ConsumerID)
	}
	return len(c.Streams) == 0
}

// HasPendingWork reports whether any watched stream has advanced past the
// consumer's last-acked offset.
func (s *Store) HasPendingWork(c *ConsumerInstance, getTailOffset func(string) protocol.Offset) bool {
	for path, ackedOffset := range c.Streams {
		if ackedOffset.LessThan(getTailOffset(path)) {
			return true
		}
	}
	return false
}

// GetStreamsData renders a consumer's watch set as a slice.
func (s *Store) GetStreamsData(c *ConsumerInstance) []StreamEntry {
	result := make([]StreamEntry, 0, len(c.Streams))
	for path, offset := range c.Streams {
		result = append(result, StreamEntry{Path: path, Offset: offset.String()})
	}
	return result
}

// GetConsumersForStream returns the consumer IDs watching streamPath.
func (s *Store) GetConsumersForStream(streamPath string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.streamConsumers[streamPath]
	result := make([]string, 0, len(set))
	for cid := range set {
		result = append(result, cid)
	}
	return result
}

// RemoveConsumer removes a consumer and all its indexes.
func (s *Store) RemoveConsumer(consumerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeConsumerLocked(consumerID)
}

func (s *Store) removeConsumerLocked(consumerID string) {
	c, ok := s.consumers[consumerID]
	if !ok {
		return
	}

	c.CancelRetry()
	c.CancelLiveness()

	for path := range c.Streams {
		s.removeStreamIndex(path, consumerID)
	}

	if subConsumers, ok := s.subscriptionConsumers[c.SubscriptionID]; ok {
		delete(subConsumers, consumerID)
	}

	delete(s.consumers, consumerID)
}

// RemoveStreamFromConsumers drops streamPath from every consumer watching
// it, garbage-collecting consumers left with nothing to watch.
func (s *Store) RemoveStreamFromConsumers(streamPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.streamConsumers[streamPath]
	var toRemove []string

	for cid := range set {
		c, ok := s.consumers[cid]
		if !ok {
			continue
		}
		delete(c.Streams, streamPath)
		if len(c.Streams) == 0 {
			toRemove = append(toRemove, cid)
		}
	}

	delete(s.streamConsumers, streamPath)

	for _, cid := range toRemove {
		s.removeConsumerLocked(cid)
	}
}

// Shutdown clears all state and cancels every outstanding timer.
func (s *Store) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.consumers {
		c.CancelRetry()
		c.CancelLiveness()
	}

	s.consumers = make(map[string]*ConsumerInstance)
	s.subscriptions = make(map[string]*Subscription)
	s.subscriptionConsumers = make(map[string]map[string]bool)
	s.streamConsumers = make(map[string]map[string]bool)
}

func (s *Store) addStreamIndex(streamPath, consumerID string) {
	set, ok := s.streamConsumers[streamPath]
	if !ok {
		set = make(map[string]bool)
		s.streamConsumers[streamPath] = set
	}
	set[consumerID] = true
}

func (s *Store) removeStreamIndex(streamPath, consumerID string) {
	set, ok := s.streamConsumers[streamPath]
	if !ok {
		return
	}
	delete(set, consumerID)
	if len(set) == 0 {
		delete(s.streamConsumers, streamPath)
	}
}
