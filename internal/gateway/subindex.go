package gateway

import (
	"sync"

	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/models"
)

// topic is one broadcast domain: an instrument and an update kind. Price
// and quote subscriptions for the same instrument are independent topics.
type topic struct {
	ProductID string
	Kind      models.UpdateKind
}

// SubIndex maps topics to subscriber sessions and sessions back to their
// topics. Every mutation and its first/last-subscriber answer happen under
// one lock, so upstream attach/detach decisions never race each other.
type SubIndex struct {
	mu        sync.Mutex
	byTopic   map[topic]map[string]struct{}
	bySession map[string]map[topic]struct{}
}

func NewSubIndex() *SubIndex {
	return &SubIndex{
		byTopic:   make(map[topic]map[string]struct{}),
		bySession: make(map[string]map[topic]struct{}),
	}
}

// Subscribe adds a session to a topic. The first return reports whether the
// session was newly added; the second reports whether the topic gained its
// first subscriber, which is the signal to attach the upstream feed.
func (s *SubIndex) Subscribe(sessionID, productID string, kind models.UpdateKind) (added, first bool) {
	key := topic{ProductID: productID, Kind: kind}

	s.mu.Lock()
	defer s.mu.Unlock()

	subs, ok := s.byTopic[key]
	if !ok {
		subs = make(map[string]struct{})
		s.byTopic[key] = subs
	}
	if _, exists := subs[sessionID]; exists {
		return false, false
	}
	subs[sessionID] = struct{}{}

	topics, ok := s.bySession[sessionID]
	if !ok {
		topics = make(map[topic]struct{})
		s.bySession[sessionID] = topics
	}
	topics[key] = struct{}{}

	return true, len(subs) == 1
}

// Unsubscribe removes a session from a topic. The second return reports
// whether the topic lost its last subscriber, which is the signal to detach
// the upstream feed. Unsubscribing a session that never subscribed is a
// no-op.
func (s *SubIndex) Unsubscribe(sessionID, productID string, kind models.UpdateKind) (removed, last bool) {
	key := topic{ProductID: productID, Kind: kind}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.removeLocked(sessionID, key)
}

// RemoveSession drops every subscription a session holds and returns the
// topics that became empty. Called from the deregistration cascade.
func (s *SubIndex) RemoveSession(sessionID string) []topicRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	var emptied []topicRef
	for key := range s.bySession[sessionID] {
		if _, last := s.removeLocked(sessionID, key); last {
			emptied = append(emptied, topicRef{ProductID: key.ProductID, Kind: key.Kind})
		}
	}
	return emptied
}

// topicRef is the exported shape of a topic for deregistration cascades
// and status reporting.
type topicRef struct {
	ProductID string            `json:"product_id"`
	Kind      models.UpdateKind `json:"kind"`
}

func (s *SubIndex) removeLocked(sessionID string, key topic) (removed, last bool) {
	subs, ok := s.byTopic[key]
	if !ok {
		return false, false
	}
	if _, exists := subs[sessionID]; !exists {
		return false, false
	}

	delete(subs, sessionID)
	if len(subs) == 0 {
		delete(s.byTopic, key)
		last = true
	}

	if topics, ok := s.bySession[sessionID]; ok {
		delete(topics, key)
		if len(topics) == 0 {
			delete(s.bySession, sessionID)
		}
	}
	return true, last
}

// Subscribers snapshots the sessions subscribed to a topic. The returned
// slice is detached from the index; broadcast iterates it without holding
// the lock.
func (s *SubIndex) Subscribers(productID string, kind models.UpdateKind) []string {
	key := topic{ProductID: productID, Kind: kind}

	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.byTopic[key]
	if len(subs) == 0 {
		return nil
	}
	out := make([]string, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	return out
}

// SubscriberCount returns the number of sessions subscribed to a topic.
func (s *SubIndex) SubscriberCount(productID string, kind models.UpdateKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byTopic[topic{ProductID: productID, Kind: kind}])
}

// TopicCounts snapshots every topic with its subscriber count for the
// status surface.
func (s *SubIndex) TopicCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(s.byTopic))
	for key, subs := range s.byTopic {
		out[string(key.Kind)+":"+key.ProductID] = len(subs)
	}
	return out
}

// SessionTopics snapshots the topics one session is subscribed to.
func (s *SubIndex) SessionTopics(sessionID string) []topicRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	topics := s.bySession[sessionID]
	out := make([]topicRef, 0, len(topics))
	for key := range topics {
		out = append(out, topicRef{ProductID: key.ProductID, Kind: key.Kind})
	}
	return out
}
