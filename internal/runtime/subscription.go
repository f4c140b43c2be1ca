package runtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentbus/agentbus/internal/runtime/message"
)

// Handler consumes one delivered message. Handlers may block or spawn their
// own concurrency; the bus awaits the return value either way. A non-nil
// error marks the delivery attempt as failed for this subscriber.
type Handler func(ctx context.Context, msg message.Message) error

// SubscribeOption narrows which messages a subscription receives.
type SubscribeOption func(*Subscription)

// WithTopics restricts the subscription to messages tagged with at least one
// of the given topics.
func WithTopics(topics ...string) SubscribeOption {
	return func(s *Subscription) {
		if s.topics == nil {
			s.topics = make(map[string]struct{}, len(topics))
		}
		for _, t := range topics {
			s.topics[t] = struct{}{}
		}
	}
}

// WithMessageTypes restricts the subscription to the given message kinds.
func WithMessageTypes(types ...message.Type) SubscribeOption {
	return func(s *Subscription) {
		if s.types == nil {
			s.types = make(map[message.Type]struct{}, len(types))
		}
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
}

// WithPriorityThreshold drops messages less urgent than the threshold; a
// message passes when its priority value is numerically at or below it.
func WithPriorityThreshold(p message.Priority) SubscribeOption {
	return func(s *Subscription) { s.threshold = &p }
}

// Subscription binds a subscriber id to a handler and its filter criteria.
type Subscription struct {
	id      string
	handler Handler

	topics    map[string]struct{}
	types     map[message.Type]struct{}
	threshold *message.Priority

	mu          sync.Mutex
	active      bool
	delivered   uint64
	errors      uint64
	lastMessage time.Time
}

func newSubscription(id string, handler Handler, opts ...SubscribeOption) *Subscription {
	sub := &Subscription{
		id:      id,
		handler: handler,
		active:  true,
	}
	for _, opt := range opts {
		opt(sub)
	}
	return sub
}

// matches reports whether the message passes every filter. Inactive
// subscriptions never match.
func (s *Subscription) matches(msg message.Message) bool {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if !active {
		return false
	}

	env := msg.Base()

	if s.threshold != nil && env.Priority > *s.threshold {
		return false
	}

	if len(s.types) > 0 {
		if _, ok := s.types[msg.Kind()]; !ok {
			return false
		}
	}

	if len(s.topics) > 0 {
		matched := false
		for _, topic := range env.Topics() {
			if _, ok := s.topics[topic]; ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

func (s *Subscription) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

func (s *Subscription) recordDelivery() {
	s.mu.Lock()
	s.delivered++
	s.lastMessage = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Subscription) recordError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

// Info returns an introspection snapshot of the subscription.
func (s *Subscription) Info() SubscriptionInfo {
	info := SubscriptionInfo{
		SubscriberID: s.id,
		Topics:       setToSorted(s.topics),
		MessageTypes: typeSetToSorted(s.types),
	}
	if s.threshold != nil {
		p := *s.threshold
		info.PriorityThreshold = &p
	}

	s.mu.Lock()
	info.Active = s.active
	info.MessagesDelivered = s.delivered
	info.DeliveryErrors = s.errors
	info.LastMessageAt = s.lastMessage
	s.mu.Unlock()

	return info
}

// SubscriptionInfo is the externally visible state of one subscription.
type SubscriptionInfo struct {
	SubscriberID      string            `json:"subscriber_id"`
	Topics            []string          `json:"topics,omitempty"`
	MessageTypes      []string          `json:"message_types,omitempty"`
	PriorityThreshold *message.Priority `json:"priority_threshold,omitempty"`
	Active            bool              `json:"active"`
	MessagesDelivered uint64            `json:"messages_delivered"`
	DeliveryErrors    uint64            `json:"delivery_errors"`
	LastMessageAt     time.Time         `json:"last_message_at"`
}

// subscriptionRegistry maps subscriber ids to their subscriptions. One lock
// guards the mapping; dispatch snapshots matches under the same lock that
// Subscribe and Unsubscribe mutate under, so removal takes effect on the
// next dispatch cycle.
type subscriptionRegistry struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{subs: make(map[string]*Subscription)}
}

// register installs the subscription, replacing any previous registration
// under the same id.
func (r *subscriptionRegistry) register(sub *Subscription) {
	r.mu.Lock()
	if prev, ok := r.subs[sub.id]; ok {
		prev.deactivate()
	}
	r.subs[sub.id] = sub
	r.mu.Unlock()
}

// remove deactivates and deletes the subscription. It reports whether the
// id was registered.
func (r *subscriptionRegistry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return false
	}
	sub.deactivate()
	delete(r.subs, id)
	return true
}

// matching returns the active subscriptions whose filters pass the message.
func (r *subscriptionRegistry) matching(msg message.Message) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Subscription
	for _, sub := range r.subs {
		if sub.matches(msg) {
			matched = append(matched, sub)
		}
	}
	return matched
}

func (r *subscriptionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// infos lists every registered subscription sorted by subscriber id.
func (r *subscriptionRegistry) infos() []SubscriptionInfo {
	r.mu.RLock()
	infos := make([]SubscriptionInfo, 0, len(r.subs))
	for _, sub := range r.subs {
		infos = append(infos, sub.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].SubscriberID < infos[j].SubscriberID
	})
	return infos
}

func setToSorted(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func typeSetToSorted(set map[message.Type]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, string(v))
	}
	sort.Strings(out)
	return out
}
