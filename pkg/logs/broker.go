package logs

import (
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/debug-host/debug-host/pkg/log"
	"github.com/debug-host/debug-host/pkg/telemetry"
	"github.com/debug-host/debug-host/pkg/types"
)

const (
	subscriberQueueSize = 200
	historyChunkSize    = 10
	historyChunkGap     = 25 * time.Millisecond
)

// Filter is the per-subscriber predicate applied before delivery
type Filter struct {
	Levels   []types.LogLevel
	Stream   types.LogStream
	Contains string
	Since    int64 // unix millis, inclusive
	Until    int64 // unix millis, inclusive, 0 = open
	Regex    *regexp.Regexp
}

// Match reports whether e passes the filter
func (f *Filter) Match(e types.LogEntry) bool {
	if len(f.Levels) > 0 {
		ok := false
		for _, l := range f.Levels {
			if e.Level == l {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Stream != "" && e.Stream != f.Stream {
		return false
	}
	if f.Since != 0 && e.Timestamp < f.Since {
		return false
	}
	if f.Until != 0 && e.Timestamp > f.Until {
		return false
	}
	if f.Contains != "" && !strings.Contains(strings.ToLower(e.Message), strings.ToLower(f.Contains)) {
		return false
	}
	if f.Regex != nil && !f.Regex.MatchString(e.Message) {
		return false
	}
	return true
}

// Subscription is one attached log consumer. Entries arrive on C; Done is
// closed when the broker terminates the subscription.
type Subscription struct {
	ID            string
	ContainerName string
	C             chan types.LogEntry
	Done          chan struct{}

	filter Filter
	sent   atomic.Int64
	closed atomic.Bool
}

// Sent returns the number of entries delivered so far
func (s *Subscription) Sent() int64 { return s.sent.Load() }

// Broker fans tail entries out to per-container subscribers. A subscriber
// whose queue fills is terminated; the tail is never blocked.
type Broker struct {
	mu      sync.RWMutex
	subs    map[string]map[string]*Subscription // containerName → id → sub
	dropped atomic.Int64
}

// NewBroker creates an empty log broker
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[string]*Subscription)}
}

// Subscribe attaches a consumer to a container's log stream
func (b *Broker) Subscribe(containerName string, filter Filter) *Subscription {
	sub := &Subscription{
		ID:            uuid.New().String(),
		ContainerName: containerName,
		C:             make(chan types.LogEntry, subscriberQueueSize),
		Done:          make(chan struct{}),
		filter:        filter,
	}

	b.mu.Lock()
	if b.subs[containerName] == nil {
		b.subs[containerName] = make(map[string]*Subscription)
	}
	b.subs[containerName][sub.ID] = sub
	b.mu.Unlock()
	telemetry.LogSubscribers.Inc()
	return sub
}

// Unsubscribe detaches a consumer
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if m, ok := b.subs[sub.ContainerName]; ok {
		delete(m, sub.ID)
		if len(m) == 0 {
			delete(b.subs, sub.ContainerName)
		}
	}
	b.mu.Unlock()

	if sub.closed.CompareAndSwap(false, true) {
		close(sub.Done)
		telemetry.LogSubscribers.Dec()
	}
}

// Publish delivers an entry to every matching subscriber of the container
func (b *Broker) Publish(containerName string, e types.LogEntry) {
	b.mu.RLock()
	var overflowed []*Subscription
	for _, sub := range b.subs[containerName] {
		if !sub.filter.Match(e) {
			continue
		}
		select {
		case sub.C <- e:
			sub.sent.Add(1)
		default:
			overflowed = append(overflowed, sub)
		}
	}
	b.mu.RUnlock()

	if len(overflowed) > 0 {
		brokerLog := log.WithComponent("logs")
		for _, sub := range overflowed {
			b.dropped.Add(1)
			telemetry.LogSubscribersDropped.Inc()
			brokerLog.Warn().
				Str("subscription", sub.ID).
				Str("container", containerName).
				Msg("slow log subscriber terminated")
			b.Unsubscribe(sub)
		}
	}
}

// Replay delivers historical entries to one subscriber in chunks of 10 with
// a small gap, honoring the subscriber's filter. Returns entries delivered.
func (b *Broker) Replay(sub *Subscription, history []types.LogEntry) int {
	delivered := 0
	for i, e := range history {
		if !sub.filter.Match(e) {
			continue
		}
		select {
		case sub.C <- e:
			sub.sent.Add(1)
			delivered++
		case <-sub.Done:
			return delivered
		}
		if delivered > 0 && delivered%historyChunkSize == 0 && i < len(history)-1 {
			time.Sleep(historyChunkGap)
		}
	}
	return delivered
}

// SubscriberCount returns the number of live subscriptions
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, m := range b.subs {
		n += len(m)
	}
	return n
}

// Dropped returns the total number of terminated slow subscribers
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

// Close terminates all subscriptions
func (b *Broker) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0)
	for _, m := range b.subs {
		for _, sub := range m {
			subs = append(subs, sub)
		}
	}
	b.subs = make(map[string]map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.closed.CompareAndSwap(false, true) {
			close(sub.Done)
			telemetry.LogSubscribers.Dec()
		}
	}
}
