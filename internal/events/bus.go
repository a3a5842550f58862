// Package events is the runtime event backbone. Producers publish
// structured events to topics; consumers (the WebSocket fan-out, the
// NDJSON file sink, tests) subscribe with their own bounded channel.
// Publishing never blocks: a subscriber that cannot keep up loses events
// rather than stalling the execution path.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Standard topics.
const (
	TopicPlans       = "llmos.plans"
	TopicActions     = "llmos.actions"
	TopicSecurity    = "llmos.security"
	TopicPermissions = "llmos.permissions"
	TopicErrors      = "llmos.errors"
)

// AllTopics lists every standard topic, for subscribers that want the
// whole stream.
var AllTopics = []string{TopicPlans, TopicActions, TopicSecurity, TopicPermissions, TopicErrors}

// Event is one published occurrence. Fields holds ids and small scalars;
// sensitive payloads are omitted by the producers.
type Event struct {
	Topic     string         `json:"topic"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// DroppedFunc is invoked (outside the bus lock) whenever a slow subscriber
// loses an event; wired to a metrics counter.
type DroppedFunc func(topic string)

type subscriber struct {
	id     int
	topics map[string]bool
	ch     chan Event
}

// Bus fans events out to subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	dropped DroppedFunc
	log     *zap.Logger
}

// NewBus builds a bus. dropped may be nil.
func NewBus(log *zap.Logger, dropped DroppedFunc) *Bus {
	return &Bus{subs: map[int]*subscriber{}, dropped: dropped, log: log}
}

// Publish stamps and delivers the event to every matching subscriber.
// Delivery is non-blocking; full channels drop the event.
func (b *Bus) Publish(topic, eventType string, fields map[string]any) {
	ev := Event{Topic: topic, Type: eventType, Timestamp: time.Now().UTC(), Fields: fields}

	b.mu.RLock()
	var droppedTopics []string
	for _, sub := range b.subs {
		if !sub.topics[topic] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			droppedTopics = append(droppedTopics, topic)
		}
	}
	b.mu.RUnlock()

	for _, t := range droppedTopics {
		if b.dropped != nil {
			b.dropped(t)
		}
		b.log.Debug("event dropped for slow subscriber", zap.String("topic", t), zap.String("type", eventType))
	}
}

// Subscribe registers a subscriber for the given topics with a channel of
// the given capacity. The returned cancel function unregisters and closes
// the channel; it is safe to call more than once.
func (b *Bus) Subscribe(topics []string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	topicSet := make(map[string]bool, len(topics))
	for _, t := range topics {
		topicSet[t] = true
	}
	sub := &subscriber{topics: topicSet, ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub.id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// ─── NDJSON file sink ────────────────────────────────────────────────────────

// FileSink subscribes to the bus and appends every event as one JSON line
// to a rotating file.
type FileSink struct {
	writer *lumberjack.Logger
	cancel func()
	done   chan struct{}
	log    *zap.Logger
}

// NewFileSink starts a sink writing to path. maxSizeMB/maxBackups/maxAge
// follow lumberjack semantics.
func NewFileSink(bus *Bus, path string, maxSizeMB, maxBackups, maxAgeDays int, log *zap.Logger) *FileSink {
	s := &FileSink{
		writer: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		},
		done: make(chan struct{}),
		log:  log,
	}
	ch, cancel := bus.Subscribe(AllTopics, 1024)
	s.cancel = cancel
	go s.run(ch)
	return s
}

func (s *FileSink) run(ch <-chan Event) {
	defer close(s.done)
	for ev := range ch {
		line, err := json.Marshal(ev)
		if err != nil {
			s.log.Error("event sink marshal failed", zap.Error(err))
			continue
		}
		if _, err := s.writer.Write(append(line, '\n')); err != nil {
			s.log.Error("event sink write failed", zap.Error(err))
		}
	}
}

// Close unsubscribes, drains, and closes the file.
func (s *FileSink) Close() error {
	s.cancel()
	<-s.done
	return s.writer.Close()
}
