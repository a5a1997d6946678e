// Package bridge is the event bridge: it emits status and per-task
// notifications to subscribers outside the supervisor (the UI layer).
// Delivery is best-effort and non-blocking — a slow or absent subscriber
// must never stall the supervisor's mutation path.
package bridge

import (
	"log/slog"
	"sync"
	"time"
)

// Topic names published by the supervisor.
const (
	TopicWorkerStatus  = "worker:status"
	TopicTaskProgress  = "task:progress"
	TopicTaskCompleted = "task:completed"
	TopicTaskFailed    = "task:failed"
)

// subscriberBuffer bounds how many pending notifications a slow subscriber
// can accumulate before new ones are dropped.
const subscriberBuffer = 64

// Notification is one published event delivered to a subscriber channel.
type Notification struct {
	Topic   string
	Payload any
	At      time.Time
}

// Bridge is the thin publish interface the supervisor depends on.
type Bridge interface {
	Publish(topic string, payload any)
}

// Bus is an in-process, best-effort publish/subscribe bridge.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]chan Notification
	now  func() time.Time
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]chan Notification),
		now:  time.Now,
	}
}

// WithClock overrides the bus's time source, for tests.
func (b *Bus) WithClock(now func() time.Time) *Bus {
	if now != nil {
		b.now = now
	}
	return b
}

// Subscribe returns a channel that receives every future notification
// published to topic. The channel is buffered; once a subscriber falls
// behind and its buffer is full, newly published notifications are dropped
// for it (the pending ones are kept) rather than blocking the publisher.
func (b *Bus) Subscribe(topic string) <-chan Notification {
	ch := make(chan Notification, subscriberBuffer)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers payload to every subscriber of topic. It never blocks:
// a subscriber whose buffer is full simply misses this notification.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.Lock()
	subs := append([]chan Notification(nil), b.subs[topic]...)
	b.mu.Unlock()

	note := Notification{Topic: topic, Payload: payload, At: b.now().UTC()}
	for _, ch := range subs {
		select {
		case ch <- note:
		default:
		}
	}
}

// LoggingBridge wraps a Bridge and logs every publish at Info level with
// structured fields before forwarding, mirroring how the teacher repo logs
// around every emitter.Emit call.
type LoggingBridge struct {
	inner Bridge
	log   *slog.Logger
}

// NewLoggingBridge builds a bridge that logs then forwards to inner.
// A nil inner is permitted (logging only, e.g. in tests).
func NewLoggingBridge(inner Bridge, log *slog.Logger) *LoggingBridge {
	if log == nil {
		log = slog.Default()
	}
	return &LoggingBridge{inner: inner, log: log}
}

// Publish logs the notification and forwards it to the wrapped bridge.
func (l *LoggingBridge) Publish(topic string, payload any) {
	l.log.Info("event bridge publish", slog.String("topic", topic), slog.Any("payload", payload))
	if l.inner != nil {
		l.inner.Publish(topic, payload)
	}
}
