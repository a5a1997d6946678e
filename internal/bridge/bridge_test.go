package bridge

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSubscribeReceivesPublishedNotification(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ch := bus.Subscribe(TopicWorkerStatus)

	bus.Publish(TopicWorkerStatus, map[string]string{"state": "ready"})

	select {
	case note := <-ch:
		if note.Topic != TopicWorkerStatus {
			t.Fatalf("unexpected topic: %s", note.Topic)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for notification")
	}
}

func TestSubscribersAreIsolatedByTopic(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	status := bus.Subscribe(TopicWorkerStatus)
	progress := bus.Subscribe(TopicTaskProgress)

	bus.Publish(TopicWorkerStatus, "x")

	select {
	case <-status:
	case <-time.After(time.Second):
		t.Fatalf("expected status subscriber to receive notification")
	}

	select {
	case <-progress:
		t.Fatalf("progress subscriber should not have received a worker:status notification")
	default:
	}
}

func TestPublishNeverBlocksOnFullSubscriberBuffer(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	bus.Subscribe(TopicTaskProgress) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			bus.Publish(TopicTaskProgress, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked on a full, undrained subscriber buffer")
	}
}

func TestPublishWithNoSubscribersDoesNotPanic(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	bus.Publish(TopicTaskFailed, "no one is listening")
}

func TestLoggingBridgeForwardsAndLogs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	bus := NewBus()
	ch := bus.Subscribe(TopicTaskCompleted)

	lb := NewLoggingBridge(bus, logger)
	lb.Publish(TopicTaskCompleted, map[string]string{"task_id": "t1"})

	select {
	case note := <-ch:
		if note.Topic != TopicTaskCompleted {
			t.Fatalf("unexpected topic forwarded: %s", note.Topic)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected forwarded notification")
	}

	if !strings.Contains(buf.String(), "task:completed") {
		t.Fatalf("expected log line to mention topic, got %q", buf.String())
	}
}

func TestLoggingBridgeToleratesNilInner(t *testing.T) {
	t.Parallel()

	lb := NewLoggingBridge(nil, nil)
	lb.Publish(TopicWorkerStatus, "ok") // must not panic
}
