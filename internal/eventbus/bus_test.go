package eventbus

import "testing"

func TestPublishOrderPerSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe()

	b.Publish(NewLog(LevelInfo, "jobA", "source", "first", nil))
	b.Publish(NewLog(LevelInfo, "jobA", "source", "second", nil))
	b.Close()

	first, ok := sub.Next()
	if !ok || first.Message != "first" {
		t.Fatalf("expected first event, got %+v ok=%v", first, ok)
	}
	second, ok := sub.Next()
	if !ok || second.Message != "second" {
		t.Fatalf("expected second event, got %+v ok=%v", second, ok)
	}
	_, ok = sub.Next()
	if ok {
		t.Fatalf("expected queue drained after close")
	}
}

func TestPublishAfterCloseIsNoOp(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	b.Close()
	b.Publish(NewLog(LevelInfo, "jobA", "source", "late", nil))

	_, ok := sub.Next()
	if ok {
		t.Fatalf("expected no events after close")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	// Publish many events without ever draining sub — this must not block
	// or drop events, per spec.md §4.3's accepted back-pressure.
	for i := 0; i < 1000; i++ {
		b.Publish(NewLog(LevelInfo, "jobA", "source", "x", nil))
	}
	count := 0
	b.Close()
	for {
		_, ok := sub.Next()
		if !ok {
			break
		}
		count++
	}
	if count != 1000 {
		t.Fatalf("expected 1000 queued events, got %d", count)
	}
}
