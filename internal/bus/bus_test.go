package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("document")
	defer b.Unsubscribe(sub)

	b.Publish(TopicDocumentSaved, DocumentSavedEvent{RunID: "r1", Name: "draft"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicDocumentSaved {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicDocumentSaved)
		}
		payload, ok := event.Payload.(DocumentSavedEvent)
		if !ok {
			t.Fatalf("payload type = %T, want DocumentSavedEvent", event.Payload)
		}
		if payload.Name != "draft" {
			t.Fatalf("name = %q, want draft", payload.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	// Subscribe to "run." prefix.
	runSub := b.Subscribe("run.")
	defer b.Unsubscribe(runSub)

	// Subscribe to all events.
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicRunStarted, RunEvent{RunID: "r1"})
	b.Publish(TopicMemberAdded, MembershipEvent{GroupID: 1})

	// runSub should receive run.started but not group.member.added.
	select {
	case event := <-runSub.Ch():
		if event.Topic != TopicRunStarted {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicRunStarted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for run event")
	}

	select {
	case event := <-runSub.Ch():
		t.Fatalf("unexpected event on runSub: %v", event)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}

	// allSub should receive both.
	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("document")
	defer b.Unsubscribe(sub)

	// Fill the buffer past capacity.
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicDocumentSaved, DocumentSavedEvent{RunID: "r1", Name: "doc"})
	}

	// Should not deadlock. Drain what we can.
	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			goto done
		}
	}
done:
	if count != defaultBufferSize {
		t.Fatalf("received %d events, expected %d (buffer size)", count, defaultBufferSize)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("run.")

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}

	// Channel should be closed.
	_, ok := <-sub.Ch()
	if ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	b := New()
	sub1 := b.Subscribe("group.")
	sub2 := b.Subscribe("group.")
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(TopicOwnershipTransferred, MembershipEvent{GroupID: 3, ActorID: 1, UserID: 2})

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case event := <-sub.Ch():
			payload := event.Payload.(MembershipEvent)
			if payload.GroupID != 3 {
				t.Fatalf("group = %d, want 3", payload.GroupID)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5
	total := goroutines * perGoroutine

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicDocumentSaved, DocumentSavedEvent{Name: "doc"})
			}
		}(g)
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			goto done
		}
	}
done:
	if received != total {
		t.Fatalf("received %d events, want %d", received, total)
	}
}
