package session

import (
	"testing"

	"github.com/retentionlabs/causalreason/internal/domain"
)

func TestBroadcasterDeliversToMultipleSubscribers(t *testing.T) {
	b := NewBroadcaster()

	ch1, unsub1 := b.Subscribe("sess-1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("sess-1")
	defer unsub2()

	snap := domain.Snapshot{Stage: domain.StageGenerator}
	b.Publish("sess-1", snap)

	for _, ch := range []<-chan domain.Snapshot{ch1, ch2} {
		select {
		case got := <-ch:
			if got.Stage != domain.StageGenerator {
				t.Errorf("expected stage %s, got %s", domain.StageGenerator, got.Stage)
			}
		default:
			t.Fatal("expected snapshot on subscriber channel")
		}
	}
}

func TestBroadcasterDropsOnFullBuffer(t *testing.T) {
	b := NewBroadcaster()
	ch, unsub := b.Subscribe("sess-1")
	defer unsub()

	// Fill the buffer past capacity; excess publishes must not block.
	for i := 0; i < snapshotBufferSize+5; i++ {
		b.Publish("sess-1", domain.Snapshot{Stage: domain.StageTester})
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
		default:
			if drained != snapshotBufferSize {
				t.Errorf("expected %d buffered snapshots, drained %d", snapshotBufferSize, drained)
			}
			return
		}
	}
}

func TestBroadcasterPublishWithNoSubscribersIsNoop(t *testing.T) {
	b := NewBroadcaster()
	b.Publish("sess-unknown", domain.Snapshot{Stage: domain.StageGenerator})
}

func TestUnsubscribeRemovesChannel(t *testing.T) {
	b := NewBroadcaster()
	_, unsubscribe := b.Subscribe("sess-1")

	if got := b.SubscriberCount("sess-1"); got != 1 {
		t.Fatalf("expected 1 subscriber, got %d", got)
	}

	unsubscribe()

	if got := b.SubscriberCount("sess-1"); got != 0 {
		t.Errorf("expected 0 subscribers after unsubscribe, got %d", got)
	}
}
