package session

import (
	"sync"

	"github.com/retentionlabs/causalreason/internal/domain"
)

// snapshotBufferSize bounds each subscriber's channel. A subscriber slower
// than the pipeline drops snapshots rather than blocking it.
const snapshotBufferSize = 16

// Broadcaster fans session snapshots out to subscribed channels. It is the
// transport-free half of a push hub: subscribers are plain Go channels, and
// an external WebSocket/SSE layer attaches to them if one exists.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string]map[chan domain.Snapshot]struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[string]map[chan domain.Snapshot]struct{}),
	}
}

// Subscribe registers interest in a session's snapshots. The returned
// channel receives every Publish call for sessionID until the returned
// unsubscribe function is called; callers must call it to avoid leaking the
// channel and its registry entry.
func (b *Broadcaster) Subscribe(sessionID string) (<-chan domain.Snapshot, func()) {
	ch := make(chan domain.Snapshot, snapshotBufferSize)

	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[chan domain.Snapshot]struct{})
	}
	b.subs[sessionID][ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[sessionID]; ok {
			if _, present := set[ch]; present {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(b.subs, sessionID)
			}
		}
	}

	return ch, unsubscribe
}

// Publish fans a snapshot out to every subscriber of sessionID.
// Subscribers whose buffer is full are skipped rather than blocked.
func (b *Broadcaster) Publish(sessionID string, snap domain.Snapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs[sessionID] {
		select {
		case ch <- snap:
		default:
			// subscriber buffer full, drop rather than block the pipeline
		}
	}
}

// SubscriberCount reports how many channels are currently subscribed to a
// session, primarily for tests and diagnostics.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}
