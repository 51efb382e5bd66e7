package events

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/agentsh/sigguard/pkg/types"
)

// Broker fans events out to live subscribers.
type Broker struct {
	mu      sync.RWMutex
	subs    map[chan types.Event]struct{}
	dropped atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[chan types.Event]struct{})}
}

func (b *Broker) Subscribe(buf int) chan types.Event {
	if buf <= 0 {
		buf = 100
	}
	ch := make(chan types.Event, buf)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	return ch
}

func (b *Broker) Unsubscribe(ch chan types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; !ok {
		return
	}
	delete(b.subs, ch)
	close(ch)
}

func (b *Broker) Publish(ev types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Drop on slow subscriber, log and count.
			count := b.dropped.Add(1)
			if count == 1 || count%100 == 0 {
				fmt.Fprintf(os.Stderr, "events: dropped event (type=%s, total dropped=%d)\n", ev.Type, count)
			}
		}
	}
}

// DroppedCount returns the total number of events dropped due to slow subscribers.
func (b *Broker) DroppedCount() int64 {
	return b.dropped.Load()
}
